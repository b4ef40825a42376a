package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel string

	// ListenAddr serves the page-session websocket and the placement
	// relay endpoint.
	ListenAddr string

	// ControlBase is the local control server.
	ControlBase string
	// SiteURL is the monitored page.
	SiteURL string
	// BackendBase is the site backend that placement writes go to.
	BackendBase string

	// FallbackModuleURLs are tried before any discovery scan.
	FallbackModuleURLs []string
	// CacheFile is the file-backed module location cache; ignored when
	// Redis is configured.
	CacheFile string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// ProxyFile is the proxy pool checked by proxycheck, one URL per line.
	ProxyFile    string
	ProxyTimeout time.Duration
	ProxyWorkers int

	TickPeriod    time.Duration
	WaitThreshold time.Duration
	AutoReload    bool
	AutoClear     bool
	SeedOnStart   bool
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:      getenv("APP_ENV", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8790"),
		ControlBase: getenv("CONTROL_BASE", "http://127.0.0.1:3000"),
		SiteURL:     getenv("SITE_URL", "https://wplace.live/"),
		BackendBase: getenv("BACKEND_BASE", "https://backend.wplace.live"),
		CacheFile:   getenv("CACHE_FILE", "data/module-location.json"),

		RedisHost:     os.Getenv("REDIS_HOST"),
		RedisPort:     getenv("REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		ProxyFile: getenv("PROXY_FILE", "data/proxies.txt"),
	}

	if raw := os.Getenv("FALLBACK_MODULE_URLS"); raw != "" {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.FallbackModuleURLs = append(cfg.FallbackModuleURLs, u)
			}
		}
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.TickPeriod, err = durationEnv("TICK_PERIOD", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.WaitThreshold, err = durationEnv("WAIT_THRESHOLD", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutoReload, err = boolEnv("AUTO_RELOAD", true); err != nil {
		return nil, err
	}
	if cfg.AutoClear, err = boolEnv("AUTO_CLEAR", true); err != nil {
		return nil, err
	}
	if cfg.SeedOnStart, err = boolEnv("SEED_ON_START", true); err != nil {
		return nil, err
	}
	if cfg.ProxyTimeout, err = durationEnv("PROXY_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.ProxyWorkers, err = intEnv("PROXY_WORKERS", 20); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
