// Command wplacerd is the token acquisition sidecar: it watches
// placement writes, computes integrity tokens through the discovered
// wasm module, tracks how long the control server has been waiting for
// a token, and nudges or reloads the monitored page when the wait runs
// long.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/acquire"
	"github.com/AchmadFathoni/wplacer/internal/bridge"
	"github.com/AchmadFathoni/wplacer/internal/bus"
	"github.com/AchmadFathoni/wplacer/internal/config"
	"github.com/AchmadFathoni/wplacer/internal/control"
	"github.com/AchmadFathoni/wplacer/internal/intercept"
	"github.com/AchmadFathoni/wplacer/internal/locator"
	"github.com/AchmadFathoni/wplacer/internal/logging"
	"github.com/AchmadFathoni/wplacer/internal/reload"
	"github.com/AchmadFathoni/wplacer/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(logging.Config{
		Environment: cfg.AppEnv,
		LogLevel:    cfg.LogLevel,
		ServiceName: "wplacerd",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("daemon failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	b := bus.New(log)

	store := newLocationStore(ctx, cfg, log)
	loc := locator.New(locator.Config{
		PageURL:   cfg.SiteURL,
		Fallbacks: cfg.FallbackModuleURLs,
	}, store, log)

	identity := control.NewBackendIdentity(cfg.BackendBase+"/me", nil)
	br := bridge.New(bridge.Options{}, identity, log)
	acq := acquire.NewContext(loc, br, log)
	defer acq.Close(context.Background())

	ic := intercept.New(intercept.Config{BaseURL: cfg.BackendBase}, acq, b, log)
	placeClient := &http.Client{
		Transport: ic.Install(nil),
		Timeout:   30 * time.Second,
	}

	ctl := control.NewClient(cfg.ControlBase, nil, log)

	registry := reload.NewRegistry()
	orch, err := reload.NewOrchestrator(registry, b, cfg.SiteURL, log)
	if err != nil {
		return fmt.Errorf("reload orchestrator: %w", err)
	}

	trk := tracker.New(tracker.Config{
		Threshold:  cfg.WaitThreshold,
		AutoReload: cfg.AutoReload,
		AutoClear:  cfg.AutoClear,
	}, ctl, reloaderAdapter{orch}, acq, busNotifier{b}, log)

	relayEvents, cancelRelay := b.Subscribe(64)
	defer cancelRelay()
	relay := acquire.NewRelay(ctl, trk, log)
	go relay.Run(ctx, relayEvents)

	if cfg.SeedOnStart {
		// warm the module up before the first real placement
		ic.Trigger(cfg.BackendBase+"/s0/pixel/0/0", acquire.SeedBody, bus.OriginSeed)
	}

	go tickLoop(ctx, cfg.TickPeriod, trk, log)

	sessions := &sessionServer{
		registry: registry,
		bus:      b,
		control:  ctl,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", sessions.handle)
	mux.HandleFunc("/place/", placeHandler(placeClient, cfg.BackendBase, log))

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	log.Info("wplacerd listening",
		zap.String("addr", cfg.ListenAddr),
		zap.String("site", cfg.SiteURL),
		zap.Duration("tick", cfg.TickPeriod))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newLocationStore uses Redis when configured and reachable, otherwise
// falls back to the file-backed cache.
func newLocationStore(ctx context.Context, cfg *config.Config, log *zap.Logger) locator.Store {
	if cfg.RedisHost == "" {
		return locator.NewFileStore(cfg.CacheFile)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable, using file cache", zap.Error(err))
		return locator.NewFileStore(cfg.CacheFile)
	}
	log.Info("module location cache on redis", zap.String("addr", client.Options().Addr))
	return locator.NewRedisStore(client, "")
}

func tickLoop(ctx context.Context, period time.Duration, trk *tracker.Tracker, log *zap.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trk.Tick(ctx)
		}
	}
}

// placeHandler forwards placement writes from the page through the
// intercepted client, so every relayed write gets its token computed.
func placeHandler(client *http.Client, backendBase string, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		coords := strings.TrimPrefix(r.URL.Path, "/place/")
		target := backendBase + "/s0/pixel/" + coords

		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			log.Warn("placement relay failed", zap.String("target", target), zap.Error(err))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body) //nolint:errcheck
	}
}

// reloaderAdapter narrows the orchestrator to what the tracker needs.
// A missing page context is a normal status, not an error.
type reloaderAdapter struct {
	orch *reload.Orchestrator
}

func (r reloaderAdapter) Reload(ctx context.Context) error {
	r.orch.Reload(ctx)
	return nil
}

// busNotifier publishes tracker state changes for any UI observer.
type busNotifier struct {
	bus *bus.Bus
}

func (n busNotifier) Notify(waiting bool, waitSeconds int) error {
	n.bus.Publish(bus.StatusUpdate{
		Action:      "tokenStatusChanged",
		Waiting:     waiting,
		WaitSeconds: waitSeconds,
	})
	return nil
}
