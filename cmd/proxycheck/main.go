// Command proxycheck probes every proxy in the pool file against the
// monitored site and writes the working subset back, dropping dead and
// blocked entries.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/config"
	"github.com/AchmadFathoni/wplacer/internal/logging"
	"github.com/AchmadFathoni/wplacer/internal/proxy"
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
		ServiceName: "proxycheck",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("proxy check failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	proxies, err := proxy.LoadList(cfg.ProxyFile)
	if err != nil {
		return err
	}
	if len(proxies) == 0 {
		log.Info("no proxies to check", zap.String("file", cfg.ProxyFile))
		return nil
	}

	log.Info("checking proxies",
		zap.Int("count", len(proxies)),
		zap.Int("workers", cfg.ProxyWorkers),
		zap.String("target", cfg.SiteURL))

	checker := proxy.New(proxy.Config{
		TargetURL: cfg.SiteURL,
		Timeout:   cfg.ProxyTimeout,
		Workers:   cfg.ProxyWorkers,
	}, log)
	working := checker.Check(ctx, proxies)

	if err := proxy.SaveList(cfg.ProxyFile, working); err != nil {
		return fmt.Errorf("save proxy list: %w", err)
	}
	log.Info("proxy check done",
		zap.Int("working", len(working)),
		zap.Int("dropped", len(proxies)-len(working)),
		zap.String("file", cfg.ProxyFile))
	return nil
}
