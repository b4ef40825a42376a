// Package proxy filters a proxy pool down to the entries that can
// actually fetch the target page. A proxy counts as working only when
// the response is a 200 carrying an HTML document; anti-bot layers are
// fond of handing proxies a 403 instead, so the probe sends browser-like
// headers and checks the body, not just the status.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	doctypeMarker = "<!doctype html>"
	maxProbeBytes = 2 << 20
)

// probeHeaders mimic a desktop browser. Bare client headers tend to
// trip the site's bot check and poison the result with 403s.
var probeHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/127.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

type Config struct {
	// TargetURL is the page every proxy must be able to fetch.
	TargetURL string
	// Timeout bounds one probe. Zero means 10s.
	Timeout time.Duration
	// Workers is the probe pool size. Zero means 20.
	Workers int
}

// Checker probes proxies concurrently against the target page.
type Checker struct {
	cfg Config
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 20
	}
	return &Checker{cfg: cfg, log: log}
}

// Check probes every proxy through a fixed-size worker pool and returns
// the working subset in input order.
func (c *Checker) Check(ctx context.Context, proxies []string) []string {
	if len(proxies) == 0 {
		return nil
	}

	type job struct {
		idx   int
		proxy string
	}
	jobs := make(chan job)
	ok := make([]bool, len(proxies))

	var wg sync.WaitGroup
	workers := c.cfg.Workers
	if workers > len(proxies) {
		workers = len(proxies)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				ok[j.idx] = c.probe(ctx, j.proxy)
			}
		}()
	}

feed:
	for i, p := range proxies {
		select {
		case jobs <- job{idx: i, proxy: p}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	working := make([]string, 0, len(proxies))
	for i, p := range proxies {
		if ok[i] {
			working = append(working, p)
		}
	}
	return working
}

// probe fetches the target page through one proxy. Any transport error
// means the proxy is dead; a non-200 or a non-HTML body means it is
// blocked. Both just disqualify it.
func (c *Checker) probe(ctx context.Context, proxy string) bool {
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		c.log.Debug("proxy: unparsable entry", zap.String("proxy", proxy))
		return false
	}

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   c.cfg.Timeout,
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.TargetURL, nil)
	if err != nil {
		return false
	}
	for k, v := range probeHeaders {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		c.log.Debug("proxy: probe failed", zap.String("proxy", proxy), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBytes))
	if err != nil {
		return false
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(strings.ToLower(string(body)), doctypeMarker) {
		c.log.Debug("proxy: blocked",
			zap.String("proxy", proxy), zap.Int("status", resp.StatusCode))
		return false
	}

	c.log.Info("proxy: working",
		zap.String("proxy", proxy), zap.Int("bytes", len(body)))
	return true
}

// LoadList reads one proxy URL per line, skipping blanks.
func LoadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proxy list: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out, nil
}

// SaveList writes the list back, one per line.
func SaveList(path string, proxies []string) error {
	return os.WriteFile(path, []byte(strings.Join(proxies, "\n")), 0o644)
}
