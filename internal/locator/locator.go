// Package locator resolves the network location of the integrity module.
// It tries, in order: the durable cache, the last URL seen this session,
// the hard-coded fallbacks, and finally a discovery scan of the target
// page. The first URL carrying the module's textual signatures wins.
package locator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// defaultChunkPattern matches the path shape of built code chunks on the
// target site.
var defaultChunkPattern = regexp.MustCompile(`/_app/immutable/chunks/[A-Za-z0-9._-]+\.js`)

// defaultSignatures are the two strings that identify the integrity
// module among all code chunks.
var defaultSignatures = []string{"get_pawtected_endpoint_payload", "request_url"}

// maxCandidateBytes caps how much of a candidate chunk is read during
// the signature check.
const maxCandidateBytes = 8 << 20

type Config struct {
	// PageURL is the page whose script resources are scanned.
	PageURL string
	// Fallbacks are tried before any discovery scan.
	Fallbacks []string
	// ChunkPattern overrides defaultChunkPattern.
	ChunkPattern *regexp.Regexp
	// Signatures overrides defaultSignatures.
	Signatures []string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

type Locator struct {
	store      Store
	httpc      *http.Client
	pageURL    string
	fallbacks  []string
	pattern    *regexp.Regexp
	signatures []string
	log        *zap.Logger

	mu         sync.Mutex
	sessionURL string // last known good URL, this session only
}

func New(cfg Config, store Store, log *zap.Logger) *Locator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.ChunkPattern == nil {
		cfg.ChunkPattern = defaultChunkPattern
	}
	if len(cfg.Signatures) == 0 {
		cfg.Signatures = defaultSignatures
	}
	return &Locator{
		store:      store,
		httpc:      cfg.HTTPClient,
		pageURL:    cfg.PageURL,
		fallbacks:  cfg.Fallbacks,
		pattern:    cfg.ChunkPattern,
		signatures: cfg.Signatures,
		log:        log,
	}
}

// Locate resolves the module location. It never returns an error: every
// failure inside is logged and the next strategy is tried; ok=false
// means the module is unavailable right now and the caller should go on
// without a token.
func (l *Locator) Locate(ctx context.Context) (Location, bool) {
	ts := time.Now()

	if loc, ok := l.fromStore(ctx); ok {
		l.remember(loc.URL)
		l.log.Debug("locator: durable cache hit",
			zap.String("url", loc.URL), zap.Duration("took", time.Since(ts)))
		return loc, true
	}

	if sessionURL := l.lastKnown(); sessionURL != "" {
		l.log.Debug("locator: session URL reused", zap.String("url", sessionURL))
		return Location{URL: sessionURL, DiscoveredAt: time.Now(), Source: SourceCached}, true
	}

	for _, candidate := range l.fallbacks {
		if l.verify(ctx, candidate) {
			l.remember(candidate)
			l.log.Info("locator: fallback URL matched", zap.String("url", candidate))
			return Location{URL: candidate, DiscoveredAt: time.Now(), Source: SourceFallback}, true
		}
	}

	loc, ok := l.discover(ctx)
	l.log.Info("locator: discovery scan finished",
		zap.Bool("found", ok), zap.Duration("took", time.Since(ts)))
	return loc, ok
}

// Invalidate deletes the durable cache entry and forgets the session
// URL, forcing the next Locate back to fallbacks and discovery.
func (l *Locator) Invalidate(ctx context.Context) error {
	l.mu.Lock()
	l.sessionURL = ""
	l.mu.Unlock()
	if err := l.store.Delete(ctx); err != nil {
		return fmt.Errorf("clear module location: %w", err)
	}
	l.log.Info("locator: cached module location cleared")
	return nil
}

func (l *Locator) fromStore(ctx context.Context) (Location, bool) {
	loc, ok, err := l.store.Get(ctx)
	if err != nil {
		l.log.Warn("locator: durable cache read failed", zap.Error(err))
		return Location{}, false
	}
	if !ok {
		return Location{}, false
	}
	loc.Source = SourceCached
	return loc, true
}

func (l *Locator) lastKnown() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionURL
}

func (l *Locator) remember(rawURL string) {
	l.mu.Lock()
	l.sessionURL = rawURL
	l.mu.Unlock()
}

// discover fetches the target page, enumerates its script-like resource
// URLs in document order, and signature-checks every candidate whose
// path looks like a code chunk. First match wins and is persisted.
func (l *Locator) discover(ctx context.Context) (Location, bool) {
	page, err := l.fetchPage(ctx)
	if err != nil {
		l.log.Warn("locator: page fetch failed", zap.Error(err))
		return Location{}, false
	}

	candidates := l.scanCandidates(page)
	l.log.Debug("locator: candidates enumerated", zap.Int("count", len(candidates)))

	for _, candidate := range candidates {
		if !l.verify(ctx, candidate) {
			continue
		}
		loc := Location{URL: candidate, DiscoveredAt: time.Now(), Source: SourceDiscovered}
		if err := l.store.Put(ctx, loc); err != nil {
			// still usable this session
			l.log.Warn("locator: persisting discovered location failed", zap.Error(err))
		}
		l.remember(candidate)
		return loc, true
	}
	return Location{}, false
}

// fetchPage retries transient failures with a short capped backoff; the
// periodic tick is the real retry loop, this only smooths blips.
func (l *Locator) fetchPage(ctx context.Context) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.pageURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := l.httpc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("page fetch: unexpected status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxCandidateBytes))
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

var (
	scriptSrcRe = regexp.MustCompile(`<script[^>]*\ssrc=["']([^"']+)["']`)
	linkTagRe   = regexp.MustCompile(`<link\s[^>]*>`)
	linkHrefRe  = regexp.MustCompile(`href=["']([^"']+)["']`)
	importRe    = regexp.MustCompile(`import\(["']([^"']+)["']\)`)
)

// scanCandidates extracts script URLs from the page in document order:
// script tags, preloaded modules, then dynamic import references.
// Enumeration order is preserved, duplicates keep their first slot.
func (l *Locator) scanCandidates(page []byte) []string {
	html := string(page)
	seen := make(map[string]struct{})
	var out []string

	add := func(ref string) {
		abs, err := l.resolve(ref)
		if err != nil || !l.pattern.MatchString(abs) {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		out = append(out, abs)
	}

	for _, m := range scriptSrcRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	for _, tag := range linkTagRe.FindAllString(html, -1) {
		if !strings.Contains(tag, "modulepreload") {
			continue
		}
		if m := linkHrefRe.FindStringSubmatch(tag); m != nil {
			add(m[1])
		}
	}
	for _, m := range importRe.FindAllStringSubmatch(html, -1) {
		add(m[1])
	}
	return out
}

func (l *Locator) resolve(ref string) (string, error) {
	base, err := url.Parse(l.pageURL)
	if err != nil {
		return "", err
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// verify fetches a candidate and checks it for both module signatures.
// One attempt only: the scan favors latency over completeness.
func (l *Locator) verify(ctx context.Context, candidate string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return false
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		l.log.Debug("locator: candidate fetch failed",
			zap.String("url", candidate), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCandidateBytes))
	if err != nil {
		return false
	}
	text := string(body)
	for _, sig := range l.signatures {
		if !strings.Contains(text, sig) {
			return false
		}
	}
	return true
}
