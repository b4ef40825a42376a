// Package bridge loads the integrity module and executes its token
// computation. The module is opaque: a compiled code unit with a linear
// memory, a malloc/free pair and a handful of exports. The bridge
// marshals the request body into module memory, invokes the computation
// export and decodes whatever output shape comes back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

const (
	exportCompute    = "get_pawtected_endpoint_payload"
	exportRequestURL = "request_url"
	exportSetUserID  = "set_user_id"
	exportMalloc     = "malloc"
	exportFree       = "free"
)

// ErrUnavailable means no token could be computed this time; the caller
// proceeds without one.
var ErrUnavailable = errors.New("integrity module unavailable")

// ErrLoadFailed means the module itself could not be loaded. Callers
// fall back to discovery and retry once.
var ErrLoadFailed = errors.New("integrity module load failed")

// guest is the loaded module as the bridge sees it. The wazero-backed
// implementation lives in wasm.go; tests substitute a scripted one.
type guest interface {
	call(ctx context.Context, name string, args ...uint64) ([]uint64, error)
	has(name string) bool
	writeString(ctx context.Context, s string) (ptr, size uint32, err error)
	free(ctx context.Context, ptr uint32) error
	memory() api.Memory
	close(ctx context.Context) error
}

type loadFunc func(ctx context.Context, url string) (guest, error)

// IdentityLookup is the side-channel user lookup whose result is passed
// to the module as a hint. Strictly best-effort.
type IdentityLookup interface {
	UserID(ctx context.Context) (string, error)
}

type Bridge struct {
	load     loadFunc
	identity IdentityLookup
	sink     *textSink
	log      *zap.Logger

	// one module instance and one linear memory; calls are serialized
	mu           sync.Mutex
	g            guest
	moduleURL    string
	identitySent bool
}

// New builds a bridge backed by wazero. identity may be nil.
func New(opts Options, identity IdentityLookup, log *zap.Logger) *Bridge {
	sink := &textSink{}
	return &Bridge{
		load:     newWazeroLoader(opts, sink, log),
		identity: identity,
		sink:     sink,
		log:      log,
	}
}

func newWithLoader(load loadFunc, identity IdentityLookup, log *zap.Logger) *Bridge {
	return &Bridge{
		load:     load,
		identity: identity,
		sink:     &textSink{},
		log:      log,
	}
}

// ComputeToken computes the integrity token for one outbound write.
// moduleURL is where the located module lives, requestURL the write
// being protected, requestBody its exact body string.
func (b *Bridge) ComputeToken(ctx context.Context, moduleURL, requestURL, requestBody string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureLoaded(ctx, moduleURL); err != nil {
		return "", err
	}

	b.sendIdentity(ctx)
	b.registerRequestURL(ctx, requestURL)

	ptr, size, err := b.g.writeString(ctx, requestBody)
	if err != nil {
		return "", fmt.Errorf("%w: marshal request body: %v", ErrUnavailable, err)
	}

	ts := time.Now()
	b.sink.reset()
	results, err := b.g.call(ctx, exportCompute, uint64(ptr), uint64(size))
	if err != nil {
		return "", fmt.Errorf("%w: compute call: %v", ErrUnavailable, err)
	}
	b.log.Debug("bridge: computation export returned",
		zap.Int("results", len(results)), zap.Duration("took", time.Since(ts)))

	out := classifyOutput(results, b.sink.take())
	token, ok := out.decode(b.g.memory())
	if !ok {
		b.log.Warn("bridge: unrecognized output shape",
			zap.Int("results", len(results)))
		return "", fmt.Errorf("%w: unrecognized output shape", ErrUnavailable)
	}

	b.release(ctx, out, ptr)
	return token, nil
}

// Invalidate drops the loaded instance so the next computation starts
// from a fresh load. Mirrors a page-context teardown.
func (b *Bridge) Invalidate(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.g == nil {
		return
	}
	if err := b.g.close(ctx); err != nil {
		b.log.Warn("bridge: closing module instance failed", zap.Error(err))
	}
	b.g = nil
	b.moduleURL = ""
	b.identitySent = false
}

// ensureLoaded initializes the module at most once per lifetime; repeat
// calls with the same URL are no-ops. A different URL (the module moved
// after rediscovery) replaces the instance.
func (b *Bridge) ensureLoaded(ctx context.Context, moduleURL string) error {
	if b.g != nil && b.moduleURL == moduleURL {
		return nil
	}
	if b.g != nil {
		if err := b.g.close(ctx); err != nil { // don't leak the old runtime
			b.log.Warn("bridge: closing stale module instance failed", zap.Error(err))
		}
		b.g = nil
		b.identitySent = false
	}

	ts := time.Now()
	g, err := b.load(ctx, moduleURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	b.log.Info("bridge: module loaded",
		zap.String("url", moduleURL), zap.Duration("took", time.Since(ts)))
	b.g = g
	b.moduleURL = moduleURL
	return nil
}

// sendIdentity passes the user hint to the module once per instance.
// Every failure here is ignored.
func (b *Bridge) sendIdentity(ctx context.Context) {
	if b.identity == nil || b.identitySent || !b.g.has(exportSetUserID) {
		return
	}
	id, err := b.identity.UserID(ctx)
	if err != nil || id == "" {
		b.log.Debug("bridge: identity lookup skipped", zap.Error(err))
		return
	}
	ptr, size, err := b.g.writeString(ctx, id)
	if err != nil {
		return
	}
	if _, err := b.g.call(ctx, exportSetUserID, uint64(ptr), uint64(size)); err != nil {
		b.log.Debug("bridge: identity hint rejected", zap.Error(err))
		return
	}
	b.identitySent = true
}

func (b *Bridge) registerRequestURL(ctx context.Context, requestURL string) {
	if !b.g.has(exportRequestURL) {
		return
	}
	ptr, size, err := b.g.writeString(ctx, requestURL)
	if err != nil {
		return
	}
	if _, err := b.g.call(ctx, exportRequestURL, uint64(ptr), uint64(size)); err != nil {
		b.log.Debug("bridge: request_url registration failed", zap.Error(err))
	}
}

// release returns module-owned output memory plus the input buffer.
// Best-effort: a failed free is logged, never fatal.
func (b *Bridge) release(ctx context.Context, out moduleOutput, inputPtr uint32) {
	if !b.g.has(exportFree) {
		return
	}
	targets := append(out.freeTargets(b.g.memory()), inputPtr)
	for _, ptr := range targets {
		if ptr == 0 {
			continue
		}
		if err := b.g.free(ctx, ptr); err != nil {
			b.log.Warn("bridge: freeing module memory failed",
				zap.Uint32("ptr", ptr), zap.Error(err))
		}
	}
}

// textSink captures output the module emits through the host function
// instead of a return value.
type textSink struct {
	mu   sync.Mutex
	text string
}

func (s *textSink) put(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

func (s *textSink) reset() {
	s.mu.Lock()
	s.text = ""
	s.mu.Unlock()
}

func (s *textSink) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.text
	s.text = ""
	return text
}
