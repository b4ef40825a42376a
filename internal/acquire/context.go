// Package acquire owns the per-context mutable state of the token
// acquisition subsystem: the resolved module location, the loaded module
// handle and their invalidation. It glues the locator and the bridge
// into the one call the interceptor needs.
package acquire

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bridge"
	"github.com/AchmadFathoni/wplacer/internal/locator"
)

// SeedBody is the synthetic placement body used to pre-warm the module.
const SeedBody = `{"colors":[0],"coords":[0,0],"fp":"seed","t":"seed"}`

// ModuleLocator resolves and forgets the module location.
type ModuleLocator interface {
	Locate(ctx context.Context) (locator.Location, bool)
	Invalidate(ctx context.Context) error
}

// Invoker executes the token computation against a loaded module.
type Invoker interface {
	ComputeToken(ctx context.Context, moduleURL, requestURL, requestBody string) (string, error)
	Invalidate(ctx context.Context)
}

// Context is the owned home of what used to float as globals: created
// when a monitored context comes up, closed at teardown.
type Context struct {
	locator ModuleLocator
	invoker Invoker
	log     *zap.Logger
}

func NewContext(l ModuleLocator, inv Invoker, log *zap.Logger) *Context {
	return &Context{locator: l, invoker: inv, log: log}
}

// ComputeToken resolves the module and computes a token for one write.
// A load failure invalidates the (evidently stale) cached location,
// rediscovers and retries exactly once.
func (c *Context) ComputeToken(ctx context.Context, requestURL, requestBody string) (string, error) {
	loc, ok := c.locator.Locate(ctx)
	if !ok {
		return "", fmt.Errorf("%w: no module location", bridge.ErrUnavailable)
	}

	token, err := c.invoker.ComputeToken(ctx, loc.URL, requestURL, requestBody)
	if err == nil || !errors.Is(err, bridge.ErrLoadFailed) {
		return token, err
	}

	c.log.Warn("cached module location is stale, rediscovering",
		zap.String("url", loc.URL), zap.Error(err))
	if ierr := c.locator.Invalidate(ctx); ierr != nil {
		c.log.Warn("module cache clear failed", zap.Error(ierr))
	}
	loc, ok = c.locator.Locate(ctx)
	if !ok {
		return "", err
	}
	return c.invoker.ComputeToken(ctx, loc.URL, requestURL, requestBody)
}

// Invalidate clears the durable module location. This is the cache
// invalidator the wait tracker drives.
func (c *Context) Invalidate(ctx context.Context) error {
	return c.locator.Invalidate(ctx)
}

// Close tears the loaded module handle down; the next computation
// starts from a clean load.
func (c *Context) Close(ctx context.Context) {
	c.invoker.Invalidate(ctx)
}
