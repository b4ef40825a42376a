// Package intercept watches outbound write requests to the placement
// endpoint and triggers token computation for them. The original request
// is never delayed or altered: computation runs off to the side and its
// result is broadcast on the bus.
//
// Two request primitives are covered, matching the two ways the host
// issues requests: a single-call transport wrap (Install) and a staged
// open/send call object (NewCall).
package intercept

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
)

// placementPathRe is the URL shape of a pixel placement write.
var placementPathRe = regexp.MustCompile(`^/s0/pixel/\d+/\d+$`)

const defaultComputeTimeout = 20 * time.Second

// Computer produces an integrity token for one outbound write.
type Computer interface {
	ComputeToken(ctx context.Context, requestURL, body string) (string, error)
}

type Config struct {
	// PathPattern overrides placementPathRe.
	PathPattern *regexp.Regexp
	// BaseURL resolves relative URLs passed to staged calls.
	BaseURL string
	// ComputeTimeout bounds one detached computation.
	ComputeTimeout time.Duration
}

type Interceptor struct {
	computer Computer
	bus      *bus.Bus
	log      *zap.Logger
	pattern  *regexp.Regexp
	baseURL  string
	timeout  time.Duration

	mu        sync.Mutex
	installed bool
	wrapped   *transport
}

func New(cfg Config, computer Computer, b *bus.Bus, log *zap.Logger) *Interceptor {
	if cfg.PathPattern == nil {
		cfg.PathPattern = placementPathRe
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = defaultComputeTimeout
	}
	return &Interceptor{
		computer: computer,
		bus:      b,
		log:      log,
		pattern:  cfg.PathPattern,
		baseURL:  cfg.BaseURL,
		timeout:  cfg.ComputeTimeout,
	}
}

// Install wraps base so matching writes trigger computation. Installing
// twice is a no-op returning the same transport: an already-wrapped
// primitive is never wrapped a second time.
func (ic *Interceptor) Install(base http.RoundTripper) http.RoundTripper {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if ic.installed {
		return ic.wrapped
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if t, ok := base.(*transport); ok {
		// someone handed the wrapped transport back in
		ic.installed = true
		ic.wrapped = t
		return t
	}
	ic.wrapped = &transport{ic: ic, base: base}
	ic.installed = true
	ic.log.Info("interceptor installed")
	return ic.wrapped
}

func (ic *Interceptor) Installed() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.installed
}

// Trigger starts a computation outside any intercepted request, e.g. to
// pre-warm the module with a seed body.
func (ic *Interceptor) Trigger(requestURL, body string, origin bus.Origin) {
	ic.dispatch(requestURL, body, origin)
}

func (ic *Interceptor) matches(method, path string) bool {
	return method == http.MethodPost && ic.pattern.MatchString(path)
}

// dispatch runs the computation detached from the triggering request and
// publishes the token. Failures degrade to "no token", never further.
func (ic *Interceptor) dispatch(requestURL, body string, origin bus.Origin) {
	ic.log.Debug("placement write intercepted",
		zap.String("url", requestURL),
		zap.String("coords", gjson.Get(body, "coords").Raw),
		zap.Int("colors", int(gjson.Get(body, "colors.#").Int())),
		zap.String("origin", string(origin)))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ic.timeout)
		defer cancel()

		token, err := ic.computer.ComputeToken(ctx, requestURL, body)
		if err != nil {
			ic.log.Warn("token computation failed", zap.Error(err))
			return
		}
		ic.bus.Publish(bus.TokenComputed{
			Type:   bus.TypeTokenComputed,
			Token:  token,
			Origin: origin,
		})
	}()
}

type transport struct {
	ic   *Interceptor
	base http.RoundTripper
}

// RoundTrip forwards the request unmodified; a matching write spawns a
// computation with the request's exact body string.
func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.ic.matches(req.Method, req.URL.Path) {
		if body, ok := captureBody(req); ok {
			t.ic.dispatch(req.URL.String(), body, bus.OriginPixel)
		} else {
			t.ic.log.Warn("placement write body not capturable",
				zap.String("url", req.URL.String()))
		}
	}
	return t.base.RoundTrip(req)
}

// captureBody prefers GetBody, which replays without consuming the
// one-shot stream; otherwise it drains Body and puts an equivalent
// reader back on the request.
func captureBody(req *http.Request) (string, bool) {
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err == nil {
			data, err := io.ReadAll(rc)
			rc.Close()
			if err == nil {
				return string(data), true
			}
		}
	}
	if req.Body == nil {
		return "", false
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return "", false
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return string(data), true
}

// decodable reports whether captured bytes form a usable UTF-8 body.
func decodable(data []byte) bool {
	return len(data) > 0 && utf8.Valid(data)
}
