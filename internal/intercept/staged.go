package intercept

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
)

// Call is the open/send style request primitive: Open records the method
// and the resolved absolute URL, Send extracts the body and fires the
// request. Matching writes trigger computation just like the transport
// wrap does.
type Call struct {
	ic     *Interceptor
	client *http.Client

	method string
	absURL string
	header http.Header
	opened bool
}

func (ic *Interceptor) NewCall(client *http.Client) *Call {
	if client == nil {
		client = http.DefaultClient
	}
	return &Call{ic: ic, client: client, header: make(http.Header)}
}

// Open records the method and resolves rawURL to an absolute URL against
// the interceptor's base.
func (c *Call) Open(method, rawURL string) error {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	if !ref.IsAbs() {
		if c.ic.baseURL == "" {
			return fmt.Errorf("open: relative URL %q without a base", rawURL)
		}
		base, err := url.Parse(c.ic.baseURL)
		if err != nil {
			return fmt.Errorf("open: bad base URL: %w", err)
		}
		ref = base.ResolveReference(ref)
	}
	c.method = strings.ToUpper(method)
	c.absURL = ref.String()
	c.opened = true
	return nil
}

func (c *Call) SetHeader(key, value string) {
	c.header.Set(key, value)
}

// Send issues the request. body may be nil, a string, a []byte buffer
// (decoded as UTF-8) or an io.Reader resolved while the request runs.
// The request itself always proceeds; only the computation trigger is
// conditional on the placement-write match.
func (c *Call) Send(ctx context.Context, body any) (*http.Response, error) {
	if !c.opened {
		return nil, fmt.Errorf("send before open")
	}

	target, err := url.Parse(c.absURL)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	matched := c.ic.matches(c.method, target.Path)

	var reqBody io.Reader
	var buffered []byte
	var lazy *bytes.Buffer

	switch v := body.(type) {
	case nil:
	case string:
		buffered = []byte(v)
		reqBody = strings.NewReader(v)
	case []byte:
		buffered = v
		reqBody = bytes.NewReader(v)
	case io.Reader:
		// lazily-readable body: tee it through so the bytes become
		// available as the transport consumes them
		lazy = &bytes.Buffer{}
		reqBody = io.TeeReader(v, lazy)
	default:
		return nil, fmt.Errorf("send: unsupported body type %T", body)
	}

	if matched && buffered != nil {
		if decodable(buffered) {
			c.ic.dispatch(c.absURL, string(buffered), bus.OriginPixel)
		} else {
			c.ic.log.Warn("placement write body not decodable as UTF-8",
				zap.String("url", c.absURL))
		}
	}

	req, err := http.NewRequestWithContext(ctx, c.method, c.absURL, reqBody)
	if err != nil {
		return nil, err
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := c.client.Do(req)

	// the lazy body has been consumed by now (fully on success, however
	// far the transport got on failure); forward whatever is usable
	if matched && lazy != nil {
		if data := lazy.Bytes(); decodable(data) {
			c.ic.dispatch(c.absURL, string(data), bus.OriginPixel)
		} else {
			c.ic.log.Warn("lazy placement write body not decodable",
				zap.String("url", c.absURL), zap.Int("bytes", len(data)))
		}
	}
	return resp, err
}
