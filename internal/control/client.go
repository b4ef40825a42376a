// Package control talks to the local control server: it answers whether
// a token is still needed and accepts the token pairs and user records
// the daemon relays. Every failure here is transient by definition; the
// periodic tick is the retry loop.
package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxResponseBytes = 1 << 20

// TokenPair is the challenge token plus its companion integrity token.
type TokenPair struct {
	T       string `json:"t"`
	Pawtect string `json:"pawtect"`
	FP      string `json:"fp"`
	Colors  []int  `json:"colors"`
}

// UserUpload carries harvested cookies to the control server.
type UserUpload struct {
	Cookies        map[string]string `json:"cookies"`
	ExpirationDate int64             `json:"expirationDate"`
}

type Client struct {
	base  string
	httpc *http.Client
	log   *zap.Logger
}

func NewClient(base string, httpc *http.Client, log *zap.Logger) *Client {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{base: base, httpc: httpc, log: log}
}

// TokenNeeded polls GET /token-needed. It satisfies the tracker's need
// source.
func (c *Client) TokenNeeded(ctx context.Context) (bool, error) {
	data, err := c.get(ctx, "/token-needed")
	if err != nil {
		return false, err
	}
	needed := gjson.GetBytes(data, "needed")
	if !needed.Exists() {
		return false, fmt.Errorf("token-needed: malformed response %q", data)
	}
	return needed.Bool(), nil
}

// SubmitTokenPair relays a completed token pair via POST /t.
func (c *Client) SubmitTokenPair(ctx context.Context, pair TokenPair) error {
	_, err := c.post(ctx, "/t", pair)
	return err
}

// SubmitUser relays harvested cookies via POST /user and returns the
// account name the server resolved them to.
func (c *Client) SubmitUser(ctx context.Context, user UserUpload) (string, error) {
	data, err := c.post(ctx, "/user", user)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "name").String(), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control server %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("control server %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// BackendIdentity looks the current user up on the site backend and
// feeds the bridge its identity hint. Strictly best-effort.
type BackendIdentity struct {
	meURL string
	httpc *http.Client
}

func NewBackendIdentity(meURL string, httpc *http.Client) *BackendIdentity {
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &BackendIdentity{meURL: meURL, httpc: httpc}
}

func (b *BackendIdentity) UserID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.meURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity lookup: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "id")
	if !id.Exists() {
		return "", fmt.Errorf("identity lookup: no id in response")
	}
	return id.String(), nil
}
