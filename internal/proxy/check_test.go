package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeProxy plays an HTTP forward proxy: the probe's request arrives
// here with an absolute target URI, and the proxy answers in the
// target's stead.
func fakeProxy(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Chrome")
		assert.NotEmpty(t, r.Header.Get("Accept-Language"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newChecker(workers int) *Checker {
	return New(Config{TargetURL: "http://wplace.test/", Workers: workers}, zap.NewNop())
}

func TestCheckFiltersPool(t *testing.T) {
	good := fakeProxy(t, http.StatusOK, "<!DOCTYPE html><html><body>map</body></html>")
	blocked := fakeProxy(t, http.StatusForbidden, "<!doctype html>denied")
	notHTML := fakeProxy(t, http.StatusOK, `{"ok":true}`)

	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close() // port now refuses connections

	pool := []string{
		blocked.URL,
		good.URL,
		"not a proxy url",
		dead.URL,
		notHTML.URL,
	}

	working := newChecker(3).Check(context.Background(), pool)
	assert.Equal(t, []string{good.URL}, working)
}

func TestCheckPreservesInputOrder(t *testing.T) {
	a := fakeProxy(t, http.StatusOK, "<!doctype html>a")
	b := fakeProxy(t, http.StatusOK, "<!doctype html>b")
	c := fakeProxy(t, http.StatusOK, "<!doctype html>c")

	pool := []string{c.URL, a.URL, b.URL}
	working := newChecker(2).Check(context.Background(), pool)
	assert.Equal(t, pool, working)
}

func TestCheckEmptyPool(t *testing.T) {
	assert.Nil(t, newChecker(4).Check(context.Background(), nil))
}

func TestCheckCancelledContext(t *testing.T) {
	good := fakeProxy(t, http.StatusOK, "<!doctype html>")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	working := newChecker(1).Check(ctx, []string{good.URL, good.URL, good.URL})
	assert.Empty(t, working)
}

func TestListRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxies.txt")
	raw := "http://one:8080\n\n  http://two:3128  \n\t\nhttp://three:1080\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	proxies, err := LoadList(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://one:8080", "http://two:3128", "http://three:1080"}, proxies)

	require.NoError(t, SaveList(path, proxies[:2]))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "http://one:8080\nhttp://two:3128", string(data))
}

func TestLoadListMissingFile(t *testing.T) {
	_, err := LoadList(filepath.Join(t.TempDir(), "absent.txt"))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "proxy list"))
}
