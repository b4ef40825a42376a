package reload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsPair dials a real websocket through httptest and hands back both
// ends: the daemon side and the page side.
func wsPair(t *testing.T) (daemon, page *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	page, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { page.Close() })

	daemon = <-accepted
	t.Cleanup(func() { daemon.Close() })
	return daemon, page
}

func TestRefreshAcked(t *testing.T) {
	daemonConn, pageConn := wsPair(t)
	tr := NewWSTransport(daemonConn, zap.NewNop())

	// the page acks whatever refresh id it receives; in production the
	// session read loop routes this back through HandleAck
	go func() {
		var msg refreshMessage
		if err := pageConn.ReadJSON(&msg); err != nil {
			return
		}
		tr.HandleAck(msg.ID)
	}()

	err := tr.Refresh(context.Background())
	assert.NoError(t, err)
}

func TestRefreshTimesOutWithoutListener(t *testing.T) {
	daemonConn, _ := wsPair(t)
	tr := NewWSTransport(daemonConn, zap.NewNop())
	tr.ackTimeout = 50 * time.Millisecond

	err := tr.Refresh(context.Background())
	assert.Error(t, err, "a page with no listener never acks")
}

func TestRefreshHonorsContext(t *testing.T) {
	daemonConn, _ := wsPair(t)
	tr := NewWSTransport(daemonConn, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestForceReload(t *testing.T) {
	daemonConn, pageConn := wsPair(t)
	tr := NewWSTransport(daemonConn, zap.NewNop())

	require.NoError(t, tr.ForceReload())

	var msg refreshMessage
	require.NoError(t, pageConn.ReadJSON(&msg))
	assert.Equal(t, "forceReload", msg.Type)
	assert.Empty(t, msg.ID)
}

func TestStrayAckIgnored(t *testing.T) {
	daemonConn, _ := wsPair(t)
	tr := NewWSTransport(daemonConn, zap.NewNop())
	tr.HandleAck("never-requested")
}
