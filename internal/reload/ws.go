package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultAckTimeout = 5 * time.Second

// refreshMessage is what goes over the wire to a page session.
type refreshMessage struct {
	Type string `json:"type"` // "refresh" or "forceReload"
	ID   string `json:"id,omitempty"`
}

// WSTransport drives one page session over a websocket. The owner of
// the connection runs the read loop and routes refresh acks back in via
// HandleAck.
type WSTransport struct {
	conn       *websocket.Conn
	ackTimeout time.Duration
	log        *zap.Logger

	mu      sync.Mutex // serializes writes, guards pending
	pending map[string]chan struct{}
}

func NewWSTransport(conn *websocket.Conn, log *zap.Logger) *WSTransport {
	return &WSTransport{
		conn:       conn,
		ackTimeout: defaultAckTimeout,
		log:        log,
		pending:    make(map[string]chan struct{}),
	}
}

func (t *WSTransport) Refresh(ctx context.Context) error {
	id := uuid.NewString()
	ack := make(chan struct{}, 1)

	t.mu.Lock()
	t.pending[id] = ack
	err := t.conn.WriteJSON(refreshMessage{Type: "refresh", ID: id})
	t.mu.Unlock()
	if err != nil {
		t.drop(id)
		return fmt.Errorf("refresh request: %w", err)
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		t.drop(id)
		return ctx.Err()
	case <-time.After(t.ackTimeout):
		t.drop(id)
		return fmt.Errorf("refresh request %s: no ack", id)
	}
}

func (t *WSTransport) ForceReload() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(refreshMessage{Type: "forceReload"})
}

// HandleAck resolves a pending refresh. Unknown ids are ignored; acks
// can race the timeout that already gave up on them.
func (t *WSTransport) HandleAck(id string) {
	t.mu.Lock()
	ack, ok := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if !ok {
		t.log.Debug("reload: stray refresh ack", zap.String("id", id))
		return
	}
	ack <- struct{}{}
}

func (t *WSTransport) drop(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}
