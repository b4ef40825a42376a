// Package bus is the same-process broadcast channel between the token
// acquisition components and their observers. Delivery is best-effort:
// a slow or gone subscriber loses events, publishers never block.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Origin tags where a computed token came from, so downstream consumers
// can tell organically intercepted tokens from synthetically seeded ones.
type Origin string

const (
	OriginPixel  Origin = "pixel"
	OriginSeed   Origin = "seed"
	OriginManual Origin = "manual"
)

const TypeTokenComputed = "TOKEN_COMPUTED"

// Event is any value published on the bus. Consumers type-switch on the
// concrete types below.
type Event any

// TokenComputed announces an integrity token produced by the invocation
// bridge.
type TokenComputed struct {
	Type   string
	Token  string
	Origin Origin
}

// StatusUpdate carries the wait tracker's observer notification.
type StatusUpdate struct {
	Action      string // "statusUpdate" or "tokenStatusChanged"
	Waiting     bool
	WaitSeconds int
}

// ReloadStatus reports a reload orchestrator phase.
type ReloadStatus struct {
	Action string // "statusUpdate"
	Phase  string // "start", "success", "none-found"
}

// ChallengeToken is a proof-of-interaction token relayed by a page session.
type ChallengeToken struct {
	Token  string
	FP     string
	Colors []int
}

type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	log  *zap.Logger
}

func New(log *zap.Logger) *Bus {
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

// Subscribe registers a new consumer. The returned cancel func must be
// called when the consumer goes away; the channel is closed by it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish fans ev out to every subscriber. A full buffer drops the event
// for that subscriber only.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("bus: subscriber buffer full, event dropped",
				zap.Int("subscriber", id))
		}
	}
}
