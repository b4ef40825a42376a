package acquire

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
	"github.com/AchmadFathoni/wplacer/internal/control"
)

// Submitter relays completed token pairs to the control server.
type Submitter interface {
	SubmitTokenPair(ctx context.Context, pair control.TokenPair) error
}

// WaitSink is the tracker's view of token arrival.
type WaitSink interface {
	TokenReceived()
}

// Relay pairs challenge tokens coming from the page with the latest
// computed integrity token and ships the pair to the control server.
type Relay struct {
	submitter Submitter
	wait      WaitSink
	log       *zap.Logger

	mu      sync.Mutex
	pawtect string
}

func NewRelay(submitter Submitter, wait WaitSink, log *zap.Logger) *Relay {
	return &Relay{submitter: submitter, wait: wait, log: log}
}

// Run consumes bus events until the channel closes or ctx ends.
func (r *Relay) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case bus.TokenComputed:
				r.onComputed(e)
			case bus.ChallengeToken:
				r.onChallenge(ctx, e)
			}
		}
	}
}

func (r *Relay) onComputed(ev bus.TokenComputed) {
	if ev.Origin == bus.OriginSeed {
		// seed computations only warm the module up
		return
	}
	r.mu.Lock()
	r.pawtect = ev.Token
	r.mu.Unlock()
	r.log.Debug("integrity token staged", zap.String("origin", string(ev.Origin)))
}

// onChallenge clears the wait on receipt, then relays the pair. A failed
// submission is transient: the token was still received.
func (r *Relay) onChallenge(ctx context.Context, ev bus.ChallengeToken) {
	r.wait.TokenReceived()

	r.mu.Lock()
	pawtect := r.pawtect
	r.mu.Unlock()

	pair := control.TokenPair{
		T:       ev.Token,
		Pawtect: pawtect,
		FP:      ev.FP,
		Colors:  ev.Colors,
	}
	if err := r.submitter.SubmitTokenPair(ctx, pair); err != nil {
		r.log.Warn("token pair submission failed", zap.Error(err))
		return
	}
	r.log.Info("token pair relayed", zap.Bool("with_pawtect", pawtect != ""))
}
