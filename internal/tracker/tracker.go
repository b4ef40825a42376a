// Package tracker decides when an outstanding token request has gone on
// for too long. It is driven from the outside: a scheduler calls Tick on
// a fixed period, token arrivals call TokenReceived. All its side effects
// (reload, cache clear, observer notifications) go through the interfaces
// below, so the whole machine runs deterministically under a fake clock.
package tracker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WaitThreshold is how long a token request may stay outstanding before
// the tracker considers it overdue.
const WaitThreshold = 30 * time.Second

type State int

const (
	StateIdle State = iota
	StateWaiting
	StateWaitingOverdue
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateWaitingOverdue:
		return "waiting-overdue"
	}
	return "unknown"
}

// Clock abstracts time so tests can drive threshold crossings precisely.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// NeedSource reports whether the control server still wants a token.
type NeedSource interface {
	TokenNeeded(ctx context.Context) (bool, error)
}

// Reloader asks the monitored page context to refresh itself.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Invalidator clears the durably cached module location.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Notifier delivers {waiting, waitTimeSeconds} to UI observers. Errors
// are swallowed here: a dead observer must never stall the machine.
type Notifier interface {
	Notify(waiting bool, waitSeconds int) error
}

type Config struct {
	Threshold  time.Duration // zero means WaitThreshold
	AutoReload bool
	AutoClear  bool
	Clock      Clock // zero means SystemClock
}

type Tracker struct {
	clock     Clock
	threshold time.Duration

	need       NeedSource
	reloader   Reloader
	inval      Invalidator
	notifier   Notifier
	log        *zap.Logger
	autoReload bool
	autoClear  bool

	// ticks and token arrivals come from different goroutines; the
	// mutex keeps transitions applied in observation order
	mu        sync.Mutex
	state     State
	startedAt time.Time // non-zero iff state != StateIdle
}

func New(cfg Config, need NeedSource, reloader Reloader, inval Invalidator, notifier Notifier, log *zap.Logger) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = WaitThreshold
	}
	return &Tracker{
		clock:      cfg.Clock,
		threshold:  cfg.Threshold,
		need:       need,
		reloader:   reloader,
		inval:      inval,
		notifier:   notifier,
		log:        log,
		autoReload: cfg.AutoReload,
		autoClear:  cfg.AutoClear,
		state:      StateIdle,
	}
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// WaitTime reports how long the current wait has been outstanding.
// Zero when idle.
func (t *Tracker) WaitTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return 0
	}
	return t.clock.Now().Sub(t.startedAt)
}

// Tick is the periodic entry point. It consults the need source and
// drives every transition in observation order; a transient poll failure
// skips the tick entirely, the next one retries.
func (t *Tracker) Tick(ctx context.Context) {
	needed, err := t.need.TokenNeeded(ctx)
	if err != nil {
		t.log.Warn("tracker: token-needed poll failed, skipping tick", zap.Error(err))
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !needed {
		if t.state != StateIdle {
			t.toIdle()
		}
		return
	}

	now := t.clock.Now()
	if t.state == StateIdle {
		t.state = StateWaiting
		t.startedAt = now
		t.notify()
	}

	elapsed := now.Sub(t.startedAt)
	cleared := false

	if elapsed >= t.threshold && t.autoClear {
		// Overdue. Clear the cached module location and restart the
		// timer so repeated overdue periods are detected independently.
		// The overdue state lasts only for this transition; the restarted
		// timer puts the machine back into a fresh wait.
		t.log.Info("tracker: wait overdue, clearing module cache",
			zap.Duration("elapsed", elapsed))
		if err := t.inval.Invalidate(ctx); err != nil {
			t.log.Warn("tracker: cache clear failed", zap.Error(err))
		}
		t.state = StateWaitingOverdue
		t.startedAt = now
		cleared = true
		t.notify()
		t.state = StateWaiting
	}

	if t.autoReload {
		if err := t.reloader.Reload(ctx); err != nil {
			t.log.Warn("tracker: reload failed", zap.Error(err))
		}
	}

	// Independent half-threshold clear. Coalesced with the overdue clear
	// within a single tick: at-least-once is what matters.
	if !cleared && t.autoClear && elapsed > t.threshold/2 {
		if err := t.inval.Invalidate(ctx); err != nil {
			t.log.Warn("tracker: cache clear failed", zap.Error(err))
		}
	}
}

// TokenReceived clears the wait unconditionally, whatever channel the
// token arrived through.
func (t *Tracker) TokenReceived() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateIdle {
		return
	}
	t.toIdle()
}

func (t *Tracker) toIdle() {
	t.state = StateIdle
	t.startedAt = time.Time{}
	t.notify()
}

func (t *Tracker) notify() {
	waiting := t.state != StateIdle
	waitSeconds := 0
	if waiting {
		waitSeconds = int(t.clock.Now().Sub(t.startedAt).Seconds())
	}
	if err := t.notifier.Notify(waiting, waitSeconds); err != nil {
		// observers are best-effort
		t.log.Debug("tracker: observer notification dropped", zap.Error(err))
	}
}
