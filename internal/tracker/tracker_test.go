package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

type fakeNeed struct {
	needed bool
	err    error
}

func (n *fakeNeed) TokenNeeded(context.Context) (bool, error) { return n.needed, n.err }

type fakeReloader struct{ calls int }

func (r *fakeReloader) Reload(context.Context) error {
	r.calls++
	return nil
}

type fakeInvalidator struct{ calls int }

func (i *fakeInvalidator) Invalidate(context.Context) error {
	i.calls++
	return nil
}

type fakeNotifier struct {
	updates []int
	waiting []bool
	err     error
}

func (n *fakeNotifier) Notify(waiting bool, waitSeconds int) error {
	n.waiting = append(n.waiting, waiting)
	n.updates = append(n.updates, waitSeconds)
	return n.err
}

type fixture struct {
	clock    *fakeClock
	need     *fakeNeed
	reloader *fakeReloader
	inval    *fakeInvalidator
	notifier *fakeNotifier
	tracker  *Tracker
}

func newFixture(autoReload, autoClear bool) *fixture {
	f := &fixture{
		clock:    newFakeClock(),
		need:     &fakeNeed{},
		reloader: &fakeReloader{},
		inval:    &fakeInvalidator{},
		notifier: &fakeNotifier{},
	}
	f.tracker = New(Config{
		AutoReload: autoReload,
		AutoClear:  autoClear,
		Clock:      f.clock,
	}, f.need, f.reloader, f.inval, f.notifier, zap.NewNop())
	return f
}

func TestWaitTimerTracksNeedSignal(t *testing.T) {
	f := newFixture(false, false)
	ctx := context.Background()

	assert.Equal(t, StateIdle, f.tracker.State())
	assert.Zero(t, f.tracker.WaitTime())

	f.need.needed = true
	f.tracker.Tick(ctx)
	assert.Equal(t, StateWaiting, f.tracker.State())

	f.clock.advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, f.tracker.WaitTime())

	f.need.needed = false
	f.tracker.Tick(ctx)
	assert.Equal(t, StateIdle, f.tracker.State())
	assert.Zero(t, f.tracker.WaitTime())
}

func TestOverdueBoundary(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		elapsed time.Duration
		cleared bool
	}{
		{"just under", 29999 * time.Millisecond, false},
		{"exact", 30000 * time.Millisecond, true},
		{"just over", 30001 * time.Millisecond, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(false, true)
			f.need.needed = true
			f.tracker.Tick(ctx)
			f.inval.calls = 0 // half-threshold clears from the first tick don't count here

			f.clock.advance(tc.elapsed)
			f.tracker.Tick(ctx)
			if tc.cleared {
				assert.Equal(t, 1, f.inval.calls, "overdue clear expected")
				// the overdue transition re-enters a fresh wait
				assert.Equal(t, StateWaiting, f.tracker.State())
				// timer restarted
				assert.Zero(t, f.tracker.WaitTime())
			} else {
				// only the independent half-threshold clear may have fired
				assert.Equal(t, 1, f.inval.calls)
				assert.Equal(t, StateWaiting, f.tracker.State())
				assert.Equal(t, tc.elapsed, f.tracker.WaitTime())
			}
		})
	}
}

func TestOverdueRequiresAutoClear(t *testing.T) {
	f := newFixture(false, false)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	f.clock.advance(31 * time.Second)
	f.tracker.Tick(ctx)

	assert.Zero(t, f.inval.calls)
	assert.Equal(t, StateWaiting, f.tracker.State())
}

func TestHalfThresholdClearIsIndependent(t *testing.T) {
	f := newFixture(false, true)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	require.Zero(t, f.inval.calls)

	f.clock.advance(16 * time.Second)
	f.tracker.Tick(ctx)
	assert.Equal(t, 1, f.inval.calls)
	assert.Equal(t, StateWaiting, f.tracker.State(), "half-threshold clear is not a transition")
}

func TestOverdueClearCoalescedWithinOneTick(t *testing.T) {
	f := newFixture(false, true)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	f.inval.calls = 0

	// both the overdue condition and the half-threshold condition hold
	f.clock.advance(31 * time.Second)
	f.tracker.Tick(ctx)
	assert.Equal(t, 1, f.inval.calls, "duplicate clears within one tick are coalesced")
}

func TestReloadOnEveryWaitingTick(t *testing.T) {
	f := newFixture(true, false)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	f.tracker.Tick(ctx)
	f.tracker.Tick(ctx)
	assert.Equal(t, 3, f.reloader.calls)

	f.need.needed = false
	f.tracker.Tick(ctx)
	assert.Equal(t, 3, f.reloader.calls, "no reload while idle")
}

func TestTokenReceivedClearsUnconditionally(t *testing.T) {
	f := newFixture(true, true)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	f.clock.advance(31 * time.Second)
	f.tracker.Tick(ctx)
	require.Equal(t, StateWaiting, f.tracker.State())
	require.Zero(t, f.tracker.WaitTime(), "overdue tick restarts the timer")

	f.tracker.TokenReceived()
	assert.Equal(t, StateIdle, f.tracker.State())

	// idle arrival is a no-op, no extra notification
	n := len(f.notifier.updates)
	f.tracker.TokenReceived()
	assert.Len(t, f.notifier.updates, n)
}

func TestPollFailureSkipsTick(t *testing.T) {
	f := newFixture(true, true)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	reloads := f.reloader.calls

	f.need.err = errors.New("control server down")
	f.clock.advance(31 * time.Second)
	f.tracker.Tick(ctx)

	assert.Equal(t, reloads, f.reloader.calls, "failed poll must not drive side effects")
	assert.Zero(t, f.inval.calls)
	assert.Equal(t, StateWaiting, f.tracker.State())
}

func TestNotifierFailureIsSwallowed(t *testing.T) {
	f := newFixture(false, false)
	f.notifier.err = errors.New("popup is gone")
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	assert.Equal(t, StateWaiting, f.tracker.State())

	f.tracker.TokenReceived()
	assert.Equal(t, StateIdle, f.tracker.State())
}

// Mirrors the scripted scenario: need at t=0 with both switches on, no
// token until past the threshold, then a token arrives.
func TestEndToEndTimeline(t *testing.T) {
	f := newFixture(true, true)
	ctx := context.Background()

	f.need.needed = true
	f.tracker.Tick(ctx)
	assert.Equal(t, 1, f.reloader.calls, "reload at t=0")
	assert.Zero(t, f.inval.calls)

	f.clock.advance(30001 * time.Millisecond)
	f.tracker.Tick(ctx)
	assert.Equal(t, 1, f.inval.calls, "cache cleared once past the threshold")
	assert.Zero(t, f.tracker.WaitTime(), "timer reset at overdue")

	f.clock.advance(999 * time.Millisecond)
	f.tracker.TokenReceived()
	assert.Equal(t, StateIdle, f.tracker.State())

	f.need.needed = false
	f.tracker.Tick(ctx)
	assert.Equal(t, 2, f.reloader.calls, "no further reload after the token arrived")
	assert.Equal(t, 1, f.inval.calls, "no further clear after the token arrived")
}
