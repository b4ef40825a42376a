package reload

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
)

type fakeTransport struct {
	refreshErr error
	refreshes  int
	forces     int
}

func (f *fakeTransport) Refresh(context.Context) error {
	f.refreshes++
	return f.refreshErr
}

func (f *fakeTransport) ForceReload() error {
	f.forces++
	return nil
}

func session(id, rawURL string, focused bool) (*Session, *fakeTransport) {
	tr := &fakeTransport{}
	return &Session{ID: id, URL: rawURL, Focused: focused, Transport: tr}, tr
}

func newOrchestrator(t *testing.T, reg *Registry) (*Orchestrator, <-chan bus.Event) {
	t.Helper()
	b := bus.New(zap.NewNop())
	events, cancel := b.Subscribe(16)
	t.Cleanup(cancel)
	o, err := NewOrchestrator(reg, b, "https://wplace.live/", zap.NewNop())
	require.NoError(t, err)
	return o, events
}

func phases(events <-chan bus.Event) []string {
	var out []string
	for {
		select {
		case ev := <-events:
			if rs, ok := ev.(bus.ReloadStatus); ok {
				out = append(out, rs.Phase)
			}
		default:
			return out
		}
	}
}

func TestGracefulReload(t *testing.T) {
	reg := NewRegistry()
	s, tr := session("a", "https://wplace.live/?lat=1", false)
	reg.Add(s)

	o, events := newOrchestrator(t, reg)
	status := o.Reload(context.Background())

	assert.Equal(t, StatusReloaded, status)
	assert.Equal(t, 1, tr.refreshes)
	assert.Zero(t, tr.forces)
	assert.Equal(t, []string{"start", "success"}, phases(events))
}

func TestForcedFallback(t *testing.T) {
	reg := NewRegistry()
	s, tr := session("a", "https://wplace.live/", false)
	tr.refreshErr = errors.New("no listener installed")
	reg.Add(s)

	o, _ := newOrchestrator(t, reg)
	status := o.Reload(context.Background())

	assert.Equal(t, StatusForced, status)
	assert.Equal(t, 1, tr.refreshes)
	assert.Equal(t, 1, tr.forces)
}

func TestNoneFound(t *testing.T) {
	reg := NewRegistry()
	s, tr := session("a", "https://other.example/", false)
	reg.Add(s)

	o, events := newOrchestrator(t, reg)
	status := o.Reload(context.Background())

	assert.Equal(t, StatusNoneFound, status)
	assert.Zero(t, tr.refreshes)
	assert.Zero(t, tr.forces)
	assert.Equal(t, []string{"start", "none-found"}, phases(events))
}

func TestFocusedSessionPreferred(t *testing.T) {
	reg := NewRegistry()
	first, firstTr := session("first", "https://wplace.live/", false)
	focused, focusedTr := session("focused", "https://wplace.live/?tab=2", true)
	reg.Add(first)
	reg.Add(focused)

	o, _ := newOrchestrator(t, reg)
	status := o.Reload(context.Background())

	assert.Equal(t, StatusReloaded, status)
	assert.Zero(t, firstTr.refreshes)
	assert.Equal(t, 1, focusedTr.refreshes)
}

func TestArrivalOrderBreaksTies(t *testing.T) {
	reg := NewRegistry()
	first, firstTr := session("first", "https://wplace.live/", false)
	second, secondTr := session("second", "https://wplace.live/", false)
	reg.Add(first)
	reg.Add(second)

	o, _ := newOrchestrator(t, reg)
	o.Reload(context.Background())

	assert.Equal(t, 1, firstTr.refreshes)
	assert.Zero(t, secondTr.refreshes)
}

func TestListReturnsSnapshots(t *testing.T) {
	reg := NewRegistry()
	s, _ := session("a", "https://wplace.live/", false)
	reg.Add(s)

	before := reg.List()
	reg.SetFocused("a", true)

	assert.False(t, before[0].Focused)
	assert.True(t, reg.List()[0].Focused)
}

type safeTransport struct {
	refreshes atomic.Int64
}

func (f *safeTransport) Refresh(context.Context) error {
	f.refreshes.Add(1)
	return nil
}

func (f *safeTransport) ForceReload() error { return nil }

func TestReloadDuringFocusChanges(t *testing.T) {
	reg := NewRegistry()
	tr := &safeTransport{}
	reg.Add(&Session{ID: "a", URL: "https://wplace.live/", Transport: tr})

	o, _ := newOrchestrator(t, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			reg.SetFocused("a", i%2 == 0)
		}
	}()
	for i := 0; i < 2000; i++ {
		assert.Equal(t, StatusReloaded, o.Reload(context.Background()))
	}
	<-done

	assert.Equal(t, int64(2000), tr.refreshes.Load())
}

func TestRegistryRemoveAndRefocus(t *testing.T) {
	reg := NewRegistry()
	a, _ := session("a", "https://wplace.live/", false)
	b, bTr := session("b", "https://wplace.live/", false)
	reg.Add(a)
	reg.Add(b)
	reg.Remove("a")
	reg.Remove("a") // double remove is fine
	reg.SetFocused("b", true)

	require.Len(t, reg.List(), 1)

	o, _ := newOrchestrator(t, reg)
	assert.Equal(t, StatusReloaded, o.Reload(context.Background()))
	assert.Equal(t, 1, bTr.refreshes)
}
