package callctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ari2ai/media"
	"ari2ai/pbx"
	"ari2ai/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePBX struct {
	mu        sync.Mutex
	steps     *[]string
	answered  []string
	hungUp    []string
	closed    []string
	opened    map[string]int
	hangupErr error
	target    *media.Target
}

func newFakePBX(steps *[]string) *fakePBX {
	return &fakePBX{steps: steps, opened: make(map[string]int)}
}

func (f *fakePBX) record(s string) {
	if f.steps != nil {
		*f.steps = append(*f.steps, s)
	}
}

func (f *fakePBX) Answer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func (f *fakePBX) Hangup(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungUp = append(f.hungUp, id)
	return f.hangupErr
}

func (f *fakePBX) Status(context.Context, string) (string, error) { return "Up", nil }

func (f *fakePBX) OpenMedia(_ context.Context, id string, port int) (media.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[id] = port
	if f.target != nil {
		return *f.target, nil
	}
	return media.Target{Host: "10.0.0.9", Port: 20000}, nil
}

func (f *fakePBX) CloseMedia(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	f.record("close-media")
	return nil
}

func (f *fakePBX) hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hungUp...)
}

type recordingStarter struct {
	mu  sync.Mutex
	ids []string
}

func (s *recordingStarter) Start(_ context.Context, id string) {
	s.mu.Lock()
	s.ids = append(s.ids, id)
	s.mu.Unlock()
}

func (s *recordingStarter) started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

type stepMedia struct{ steps *[]string }

func (m stepMedia) Stop() { *m.steps = append(*m.steps, "media-stop") }

type stepTransport struct {
	steps *[]string
	store *registry.Store
	id    string
}

func (t stepTransport) Close() error {
	*t.steps = append(*t.steps, "transport-close")
	t.store.Update(t.id, func(s *registry.Session) {
		s.TransportClosed = true
		s.Transport = nil
	})
	t.store.Resolve(registry.TransportCleanup(t.id))
	return nil
}

func TestArrivalRegistersAndStarts(t *testing.T) {
	store := registry.New()
	fp := newFakePBX(nil)
	ports := media.NewPortPool(12000, 4)
	c := New(fp, store, Config{MaxConcurrentCalls: 10, Ports: ports})
	starter := &recordingStarter{}

	events := make(chan pbx.Event, 1)
	events <- pbx.Event{Kind: pbx.ChannelEntered, Channel: pbx.Channel{ID: "c1", From: "+1555", To: "+1666"}}
	close(events)
	require.NoError(t, c.Serve(context.Background(), events, starter))

	require.Eventually(t, func() bool { return len(starter.started()) == 1 }, time.Second, 5*time.Millisecond)

	sess, ok := store.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "+1555", sess.From)
	assert.Equal(t, "+1666", sess.To)
	assert.Equal(t, "10.0.0.9", sess.MediaHost)
	assert.Equal(t, 20000, sess.MediaPort)
	assert.Equal(t, 12000, sess.LocalPort)
	assert.Equal(t, []string{"c1"}, fp.answered)
	assert.Equal(t, 1, ports.InUse())
}

func TestArrivalRejectedAtLimit(t *testing.T) {
	store := registry.New()
	store.Set("busy", &registry.Session{})
	fp := newFakePBX(nil)
	c := New(fp, store, Config{MaxConcurrentCalls: 1})
	starter := &recordingStarter{}

	events := make(chan pbx.Event, 1)
	events <- pbx.Event{Kind: pbx.ChannelEntered, Channel: pbx.Channel{ID: "c2"}}
	close(events)
	require.NoError(t, c.Serve(context.Background(), events, starter))

	require.Eventually(t, func() bool { return len(fp.hangups()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"c2"}, fp.hangups())
	assert.Empty(t, starter.started())
	assert.False(t, store.Has("c2"))
}

func TestArrivalWithUnusableMediaAddress(t *testing.T) {
	store := registry.New()
	fp := newFakePBX(nil)
	fp.target = &media.Target{Host: "", Port: 0}
	ports := media.NewPortPool(12000, 4)
	c := New(fp, store, Config{MaxConcurrentCalls: 10, Ports: ports})
	starter := &recordingStarter{}

	events := make(chan pbx.Event, 1)
	events <- pbx.Event{Kind: pbx.ChannelEntered, Channel: pbx.Channel{ID: "c3"}}
	close(events)
	require.NoError(t, c.Serve(context.Background(), events, starter))

	require.Eventually(t, func() bool { return len(fp.hangups()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, store.Has("c3"))
	assert.Empty(t, starter.started())
	assert.Zero(t, ports.InUse())
	fp.mu.Lock()
	assert.Equal(t, []string{"c3"}, fp.closed)
	fp.mu.Unlock()
}

func TestServeStopsOnContext(t *testing.T) {
	c := New(newFakePBX(nil), registry.New(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Serve(ctx, make(chan pbx.Event), &recordingStarter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTeardownOrder(t *testing.T) {
	var steps []string
	store := registry.New()
	fp := newFakePBX(&steps)
	ports := media.NewPortPool(12000, 2)
	port, err := ports.Acquire()
	require.NoError(t, err)

	store.Set("c1", &registry.Session{
		LocalPort: port,
		Media:     stepMedia{steps: &steps},
		Transport: stepTransport{steps: &steps, store: store, id: "c1"},
	})
	c := New(fp, store, Config{Ports: ports})

	c.Teardown(context.Background(), "c1")

	assert.Equal(t, []string{"media-stop", "transport-close", "close-media"}, steps)
	assert.False(t, store.Has("c1"))
	assert.False(t, store.Pending(registry.TransportCleanup("c1")))
	assert.Zero(t, ports.InUse())

	c.Teardown(context.Background(), "c1")
	assert.Len(t, fp.closed, 1)
}

type stuckTransport struct{ closed int }

func (s *stuckTransport) Close() error {
	s.closed++
	return nil
}

func TestTeardownBoundsTransportWait(t *testing.T) {
	store := registry.New()
	tr := &stuckTransport{}
	store.Set("c1", &registry.Session{Transport: tr})
	c := New(newFakePBX(nil), store, Config{})

	start := time.Now()
	c.Teardown(context.Background(), "c1")
	elapsed := time.Since(start)

	assert.Equal(t, 1, tr.closed)
	assert.GreaterOrEqual(t, elapsed, transportCloseWait)
	assert.Less(t, elapsed, 3*transportCloseWait)
	assert.False(t, store.Has("c1"))
	assert.False(t, store.Pending(registry.TransportCleanup("c1")))
}

func TestHangupTreatsGoneAsSuccess(t *testing.T) {
	store := registry.New()
	store.Set("c1", &registry.Session{})
	fp := newFakePBX(nil)
	fp.hangupErr = fmt.Errorf("hangup c1: %w", pbx.ErrChannelGone)
	c := New(fp, store, Config{})

	require.NoError(t, c.Hangup(context.Background(), "c1"))
	assert.False(t, store.Has("c1"))

	// second hangup is still fine
	require.NoError(t, c.Hangup(context.Background(), "c1"))
}

func TestHangupPropagatesOtherErrors(t *testing.T) {
	store := registry.New()
	store.Set("c1", &registry.Session{})
	fp := newFakePBX(nil)
	fp.hangupErr = errors.New("connection refused")
	c := New(fp, store, Config{})

	err := c.Hangup(context.Background(), "c1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, pbx.ErrChannelGone)
	assert.True(t, store.Has("c1"))
}
