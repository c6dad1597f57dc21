package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMedia struct{ stopped int }

func (m *stubMedia) Stop() { m.stopped++ }

func TestStoreLifecycle(t *testing.T) {
	s := New()
	assert.False(t, s.Has("c1"))

	s.Set("c1", &Session{From: "+100", To: "+200", MediaHost: "10.0.0.1", MediaPort: 4000})
	require.True(t, s.Has("c1"))
	assert.Equal(t, 1, s.Len())

	sess, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "c1", sess.ID)
	assert.Equal(t, "+200", sess.To)
	assert.False(t, sess.CreatedAt.IsZero())

	assert.True(t, s.Delete("c1"))
	assert.False(t, s.Delete("c1"))
	_, ok = s.Get("c1")
	assert.False(t, ok)
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := New()
	s.Set("c1", &Session{})

	snap, _ := s.Get("c1")
	snap.DeltaBytes = 999

	cur, _ := s.Get("c1")
	assert.Zero(t, cur.DeltaBytes)
}

func TestUpdateAfterDelete(t *testing.T) {
	s := New()
	s.Set("c1", &Session{})
	m := &stubMedia{}

	ok := s.Update("c1", func(sess *Session) {
		sess.Media = m
		sess.DeltaBytes += 160
	})
	require.True(t, ok)
	sess, _ := s.Get("c1")
	assert.Equal(t, 160, sess.DeltaBytes)
	assert.Same(t, m, sess.Media)

	s.Delete("c1")
	called := false
	assert.False(t, s.Update("c1", func(*Session) { called = true }))
	assert.False(t, called)
}

func TestConcurrentUpdates(t *testing.T) {
	s := New()
	s.Set("c1", &Session{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("c1", func(sess *Session) { sess.DeltaBytes++ })
		}()
	}
	wg.Wait()

	sess, _ := s.Get("c1")
	assert.Equal(t, 50, sess.DeltaBytes)
}

func TestSignalFiresOnce(t *testing.T) {
	s := New()
	name := TransportCleanup("c1")
	assert.Equal(t, "ws_c1", name)

	g := s.Await(name)
	assert.Same(t, g, s.Await(name))
	assert.True(t, s.Pending(name))

	assert.True(t, s.Resolve(name))
	select {
	case <-g.Done():
	default:
		t.Fatal("signal not fired")
	}

	assert.False(t, s.Pending(name))
	assert.False(t, s.Resolve(name))

	next := s.Await(name)
	assert.NotSame(t, g, next)
}

func TestResolveUnknownIsNoop(t *testing.T) {
	s := New()
	assert.False(t, s.Resolve("ws_missing"))
}
