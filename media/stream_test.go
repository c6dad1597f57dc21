package media

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenPeer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func openStream(t *testing.T, cfg Config) *Stream {
	t.Helper()
	if cfg.LocalAddr == "" {
		cfg.LocalAddr = "127.0.0.1:0"
	}
	if cfg.CallID == "" {
		cfg.CallID = "test"
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func readPacket(t *testing.T, conn *net.UDPConn) *rtp.Packet {
	t.Helper()
	buf := make([]byte, 1500)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(buf[:n]))
	return &pkt
}

func TestSilenceFrameAligned(t *testing.T) {
	assert.Nil(t, Silence(0))
	assert.Len(t, Silence(20*time.Millisecond), FrameSize)
	assert.Len(t, Silence(100*time.Millisecond), 5*FrameSize)
	assert.Len(t, Silence(25*time.Millisecond), 2*FrameSize)
	assert.True(t, IsSilence(Silence(40*time.Millisecond)))
	assert.False(t, IsSilence([]byte{SilenceByte, 0x00}))
	assert.False(t, IsSilence(nil))
}

func TestTarget(t *testing.T) {
	tg := Target{Host: "10.1.2.3", Port: 4002}
	assert.Equal(t, "10.1.2.3:4002", tg.String())
	assert.True(t, tg.Valid())
	assert.False(t, Target{}.Valid())
	assert.False(t, Target{Host: "10.1.2.3"}.Valid())
}

func TestWriteFramesAudio(t *testing.T) {
	s := openStream(t, Config{})

	s.Write(make([]byte, 400))
	pending, packets := s.Buffered()
	// the pacer may already have taken a frame
	assert.Equal(t, 80, pending)
	assert.LessOrEqual(t, packets, 2)
}

func TestPacerSendsPaddedThenPayload(t *testing.T) {
	peer := listenPeer(t)
	s := openStream(t, Config{Remote: peer.LocalAddr().String()})

	payload := bytes.Repeat([]byte{0x11}, 2*FrameSize)
	audio := append(Silence(100*time.Millisecond), payload...)
	s.Write(audio)

	var last *rtp.Packet
	for i := 0; i < 7; i++ {
		pkt := readPacket(t, peer)
		assert.EqualValues(t, PayloadPCMU, pkt.PayloadType)
		assert.Len(t, pkt.Payload, FrameSize)
		if i < 5 {
			assert.True(t, IsSilence(pkt.Payload), "frame %d should be silence", i)
		} else {
			assert.Equal(t, byte(0x11), pkt.Payload[0], "frame %d should carry payload", i)
		}
		if last != nil {
			assert.Equal(t, last.SequenceNumber+1, pkt.SequenceNumber)
			assert.Equal(t, last.Timestamp+uint32(FrameSize), pkt.Timestamp)
			assert.Equal(t, last.SSRC, pkt.SSRC)
		}
		last = pkt
	}
}

func TestPartialTailPaddedWithSilence(t *testing.T) {
	peer := listenPeer(t)
	s := openStream(t, Config{Remote: peer.LocalAddr().String()})

	s.Write(bytes.Repeat([]byte{0x22}, 100))
	pkt := readPacket(t, peer)
	require.Len(t, pkt.Payload, FrameSize)
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 100), pkt.Payload[:100])
	assert.True(t, IsSilence(pkt.Payload[100:]))
}

func TestNotifyFinishedAfterDrain(t *testing.T) {
	peer := listenPeer(t)
	s := openStream(t, Config{Remote: peer.LocalAddr().String()})

	done := s.NotifyFinished()
	s.Write(make([]byte, 3*FrameSize))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("finished notification not delivered")
	}
	pending, packets := s.Buffered()
	assert.Zero(t, pending)
	assert.Zero(t, packets)
}

func TestStopPlaybackClearsAndNotifies(t *testing.T) {
	s := openStream(t, Config{})

	s.Write(make([]byte, 50*FrameSize+10))
	done := s.NotifyFinished()
	s.StopPlayback()

	pending, packets := s.Buffered()
	assert.Zero(t, pending)
	assert.Zero(t, packets)
	select {
	case <-done:
	default:
		t.Fatal("clearing a non-empty queue should fire the notification")
	}

	// clearing again with nothing queued does not fire a fresh subscription
	next := s.NotifyFinished()
	s.StopPlayback()
	select {
	case <-next:
		t.Fatal("empty clear fired notification")
	default:
	}
}

func TestInboundReachesSinkAndLearnsPeer(t *testing.T) {
	var (
		mu  sync.Mutex
		got [][]byte
	)
	s := openStream(t, Config{Sink: func(p []byte) {
		mu.Lock()
		got = append(got, p)
		mu.Unlock()
	}})

	peer := listenPeer(t)
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadPCMU, SequenceNumber: 1, SSRC: 42},
		Payload: bytes.Repeat([]byte{0x33}, FrameSize),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	_, err = peer.WriteToUDP(raw, s.localAddr().(*net.UDPAddr))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, pkt.Payload, got[0])

	// outbound now flows to the learned peer
	s.Write(make([]byte, FrameSize))
	back := readPacket(t, peer)
	assert.Len(t, back.Payload, FrameSize)
}

func TestStopDoesNotWaitForBlockedSink(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	s := openStream(t, Config{Sink: func([]byte) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}})

	peer := listenPeer(t)
	raw, err := (&rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: PayloadPCMU, SequenceNumber: 7, SSRC: 9},
		Payload: bytes.Repeat([]byte{0x44}, FrameSize),
	}).Marshal()
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = peer.WriteToUDP(raw, s.localAddr().(*net.UDPAddr))
		require.NoError(t, err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked behind a busy sink")
	}
}

func TestPacerStopsWhenChannelGone(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	s := openStream(t, Config{Alive: alive.Load})

	alive.Store(false)
	require.Eventually(t, func() bool {
		select {
		case <-s.stop:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// Stop after self-stop is a no-op
	s.Stop()
}

func TestPortPool(t *testing.T) {
	p := NewPortPool(12001, 3)

	a, err := p.Acquire()
	require.NoError(t, err)
	b, err := p.Acquire()
	require.NoError(t, err)
	c, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, []int{12002, 12004, 12006}, []int{a, b, c})

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrNoPorts)
	assert.Equal(t, 3, p.InUse())

	p.Release(b)
	again, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, b, again)
}
