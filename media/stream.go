package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"ari2ai/metrics"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

// inboundBacklog bounds captured frames waiting for the sink, one second of audio.
const inboundBacklog = 50

// Config describes one call's media leg.
type Config struct {
	CallID    string
	LocalAddr string
	Remote    string
	Sink      Sink
	// Alive is polled on every pacer tick; the stream stops itself once it
	// returns false.
	Alive  func() bool
	Logger *logrus.Entry
}

// Stream is the RTP pipeline of a single call. Outbound bytes are framed and
// sent one frame per tick; inbound payloads go straight to the sink.
type Stream struct {
	callID string
	conn   *net.UDPConn
	sink   Sink
	alive  func() bool
	log    *logrus.Entry

	mu       sync.Mutex
	remote   *net.UDPAddr
	pending  []byte
	packets  [][]byte
	stale    bool
	waiter   chan struct{}
	seq      uint16
	ts       uint32
	ssrc     uint32

	inbound  chan []byte
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Open binds the local socket and starts the pacer and capture loops.
func Open(cfg Config) (*Stream, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve local %q: %w", cfg.LocalAddr, err)
	}
	var remote *net.UDPAddr
	if cfg.Remote != "" {
		remote, err = net.ResolveUDPAddr("udp", cfg.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolve remote %q: %w", cfg.Remote, err)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", laddr, err)
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	s := &Stream{
		callID: cfg.CallID,
		conn:   conn,
		sink:   cfg.Sink,
		alive:  cfg.Alive,
		log:    log.WithField("call", cfg.CallID),
		remote: remote,
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		ssrc:   rand.Uint32(),
		stop:   make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.paceLoop()
	if s.sink != nil {
		s.inbound = make(chan []byte, inboundBacklog)
		go s.deliverLoop()
	}

	s.log.Infof("RTP stream open on %s -> %v", conn.LocalAddr(), remote)
	return s, nil
}

func (s *Stream) localAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Write queues outbound audio. Complete frames become packets immediately;
// a trailing partial frame waits for more bytes.
func (s *Stream) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, p...)
	for len(s.pending) >= FrameSize {
		frame := make([]byte, FrameSize)
		copy(frame, s.pending[:FrameSize])
		s.packets = append(s.packets, frame)
		s.pending = s.pending[FrameSize:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	s.stale = false
}

// StopPlayback drops everything still queued for the PBX.
func (s *Stream) StopPlayback() {
	s.mu.Lock()
	dropped := len(s.packets)
	had := dropped > 0 || len(s.pending) > 0
	s.packets = nil
	s.pending = nil
	s.stale = false
	var notify chan struct{}
	if had {
		notify, s.waiter = s.waiter, nil
	}
	s.mu.Unlock()

	if notify != nil {
		close(notify)
	}
	if had {
		s.log.Debugf("playback stopped, %d frames dropped", dropped)
	}
}

// NotifyFinished returns a channel closed the next time the outbound queues
// go from non-empty to empty. The subscription is discarded once it fires.
func (s *Stream) NotifyFinished() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiter == nil {
		s.waiter = make(chan struct{})
	}
	return s.waiter
}

// Buffered returns the partial-frame byte count and the number of framed
// packets awaiting transmission.
func (s *Stream) Buffered() (pendingBytes, packets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.packets)
}

// Stop halts both loops and closes the socket. Safe to call repeatedly.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		_ = s.conn.Close()
		s.wg.Wait()

		s.mu.Lock()
		s.packets = nil
		s.pending = nil
		notify := s.waiter
		s.waiter = nil
		s.mu.Unlock()
		if notify != nil {
			close(notify)
		}
		s.log.Info("RTP stream stopped")
	})
}

func (s *Stream) paceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.alive != nil && !s.alive() {
				s.log.Debug("channel gone, pacer exiting")
				go s.Stop()
				return
			}
			s.sendNext()
		}
	}
}

// nextFrame must be called with s.mu held.
func (s *Stream) nextFrame() []byte {
	if len(s.packets) > 0 {
		frame := s.packets[0]
		s.packets[0] = nil
		s.packets = s.packets[1:]
		return frame
	}
	if len(s.pending) == 0 {
		return nil
	}
	// flush a partial frame only after a full tick without new bytes
	if !s.stale {
		s.stale = true
		return nil
	}
	frame := Silence(FrameDuration)
	copy(frame, s.pending)
	s.pending = nil
	s.stale = false
	return frame
}

func (s *Stream) sendNext() {
	s.mu.Lock()
	frame := s.nextFrame()
	if frame == nil {
		s.mu.Unlock()
		return
	}
	remote := s.remote
	seq, ts := s.seq, s.ts
	s.seq++
	s.ts += uint32(FrameSize)

	var notify chan struct{}
	if len(s.packets) == 0 && len(s.pending) == 0 {
		notify, s.waiter = s.waiter, nil
	}
	s.mu.Unlock()

	if remote != nil {
		s.transmit(remote, seq, ts, frame)
	}
	if notify != nil {
		close(notify)
	}
}

func (s *Stream) transmit(remote *net.UDPAddr, seq uint16, ts uint32, frame []byte) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    PayloadPCMU,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           s.ssrc,
		},
		Payload: frame,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.log.Warnf("marshal RTP packet: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(raw, remote); err != nil {
		s.log.Warnf("send RTP to %s: %v", remote, err)
		return
	}
	metrics.FramesSent.Inc()
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1500)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debugf("read RTP: %v", err)
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.log.Debugf("drop malformed RTP from %s: %v", addr, err)
			continue
		}
		metrics.FramesReceived.Inc()

		s.mu.Lock()
		if s.remote == nil {
			s.remote = addr
			s.log.Infof("learned RTP peer %s", addr)
		}
		s.mu.Unlock()

		if s.inbound != nil && len(pkt.Payload) > 0 {
			payload := make([]byte, len(pkt.Payload))
			copy(payload, pkt.Payload)
			select {
			case s.inbound <- payload:
			default:
				metrics.AudioDropped.Inc()
			}
		}
	}
}

// deliverLoop hands captured payloads to the sink off the socket goroutine.
// Stop does not wait for it, so a slow sink can never stall teardown.
func (s *Stream) deliverLoop() {
	for {
		select {
		case <-s.stop:
			return
		case p := <-s.inbound:
			s.sink(p)
		}
	}
}
