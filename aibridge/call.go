package aibridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"ari2ai/agent"
	"ari2ai/metrics"
	"ari2ai/pbx"
	"ari2ai/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Session states.
const (
	StateIdle             = "idle"
	StateConnecting       = "connecting"
	StateAwaitingSettings = "awaiting_settings"
	StateConfiguring      = "configuring"
	StateStreaming        = "streaming"
	StateClosing          = "closing"
	StateTerminated       = "terminated"
)

const (
	evConnect   = "connect"
	evOpened    = "opened"
	evConfigure = "configure"
	evStream    = "stream"
	evClose     = "close"
	evTerminate = "terminate"
)

// Hangup reasons, also used as metric labels.
const (
	reasonConnectFailed       = "connect_failed"
	reasonSettingsUnavailable = "settings_unavailable"
	reasonNoBalance           = "insufficient_balance"
	reasonMediaFailed         = "media_failed"
	reasonFatalError          = "fatal_ai_error"
	reasonTransportClosed     = "transport_closed"
	reasonDurationLimit       = "duration_limit"
	reasonShutdown            = "shutdown"
	reasonChannelGone         = "channel_gone"
	reasonChannelLeft         = "channel_left"
)

const hangupTimeout = 5 * time.Second

var errTransportClosed = errors.New("AI transport closed")

func newMachine(onEnter func(from, to string)) *fsm.FSM {
	live := []string{StateIdle, StateConnecting, StateAwaitingSettings, StateConfiguring, StateStreaming}
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evConnect, Src: []string{StateIdle}, Dst: StateConnecting},
			{Name: evOpened, Src: []string{StateConnecting}, Dst: StateAwaitingSettings},
			{Name: evConfigure, Src: []string{StateAwaitingSettings}, Dst: StateConfiguring},
			{Name: evStream, Src: []string{StateConfiguring}, Dst: StateStreaming},
			{Name: evClose, Src: live, Dst: StateClosing},
			{Name: evTerminate, Src: []string{StateClosing}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Src, e.Dst)
			},
		},
	)
}

type call struct {
	o   *Orchestrator
	id  string
	log *logrus.Entry
	fsm *fsm.FSM

	retries int
	peer    callContext

	// cmu guards conn only; wmu serializes writers. Close never waits on wmu.
	cmu  sync.Mutex
	conn Conn
	wmu  sync.Mutex

	qmu   sync.Mutex
	queue [][]byte

	mmu   sync.Mutex
	media Media

	// touched only by the drain loop
	deltaBytes     int
	responseActive bool

	done     chan struct{}
	stopOnce sync.Once
}

func newCall(o *Orchestrator, id string) *call {
	c := &call{
		o:    o,
		id:   id,
		log:  o.log.WithField("call", id),
		done: make(chan struct{}),
	}
	c.fsm = newMachine(func(from, to string) {
		c.log.Debugf("AI session %s -> %s", from, to)
		if o.cfg.OnState != nil {
			o.cfg.OnState(id, from, to)
		}
	})
	return c
}

func (c *call) event(name string) bool {
	if err := c.fsm.Event(context.Background(), name); err != nil {
		c.log.Debugf("state event %s in %s: %v", name, c.fsm.Current(), err)
		return false
	}
	return true
}

func (c *call) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *call) run(ctx context.Context) {
	sess, ok := c.o.store.Get(c.id)
	if !ok {
		c.log.Warn("channel not registered, AI session not started")
		return
	}
	c.peer = callContext{From: orUnknown(sess.From), To: orUnknown(sess.To)}

	if !c.connect(ctx) {
		return
	}
	settings, ok := c.awaitSettings(ctx, sess.To)
	if !ok {
		return
	}
	if !c.configure(settings) {
		return
	}
	c.stream(ctx)
}

func (c *call) connect(ctx context.Context) bool {
	c.event(evConnect)
	cfg := c.o.cfg

	for {
		if !c.o.store.Has(c.id) {
			c.terminate(reasonChannelGone)
			return false
		}

		dctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		conn, err := cfg.Dial(dctx, cfg.URL, c.o.header())
		cancel()
		if err == nil {
			return c.attach(conn)
		}

		metrics.ConnectFailures.Inc()
		c.retries++
		if c.retries >= cfg.MaxRetries {
			c.log.Errorf("AI transport failed after %d attempts: %v", c.retries, err)
			c.terminate(reasonConnectFailed)
			return false
		}
		c.log.Warnf("AI transport connect failed (%d/%d): %v", c.retries, cfg.MaxRetries, err)

		select {
		case <-time.After(cfg.RetryDelay):
		case <-ctx.Done():
			c.terminate(reasonShutdown)
			return false
		}
	}
}

// attach registers the open transport with the session and starts reading.
func (c *call) attach(conn Conn) bool {
	c.cmu.Lock()
	c.conn = conn
	c.cmu.Unlock()

	ok := c.o.store.Update(c.id, func(s *registry.Session) {
		s.Transport = c
		s.TransportClosed = false
	})
	if !ok {
		c.log.Info("channel left while connecting")
		c.terminate(reasonChannelGone)
		return false
	}

	c.log.Infof("AI transport connected to %s", c.o.cfg.URL)
	go c.readLoop(conn)
	return c.event(evOpened)
}

func (c *call) awaitSettings(ctx context.Context, number string) (*agent.Settings, bool) {
	sctx, cancel := context.WithTimeout(ctx, c.o.cfg.SettingsTimeout)
	defer cancel()

	settings, err := c.o.settings.Resolve(sctx, number)
	if c.closed() {
		return nil, false
	}
	if err != nil {
		c.log.Errorf("agent settings for %s: %v", number, err)
		c.terminate(reasonSettingsUnavailable)
		return nil, false
	}
	if settings.AccountBalance <= 0 {
		c.log.Warnf("insufficient account balance (%.2f), disconnecting", settings.AccountBalance)
		c.terminate(reasonNoBalance)
		return nil, false
	}
	c.log.Infof("account balance check passed: %.2f", settings.AccountBalance)
	return settings, c.event(evConfigure)
}

func (c *call) configure(s *agent.Settings) bool {
	cost := s.CostPerMinute
	if cost == 0 {
		cost = agent.DefaultCostPerMinute
	}
	initMsg := sessionInit{
		Type: "session.init",
		Config: sessionConfig{
			AudioFormat:    "g711_ulaw",
			SampleRate:     8000,
			Channels:       1,
			Voice:          s.Voice,
			SystemPrompt:   s.Prompt,
			Temperature:    s.Temperature,
			MaxTokens:      s.MaxTokens,
			UserID:         s.UserID,
			AgentName:      s.Name,
			OrgUID:         s.OrgUID,
			AgentID:        s.AgentID,
			AccountBalance: s.AccountBalance,
			ResponseModel:  s.ResponseModel,
			CostPerMinute:  cost,
			SessionID:      uuid.NewString(),
			CallContext:    c.peer,
		},
	}
	if err := c.send(initMsg); err != nil {
		c.log.Errorf("send session.init: %v", err)
		c.terminate(reasonTransportClosed)
		return false
	}
	c.log.Infof("session configuration sent (session %s)", initMsg.Config.SessionID)

	sess, ok := c.o.store.Get(c.id)
	if !ok || c.closed() {
		c.terminate(reasonChannelGone)
		return false
	}
	m, err := c.o.newMedia(sess, c.forwardAudio)
	if err != nil {
		c.log.Errorf("attach media: %v", err)
		c.terminate(reasonMediaFailed)
		return false
	}
	if !c.o.store.Update(c.id, func(s *registry.Session) {
		s.Media = m
		s.DeltaBytes = 0
	}) {
		m.Stop()
		c.terminate(reasonChannelGone)
		return false
	}
	c.mmu.Lock()
	c.media = m
	c.mmu.Unlock()

	greeting := c.o.cfg.InitialMessage
	if greeting == "" {
		greeting = s.FirstSentence
	}
	if greeting != "" {
		c.log.Infof("sending initial message: %s", greeting)
		if err := c.send(textInput{Type: "text.input", Text: greeting}); err != nil {
			c.log.Warnf("send initial message: %v", err)
		}
	}
	return c.event(evStream)
}

func (c *call) stream(ctx context.Context) {
	ticker := time.NewTicker(c.o.cfg.DrainInterval)
	defer ticker.Stop()

	var limit <-chan time.Time
	if d := c.o.cfg.CallDurationLimit; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		limit = t.C
	}

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.terminate(reasonShutdown)
			return
		case <-limit:
			c.log.Infof("call duration limit %s reached", c.o.cfg.CallDurationLimit)
			c.o.WaitForDrain(ctx, c.id, DefaultDrainWait, DefaultDrainPoll)
			c.terminate(reasonDurationLimit)
			return
		case <-ticker.C:
			if !c.o.store.Has(c.id) {
				c.terminate(reasonChannelGone)
				return
			}
			c.drain()
		}
	}
}

func (c *call) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed() {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Infof("AI transport closed by peer: %v", err)
				} else {
					c.log.Errorf("AI transport error: %v", err)
				}
			}
			c.terminate(reasonTransportClosed)
			return
		}
		c.qmu.Lock()
		c.queue = append(c.queue, data)
		c.qmu.Unlock()
	}
}

func (c *call) dequeue() ([]byte, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil, false
	}
	msg := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return msg, true
}

func (c *call) drain() {
	for i := 0; i < c.o.cfg.DrainBatch; i++ {
		msg, ok := c.dequeue()
		if !ok {
			return
		}
		c.handle(msg)
		if c.closed() {
			return
		}
	}
}

func (c *call) currentMedia() Media {
	c.mmu.Lock()
	defer c.mmu.Unlock()
	return c.media
}

func (c *call) currentConn() Conn {
	c.cmu.Lock()
	defer c.cmu.Unlock()
	return c.conn
}

func (c *call) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.write(b)
}

// write must be called with wmu held.
func (c *call) write(b []byte) error {
	conn := c.currentConn()
	if conn == nil {
		return errTransportClosed
	}
	if d, ok := conn.(writeDeadliner); ok && c.o.cfg.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.o.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// forwardAudio relays caller audio from the media engine to the AI service.
// Frames are dropped while another write is in flight.
func (c *call) forwardAudio(p []byte) {
	if c.closed() {
		return
	}
	b, err := json.Marshal(audioInput{
		Type:        "audio.input",
		Audio:       encodeAudio(p),
		Format:      "g711_ulaw",
		CallContext: c.peer,
	})
	if err != nil {
		return
	}
	if !c.wmu.TryLock() {
		metrics.AudioDropped.Inc()
		return
	}
	defer c.wmu.Unlock()
	if err := c.write(b); err != nil && !errors.Is(err, errTransportClosed) {
		c.log.Debugf("send audio to AI: %v", err)
	}
}

// Close shuts the AI transport down. It is what the call controller sees
// as the session's Transport; the controller is already tearing the
// channel down, so no hangup is issued.
func (c *call) Close() error {
	c.shutdown(reasonChannelLeft, false)
	return nil
}

// terminate is the single convergence point of every close path.
func (c *call) terminate(reason string) {
	c.shutdown(reason, true)
}

func (c *call) shutdown(reason string, hangup bool) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.log.Infof("closing AI session: %s", reason)
		c.event(evClose)

		c.cmu.Lock()
		conn := c.conn
		c.conn = nil
		c.cmu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}

		c.o.store.Update(c.id, func(s *registry.Session) {
			s.TransportClosed = true
			s.Transport = nil
		})
		c.o.store.Resolve(registry.TransportCleanup(c.id))

		if hangup && c.o.store.Has(c.id) {
			go c.hangup(reason)
			return
		}
		c.event(evTerminate)
	})
}

func (c *call) hangup(reason string) {
	defer c.event(evTerminate)

	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	if _, err := c.o.control.Status(ctx, c.id); err != nil {
		if errors.Is(err, pbx.ErrChannelGone) {
			c.log.Info("channel already hung up")
			return
		}
		c.log.Warnf("channel status before hangup: %v", err)
	}
	if err := c.o.control.Hangup(ctx, c.id); err != nil {
		if errors.Is(err, pbx.ErrChannelGone) {
			c.log.Info("channel already hung up")
			return
		}
		c.log.Errorf("hangup: %v", err)
		return
	}
	metrics.Hangups.WithLabelValues(reason).Inc()
	c.log.Infof("call hung up: %s", reason)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
