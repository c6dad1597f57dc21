// Package aibridge runs the per-call conversation with the AI service: it
// opens the transport, configures the agent, relays audio both ways and
// converges every failure on a single teardown.
package aibridge

import (
	"context"
	"sync"
	"time"

	"ari2ai/agent"
	"ari2ai/media"
	"ari2ai/registry"
	"github.com/sirupsen/logrus"
)

// Defaults.
const (
	DefaultMaxRetries      = 3
	DefaultRetryDelay      = time.Second
	DefaultConnectTimeout  = time.Second
	DefaultSettingsTimeout = time.Second
	DefaultDrainInterval   = 25 * time.Millisecond
	DefaultDrainBatch      = 5
	DefaultSilencePadding  = 100 * time.Millisecond
	DefaultDrainWait       = 6 * time.Second
	DefaultDrainPoll       = 10 * time.Millisecond
	DefaultWriteTimeout    = time.Second
)

// SettingsResolver looks up the agent bound to a dialed number.
type SettingsResolver interface {
	Resolve(ctx context.Context, number string) (*agent.Settings, error)
}

// CallControl is the part of the call controller the orchestrator needs.
type CallControl interface {
	Status(ctx context.Context, id string) (string, error)
	Hangup(ctx context.Context, id string) error
}

// Media is the engine attached to a streaming call.
type Media interface {
	Write(p []byte)
	StopPlayback()
	Buffered() (pendingBytes, packets int)
	NotifyFinished() <-chan struct{}
	Stop()
}

// MediaFactory builds the engine for sess; inbound audio goes to sink.
type MediaFactory func(sess registry.Session, sink media.Sink) (Media, error)

// Config tunes the orchestrator.
type Config struct {
	URL               string
	AuthToken         string
	SilencePadding    time.Duration
	InitialMessage    string
	CallDurationLimit time.Duration

	MaxRetries      int
	RetryDelay      time.Duration
	ConnectTimeout  time.Duration
	SettingsTimeout time.Duration
	DrainInterval   time.Duration
	DrainBatch      int
	WriteTimeout    time.Duration

	Dial   DialFunc
	Logger *logrus.Entry
	// OnState, when set, observes every state transition.
	OnState func(id, from, to string)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.SettingsTimeout <= 0 {
		c.SettingsTimeout = DefaultSettingsTimeout
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = DefaultDrainInterval
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = DefaultDrainBatch
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.SilencePadding < 0 {
		c.SilencePadding = 0
	}
	if c.Dial == nil {
		c.Dial = WebsocketDial
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return c
}

// Orchestrator owns the AI sessions of all active calls.
type Orchestrator struct {
	cfg      Config
	store    *registry.Store
	settings SettingsResolver
	control  CallControl
	newMedia MediaFactory
	log      *logrus.Entry

	mu    sync.Mutex
	calls map[string]*call
}

// New creates an Orchestrator.
func New(store *registry.Store, settings SettingsResolver, control CallControl, newMedia MediaFactory, cfg Config) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		settings: settings,
		control:  control,
		newMedia: newMedia,
		log:      cfg.Logger,
		calls:    make(map[string]*call),
	}
}

// Start launches the AI session for id in the background. A second Start
// while the session is running is ignored.
func (o *Orchestrator) Start(ctx context.Context, id string) {
	o.mu.Lock()
	if _, ok := o.calls[id]; ok {
		o.mu.Unlock()
		o.log.WithField("call", id).Warn("AI session already running")
		return
	}
	c := newCall(o, id)
	o.calls[id] = c
	o.mu.Unlock()

	go func() {
		c.run(ctx)
		o.mu.Lock()
		delete(o.calls, id)
		o.mu.Unlock()
	}()
}

// State returns the current state of id's session, or "" when none runs.
func (o *Orchestrator) State(id string) string {
	o.mu.Lock()
	c, ok := o.calls[id]
	o.mu.Unlock()
	if !ok {
		return ""
	}
	return c.fsm.Current()
}

// Active returns the number of running sessions.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}
