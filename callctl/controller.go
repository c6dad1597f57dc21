// Package callctl accepts PBX calls, attaches media resources and tears them
// down again.
package callctl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ari2ai/media"
	"ari2ai/metrics"
	"ari2ai/pbx"
	"ari2ai/registry"
	"github.com/sirupsen/logrus"
)

const transportCloseWait = time.Second

// PBX is the signaling surface the controller drives.
type PBX interface {
	Answer(ctx context.Context, id string) error
	Hangup(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (string, error)
	OpenMedia(ctx context.Context, id string, localPort int) (media.Target, error)
	CloseMedia(ctx context.Context, id string) error
}

// Starter launches the AI session of an accepted call.
type Starter interface {
	Start(ctx context.Context, id string)
}

// Config holds controller limits.
type Config struct {
	MaxConcurrentCalls int
	Ports              *media.PortPool
	Logger             *logrus.Entry
}

// Controller owns registry entries from arrival to teardown.
type Controller struct {
	pbx   PBX
	store *registry.Store
	ports *media.PortPool
	max   int
	log   *logrus.Entry

	mu       sync.Mutex
	arriving int
}

// New creates a Controller.
func New(p PBX, store *registry.Store, cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ports := cfg.Ports
	if ports == nil {
		ports = media.NewPortPool(12000, 1000)
	}
	return &Controller{pbx: p, store: store, ports: ports, max: cfg.MaxConcurrentCalls, log: log}
}

// Serve handles PBX events until ctx is done or the stream closes.
func (c *Controller) Serve(ctx context.Context, events <-chan pbx.Event, starter Starter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case pbx.ChannelEntered:
				if !c.reserve() {
					go c.reject(ctx, ev.Channel)
					continue
				}
				go func() {
					defer c.unreserve()
					c.handleArrival(ctx, ev.Channel, starter)
				}()
			case pbx.ChannelLeft:
				c.log.WithField("call", ev.Channel.ID).Info("channel left application")
				go c.Teardown(ctx, ev.Channel.ID)
			}
		}
	}
}

func (c *Controller) reserve() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && c.store.Len()+c.arriving >= c.max {
		return false
	}
	c.arriving++
	return true
}

func (c *Controller) unreserve() {
	c.mu.Lock()
	c.arriving--
	c.mu.Unlock()
}

func (c *Controller) reject(ctx context.Context, ch pbx.Channel) {
	metrics.CallsRejected.Inc()
	c.log.WithField("call", ch.ID).Warnf("concurrent call limit %d reached, rejecting %s", c.max, ch.From)
	if err := c.pbx.Hangup(ctx, ch.ID); err != nil && !errors.Is(err, pbx.ErrChannelGone) {
		c.log.WithField("call", ch.ID).Warnf("reject hangup: %v", err)
	}
}

func (c *Controller) handleArrival(ctx context.Context, ch pbx.Channel, starter Starter) {
	log := c.log.WithField("call", ch.ID)
	log.Infof("incoming call %s -> %s", ch.From, ch.To)

	if err := c.pbx.Answer(ctx, ch.ID); err != nil {
		log.Warnf("answer failed: %v", err)
		return
	}

	port, err := c.ports.Acquire()
	if err != nil {
		log.Errorf("allocate RTP port: %v", err)
		c.hangupQuietly(ctx, ch.ID)
		return
	}

	target, err := c.pbx.OpenMedia(ctx, ch.ID, port)
	if err == nil && !target.Valid() {
		err = fmt.Errorf("PBX returned unusable media address %q", target)
	}
	if err != nil {
		log.Errorf("open media: %v", err)
		c.ports.Release(port)
		_ = c.pbx.CloseMedia(ctx, ch.ID)
		c.hangupQuietly(ctx, ch.ID)
		return
	}

	c.store.Set(ch.ID, &registry.Session{
		From:      ch.From,
		To:        ch.To,
		MediaHost: target.Host,
		MediaPort: target.Port,
		LocalPort: port,
	})
	metrics.CallsTotal.Inc()
	metrics.CallsActive.Set(float64(c.store.Len()))
	log.Infof("call registered, media %s <-> :%d", target, port)

	starter.Start(ctx, ch.ID)
}

func (c *Controller) hangupQuietly(ctx context.Context, id string) {
	if err := c.pbx.Hangup(ctx, id); err != nil && !errors.Is(err, pbx.ErrChannelGone) {
		c.log.WithField("call", id).Warnf("hangup: %v", err)
	}
}

// Hangup ends the call at the PBX and tears its session down. A channel the
// PBX no longer knows counts as already hung up.
func (c *Controller) Hangup(ctx context.Context, id string) error {
	err := c.pbx.Hangup(ctx, id)
	if err != nil && !errors.Is(err, pbx.ErrChannelGone) {
		return fmt.Errorf("hangup %s: %w", id, err)
	}
	if err != nil {
		c.log.WithField("call", id).Infof("channel already gone")
	}
	c.Teardown(ctx, id)
	return nil
}

// Status queries the PBX state of the channel.
func (c *Controller) Status(ctx context.Context, id string) (string, error) {
	return c.pbx.Status(ctx, id)
}

// Teardown releases every resource of id. Calling it again is a no-op.
func (c *Controller) Teardown(ctx context.Context, id string) {
	sess, ok := c.store.Get(id)
	if !ok {
		return
	}
	log := c.log.WithField("call", id)

	if sess.Media != nil {
		sess.Media.Stop()
	}

	cleanup := registry.TransportCleanup(id)
	if sess.Transport != nil && !sess.TransportClosed {
		sig := c.store.Await(cleanup)
		if err := sess.Transport.Close(); err != nil {
			log.Debugf("close AI transport: %v", err)
		}
		select {
		case <-sig.Done():
		case <-time.After(transportCloseWait):
			log.Warn("AI transport cleanup not confirmed in time")
		case <-ctx.Done():
		}
	}

	if !c.store.Delete(id) {
		return
	}
	c.store.Resolve(cleanup)
	c.ports.Release(sess.LocalPort)
	if err := c.pbx.CloseMedia(ctx, id); err != nil {
		log.Warnf("close media: %v", err)
	}
	metrics.CallsActive.Set(float64(c.store.Len()))
	log.Infof("call torn down after %s", time.Since(sess.CreatedAt).Round(time.Millisecond))
}
