// Package pbx drives Asterisk through ARI: call events, answer/hangup and
// the external media legs that carry RTP to the bridge.
package pbx

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"ari2ai/media"
	"github.com/CyCoreSystems/ari/v6"
	"github.com/CyCoreSystems/ari/v6/client/native"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrChannelGone reports that the PBX no longer knows the channel.
var ErrChannelGone = errors.New("channel gone")

const externalPrefix = "UnicastRTP/"

// EventKind distinguishes call lifecycle events.
type EventKind int

const (
	ChannelEntered EventKind = iota
	ChannelLeft
)

func (k EventKind) String() string {
	switch k {
	case ChannelEntered:
		return "entered"
	case ChannelLeft:
		return "left"
	}
	return "unknown"
}

// Channel identifies a caller leg.
type Channel struct {
	ID   string
	Name string
	From string
	To   string
}

// Event is a call lifecycle notification from the Stasis application.
type Event struct {
	Kind    EventKind
	Channel Channel
}

// Options configures the ARI connection.
type Options struct {
	Application  string
	URL          string
	WebsocketURL string
	Username     string
	Password     string
	// MediaHost is the address Asterisk sends RTP to.
	MediaHost string
	Logger    *logrus.Entry
}

type mediaLeg struct {
	bridge   *ari.BridgeHandle
	external *ari.ChannelHandle
}

// Client wraps an ARI connection.
type Client struct {
	opts Options
	cl   ari.Client
	log  *logrus.Entry

	mu   sync.Mutex
	legs map[string]*mediaLeg
}

// Connect dials ARI and returns a ready client.
func Connect(opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cl, err := native.Connect(&native.Options{
		Application:  opts.Application,
		URL:          opts.URL,
		WebsocketURL: opts.WebsocketURL,
		Username:     opts.Username,
		Password:     opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect ARI %s: %w", opts.URL, err)
	}
	log.Infof("connected to ARI %s as application %s", opts.URL, opts.Application)
	return &Client{opts: opts, cl: cl, log: log, legs: make(map[string]*mediaLeg)}, nil
}

// Close releases the ARI connection.
func (c *Client) Close() {
	c.cl.Close()
}

// Events streams call lifecycle events until ctx is done.
func (c *Client) Events(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	sub := c.cl.Bus().Subscribe(nil, ari.Events.StasisStart, ari.Events.StasisEnd)

	go func() {
		defer close(out)
		defer sub.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				ev, ok := translate(e)
				if !ok {
					continue
				}
				c.log.Debugf("ARI %s %s (%s)", ev.Kind, ev.Channel.ID, ev.Channel.Name)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func translate(e ari.Event) (Event, bool) {
	var (
		kind EventKind
		data ari.ChannelData
	)
	switch v := e.(type) {
	case *ari.StasisStart:
		kind, data = ChannelEntered, v.Channel
	case *ari.StasisEnd:
		kind, data = ChannelLeft, v.Channel
	default:
		return Event{}, false
	}
	if strings.HasPrefix(data.Name, externalPrefix) {
		return Event{}, false
	}
	return Event{Kind: kind, Channel: channelFromData(data)}, true
}

func channelFromData(d ari.ChannelData) Channel {
	ch := Channel{ID: d.ID, Name: d.Name}
	if d.Caller != nil {
		ch.From = d.Caller.Number
	}
	if d.Dialplan != nil {
		ch.To = d.Dialplan.Exten
	}
	return ch
}

func channelKey(id string) *ari.Key {
	return ari.NewKey(ari.ChannelKey, id)
}

// Answer answers the caller leg.
func (c *Client) Answer(ctx context.Context, id string) error {
	if err := c.cl.Channel().Answer(channelKey(id)); err != nil {
		return classify("answer "+id, err)
	}
	return nil
}

// Hangup hangs the caller leg up. ErrChannelGone is returned when the
// channel has already left.
func (c *Client) Hangup(ctx context.Context, id string) error {
	if err := c.cl.Channel().Hangup(channelKey(id), "normal"); err != nil {
		return classify("hangup "+id, err)
	}
	return nil
}

// Status returns the PBX channel state.
func (c *Client) Status(ctx context.Context, id string) (string, error) {
	data, err := c.cl.Channel().Data(channelKey(id))
	if err != nil {
		return "", classify("status "+id, err)
	}
	return data.State, nil
}

// OpenMedia bridges the caller with an external media channel that sends
// RTP to MediaHost:localPort and returns the PBX side of that stream.
func (c *Client) OpenMedia(ctx context.Context, id string, localPort int) (media.Target, error) {
	host := media.Target{Host: c.opts.MediaHost, Port: localPort}

	bridge, err := c.cl.Bridge().Create(ari.NewKey(ari.BridgeKey, uuid.NewString()), "mixing", "bridge_"+id)
	if err != nil {
		return media.Target{}, classify("create bridge", err)
	}

	extID := uuid.NewString()
	external, err := c.cl.Channel().ExternalMedia(channelKey(extID), ari.ExternalMediaOptions{
		ChannelID:    extID,
		App:          c.opts.Application,
		ExternalHost: host.String(),
		Format:       "ulaw",
		Direction:    "both",
	})
	if err != nil {
		_ = bridge.Delete()
		return media.Target{}, classify("external media", err)
	}

	leg := &mediaLeg{bridge: bridge, external: external}
	for _, ch := range []string{id, external.ID()} {
		if err := bridge.AddChannel(ch); err != nil {
			c.release(leg)
			return media.Target{}, classify("bridge "+ch, err)
		}
	}

	target, err := remoteTarget(external)
	if err != nil {
		c.release(leg)
		return media.Target{}, err
	}

	c.mu.Lock()
	c.legs[id] = leg
	c.mu.Unlock()

	c.log.WithField("call", id).Infof("external media %s: we listen on %s, PBX sends from %s", external.ID(), host, target)
	return target, nil
}

func remoteTarget(h *ari.ChannelHandle) (media.Target, error) {
	addr, err := h.GetVariable("UNICASTRTP_LOCAL_ADDRESS")
	if err != nil {
		return media.Target{}, fmt.Errorf("read external media address: %w", err)
	}
	port, err := h.GetVariable("UNICASTRTP_LOCAL_PORT")
	if err != nil {
		return media.Target{}, fmt.Errorf("read external media port: %w", err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return media.Target{}, fmt.Errorf("external media port %q: %w", port, err)
	}
	return media.Target{Host: addr, Port: p}, nil
}

// CloseMedia tears down the bridge and external channel opened for id.
func (c *Client) CloseMedia(ctx context.Context, id string) error {
	c.mu.Lock()
	leg, ok := c.legs[id]
	delete(c.legs, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	c.release(leg)
	return nil
}

func (c *Client) release(leg *mediaLeg) {
	if err := leg.external.Hangup(); err != nil && !errors.Is(classify("", err), ErrChannelGone) {
		c.log.Warnf("hangup external media %s: %v", leg.external.ID(), err)
	}
	if err := leg.bridge.Delete(); err != nil && !errors.Is(classify("", err), ErrChannelGone) {
		c.log.Warnf("delete bridge %s: %v", leg.bridge.ID(), err)
	}
}

// classify maps PBX "not found" style failures onto ErrChannelGone.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"not found", "404", "not in stasis", "not in application", "409"} {
		if strings.Contains(msg, s) {
			return fmt.Errorf("%s: %w: %v", op, ErrChannelGone, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
