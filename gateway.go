package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ari2ai/agent"
	"ari2ai/aibridge"
	"ari2ai/callctl"
	"ari2ai/freepbx"
	"ari2ai/media"
	"ari2ai/pbx"
	"ari2ai/registry"
)

const shutdownTimeout = 5 * time.Second

// Gateway connects the PBX to the AI service.
type Gateway struct {
	settings *Settings
	pbx      *pbx.Client
	store    *registry.Store
	ctl      *callctl.Controller
	ai       *aibridge.Orchestrator
	admin    *http.Server
}

// NewGateway wires every component around an already connected PBX client.
func NewGateway(s *Settings, p *pbx.Client) (*Gateway, error) {
	g := &Gateway{settings: s, pbx: p, store: registry.New()}

	g.ctl = callctl.New(p, g.store, callctl.Config{
		MaxConcurrentCalls: s.MaxConcurrentCalls(),
		Ports:              media.NewPortPool(s.PortStart(), s.PortCount()),
		Logger:             ariLog,
	})

	g.ai = aibridge.New(g.store, agent.NewClient(s.TinybirdHost(), s.TinybirdToken(), aiLog), g.ctl, g.openMedia, aibridge.Config{
		URL:               s.AIURL(),
		AuthToken:         s.AIAuthToken(),
		SilencePadding:    s.SilencePadding(),
		InitialMessage:    s.InitialMessage(),
		CallDurationLimit: s.CallDurationLimit(),
		Logger:            aiLog,
		OnState: func(id, from, to string) {
			aiLog.WithField("call", id).Debugf("state %s -> %s", from, to)
		},
	})

	if s.AdminEnabled() {
		srv, err := freepbx.NewServer(&freepbx.Provisioner{
			Addr:        s.AMIAddr(),
			Username:    s.AMIUsername(),
			Secret:      s.AMISecret(),
			Application: s.Application(),
			ARIPassword: s.ARIPassword(),
			ProviderSIP: s.ProviderSIP(),
			Timeout:     30 * time.Second,
			Logger:      adminLog,
		}, adminLog)
		if err != nil {
			return nil, fmt.Errorf("admin server: %w", err)
		}
		g.admin = &http.Server{
			Addr:              s.AdminAddr(),
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return g, nil
}

// openMedia binds the RTP stream of a configured call.
func (g *Gateway) openMedia(sess registry.Session, sink media.Sink) (aibridge.Media, error) {
	id := sess.ID
	remote := media.Target{Host: sess.MediaHost, Port: sess.MediaPort}
	st, err := media.Open(media.Config{
		CallID:    id,
		LocalAddr: fmt.Sprintf(":%d", sess.LocalPort),
		Remote:    remote.String(),
		Sink:      sink,
		Alive:     func() bool { return g.store.Has(id) },
		Logger:    rtpLog.WithField("call", id),
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Start runs the gateway until ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	if g.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adminLog.Infof("admin API listening on %s", g.admin.Addr)
			if err := g.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminLog.Errorf("admin API stopped: %v", err)
			}
		}()
	}

	err := g.ctl.Serve(ctx, g.pbx.Events(ctx), g.ai)
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	g.shutdown()
	wg.Wait()
	return err
}

// shutdown hangs up every active call and stops the admin API.
func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ids := g.store.IDs()
	if len(ids) > 0 {
		coreLog.Infof("hanging up %d active calls", len(ids))
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := g.ctl.Hangup(ctx, id); err != nil {
				coreLog.WithField("call", id).Warnf("hangup on shutdown: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if g.admin != nil {
		if err := g.admin.Shutdown(ctx); err != nil {
			adminLog.Warnf("admin API shutdown: %v", err)
		}
	}
}

// startGateway connects to the PBX and runs the gateway until a signal arrives.
func startGateway(s *Settings) error {
	coreLog.Info("starting gateway")

	host := s.MediaHost()
	if host == "" {
		var err error
		if host, err = detectHostIP(); err != nil {
			return fmt.Errorf("media host: %w", err)
		}
		coreLog.Infof("using detected media host %s", host)
	}

	p, err := pbx.Connect(pbx.Options{
		Application:  s.Application(),
		URL:          s.ARIURL(),
		WebsocketURL: s.ARIWebsocketURL(),
		Username:     s.ARIUsername(),
		Password:     s.ARIPassword(),
		MediaHost:    host,
		Logger:       ariLog,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	gw, err := NewGateway(s, p)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return gw.Start(ctx)
}
