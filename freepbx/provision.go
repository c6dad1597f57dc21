package freepbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Result summarizes a successful provisioning run.
type Result struct {
	Success     bool                 `json:"success"`
	Message     string               `json:"message"`
	DID         string               `json:"did"`
	ARIPassword string               `json:"ariPassword"`
	Responses   map[string]*Response `json:"responses"`
}

// Session is the AMI surface the provisioner drives.
type Session interface {
	Login(ctx context.Context, username, secret string) error
	UpdateConfig(ctx context.Context, u ConfigUpdate) (*Response, error)
	Logoff(ctx context.Context) error
	Close() error
}

// Provisioner applies the bridge configuration for a DID.
type Provisioner struct {
	Addr        string
	Username    string
	Secret      string
	Application string
	ARIPassword string
	ProviderSIP string
	Timeout     time.Duration
	Logger      *logrus.Entry

	// Dial defaults to DialAMI.
	Dial func(ctx context.Context, addr string) (Session, error)
}

func (p *Provisioner) dial(ctx context.Context) (Session, error) {
	if p.Dial != nil {
		return p.Dial(ctx, p.Addr)
	}
	return DialAMI(ctx, p.Addr, p.Logger)
}

// Apply pushes the full configuration for did.
func (p *Provisioner) Apply(ctx context.Context, did string) (*Result, error) {
	if did == "" {
		return nil, errors.New("DID number is required")
	}
	log := p.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	sess, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := sess.Login(ctx, p.Username, p.Secret); err != nil {
		return nil, fmt.Errorf("AMI login: %w", err)
	}
	defer func() {
		if err := sess.Logoff(ctx); err != nil {
			log.Debugf("AMI logoff: %v", err)
		}
	}()
	log.Info("connected to AMI")

	res := &Result{
		DID:         did,
		ARIPassword: p.ARIPassword,
		Responses:   make(map[string]*Response),
	}
	plan := Plan(PlanOptions{
		DID:         did,
		Application: p.Application,
		ARIPassword: p.ARIPassword,
		ProviderSIP: p.ProviderSIP,
	})
	for _, u := range plan {
		log.Infof("updating %s (%s)", u.File, u.Name)
		resp, err := sess.UpdateConfig(ctx, u)
		if err != nil {
			if isAMIError(err) {
				log.Errorf("%s rejected: %v", u.Name, err)
			}
			return nil, fmt.Errorf("%s: %w", u.Name, err)
		}
		res.Responses[u.Name] = resp
	}

	res.Success = true
	res.Message = "Full FreePBX configuration applied successfully"
	log.Info(res.Message)
	log.Infof("ARI credentials for the Stasis app: username asterisk, password %s", p.ARIPassword)
	log.Info("inbound route in extensions_additional.conf is regenerated by FreePBX; verify after fwconsole reload")
	return res, nil
}
