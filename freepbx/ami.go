// Package freepbx pushes the dialplan, ARI and trunk configuration the
// bridge needs into a FreePBX/Asterisk box over AMI, and serves the admin
// HTTP API that triggers it.
package freepbx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/heltonmarx/goami2/ami"
	"github.com/sirupsen/logrus"
)

// Response is an AMI reply.
type Response struct {
	Response string            `json:"response"`
	Message  string            `json:"message,omitempty"`
	ActionID string            `json:"actionId"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// AMIError is returned when Asterisk answers an action with Error.
type AMIError struct {
	Action  string
	Message string
}

func (e *AMIError) Error() string {
	return fmt.Sprintf("AMI %s: %s", e.Action, e.Message)
}

// AMI is a manager session on top of a goami2 socket.
type AMI struct {
	socket *ami.Socket
	log    *logrus.Entry
}

// DialAMI connects to addr and consumes the greeting banner.
func DialAMI(ctx context.Context, addr string, log *logrus.Entry) (*AMI, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	socket, err := ami.NewSocket(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial AMI %s: %w", addr, err)
	}
	banner, err := ami.Connect(ctx, socket)
	if err != nil {
		_ = socket.Close(ctx)
		return nil, fmt.Errorf("read AMI banner: %w", err)
	}
	log.Debugf("AMI banner: %s", strings.TrimSpace(banner))
	return &AMI{socket: socket, log: log}, nil
}

// Login authenticates the session with events turned off.
func (a *AMI) Login(ctx context.Context, username, secret string) error {
	if err := ami.Login(ctx, a.socket, username, secret, "Off", uuid.NewString()); err != nil {
		return fmt.Errorf("AMI login as %s: %w", username, err)
	}
	return nil
}

// Logoff ends the session politely.
func (a *AMI) Logoff(ctx context.Context) error {
	return ami.Logoff(ctx, a.socket, uuid.NewString())
}

// Close closes the TCP connection.
func (a *AMI) Close() error {
	return a.socket.Close(context.Background())
}

// UpdateConfig applies u and reloads the affected module.
func (a *AMI) UpdateConfig(ctx context.Context, u ConfigUpdate) (*Response, error) {
	id := uuid.NewString()
	raw, err := ami.UpdateConfig(ctx, a.socket, id, u.File, u.File, true, u.Actions()...)
	if err != nil {
		return nil, fmt.Errorf("AMI UpdateConfig %s: %w", u.File, err)
	}
	resp := toResponse(raw, id)
	if !strings.EqualFold(resp.Response, "Success") {
		return resp, &AMIError{Action: "UpdateConfig", Message: resp.Message}
	}
	a.log.Debugf("UpdateConfig %s: %s", u.File, resp.Message)
	return resp, nil
}

func toResponse(raw ami.Response, id string) *Response {
	resp := &Response{ActionID: id, Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		if len(v) == 0 {
			continue
		}
		resp.Fields[k] = v[0]
		switch strings.ToLower(k) {
		case "response":
			resp.Response = v[0]
		case "message":
			resp.Message = v[0]
		case "actionid":
			resp.ActionID = v[0]
		}
	}
	return resp
}

// isAMIError reports whether err came from Asterisk rather than the socket.
func isAMIError(err error) bool {
	var ae *AMIError
	return errors.As(err, &ae)
}
