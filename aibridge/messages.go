package aibridge

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"ari2ai/media"
	"ari2ai/metrics"
	"ari2ai/registry"
)

type callContext struct {
	From string `json:"from_number"`
	To   string `json:"to_number"`
}

type sessionInit struct {
	Type   string        `json:"type"`
	Config sessionConfig `json:"config"`
}

type sessionConfig struct {
	AudioFormat    string      `json:"audio_format"`
	SampleRate     int         `json:"sample_rate"`
	Channels       int         `json:"channels"`
	Voice          string      `json:"voice"`
	SystemPrompt   string      `json:"system_prompt"`
	Temperature    float64     `json:"temperature"`
	MaxTokens      int         `json:"max_tokens"`
	UserID         string      `json:"user_id"`
	AgentName      string      `json:"agent_name"`
	OrgUID         string      `json:"org_uid"`
	AgentID        string      `json:"agent_id"`
	AccountBalance float64     `json:"account_balance"`
	ResponseModel  string      `json:"response_model"`
	CostPerMinute  float64     `json:"cost_of_call_per_minute"`
	SessionID      string      `json:"session_id"`
	CallContext    callContext `json:"call_context"`
}

type textInput struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type audioInput struct {
	Type        string      `json:"type"`
	Audio       string      `json:"audio"`
	Format      string      `json:"format"`
	CallContext callContext `json:"call_context"`
}

// inbound is the union of every message the AI service sends.
type inbound struct {
	Type    string          `json:"type"`
	Audio   string          `json:"audio"`
	Data    string          `json:"data"`
	Text    string          `json:"text"`
	Role    string          `json:"role"`
	Speaker string          `json:"speaker"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Fatal   bool            `json:"fatal"`
}

func (m inbound) errorText() string {
	if m.Message != "" {
		return m.Message
	}
	if len(m.Error) == 0 {
		return "unspecified error"
	}
	var s string
	if err := json.Unmarshal(m.Error, &s); err == nil {
		return s
	}
	return string(m.Error)
}

func encodeAudio(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

func (c *call) handle(raw []byte) {
	var m inbound
	if err := json.Unmarshal(raw, &m); err != nil {
		metrics.ProtocolErrors.Inc()
		c.log.Errorf("failed to parse AI message: %v", err)
		return
	}

	switch m.Type {
	case "session_started", "ready":
		c.log.Info("AI session ready")
	case "session_updated":
		c.log.Info("AI session updated")
	case "audio_delta", "audio_chunk":
		c.handleAudio(m)
	case "transcript", "transcription":
		if m.Text != "" {
			role := m.Role
			if role == "" {
				role = m.Speaker
			}
			if role == "" {
				role = "AI"
			}
			c.log.Infof("%s transcription: %s", role, m.Text)
		}
	case "user_speech_started", "speech_started":
		c.log.Info("caller speech detected, stopping playback")
		metrics.BargeIns.Inc()
		if md := c.currentMedia(); md != nil {
			md.StopPlayback()
		}
	case "response_complete", "audio_done":
		c.log.Infof("response complete, %d bytes", c.deltaBytes)
		c.deltaBytes = 0
		c.responseActive = false
		c.o.store.Update(c.id, func(s *registry.Session) { s.DeltaBytes = 0 })
	case "error":
		c.log.Errorf("AI error: %s", m.errorText())
		if m.Fatal {
			c.terminate(reasonFatalError)
		}
	default:
		c.log.Debugf("unhandled AI message type %q", m.Type)
	}
}

func (c *call) handleAudio(m inbound) {
	enc := m.Audio
	if enc == "" {
		enc = m.Data
	}
	if enc == "" {
		return
	}
	frame, err := base64.StdEncoding.DecodeString(strings.TrimSpace(enc))
	if err != nil {
		metrics.ProtocolErrors.Inc()
		c.log.Errorf("bad audio payload: %v", err)
		return
	}
	if len(frame) == 0 || media.IsSilence(frame) {
		return
	}

	c.deltaBytes += len(frame)
	total := c.deltaBytes
	if !c.o.store.Update(c.id, func(s *registry.Session) { s.DeltaBytes = total }) {
		return
	}

	out := frame
	if !c.responseActive {
		c.responseActive = true
		if pad := media.Silence(c.o.cfg.SilencePadding); len(pad) > 0 {
			out = append(pad, frame...)
			c.log.Debugf("prepended %d silence frames", len(pad)/media.FrameSize)
		}
	}
	if md := c.currentMedia(); md != nil {
		md.Write(out)
	}
}
