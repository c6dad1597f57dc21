package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	ini "gopkg.in/ini.v1"
)

// Settings holds application configuration loaded from settings.ini and the
// environment.
type Settings struct {
	ariURL          string
	ariWebsocketURL string
	ariUsername     string
	ariPassword     string
	application     string

	aiURL             string
	aiAuthToken       string
	silencePaddingMS  int
	initialMessage    string
	callDurationLimit int

	mediaHost string
	portStart int
	portCount int

	maxConcurrentCalls int

	tinybirdHost  string
	tinybirdToken string

	amiHost     string
	amiPort     int
	amiUsername string
	amiSecret   string

	adminEnabled bool
	adminHost    string
	adminPort    int
	providerSIP  string
}

// envKeys maps environment variables onto section/key pairs of the ini file.
var envKeys = []struct {
	env, section, key string
}{
	{"ARI_URL", "ari", "url"},
	{"ARI_WEBSOCKET_URL", "ari", "websocket_url"},
	{"ARI_USERNAME", "ari", "username"},
	{"ARI_PASSWORD", "ari", "password"},
	{"ARI_APPLICATION", "ari", "application"},
	{"AI_WEBSOCKET_URL", "ai", "websocket_url"},
	{"AI_AUTH_TOKEN", "ai", "auth_token"},
	{"SILENCE_PADDING_MS", "ai", "silence_padding_ms"},
	{"INITIAL_MESSAGE", "ai", "initial_message"},
	{"CALL_DURATION_LIMIT_SECONDS", "ai", "call_duration_limit_seconds"},
	{"RTP_MEDIA_HOST", "rtp", "media_host"},
	{"RTP_PORT_START", "rtp", "port_start"},
	{"MAX_CONCURRENT_CALLS", "call", "max_concurrent_calls"},
	{"TINYBIRD_HOST", "tinybird", "host"},
	{"TINYBIRD_API_TOKEN", "tinybird", "api_token"},
	{"AMI_HOST", "ami", "host"},
	{"AMI_PORT", "ami", "port"},
	{"AMI_USERNAME", "ami", "username"},
	{"AMI_SECRET", "ami", "secret"},
	{"API_HOST", "admin", "host"},
	{"FREEPBX_SETUP_PORT", "admin", "port"},
	{"PROVIDER_SIP_SERVER", "admin", "provider_sip"},
	{"LOG_LEVEL", "logging", "level"},
}

// applyEnv copies set environment variables over the matching ini keys.
func applyEnv(cfg *ini.File, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, k := range envKeys {
		v, ok := lookup(k.env)
		if !ok || v == "" {
			continue
		}
		if k.env == "LOG_LEVEL" {
			v = levelValue(v)
		}
		cfg.Section(k.section).Key(k.key).SetValue(v)
	}
}

// levelValue accepts either the numeric scale or a logrus level name.
func levelValue(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return v
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(v))
	if err != nil {
		return v
	}
	return strconv.Itoa(fromLogrusLevel(lvl))
}

// LoadSettings reads configuration from the ini file and validates required fields.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{}

	sec := cfg.Section("ari")
	s.ariURL = sec.Key("url").MustString("http://127.0.0.1:8088/ari")
	s.ariWebsocketURL = sec.Key("websocket_url").MustString("ws://127.0.0.1:8088/ari/events")
	s.ariUsername = sec.Key("username").MustString("asterisk")
	s.ariPassword = sec.Key("password").String()
	s.application = sec.Key("application").MustString("asterisk_to_openai_rt")

	sec = cfg.Section("ai")
	s.aiURL = sec.Key("websocket_url").String()
	s.aiAuthToken = sec.Key("auth_token").String()
	s.silencePaddingMS = sec.Key("silence_padding_ms").MustInt(100)
	s.initialMessage = sec.Key("initial_message").MustString("Hi")
	s.callDurationLimit = sec.Key("call_duration_limit_seconds").MustInt(0)

	sec = cfg.Section("rtp")
	s.mediaHost = sec.Key("media_host").String()
	s.portStart = sec.Key("port_start").MustInt(12000)
	s.portCount = sec.Key("port_count").MustInt(1000)

	sec = cfg.Section("call")
	s.maxConcurrentCalls = sec.Key("max_concurrent_calls").MustInt(10)

	sec = cfg.Section("tinybird")
	s.tinybirdHost = sec.Key("host").MustString("https://api.tinybird.co")
	s.tinybirdToken = sec.Key("api_token").String()

	sec = cfg.Section("ami")
	s.amiHost = sec.Key("host").MustString("127.0.0.1")
	s.amiPort = sec.Key("port").MustInt(5038)
	s.amiUsername = sec.Key("username").MustString("admin")
	s.amiSecret = sec.Key("secret").String()

	sec = cfg.Section("admin")
	s.adminEnabled = sec.Key("enabled").MustBool(true)
	s.adminHost = sec.Key("host").String()
	s.adminPort = sec.Key("port").MustInt(3000)
	s.providerSIP = sec.Key("provider_sip").MustString("sip.telnyx.com")

	if s.aiURL == "" {
		return nil, fmt.Errorf("ai websocket_url must be set")
	}
	if s.callDurationLimit < 0 {
		return nil, fmt.Errorf("ai call_duration_limit_seconds must not be negative, got %d", s.callDurationLimit)
	}
	if s.silencePaddingMS < 0 {
		return nil, fmt.Errorf("ai silence_padding_ms must not be negative, got %d", s.silencePaddingMS)
	}
	if s.maxConcurrentCalls <= 0 {
		return nil, fmt.Errorf("call max_concurrent_calls must be positive, got %d", s.maxConcurrentCalls)
	}
	if s.portStart <= 0 || s.portStart > 65535 || s.portCount <= 0 {
		return nil, fmt.Errorf("rtp port range %d+%d is invalid", s.portStart, s.portCount)
	}

	return s, nil
}

func (s *Settings) ARIURL() string          { return s.ariURL }
func (s *Settings) ARIWebsocketURL() string { return s.ariWebsocketURL }
func (s *Settings) ARIUsername() string     { return s.ariUsername }
func (s *Settings) ARIPassword() string     { return s.ariPassword }
func (s *Settings) Application() string     { return s.application }

func (s *Settings) AIURL() string          { return s.aiURL }
func (s *Settings) AIAuthToken() string    { return s.aiAuthToken }
func (s *Settings) InitialMessage() string { return s.initialMessage }

func (s *Settings) SilencePadding() time.Duration {
	return time.Duration(s.silencePaddingMS) * time.Millisecond
}

// CallDurationLimit is zero when calls are unbounded.
func (s *Settings) CallDurationLimit() time.Duration {
	return time.Duration(s.callDurationLimit) * time.Second
}

func (s *Settings) MediaHost() string { return s.mediaHost }
func (s *Settings) PortStart() int    { return s.portStart }
func (s *Settings) PortCount() int    { return s.portCount }

func (s *Settings) MaxConcurrentCalls() int { return s.maxConcurrentCalls }

func (s *Settings) TinybirdHost() string  { return s.tinybirdHost }
func (s *Settings) TinybirdToken() string { return s.tinybirdToken }

func (s *Settings) AMIAddr() string     { return fmt.Sprintf("%s:%d", s.amiHost, s.amiPort) }
func (s *Settings) AMIUsername() string { return s.amiUsername }
func (s *Settings) AMISecret() string   { return s.amiSecret }

func (s *Settings) AdminEnabled() bool  { return s.adminEnabled }
func (s *Settings) AdminAddr() string   { return fmt.Sprintf("%s:%d", s.adminHost, s.adminPort) }
func (s *Settings) ProviderSIP() string { return s.providerSIP }
