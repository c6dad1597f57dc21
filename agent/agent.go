// Package agent looks up the AI agent configured for a dialed number.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultCostPerMinute applies when the agent row carries no cost.
const DefaultCostPerMinute = 0.27

const defaultTimeout = time.Second

// ErrNoSettings is returned when no agent is bound to the number.
var ErrNoSettings = errors.New("no agent settings")

// Settings is the per-call agent configuration.
type Settings struct {
	Prompt         string
	Voice          string
	FirstSentence  string
	Name           string
	UserID         string
	AccountBalance float64
	Temperature    float64
	MaxTokens      int
	KnowledgeBase  string
	ResponseModel  string
	AgentID        string
	OrgUID         string
	TransferNumber string
	MainPrompt     string
	CostPerMinute  float64
}

// StatusError carries a non-2xx answer from the analytics endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tinybird: %d - %s", e.Code, e.Body)
}

// Client queries the Tinybird SQL endpoint.
type Client struct {
	Host    string
	Token   string
	HTTP    *http.Client
	Timeout time.Duration
	Logger  *logrus.Entry
}

// NewClient creates a Client with the default one second bound.
func NewClient(host, token string, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		Host:    strings.TrimRight(host, "/"),
		Token:   token,
		HTTP:    http.DefaultClient,
		Timeout: defaultTimeout,
		Logger:  log,
	}
}

// Resolve returns the settings of the agent answering number.
func (c *Client) Resolve(ctx context.Context, number string) (*Settings, error) {
	if number == "" {
		return nil, errors.New("phone number is not set")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.Host + "/v0/sql?" + url.Values{"q": {settingsQuery(number)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Content-Type", "application/json")

	httpc := c.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent settings: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read agent settings: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		c.Logger.Errorf("HTTP error fetching agent settings: %d", resp.StatusCode)
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result struct {
		Data []row `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode agent settings: %w", err)
	}
	if len(result.Data) == 0 {
		c.Logger.Warnf("no agent settings found for %s", number)
		return nil, fmt.Errorf("%s: %w", number, ErrNoSettings)
	}

	s := result.Data[0].settings()
	c.Logger.Infof("agent settings loaded for %s (agent %s, org %s)", number, s.AgentID, s.OrgUID)
	return s, nil
}

func settingsQuery(number string) string {
	return "SELECT * FROM call_ai_agent_mobile_number_twilio t " +
		"LEFT JOIN call_agent_ai a ON t.call_ai_agent_id = a.agent_uid " +
		"LEFT JOIN organization_and_individual o ON o.organization_unique_id = a.org_uid " +
		"WHERE t.twilio_phone_no = '" + quote(number) + "' FORMAT JSON"
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

type row struct {
	Prompt         string  `json:"agent_prompt"`
	Voice          string  `json:"agent_voice"`
	FirstSentence  string  `json:"first_sentence"`
	Name           string  `json:"agent_name"`
	UserID         text    `json:"phone_no_uid"`
	Credit         number  `json:"available_credit"`
	Temperature    number  `json:"agent_temperature"`
	MaxTokens      number  `json:"max_tokens"`
	KnowledgeBase  string  `json:"knowledge_base"`
	ResponseModel  string  `json:"generate_response_model"`
	AgentID        text    `json:"call_ai_agent_id"`
	OrgUID         text    `json:"org_uid"`
	TransferNumber string  `json:"transfer_number"`
	MainPrompt     string  `json:"otrix_main_prompt"`
	Cost           *number `json:"cost_of_call"`
}

func (r row) settings() *Settings {
	s := &Settings{
		Prompt:         r.Prompt,
		Voice:          r.Voice,
		FirstSentence:  r.FirstSentence,
		Name:           r.Name,
		UserID:         string(r.UserID),
		AccountBalance: float64(r.Credit),
		Temperature:    float64(r.Temperature),
		MaxTokens:      int(r.MaxTokens),
		KnowledgeBase:  r.KnowledgeBase,
		ResponseModel:  r.ResponseModel,
		AgentID:        string(r.AgentID),
		OrgUID:         string(r.OrgUID),
		TransferNumber: r.TransferNumber,
		MainPrompt:     r.MainPrompt,
		CostPerMinute:  DefaultCostPerMinute,
	}
	if r.Cost != nil {
		s.CostPerMinute = float64(*r.Cost)
	}
	return s
}

// number accepts JSON numbers, numeric strings and null.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("numeric column %s: %w", b, err)
	}
	*n = number(f)
	return nil
}

// text accepts JSON strings and numbers.
type text string

func (t *text) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = text(s)
		return nil
	}
	*t = text(strings.TrimSpace(string(b)))
	return nil
}
