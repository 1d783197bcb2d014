// Package sms delivers messages through an sms.ru-compatible HTTP gateway.
package sms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/task/engine"
)

const defaultEndpoint = "https://sms.ru/sms/send"

type Config struct {
	Endpoint string
	APIKey   string
	From     string
	Timeout  time.Duration
	Policy   dispatch.Policy
}

type Sender struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config, client *http.Client) (*Sender, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("sms: api key is empty")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Policy.Retry.MaxAttempts == 0 {
		cfg.Policy = dispatch.DefaultPolicy(models.ProviderSMS)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sender{cfg: cfg, client: client}, nil
}

func (s *Sender) Provider() models.Provider { return models.ProviderSMS }
func (s *Sender) Policy() dispatch.Policy   { return s.cfg.Policy }

// gatewayReply is the subset of the gateway JSON reply we inspect.
type gatewayReply struct {
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
	SMS        map[string]struct {
		Status     string `json:"status"`
		StatusText string `json:"status_text"`
		SMSID      string `json:"sms_id"`
	} `json:"sms"`
}

func (s *Sender) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	phone := normalizePhone(env.ContactData)
	if phone == "" {
		return "", fmt.Errorf("invalid phone number %q", env.ContactData)
	}
	form := url.Values{}
	form.Set("api_id", s.cfg.APIKey)
	form.Set("to", phone)
	form.Set("msg", env.Message)
	form.Set("json", "1")
	if s.cfg.From != "" {
		form.Set("from", s.cfg.From)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sms gateway status %d", resp.StatusCode)
	}

	var reply gatewayReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("sms gateway reply: %w", err)
	}
	if reply.Status != "OK" {
		return "", fmt.Errorf("sms gateway rejected: %s", reply.StatusText)
	}
	if per, ok := reply.SMS[phone]; ok {
		if per.Status != "OK" {
			return "", fmt.Errorf("sms to %s rejected: %s", phone, per.StatusText)
		}
		return "sms_id=" + per.SMSID, nil
	}
	return "accepted", nil
}

func (s *Sender) Classify(err error) engine.ErrorClass { return dispatch.PermanentOnly(err) }

// normalizePhone keeps digits only; gateways expect international format
// without '+'.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < 7 {
		return ""
	}
	return b.String()
}
