// Package push delivers messages to ntfy-compatible topics.
package push

import (
	"context"
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

type Config struct {
	// BaseURL is the server root, e.g. https://ntfy.sh/. The topic is the
	// contact value.
	BaseURL string
	Title   string
	Token   string
	Timeout time.Duration
	Policy  dispatch.Policy
}

type Sender struct {
	cfg    Config
	base   *url.URL
	client *http.Client
}

func New(cfg Config, client *http.Client) (*Sender, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("push: invalid base url %q", cfg.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Policy.Retry.MaxAttempts == 0 {
		cfg.Policy = dispatch.DefaultPolicy(models.ProviderPush)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Sender{cfg: cfg, base: base, client: client}, nil
}

func (s *Sender) Provider() models.Provider { return models.ProviderPush }
func (s *Sender) Policy() dispatch.Policy   { return s.cfg.Policy }

func (s *Sender) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	topic := strings.Trim(strings.TrimSpace(env.ContactData), "/")
	if topic == "" {
		return "", errors.New("empty push topic")
	}
	target := s.base.JoinPath(topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(env.Message))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if s.cfg.Title != "" {
		req.Header.Set("Title", s.cfg.Title)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("push topic %s: status %d: %s", topic, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return fmt.Sprintf("status %d", resp.StatusCode), nil
}

func (s *Sender) Classify(err error) engine.ErrorClass { return dispatch.PermanentOnly(err) }
