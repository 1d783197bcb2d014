// Package telegram delivers messages through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/task/engine"
)

type Config struct {
	Token string
	// APIURL overrides https://api.telegram.org.
	APIURL  string
	Timeout time.Duration
	Policy  dispatch.Policy
}

type Sender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Policy.Retry.MaxAttempts == 0 {
		cfg.Policy = dispatch.DefaultPolicy(models.ProviderTelegram)
	}
	// Offline: delivery only needs sendMessage, never getMe or polling.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

func (s *Sender) Provider() models.Provider { return models.ProviderTelegram }
func (s *Sender) Policy() dispatch.Policy   { return s.cfg.Policy }

// Send posts the message to the chat in env.ContactData, split into chunks
// under the API limit. The receipt lists the first message id.
func (s *Sender) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	to, err := recipient(env.ContactData)
	if err != nil {
		return "", err
	}
	var firstID int
	for i, chunk := range splitText(env.Message, textLimit) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		msg, err := s.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true})
		if err != nil {
			if i > 0 {
				return "", fmt.Errorf("chunk %d: %w", i+1, err)
			}
			return "", err
		}
		if i == 0 && msg != nil {
			firstID = msg.ID
		}
	}
	return "message_id=" + strconv.Itoa(firstID), nil
}

// SendAlert posts a log record to an operator chat, optionally inside a
// forum thread. It backs the log alert sink.
func (s *Sender) SendAlert(ctx context.Context, chatID int64, threadID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              threadID,
	})
	return err
}

// Classify: every Telegram failure is final for the attempt.
func (s *Sender) Classify(err error) engine.ErrorClass { return dispatch.PermanentOnly(err) }

type chatRecipient string

func (r chatRecipient) Recipient() string { return string(r) }

// recipient accepts a numeric chat id or an @channel username.
func recipient(contact string) (tele.Recipient, error) {
	c := strings.TrimSpace(contact)
	if c == "" {
		return nil, errors.New("empty telegram chat id")
	}
	if id, err := strconv.ParseInt(c, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}
	if strings.HasPrefix(c, "@") {
		return chatRecipient(c), nil
	}
	return nil, fmt.Errorf("invalid telegram chat id %q", c)
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that leave chunks of at least a third of the limit.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
