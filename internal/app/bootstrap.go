package app

import (
	"strings"

	"notihub/internal/config"
	"notihub/internal/dispatch"
	"notihub/internal/models"
	"notihub/internal/providers/email"
	"notihub/internal/providers/push"
	"notihub/internal/providers/sms"
	"notihub/internal/providers/telegram"
)

// buildSenders constructs a sender for every configured provider. The
// telegram sender is also returned so it can carry log alerts.
func buildSenders(cfg *config.Config) ([]dispatch.Sender, *telegram.Sender, error) {
	var (
		out []dispatch.Sender
		tg  *telegram.Sender
	)
	p := cfg.Providers

	if e := p.Email; e != nil {
		pol, err := mapPolicy(models.ProviderEmail, "providers.email.policy", e.Policy)
		if err != nil {
			return nil, nil, err
		}
		dial, err := config.ParseDurationField("providers.email.dial_timeout", e.DialTimeout)
		if err != nil {
			return nil, nil, err
		}
		s, err := email.New(email.Config{
			Host:        strings.TrimSpace(e.Host),
			Port:        e.Port,
			Username:    e.Username,
			Password:    e.Password,
			From:        strings.TrimSpace(e.From),
			Subject:     e.Subject,
			ImplicitTLS: e.ImplicitTLS,
			DialTimeout: dial,
			Policy:      pol,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}

	if t := p.Telegram; t != nil {
		pol, err := mapPolicy(models.ProviderTelegram, "providers.telegram.policy", t.Policy)
		if err != nil {
			return nil, nil, err
		}
		timeout, err := config.ParseDurationField("providers.telegram.timeout", t.Timeout)
		if err != nil {
			return nil, nil, err
		}
		tg, err = telegram.New(telegram.Config{
			Token:   strings.TrimSpace(t.Token),
			APIURL:  strings.TrimSpace(t.APIURL),
			Timeout: timeout,
			Policy:  pol,
		})
		if err != nil {
			return nil, nil, err
		}
		out = append(out, tg)
	}

	if ps := p.Push; ps != nil {
		pol, err := mapPolicy(models.ProviderPush, "providers.push.policy", ps.Policy)
		if err != nil {
			return nil, nil, err
		}
		timeout, err := config.ParseDurationField("providers.push.timeout", ps.Timeout)
		if err != nil {
			return nil, nil, err
		}
		s, err := push.New(push.Config{
			BaseURL: ps.BaseURL,
			Title:   ps.Title,
			Token:   strings.TrimSpace(ps.Token),
			Timeout: timeout,
			Policy:  pol,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}

	if sc := p.SMS; sc != nil {
		pol, err := mapPolicy(models.ProviderSMS, "providers.sms.policy", sc.Policy)
		if err != nil {
			return nil, nil, err
		}
		timeout, err := config.ParseDurationField("providers.sms.timeout", sc.Timeout)
		if err != nil {
			return nil, nil, err
		}
		s, err := sms.New(sms.Config{
			Endpoint: strings.TrimSpace(sc.Endpoint),
			APIKey:   strings.TrimSpace(sc.APIKey),
			From:     strings.TrimSpace(sc.From),
			Timeout:  timeout,
			Policy:   pol,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, s)
	}

	return out, tg, nil
}
