package config

import (
	"os"
	"strings"
)

const (
	EnvSMTPPassword  = "NOTIHUB_SMTP_PASSWORD"
	EnvTelegramToken = "NOTIHUB_TELEGRAM_TOKEN"
	EnvSMSAPIKey     = "NOTIHUB_SMS_API_KEY"
)

// applyEnv overrides secrets from the environment so they can stay out of
// the config file. A variable only applies when its provider section exists.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if cfg.Providers.Email != nil {
		if v, ok := get(EnvSMTPPassword); ok {
			cfg.Providers.Email.Password = v
		}
	}
	if cfg.Providers.Telegram != nil {
		if v, ok := get(EnvTelegramToken); ok {
			cfg.Providers.Telegram.Token = v
		}
	}
	if cfg.Providers.SMS != nil {
		if v, ok := get(EnvSMSAPIKey); ok {
			cfg.Providers.SMS.APIKey = v
		}
	}
}
