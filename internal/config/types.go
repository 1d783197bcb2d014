package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Poller     PollerConfig     `json:"poller"`
	Providers  ProvidersConfig  `json:"providers"`
	// Queue moves dispatch onto RabbitMQ. Omitted means in-process dispatch.
	Queue *QueueConfig `json:"queue,omitempty"`
	HTTP  HTTPConfig   `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warnings and errors to a Telegram chat through the
// telegram provider's bot. It requires providers.telegram.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig points at the SQLite database.
//
// Example:
//
//	"storage": { "path": "./data/notihub.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TaskEngineConfig controls the delivery worker pool.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - default_timeout: "0s" (disabled; providers set their own)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// PollerConfig controls the due-schedule poller. Enabled is a pointer so an
// omitted key keeps the default (true).
type PollerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Interval string `json:"interval,omitempty"`  // default "60s"
	LeaseTTL string `json:"lease_ttl,omitempty"` // default 3x interval
	Holder   string `json:"holder,omitempty"`
}

// ProvidersConfig enables senders. A nil section leaves the provider
// unregistered; its log entries resolve FAILURE.
type ProvidersConfig struct {
	Email    *EmailConfig    `json:"email,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Push     *PushConfig     `json:"push,omitempty"`
	SMS      *SMSConfig      `json:"sms,omitempty"`
}

// PolicyConfig overrides a provider's default retry and rate policy.
// Zero fields keep the provider default.
type PolicyConfig struct {
	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	Timeout       string  `json:"timeout,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
}

type EmailConfig struct {
	Host        string       `json:"host"`
	Port        int          `json:"port"`
	Username    string       `json:"username,omitempty"`
	Password    string       `json:"password,omitempty"` // NOTIHUB_SMTP_PASSWORD overrides
	From        string       `json:"from"`
	Subject     string       `json:"subject,omitempty"`
	ImplicitTLS bool         `json:"implicit_tls,omitempty"`
	DialTimeout string       `json:"dial_timeout,omitempty"`
	Policy      PolicyConfig `json:"policy,omitempty"`
}

type TelegramConfig struct {
	Token   string       `json:"token"` // NOTIHUB_TELEGRAM_TOKEN overrides
	APIURL  string       `json:"api_url,omitempty"`
	Timeout string       `json:"timeout,omitempty"`
	Policy  PolicyConfig `json:"policy,omitempty"`
}

type PushConfig struct {
	BaseURL string       `json:"base_url"`
	Title   string       `json:"title,omitempty"`
	Token   string       `json:"token,omitempty"`
	Timeout string       `json:"timeout,omitempty"`
	Policy  PolicyConfig `json:"policy,omitempty"`
}

type SMSConfig struct {
	Endpoint string       `json:"endpoint,omitempty"`
	APIKey   string       `json:"api_key"` // NOTIHUB_SMS_API_KEY overrides
	From     string       `json:"from,omitempty"`
	Timeout  string       `json:"timeout,omitempty"`
	Policy   PolicyConfig `json:"policy,omitempty"`
}

// QueueConfig enables the AMQP transport. With Consume set this process
// also runs the consumer; otherwise it only publishes.
type QueueConfig struct {
	URL         string `json:"url"`
	Exchange    string `json:"exchange,omitempty"`
	Queue       string `json:"queue,omitempty"`
	RoutingKey  string `json:"routing_key,omitempty"`
	Prefetch    int    `json:"prefetch,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
	Consume     bool   `json:"consume"`
}

// HTTPConfig controls the operational API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address needs a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// PollerEnabled reports the effective poller flag.
func (c *Config) PollerEnabled() bool {
	return c.Poller.Enabled == nil || *c.Poller.Enabled
}
