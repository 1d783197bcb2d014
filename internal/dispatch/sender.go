package dispatch

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"notihub/internal/models"
	"notihub/internal/task/engine"
)

// Envelope is the unit of dispatch work. It crosses the queue as JSON.
type Envelope struct {
	LogID       int64           `json:"log_id"`
	SenderID    int64           `json:"sender_id"`
	ContactData string          `json:"contact_data"`
	Message     string          `json:"message"`
	Provider    models.Provider `json:"provider_name"`
}

func EnvelopeFor(e models.LogEntry) Envelope {
	return Envelope{LogID: e.ID, SenderID: e.SenderID, ContactData: e.ContactData, Message: e.Message, Provider: e.Provider}
}

// Sender delivers one message through one provider.
type Sender interface {
	Provider() models.Provider
	Policy() Policy
	// Send performs one attempt and returns the provider's response summary.
	Send(ctx context.Context, env Envelope) (string, error)
	// Classify decides whether a failed attempt may be retried.
	Classify(err error) engine.ErrorClass
}

// Policy is the per-provider content and retry policy.
type Policy struct {
	AllowHTML bool
	Retry     engine.RetryPolicy
	Timeout   time.Duration
	// RateLimit is attempts per second; 0 disables limiting.
	RateLimit rate.Limit
	Burst     int
}

// DefaultPolicy is EMAIL: HTML allowed, three attempts with backoff.
// Everyone else: plain text only, a single attempt.
func DefaultPolicy(p models.Provider) Policy {
	if p == models.ProviderEmail {
		return Policy{
			AllowHTML: true,
			Retry:     engine.RetryPolicy{MaxAttempts: 3, Base: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2},
			Timeout:   30 * time.Second,
		}
	}
	return Policy{
		Retry:   engine.RetryPolicy{MaxAttempts: 1},
		Timeout: 15 * time.Second,
	}
}

// PermanentOnly classifies every error as permanent.
func PermanentOnly(error) engine.ErrorClass { return engine.Permanent }
