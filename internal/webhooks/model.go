// Package webhooks delivers round events to operator-configured HTTP
// endpoints. Each delivery is an HMAC-SHA256 signed JSON POST, retried with
// backoff.
package webhooks

import (
	"time"

	"github.com/google/uuid"
)

// Event types dispatched for funding rounds.
const (
	EventRoundCreated    = "round.created"
	EventDepositAccepted = "deposit.accepted"
	EventRoundCompleted  = "round.completed"
	EventRoundExpired    = "round.expired"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Fundround-Signature"

// Endpoint is one configured receiver. An empty Events list subscribes to
// every event type.
type Endpoint struct {
	URL    string   `mapstructure:"url"    json:"url"`
	Secret string   `mapstructure:"secret" json:"-"`
	Events []string `mapstructure:"events" json:"events"`
}

func (e Endpoint) wants(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body POSTed to endpoints.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Ledger    string            `json:"ledger"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
