package bot

import "time"

// DeliveryStatus is the lifecycle of one webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// WebhookSubscription is a registered endpoint for a project. An empty
// Events list means the endpoint receives every event kind.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Wants reports whether the subscription covers the given event kind.
func (s *WebhookSubscription) Wants(kind string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == kind {
			return true
		}
	}
	return false
}

// WebhookDelivery is the persisted record of one delivery attempt series.
// The idempotency key is fixed when the record is created, so every retry
// of the same delivery carries the same key.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	BotID          string         `json:"bot_id"`
	URL            string         `json:"url"`
	EventKind      string         `json:"event_kind"`
	Payload        []byte         `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempts       int            `json:"attempts"`
	Status         DeliveryStatus `json:"status"`
	LastError      string         `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
