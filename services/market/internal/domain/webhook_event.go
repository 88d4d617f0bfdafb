package domain

import "time"

// WebhookResult — итог обработки входящего webhook.
type WebhookResult string

const (
	WebhookResultProcessed WebhookResult = "processed"
	WebhookResultIgnored   WebhookResult = "ignored"
	WebhookResultDuplicate WebhookResult = "duplicate"
	WebhookResultRejected  WebhookResult = "rejected"
	WebhookResultNotFound  WebhookResult = "not_found"
	WebhookResultFailed    WebhookResult = "failed"
)

// WebhookEvent — запись журнала входящих webhook.
// Пишется для каждой попытки, включая отклонённые.
type WebhookEvent struct {
	ID             string
	Provider       string
	EventID        string
	EventType      string
	ResourceID     string
	SignatureValid bool
	Result         WebhookResult
	Error          *string
	Payload        []byte
	ProcessedAt    *time.Time
	CreatedAt      time.Time
}
