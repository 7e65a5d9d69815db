package domain

import "time"

// NotificationKind enumerates client-visible messages.
type NotificationKind string

const (
	NotifyReassignment NotificationKind = "manager_reassignment"
	NotifyQueueUpdate  NotificationKind = "queue_update"
	NotifyReschedule   NotificationKind = "redate"
	NotifyRating       NotificationKind = "rating"
	NotifyCall         NotificationKind = "call"
	NotifyQueueClosed  NotificationKind = "queue_closed"
)

// LedgerEntry is a write-once dedup guard for one outbound message.
type LedgerEntry struct {
	ID          int64
	Kind        NotificationKind
	EntityID    string
	ContentHash string
	CreatedAt   time.Time
}

// WebhookLogEntry is the forensic record of one inbound webhook delivery.
type WebhookLogEntry struct {
	ID             string
	Event          string
	Payload        []byte
	SignatureValid bool
	Processed      bool
	ErrorMessage   string
	ReceivedAt     time.Time
}
