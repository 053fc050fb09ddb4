package store

import (
	"time"

	"outreach/internal/domain"
)

type ScheduledInsert struct {
	ID             string
	TenantID       string
	ContactID      string
	SequenceID     string
	EventID        string
	OccurrenceDate string
	SendAt         time.Time
	Now            time.Time
}

type ScheduledUpdate struct {
	ID            string
	Status        domain.ScheduledStatus
	AccountID     string
	ProviderMsgID string
	LastError     string
	Now           time.Time
}

type BroadcastInsert struct {
	Broadcast  domain.Broadcast
	ContactIDs []string
	Now        time.Time
}

type BroadcastStateUpdate struct {
	ID     string
	From   []domain.BroadcastStatus
	Status domain.BroadcastStatus
	Now    time.Time
}

type RecipientUpdate struct {
	BroadcastID   string
	ContactID     string
	Status        domain.RecipientStatus
	AccountID     string
	ProviderMsgID string
	LastError     string
	Now           time.Time
}

// DeliveryEvent is one provider status callback as received.
type DeliveryEvent struct {
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

// ProviderMsgUpdate records a delivery status against whichever row carries
// the provider message id.
type ProviderMsgUpdate struct {
	ProviderMsgID  string
	DeliveryStatus string
	LastError      string
	Now            time.Time
}
