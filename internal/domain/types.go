package domain

import (
	"time"

	"outreach/internal/schedule"
)

type ProviderKind string

const (
	ProviderSelfHosted ProviderKind = "self_hosted"
	ProviderCloud      ProviderKind = "cloud_api"
)

// ConnStatus mirrors the per-account connection state machine.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusQRReady      ConnStatus = "qr_ready"
	StatusPairingReady ConnStatus = "pairing_ready"
	StatusConnected    ConnStatus = "connected"
	StatusBanned       ConnStatus = "banned"
)

// Pairing reports whether the status carries a pairing artifact.
func (s ConnStatus) Pairing() bool {
	return s == StatusQRReady || s == StatusPairingReady
}

type Account struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenantId"`
	Label    string       `json:"label"`
	Provider ProviderKind `json:"provider"`
	DailyCap int          `json:"dailyCap"`
	Priority int          `json:"priority"`
	Status   ConnStatus   `json:"status"`

	// PairingPhone requests a pairing code instead of a QR image.
	PairingPhone string `json:"pairingPhone,omitempty"`

	CloudPhoneNumberID string `json:"-"`
	CloudAccessToken   string `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
}

// PersistedSession is the durable mirror of an account's connection state.
type PersistedSession struct {
	AccountID   string
	Status      ConnStatus
	Phone       string
	Credentials []byte
	UpdatedAt   time.Time
}

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindDocument MessageKind = "document"
)

type Sequence struct {
	ID            string      `json:"id"`
	TenantID      string      `json:"tenantId"`
	EventID       string      `json:"eventId,omitempty"` // empty = applies to every event of the tenant
	Phase         string      `json:"phase"`
	OffsetMinutes int         `json:"offsetMinutes"`
	Body          string      `json:"body"`
	Kind          MessageKind `json:"kind"`
	MediaURL      string      `json:"mediaUrl,omitempty"`
	FileName      string      `json:"fileName,omitempty"`
	MimeType      string      `json:"mimeType,omitempty"`
	Active        bool        `json:"active"`
}

type ScheduledStatus string

const (
	ScheduledQueued    ScheduledStatus = "queued"
	ScheduledSending   ScheduledStatus = "sending"
	ScheduledSent      ScheduledStatus = "sent"
	ScheduledFailed    ScheduledStatus = "failed"
	ScheduledCancelled ScheduledStatus = "cancelled"
)

type ScheduledMessage struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	ContactID      string          `json:"contactId"`
	SequenceID     string          `json:"sequenceId"`
	EventID        string          `json:"eventId"`
	OccurrenceDate string          `json:"occurrenceDate"`
	SendAt         time.Time       `json:"sendAt"`
	Status         ScheduledStatus `json:"status"`
	LastError      string          `json:"lastError,omitempty"`
	AccountID      string          `json:"accountId,omitempty"`
	ProviderMsgID  string          `json:"providerMsgId,omitempty"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

type Contact struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenantId"`
	Name     string            `json:"name"`
	Phone    string            `json:"phone"`
	Tags     []string          `json:"tags,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Event is a recurring scheduled event recipients register for.
type Event struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Name      string          `json:"name"`
	Link      string          `json:"link,omitempty"`
	AccountID string          `json:"accountId,omitempty"`
	Schedule  schedule.Config `json:"schedule"`
}

type Registration struct {
	ContactID      string
	EventID        string
	OccurrenceDate string
	OccurrenceAt   time.Time
}

type BroadcastStatus string

const (
	BroadcastDraft     BroadcastStatus = "draft"
	BroadcastPending   BroadcastStatus = "pending"
	BroadcastRunning   BroadcastStatus = "running"
	BroadcastPaused    BroadcastStatus = "paused"
	BroadcastCompleted BroadcastStatus = "completed"
	BroadcastCancelled BroadcastStatus = "cancelled"
)

// Terminal reports whether no further sends can happen.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastCompleted || s == BroadcastCancelled
}

type RecipientFilter struct {
	TenantID   string   `json:"tenantId" validate:"required"`
	Tags       []string `json:"tags,omitempty"`
	EventID    string   `json:"eventId,omitempty"`
	ContactIDs []string `json:"contactIds,omitempty"`
}

type Broadcast struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Name        string          `json:"name"`
	Body        string          `json:"body"`
	Kind        MessageKind     `json:"kind"`
	MediaURL    string          `json:"mediaUrl,omitempty"`
	AccountID   string          `json:"accountId,omitempty"`
	Filter      RecipientFilter `json:"filter"`
	Status      BroadcastStatus `json:"status"`
	Total       int             `json:"total"`
	Sent        int             `json:"sent"`
	Failed      int             `json:"failed"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

type BroadcastRecipient struct {
	BroadcastID string
	Contact     Contact
	Status      RecipientStatus
}

// SendResult is the provider-agnostic outcome of one send.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}
