package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditEvent represents the type of lifecycle event being audited
type AuditEvent string

const (
	AuditEventProposed         AuditEvent = "proposed"
	AuditEventPreviewed        AuditEvent = "previewed"
	AuditEventApproved         AuditEvent = "approved"
	AuditEventRejected         AuditEvent = "rejected"
	AuditEventQueued           AuditEvent = "queued"
	AuditEventExecutionStarted AuditEvent = "execution_started"
	AuditEventExecuted         AuditEvent = "executed"
	AuditEventExecutionFailed  AuditEvent = "execution_failed"
	AuditEventRolledBack       AuditEvent = "rolled_back"
	AuditEventExpired          AuditEvent = "expired"
)

// AuditEntry represents one immutable audit trail record. Entries are only
// ever inserted; Seq is assigned by the store and orders entries per construct.
type AuditEntry struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	Seq         int64           `json:"seq" db:"seq"`
	ConstructID string          `json:"construct_id" db:"construct_id"`
	ManifestID  uuid.UUID       `json:"manifest_id" db:"manifest_id"`
	Event       AuditEvent      `json:"event" db:"event"`
	UserID      string          `json:"user_id" db:"user_id"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	RequestID   string          `json:"request_id,omitempty" db:"request_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the AuditEntry model
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// NewAuditEntry creates a new AuditEntry for a manifest lifecycle event.
func NewAuditEntry(constructID string, manifestID uuid.UUID, event AuditEvent, userID string) *AuditEntry {
	return &AuditEntry{
		ID:          uuid.New(),
		ConstructID: constructID,
		ManifestID:  manifestID,
		Event:       event,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}
}

// WithPayload attaches structured event context to the entry.
func (a *AuditEntry) WithPayload(payload interface{}) *AuditEntry {
	if data, err := json.Marshal(payload); err == nil {
		a.Payload = data
	}
	return a
}

// WithRequestID attaches the originating request ID.
func (a *AuditEntry) WithRequestID(requestID string) *AuditEntry {
	a.RequestID = requestID
	return a
}
