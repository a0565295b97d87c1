package message

import (
	"time"

	"github.com/google/uuid"
)

// Archived is the immutable audit copy of a message, written once when
// the orchestrator first sees it. Existence of an archive entry is the
// de-duplication oracle for at-least-once delivery from devices.
type Archived struct {
	ID            uuid.UUID // original message id
	Username      string
	DeviceID      string
	TypeID        string
	CorrelationID string
	Priority      Priority
	Created       time.Time
	Payload       []byte
	DataHash      string
	EncryptionIV  string
	ArchivedAt    time.Time
}

// NewArchived snapshots a message for the audit log.
func NewArchived(m *Message) *Archived {
	return &Archived{
		ID:            m.ID,
		Username:      m.Username,
		DeviceID:      m.DeviceID,
		TypeID:        m.TypeID,
		CorrelationID: m.CorrelationID,
		Priority:      m.Priority,
		Created:       m.Created,
		Payload:       append([]byte(nil), m.Payload...),
		DataHash:      m.DataHash,
		EncryptionIV:  m.EncryptionIV,
		ArchivedAt:    time.Now().UTC(),
	}
}
