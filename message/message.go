// Package message defines the entity model for the store-and-forward
// engine: Message, Part, and Archived records with their status state
// machines and attempt counters.
package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgspool/errors"
)

// MaxPayloadSize is the maximum payload a single message may carry
// unless it was assembled from parts.
const MaxPayloadSize = 40000

// Priority orders competing messages for delivery.
type Priority uint8

const (
	// PriorityLow is background traffic.
	PriorityLow Priority = iota
	// PriorityMedium is the default priority.
	PriorityMedium
	// PriorityHigh is delivered ahead of other traffic.
	PriorityHigh
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Status is the message state machine.
//
// Initialized -> QueuedForSending | QueuedForProcessing -> Processing ->
// Processed; Processing may fall back to QueuedForProcessing (retry) or
// Failed (attempts exhausted). Download path: QueuedForDownload ->
// Downloading -> deleted on acknowledgement. Aborted is terminal and
// reachable from any in-flight state on a protocol violation.
type Status uint8

const (
	// StatusInitialized is a freshly created message.
	StatusInitialized Status = iota
	// StatusQueuedForSending awaits an outbound send worker.
	StatusQueuedForSending
	// StatusSending is claimed by a send worker.
	StatusSending
	// StatusQueuedForProcessing awaits a processing worker.
	StatusQueuedForProcessing
	// StatusProcessing is claimed by a processing worker.
	StatusProcessing
	// StatusProcessed finished handler dispatch successfully.
	StatusProcessed
	// StatusQueuedForDownload awaits pickup by the destination device.
	StatusQueuedForDownload
	// StatusDownloading has been served to a device, not yet acknowledged.
	StatusDownloading
	// StatusFailed exhausted its processing attempts. Terminal; requires
	// operator attention.
	StatusFailed
	// StatusAborted hit a protocol violation. Terminal.
	StatusAborted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusQueuedForSending:
		return "queued_for_sending"
	case StatusSending:
		return "sending"
	case StatusQueuedForProcessing:
		return "queued_for_processing"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	case StatusQueuedForDownload:
		return "queued_for_download"
	case StatusDownloading:
		return "downloading"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Message is one logical unit of application data exchanged with a
// device.
type Message struct {
	ID            uuid.UUID
	Username      string
	DeviceID      string
	TypeID        string
	CorrelationID string
	Priority      Priority
	Status        Status
	Created       time.Time
	Payload       []byte

	// DataHash is the base64 SHA-256 of the plaintext payload, set iff
	// the payload is encrypted. EncryptionIV is the base64 IV used for
	// encryption; it may be the empty string only for zero-length IV
	// transforms.
	DataHash     string
	EncryptionIV string

	SendAttempts     int
	ProcessAttempts  int
	DownloadAttempts int
	LastProcessed    time.Time
	LockName         string

	// Assembled marks a payload reconstructed from parts, which is
	// exempt from the MaxPayloadSize cap.
	Assembled bool
}

// New creates a message with a fresh time-sortable id.
func New(username, deviceID, typeID string, payload []byte) *Message {
	return &Message{
		ID:       newID(),
		Username: username,
		DeviceID: deviceID,
		TypeID:   typeID,
		Priority: PriorityMedium,
		Status:   StatusInitialized,
		Created:  time.Now().UTC(),
		Payload:  payload,
	}
}

// IsEncrypted reports whether the payload is encrypted. An encrypted
// message always carries the plaintext hash.
func (m *Message) IsEncrypted() bool {
	return m.DataHash != ""
}

// Validate checks structural validity before the engine trusts the
// message.
func (m *Message) Validate() error {
	if m.ID == uuid.Nil {
		return errors.E(errors.KindInvalidArgument, "message id is required")
	}
	if m.Username == "" {
		return errors.E(errors.KindInvalidArgument, "username is required")
	}
	if m.DeviceID == "" {
		return errors.E(errors.KindInvalidArgument, "deviceId is required")
	}
	if m.TypeID == "" {
		return errors.E(errors.KindInvalidArgument, "typeId is required")
	}
	if len(m.Payload) > MaxPayloadSize && !m.Assembled {
		return errors.Ef(errors.KindInvalidArgument,
			"payload of %d bytes exceeds maximum %d", len(m.Payload), MaxPayloadSize)
	}
	return nil
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// newID returns a time-sortable 128-bit identifier. UUIDv7 embeds a
// millisecond timestamp, so creation order and id order mostly agree.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// rand failure; fall back to v4 rather than panic.
		return uuid.New()
	}
	return id
}
