package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgspool/errors"
)

// MaxPartSize is the maximum data size of a single part.
const MaxPartSize = 40000

// PartStatus is the part state machine.
//
// Outbound: Initialized -> QueuedForSending -> Sending. Inbound:
// Initialized -> QueuedForAssembly -> Assembling. Download:
// QueuedForDownload -> Downloading -> deleted on acknowledgement.
// Aborted and Failed are terminal.
type PartStatus uint8

const (
	// PartInitialized is a freshly created part.
	PartInitialized PartStatus = iota
	// PartQueuedForSending awaits an outbound send worker.
	PartQueuedForSending
	// PartSending is claimed by a send worker.
	PartSending
	// PartQueuedForAssembly awaits reassembly with its siblings.
	PartQueuedForAssembly
	// PartAssembling is claimed by an assembly worker.
	PartAssembling
	// PartQueuedForDownload awaits pickup by the destination device.
	PartQueuedForDownload
	// PartDownloading has been served to a device, not yet acknowledged.
	PartDownloading
	// PartFailed is terminal failure.
	PartFailed
	// PartAborted is terminal protocol violation.
	PartAborted
)

// String returns the string representation of the part status.
func (s PartStatus) String() string {
	switch s {
	case PartInitialized:
		return "initialized"
	case PartQueuedForSending:
		return "queued_for_sending"
	case PartSending:
		return "sending"
	case PartQueuedForAssembly:
		return "queued_for_assembly"
	case PartAssembling:
		return "assembling"
	case PartQueuedForDownload:
		return "queued_for_download"
	case PartDownloading:
		return "downloading"
	case PartFailed:
		return "failed"
	case PartAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Part is one fragment of an oversized message. Each part carries a
// full copy of the parent message metadata so a part set is
// self-describing: assembly needs nothing but the parts themselves.
type Part struct {
	ID         uuid.UUID
	PartNo     int // 1-based
	TotalParts int
	Status     PartStatus
	Data       []byte

	// Checksum is the base64 SHA-256 of the complete reconstructed
	// parent payload; identical on every part of a set.
	Checksum string

	MessageID            uuid.UUID
	MessageUsername      string
	MessageDeviceID      string
	MessageTypeID        string
	MessageCorrelationID string
	MessagePriority      Priority
	MessageCreated       time.Time
	MessageDataHash      string
	MessageEncryptionIV  string

	SendAttempts     int
	DownloadAttempts int
	LockName         string
}

// NewPart creates a part of the given message with a fresh id. Data is
// not copied; callers own the slice.
func NewPart(m *Message, partNo, totalParts int, checksum string, data []byte) *Part {
	return &Part{
		ID:                   newID(),
		PartNo:               partNo,
		TotalParts:           totalParts,
		Status:               PartInitialized,
		Data:                 data,
		Checksum:             checksum,
		MessageID:            m.ID,
		MessageUsername:      m.Username,
		MessageDeviceID:      m.DeviceID,
		MessageTypeID:        m.TypeID,
		MessageCorrelationID: m.CorrelationID,
		MessagePriority:      m.Priority,
		MessageCreated:       m.Created,
		MessageDataHash:      m.DataHash,
		MessageEncryptionIV:  m.EncryptionIV,
	}
}

// Validate checks structural validity.
func (p *Part) Validate() error {
	if p.ID == uuid.Nil {
		return errors.E(errors.KindInvalidArgument, "part id is required")
	}
	if p.MessageID == uuid.Nil {
		return errors.E(errors.KindInvalidArgument, "part messageId is required")
	}
	if p.PartNo < 1 {
		return errors.Ef(errors.KindInvalidArgument, "partNo %d must be 1-based", p.PartNo)
	}
	if p.TotalParts < 1 || p.PartNo > p.TotalParts {
		return errors.Ef(errors.KindInvalidArgument,
			"partNo %d out of range for totalParts %d", p.PartNo, p.TotalParts)
	}
	if p.MessageUsername == "" {
		return errors.E(errors.KindInvalidArgument, "part messageUsername is required")
	}
	if p.MessageDeviceID == "" {
		return errors.E(errors.KindInvalidArgument, "part messageDeviceId is required")
	}
	if p.Checksum == "" {
		return errors.E(errors.KindInvalidArgument, "part messageChecksum is required")
	}
	if len(p.Data) > MaxPartSize {
		return errors.Ef(errors.KindInvalidArgument,
			"part data of %d bytes exceeds maximum %d", len(p.Data), MaxPartSize)
	}
	return nil
}

// Clone returns a deep copy.
func (p *Part) Clone() *Part {
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	return &c
}

// RebuildMessage constructs the parent message shell from the metadata
// carried on this part. Payload and status are the caller's to fill.
func (p *Part) RebuildMessage(payload []byte) *Message {
	return &Message{
		ID:            p.MessageID,
		Username:      p.MessageUsername,
		DeviceID:      p.MessageDeviceID,
		TypeID:        p.MessageTypeID,
		CorrelationID: p.MessageCorrelationID,
		Priority:      p.MessagePriority,
		Status:        StatusInitialized,
		Created:       p.MessageCreated,
		Payload:       payload,
		DataHash:      p.MessageDataHash,
		EncryptionIV:  p.MessageEncryptionIV,
		Assembled:     true,
	}
}
