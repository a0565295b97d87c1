package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
)

// MessageRequest is a structurally parsed inbound message from the
// transport layer.
type MessageRequest struct {
	ID            uuid.UUID
	Username      string
	DeviceID      string
	TypeID        string
	CorrelationID string
	Priority      message.Priority
	Created       time.Time
	Payload       []byte
	DataHash      string
	EncryptionIV  string
}

// Validate is the structural-validity predicate the orchestrator calls
// before trusting the request.
func (r *MessageRequest) Validate() error {
	return r.toMessage().Validate()
}

func (r *MessageRequest) toMessage() *message.Message {
	created := r.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &message.Message{
		ID:            r.ID,
		Username:      r.Username,
		DeviceID:      r.DeviceID,
		TypeID:        r.TypeID,
		CorrelationID: r.CorrelationID,
		Priority:      r.Priority,
		Status:        message.StatusInitialized,
		Created:       created,
		Payload:       append([]byte(nil), r.Payload...),
		DataHash:      r.DataHash,
		EncryptionIV:  r.EncryptionIV,
	}
}

// PartRequest is a structurally parsed inbound message part.
type PartRequest struct {
	ID         uuid.UUID
	PartNo     int
	TotalParts int
	Checksum   string
	Data       []byte

	MessageID            uuid.UUID
	MessageUsername      string
	MessageDeviceID      string
	MessageTypeID        string
	MessageCorrelationID string
	MessagePriority      message.Priority
	MessageCreated       time.Time
	MessageDataHash      string
	MessageEncryptionIV  string
}

// Validate is the structural-validity predicate for the part.
func (r *PartRequest) Validate() error {
	return r.toPart().Validate()
}

func (r *PartRequest) toPart() *message.Part {
	created := r.MessageCreated
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &message.Part{
		ID:                   r.ID,
		PartNo:               r.PartNo,
		TotalParts:           r.TotalParts,
		Status:               message.PartInitialized,
		Data:                 append([]byte(nil), r.Data...),
		Checksum:             r.Checksum,
		MessageID:            r.MessageID,
		MessageUsername:      r.MessageUsername,
		MessageDeviceID:      r.MessageDeviceID,
		MessageTypeID:        r.MessageTypeID,
		MessageCorrelationID: r.MessageCorrelationID,
		MessagePriority:      r.MessagePriority,
		MessageCreated:       created,
		MessageDataHash:      r.MessageDataHash,
		MessageEncryptionIV:  r.MessageEncryptionIV,
	}
}

// DownloadRequest asks for the pending deliveries of one device.
type DownloadRequest struct {
	Username string
	DeviceID string
}

// Validate is the structural-validity predicate for the download request.
func (r *DownloadRequest) Validate() error {
	if r.Username == "" {
		return errors.E(errors.KindInvalidArgument, "username is required")
	}
	if r.DeviceID == "" {
		return errors.E(errors.KindInvalidArgument, "deviceId is required")
	}
	return nil
}

// ReceivedRequest acknowledges device receipt of a message or a part.
type ReceivedRequest struct {
	ID uuid.UUID
}

// Validate is the structural-validity predicate for the acknowledgement.
func (r *ReceivedRequest) Validate() error {
	if r.ID == uuid.Nil {
		return errors.E(errors.KindInvalidArgument, "id is required")
	}
	return nil
}
