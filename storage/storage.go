// Package storage defines the durable store contract the lifecycle
// engine runs against, with an in-memory implementation for tests and
// a bbolt-backed implementation for production.
//
// Update transactions are exclusive: at most one writer runs at a time.
// That exclusivity is the serialization point the claim-and-lock
// protocol depends on — two concurrent claimers can never both observe
// a row as unclaimed.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/opd-ai/msgspool/message"
)

// ErrNotFound indicates a referenced row does not exist.
var ErrNotFound = errors.New("storage: not found")

// ReadTx is a read-only view of the store.
type ReadTx interface {
	// Message returns the message with the given id, or ErrNotFound.
	Message(id uuid.UUID) (*message.Message, error)
	// MessagesByStatus returns all messages in the given status, in
	// unspecified order. Callers impose ordering.
	MessagesByStatus(status message.Status) ([]*message.Message, error)
	// Part returns the part with the given id, or ErrNotFound.
	Part(id uuid.UUID) (*message.Part, error)
	// PartsByMessage returns all parts of the given message, in
	// unspecified order.
	PartsByMessage(messageID uuid.UUID) ([]*message.Part, error)
	// PartsByStatus returns all parts in the given status.
	PartsByStatus(status message.PartStatus) ([]*message.Part, error)
	// IsArchived reports whether an archive entry exists for the id.
	IsArchived(id uuid.UUID) (bool, error)
	// Archived returns the archive entry for the id, or ErrNotFound.
	Archived(id uuid.UUID) (*message.Archived, error)
}

// Tx is a read-write view of the store.
type Tx interface {
	ReadTx

	// PutMessage inserts or replaces a message.
	PutMessage(m *message.Message) error
	// DeleteMessage removes a message; ErrNotFound if absent.
	DeleteMessage(id uuid.UUID) error
	// PutPart inserts or replaces a part.
	PutPart(p *message.Part) error
	// DeletePart removes a part; ErrNotFound if absent.
	DeletePart(id uuid.UUID) error
	// DeletePartsByMessage removes every part of the given message and
	// returns how many were removed. Zero parts is not an error.
	DeletePartsByMessage(messageID uuid.UUID) (int, error)
	// PutArchived writes the archive entry iff none exists for the id.
	// Re-archiving an existing id is a no-op: the first write wins and
	// the call reports success.
	PutArchived(a *message.Archived) error
}

// Store is the durable storage contract.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(ReadTx) error) error
	// Update runs fn in an exclusive read-write transaction. Mutations
	// are atomic: either fn returns nil and every write applies, or fn
	// returns an error and none do.
	Update(ctx context.Context, fn func(Tx) error) error
	// Close releases the store.
	Close() error
}
