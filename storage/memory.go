package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/opd-ai/msgspool/message"
)

// MemoryStore is a map-backed Store for tests and embedded use. A
// single RWMutex serializes Update transactions, which is the
// pessimistic locking the claim protocol requires. Entities are copied
// at the boundary so callers can never mutate stored state in place.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[uuid.UUID]*message.Message
	parts    map[uuid.UUID]*message.Part
	archive  map[uuid.UUID]*message.Archived
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[uuid.UUID]*message.Message),
		parts:    make(map[uuid.UUID]*message.Part),
		archive:  make(map[uuid.UUID]*message.Archived),
	}
}

// View implements Store.
func (s *MemoryStore) View(ctx context.Context, fn func(ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{messages: s.messages, parts: s.parts, archive: s.archive})
}

// Update implements Store. The transaction works on shallow copies of
// the index maps; they replace the live maps only if fn succeeds, so a
// failed transaction leaves no partial writes behind.
func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		messages: cloneIndex(s.messages),
		parts:    cloneIndex(s.parts),
		archive:  cloneIndex(s.archive),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.messages = tx.messages
	s.parts = tx.parts
	s.archive = tx.archive
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

func cloneIndex[V any](in map[uuid.UUID]V) map[uuid.UUID]V {
	out := make(map[uuid.UUID]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// memTx serves both read-only and read-write transactions. Stored
// entities are treated as immutable; Put replaces the pointer with a
// fresh clone and reads hand out clones.
type memTx struct {
	messages map[uuid.UUID]*message.Message
	parts    map[uuid.UUID]*message.Part
	archive  map[uuid.UUID]*message.Archived
}

func (tx *memTx) Message(id uuid.UUID) (*message.Message, error) {
	m, ok := tx.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (tx *memTx) MessagesByStatus(status message.Status) ([]*message.Message, error) {
	var out []*message.Message
	for _, m := range tx.messages {
		if m.Status == status {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) Part(id uuid.UUID) (*message.Part, error) {
	p, ok := tx.parts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (tx *memTx) PartsByMessage(messageID uuid.UUID) ([]*message.Part, error) {
	var out []*message.Part
	for _, p := range tx.parts {
		if p.MessageID == messageID {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) PartsByStatus(status message.PartStatus) ([]*message.Part, error) {
	var out []*message.Part
	for _, p := range tx.parts {
		if p.Status == status {
			out = append(out, p.Clone())
		}
	}
	return out, nil
}

func (tx *memTx) IsArchived(id uuid.UUID) (bool, error) {
	_, ok := tx.archive[id]
	return ok, nil
}

func (tx *memTx) Archived(id uuid.UUID) (*message.Archived, error) {
	a, ok := tx.archive[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	return &c, nil
}

func (tx *memTx) PutMessage(m *message.Message) error {
	tx.messages[m.ID] = m.Clone()
	return nil
}

func (tx *memTx) DeleteMessage(id uuid.UUID) error {
	if _, ok := tx.messages[id]; !ok {
		return ErrNotFound
	}
	delete(tx.messages, id)
	return nil
}

func (tx *memTx) PutPart(p *message.Part) error {
	tx.parts[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) DeletePart(id uuid.UUID) error {
	if _, ok := tx.parts[id]; !ok {
		return ErrNotFound
	}
	delete(tx.parts, id)
	return nil
}

func (tx *memTx) DeletePartsByMessage(messageID uuid.UUID) (int, error) {
	n := 0
	for id, p := range tx.parts {
		if p.MessageID == messageID {
			delete(tx.parts, id)
			n++
		}
	}
	return n, nil
}

func (tx *memTx) PutArchived(a *message.Archived) error {
	if _, ok := tx.archive[a.ID]; ok {
		// First write wins; duplicate archival is success.
		return nil
	}
	c := *a
	c.Payload = append([]byte(nil), a.Payload...)
	tx.archive[a.ID] = &c
	return nil
}
