package storage

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/msgspool/message"
)

// Bucket names in the bolt database.
var (
	messagesBucket = []byte("messages")
	partsBucket    = []byte("parts")
	archiveBucket  = []byte("archive")
)

// encMode keeps sub-second timestamp precision across a round-trip.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic(err)
	}
}

// BoltStore is a bbolt-backed Store. Bolt allows a single writable
// transaction at a time, which gives the claim protocol its required
// serialization for free; rows claimed inside one Update are invisible
// to every other claimer until the transaction commits.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the bolt database at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{messagesBucket, partsBucket, archiveBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// View implements Store.
func (s *BoltStore) View(ctx context.Context, fn func(ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update implements Store.
func (s *BoltStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) Message(id uuid.UUID) (*message.Message, error) {
	raw := t.tx.Bucket(messagesBucket).Get(id[:])
	if raw == nil {
		return nil, ErrNotFound
	}
	var m message.Message
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("storage: decoding message %s: %w", id, err)
	}
	return &m, nil
}

func (t *boltTx) MessagesByStatus(status message.Status) ([]*message.Message, error) {
	var out []*message.Message
	err := t.tx.Bucket(messagesBucket).ForEach(func(_, raw []byte) error {
		var m message.Message
		if err := cbor.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("storage: decoding message: %w", err)
		}
		if m.Status == status {
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) Part(id uuid.UUID) (*message.Part, error) {
	raw := t.tx.Bucket(partsBucket).Get(id[:])
	if raw == nil {
		return nil, ErrNotFound
	}
	var p message.Part
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("storage: decoding part %s: %w", id, err)
	}
	return &p, nil
}

func (t *boltTx) PartsByMessage(messageID uuid.UUID) ([]*message.Part, error) {
	return t.filterParts(func(p *message.Part) bool { return p.MessageID == messageID })
}

func (t *boltTx) PartsByStatus(status message.PartStatus) ([]*message.Part, error) {
	return t.filterParts(func(p *message.Part) bool { return p.Status == status })
}

func (t *boltTx) filterParts(keep func(*message.Part) bool) ([]*message.Part, error) {
	var out []*message.Part
	err := t.tx.Bucket(partsBucket).ForEach(func(_, raw []byte) error {
		var p message.Part
		if err := cbor.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("storage: decoding part: %w", err)
		}
		if keep(&p) {
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) IsArchived(id uuid.UUID) (bool, error) {
	return t.tx.Bucket(archiveBucket).Get(id[:]) != nil, nil
}

func (t *boltTx) Archived(id uuid.UUID) (*message.Archived, error) {
	raw := t.tx.Bucket(archiveBucket).Get(id[:])
	if raw == nil {
		return nil, ErrNotFound
	}
	var a message.Archived
	if err := cbor.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("storage: decoding archive entry %s: %w", id, err)
	}
	return &a, nil
}

func (t *boltTx) PutMessage(m *message.Message) error {
	raw, err := encMode.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: encoding message %s: %w", m.ID, err)
	}
	return t.tx.Bucket(messagesBucket).Put(m.ID[:], raw)
}

func (t *boltTx) DeleteMessage(id uuid.UUID) error {
	bkt := t.tx.Bucket(messagesBucket)
	if bkt.Get(id[:]) == nil {
		return ErrNotFound
	}
	return bkt.Delete(id[:])
}

func (t *boltTx) PutPart(p *message.Part) error {
	raw, err := encMode.Marshal(p)
	if err != nil {
		return fmt.Errorf("storage: encoding part %s: %w", p.ID, err)
	}
	return t.tx.Bucket(partsBucket).Put(p.ID[:], raw)
}

func (t *boltTx) DeletePart(id uuid.UUID) error {
	bkt := t.tx.Bucket(partsBucket)
	if bkt.Get(id[:]) == nil {
		return ErrNotFound
	}
	return bkt.Delete(id[:])
}

func (t *boltTx) DeletePartsByMessage(messageID uuid.UUID) (int, error) {
	parts, err := t.PartsByMessage(messageID)
	if err != nil {
		return 0, err
	}
	bkt := t.tx.Bucket(partsBucket)
	for _, p := range parts {
		if err := bkt.Delete(p.ID[:]); err != nil {
			return 0, err
		}
	}
	return len(parts), nil
}

func (t *boltTx) PutArchived(a *message.Archived) error {
	bkt := t.tx.Bucket(archiveBucket)
	if bkt.Get(a.ID[:]) != nil {
		// First write wins; duplicate archival is success.
		return nil
	}
	raw, err := encMode.Marshal(a)
	if err != nil {
		return fmt.Errorf("storage: encoding archive entry %s: %w", a.ID, err)
	}
	return bkt.Put(a.ID[:], raw)
}
