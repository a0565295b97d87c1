// Package lifecycle implements the claim-and-lock state machine engine
// for messages and parts.
//
// Every status or lock mutation in the system goes through this engine,
// and each engine operation is a single storage transaction. Claiming
// work selects eligible rows, stamps them with the worker's lock name,
// advances their status, and increments the relevant attempt counter as
// one atomic unit, so no two concurrent claimers can take the same row.
package lifecycle

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
	"github.com/opd-ai/msgspool/storage"
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now().UTC() }

// Engine drives the message and part state machines over a Store.
type Engine struct {
	store       storage.Store
	lockName    string
	retryDelay  time.Duration
	maxAttempts int
	clock       TimeProvider
}

// NewEngine creates an engine. lockName identifies this worker instance
// on claimed rows; retryDelay is the minimum wait before a failed
// message becomes eligible for processing again; maxAttempts caps
// processing retries before a message is marked Failed.
func NewEngine(store storage.Store, lockName string, retryDelay time.Duration, maxAttempts int) *Engine {
	return &Engine{
		store:       store,
		lockName:    lockName,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
		clock:       DefaultTimeProvider{},
	}
}

// SetTimeProvider replaces the clock. Intended for tests.
func (e *Engine) SetTimeProvider(tp TimeProvider) { e.clock = tp }

// LockName returns this worker's lock identity.
func (e *Engine) LockName() string { return e.lockName }

// ResetMessageLocks unconditionally requeues every message stuck in the
// from status, clearing its lock. Run at startup before any claim is
// issued: rows left in-flight belong to a crashed holder. Calling it
// with nothing stuck is a no-op, and repeating it changes nothing.
func (e *Engine) ResetMessageLocks(ctx context.Context, from, to message.Status) (int, error) {
	count := 0
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		stuck, err := tx.MessagesByStatus(from)
		if err != nil {
			return err
		}
		for _, m := range stuck {
			m.Status = to
			m.LockName = ""
			if err := tx.PutMessage(m); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindServiceUnavailable, "resetting message locks", err)
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ResetMessageLocks",
			"from":     from.String(),
			"to":       to.String(),
			"count":    count,
		}).Warn("Requeued messages left in-flight by a previous instance")
	}
	return count, nil
}

// ResetPartLocks is ResetMessageLocks for parts.
func (e *Engine) ResetPartLocks(ctx context.Context, from, to message.PartStatus) (int, error) {
	count := 0
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		stuck, err := tx.PartsByStatus(from)
		if err != nil {
			return err
		}
		for _, p := range stuck {
			p.Status = to
			p.LockName = ""
			if err := tx.PutPart(p); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindServiceUnavailable, "resetting part locks", err)
	}
	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "ResetPartLocks",
			"from":     from.String(),
			"to":       to.String(),
			"count":    count,
		}).Warn("Requeued parts left in-flight by a previous instance")
	}
	return count, nil
}

// QueueForProcessing persists the message with status
// QueuedForProcessing and writes its archive entry in the same
// transaction. Re-archiving an already archived id is a no-op.
func (e *Engine) QueueForProcessing(ctx context.Context, m *message.Message) error {
	m.Status = message.StatusQueuedForProcessing
	m.LockName = ""
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutMessage(m); err != nil {
			return err
		}
		return tx.PutArchived(message.NewArchived(m))
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "queueing for processing", err)
	}
	return nil
}

// QueueForDownload persists the message with status QueuedForDownload
// and archives it in the same transaction.
func (e *Engine) QueueForDownload(ctx context.Context, m *message.Message) error {
	m.Status = message.StatusQueuedForDownload
	m.LockName = ""
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutMessage(m); err != nil {
			return err
		}
		return tx.PutArchived(message.NewArchived(m))
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "queueing for download", err)
	}
	return nil
}

// QueuePartsForDownload persists a split part set with status
// QueuedForDownload and archives the parent message, all in one
// transaction. The parent message row itself is not stored: the parts
// carry everything needed to reconstruct it.
func (e *Engine) QueuePartsForDownload(ctx context.Context, m *message.Message, parts []*message.Part) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		for _, p := range parts {
			p.Status = message.PartQueuedForDownload
			p.LockName = ""
			if err := tx.PutPart(p); err != nil {
				return err
			}
		}
		return tx.PutArchived(message.NewArchived(m))
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "queueing parts for download", err)
	}
	return nil
}

// QueuePartForAssembly persists an inbound part with status
// QueuedForAssembly and reports whether the part set is now complete
// (count of queued parts equals TotalParts), observed inside the same
// transaction.
func (e *Engine) QueuePartForAssembly(ctx context.Context, p *message.Part) (ready bool, err error) {
	p.Status = message.PartQueuedForAssembly
	p.LockName = ""
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.PutPart(p); err != nil {
			return err
		}
		siblings, err := tx.PartsByMessage(p.MessageID)
		if err != nil {
			return err
		}
		queued := 0
		for _, s := range siblings {
			if s.Status == message.PartQueuedForAssembly {
				queued++
			}
		}
		ready = queued == p.TotalParts
		return nil
	})
	if err != nil {
		return false, errors.Wrap(errors.KindServiceUnavailable, "queueing part for assembly", err)
	}
	return ready, nil
}

// ClaimNextForProcessing atomically claims the oldest eligible queued
// message: status becomes Processing, the row is stamped with this
// worker's lock, the process attempt counter is incremented, and
// lastProcessed is set to now. A message is eligible only once its
// retry delay has elapsed. Returns nil when nothing is claimable.
func (e *Engine) ClaimNextForProcessing(ctx context.Context) (*message.Message, error) {
	now := e.clock.Now()
	var claimed *message.Message
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		queued, err := tx.MessagesByStatus(message.StatusQueuedForProcessing)
		if err != nil {
			return err
		}

		eligible := queued[:0]
		for _, m := range queued {
			if m.ProcessAttempts >= e.maxAttempts {
				continue
			}
			if !m.LastProcessed.IsZero() && m.LastProcessed.Add(e.retryDelay).After(now) {
				continue
			}
			eligible = append(eligible, m)
		}
		if len(eligible) == 0 {
			return nil
		}

		// Best-effort FIFO: least recently attempted first, creation
		// time as tie-break.
		sort.Slice(eligible, func(i, j int) bool {
			if !eligible[i].LastProcessed.Equal(eligible[j].LastProcessed) {
				return eligible[i].LastProcessed.Before(eligible[j].LastProcessed)
			}
			return eligible[i].Created.Before(eligible[j].Created)
		})

		claimed = eligible[0]
		claimed.Status = message.StatusProcessing
		claimed.LockName = e.lockName
		claimed.ProcessAttempts++
		claimed.LastProcessed = now
		return tx.PutMessage(claimed)
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnavailable, "claiming message for processing", err)
	}
	return claimed, nil
}

// CompleteProcessing removes a successfully processed message. The
// archive entry remains as the audit record.
func (e *Engine) CompleteProcessing(ctx context.Context, id uuid.UUID) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteMessage(id)
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "completing processing", err)
	}
	return nil
}

// FailProcessing records a failed processing attempt: the message is
// requeued for retry, or moved to the terminal Failed status once its
// attempts are exhausted. The lock is cleared either way. Returns
// whether the message is now permanently failed.
func (e *Engine) FailProcessing(ctx context.Context, id uuid.UUID) (exhausted bool, err error) {
	err = e.store.Update(ctx, func(tx storage.Tx) error {
		m, err := tx.Message(id)
		if err != nil {
			return err
		}
		m.LockName = ""
		if m.ProcessAttempts >= e.maxAttempts {
			m.Status = message.StatusFailed
			exhausted = true
		} else {
			m.Status = message.StatusQueuedForProcessing
		}
		return tx.PutMessage(m)
	})
	if err != nil {
		return false, errors.Wrap(errors.KindServiceUnavailable, "recording processing failure", err)
	}
	if exhausted {
		logrus.WithFields(logrus.Fields{
			"function":  "FailProcessing",
			"messageId": id.String(),
			"attempts":  e.maxAttempts,
		}).Error("Message exhausted its processing attempts and requires operator attention")
	}
	return exhausted, nil
}

// Abort moves a message to the terminal Aborted status after a protocol
// violation, clearing its lock.
func (e *Engine) Abort(ctx context.Context, id uuid.UUID) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		m, err := tx.Message(id)
		if err != nil {
			return err
		}
		m.Status = message.StatusAborted
		m.LockName = ""
		return tx.PutMessage(m)
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "aborting message", err)
	}
	return nil
}

// ClaimMessageDownloads claims up to limit messages for delivery to the
// given device. Rows already in Downloading for that device are served
// first, before newly queued rows: finishing an interrupted delivery
// beats starting a new one. A Downloading row locked by another
// instance is logged and taken over.
func (e *Engine) ClaimMessageDownloads(ctx context.Context, username, deviceID string, limit int) ([]*message.Message, error) {
	var out []*message.Message
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		out = out[:0]

		inflight, err := tx.MessagesByStatus(message.StatusDownloading)
		if err != nil {
			return err
		}
		queued, err := tx.MessagesByStatus(message.StatusQueuedForDownload)
		if err != nil {
			return err
		}

		forDevice := func(in []*message.Message) []*message.Message {
			var kept []*message.Message
			for _, m := range in {
				if m.Username == username && m.DeviceID == deviceID {
					kept = append(kept, m)
				}
			}
			sort.Slice(kept, func(i, j int) bool {
				return kept[i].Created.Before(kept[j].Created)
			})
			return kept
		}

		for _, m := range forDevice(inflight) {
			if len(out) >= limit {
				break
			}
			if m.LockName != "" && m.LockName != e.lockName {
				logrus.WithFields(logrus.Fields{
					"function":  "ClaimMessageDownloads",
					"messageId": m.ID.String(),
					"lockName":  m.LockName,
					"instance":  e.lockName,
				}).Warn("Re-serving a download locked by a different instance")
			}
			m.LockName = e.lockName
			m.DownloadAttempts++
			if err := tx.PutMessage(m); err != nil {
				return err
			}
			out = append(out, m)
		}

		for _, m := range forDevice(queued) {
			if len(out) >= limit {
				break
			}
			m.Status = message.StatusDownloading
			m.LockName = e.lockName
			m.DownloadAttempts++
			if err := tx.PutMessage(m); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnavailable, "claiming message downloads", err)
	}
	return out, nil
}

// ClaimPartDownloads is ClaimMessageDownloads for parts. Parts are
// ordered by parent message creation time, then message id, then
// partNo, so a device always receives a set in partNo order.
func (e *Engine) ClaimPartDownloads(ctx context.Context, username, deviceID string, limit int) ([]*message.Part, error) {
	var out []*message.Part
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		out = out[:0]

		inflight, err := tx.PartsByStatus(message.PartDownloading)
		if err != nil {
			return err
		}
		queued, err := tx.PartsByStatus(message.PartQueuedForDownload)
		if err != nil {
			return err
		}

		forDevice := func(in []*message.Part) []*message.Part {
			var kept []*message.Part
			for _, p := range in {
				if p.MessageUsername == username && p.MessageDeviceID == deviceID {
					kept = append(kept, p)
				}
			}
			sort.Slice(kept, func(i, j int) bool {
				a, b := kept[i], kept[j]
				if !a.MessageCreated.Equal(b.MessageCreated) {
					return a.MessageCreated.Before(b.MessageCreated)
				}
				if a.MessageID != b.MessageID {
					return a.MessageID.String() < b.MessageID.String()
				}
				return a.PartNo < b.PartNo
			})
			return kept
		}

		for _, p := range forDevice(inflight) {
			if len(out) >= limit {
				break
			}
			if p.LockName != "" && p.LockName != e.lockName {
				logrus.WithFields(logrus.Fields{
					"function": "ClaimPartDownloads",
					"partId":   p.ID.String(),
					"lockName": p.LockName,
					"instance": e.lockName,
				}).Warn("Re-serving a part download locked by a different instance")
			}
			p.LockName = e.lockName
			p.DownloadAttempts++
			if err := tx.PutPart(p); err != nil {
				return err
			}
			out = append(out, p)
		}

		for _, p := range forDevice(queued) {
			if len(out) >= limit {
				break
			}
			p.Status = message.PartDownloading
			p.LockName = e.lockName
			p.DownloadAttempts++
			if err := tx.PutPart(p); err != nil {
				return err
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnavailable, "claiming part downloads", err)
	}
	return out, nil
}

// AssemblyTask identifies a complete part set awaiting assembly.
type AssemblyTask struct {
	MessageID  uuid.UUID
	TotalParts int
}

// FindReadyAssemblies lists part sets whose queued count equals their
// totalParts. Used by the periodic sweep to rediscover work missed by
// fire-and-forget triggers.
func (e *Engine) FindReadyAssemblies(ctx context.Context) ([]AssemblyTask, error) {
	var tasks []AssemblyTask
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		queued, err := tx.PartsByStatus(message.PartQueuedForAssembly)
		if err != nil {
			return err
		}
		counts := make(map[uuid.UUID]int)
		totals := make(map[uuid.UUID]int)
		for _, p := range queued {
			counts[p.MessageID]++
			totals[p.MessageID] = p.TotalParts
		}
		for id, n := range counts {
			if n == totals[id] {
				tasks = append(tasks, AssemblyTask{MessageID: id, TotalParts: totals[id]})
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnavailable, "finding ready assemblies", err)
	}
	return tasks, nil
}

// ClaimPartsForAssembly atomically claims the complete part set of a
// message for assembly, returning the parts ordered by partNo. Fewer
// queued parts than totalParts means the set is incomplete; zero parts
// means another worker already assembled and deleted them. Both are
// benign and return nil without error.
func (e *Engine) ClaimPartsForAssembly(ctx context.Context, messageID uuid.UUID, totalParts int) ([]*message.Part, error) {
	var out []*message.Part
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		out = nil
		all, err := tx.PartsByMessage(messageID)
		if err != nil {
			return err
		}
		var queued []*message.Part
		for _, p := range all {
			if p.Status == message.PartQueuedForAssembly {
				queued = append(queued, p)
			}
		}
		if len(queued) != totalParts {
			// Incomplete set, or a sibling worker won the race.
			return nil
		}
		sort.Slice(queued, func(i, j int) bool { return queued[i].PartNo < queued[j].PartNo })
		for _, p := range queued {
			p.Status = message.PartAssembling
			p.LockName = e.lockName
			if err := tx.PutPart(p); err != nil {
				return err
			}
		}
		out = queued
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindServiceUnavailable, "claiming parts for assembly", err)
	}
	return out, nil
}

// DeleteParts removes every part of the given message.
func (e *Engine) DeleteParts(ctx context.Context, messageID uuid.UUID) (int, error) {
	n := 0
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		var err error
		n, err = tx.DeletePartsByMessage(messageID)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(errors.KindServiceUnavailable, "deleting parts", err)
	}
	return n, nil
}

// AcknowledgeMessage deletes a message after the device confirmed
// receipt. A missing row is a NotFound error, not a silent no-op.
func (e *Engine) AcknowledgeMessage(ctx context.Context, id uuid.UUID) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeleteMessage(id)
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errors.Ef(errors.KindNotFound, "message %s not found", id)
	}
	return errors.Wrap(errors.KindServiceUnavailable, "acknowledging message", err)
}

// AcknowledgePart deletes a part after the device confirmed receipt.
func (e *Engine) AcknowledgePart(ctx context.Context, id uuid.UUID) error {
	err := e.store.Update(ctx, func(tx storage.Tx) error {
		return tx.DeletePart(id)
	})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errors.Ef(errors.KindNotFound, "message part %s not found", id)
	}
	return errors.Wrap(errors.KindServiceUnavailable, "acknowledging part", err)
}

// IsArchived reports whether a message id has an archive entry; the
// orchestrator uses this as the de-duplication oracle.
func (e *Engine) IsArchived(ctx context.Context, id uuid.UUID) (bool, error) {
	var archived bool
	err := e.store.View(ctx, func(tx storage.ReadTx) error {
		var err error
		archived, err = tx.IsArchived(id)
		return err
	})
	if err != nil {
		return false, errors.Wrap(errors.KindServiceUnavailable, "checking archive", err)
	}
	return archived, nil
}

func isNotFound(err error) bool {
	return stderrors.Is(err, storage.ErrNotFound)
}
