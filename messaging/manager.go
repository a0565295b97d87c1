package messaging

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgspool/config"
	"github.com/opd-ai/msgspool/crypto"
	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/lifecycle"
	"github.com/opd-ai/msgspool/message"
	"github.com/opd-ai/msgspool/parts"
	"github.com/opd-ai/msgspool/storage"
)

// Manager is the messaging orchestrator. It owns the sequencing of
// de-duplication, type routing, secure-type enforcement, decryption and
// integrity verification, handler dispatch, archival, and part
// fan-out/fan-in, and runs the background processing and assembly
// workers.
type Manager struct {
	cfg       *config.Config
	store     storage.Store
	engine    *lifecycle.Engine
	registry  *Registry
	assembler *parts.Assembler
	masterKey []byte

	processCh  chan struct{}
	assembleCh chan lifecycle.AssemblyTask
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewManager creates an orchestrator. The configuration must carry a
// valid master key: a missing or malformed key is a fatal construction
// error, never deferred to call time. lockName identifies this instance
// on claimed rows.
func NewManager(cfg *config.Config, store storage.Store, registry *Registry, lockName string) (*Manager, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	masterKey, err := cfg.MasterKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("messaging: decoding master key: %w", err)
	}
	if lockName == "" {
		return nil, fmt.Errorf("messaging: lockName is required")
	}

	engine := lifecycle.NewEngine(store, lockName, cfg.RetryDelay(), cfg.MaximumProcessingAttempts)

	logrus.WithFields(logrus.Fields{
		"function": "NewManager",
		"lockName": lockName,
		"types":    len(registry.entries),
	}).Info("Messaging orchestrator created")

	return &Manager{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		registry:   registry,
		assembler:  parts.NewAssembler(engine),
		masterKey:  masterKey,
		processCh:  make(chan struct{}, 1),
		assembleCh: make(chan lifecycle.AssemblyTask, 64),
		stopCh:     make(chan struct{}),
	}, nil
}

// Engine exposes the lifecycle engine for operational tooling.
func (mgr *Manager) Engine() *lifecycle.Engine { return mgr.engine }

// SubmitMessage accepts one inbound message from a device and routes it
// through the full orchestration sequence. Synchronous types are
// processed inline and may return a response message; asynchronous
// types are queued, archived, and picked up by the background
// processor.
func (mgr *Manager) SubmitMessage(ctx context.Context, req *MessageRequest) *MessageResult {
	if err := req.Validate(); err != nil {
		return &MessageResult{Result: failure(err)}
	}
	return mgr.accept(ctx, req.toMessage())
}

// accept runs the orchestration sequence for an inbound message,
// whether it arrived directly or was reassembled from parts.
func (mgr *Manager) accept(ctx context.Context, m *message.Message) *MessageResult {
	log := logrus.WithFields(logrus.Fields{
		"function":  "accept",
		"messageId": m.ID.String(),
		"typeId":    m.TypeID,
		"username":  m.Username,
	})

	if !mgr.registry.CanProcess(m.TypeID) {
		log.Warn("Rejecting message of unrecognized type")
		return &MessageResult{Result: failure(
			errors.Ef(errors.KindUnrecognizedType, "no handler for type %q", m.TypeID))}
	}

	// Never process plaintext for a type that demands confidentiality.
	if mgr.registry.IsSecure(m.TypeID) && !m.IsEncrypted() {
		log.Warn("Rejecting plaintext message for secure type")
		return &MessageResult{Result: failure(
			errors.Ef(errors.KindCryptoFailure, "type %q requires encryption", m.TypeID))}
	}

	// At-least-once transport: a retransmitted message id that is
	// already archived was seen before. Accept without queueing or
	// re-archiving.
	archived, err := mgr.engine.IsArchived(ctx, m.ID)
	if err != nil {
		return &MessageResult{Result: failure(err)}
	}
	if archived {
		log.Debug("Duplicate submission of archived message, discarding")
		return &MessageResult{Result: success("duplicate")}
	}

	// Decrypt-then-verify before any dispatch decision. The stored copy
	// keeps the ciphertext; the plaintext feeds inline dispatch, and the
	// background processor re-derives it at claim time.
	var plain []byte
	if m.IsEncrypted() {
		var err error
		plain, err = mgr.decryptVerify(m)
		if err != nil {
			log.WithField("error", err.Error()).Warn("Inbound message failed decryption or verification")
			return &MessageResult{Result: failure(err)}
		}
	}

	if mgr.registry.SupportsSynchronous(m.TypeID) {
		return mgr.processSync(ctx, m, plain)
	}
	return mgr.queueAsync(ctx, m)
}

// processSync dispatches inline and delivers any handler response.
// plain is the verified plaintext for encrypted requests, nil otherwise.
func (mgr *Manager) processSync(ctx context.Context, m *message.Message, plain []byte) *MessageResult {
	working := m.Clone()
	if plain != nil {
		working.Payload = plain
	}

	if mgr.registry.IsArchivable(m.TypeID) {
		if err := mgr.archive(ctx, m); err != nil {
			return &MessageResult{Result: failure(err)}
		}
	}

	resp, err := mgr.registry.Dispatch(ctx, working)
	if err != nil {
		return &MessageResult{Result: failure(err)}
	}

	if resp != nil {
		// A response to an encrypted request must itself be encrypted.
		if m.IsEncrypted() {
			if err := mgr.encrypt(resp); err != nil {
				return &MessageResult{Result: failure(err)}
			}
		}
		if err := mgr.deliver(ctx, resp); err != nil {
			return &MessageResult{Result: failure(err)}
		}
	}
	return &MessageResult{Result: success("processed"), Response: resp}
}

// queueAsync persists the message for background processing, archives
// it, and signals the processor. The trigger is fire-and-forget: a
// missed signal is recovered by the periodic sweep.
func (mgr *Manager) queueAsync(ctx context.Context, m *message.Message) *MessageResult {
	if !mgr.registry.SupportsAsynchronous(m.TypeID) {
		return &MessageResult{Result: failure(
			errors.Ef(errors.KindServiceUnavailable, "type %q cannot be queued", m.TypeID))}
	}
	if len(m.Payload) > mgr.cfg.MaxMessageSize && !m.Assembled {
		return &MessageResult{Result: failure(errors.Ef(errors.KindInvalidArgument,
			"payload of %d bytes exceeds asynchronous maximum %d", len(m.Payload), mgr.cfg.MaxMessageSize))}
	}

	if err := mgr.engine.QueueForProcessing(ctx, m); err != nil {
		return &MessageResult{Result: failure(err)}
	}
	mgr.triggerProcessing()
	return &MessageResult{Result: success("queued")}
}

// SubmitPart accepts one inbound part. A part whose parent message is
// already archived is a retransmission and is discarded silently. When
// the part completes its set, the assembler is signalled.
func (mgr *Manager) SubmitPart(ctx context.Context, req *PartRequest) *PartResult {
	if err := req.Validate(); err != nil {
		return &PartResult{Result: failure(err)}
	}
	p := req.toPart()

	archived, err := mgr.engine.IsArchived(ctx, p.MessageID)
	if err != nil {
		return &PartResult{Result: failure(err)}
	}
	if archived {
		logrus.WithFields(logrus.Fields{
			"function":  "SubmitPart",
			"messageId": p.MessageID.String(),
			"partNo":    p.PartNo,
		}).Debug("Part of already archived message, discarding")
		return &PartResult{Result: success("duplicate")}
	}

	ready, err := mgr.engine.QueuePartForAssembly(ctx, p)
	if err != nil {
		return &PartResult{Result: failure(err)}
	}
	if ready {
		mgr.triggerAssembly(lifecycle.AssemblyTask{MessageID: p.MessageID, TotalParts: p.TotalParts})
	}
	return &PartResult{Result: success("queued")}
}

// DownloadMessages serves the next delivery batch for a device,
// favoring completion of interrupted downloads over starting new ones.
func (mgr *Manager) DownloadMessages(ctx context.Context, req *DownloadRequest) *MessageDownloadResponse {
	if err := req.Validate(); err != nil {
		return &MessageDownloadResponse{Result: failure(err)}
	}
	batch, err := mgr.engine.ClaimMessageDownloads(ctx, req.Username, req.DeviceID, mgr.cfg.DownloadBatchSize)
	if err != nil {
		return &MessageDownloadResponse{Result: failure(err)}
	}
	return &MessageDownloadResponse{Result: success("ok"), Messages: batch}
}

// DownloadParts serves the next part delivery batch for a device.
func (mgr *Manager) DownloadParts(ctx context.Context, req *DownloadRequest) *PartDownloadResponse {
	if err := req.Validate(); err != nil {
		return &PartDownloadResponse{Result: failure(err)}
	}
	batch, err := mgr.engine.ClaimPartDownloads(ctx, req.Username, req.DeviceID, mgr.cfg.DownloadBatchSize)
	if err != nil {
		return &PartDownloadResponse{Result: failure(err)}
	}
	return &PartDownloadResponse{Result: success("ok"), Parts: batch}
}

// ConfirmMessage deletes a delivered message after device receipt. An
// unknown id is reported, not swallowed.
func (mgr *Manager) ConfirmMessage(ctx context.Context, req *ReceivedRequest) *ReceivedResponse {
	if err := req.Validate(); err != nil {
		return &ReceivedResponse{Result: failure(err)}
	}
	if err := mgr.engine.AcknowledgeMessage(ctx, req.ID); err != nil {
		return &ReceivedResponse{Result: failure(err)}
	}
	return &ReceivedResponse{Result: success("deleted")}
}

// ConfirmPart deletes a delivered part after device receipt.
func (mgr *Manager) ConfirmPart(ctx context.Context, req *ReceivedRequest) *ReceivedResponse {
	if err := req.Validate(); err != nil {
		return &ReceivedResponse{Result: failure(err)}
	}
	if err := mgr.engine.AcknowledgePart(ctx, req.ID); err != nil {
		return &ReceivedResponse{Result: failure(err)}
	}
	return &ReceivedResponse{Result: success("deleted")}
}

// Send queues an outbound message for delivery to its device. Oversized
// payloads are transparently split into parts; either way the message
// is archived.
func (mgr *Manager) Send(ctx context.Context, m *message.Message) error {
	if m.ID == uuid.Nil {
		return errors.E(errors.KindInvalidArgument, "message id is required")
	}
	return mgr.deliver(ctx, m)
}

// deliver is the delivery-preparation step: split-and-queue or queue
// whole, always archived.
func (mgr *Manager) deliver(ctx context.Context, m *message.Message) error {
	if len(m.Payload) > mgr.cfg.MaxMessageSize {
		split, err := parts.Split(m, mgr.cfg.MaxPartSize)
		if err != nil {
			return err
		}
		if err := mgr.engine.QueuePartsForDownload(ctx, m, split); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"function":  "deliver",
			"messageId": m.ID.String(),
			"parts":     len(split),
			"bytes":     len(m.Payload),
		}).Debug("Queued oversized message as part set")
		return nil
	}
	return mgr.engine.QueueForDownload(ctx, m)
}

// archive writes the audit entry for a message outside any queueing
// path (synchronous archivable types).
func (mgr *Manager) archive(ctx context.Context, m *message.Message) error {
	err := mgr.store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutArchived(message.NewArchived(m))
	})
	if err != nil {
		return errors.Wrap(errors.KindServiceUnavailable, "archiving message", err)
	}
	return nil
}

// decryptVerify decrypts the payload with the sender's derived key and
// carried IV, then verifies the plaintext against the carried hash.
// The message itself is not modified.
func (mgr *Manager) decryptVerify(m *message.Message) ([]byte, error) {
	key, err := crypto.DeriveKey(mgr.masterKey, m.Username, m.DeviceID)
	if err != nil {
		return nil, errors.Wrap(errors.KindCryptoFailure, "deriving key", err)
	}
	iv, err := crypto.DecodeBase64(m.EncryptionIV)
	if err != nil {
		return nil, errors.Wrap(errors.KindCryptoFailure, "decoding IV", err)
	}
	plain, err := crypto.DecryptCBC(key, iv, m.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindCryptoFailure, "decrypting payload", err)
	}
	if got := crypto.ChecksumBase64(plain); got != m.DataHash {
		return nil, errors.Ef(errors.KindIntegrityFailure,
			"plaintext hash mismatch: %d ciphertext bytes, %d plaintext bytes, expected %s got %s",
			len(m.Payload), len(plain), m.DataHash, got)
	}
	return plain, nil
}

// encrypt encrypts the message payload in place under the recipient's
// derived key with a fresh IV, recording the plaintext hash and IV.
func (mgr *Manager) encrypt(m *message.Message) error {
	key, err := crypto.DeriveKey(mgr.masterKey, m.Username, m.DeviceID)
	if err != nil {
		return errors.Wrap(errors.KindCryptoFailure, "deriving key", err)
	}
	iv, err := crypto.GenerateIV()
	if err != nil {
		return errors.Wrap(errors.KindCryptoFailure, "generating IV", err)
	}
	hash := crypto.ChecksumBase64(m.Payload)
	ciphertext, err := crypto.EncryptCBC(key, iv, m.Payload)
	if err != nil {
		return errors.Wrap(errors.KindCryptoFailure, "encrypting payload", err)
	}
	m.Payload = ciphertext
	m.DataHash = hash
	m.EncryptionIV = crypto.EncodeBase64(iv)
	return nil
}
