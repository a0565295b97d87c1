package messaging

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgspool/config"
	"github.com/opd-ai/msgspool/crypto"
	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
	"github.com/opd-ai/msgspool/storage"
)

const testLockName = "test-instance-1"

var testMasterKey = []byte("0123456789abcdef0123456789abcdef")

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MasterKey = base64.StdEncoding.EncodeToString(testMasterKey)
	return cfg
}

// recordingHandler captures the message each dispatch saw and returns a
// canned reply.
type recordingHandler struct {
	seen  []*message.Message
	reply *message.Message
	err   error
}

func (h *recordingHandler) Handle(_ context.Context, m *message.Message) (*message.Message, error) {
	h.seen = append(h.seen, m)
	return h.reply, h.err
}

func testRegistry(t *testing.T, handlers ...*recordingHandler) *Registry {
	t.Helper()
	var ping, report, secure Handler = echoHandler(), echoHandler(), echoHandler()
	if len(handlers) > 0 && handlers[0] != nil {
		ping = handlers[0]
	}
	if len(handlers) > 1 && handlers[1] != nil {
		report = handlers[1]
	}
	if len(handlers) > 2 && handlers[2] != nil {
		secure = handlers[2]
	}
	registry, err := NewRegistry([]HandlerConfig{
		{TypeID: "ping", Synchronous: true, Handler: ping},
		{TypeID: "report", Archivable: true, Asynchronous: true, Handler: report},
		{TypeID: "secure-report", Archivable: true, Secure: true, Asynchronous: true, Handler: secure},
	})
	require.NoError(t, err)
	return registry
}

func newTestManager(t *testing.T, cfg *config.Config, registry *Registry) (*Manager, storage.Store) {
	t.Helper()
	store := storage.NewMemoryStore()
	mgr, err := NewManager(cfg, store, registry, testLockName)
	require.NoError(t, err)
	return mgr, store
}

// encryptRequest produces the wire form a device would submit: CBC
// ciphertext under the derived key, plaintext hash, base64 IV.
func encryptRequest(t *testing.T, username, deviceID string, plain []byte) (payload []byte, hash, ivB64 string) {
	t.Helper()
	key, err := crypto.DeriveKey(testMasterKey, username, deviceID)
	require.NoError(t, err)
	iv, err := crypto.GenerateIV()
	require.NoError(t, err)
	ciphertext, err := crypto.EncryptCBC(key, iv, plain)
	require.NoError(t, err)
	return ciphertext, crypto.ChecksumBase64(plain), crypto.EncodeBase64(iv)
}

func messageByID(t *testing.T, store storage.Store, id uuid.UUID) *message.Message {
	t.Helper()
	var m *message.Message
	err := store.View(context.Background(), func(tx storage.ReadTx) error {
		var err error
		m, err = tx.Message(id)
		return err
	})
	require.NoError(t, err)
	return m
}

func messagesInStatus(t *testing.T, store storage.Store, status message.Status) []*message.Message {
	t.Helper()
	var out []*message.Message
	err := store.View(context.Background(), func(tx storage.ReadTx) error {
		var err error
		out, err = tx.MessagesByStatus(status)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	registry := testRegistry(t)

	_, err := NewManager(&config.Config{}, storage.NewMemoryStore(), registry, testLockName)
	assert.Error(t, err, "missing master key must fail at construction")

	cfg := testConfig()
	cfg.MasterKey = "not base64!"
	_, err = NewManager(cfg, storage.NewMemoryStore(), registry, testLockName)
	assert.Error(t, err)

	_, err = NewManager(testConfig(), storage.NewMemoryStore(), registry, "")
	assert.Error(t, err, "empty lock name must fail at construction")
}

func TestSubmitMessageRejectsInvalidRequest(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), testRegistry(t))

	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       uuid.New(),
		Username: "", // missing
		DeviceID: "device-1",
		TypeID:   "ping",
	})
	assert.Equal(t, errors.CodeInvalidRequest, res.Code)
}

func TestSubmitMessageUnknownType(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), testRegistry(t))

	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "mystery",
	})
	assert.Equal(t, errors.CodeUnrecognizedType, res.Code)
}

func TestSecureTypeRejectsPlaintext(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "secure-report",
		Payload:  []byte("cleartext"),
	})
	assert.Equal(t, errors.CodeDecryptionFailed, res.Code)
	assert.Empty(t, messagesInStatus(t, store, message.StatusQueuedForProcessing))
}

func TestSubmitSynchronousReturnsResponse(t *testing.T) {
	handler := &recordingHandler{
		reply: message.New("alice", "device-1", "ping-reply", []byte("pong")),
	}
	mgr, store := newTestManager(t, testConfig(), testRegistry(t, handler))

	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "ping",
		Payload:  []byte("ping?"),
	})
	require.True(t, res.OK(), res.Trace)
	require.NotNil(t, res.Response)
	assert.Equal(t, []byte("pong"), res.Response.Payload)
	require.Len(t, handler.seen, 1)
	assert.Equal(t, []byte("ping?"), handler.seen[0].Payload)

	// The reply is also queued for the device to download.
	queued := messagesInStatus(t, store, message.StatusQueuedForDownload)
	require.Len(t, queued, 1)
	assert.Equal(t, handler.reply.ID, queued[0].ID)
}

func TestSubmitSynchronousEncrypted(t *testing.T) {
	plainReply := []byte("pong")
	handler := &recordingHandler{
		reply: message.New("alice", "device-1", "ping-reply", plainReply),
	}
	mgr, _ := newTestManager(t, testConfig(), testRegistry(t, handler))

	plain := []byte("ping?")
	payload, hash, iv := encryptRequest(t, "alice", "device-1", plain)
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:           uuid.New(),
		Username:     "alice",
		DeviceID:     "device-1",
		TypeID:       "ping",
		Payload:      payload,
		DataHash:     hash,
		EncryptionIV: iv,
	})
	require.True(t, res.OK(), res.Trace)

	// The handler saw the verified plaintext, never the ciphertext.
	require.Len(t, handler.seen, 1)
	assert.Equal(t, plain, handler.seen[0].Payload)

	// The reply to an encrypted request is itself encrypted.
	require.NotNil(t, res.Response)
	assert.True(t, res.Response.IsEncrypted())
	assert.NotEqual(t, plainReply, res.Response.Payload)
	assert.Equal(t, crypto.ChecksumBase64(plainReply), res.Response.DataHash)
}

func TestSubmitAsynchronousQueuesAndArchives(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	id := uuid.New()
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       id,
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "report",
		Payload:  []byte("daily report"),
	})
	require.True(t, res.OK(), res.Trace)

	stored := messageByID(t, store, id)
	assert.Equal(t, message.StatusQueuedForProcessing, stored.Status)

	archived, err := mgr.Engine().IsArchived(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, archived)
}

func TestDuplicateSubmissionDiscarded(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	req := &MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "report",
		Payload:  []byte("once"),
	}
	require.True(t, mgr.SubmitMessage(context.Background(), req).OK())

	// Simulate completed processing, then a transport retransmission.
	claimed, err := mgr.Engine().ClaimNextForProcessing(context.Background())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, mgr.Engine().CompleteProcessing(context.Background(), claimed.ID))

	res := mgr.SubmitMessage(context.Background(), req)
	assert.True(t, res.OK())
	assert.Equal(t, "duplicate", res.Detail)
	assert.Empty(t, messagesInStatus(t, store, message.StatusQueuedForProcessing))
}

func TestTamperedPayloadRejected(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	payload, _, iv := encryptRequest(t, "alice", "device-1", []byte("genuine"))
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:           uuid.New(),
		Username:     "alice",
		DeviceID:     "device-1",
		TypeID:       "report",
		Payload:      payload,
		DataHash:     crypto.ChecksumBase64([]byte("forged")),
		EncryptionIV: iv,
	})
	assert.Equal(t, errors.CodeDecryptionFailed, res.Code)
	assert.Empty(t, messagesInStatus(t, store, message.StatusQueuedForProcessing))
}

func TestAsynchronousOversizedRejected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 16
	mgr, _ := newTestManager(t, cfg, testRegistry(t))

	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "report",
		Payload:  []byte("well over sixteen bytes of payload"),
	})
	assert.Equal(t, errors.CodeInvalidRequest, res.Code)
}

func TestDownloadMessagesBatchBound(t *testing.T) {
	cfg := testConfig()
	cfg.DownloadBatchSize = 3
	mgr, _ := newTestManager(t, cfg, testRegistry(t))

	for i := 0; i < 5; i++ {
		m := message.New("bob", "device-9", "ping-reply", []byte("r"))
		require.NoError(t, mgr.Send(context.Background(), m))
	}

	resp := mgr.DownloadMessages(context.Background(), &DownloadRequest{Username: "bob", DeviceID: "device-9"})
	require.True(t, resp.OK(), resp.Trace)
	assert.Len(t, resp.Messages, 3)

	// The second call re-serves the unacknowledged batch before
	// touching the remaining two.
	resp = mgr.DownloadMessages(context.Background(), &DownloadRequest{Username: "bob", DeviceID: "device-9"})
	require.True(t, resp.OK())
	assert.Len(t, resp.Messages, 3)
}

func TestConfirmMessageDeletes(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	m := message.New("bob", "device-9", "ping-reply", []byte("r"))
	require.NoError(t, mgr.Send(context.Background(), m))

	resp := mgr.DownloadMessages(context.Background(), &DownloadRequest{Username: "bob", DeviceID: "device-9"})
	require.Len(t, resp.Messages, 1)

	ack := mgr.ConfirmMessage(context.Background(), &ReceivedRequest{ID: m.ID})
	require.True(t, ack.OK(), ack.Trace)

	err := store.View(context.Background(), func(tx storage.ReadTx) error {
		_, err := tx.Message(m.ID)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A second acknowledgement reports the unknown id.
	ack = mgr.ConfirmMessage(context.Background(), &ReceivedRequest{ID: m.ID})
	assert.Equal(t, errors.CodeInvalidRequest, ack.Code)
}

func TestSendSplitsOversized(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 32
	cfg.MaxPartSize = 32
	mgr, store := newTestManager(t, cfg, testRegistry(t))

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	m := message.New("bob", "device-9", "ping-reply", payload)
	require.NoError(t, mgr.Send(context.Background(), m))

	var queued []*message.Part
	err := store.View(context.Background(), func(tx storage.ReadTx) error {
		var err error
		queued, err = tx.PartsByStatus(message.PartQueuedForDownload)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, queued, 4) // ceil(100/32)

	// The whole message is archived, not stored as a row.
	archived, err := mgr.Engine().IsArchived(context.Background(), m.ID)
	require.NoError(t, err)
	assert.True(t, archived)
	err = store.View(context.Background(), func(tx storage.ReadTx) error {
		_, err := tx.Message(m.ID)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSendRequiresID(t *testing.T) {
	mgr, _ := newTestManager(t, testConfig(), testRegistry(t))

	err := mgr.Send(context.Background(), &message.Message{Username: "bob", DeviceID: "d", TypeID: "ping-reply"})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestBackgroundProcessingEndToEnd(t *testing.T) {
	handler := &recordingHandler{}
	mgr, store := newTestManager(t, testConfig(), testRegistry(t, nil, nil, handler))

	plain := []byte("confidential report")
	payload, hash, iv := encryptRequest(t, "alice", "device-1", plain)
	id := uuid.New()
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:           id,
		Username:     "alice",
		DeviceID:     "device-1",
		TypeID:       "secure-report",
		Payload:      payload,
		DataHash:     hash,
		EncryptionIV: iv,
	})
	require.True(t, res.OK(), res.Trace)

	// The stored row keeps the ciphertext until a worker claims it.
	stored := messageByID(t, store, id)
	assert.Equal(t, payload, stored.Payload)

	mgr.drainProcessing(context.Background())

	require.Len(t, handler.seen, 1)
	assert.Equal(t, plain, handler.seen[0].Payload)

	err := store.View(context.Background(), func(tx storage.ReadTx) error {
		_, err := tx.Message(id)
		return err
	})
	assert.ErrorIs(t, err, storage.ErrNotFound, "processed message must be deleted")
}

func TestBackgroundProcessingExhaustionFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaximumProcessingAttempts = 1
	handler := &recordingHandler{err: assert.AnError}
	mgr, store := newTestManager(t, cfg, testRegistry(t, nil, handler))

	id := uuid.New()
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:       id,
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "report",
		Payload:  []byte("doomed"),
	})
	require.True(t, res.OK(), res.Trace)

	mgr.drainProcessing(context.Background())

	stored := messageByID(t, store, id)
	assert.Equal(t, message.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.ProcessAttempts)
	assert.Empty(t, stored.LockName)
	require.Len(t, handler.seen, 1)
}

func TestCorruptedStoredRowAborts(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	payload, hash, iv := encryptRequest(t, "alice", "device-1", []byte("original"))
	id := uuid.New()
	res := mgr.SubmitMessage(context.Background(), &MessageRequest{
		ID:           id,
		Username:     "alice",
		DeviceID:     "device-1",
		TypeID:       "report",
		Payload:      payload,
		DataHash:     hash,
		EncryptionIV: iv,
	})
	require.True(t, res.OK(), res.Trace)

	// Corrupt the stored hash to simulate at-rest damage after the
	// intake verification passed.
	err := store.Update(context.Background(), func(tx storage.Tx) error {
		m, err := tx.Message(id)
		if err != nil {
			return err
		}
		m.DataHash = crypto.ChecksumBase64([]byte("something else"))
		return tx.PutMessage(m)
	})
	require.NoError(t, err)

	mgr.drainProcessing(context.Background())

	stored := messageByID(t, store, id)
	assert.Equal(t, message.StatusAborted, stored.Status)
}

func TestResetLocksRequeuesInFlight(t *testing.T) {
	mgr, store := newTestManager(t, testConfig(), testRegistry(t))

	m := message.New("alice", "device-1", "report", []byte("interrupted"))
	m.Status = message.StatusProcessing
	m.LockName = "crashed-instance"
	require.NoError(t, store.Update(context.Background(), func(tx storage.Tx) error {
		return tx.PutMessage(m)
	}))

	require.NoError(t, mgr.resetLocks(context.Background()))

	stored := messageByID(t, store, m.ID)
	assert.Equal(t, message.StatusQueuedForProcessing, stored.Status)
	assert.Empty(t, stored.LockName)
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.SweepInterval = 60_000 // keep the sweep out of the way
	mgr, _ := newTestManager(t, cfg, testRegistry(t))

	ctx := context.Background()
	require.NoError(t, mgr.Start(ctx))
	require.NoError(t, mgr.Start(ctx))

	done := make(chan struct{})
	go func() {
		mgr.Stop()
		mgr.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
