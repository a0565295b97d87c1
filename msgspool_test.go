package msgspool

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/msgspool/config"
	"github.com/opd-ai/msgspool/message"
	"github.com/opd-ai/msgspool/messaging"
)

func testServiceConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.MasterKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	cfg.DataDir = dataDir
	return cfg
}

func echoRegistry(t *testing.T) *messaging.Registry {
	t.Helper()
	registry, err := messaging.NewRegistry([]messaging.HandlerConfig{{
		TypeID:      "echo",
		Synchronous: true,
		Handler: messaging.HandlerFunc(
			func(_ context.Context, m *message.Message) (*message.Message, error) {
				reply := message.New(m.Username, m.DeviceID, "echo-reply", m.Payload)
				return reply, nil
			}),
	}})
	require.NoError(t, err)
	return registry
}

func TestServiceInMemoryRoundTrip(t *testing.T) {
	svc, err := New(testServiceConfig(t, ""), echoRegistry(t), "node-1")
	require.NoError(t, err)
	defer svc.Close()

	res := svc.Manager.SubmitMessage(context.Background(), &messaging.MessageRequest{
		ID:       uuid.New(),
		Username: "alice",
		DeviceID: "device-1",
		TypeID:   "echo",
		Payload:  []byte("hello"),
	})
	require.True(t, res.OK(), res.Trace)
	require.NotNil(t, res.Response)
	assert.Equal(t, []byte("hello"), res.Response.Payload)
}

func TestServicePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	svc, err := New(testServiceConfig(t, dir), echoRegistry(t), "node-1")
	require.NoError(t, err)

	m := message.New("bob", "device-9", "echo-reply", []byte("held for pickup"))
	m.ID = id
	require.NoError(t, svc.Manager.Send(context.Background(), m))
	require.NoError(t, svc.Close())

	svc, err = New(testServiceConfig(t, dir), echoRegistry(t), "node-1")
	require.NoError(t, err)
	defer svc.Close()

	resp := svc.Manager.DownloadMessages(context.Background(),
		&messaging.DownloadRequest{Username: "bob", DeviceID: "device-9"})
	require.True(t, resp.OK(), resp.Trace)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, id, resp.Messages[0].ID)
	assert.Equal(t, []byte("held for pickup"), resp.Messages[0].Payload)
}

func TestServiceRejectsBadConfig(t *testing.T) {
	cfg := testServiceConfig(t, "")
	cfg.MasterKey = ""
	_, err := New(cfg, echoRegistry(t), "node-1")
	assert.Error(t, err)
}
