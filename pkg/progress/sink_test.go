package progress

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/beam-cloud/handoff/pkg/common"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *common.RedisClient {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb, err := common.NewRedisClient(types.RedisConfig{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestStoreSinkUpdatesStore(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySessionStore()
	sessionID, err := store.CreateSession(ctx, "call-1", "task", "", types.AgentModeCode, []byte("secret"))
	require.NoError(t, err)

	sink := NewStoreSink(store, nil)
	err = sink.Forward(ctx, types.ProgressEvent{
		SessionID: sessionID,
		Stage:     types.StageExecuting,
		Message:   "running",
	})
	require.NoError(t, err)

	session, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.StageExecuting, session.Stage)
	assert.Equal(t, "running", session.Message)
}

func TestStoreSinkStoreFailureSurfaces(t *testing.T) {
	sink := NewStoreSink(repository.NewMemorySessionStore(), nil)

	err := sink.Forward(context.Background(), types.ProgressEvent{
		SessionID: "missing",
		Stage:     types.StageExecuting,
	})
	require.Error(t, err)
}

func TestStoreSinkPublishesToRedis(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemorySessionStore()
	sessionID, err := store.CreateSession(ctx, "call-1", "task", "", types.AgentModeCode, []byte("secret"))
	require.NoError(t, err)

	rdb := newTestRedis(t)
	messages, cancel := rdb.SubscribeChannel(ctx, EventChannel)
	defer cancel()

	sink := NewStoreSink(store, rdb)
	err = sink.Forward(ctx, types.ProgressEvent{
		SessionID:  sessionID,
		ToolCallID: "call-1",
		Stage:      types.StageVMReady,
		Message:    "sandbox ready",
		InstanceID: "inst-1",
	})
	require.NoError(t, err)

	select {
	case msg := <-messages:
		var event types.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &event))
		assert.Equal(t, sessionID, event.SessionID)
		assert.Equal(t, types.StageVMReady, event.Stage)
		assert.Equal(t, "inst-1", event.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress event published")
	}
}
