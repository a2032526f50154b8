package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beam-cloud/handoff/pkg/common"
	"github.com/beam-cloud/handoff/pkg/repository"
	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

// EventChannel is the pub/sub channel live UIs subscribe to
const EventChannel = "handoff:progress"

// StoreSink forwards each event to the session store and, when a redis
// client is configured, publishes it for live subscribers. Both writes
// happen behind the reporter's single Forward call.
type StoreSink struct {
	store repository.SessionStore
	rdb   *common.RedisClient
}

func NewStoreSink(store repository.SessionStore, rdb *common.RedisClient) *StoreSink {
	return &StoreSink{store: store, rdb: rdb}
}

func (s *StoreSink) Forward(ctx context.Context, event types.ProgressEvent) error {
	if err := s.store.UpdateProgress(ctx, event); err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}

	if s.rdb != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			return nil
		}
		if err := s.rdb.Publish(ctx, EventChannel, payload).Err(); err != nil {
			// Live fan-out is best effort; the store write already landed
			log.Debug().Err(err).Str("session_id", event.SessionID).Msg("progress publish failed")
		}
	}

	return nil
}
