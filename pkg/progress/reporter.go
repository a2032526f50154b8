// Package progress implements the ordered, non-blocking progress queue
// shared by all concurrent delegations in the process.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/rs/zerolog/log"
)

const flushPollInterval = 10 * time.Millisecond

// Sink receives each dequeued event exactly once. A failed forward is
// logged and the event dropped; progress is observability and never
// retries into the critical path.
type Sink interface {
	Forward(ctx context.Context, event types.ProgressEvent) error
}

// Reporter is a process-wide FIFO with a single drain loop. Events from
// one delegation keep their enqueue order because its control flow only
// ever enqueues sequentially; events from different delegations may
// interleave, which is safe since every event carries its own addressing.
type Reporter struct {
	sink Sink

	mu       sync.Mutex
	queue    []types.ProgressEvent
	draining bool
}

func NewReporter(sink Sink) *Reporter {
	return &Reporter{sink: sink}
}

// Extra carries optional addressing attached to an event
type Extra struct {
	SandboxSessionID string
	InstanceID       string
}

// Report enqueues a stage-transition event and returns immediately. The
// drain loop is (re)started whenever an item lands and none is running.
func (r *Reporter) Report(sessionID, toolCallID string, stage types.Stage, message string, extra *Extra) {
	event := types.ProgressEvent{
		SessionID:  sessionID,
		ToolCallID: toolCallID,
		Stage:      stage,
		Message:    message,
	}
	if extra != nil {
		event.SandboxSessionID = extra.SandboxSessionID
		event.InstanceID = extra.InstanceID
	}

	r.mu.Lock()
	r.queue = append(r.queue, event)
	startDrain := !r.draining
	if startDrain {
		r.draining = true
	}
	r.mu.Unlock()

	if startDrain {
		go r.drain()
	}
}

func (r *Reporter) drain() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.draining = false
			r.mu.Unlock()
			return
		}
		event := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		if err := r.sink.Forward(context.Background(), event); err != nil {
			log.Warn().
				Err(err).
				Str("session_id", event.SessionID).
				Str("stage", string(event.Stage)).
				Msg("dropping progress event after failed forward")
		}
	}
}

// Flush cooperatively waits until the queue is empty and the drain loop
// idle, so no caller observes a stale stage after a delegation returns.
func (r *Reporter) Flush(ctx context.Context) error {
	for {
		r.mu.Lock()
		idle := len(r.queue) == 0 && !r.draining
		r.mu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(flushPollInterval):
		}
	}
}

// Pending returns the current queue depth
func (r *Reporter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}
