package server

import (
	"context"
	"errors"
	"github.com/cirruslabs/termdesk/internal/store"
	"go.uber.org/zap"
	"sync"
	"time"
)

type lifecycleEvent struct {
	sessionID string
	live      bool
}

// lifecycleQueue decouples the registry, which reports session lifecycle changes
// while holding its lock, from the store, which may block on I/O.
type lifecycleQueue struct {
	lock   sync.Mutex
	events []lifecycleEvent
	wakeup chan struct{}
}

func newLifecycleQueue() *lifecycleQueue {
	return &lifecycleQueue{
		wakeup: make(chan struct{}, 1),
	}
}

// Push never blocks.
func (queue *lifecycleQueue) Push(sessionID string, live bool) {
	queue.lock.Lock()
	queue.events = append(queue.events, lifecycleEvent{sessionID: sessionID, live: live})
	queue.lock.Unlock()

	select {
	case queue.wakeup <- struct{}{}:
	default:
	}
}

func (queue *lifecycleQueue) takeAll() []lifecycleEvent {
	queue.lock.Lock()
	defer queue.lock.Unlock()

	events := queue.events
	queue.events = nil

	return events
}

func (ts *TermdeskServer) consumeLifecycleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ts.lifecycle.wakeup:
			ts.applyLifecycleEvents(ctx)
		}
	}
}

func (ts *TermdeskServer) applyLifecycleEvents(ctx context.Context) {
	for _, event := range ts.lifecycle.takeAll() {
		logger := ts.logger.With(SessionIDField(event.sessionID))

		err := ts.store.SetActive(ctx, event.sessionID, event.live)
		switch {
		case err == nil:
			logger.Debug("updated session record", zap.Bool("active", event.live))
		case errors.Is(err, store.ErrNotFound):
			// Sessions joined directly over WebSocket have no record
			logger.Debug("no record for session, skipping lifecycle update")
		default:
			logger.Warn("failed to update session record", zap.Error(err))
		}
	}
}

// sweepRecords removes inactive session records older than the configured retention.
// Records that are still marked active, but have no members, e.g. sessions that were
// created and never joined, are deactivated first so that they're removed too.
func (ts *TermdeskServer) sweepRecords(ctx context.Context) {
	cutoff := time.Now().Add(-ts.recordRetention)

	abandoned, err := ts.store.ListActiveBefore(ctx, cutoff)
	if err != nil {
		ts.logger.Warn("failed to list active session records", zap.Error(err))

		return
	}

	for _, record := range abandoned {
		if ts.registry.Live(record.SessionID) {
			continue
		}

		if err := ts.store.SetActive(ctx, record.SessionID, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			ts.logger.Warn("failed to deactivate abandoned session record", SessionIDField(record.SessionID),
				zap.Error(err))
		}
	}

	deleted, err := ts.store.DeleteInactiveBefore(ctx, cutoff)
	if err != nil {
		ts.logger.Warn("failed to sweep inactive session records", zap.Error(err))

		return
	}

	if deleted != 0 {
		ts.logger.Info("swept inactive session records", zap.Int("deleted", deleted),
			zap.Time("cutoff", cutoff))
	}
}
