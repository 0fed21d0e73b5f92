// Package audit records connection sessions to a persistent store.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/presence"
	"github.com/cory-johannsen/relay/internal/storage/postgres"
)

// ReasonRestart marks sessions left open by a previous process.
const ReasonRestart = "restart"

// Store persists session rows. *postgres.SessionRepository implements it.
type Store interface {
	Open(ctx context.Context, rec postgres.SessionRecord) error
	Close(ctx context.Context, key uuid.UUID, reason string, at time.Time) error
	CloseAllOpen(ctx context.Context, reason string, at time.Time) (int64, error)
}

type event struct {
	open   bool
	rec    postgres.SessionRecord
	reason string
	at     time.Time
}

// Recorder is a presence.Extension that writes connects and disconnects to a
// Store from a single background worker, so store latency never delays the
// relay. Events for one session are written in the order they happened.
type Recorder struct {
	store   Store
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.RWMutex
	events  chan event
	stopped bool
	done    chan struct{}
}

// NewRecorder creates a Recorder and starts its worker.
//
// Precondition: store and logger must be non-nil; buffer > 0; timeout > 0.
// Postcondition: Returns a running Recorder; call Stop to flush and release it.
func NewRecorder(store Store, buffer int, timeout time.Duration, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:   store,
		timeout: timeout,
		logger:  logger,
		events:  make(chan event, buffer),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Start closes sessions that a previous process left open.
func (r *Recorder) Start(presence.Broadcaster) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	n, err := r.store.CloseAllOpen(ctx, ReasonRestart, time.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("closed stale audit sessions", zap.Int64("count", n))
	}
	return nil
}

// Connected queues an open row for s.
func (r *Recorder) Connected(_ presence.Broadcaster, s presence.Session) {
	r.enqueue(event{
		open: true,
		rec: postgres.SessionRecord{
			Key:         s.Key,
			ConnID:      s.ID,
			RemoteAddr:  s.RemoteAddr,
			ConnectedAt: s.ConnectedAt,
		},
	})
}

// Disconnected queues the close of s.
func (r *Recorder) Disconnected(_ presence.Broadcaster, s presence.Session, reason presence.CloseReason) {
	r.enqueue(event{
		rec:    postgres.SessionRecord{Key: s.Key, ConnID: s.ID},
		reason: string(reason),
		at:     time.Now(),
	})
}

// Message is not audited.
func (r *Recorder) Message(presence.Broadcaster, presence.Session, presence.Message) {}

// Stop writes every queued event and stops the worker. Events arriving after
// Stop are dropped. Safe to call more than once.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(ev event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("audit queue full, dropping event",
			zap.Int64("conn_id", ev.rec.ConnID),
			zap.Bool("open", ev.open),
		)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		r.write(ev)
	}
}

func (r *Recorder) write(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	if ev.open {
		err = r.store.Open(ctx, ev.rec)
	} else {
		err = r.store.Close(ctx, ev.rec.Key, ev.reason, ev.at)
	}
	if err != nil {
		r.logger.Warn("audit write failed",
			zap.Int64("conn_id", ev.rec.ConnID),
			zap.String("session", ev.rec.Key.String()),
			zap.Bool("open", ev.open),
			zap.Error(err),
		)
	}
}
