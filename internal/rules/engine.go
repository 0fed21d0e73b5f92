package rules

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/presence"
)

// Engine applies a Ruleset to relay events.
type Engine struct {
	set    *Ruleset
	logger *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewEngine creates an Engine for set.
//
// Precondition: set must be validated; logger must be non-nil.
func NewEngine(set *Ruleset, logger *zap.Logger) *Engine {
	return &Engine{set: set, logger: logger}
}

// Connected schedules a presence announcement.
func (e *Engine) Connected(b presence.Broadcaster, _ presence.Session) {
	e.announce(b)
}

// Disconnected schedules a presence announcement.
func (e *Engine) Disconnected(b presence.Broadcaster, _ presence.Session, _ presence.CloseReason) {
	e.announce(b)
}

// Message fires every trigger whose tag matches msg.
func (e *Engine) Message(b presence.Broadcaster, s presence.Session, msg presence.Message) {
	for _, t := range e.set.Triggers {
		if !t.matches(msg) {
			continue
		}
		targets, ok := t.targets(b, s)
		if !ok {
			continue
		}
		n, err := b.Broadcast(t.Reply, targets...)
		if err != nil {
			e.logger.Error("trigger reply failed",
				zap.String("tag", t.Tag),
				zap.Int64("conn_id", s.ID),
				zap.Error(err),
			)
			continue
		}
		e.logger.Debug("trigger fired",
			zap.String("tag", t.Tag),
			zap.Int64("conn_id", s.ID),
			zap.String("target", string(t.Target)),
			zap.Int("delivered", n),
		)
	}
}

// Stop cancels any pending announcement. Later events announce nothing.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) announce(b presence.Broadcaster) {
	rule := e.set.Presence
	if rule.Tag == "" {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if rule.Delay == 0 {
		e.sendCount(b)
		return
	}
	if e.timer != nil {
		return
	}
	e.timer = time.AfterFunc(rule.Delay, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		e.timer = nil
		e.mu.Unlock()
		e.sendCount(b)
	})
}

func (e *Engine) sendCount(b presence.Broadcaster) {
	count := b.Count()
	n, err := b.Broadcast(map[string]int{e.set.Presence.Tag: count})
	if err != nil {
		e.logger.Error("presence announcement failed", zap.Error(err))
		return
	}
	e.logger.Debug("presence announced",
		zap.Int("count", count),
		zap.Int("delivered", n),
	)
}

func (t *Trigger) matches(msg presence.Message) bool {
	if t.Match == MatchPresent {
		return msg.Has(t.Tag)
	}
	return msg.Truthy(t.Tag)
}

// targets resolves the recipients. ok is false when nobody should receive the
// reply; an empty slice with ok true means everyone.
func (t *Trigger) targets(b presence.Broadcaster, s presence.Session) ([]*presence.Connection, bool) {
	switch t.Target {
	case TargetSender:
		c, found := b.Lookup(s.ID)
		if !found {
			return nil, false
		}
		return []*presence.Connection{c}, true
	case TargetOthers:
		var out []*presence.Connection
		for _, c := range b.Connections() {
			if c.ID() != s.ID {
				out = append(out, c)
			}
		}
		return out, len(out) > 0
	default:
		return nil, true
	}
}
