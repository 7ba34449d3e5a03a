package server

import (
	"log/slog"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// Engine routes events to registered sessions. Every operation snapshots the
// registry, releases the lock, then delivers.
type Engine struct {
	registry  *Registry
	metrics   *Metrics
	terminate func(s *Session, cause error)
	log       *slog.Logger
}

// NewEngine creates a delivery engine. terminate closes a session through
// the normal lifecycle path; it is called for failed recipients and for
// forced disconnects.
func NewEngine(registry *Registry, metrics *Metrics, terminate func(*Session, error), log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{registry: registry, metrics: metrics, terminate: terminate, log: log}
}

type failedDelivery struct {
	session *Session
	err     error
}

// Broadcast delivers ev to every registered session and returns how many
// accepted it.
func (e *Engine) Broadcast(ev protocol.Event) int {
	return e.deliverAll(e.registry.SnapshotAll(), ev)
}

// SendToOne delivers ev to every session of userID. It is a no-op when the
// identity is offline.
func (e *Engine) SendToOne(userID int64, ev protocol.Event) int {
	return e.deliverAll(e.registry.Find(userID), ev)
}

// ForceDisconnect sends a ForcedDisconnectNotice to every session of userID
// and then closes them. The notice is flushed before the transport closes.
func (e *Engine) ForceDisconnect(userID int64, reason string) int {
	sessions := e.registry.Find(userID)
	notice := protocol.ForcedDisconnectNotice{Reason: reason}
	for _, s := range sessions {
		if err := s.Deliver(notice); err != nil {
			e.log.Debug("forced disconnect notice dropped", "session", s.ID, "err", err)
		}
		e.terminate(s, ErrBanned)
	}
	return len(sessions)
}

// deliverAll terminates failed recipients only after every recipient has
// been offered ev, so events caused by a termination never overtake ev.
func (e *Engine) deliverAll(sessions []*Session, ev protocol.Event) int {
	var (
		delivered int
		failed    []failedDelivery
	)
	for _, s := range sessions {
		if err := s.Deliver(ev); err != nil {
			failed = append(failed, failedDelivery{session: s, err: err})
			continue
		}
		delivered++
	}
	if e.metrics != nil {
		e.metrics.EventsQueued.Add(int64(delivered))
	}

	for _, f := range failed {
		e.log.Warn("dropping slow consumer", "session", f.session.ID, "user", f.session.UserID(), "kind", ev.Kind(), "err", f.err)
		if e.metrics != nil {
			e.metrics.SlowConsumers.Add(1)
		}
		e.terminate(f.session, f.err)
	}
	return delivered
}
