package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted on both bindings
	ActiveConnections atomic.Int64 // current open connections
	FailedAuths       atomic.Int64 // failed login attempts (bad password, banned, throttled)
	SuccessfulAuths   atomic.Int64 // logins and registrations that reached Authenticated
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Delivery counters
	EventsQueued  atomic.Int64 // events accepted into session queues by the engine
	SlowConsumers atomic.Int64 // sessions closed because their queue was full
	WriteErrors   atomic.Int64 // sessions closed because a write failed
	DecodeErrors  atomic.Int64 // malformed requests answered with an error notice

	// Chat counters
	GroupMessages   atomic.Int64 // group messages relayed
	PrivateMessages atomic.Int64 // private messages relayed

	// Admin counters
	BanCount    atomic.Int64 // users banned
	RoleChanges atomic.Int64 // roles changed
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	OnlineSessions    int64 `json:"online_sessions"`

	EventsQueued  int64 `json:"events_queued"`
	SlowConsumers int64 `json:"slow_consumers"`
	WriteErrors   int64 `json:"write_errors"`
	DecodeErrors  int64 `json:"decode_errors"`

	GroupMessages   int64 `json:"group_messages"`
	PrivateMessages int64 `json:"private_messages"`

	BanCount    int64 `json:"ban_count"`
	RoleChanges int64 `json:"role_changes"`
}

// Snapshot returns a read-consistent snapshot of all metrics. online is the
// registry's session count.
func (m *Metrics) Snapshot(online int) MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		OnlineSessions:    int64(online),
		EventsQueued:      m.EventsQueued.Load(),
		SlowConsumers:     m.SlowConsumers.Load(),
		WriteErrors:       m.WriteErrors.Load(),
		DecodeErrors:      m.DecodeErrors.Load(),
		GroupMessages:     m.GroupMessages.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		BanCount:          m.BanCount.Load(),
		RoleChanges:       m.RoleChanges.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON(online int) string {
	data, err := json.MarshalIndent(m.Snapshot(online), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary(online int) {
	s := m.Snapshot(online)
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"online_sessions", s.OnlineSessions,
		"events_queued", s.EventsQueued,
		"slow_consumers", s.SlowConsumers,
		"group_msgs", s.GroupMessages,
		"private_msgs", s.PrivateMessages,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, online func() int, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary(online())
			}
		}
	}()
}
