package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler routes the WebSocket binding and the operational endpoints:
//
//	GET /ws            text binding
//	GET /metrics       Prometheus exposition
//	GET /metrics.json  metrics snapshot as JSON
//	GET /healthz       liveness
func (s *Server) HTTPHandler() http.Handler {
	reg := newPromRegistry(s.metrics, s.ctrl.Registry().Count)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleWS)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON(s.ctrl.Registry().Count())))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// newPromRegistry exposes the atomic counters through function collectors
// so the hot path never touches prometheus.
func newPromRegistry(m *Metrics, online func() int) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "gorelay", Name: name, Help: help},
			func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "gorelay", Name: name, Help: help}, f)
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		gauge("uptime_seconds", "Server uptime in seconds.",
			func() float64 { return time.Since(m.startTime).Seconds() }),
		gauge("connections_active", "Current open connections on both bindings.",
			func() float64 { return float64(m.ActiveConnections.Load()) }),
		gauge("sessions_online", "Authenticated sessions in the registry.",
			func() float64 { return float64(online()) }),

		counter("connections_total", "Lifetime connections accepted.", &m.TotalConnections),
		counter("disconnects_total", "Total client disconnects.", &m.TotalDisconnects),
		counter("auth_success_total", "Successful logins and registrations.", &m.SuccessfulAuths),
		counter("auth_failed_total", "Failed authentication attempts.", &m.FailedAuths),

		counter("events_queued_total", "Events accepted into session queues.", &m.EventsQueued),
		counter("slow_consumers_total", "Sessions closed because their queue was full.", &m.SlowConsumers),
		counter("write_errors_total", "Sessions closed because a write failed.", &m.WriteErrors),
		counter("decode_errors_total", "Malformed requests received.", &m.DecodeErrors),

		counter("group_messages_total", "Group messages relayed.", &m.GroupMessages),
		counter("private_messages_total", "Private messages relayed.", &m.PrivateMessages),
		counter("bans_total", "Users banned.", &m.BanCount),
		counter("role_changes_total", "Roles changed.", &m.RoleChanges),
	)
	return reg
}
