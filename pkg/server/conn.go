package server

import (
	"time"

	"github.com/NicolasHaas/gorelay/pkg/protocol"
)

// Conn is one client connection as seen by the controller. The TCP and
// WebSocket bindings both implement it.
//
// ReadRequest is only called from the connection's reader goroutine and
// WriteEvent only from its writer goroutine. Close may be called from any
// goroutine, more than once, and must unblock a pending ReadRequest.
type Conn interface {
	// ReadRequest returns the next request. A malformed message yields a
	// *protocol.DecodeError and leaves the connection usable.
	ReadRequest() (protocol.Request, error)
	// WriteEvent encodes and writes one event, bounded by the write timeout.
	WriteEvent(ev protocol.Event) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Transport() string
	Close() error
}
