package server

import "errors"

var (
	// ErrSlowConsumer is returned by Session.Deliver when the outbound queue
	// is full. The session is closed by the caller.
	ErrSlowConsumer = errors.New("server: slow consumer")
	// ErrAlreadyRegistered is returned when a session is registered twice.
	ErrAlreadyRegistered = errors.New("server: session already registered")

	ErrInvalidCredentials = errors.New("server: invalid credentials")
	ErrBanned             = errors.New("server: account is banned")
	ErrTooManyAttempts    = errors.New("server: too many attempts")

	// Close causes recorded on sessions.
	errLogout   = errors.New("logout")
	errShutdown = errors.New("server shutdown")
)
