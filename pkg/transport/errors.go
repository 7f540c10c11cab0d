package transport

import "errors"

var (
	// ErrInterrupted is returned when a request is abandoned because the
	// loop was stopped (session paused out of existence or destroyed).
	ErrInterrupted = errors.New("request loop interrupted")

	// ErrServer is returned after the retry ceiling is hit on transient
	// server failures. The request is abandoned; no completion fires.
	ErrServer = errors.New("server error")
)
