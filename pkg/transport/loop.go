package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatkit/pkg/auth"
	"chatkit/pkg/logger"
	"chatkit/pkg/telemetry"
)

const (
	// maxAttempts is the retry ceiling for transient server failures.
	maxAttempts = 5
	// noConnectivityDelay is the fixed retry delay on transport errors.
	// These retries are uncapped: no network is not a server failure.
	noConnectivityDelay = 10 * time.Second
	// authPollInterval is how often the loop re-checks for credentials
	// while blocked waiting for an authorization state.
	authPollInterval = 100 * time.Millisecond
)

// codeStaleAuth is the application-level error code meaning the current
// page-id/token pair is no longer valid and must be rotated.
const codeStaleAuth = "reinit-required"

// AuthMode selects what a loop does while credentials rotate.
type AuthMode int

const (
	// AuthFresh blocks until a valid authorization state is present.
	// The actions loop runs in this mode: a stale response parks the
	// request until rotated credentials are pushed in, then resubmits.
	AuthFresh AuthMode = iota
	// AuthLastKnown falls back to the most recently seen credentials
	// once the fresh state is cleared. The delta loop runs in this mode
	// so polling continues through a rotation and can carry the
	// reissued credentials back in-band; without it both loops would
	// block on the same cleared holder with nothing left to refill it.
	AuthLastKnown
)

// acceptedStatus reports whether an HTTP status counts as "response
// obtained". 4xx bodies may still carry a structured application-level
// error, so they are delivered rather than retried.
func acceptedStatus(code int) bool {
	switch code {
	case 200, 400, 403, 413, 415:
		return true
	}
	return false
}

// Loop drives one category of HTTP requests (visitor actions, or
// delta/history polling) to completion with retry under a
// paused/running/stopped lifecycle. Exactly one attempt is in flight at
// a time per Loop; a session runs two independent Loops so actions and
// history fetches never block each other but never overlap themselves.
type Loop struct {
	name     string
	baseURL  string
	doer     Doer
	auth     *auth.Holder
	authMode AuthMode

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	paused  bool
	cancel  context.CancelFunc
	stopCh  chan struct{}

	connMu       sync.Mutex
	connected    bool
	connectivity func(bool)
}

// NewLoop creates a running loop. name tags log lines and metrics
// ("actions" or "delta").
func NewLoop(name, baseURL string, doer Doer, authState *auth.Holder, mode AuthMode) *Loop {
	l := &Loop{
		name:      name,
		baseURL:   baseURL,
		doer:      doer,
		auth:      authState,
		authMode:  mode,
		running:   true,
		connected: true,
		stopCh:    make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// SetConnectivityListener installs a callback invoked on connectivity
// transitions (reached server / lost server). Called from the loop's
// worker goroutine.
func (l *Loop) SetConnectivityListener(fn func(connected bool)) {
	l.connMu.Lock()
	l.connectivity = fn
	l.connMu.Unlock()
}

// Pause blocks subsequent dispatch without cancelling an attempt in
// flight. The gate is checked before each attempt.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// Resume releases the pause gate.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Stop cancels the in-flight attempt (if any) and causes the next gate
// check to exit with ErrInterrupted. Stop is terminal and idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	close(l.stopCh)
	l.mu.Unlock()
	l.cond.Broadcast()
	if cancel != nil {
		cancel()
	}
	logger.Debug("request_loop_stopped", "loop", l.name)
}

// Running reports whether the loop has not been stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Perform sends the request and blocks the calling worker until a
// response is obtained, the retry ceiling is reached (ErrServer), or the
// loop is stopped (ErrInterrupted). Transport errors retry every 10s
// while running; transient server statuses back off roughly linearly
// (1s/2s/3s/4s) and fail after five attempts. A stale-authorization
// response clears the shared authorization state; in AuthFresh mode the
// loop then blocks for a replacement and resubmits transparently, in
// AuthLastKnown mode the response is returned to the caller.
func (l *Loop) Perform(req *Request) ([]byte, error) {
	attempts := 0
	for {
		if err := l.gate(); err != nil {
			return nil, err
		}

		var st auth.State
		if !req.AuthLess {
			var err error
			st, err = l.waitAuth()
			if err != nil {
				return nil, err
			}
		}

		method, requestURL, contentType, body, release, err := req.encode(l.baseURL, st, !req.AuthLess)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		status, respBody, sendErr := l.send(method, requestURL, contentType, body)
		release()

		if sendErr != nil {
			telemetry.RequestAttempts.WithLabelValues(l.name, "transport_error").Inc()
			l.notifyConnectivity(false)
			if !l.Running() {
				return nil, ErrInterrupted
			}
			logger.Debug("request_transport_error", "loop", l.name, "path", req.Path, "error", sendErr)
			if !l.sleep(noConnectivityDelay) {
				return nil, ErrInterrupted
			}
			continue
		}

		if !acceptedStatus(status) {
			telemetry.RequestAttempts.WithLabelValues(l.name, "server_error").Inc()
			attempts++
			if attempts >= maxAttempts {
				logger.Warn("request_abandoned", "loop", l.name, "path", req.Path, "status", status, "attempts", attempts)
				return nil, ErrServer
			}
			telemetry.RequestRetries.WithLabelValues(l.name).Inc()
			logger.Debug("request_server_failure", "loop", l.name, "path", req.Path, "status", status, "attempt", attempts)
			// Linear backoff: attempt N waits out N seconds total,
			// counting the time the failed attempt already consumed.
			if delay := time.Duration(attempts)*time.Second - time.Since(start); delay > 0 {
				if !l.sleep(delay) {
					return nil, ErrInterrupted
				}
			}
			continue
		}

		telemetry.RequestAttempts.WithLabelValues(l.name, "ok").Inc()
		l.notifyConnectivity(true)

		if !req.AuthLess && isStaleAuth(respBody) {
			telemetry.AuthRotations.Inc()
			logger.Info("authorization_stale", "loop", l.name, "path", req.Path)
			l.auth.Clear()
			if l.authMode == AuthLastKnown {
				// deliver the response so the poller keeps its own
				// cadence; fresh credentials arrive with a later batch
				return respBody, nil
			}
			if _, err := l.waitAuth(); err != nil {
				return nil, err
			}
			// resubmit transparently; the caller never sees this round
			continue
		}

		return respBody, nil
	}
}

// gate blocks while paused, returning ErrInterrupted once stopped.
func (l *Loop) gate() error {
	l.mu.Lock()
	for l.paused && l.running {
		l.cond.Wait()
	}
	running := l.running
	l.mu.Unlock()
	if !running {
		return ErrInterrupted
	}
	return nil
}

// waitAuth blocks until an authorization state is present, polling every
// 100ms, bounded by the running flag. In AuthLastKnown mode a stale
// state still satisfies the wait.
func (l *Loop) waitAuth() (auth.State, error) {
	for {
		if st, ok := l.auth.Get(); ok {
			return st, nil
		}
		if l.authMode == AuthLastKnown {
			if st, ok := l.auth.LastKnown(); ok {
				return st, nil
			}
		}
		if !l.sleep(authPollInterval) {
			return auth.State{}, ErrInterrupted
		}
	}
}

func (l *Loop) send(method, requestURL, contentType string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		cancel()
		return 0, nil, context.Canceled
	}
	l.cancel = cancel
	l.mu.Unlock()

	status, respBody, err := l.doer.Do(ctx, method, requestURL, contentType, body)

	l.mu.Lock()
	l.cancel = nil
	l.mu.Unlock()
	cancel()
	return status, respBody, err
}

// sleep waits for d, returning false if the loop is stopped first.
func (l *Loop) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return l.Running()
	case <-l.stopCh:
		return false
	}
}

func (l *Loop) notifyConnectivity(connected bool) {
	l.connMu.Lock()
	changed := l.connected != connected
	l.connected = connected
	fn := l.connectivity
	l.connMu.Unlock()
	if !changed {
		return
	}
	if connected {
		telemetry.Connected.Set(1)
	} else {
		telemetry.Connected.Set(0)
	}
	logger.Info("connectivity_changed", "loop", l.name, "connected", connected)
	if fn != nil {
		fn(connected)
	}
}

// isStaleAuth peeks at a response body for the stale-authorization code.
func isStaleAuth(body []byte) bool {
	var peek struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return false
	}
	return peek.Error == codeStaleAuth
}
