// Package chat keeps one long-lived conversational backend per session
// and exchanges text with it. A backend is reached through a
// [Transport]: an interactive subprocess speaking the "\n> " prompt
// protocol, or an HTTP chat-completions endpoint.
//
// A [Session] serializes exchanges, retries rate-limited and failed
// HTTP requests with capped exponential backoff, and heals itself with
// a single transport restart when the backend fails mid-conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/steward/internal/httpkit"
)

// Transport is one connection to a backend.
type Transport interface {
	// Start acquires the backend and blocks until it is ready.
	Start(ctx context.Context) error
	// Exchange sends one message and returns the full reply.
	Exchange(ctx context.Context, message string) (string, error)
	// Close releases the backend. It must be idempotent and safe to
	// call while an Exchange is in flight.
	Close() error
	// Kind names the transport for diagnostics.
	Kind() string
}

// State is a session's lifecycle position.
type State int

const (
	StateUninitialized State = iota
	StateStarting
	StateReady
	StateSending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options tunes a Session's retry policy.
type Options struct {
	// MaxAttempts bounds sends of one message on 429 and 5xx replies.
	MaxAttempts int
	// InitialBackoff is the first retry delay; it doubles per attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// Debug raises per-session diagnostics to info level.
	Debug bool

	Logger *slog.Logger
}

// Info is a point-in-time view of a session.
type Info struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Kind    string `json:"kind"`
	PID     int    `json:"pid,omitempty"`
	Retries int    `json:"retries"`
	Debug   bool   `json:"debug"`
}

// Session owns one transport exclusively. At most one exchange is in
// flight at a time; a second Send waits for the first to finish.
type Session struct {
	id        string
	transport Transport
	opts      Options
	logger    *slog.Logger
	debug     atomic.Bool

	// sem is the exchange lock. A channel rather than a mutex so that
	// waiters can give up when their context ends.
	sem chan struct{}

	mu      sync.Mutex
	state   State
	retries int
}

// NewSession wraps a transport. The backend is not contacted until
// Start or the first Send.
func NewSession(id string, t Transport, opts Options) *Session {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:        id,
		transport: t,
		opts:      opts,
		logger:    logger.With("session", id, "transport", t.Kind()),
		sem:       make(chan struct{}, 1),
	}
	s.debug.Store(opts.Debug)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// SetDebug toggles verbose per-session diagnostics.
func (s *Session) SetDebug(on bool) { s.debug.Store(on) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:      s.id,
		State:   s.state.String(),
		Kind:    s.transport.Kind(),
		Retries: s.retries,
		Debug:   s.debug.Load(),
	}
	s.mu.Unlock()
	if p, ok := s.transport.(interface{ PID() int }); ok {
		info.PID = p.PID()
	}
	return info
}

func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.sem }

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed || st == StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// diag logs at info when the session debug flag is on, debug otherwise.
func (s *Session) diag(msg string, args ...any) {
	level := slog.LevelDebug
	if s.debug.Load() {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, msg, args...)
}

// Start brings the transport up. A failure, including one wrapping
// [ErrStartupTimeout], closes the session.
func (s *Session) Start(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.startLocked(ctx)
}

func (s *Session) startLocked(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateReady:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	s.mu.Unlock()

	start := time.Now()
	if err := s.transport.Start(ctx); err != nil {
		s.logger.Error("session start failed", "error", err)
		_ = s.transport.Close()
		s.setState(StateClosed)
		return fmt.Errorf("start session %s: %w", s.id, err)
	}
	s.setState(StateReady)
	s.diag("session ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// restartLocked is Close then Start on the transport, the session's only
// self-healing step. Caller holds the exchange lock.
func (s *Session) restartLocked(ctx context.Context) error {
	s.logger.Warn("restarting session backend")
	_ = s.transport.Close()
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.state = StateUninitialized
	s.mu.Unlock()
	return s.startLocked(ctx)
}

// Restart closes and restarts the transport.
func (s *Session) Restart(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.restartLocked(ctx)
}

// Send delivers message and returns the reply.
//
// Retryable HTTP statuses (429, 5xx) are retried with capped
// exponential backoff up to MaxAttempts. A connection failure restarts
// the transport and retries once. Any other transport failure, such as
// a stalled subprocess, restarts the transport once and returns the
// error without resending. Non-retryable statuses return immediately.
func (s *Session) Send(ctx context.Context, message string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()

	switch s.State() {
	case StateClosed:
		return "", ErrSessionClosed
	case StateUninitialized:
		if err := s.startLocked(ctx); err != nil {
			return "", err
		}
	}

	s.setState(StateSending)
	defer s.setState(StateReady)

	start := time.Now()
	attempt := 1
	reconnected := false
	for {
		resp, err := s.transport.Exchange(ctx, message)
		if err == nil {
			s.mu.Lock()
			s.retries = 0
			s.mu.Unlock()
			s.diag("exchange complete",
				"attempts", attempt,
				"elapsed", time.Since(start).Round(time.Millisecond),
				"response_len", len(resp),
			)
			return resp, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		s.mu.Lock()
		s.retries++
		s.mu.Unlock()

		var se *StatusError
		var te *TransportError
		switch {
		case errors.As(err, &se) && se.Retryable():
			if attempt >= s.opts.MaxAttempts {
				return "", fmt.Errorf("giving up after %d attempts: %w", attempt, err)
			}
			wait := httpkit.Backoff(attempt, s.opts.InitialBackoff, s.opts.MaxBackoff)
			if se.RetryAfter > wait && se.RetryAfter <= s.opts.MaxBackoff {
				wait = se.RetryAfter
			}
			s.logger.Warn("backend busy, backing off",
				"status", se.Code,
				"attempt", attempt,
				"max_attempts", s.opts.MaxAttempts,
				"wait", wait,
			)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
			attempt++

		case errors.As(err, &se):
			return "", err

		case errors.Is(err, ErrConnection) && !reconnected:
			reconnected = true
			s.logger.Warn("backend connection failed, reconnecting", "error", err)
			if rerr := s.restartLocked(ctx); rerr != nil {
				return "", fmt.Errorf("%w (restart failed: %v)", err, rerr)
			}
			s.setState(StateSending)

		case errors.As(err, &te):
			if !reconnected {
				if rerr := s.restartLocked(ctx); rerr != nil {
					return "", fmt.Errorf("%w (restart failed: %v)", err, rerr)
				}
			}
			return "", err

		default:
			return "", err
		}
	}
}

// Close terminates the transport and marks the session closed. It does
// not wait for an in-flight Send; closing the transport unblocks it.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	s.diag("closing session")
	return s.transport.Close()
}
