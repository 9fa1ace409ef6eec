package conn

import (
	"sync/atomic"
	"time"
)

// State represents the lifecycle state of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateReconnecting State = "reconnecting"
)

// Session is the single live handle to the remote-debuggable target. It is
// owned by the Manager and replaced atomically on reconnect; callers only
// borrow its client through the bridge for the duration of one call.
type Session struct {
	client    DevtoolsClient
	createdAt time.Time
	alive     atomic.Bool
	failures  atomic.Int32
}

func newSession(client DevtoolsClient) *Session {
	s := &Session{client: client, createdAt: time.Now().UTC()}
	s.alive.Store(true)
	return s
}

// Alive reports whether the session is believed live.
func (s *Session) Alive() bool { return s.alive.Load() }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Failures returns the consecutive probe-failure count.
func (s *Session) Failures() int32 { return s.failures.Load() }

func (s *Session) markDead() { s.alive.Store(false) }

func (s *Session) recordFailure() int32 { return s.failures.Add(1) }

func (s *Session) resetFailures() { s.failures.Store(0) }
