package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"

	"tabbridge/internal/protocol"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultBackoffCap     = 300 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	connectTimeout        = 20 * time.Second
)

// Config holds the connection settings for the managed session.
type Config struct {
	DevtoolsURL    string
	TargetID       string
	HealthInterval time.Duration
	BackoffCap     time.Duration
	ProbeTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = defaultBackoffCap
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	return c
}

// DialFunc acquires a fresh devtools client. Production uses DialChrome.
type DialFunc func(ctx context.Context, cfg Config) (DevtoolsClient, error)

// Manager owns the single live Session: it connects, verifies liveness, and
// reconnects with backoff. The session reference is single-writer (only the
// manager swaps it) and multi-reader through Current.
type Manager struct {
	cfg     Config
	dial    DialFunc
	hooks   []ActivationHook
	console *ConsoleBuffer
	clock   Clock
	exec    Executor

	cell  atomic.Pointer[Session]
	state atomic.Value // State

	// reconnectMu ensures a caller-triggered EnsureConnected and the health
	// loop never both attempt reconnection at the same time.
	reconnectMu sync.Mutex

	healthOnce sync.Once
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewManager creates a manager. It does not connect; call Connect or let the
// first EnsureConnected do it.
func NewManager(cfg Config, dial DialFunc, hooks []ActivationHook, console *ConsoleBuffer) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		dial:    dial,
		hooks:   hooks,
		console: console,
		clock:   realClock{},
		stop:    make(chan struct{}),
	}
	m.state.Store(StateDisconnected)
	return m
}

// SetExecutor wires the execution bridge the manager probes through. Must be
// called before Connect.
func (m *Manager) SetExecutor(exec Executor) { m.exec = exec }

// State returns the current lifecycle state.
func (m *Manager) State() State { return m.state.Load().(State) }

func (m *Manager) setState(s State) { m.state.Store(s) }

// Current returns the live session's client for one physical call. It is the
// bridge's session source.
func (m *Manager) Current() (DevtoolsClient, error) {
	s := m.cell.Load()
	if s == nil || !s.Alive() {
		return nil, protocol.NewConnectionError(protocol.CodeNotConnected, "no live session", nil)
	}
	return s.client, nil
}

// Session returns the current session for inspection, which may be nil or
// dead.
func (m *Manager) Session() *Session { return m.cell.Load() }

// Connect acquires a target handle, runs the activation hooks, and swaps the
// new session in. The health loop starts after the first successful connect.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := m.dial(dialCtx, m.cfg)
	if err != nil {
		m.setState(StateDisconnected)
		if _, ok := protocol.AsError(err); ok {
			return err
		}
		return protocol.NewConnectionError(protocol.CodeConnectFailed,
			fmt.Sprintf("connect: %v", err), nil)
	}

	for _, hook := range m.hooks {
		if err := hook(dialCtx, client); err != nil {
			client.Close()
			m.setState(StateDisconnected)
			return protocol.NewConnectionError(protocol.CodeConnectFailed,
				fmt.Sprintf("activation: %v", err), nil)
		}
	}

	old := m.cell.Swap(newSession(client))
	if old != nil {
		old.markDead()
		old.client.Close()
	}
	m.setState(StateConnected)
	log.Printf("conn: connected to %s", m.cfg.DevtoolsURL)

	m.healthOnce.Do(func() { go m.healthLoop() })
	return nil
}

// EnsureConnected verifies the session with a single short liveness probe.
// A healthy session means no further action; a failed probe tears the
// session down and reconnects.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	s := m.cell.Load()
	if s != nil && s.Alive() {
		err := m.probe(ctx)
		if err == nil {
			return nil
		}
		log.Printf("conn: liveness probe failed, reconnecting: %v", err)
		s.markDead()
	}
	return m.reconnect(ctx, s)
}

// reconnect serializes reconnection attempts. stale is the session the
// caller observed as broken; if another attempt already replaced it, there
// is nothing left to do.
func (m *Manager) reconnect(ctx context.Context, stale *Session) error {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if cur := m.cell.Load(); cur != nil && cur != stale && cur.Alive() {
		return nil
	}

	m.setState(StateReconnecting)
	return m.Connect(ctx)
}

// probe issues a trivial round-trip through the bridge.
func (m *Manager) probe(ctx context.Context) error {
	params, err := json.Marshal(map[string]interface{}{
		"expression":    "1+1",
		"returnByValue": true,
	})
	if err != nil {
		return err
	}
	_, err = m.exec.Execute(ctx, "Runtime.evaluate", params, m.cfg.ProbeTimeout)
	return err
}

// healthLoop probes on a fixed interval and reconnects with exponential
// backoff on failure. It exits only on Shutdown.
func (m *Manager) healthLoop() {
	for {
		select {
		case <-m.stop:
			return
		case <-m.clock.After(m.cfg.HealthInterval):
		}

		if err := m.probe(context.Background()); err == nil {
			if s := m.cell.Load(); s != nil {
				s.resetFailures()
			}
			m.setState(StateConnected)
			continue
		}

		s := m.cell.Load()
		var failures int32 = 1
		if s != nil {
			failures = s.recordFailure()
			s.markDead()
		}
		m.setState(StateDegraded)

		backoff := backoffDelay(failures, m.cfg.BackoffCap)
		log.Printf("health: probe failed (%d consecutive), next attempt in %s", failures, backoff)

		select {
		case <-m.stop:
			return
		case <-m.clock.After(backoff):
		}

		if err := m.reconnect(context.Background(), s); err != nil {
			log.Printf("health: reconnect failed: %v", err)
		}
	}
}

// backoffDelay computes min(limit, 2^failures) seconds.
func backoffDelay(failures int32, limit time.Duration) time.Duration {
	if failures > 30 {
		failures = 30
	}
	d := time.Duration(1<<uint(failures)) * time.Second
	if d > limit {
		return limit
	}
	return d
}

// Targets lists debuggable targets through the live session.
func (m *Manager) Targets(ctx context.Context) ([]*target.Info, error) {
	client, err := m.Current()
	if err != nil {
		return nil, err
	}
	return client.Targets(ctx)
}

// ConsoleTail returns up to limit recent captured console events.
func (m *Manager) ConsoleTail(limit int) []ConsoleEvent {
	if m.console == nil {
		return nil
	}
	return m.console.Tail(limit)
}

// Shutdown stops the health loop and tears down the session. Terminal; the
// manager is not reusable afterwards.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	if s := m.cell.Load(); s != nil {
		s.markDead()
		s.client.Close()
	}
	m.setState(StateDisconnected)
}
