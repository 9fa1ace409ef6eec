package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"tabbridge/internal/protocol"
)

const (
	defaultWorkers = 4
	jobQueueSize   = 64

	// DefaultTimeout bounds a physical call when the caller does not choose one.
	DefaultTimeout = 30 * time.Second

	// abandonGrace is how much longer than the caller's timeout a worker lets
	// an abandoned physical call run before cutting it off.
	abandonGrace = 30 * time.Second
)

// Caller is one physical round-trip to the remote debugging endpoint. The
// underlying client does not tolerate concurrent calls.
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// SessionSource yields the currently live session. It is consulted per call
// so a reconnect between queued calls is picked up by later ones.
type SessionSource interface {
	Current() (Caller, error)
}

// SourceFunc adapts a plain function to SessionSource.
type SourceFunc func() (Caller, error)

func (f SourceFunc) Current() (Caller, error) { return f() }

// Bridge funnels all physical calls through one mutex while letting any
// number of logical callers queue. A bounded worker pool performs the
// blocking call; the caller's wait is deadline-bounded.
type Bridge struct {
	source SessionSource

	jobs chan *job

	// callMu serializes the physical call itself. At most one call is ever
	// in flight regardless of worker count.
	callMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

type job struct {
	method       string
	params       json.RawMessage
	hardDeadline time.Time
	reply        chan outcome
}

type outcome struct {
	result json.RawMessage
	err    error
}

// New creates a bridge reading sessions from source and starts its workers.
func New(source SessionSource, workers int) *Bridge {
	if workers <= 0 {
		workers = defaultWorkers
	}
	b := &Bridge{
		source: source,
		jobs:   make(chan *job, jobQueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go b.worker()
	}
	return b
}

// Execute performs one physical call with a per-call deadline. A deadline
// expiry abandons only the caller's wait: the in-flight call runs to
// completion on its worker and the result is discarded.
func (b *Bridge) Execute(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	j := &job{
		method:       method,
		params:       params,
		hardDeadline: time.Now().Add(timeout + abandonGrace),
		reply:        make(chan outcome, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b.jobs <- j:
	case <-timer.C:
		return nil, timeoutError(method, timeout)
	case <-ctx.Done():
		return nil, canceledError(method, ctx.Err())
	case <-b.done:
		return nil, protocol.NewProtocolError(protocol.CodeCallFailed, "bridge closed", nil)
	}

	select {
	case out := <-j.reply:
		return out.result, out.err
	case <-timer.C:
		return nil, timeoutError(method, timeout)
	case <-ctx.Done():
		return nil, canceledError(method, ctx.Err())
	}
}

// Close stops the workers. Queued jobs that no worker has picked up are
// dropped; their callers time out.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

func (b *Bridge) worker() {
	for {
		select {
		case <-b.done:
			return
		case j := <-b.jobs:
			b.callMu.Lock()
			res, err := b.call(j)
			b.callMu.Unlock()
			// reply is buffered; an abandoned caller never blocks the worker.
			j.reply <- outcome{result: res, err: err}
		}
	}
}

func (b *Bridge) call(j *job) (json.RawMessage, error) {
	sess, err := b.source.Current()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithDeadline(context.Background(), j.hardDeadline)
	defer cancel()

	res, err := sess.Call(ctx, j.method, j.params)
	if err != nil {
		if perr, ok := protocol.AsError(err); ok {
			return nil, perr
		}
		return nil, protocol.NewProtocolError(protocol.CodeCallFailed,
			fmt.Sprintf("%s: %v", j.method, err),
			map[string]interface{}{"method": j.method})
	}
	return res, nil
}

func timeoutError(method string, timeout time.Duration) error {
	return protocol.NewProtocolError(protocol.CodeCallTimeout,
		fmt.Sprintf("%s did not complete within %s", method, timeout),
		map[string]interface{}{"method": method, "timeout_ms": timeout.Milliseconds()})
}

func canceledError(method string, cause error) error {
	return protocol.NewProtocolError(protocol.CodeCallFailed,
		fmt.Sprintf("%s canceled: %v", method, cause),
		map[string]interface{}{"method": method})
}
