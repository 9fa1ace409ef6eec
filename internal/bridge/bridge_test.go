package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tabbridge/internal/protocol"
)

// fakeCaller simulates the blocking physical call.
type fakeCaller struct {
	delay     time.Duration
	result    json.RawMessage
	err       error
	calls     atomic.Int64
	completed atomic.Int64
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

func (f *fakeCaller) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		max := f.maxFlight.Load()
		if n <= max || f.maxFlight.CompareAndSwap(max, n) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.completed.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeSource struct {
	mu     sync.Mutex
	caller Caller
	err    error
}

func (s *fakeSource) Current() (Caller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.caller, nil
}

func TestBridge_Execute(t *testing.T) {
	caller := &fakeCaller{result: json.RawMessage(`{"value":2}`)}
	b := New(&fakeSource{caller: caller}, 2)
	defer b.Close()

	res, err := b.Execute(context.Background(), "Runtime.evaluate", json.RawMessage(`{"expression":"1+1"}`), time.Second)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res) != `{"value":2}` {
		t.Errorf("unexpected result: %s", res)
	}
	if caller.calls.Load() != 1 {
		t.Errorf("expected 1 physical call, got %d", caller.calls.Load())
	}
}

func TestBridge_TimeoutReturnsWithinBound(t *testing.T) {
	caller := &fakeCaller{delay: 2 * time.Second}
	b := New(&fakeSource{caller: caller}, 1)
	defer b.Close()

	start := time.Now()
	_, err := b.Execute(context.Background(), "Page.navigate", nil, 50*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	perr, ok := protocol.AsError(err)
	if !ok || perr.Code != protocol.CodeCallTimeout {
		t.Errorf("expected timeout code, got %v", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("caller waited %v, expected return near the 50ms deadline", elapsed)
	}
}

func TestBridge_TimeoutAbandonsCall(t *testing.T) {
	caller := &fakeCaller{delay: 150 * time.Millisecond, result: json.RawMessage(`true`)}
	b := New(&fakeSource{caller: caller}, 1)
	defer b.Close()

	_, err := b.Execute(context.Background(), "Runtime.evaluate", nil, 20*time.Millisecond)
	if !protocol.IsKind(err, protocol.KindProtocol) {
		t.Fatalf("expected protocol-kind timeout, got %v", err)
	}

	// The abandoned physical call still runs to completion on the worker.
	deadline := time.Now().Add(time.Second)
	for caller.completed.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned call never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridge_SerializesPhysicalCalls(t *testing.T) {
	caller := &fakeCaller{delay: 10 * time.Millisecond, result: json.RawMessage(`null`)}
	b := New(&fakeSource{caller: caller}, 4)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Execute(context.Background(), "Runtime.evaluate", nil, 5*time.Second)
		}()
	}
	wg.Wait()

	if max := caller.maxFlight.Load(); max != 1 {
		t.Errorf("expected at most 1 physical call in flight, saw %d", max)
	}
	if caller.calls.Load() != 16 {
		t.Errorf("expected 16 calls, got %d", caller.calls.Load())
	}
}

func TestBridge_SourceErrorPassesThrough(t *testing.T) {
	src := &fakeSource{err: protocol.NewConnectionError(protocol.CodeNotConnected, "no live session", nil)}
	b := New(src, 1)
	defer b.Close()

	_, err := b.Execute(context.Background(), "Runtime.evaluate", nil, time.Second)
	if !protocol.IsKind(err, protocol.KindConnection) {
		t.Fatalf("expected connection-kind error, got %v", err)
	}
}

func TestBridge_CallErrorWrappedAsProtocol(t *testing.T) {
	caller := &fakeCaller{err: context.DeadlineExceeded}
	b := New(&fakeSource{caller: caller}, 1)
	defer b.Close()

	_, err := b.Execute(context.Background(), "Page.enable", nil, time.Second)
	perr, ok := protocol.AsError(err)
	if !ok || perr.Kind != protocol.KindProtocol {
		t.Fatalf("expected protocol-kind error, got %v", err)
	}
	if perr.Code != protocol.CodeCallFailed {
		t.Errorf("expected code %d, got %d", protocol.CodeCallFailed, perr.Code)
	}
}

func TestBridge_ReconnectPickedUpByLaterCalls(t *testing.T) {
	src := &fakeSource{err: protocol.NewConnectionError(protocol.CodeNotConnected, "no live session", nil)}
	b := New(src, 1)
	defer b.Close()

	if _, err := b.Execute(context.Background(), "Runtime.evaluate", nil, time.Second); err == nil {
		t.Fatal("expected error before reconnect")
	}

	src.mu.Lock()
	src.err = nil
	src.caller = &fakeCaller{result: json.RawMessage(`"ok"`)}
	src.mu.Unlock()

	res, err := b.Execute(context.Background(), "Runtime.evaluate", nil, time.Second)
	if err != nil {
		t.Fatalf("expected success after reconnect, got %v", err)
	}
	if string(res) != `"ok"` {
		t.Errorf("unexpected result: %s", res)
	}
}
