package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tabbridge/internal/artifact"
	"tabbridge/internal/command"
	"tabbridge/internal/protocol"
)

// fakeManager counts EnsureConnected calls and can fail on demand.
type fakeManager struct {
	calls atomic.Int64
	err   error
}

func (m *fakeManager) EnsureConnected(ctx context.Context) error {
	m.calls.Add(1)
	return m.err
}

// flakyExec fails the first n calls with a connection error, then succeeds.
type flakyExec struct {
	failures atomic.Int64
	result   json.RawMessage
}

func (e *flakyExec) Execute(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if e.failures.Load() > 0 {
		e.failures.Add(-1)
		return nil, protocol.NewConnectionError(protocol.CodeTargetLost, "session dropped", nil)
	}
	return e.result, nil
}

// bigCommand returns a result larger than any sane inline limit.
type bigCommand struct{ size int }

func (bigCommand) Name() string                        { return "big" }
func (bigCommand) Description() string                 { return "returns an oversized payload" }
func (bigCommand) Needs() command.Deps                 { return 0 }
func (bigCommand) InputSchema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (c bigCommand) Execute(ctx context.Context, cc *command.Context, args map[string]interface{}) (*command.Result, error) {
	return &command.Result{
		Success: true,
		Data:    map[string]interface{}{"blob": strings.Repeat("z", c.size)},
	}, nil
}

// panicCommand panics to exercise loop containment.
type panicCommand struct{}

func (panicCommand) Name() string                        { return "panic" }
func (panicCommand) Description() string                 { return "panics" }
func (panicCommand) Needs() command.Deps                 { return 0 }
func (panicCommand) InputSchema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (panicCommand) Execute(ctx context.Context, cc *command.Context, args map[string]interface{}) (*command.Result, error) {
	panic("boom")
}

func newTestDispatcher(t *testing.T, mgr *fakeManager, exec command.Executor) *Dispatcher {
	t.Helper()
	reg := command.NewRegistry()
	reg.MustRegister(command.Builtins()...)
	reg.MustRegister(bigCommand{size: 8192}, panicCommand{})

	store, err := artifact.NewStore(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	return New(Config{
		Registry: reg,
		Manager:  mgr,
		Store:    store,
		Exec:     exec,
	})
}

func call(t *testing.T, d *Dispatcher, raw string) protocol.Response {
	t.Helper()
	return d.Handle([]byte(raw))
}

func TestDispatcher_ToolsList(t *testing.T) {
	mgr := &fakeManager{}
	d := newTestDispatcher(t, mgr, &flakyExec{})

	resp := call(t, d, `{"id":1,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	tools := result["tools"].([]protocol.ToolDescriptor)
	if len(tools) == 0 {
		t.Fatal("expected at least one tool")
	}
	for _, tool := range tools {
		if tool.Name == "" || tool.Description == "" {
			t.Errorf("tool missing name or description: %+v", tool)
		}
		if tool.InputSchema["type"] != "object" {
			t.Errorf("tool %s schema not object-typed", tool.Name)
		}
	}

	// Bootstrap methods never touch the session.
	if mgr.calls.Load() != 0 {
		t.Errorf("tools/list triggered EnsureConnected %d times", mgr.calls.Load())
	}
}

func TestDispatcher_Initialize(t *testing.T) {
	mgr := &fakeManager{}
	d := newTestDispatcher(t, mgr, &flakyExec{})

	resp := call(t, d, `{"id":"init-1","method":"initialize","params":{}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]interface{})
	if result["protocolVersion"] == "" {
		t.Error("expected protocol version")
	}
	if mgr.calls.Load() != 0 {
		t.Error("initialize must not touch the session")
	}
}

func TestDispatcher_UnknownToolValidationError(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	resp := call(t, d, `{"id":2,"method":"tools/call","params":{"name":"does_not_exist"}}`)
	if resp.Error == nil {
		t.Fatal("expected error")
	}
	if resp.Error.Code > -32400 || resp.Error.Code < -32499 {
		t.Errorf("expected validation-range code, got %d", resp.Error.Code)
	}
	if resp.Error.Data["tool_name"] != "does_not_exist" {
		t.Errorf("expected tool_name data, got %v", resp.Error.Data)
	}
	if string(resp.ID) != "2" {
		t.Errorf("expected id 2, got %s", resp.ID)
	}
}

func TestDispatcher_ParseError(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	resp := call(t, d, `{{{`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeParse {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Errorf("expected null id, got %s", resp.ID)
	}
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	resp := call(t, d, `{"id":3,"method":"resources/read"}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
	if string(resp.ID) != "3" {
		t.Errorf("expected id echoed, got %s", resp.ID)
	}
}

func TestDispatcher_OversizedResultSpills(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	resp := call(t, d, `{"id":4,"method":"tools/call","params":{"name":"big"}}`)
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	result := resp.Result.(map[string]interface{})
	blocks := result["content"].([]map[string]interface{})
	if len(blocks) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(blocks))
	}
	text := blocks[0]["text"].(string)
	if strings.Contains(text, strings.Repeat("z", 4096)) {
		t.Error("inline response contains the full oversized payload")
	}

	var summary struct {
		Stored bool   `json:"stored"`
		Ref    string `json:"ref"`
		Size   int    `json:"size"`
	}
	if err := json.Unmarshal([]byte(text), &summary); err != nil {
		t.Fatalf("inline block is not a spill summary: %v", err)
	}
	if !summary.Stored || summary.Ref == "" || summary.Size <= DefaultInlineLimit {
		t.Errorf("unexpected spill summary: %+v", summary)
	}

	// The payload is retrievable from auxiliary storage.
	data, err := d.store.Get(summary.Ref)
	if err != nil {
		t.Fatalf("artifact not retrievable: %v", err)
	}
	if len(data) != summary.Size {
		t.Errorf("stored size %d, summary said %d", len(data), summary.Size)
	}
}

func TestDispatcher_PanicContained(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	resp := call(t, d, `{"id":5,"method":"tools/call","params":{"name":"panic"}}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInternal {
		t.Fatalf("expected internal error, got %+v", resp.Error)
	}

	// The loop keeps serving after a panic.
	resp = call(t, d, `{"id":6,"method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("dispatcher dead after panic: %+v", resp.Error)
	}
}

func TestDispatcher_SessionDropRecovery(t *testing.T) {
	// First tools/call sees the dropped session through the bridge; the
	// second, issued after the manager reconnects, succeeds with no
	// client-side special-casing.
	exec := &flakyExec{result: json.RawMessage(`{"result":{"type":"number","value":4}}`)}
	exec.failures.Store(1)
	d := newTestDispatcher(t, &fakeManager{}, exec)

	first := call(t, d, `{"id":7,"method":"tools/call","params":{"name":"evaluate","arguments":{"expression":"2+2"}}}`)
	if first.Error == nil {
		t.Fatal("expected first call to fail")
	}
	if first.Error.Code > -32100 || first.Error.Code < -32199 {
		t.Errorf("expected connection-range code, got %d", first.Error.Code)
	}

	second := call(t, d, `{"id":8,"method":"tools/call","params":{"name":"evaluate","arguments":{"expression":"2+2"}}}`)
	if second.Error != nil {
		t.Fatalf("expected second call to succeed, got %+v", second.Error)
	}
}

func TestDispatcher_EnsureConnectedFailureSurfaces(t *testing.T) {
	mgr := &fakeManager{err: protocol.NewConnectionError(protocol.CodeConnectFailed, "browser unreachable", nil)}
	d := newTestDispatcher(t, mgr, &flakyExec{})

	resp := call(t, d, `{"id":9,"method":"tools/call","params":{"name":"evaluate","arguments":{"expression":"1"}}}`)
	if resp.Error == nil || resp.Error.Code != protocol.CodeConnectFailed {
		t.Fatalf("expected connect-failed error, got %+v", resp.Error)
	}
}

func TestDispatcher_ServeLineLoop(t *testing.T) {
	d := newTestDispatcher(t, &fakeManager{}, &flakyExec{})

	in := strings.Join([]string{
		`{"id":1,"method":"tools/list"}`,
		`not json at all`,
		``,
		`{"id":2,"method":"tools/call","params":{"name":"does_not_exist"}}`,
	}, "\n")

	var out bytes.Buffer
	if err := d.Serve(strings.NewReader(in), &out); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 responses, got %d: %s", len(lines), out.String())
	}

	var first protocol.Response
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Error != nil {
		t.Errorf("first response should succeed: %+v", first.Error)
	}

	var second protocol.Response
	json.Unmarshal([]byte(lines[1]), &second)
	if second.Error == nil || second.Error.Code != protocol.CodeParse {
		t.Errorf("expected parse error on malformed line, got %+v", second.Error)
	}

	var third protocol.Response
	json.Unmarshal([]byte(lines[2]), &third)
	if third.Error == nil || third.Error.Data["tool_name"] != "does_not_exist" {
		t.Errorf("expected unknown-tool error, got %+v", third.Error)
	}
}
