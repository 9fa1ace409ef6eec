package command

import (
	"context"
	"testing"

	"tabbridge/internal/protocol"
)

// stubCommand is a minimal command for registry behavior tests.
type stubCommand struct {
	name     string
	needs    Deps
	executed bool
}

func (s *stubCommand) Name() string        { return s.name }
func (s *stubCommand) Description() string { return "stub" }
func (s *stubCommand) Needs() Deps         { return s.needs }
func (s *stubCommand) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (s *stubCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	s.executed = true
	return &Result{Success: true}, nil
}

func TestRegistry_RegisterDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubCommand{name: "click"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	if err := r.Register(&stubCommand{name: "click"}); err == nil {
		t.Fatal("expected error for duplicate name")
	}

	// The original registration survives.
	cmd, ok := r.Lookup("click")
	if !ok || cmd == nil {
		t.Fatal("expected original command still registered")
	}
}

func TestRegistry_RegisterEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&stubCommand{name: ""}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	r := NewRegistry()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate")
		}
	}()
	r.MustRegister(&stubCommand{name: "x"}, &stubCommand{name: "x"})
}

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, err := r.Dispatch(context.Background(), "does_not_exist", nil, &Context{})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	perr, ok := protocol.AsError(err)
	if !ok || perr.Kind != protocol.KindValidation {
		t.Fatalf("expected validation-kind error, got %v", err)
	}
	if perr.Code != protocol.CodeUnknownTool {
		t.Errorf("expected code %d, got %d", protocol.CodeUnknownTool, perr.Code)
	}
	if perr.Data["tool_name"] != "does_not_exist" {
		t.Errorf("expected tool_name in data, got %v", perr.Data)
	}
}

func TestRegistry_DispatchMissingDependencyBeforeExecute(t *testing.T) {
	r := NewRegistry()
	cmd := &stubCommand{name: "needy", needs: NeedsBridge | NeedsOverlay}
	r.MustRegister(cmd)

	// Context carries neither handle.
	_, err := r.Dispatch(context.Background(), "needy", nil, &Context{})
	if err == nil {
		t.Fatal("expected missing dependency error")
	}
	perr, _ := protocol.AsError(err)
	if perr == nil || perr.Code != protocol.CodeMissingDependency {
		t.Fatalf("expected missing dependency code, got %v", err)
	}
	if cmd.executed {
		t.Error("execute ran despite failed dependency validation")
	}
}

func TestRegistry_DispatchRunsCommand(t *testing.T) {
	r := NewRegistry()
	cmd := &stubCommand{name: "plain"}
	r.MustRegister(cmd)

	res, err := r.Dispatch(context.Background(), "plain", nil, &Context{})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if !res.Success {
		t.Error("expected success result")
	}
	if !cmd.executed {
		t.Error("expected execute to run")
	}
}

func TestRegistry_DescriptorsSortedAndComplete(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Builtins()...)

	descs := r.Descriptors()
	if len(descs) == 0 {
		t.Fatal("expected at least one descriptor")
	}
	for i, d := range descs {
		if d.Name == "" {
			t.Errorf("descriptor %d has empty name", i)
		}
		if d.Description == "" {
			t.Errorf("descriptor %s has empty description", d.Name)
		}
		if d.InputSchema == nil || d.InputSchema["type"] != "object" {
			t.Errorf("descriptor %s has non-object schema", d.Name)
		}
		if i > 0 && descs[i-1].Name > d.Name {
			t.Errorf("descriptors not sorted at %s", d.Name)
		}
	}
}
