package command

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"

	"tabbridge/internal/conn"
	"tabbridge/internal/protocol"
)

// Deps declares which context capabilities a command requires. Validation
// happens before execute runs.
type Deps uint8

const (
	NeedsBridge Deps = 1 << iota
	NeedsOverlay
	NeedsSession
	NeedsClients
)

// Command is a named, schema-described unit of work.
type Command interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Needs() Deps
	Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error)
}

// Result is the uniform outcome shape every command returns. The dispatcher
// interprets only these fields and passes Data through opaquely.
type Result struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Executor is the execution bridge surface commands call through.
type Executor interface {
	Execute(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// OverlayHandle drives the page highlight overlay.
type OverlayHandle interface {
	Highlight(ctx context.Context, selector string) (bool, error)
	Clear(ctx context.Context) error
}

// SessionHandle exposes read-only session facilities. Satisfied by
// *conn.Manager.
type SessionHandle interface {
	Targets(ctx context.Context) ([]*target.Info, error)
	ConsoleTail(limit int) []conn.ConsoleEvent
}

// ClientInfo describes one registered multiplexer client.
type ClientInfo struct {
	ID           string    `json:"id"`
	RegisteredAt time.Time `json:"registeredAt"`
	Requests     int64     `json:"requests"`
	Failures     int64     `json:"failures"`
	LastSeen     time.Time `json:"lastSeen"`
}

// ClientsHandle exposes the multiplexer's client registry.
type ClientsHandle interface {
	Snapshot() []ClientInfo
}

// Context is the per-invocation capability bundle. Only the handles a
// command declared through Needs are guaranteed present.
type Context struct {
	Exec    Executor
	Overlay OverlayHandle
	Session SessionHandle
	Clients ClientsHandle
}

// validate checks every declared dependency is populated. It runs before any
// side effect.
func (cc *Context) validate(needs Deps) error {
	var missing []string
	if needs&NeedsBridge != 0 && cc.Exec == nil {
		missing = append(missing, "bridge")
	}
	if needs&NeedsOverlay != 0 && cc.Overlay == nil {
		missing = append(missing, "overlay")
	}
	if needs&NeedsSession != 0 && cc.Session == nil {
		missing = append(missing, "session")
	}
	if needs&NeedsClients != 0 && cc.Clients == nil {
		missing = append(missing, "clients")
	}
	if len(missing) > 0 {
		return protocol.NewValidationError(protocol.CodeMissingDependency,
			"missing dependencies: "+strings.Join(missing, ", "),
			map[string]interface{}{"missing": missing})
	}
	return nil
}
