package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Executor is the slice of the execution bridge this package needs for
// probes and overlay calls. Satisfied by *bridge.Bridge.
type Executor interface {
	Execute(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

const overlayCallTimeout = 10 * time.Second

// Overlay drives the page-side highlight namespace installed by the
// InstallOverlay activation hook.
type Overlay struct {
	exec Executor
}

// NewOverlay creates an overlay handle issuing calls through exec.
func NewOverlay(exec Executor) *Overlay {
	return &Overlay{exec: exec}
}

// Highlight draws the highlight box around the first element matching
// selector. Returns false when no element matches.
func (o *Overlay) Highlight(ctx context.Context, selector string) (bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	expr := fmt.Sprintf("window.__tabbridge_overlay ? window.__tabbridge_overlay.highlight(%s) : false", sel)
	return o.evalBool(ctx, expr)
}

// Clear removes the highlight box.
func (o *Overlay) Clear(ctx context.Context) error {
	_, err := o.evalBool(ctx, "window.__tabbridge_overlay ? window.__tabbridge_overlay.clear() : true")
	return err
}

func (o *Overlay) evalBool(ctx context.Context, expr string) (bool, error) {
	params, err := json.Marshal(map[string]interface{}{
		"expression":    expr,
		"returnByValue": true,
	})
	if err != nil {
		return false, err
	}

	raw, err := o.exec.Execute(ctx, "Runtime.evaluate", params, overlayCallTimeout)
	if err != nil {
		return false, err
	}

	var out struct {
		Result struct {
			Value bool `json:"value"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("parse overlay result: %w", err)
	}
	return out.Result.Value, nil
}
