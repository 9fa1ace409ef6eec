package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tabbridge/internal/protocol"
)

const callTimeout = 30 * time.Second

// Builtins returns the standard command set.
func Builtins() []Command {
	return []Command{
		&navigateCommand{},
		&evaluateCommand{},
		&screenshotCommand{},
		&highlightCommand{},
		&readConsoleCommand{},
		&listTargetsCommand{},
		&listClientsCommand{},
	}
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func requireString(args map[string]interface{}, key string) (string, error) {
	v := stringArg(args, key)
	if v == "" {
		return "", protocol.NewCommandError(protocol.CodeInvalidArgument,
			fmt.Sprintf("missing required argument '%s'", key),
			map[string]interface{}{"argument": key})
	}
	return v, nil
}

type navigateCommand struct{}

func (navigateCommand) Name() string { return "navigate" }
func (navigateCommand) Description() string {
	return "Navigate the debugged tab to a URL and wait for the navigation to be issued."
}
func (navigateCommand) Needs() Deps { return NeedsBridge }
func (navigateCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"url": map[string]interface{}{"type": "string", "description": "Absolute URL to load"},
	}, "url")
}

func (c *navigateCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	url, err := requireString(args, "url")
	if err != nil {
		return nil, err
	}

	params, _ := json.Marshal(map[string]interface{}{"url": url})
	raw, err := cc.Exec.Execute(ctx, "Page.navigate", params, callTimeout)
	if err != nil {
		return nil, err
	}

	var out struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse navigate result: %w", err)
	}
	if out.ErrorText != "" {
		return &Result{Success: false, Message: out.ErrorText}, nil
	}
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"url": url, "frame_id": out.FrameID},
	}, nil
}

type evaluateCommand struct{}

func (evaluateCommand) Name() string { return "evaluate" }
func (evaluateCommand) Description() string {
	return "Evaluate a JavaScript expression in the page and return its value."
}
func (evaluateCommand) Needs() Deps { return NeedsBridge }
func (evaluateCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"expression": map[string]interface{}{"type": "string", "description": "JavaScript expression"},
		"timeout_ms": map[string]interface{}{"type": "integer", "description": "Call timeout in milliseconds"},
	}, "expression")
}

func (c *evaluateCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	expr, err := requireString(args, "expression")
	if err != nil {
		return nil, err
	}
	timeout := callTimeout
	if ms := intArg(args, "timeout_ms", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	params, _ := json.Marshal(map[string]interface{}{
		"expression":    expr,
		"returnByValue": true,
	})
	raw, err := cc.Exec.Execute(ctx, "Runtime.evaluate", params, timeout)
	if err != nil {
		return nil, err
	}

	var out struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse evaluate result: %w", err)
	}
	if out.ExceptionDetails != nil {
		return &Result{Success: false, Message: "evaluation threw: " + out.ExceptionDetails.Text}, nil
	}

	var value interface{}
	if len(out.Result.Value) > 0 {
		json.Unmarshal(out.Result.Value, &value)
	}
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"type": out.Result.Type, "value": value},
	}, nil
}

type screenshotCommand struct{}

func (screenshotCommand) Name() string { return "screenshot" }
func (screenshotCommand) Description() string {
	return "Capture a screenshot of the debugged tab as base64-encoded PNG."
}
func (screenshotCommand) Needs() Deps { return NeedsBridge }
func (screenshotCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"format": map[string]interface{}{
			"type": "string", "description": "Image format", "enum": []string{"png", "jpeg"},
		},
	})
}

func (c *screenshotCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	format := stringArg(args, "format")
	if format == "" {
		format = "png"
	}

	params, _ := json.Marshal(map[string]interface{}{"format": format})
	raw, err := cc.Exec.Execute(ctx, "Page.captureScreenshot", params, callTimeout)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse screenshot result: %w", err)
	}
	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"format":   format,
			"encoding": "base64",
			"data":     out.Data,
		},
	}, nil
}

type highlightCommand struct{}

func (highlightCommand) Name() string { return "highlight" }
func (highlightCommand) Description() string {
	return "Draw the visual overlay box around the first element matching a CSS selector."
}
func (highlightCommand) Needs() Deps { return NeedsBridge | NeedsOverlay }
func (highlightCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"selector": map[string]interface{}{"type": "string", "description": "CSS selector"},
		"clear":    map[string]interface{}{"type": "boolean", "description": "Remove the overlay instead"},
	})
}

func (c *highlightCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	if clear, _ := args["clear"].(bool); clear {
		if err := cc.Overlay.Clear(ctx); err != nil {
			return nil, err
		}
		return &Result{Success: true, Message: "overlay cleared"}, nil
	}

	selector, err := requireString(args, "selector")
	if err != nil {
		return nil, err
	}
	found, err := cc.Overlay.Highlight(ctx, selector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocol.NewCommandError(protocol.CodeElementNotFound,
			fmt.Sprintf("no element matches selector %q", selector),
			map[string]interface{}{"selector": selector})
	}
	return &Result{Success: true, Data: map[string]interface{}{"selector": selector}}, nil
}

type readConsoleCommand struct{}

func (readConsoleCommand) Name() string { return "read_console" }
func (readConsoleCommand) Description() string {
	return "Read recent console messages captured from the page."
}
func (readConsoleCommand) Needs() Deps { return NeedsSession }
func (readConsoleCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"limit": map[string]interface{}{"type": "integer", "description": "Maximum messages to return (default 50)"},
	})
}

func (c *readConsoleCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	limit := intArg(args, "limit", 50)
	events := cc.Session.ConsoleTail(limit)
	return &Result{
		Success: true,
		Data: map[string]interface{}{
			"events": events,
			"count":  len(events),
		},
	}, nil
}

type listTargetsCommand struct{}

func (listTargetsCommand) Name() string { return "list_targets" }
func (listTargetsCommand) Description() string {
	return "List the debuggable targets known to the browser endpoint."
}
func (listTargetsCommand) Needs() Deps { return NeedsSession }
func (listTargetsCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (c *listTargetsCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	infos, err := cc.Session.Targets(ctx)
	if err != nil {
		return nil, err
	}

	targets := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		targets = append(targets, map[string]interface{}{
			"id":    string(info.TargetID),
			"type":  info.Type,
			"title": info.Title,
			"url":   info.URL,
		})
	}
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"targets": targets, "count": len(targets)},
	}, nil
}

type listClientsCommand struct{}

func (listClientsCommand) Name() string { return "list_clients" }
func (listClientsCommand) Description() string {
	return "List registered multiplexer clients and their request counters."
}
func (listClientsCommand) Needs() Deps { return NeedsClients }
func (listClientsCommand) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (c *listClientsCommand) Execute(ctx context.Context, cc *Context, args map[string]interface{}) (*Result, error) {
	clients := cc.Clients.Snapshot()
	return &Result{
		Success: true,
		Data:    map[string]interface{}{"clients": clients, "count": len(clients)},
	}, nil
}
