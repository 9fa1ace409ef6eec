package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"tabbridge/internal/artifact"
	"tabbridge/internal/command"
	"tabbridge/internal/protocol"
)

const (
	scannerBufSize = 1024 * 1024 // 1 MB

	// DefaultInlineLimit is the serialized-result size beyond which payloads
	// spill to the artifact store.
	DefaultInlineLimit = 2048

	protocolVersion = "2024-11-05"
	serverName      = "tabbridge"
	serverVersion   = "0.3.0"
)

// Connector is the slice of the connection manager the dispatcher needs.
type Connector interface {
	EnsureConnected(ctx context.Context) error
}

// Config wires a Dispatcher.
type Config struct {
	Registry    *command.Registry
	Manager     Connector
	Store       *artifact.Store
	Exec        command.Executor
	Overlay     command.OverlayHandle
	Session     command.SessionHandle
	InlineLimit int
}

// Dispatcher runs the request/response loop: bootstrap methods are served
// without touching the session, everything else routes to command dispatch.
// The loop never crashes; every failure becomes an error response.
type Dispatcher struct {
	registry    *command.Registry
	manager     Connector
	store       *artifact.Store
	inlineLimit int

	exec    command.Executor
	overlay command.OverlayHandle
	session command.SessionHandle
	clients command.ClientsHandle
}

// New creates a dispatcher from cfg.
func New(cfg Config) *Dispatcher {
	limit := cfg.InlineLimit
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		manager:     cfg.Manager,
		store:       cfg.Store,
		inlineLimit: limit,
		exec:        cfg.Exec,
		overlay:     cfg.Overlay,
		session:     cfg.Session,
	}
}

// SetClients wires the multiplexer's client registry handle. Called once
// during startup in multi-client mode, before any request is served.
func (d *Dispatcher) SetClients(h command.ClientsHandle) { d.clients = h }

// Serve reads line-delimited requests from r and writes responses to w until
// r is exhausted. Errors never terminate the loop early; only a write
// failure or reader error does.
func (d *Dispatcher) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := encoder.Encode(d.Handle(line)); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

// Handle processes one raw request and always produces a response.
func (d *Dispatcher) Handle(raw []byte) protocol.Response {
	req, err := protocol.ValidateRequest(raw)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		return protocol.ErrorResponseFrom(id, err)
	}
	return d.HandleRequest(*req)
}

// HandleRequest routes a validated request. Panics inside command code are
// contained here so the loop keeps serving.
func (d *Dispatcher) HandleRequest(req protocol.Request) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatch: panic handling %s: %v", req.Method, r)
			resp = protocol.NewErrorResponse(req.ID, protocol.CodeInternal,
				fmt.Sprintf("internal error: %v", r), nil)
		}
	}()

	switch req.Method {
	case protocol.MethodInitialize:
		return protocol.NewResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		})

	case protocol.MethodToolsList:
		return protocol.NewResponse(req.ID, map[string]interface{}{
			"tools": d.registry.Descriptors(),
		})

	case protocol.MethodToolsCall:
		return d.handleToolsCall(req)

	default:
		// ValidateRequest already rejected anything else; kept for callers
		// that construct requests directly.
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), nil)
	}
}

func (d *Dispatcher) handleToolsCall(req protocol.Request) protocol.Response {
	var p protocol.CallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.CodeBadArguments,
			fmt.Sprintf("invalid tools/call params: %v", err), nil)
	}

	ctx := context.Background()
	if err := d.manager.EnsureConnected(ctx); err != nil {
		return protocol.ErrorResponseFrom(req.ID, err)
	}

	cc := &command.Context{
		Exec:    d.exec,
		Overlay: d.overlay,
		Session: d.session,
		Clients: d.clients,
	}
	res, err := d.registry.Dispatch(ctx, p.Name, p.Arguments, cc)
	if err != nil {
		return protocol.ErrorResponseFrom(req.ID, err)
	}
	return protocol.NewResponse(req.ID, d.formatResult(res))
}

// formatResult reshapes a command result into the stable response envelope,
// spilling oversized payloads to the artifact store.
func (d *Dispatcher) formatResult(res *command.Result) map[string]interface{} {
	if res == nil {
		res = &command.Result{Success: true}
	}

	var blocks []map[string]interface{}
	if res.Message != "" {
		blocks = append(blocks, textBlock(res.Message))
	}

	if len(res.Data) > 0 {
		payload, err := json.Marshal(res.Data)
		switch {
		case err != nil:
			blocks = append(blocks, textBlock(fmt.Sprintf("unserializable result: %v", err)))
		case len(payload) > d.inlineLimit && d.store != nil:
			blocks = append(blocks, d.spill(payload))
		default:
			blocks = append(blocks, textBlock(string(payload)))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, textBlock("ok"))
	}

	return map[string]interface{}{
		"content": blocks,
		"isError": !res.Success,
	}
}

func (d *Dispatcher) spill(payload []byte) map[string]interface{} {
	ref, err := d.store.Put(payload)
	if err != nil {
		log.Printf("dispatch: spill failed, inlining %d bytes: %v", len(payload), err)
		return textBlock(string(payload))
	}

	summary, _ := json.Marshal(map[string]interface{}{
		"stored":  true,
		"ref":     ref.ID,
		"path":    ref.Path,
		"size":    ref.Size,
		"preview": ref.Preview,
	})
	return textBlock(string(summary))
}

func textBlock(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}
