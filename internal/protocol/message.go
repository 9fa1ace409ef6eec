package protocol

import (
	"encoding/json"
	"fmt"
)

// Request is the envelope for all client requests, in both stdio and
// multi-client mode.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the envelope for all server responses. Exactly one of Result
// and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the serialized form of any error crossing the wire.
type ErrorObject struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Supported request methods.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// CallParams is the params shape for tools/call.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDescriptor describes one registered command for tools/list.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// NullID is the id used when a request was too malformed to carry one.
var NullID = json.RawMessage("null")

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result interface{}) Response {
	if id == nil {
		id = NullID
	}
	return Response{ID: id, Result: result}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code int, message string, data map[string]interface{}) Response {
	if id == nil {
		id = NullID
	}
	return Response{ID: id, Error: &ErrorObject{Code: code, Message: message, Data: data}}
}

// ErrorResponseFrom serializes err into a response. Typed errors keep their
// code, message, and data; anything else degrades to a generic internal error.
func ErrorResponseFrom(id json.RawMessage, err error) Response {
	if perr, ok := AsError(err); ok {
		return NewErrorResponse(id, perr.Code, perr.Message, perr.Data)
	}
	return NewErrorResponse(id, CodeInternal, fmt.Sprintf("internal error: %v", err), nil)
}
