package protocol

import "errors"

// Kind classifies an error into the closed taxonomy. Every typed error
// carries exactly one kind; the dispatcher maps kinds to wire codes.
type Kind string

const (
	KindConnection Kind = "connection"
	KindCommand    Kind = "command"
	KindProtocol   Kind = "protocol"
	KindValidation Kind = "validation"
)

// Wire error codes. Each taxonomy kind owns a hundred-code range; the
// reserved low codes cover transport-level failures.
const (
	// Connection: -32100..-32199.
	CodeConnectFailed  = -32100
	CodeTargetLost     = -32101
	CodeTargetNotFound = -32102
	CodeNotConnected   = -32103

	// Command: -32200..-32299.
	CodeElementNotFound = -32200
	CodeInvalidArgument = -32201
	CodeCommandTimeout  = -32202
	CodeCommandFailed   = -32203

	// Protocol: -32300..-32399.
	CodeCallFailed    = -32300
	CodeCallTimeout   = -32301
	CodeMalformedCall = -32302

	// Validation: -32400..-32499.
	CodeBadArguments      = -32400
	CodeUnknownTool       = -32401
	CodeMissingDependency = -32402

	// Reserved transport codes.
	CodeParse          = -32700
	CodeMethodNotFound = -32601
	CodeInternal       = -32603
)

// Error is a typed failure constructed at the failure site and serialized
// only at the dispatch boundary.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Data    map[string]interface{}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// AsError unwraps err into a typed Error if it carries one.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	perr, ok := AsError(err)
	return ok && perr.Kind == kind
}

func NewConnectionError(code int, message string, data map[string]interface{}) *Error {
	return &Error{Kind: KindConnection, Code: code, Message: message, Data: data}
}

func NewCommandError(code int, message string, data map[string]interface{}) *Error {
	return &Error{Kind: KindCommand, Code: code, Message: message, Data: data}
}

func NewProtocolError(code int, message string, data map[string]interface{}) *Error {
	return &Error{Kind: KindProtocol, Code: code, Message: message, Data: data}
}

func NewValidationError(code int, message string, data map[string]interface{}) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Data: data}
}
