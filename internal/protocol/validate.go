package protocol

import (
	"encoding/json"
	"fmt"
)

// validMethods is the set of methods the dispatcher serves.
var validMethods = map[string]bool{
	MethodInitialize: true,
	MethodToolsList:  true,
	MethodToolsCall:  true,
}

// ValidateRequest parses and validates a raw request envelope. A JSON-level
// failure returns a parse-code error; a well-formed envelope with an unknown
// method returns a method-not-found error so the caller can still echo the id.
func ValidateRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, NewProtocolError(CodeParse, fmt.Sprintf("invalid JSON: %v", err), nil)
	}

	if req.Method == "" {
		return &req, NewProtocolError(CodeParse, "missing 'method' field", nil)
	}

	if !validMethods[req.Method] {
		return &req, NewProtocolError(CodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method),
			map[string]interface{}{"method": req.Method})
	}

	if req.Method == MethodToolsCall {
		var p CallParams
		if req.Params == nil {
			return &req, NewValidationError(CodeBadArguments, "missing 'params' for tools/call", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return &req, NewValidationError(CodeBadArguments,
				fmt.Sprintf("invalid params for tools/call: %v", err), nil)
		}
		if p.Name == "" {
			return &req, NewValidationError(CodeBadArguments,
				"missing required field 'name' in tools/call params", nil)
		}
	}

	return &req, nil
}
