package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is the envelope of a remote method call.
type Request struct {
	// Method is the name of the remote method.
	Method string `json:"method"`
	// Params holds the positional arguments in order.
	Params []json.RawMessage `json:"params,omitempty"`
	// Kwargs holds the keyword arguments.
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// Response is the envelope of a remote method result.
//
// When Success is false, Response holds a human readable error text.
type Response struct {
	Response json.RawMessage `json:"response"`
	Success  bool            `json:"success"`
}

// NewRequest creates a request for method, encoding every positional and keyword argument to JSON.
// Empty params and kwargs are left nil so that they are omitted from the encoded form.
func NewRequest(method string, kwargs map[string]any, params ...any) (*Request, error) {
	req := &Request{Method: method}

	if len(params) > 0 {
		req.Params = make([]json.RawMessage, 0, len(params))
		for i, p := range params {
			raw, err := json.Marshal(p)
			if err != nil {
				return nil, fmt.Errorf("encode argument %d of %s: %w", i, method, err)
			}
			req.Params = append(req.Params, raw)
		}
	}

	if len(kwargs) > 0 {
		req.Kwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode keyword argument %q of %s: %w", k, method, err)
			}
			req.Kwargs[k] = raw
		}
	}

	return req, nil
}

// Encode returns the wire form of the request.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses the wire form of a request.
//
// A returned error is always a *ProtocolError carrying the text a server answers with.
func DecodeRequest(data []byte) (*Request, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	return env.request()
}

// NewResultResponse creates a successful response carrying result.
func NewResultResponse(result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	return &Response{Response: raw, Success: true}, nil
}

// NewErrorResponse creates a failed response carrying msg.
func NewErrorResponse(msg string) *Response {
	// marshaling a string never fails
	raw, _ := json.Marshal(msg)

	return &Response{Response: raw, Success: false}
}

// Encode returns the wire form of the response.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ErrorMessage returns the error text of a failed response.
// Non-string payloads are returned as their JSON text.
func (r *Response) ErrorMessage() string {
	var msg string
	if err := json.Unmarshal(r.Response, &msg); err == nil {
		return msg
	}

	return string(r.Response)
}

// envelope is a request whose params and kwargs have not been validated yet.
type envelope struct {
	Method *string         `json:"method"`
	Params json.RawMessage `json:"params"`
	Kwargs json.RawMessage `json:"kwargs"`
}

func decodeEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, protocolErrorf("JSON Parse Exception: %v", err)
	}

	if env.Method == nil {
		return nil, protocolErrorf("method key does not exist")
	}

	return &env, nil
}

func (env *envelope) request() (*Request, error) {
	req := &Request{Method: *env.Method}

	if !isNullOrEmpty(env.Params) {
		if firstByte(env.Params) != '[' {
			return nil, protocolErrorf("args must be a list, instead it is %s", env.Params)
		}

		var params []json.RawMessage
		if err := json.Unmarshal(env.Params, &params); err != nil {
			return nil, protocolErrorf("JSON Parse Exception: %v", err)
		}
		if len(params) > 0 {
			req.Params = params
		}
	}

	if !isNullOrEmpty(env.Kwargs) {
		if firstByte(env.Kwargs) != '{' {
			return nil, protocolErrorf("kwargs must be a mapping, instead it is %s", env.Kwargs)
		}

		var kwargs map[string]json.RawMessage
		if err := json.Unmarshal(env.Kwargs, &kwargs); err != nil {
			return nil, protocolErrorf("JSON Parse Exception: %v", err)
		}
		if len(kwargs) > 0 {
			req.Kwargs = kwargs
		}
	}

	return req, nil
}

var jsonNull = []byte("null")

func isNullOrEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}

func firstByte(raw json.RawMessage) byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}

	return trimmed[0]
}
