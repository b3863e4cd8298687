// Package jsonrpc implements the subset of JSON-RPC 2.0 spoken on the
// coordinator's websocket: requests, responses, and server-pushed
// notifications (requests without an id).
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is stamped on every envelope.
const Version = "2.0"

// Error codes defined by the JSON-RPC 2.0 specification.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC request or notification. A request without an
// id is a notification and is owed no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Notification reports whether the request carries no id.
func (r *Request) Notification() bool {
	return len(r.ID) == 0
}

// Bind unmarshals the request params into v. Missing params or a
// schema mismatch yield an invalid-params error.
func (r *Request) Bind(v any) error {
	if len(r.Params) == 0 {
		return InvalidParams("missing params")
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return InvalidParams(err.Error())
	}
	return nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc %d: %s: %v", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// MethodNotFound reports an unroutable method; data carries the
// offending method name.
func MethodNotFound(method string) *Error {
	return &Error{Code: CodeMethodNotFound, Message: "Method not found", Data: method}
}

// InvalidParams reports params that failed validation; data carries
// the detail shown to the caller.
func InvalidParams(detail string) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: detail}
}

// AsError converts err into an error object. Domain failures that are
// not already protocol errors surface as invalid params with their
// text in data.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return InvalidParams(err.Error())
}

// Response carries either a result or an error, never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// NewNotification synthesises a server-originated request without an
// id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// Decode parses data as a request envelope. Frames that are not valid
// JSON-RPC are rejected, not answered.
func Decode(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.JSONRPC != Version {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.Method == "" {
		return nil, errors.New("missing method")
	}
	return &req, nil
}
