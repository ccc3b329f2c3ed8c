// Package protocol implements the JSON-RPC 2.0 subset spoken over the
// floyd-bridge WebSocket transport: requests, responses, error responses
// and notifications. It has no transport knowledge; the rpc and discovery
// packages feed it raw frames.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried by every message.
const Version = "2.0"

// ProtocolVersion identifies the bridge handshake revision advertised in
// initialize results and server notifications.
const ProtocolVersion = "2024-11-05"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrorObject is a JSON-RPC error payload. It implements error so peer
// failures can flow through normal Go error returns.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ErrorObject) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Kind classifies a decoded message.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	}
	return "unknown"
}

// Message is the decoded form of a wire frame. Exactly one Kind applies;
// unused fields are zero.
type Message struct {
	Kind   Kind
	ID     *RequestID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *ErrorObject
}

// envelope is the single wire shape all four message kinds share.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ToolDescriptor describes one callable tool as advertised by tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// EncodeRequest serializes a request frame. params may be nil.
func EncodeRequest(id RequestID, method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{JSONRPC: Version, ID: &id, Method: method, Params: raw})
}

// EncodeNotification serializes a fire-and-forget frame (no id).
func EncodeNotification(method string, params any) ([]byte, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{JSONRPC: Version, Method: method, Params: raw})
}

// EncodeResponse serializes a success response for the given request id.
func EncodeResponse(id RequestID, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{JSONRPC: Version, ID: &id, Result: raw})
}

// EncodeError serializes an error response. id may be nil when the request
// id could not be determined (parse errors), per the JSON-RPC spec.
func EncodeError(id *RequestID, code int, message string, data any) ([]byte, error) {
	return json.Marshal(envelope{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	})
}

// Decode parses a wire frame and classifies it by the presence of
// id/method/result/error. Malformed input yields an *ErrorObject with code
// -32700 as the returned error; a structurally valid JSON value that is not
// a JSON-RPC message yields -32600. Decode never panics.
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ErrorObject{Code: CodeParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case env.Method != "" && env.ID != nil:
		return &Message{Kind: KindRequest, ID: env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return &Message{Kind: KindNotification, Method: env.Method, Params: env.Params}, nil
	case env.Error != nil:
		return &Message{Kind: KindError, ID: env.ID, Err: env.Error}, nil
	case env.Result != nil:
		if env.ID == nil {
			return nil, &ErrorObject{Code: CodeInvalidRequest, Message: "Invalid Request", Data: "response without id"}
		}
		return &Message{Kind: KindResponse, ID: env.ID, Result: env.Result}, nil
	default:
		return nil, &ErrorObject{Code: CodeInvalidRequest, Message: "Invalid Request"}
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
