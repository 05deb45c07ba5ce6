package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	jsonRPCVersion = "2.0"

	MethodInitialize              = "initialize"
	MethodInitializedNotification = "notifications/initialized"
	MethodPing                    = "ping"
	MethodToolsList               = "tools/list"
	MethodToolsCall               = "tools/call"
)

// RequestID is a JSON-RPC id, either a number or a string.
type RequestID struct {
	str      string
	num      int64
	isString bool
}

// NewNumberID returns a numeric request id.
func NewNumberID(n int64) RequestID {
	return RequestID{num: n}
}

// NewStringID returns a string request id.
func NewStringID(s string) RequestID {
	return RequestID{str: s, isString: true}
}

// String returns a key that is unique per id; numeric 1 and string "1" differ.
func (id RequestID) String() string {
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = NewStringID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("invalid request id %s: %w", data, err)
	}
	*id = NewNumberID(v)
	return nil
}

// Message represents a JSON-RPC 2.0 message: a request, a notification or a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *RequestID      `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a new request message
func NewRequest(id RequestID, method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a message that carries no id and expects no response.
func NewNotification(method string, params interface{}) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse creates a new response message
func NewResponse(id RequestID, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Result:  raw,
	}, nil
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id RequestID, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Err: &Error{
			Code:    code,
			Message: message,
		},
	}
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

func (m *Message) IsRequest() bool {
	return m.ID != nil && m.Method != ""
}

func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsInitialize reports whether m is the session-establishing initialize request.
func (m *Message) IsInitialize() bool {
	return m.Method == MethodInitialize
}

// DecodeResult unmarshals the result of a response into v. A JSON-RPC error
// carried by the response is returned as *Error.
func (m *Message) DecodeResult(v interface{}) error {
	if m.Err != nil {
		return m.Err
	}
	if v == nil || len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

// decodeMessages parses a body holding either one message or a batch array.
func decodeMessages(data []byte) ([]*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var batch []*Message
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, fmt.Errorf("failed to parse message batch: %w", err)
		}
		return batch, nil
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return []*Message{&msg}, nil
}
