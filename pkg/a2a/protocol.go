// Package a2a exposes assistants over a minimal agent-to-agent JSON-RPC
// endpoint. message/send runs the assistant and returns the completed
// task; message/stream answers with the run's SSE stream. Each assistant
// is its own endpoint at /a2a/{assistant_id}.
package a2a

import "encoding/json"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Supported methods.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
)

// SendParams carries the inbound message for both methods.
type SendParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message is an A2A conversation message.
type Message struct {
	// ContextID binds the message to a thread; empty means a one-shot
	// stateless run.
	ContextID string      `json:"contextId,omitempty"`
	Role      MessageRole `json:"role"`
	Parts     []Part      `json:"parts"`
}

// MessageRole is the sender of a message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Part is one content part of a message. Only text and data parts are
// understood; file parts are rejected.
type Part struct {
	Type PartType `json:"type"`
	Text string   `json:"text,omitempty"`
	Data any      `json:"data,omitempty"`
}

// PartType discriminates the part union.
type PartType string

const (
	PartTypeText PartType = "text"
	PartTypeData PartType = "data"
)

// Task is the message/send result: the finished run rendered in A2A
// terms.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Messages  []Message  `json:"messages,omitempty"`
	Error     *TaskError `json:"error,omitempty"`
}

// TaskStatus holds the task's terminal state.
type TaskStatus struct {
	State TaskState `json:"state"`
}

// TaskState mirrors the run's terminal status.
type TaskState string

const (
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// TaskError describes a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func okResponse(id, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errResponse(id any, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}
