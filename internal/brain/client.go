// Package brain talks to OpenAI-compatible chat completion servers: a local
// llama.cpp server by default, or any hosted endpoint speaking the same
// contract.
package brain

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one entry of the conversation sent to the model.
type Message struct {
	Role    string
	Content string
	// ToolCalls echoes the model's tool requests when replaying the
	// assistant message in the tool round-trip.
	ToolCalls []ToolCall
	// ToolCallID links a role=tool result message to the call it answers.
	ToolCallID string
}

// ToolCall is a structured request from the model to invoke a named tool.
// Arguments is the raw JSON string exactly as the model produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec advertises one callable capability to the model.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Client generates assistant responses, with or without tool advertising.
type Client interface {
	Chat(ctx context.Context, messages []Message) (text string, elapsed time.Duration, err error)
	ChatWithTools(ctx context.Context, messages []Message, tools []ToolSpec) (text string, calls []ToolCall, elapsed time.Duration, err error)
}

// SystemMessage, UserMessage and AssistantMessage are small constructors that
// keep prompt assembly readable.
func SystemMessage(content string) Message    { return Message{Role: "system", Content: content} }
func UserMessage(content string) Message      { return Message{Role: "user", Content: content} }
func AssistantMessage(content string) Message { return Message{Role: "assistant", Content: content} }

// ToolResultMessage wraps a tool outcome for the follow-up model call.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID}
}
