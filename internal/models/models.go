package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject indicates a request body that is not a JSON object.
var ErrNotObject = errors.New("request body must be a JSON object")

// Message represents a single conversational message in the canonical schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the caller-facing chat completion request. Model, Messages
// and MaxTokens are decoded for translation; every field of the original
// object is also kept verbatim so passthrough backends see it unchanged.
type ChatRequest struct {
	Model     string
	Messages  []Message
	MaxTokens *int

	fields map[string]json.RawMessage
}

// UnmarshalJSON decodes the recognised fields leniently and keeps the rest.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	*r = ChatRequest{fields: fields}

	if raw, ok := fields["model"]; ok {
		var model string
		if err := json.Unmarshal(raw, &model); err == nil {
			r.Model = model
		}
	}
	if raw, ok := fields["messages"]; ok {
		var msgs []Message
		if err := json.Unmarshal(raw, &msgs); err == nil {
			r.Messages = msgs
		}
	}
	if raw, ok := fields["max_tokens"]; ok {
		if n, ok := IntegerLiteral(raw); ok {
			r.MaxTokens = &n
		}
	}

	return nil
}

// MarshalJSON re-encodes the original object. Requests built in code without
// decoding fall back to the typed fields.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	if r.fields != nil {
		return json.Marshal(r.fields)
	}

	out := map[string]any{"messages": r.messagesOrEmpty()}
	if r.Model != "" {
		out["model"] = r.Model
	}
	if r.MaxTokens != nil {
		out["max_tokens"] = *r.MaxTokens
	}
	return json.Marshal(out)
}

// RawMessages returns the caller's messages exactly as sent, or an empty array
// when the field is absent.
func (r ChatRequest) RawMessages() json.RawMessage {
	if raw, ok := r.fields["messages"]; ok {
		return raw
	}
	data, _ := json.Marshal(r.messagesOrEmpty())
	return data
}

// Extra returns the fields that the gateway does not interpret.
func (r ChatRequest) Extra() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.fields))
	for k, v := range r.fields {
		switch k {
		case "model", "messages", "max_tokens":
			continue
		}
		out[k] = v
	}
	return out
}

func (r ChatRequest) messagesOrEmpty() []Message {
	if r.Messages == nil {
		return []Message{}
	}
	return r.Messages
}

// IntegerLiteral reports whether raw is a JSON integer (no fraction or exponent).
func IntegerLiteral(raw json.RawMessage) (int, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	n, err := num.Int64()
	if err != nil {
		return 0, false
	}
	return int(n), true
}

// ChatResponse is the canonical chat completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice represents a single choice in the response payload.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a usage block whose total is always the sum of its parts.
func NewUsage(prompt, completion int) *Usage {
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// Model describes a single entry of a model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelListing is the canonical envelope returned by GET /v1/models.
type ModelListing struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// EngineListing is the envelope returned by GET /v1/engines.
type EngineListing struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

// ErrorBody is the structured error envelope used for gateway and synthesised
// backend errors.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the human readable error message.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// NewErrorBody wraps message in the canonical error envelope.
func NewErrorBody(message string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message}}
}
