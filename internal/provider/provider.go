package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"llm-gateway/internal/models"
)

// ErrUnknownProvider indicates the configured provider name is not recognised.
var ErrUnknownProvider = errors.New("unknown provider")

// Kind enumerates the supported backend families.
type Kind int

const (
	KindOllama Kind = iota + 1
	KindNIM
	KindVLLM
)

var kindNames = map[Kind]string{
	KindOllama: "ollama",
	KindNIM:    "nim",
	KindVLLM:   "vllm",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a provider selector to its Kind. Matching ignores case and
// surrounding whitespace.
func ParseKind(name string) (Kind, bool) {
	normalized := NormalizeName(name)
	for kind, kindName := range kindNames {
		if kindName == normalized {
			return kind, true
		}
	}
	return 0, false
}

// NormalizeName lowercases and trims a provider selector.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Response is the outcome of a backend call that completed at the HTTP level.
// Status is the code to relay to the caller; Body is either a value to encode
// or a json.RawMessage forwarded verbatim.
type Response struct {
	Status int
	Body   any
}

// Provider defines the translation contract every backend adapter implements.
// A nil error means the backend answered (successfully or not); a non-nil
// error is always a *TransportError.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) (*Response, error)
	Chat(ctx context.Context, req models.ChatRequest) (*Response, error)
}

// UnknownProviderError reports a provider selector no adapter handles.
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return "Unknown provider: " + e.Name
}

func (e *UnknownProviderError) Unwrap() error {
	return ErrUnknownProvider
}

// TransportError reports an outbound call that never produced a response,
// including timeouts.
type TransportError struct {
	Provider string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Provider request failed: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
