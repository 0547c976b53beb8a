package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"llm-gateway/internal/config"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

// Name is the provider selector and owned_by value for this backend.
const Name = "ollama"

const (
	tagsPath = "/api/tags"
	chatPath = "/api/chat"
)

// Provider translates between the canonical chat shape and Ollama's native
// /api/chat and /api/tags endpoints.
type Provider struct {
	endpoint     provider.Endpoint
	defaultModel string
	now          func() time.Time
}

// Option customises a Provider.
type Option func(*Provider)

// WithClock overrides the time source used for response ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// New constructs an Ollama provider instance.
func New(cfg config.BackendConfig, defaultModel string, client *http.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	p := &Provider{
		endpoint: provider.Endpoint{
			Name:    Name,
			BaseURL: baseURL,
			APIKey:  cfg.APIKey,
			Headers: cfg.Headers,
			Client:  client,
		},
		defaultModel: defaultModel,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Provider) Name() string {
	return Name
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels converts /api/tags into the canonical listing. The native status
// is not relayed; a listing that decodes is always reported as 200.
func (p *Provider) ListModels(ctx context.Context) (*provider.Response, error) {
	status, body, err := p.endpoint.Call(ctx, "models", http.MethodGet, tagsPath, nil)
	if err != nil {
		return nil, err
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return &provider.Response{Status: status, Body: models.NewErrorBody(string(body))}, nil
	}

	listing := models.ModelListing{
		Object: "list",
		Data:   make([]models.Model, 0, len(tags.Models)),
	}
	for _, m := range tags.Models {
		listing.Data = append(listing.Data, models.Model{
			ID:      m.Name,
			Object:  "model",
			Created: 0,
			OwnedBy: Name,
		})
	}

	return &provider.Response{Status: http.StatusOK, Body: listing}, nil
}

// Chat sends a non-streaming /api/chat request and converts the reply into a
// canonical chat completion, relaying the native status code.
func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	model := p.ResolveModel(req)
	payload := buildChatPayload(model, req)
	if dropped := droppedFields(req); len(dropped) > 0 {
		slog.Debug("ollama ignores request fields", "fields", dropped)
	}

	status, body, err := p.endpoint.Call(ctx, "chat", http.MethodPost, chatPath, payload)
	if err != nil {
		return nil, err
	}

	var native chatResponse
	if err := json.Unmarshal(body, &native); err != nil {
		return &provider.Response{Status: status, Body: models.NewErrorBody(string(body))}, nil
	}

	return &provider.Response{
		Status: status,
		Body:   native.toCanonical(model, p.now().Unix()),
	}, nil
}

// droppedFields lists, sorted, the request fields the native payload omits.
func droppedFields(req models.ChatRequest) []string {
	return slices.Sorted(maps.Keys(req.Extra()))
}

// ResolveModel returns the caller's model when set, else the configured default.
func (p *Provider) ResolveModel(req models.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.defaultModel
}

type chatPayload struct {
	Model    string          `json:"model"`
	Messages json.RawMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *chatOptions    `json:"options,omitempty"`
}

type chatOptions struct {
	NumPredict *int `json:"num_predict,omitempty"`
}

func buildChatPayload(model string, req models.ChatRequest) chatPayload {
	payload := chatPayload{
		Model:    model,
		Messages: req.RawMessages(),
		Stream:   false,
	}

	if req.MaxTokens != nil {
		n := *req.MaxTokens
		payload.Options = &chatOptions{NumPredict: &n}
	}

	return payload
}

type chatResponse struct {
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	PromptEvalCount json.RawMessage `json:"prompt_eval_count"`
	EvalCount       json.RawMessage `json:"eval_count"`
}

func (r chatResponse) content() string {
	if r.Message == nil || len(r.Message.Content) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(r.Message.Content, &text); err != nil {
		return ""
	}
	return text
}

// usage is reported only when both counters are JSON integers.
func (r chatResponse) usage() *models.Usage {
	prompt, ok := models.IntegerLiteral(r.PromptEvalCount)
	if !ok {
		return nil
	}
	completion, ok := models.IntegerLiteral(r.EvalCount)
	if !ok {
		return nil
	}
	return models.NewUsage(prompt, completion)
}

func (r chatResponse) toCanonical(model string, now int64) models.ChatResponse {
	return models.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%s-%d", Name, now),
		Object:  "chat.completion",
		Created: now,
		Model:   model,
		Choices: []models.Choice{
			{
				Index: 0,
				Message: models.Message{
					Role:    "assistant",
					Content: r.content(),
				},
				FinishReason: "stop",
			},
		},
		Usage: r.usage(),
	}
}
