package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"llm-gateway/internal/config"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
)

// Provider forwards requests to a backend that already speaks the
// OpenAI-compatible wire shape. Both NIM and vLLM are served by it.
type Provider struct {
	endpoint provider.Endpoint
}

// New creates a passthrough provider for the named backend.
func New(name string, cfg config.BackendConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Provider{
		endpoint: provider.Endpoint{
			Name:    name,
			BaseURL: baseURL,
			APIKey:  cfg.APIKey,
			Headers: cfg.Headers,
			Client:  client,
		},
	}, nil
}

func (p *Provider) Name() string {
	return p.endpoint.Name
}

// ListModels relays GET {base}/models with the backend's status and body.
func (p *Provider) ListModels(ctx context.Context) (*provider.Response, error) {
	status, body, err := p.endpoint.Call(ctx, "models", http.MethodGet, "/models", nil)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Status: status, Body: provider.PassthroughBody(body)}, nil
}

// Chat relays the caller's request object to POST {base}/chat/completions.
func (p *Provider) Chat(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	status, body, err := p.endpoint.Call(ctx, "chat", http.MethodPost, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	return &provider.Response{Status: status, Body: provider.PassthroughBody(body)}, nil
}
