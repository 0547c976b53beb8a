package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/provider/factory"
)

// Router dispatches requests to the adapter of the configured provider. The
// selection is fixed for the lifetime of the process.
type Router struct {
	name      string
	providers factory.Providers
	metrics   *metrics.Metrics
}

// New constructs a router for the given provider selector. An unknown name is
// accepted here and reported on every dispatch. m may be nil.
func New(name string, providers factory.Providers, m *metrics.Metrics) *Router {
	return &Router{
		name:      provider.NormalizeName(name),
		providers: providers,
		metrics:   m,
	}
}

// ProviderName returns the normalised provider selector.
func (r *Router) ProviderName() string {
	return r.name
}

// Select returns the adapter for the configured provider.
func (r *Router) Select() (provider.Provider, error) {
	kind, ok := provider.ParseKind(r.name)
	if !ok {
		return nil, &provider.UnknownProviderError{Name: r.name}
	}

	var p provider.Provider
	switch kind {
	case provider.KindOllama:
		p = r.providers.Ollama
	case provider.KindNIM:
		p = r.providers.NIM
	case provider.KindVLLM:
		p = r.providers.VLLM
	default:
		return nil, &provider.UnknownProviderError{Name: r.name}
	}

	if p == nil {
		return nil, fmt.Errorf("provider %s is not initialised", kind)
	}
	return p, nil
}

// ListModels routes a model listing request.
func (r *Router) ListModels(ctx context.Context) (*provider.Response, error) {
	p, err := r.Select()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.ListModels(ctx)
	r.observe(p.Name(), "models", start, resp, err)
	return resp, err
}

// Chat routes a chat completion request.
func (r *Router) Chat(ctx context.Context, req models.ChatRequest) (*provider.Response, error) {
	p, err := r.Select()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := p.Chat(ctx, req)
	r.observe(p.Name(), "chat", start, resp, err)
	if err == nil {
		r.countTokens(p.Name(), resp)
	}
	return resp, err
}

func (r *Router) observe(name, op string, start time.Time, resp *provider.Response, err error) {
	if r.metrics == nil {
		return
	}

	r.metrics.ProviderLatency.WithLabelValues(name, op).Observe(time.Since(start).Seconds())

	outcome := metrics.OutcomeOK
	var transportErr *provider.TransportError
	switch {
	case errors.As(err, &transportErr):
		outcome = metrics.OutcomeTransportError
	case err != nil, resp == nil, resp.Status >= 400:
		outcome = metrics.OutcomeBackendError
	}
	r.metrics.ProviderRequests.WithLabelValues(name, op, outcome).Inc()
}

func (r *Router) countTokens(name string, resp *provider.Response) {
	if r.metrics == nil || resp == nil {
		return
	}
	chat, ok := resp.Body.(models.ChatResponse)
	if !ok || chat.Usage == nil {
		return
	}
	r.metrics.ProviderTokens.WithLabelValues(name, "input").Add(float64(chat.Usage.PromptTokens))
	r.metrics.ProviderTokens.WithLabelValues(name, "output").Add(float64(chat.Usage.CompletionTokens))
}
