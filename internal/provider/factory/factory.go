package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"llm-gateway/internal/config"
	"llm-gateway/internal/provider"
	ollamaProvider "llm-gateway/internal/provider/ollama"
	openaiProvider "llm-gateway/internal/provider/openai"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Providers holds one adapter per backend kind.
type Providers struct {
	Ollama provider.Provider
	NIM    provider.Provider
	VLLM   provider.Provider
}

// Build constructs every backend adapter from configuration. All adapters
// share the configured outbound timeout.
func Build(cfg config.Config) (Providers, error) {
	timeout := cfg.Timeout.Std()

	ollama, err := ollamaProvider.New(cfg.Backends.Ollama, cfg.DefaultModel, newHTTPClient(timeout))
	if err != nil {
		return Providers{}, fmt.Errorf("initialise ollama provider: %w", err)
	}

	nim, err := openaiProvider.New(provider.KindNIM.String(), cfg.Backends.NIM, newHTTPClient(timeout))
	if err != nil {
		return Providers{}, fmt.Errorf("initialise nim provider: %w", err)
	}

	vllm, err := openaiProvider.New(provider.KindVLLM.String(), cfg.Backends.VLLM, newHTTPClient(timeout))
	if err != nil {
		return Providers{}, fmt.Errorf("initialise vllm provider: %w", err)
	}

	return Providers{
		Ollama: ollama,
		NIM:    nim,
		VLLM:   vllm,
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
