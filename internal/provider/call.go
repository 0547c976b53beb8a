package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"llm-gateway/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "llm-gateway/0.1"
	maxResponseSize = 32 << 20
)

// Endpoint describes how to reach a backend.
type Endpoint struct {
	Name    string
	BaseURL string
	APIKey  string
	Headers map[string]string
	Client  *http.Client

	// MaxResponseBytes caps backend bodies; zero means 32 MiB.
	MaxResponseBytes int64
}

// Call performs a single outbound request and returns the backend status and
// raw body. Any failure to obtain a response is returned as a *TransportError.
func (e Endpoint) Call(ctx context.Context, op, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, e.transportError(op, fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.BaseURL+path, body)
	if err != nil {
		return 0, nil, e.transportError(op, fmt.Errorf("construct request: %w", err))
	}

	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	if e.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		return 0, nil, e.transportError(op, err)
	}
	defer resp.Body.Close()

	limit := e.MaxResponseBytes
	if limit <= 0 {
		limit = maxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, e.transportError(op, fmt.Errorf("read response body: %w", err))
	}
	if int64(len(data)) > limit {
		return 0, nil, e.transportError(op, fmt.Errorf("response body exceeds %d bytes", limit))
	}

	return resp.StatusCode, data, nil
}

func (e Endpoint) transportError(op string, err error) error {
	slog.Warn("backend request failed", "provider", e.Name, "op", op, "err", err)
	return &TransportError{Provider: e.Name, Op: op, Err: err}
}

// PassthroughBody returns data verbatim when it is valid JSON, otherwise the
// raw text wrapped in the canonical error envelope.
func PassthroughBody(data []byte) any {
	if json.Valid(data) {
		return json.RawMessage(data)
	}
	return models.NewErrorBody(string(data))
}
