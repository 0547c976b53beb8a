package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"llm-gateway/internal/config"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/provider/factory"
	"llm-gateway/internal/router"
)

type gateway struct {
	handler http.Handler
	metrics *metrics.Metrics
}

func newGateway(t *testing.T, env map[string]string) gateway {
	t.Helper()

	cfg, err := config.Load("", func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	providers, err := factory.Build(cfg)
	if err != nil {
		t.Fatalf("build providers: %v", err)
	}

	m := metrics.New()
	srv, err := New(cfg, router.New(cfg.Provider, providers, m), m)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return gateway{handler: srv.Handler(), metrics: m}
}

func (g gateway) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response is not a JSON object: %v (%s)", err, rec.Body.String())
	}
	return out
}

func newOllamaBackend(t *testing.T, chatResponse string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"deepseek-r1:8b"}]}`))
		case "/api/chat":
			_, _ = w.Write([]byte(chatResponse))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealth_NoAuthRequired(t *testing.T) {
	g := newGateway(t, map[string]string{"API_KEY": "k", "LLM_PROVIDER": " VLLM "})

	rec := g.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["provider"] != "vllm" {
		t.Errorf("unexpected health body %v", body)
	}
}

func TestAuthGuard(t *testing.T) {
	backend := newOllamaBackend(t, `{"message":{"content":"hi"}}`)
	g := newGateway(t, map[string]string{"API_KEY": "s3cret", "OLLAMA_BASE_URL": backend.URL})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong key", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic s3cret", want: http.StatusUnauthorized},
		{name: "lowercase scheme", header: "bearer s3cret", want: http.StatusUnauthorized},
		{name: "trailing space", header: "Bearer s3cret ", want: http.StatusUnauthorized},
		{name: "exact", header: "Bearer s3cret", want: http.StatusOK},
	}

	endpoints := []struct {
		method, path, body string
	}{
		{http.MethodGet, "/v1/models", ""},
		{http.MethodGet, "/v1/engines", ""},
		{http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`},
	}

	for _, tt := range tests {
		for _, ep := range endpoints {
			t.Run(tt.name+" "+ep.path, func(t *testing.T) {
				headers := map[string]string{}
				if tt.header != "" {
					headers["Authorization"] = tt.header
				}
				rec := g.do(t, ep.method, ep.path, ep.body, headers)
				if rec.Code != tt.want {
					t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
				}
				if tt.want == http.StatusUnauthorized {
					if strings.TrimSpace(rec.Body.String()) != `{"detail":"unauthorized"}` {
						t.Errorf("unexpected 401 body %s", rec.Body.String())
					}
				}
			})
		}
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	backend := newOllamaBackend(t, `{}`)
	g := newGateway(t, map[string]string{"OLLAMA_BASE_URL": backend.URL})

	rec := g.do(t, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer anything"})
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestChat_OllamaScenario(t *testing.T) {
	backend := newOllamaBackend(t, `{"message":{"content":"hi"}}`)
	g := newGateway(t, map[string]string{"OLLAMA_BASE_URL": backend.URL, "DEFAULT_MODEL": "llama3"})

	rec := g.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hello"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if _, ok := body["usage"]; ok {
		t.Errorf("usage must be absent: %v", body)
	}
	if body["object"] != "chat.completion" || body["model"] != "llama3" {
		t.Errorf("unexpected envelope %v", body)
	}
	id, _ := body["id"].(string)
	if !strings.HasPrefix(id, "chatcmpl-ollama-") {
		t.Errorf("unexpected id %q", id)
	}

	choices, _ := body["choices"].([]any)
	if len(choices) != 1 {
		t.Fatalf("expected one choice, got %v", body["choices"])
	}
	choice := choices[0].(map[string]any)
	msg := choice["message"].(map[string]any)
	if msg["content"] != "hi" || msg["role"] != "assistant" || choice["finish_reason"] != "stop" || choice["index"] != float64(0) {
		t.Errorf("unexpected choice %v", choice)
	}
}

func TestChat_UnknownProvider(t *testing.T) {
	g := newGateway(t, map[string]string{"LLM_PROVIDER": "bogus"})

	for _, ep := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/models", ""},
		{http.MethodPost, "/v1/chat/completions", `{"messages":[]}`},
		{http.MethodPost, "/v1/chat/completions", ""},
		{http.MethodPost, "/v1/chat/completions", `[1]`},
	} {
		rec := g.do(t, ep.method, ep.path, ep.body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", ep.path, rec.Code)
		}
		if got := strings.TrimSpace(rec.Body.String()); got != `{"error":{"message":"Unknown provider: bogus"}}` {
			t.Errorf("%s: unexpected body %s", ep.path, got)
		}
	}
}

func TestChat_PassthroughMalformedBody(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("oops"))
	}))
	defer backend.Close()

	g := newGateway(t, map[string]string{"LLM_PROVIDER": "nim", "NIM_BASE_URL": backend.URL + "/v1"})

	rec := g.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"m","messages":[]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected backend status 429, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":{"message":"oops"}}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestModels_PassthroughVerbatim(t *testing.T) {
	const listing = `{"object":"list","data":[{"id":"b","object":"model","created":2,"owned_by":"vllm","max_model_len":4096}]}`
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(listing))
	}))
	defer backend.Close()

	g := newGateway(t, map[string]string{"LLM_PROVIDER": "vllm", "VLLM_BASE_URL": backend.URL})

	rec := g.do(t, http.MethodGet, "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != listing {
		t.Errorf("expected verbatim listing, got %s", got)
	}
}

func TestModels_OllamaIdempotent(t *testing.T) {
	backend := newOllamaBackend(t, `{}`)
	g := newGateway(t, map[string]string{"OLLAMA_BASE_URL": backend.URL})

	first := g.do(t, http.MethodGet, "/v1/models", "", nil)
	second := g.do(t, http.MethodGet, "/v1/models", "", nil)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("listings differ:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	body := decodeBody(t, first)
	data := body["data"].([]any)
	if body["object"] != "list" || len(data) != 2 {
		t.Fatalf("unexpected listing %v", body)
	}
	entry := data[0].(map[string]any)
	if entry["id"] != "llama3:latest" || entry["owned_by"] != "ollama" || entry["object"] != "model" || entry["created"] != float64(0) {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestTransportFailure_Returns503(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := backend.URL
	backend.Close()

	g := newGateway(t, map[string]string{"OLLAMA_BASE_URL": url})

	for _, ep := range []struct{ method, path, body string }{
		{http.MethodGet, "/v1/models", ""},
		{http.MethodPost, "/v1/chat/completions", `{"messages":[]}`},
		{http.MethodPost, "/v1/chat/completions", ""},
		{http.MethodPost, "/v1/chat/completions", `[1]`},
	} {
		rec := g.do(t, ep.method, ep.path, ep.body, nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", ep.path, rec.Code)
		}
		body := decodeBody(t, rec)
		errObj, _ := body["error"].(map[string]any)
		msg, _ := errObj["message"].(string)
		if !strings.HasPrefix(msg, "Provider request failed: ") {
			t.Errorf("%s: unexpected message %q", ep.path, msg)
		}
	}

	if got := testutil.ToFloat64(g.metrics.ProviderRequests.WithLabelValues("ollama", "chat", metrics.OutcomeTransportError)); got != 1 {
		t.Errorf("expected transport error to be counted, got %v", got)
	}
}

func TestTimeout_Returns503(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer backend.Close()
	defer close(release)

	g := newGateway(t, map[string]string{"OLLAMA_BASE_URL": backend.URL, "LLM_TIMEOUT": "0.05"})

	rec := g.do(t, http.MethodPost, "/v1/chat/completions", `{"messages":[]}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 on timeout, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestChat_InvalidBody(t *testing.T) {
	g := newGateway(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "array", body: `[1,2]`},
		{name: "broken", body: `{"messages":`},
		{name: "trailing data", body: `{} {}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			g.handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d (%s)", rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			errObj, _ := body["error"].(map[string]any)
			if errObj["type"] != "invalid_request_error" {
				t.Errorf("unexpected error body %v", body)
			}
		})
	}
}

func TestEngines(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := os.Mkdir(filepath.Join(dir, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	g := newGateway(t, map[string]string{"ENGINES_DIR": dir})
	rec := g.do(t, http.MethodGet, "/v1/engines", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"object":"list","data":["alpha","mid","zeta"]}` {
		t.Errorf("unexpected engines body %s", got)
	}
}

func TestEngines_MissingDirectory(t *testing.T) {
	g := newGateway(t, map[string]string{"ENGINES_DIR": filepath.Join(t.TempDir(), "nope")})

	rec := g.do(t, http.MethodGet, "/v1/engines", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"object":"list","data":[]}` {
		t.Errorf("unexpected engines body %s", got)
	}
}

func TestEngines_UnknownProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "alpha"), 0o755); err != nil {
		t.Fatal(err)
	}
	g := newGateway(t, map[string]string{"LLM_PROVIDER": "bogus", "ENGINES_DIR": dir})

	rec := g.do(t, http.MethodGet, "/v1/engines", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":{"message":"Unknown provider: bogus"}}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t, map[string]string{"API_KEY": "k"})

	g.do(t, http.MethodGet, "/health", "", nil)
	rec := g.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "gateway_http_requests_total") {
		t.Errorf("expected request counter in exposition:\n%s", rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	g := newGateway(t, nil)

	rec := g.do(t, http.MethodGet, "/health", "", nil)
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-ID response header")
	}
}
