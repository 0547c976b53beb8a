package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"llm-gateway/internal/config"
	"llm-gateway/internal/engines"
	"llm-gateway/internal/metrics"
	"llm-gateway/internal/models"
	"llm-gateway/internal/provider"
	"llm-gateway/internal/router"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second
	readTimeout         = 30 * time.Second
	idleTimeout         = 120 * time.Second
	// writes must outlast the slowest backend call
	writeMargin = 15 * time.Second
)

type Server struct {
	cfg     config.Config
	router  *router.Router
	metrics *metrics.Metrics
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware. m may be
// nil, in which case no metrics are recorded or exposed.
func New(cfg config.Config, rt *router.Router, m *metrics.Metrics) (*Server, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		HandleError:  true,
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRoutePath: true,
		LogStatus:    true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("request",
				"request_id", v.RequestID,
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"error", v.Error,
			)
			if m != nil {
				m.HTTPRequests.WithLabelValues(v.Method, v.RoutePath, metrics.StatusClass(v.Status)).Inc()
			}
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))

	srv := &Server{
		cfg:     cfg,
		router:  rt,
		metrics: m,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the configured echo instance, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg)
	slog.Info("starting server",
		"addr", s.address,
		"provider", s.router.ProviderName(),
		"auth_enabled", s.cfg.AuthEnabled(),
		"timeout", s.cfg.Timeout.Std().String(),
	)
	if !s.cfg.AuthEnabled() {
		slog.Warn("API_KEY is empty; inbound authentication is disabled")
	}

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: s.cfg.Timeout.Std() + writeMargin,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		slog.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	if s.metrics != nil {
		s.app.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	v1 := s.app.Group("/v1", bearerAuth(s.cfg.APIKey))
	v1.GET("/models", s.handleModels)
	v1.GET("/engines", s.handleEngines)
	v1.POST("/chat/completions", s.handleChatCompletions)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":   "ok",
		"provider": s.router.ProviderName(),
	})
}

func (s *Server) handleModels(c echo.Context) error {
	resp, err := s.router.ListModels(backendContext(c))
	if err != nil {
		return toHTTPError(err)
	}
	return writeProviderResponse(c, resp)
}

func (s *Server) handleEngines(c echo.Context) error {
	if _, err := s.router.Select(); err != nil {
		return toHTTPError(err)
	}

	names, err := engines.List(s.cfg.EnginesDir)
	if err != nil {
		slog.Error("list engines", "dir", s.cfg.EnginesDir, "err", err)
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "failed to list engines",
			Type:    "server_error",
		}
	}
	return c.JSON(http.StatusOK, models.EngineListing{Object: "list", Data: names})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	// Provider selection is reported ahead of body errors.
	if _, err := s.router.Select(); err != nil {
		return toHTTPError(err)
	}

	var req models.ChatRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	resp, err := s.router.Chat(backendContext(c), req)
	if err != nil {
		return toHTTPError(err)
	}
	return writeProviderResponse(c, resp)
}

// backendContext detaches the outbound call from the inbound request so a
// client disconnect does not cancel it; only the client timeout applies.
func backendContext(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func writeProviderResponse(c echo.Context, resp *provider.Response) error {
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	if raw, ok := resp.Body.(json.RawMessage); ok {
		return c.JSONBlob(resp.Status, raw)
	}
	return c.JSON(resp.Status, resp.Body)
}

// bearerAuth enforces "Authorization: Bearer <apiKey>" when apiKey is set.
// An empty key disables the check.
func bearerAuth(apiKey string) echo.MiddlewareFunc {
	expected := []byte("Bearer " + apiKey)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if apiKey == "" {
				return next(c)
			}

			got := c.Request().Header.Get(echo.HeaderAuthorization)
			if subtle.ConstantTimeCompare([]byte(got), expected) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"detail": "unauthorized"})
			}
			return next(c)
		}
	}
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Type:    "invalid_request_error",
			}
		case errors.As(err, &maxErr):
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit),
				Type:    "invalid_request_error",
			}
		case errors.Is(err, models.ErrNotObject):
			return requestError{
				Status:  http.StatusBadRequest,
				Message: err.Error(),
				Type:    "invalid_request_error",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Type:    "invalid_request_error",
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Type:    "invalid_request_error",
		}
	}
	return nil
}

type requestError struct {
	Status  int
	Message string
	Type    string
}

func (e requestError) Error() string {
	return e.Message
}

func writeError(c echo.Context, status int, message, errType string) error {
	body := models.NewErrorBody(message)
	body.Error.Type = errType
	return c.JSON(status, body)
}

func openAIErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var reqErr requestError
	if errors.As(err, &reqErr) {
		_ = writeError(c, reqErr.Status, reqErr.Message, reqErr.Type)
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		_ = writeError(c, he.Code, fmt.Sprint(he.Message), "invalid_request_error")
		return
	}

	slog.Error("unhandled error", "err", err)
	_ = writeError(c, http.StatusInternalServerError, "internal server error", "server_error")
}

// toHTTPError maps dispatch failures onto gateway responses.
func toHTTPError(err error) error {
	var reqErr requestError
	if errors.As(err, &reqErr) {
		return reqErr
	}

	var unknown *provider.UnknownProviderError
	if errors.As(err, &unknown) {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: unknown.Error(),
		}
	}

	var transportErr *provider.TransportError
	if errors.As(err, &transportErr) {
		return requestError{
			Status:  http.StatusServiceUnavailable,
			Message: transportErr.Error(),
		}
	}

	slog.Error("dispatch failed", "err", err)
	return requestError{
		Status:  http.StatusInternalServerError,
		Message: "internal server error",
		Type:    "server_error",
	}
}

func printStartupBanner(cfg config.Config) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("llm-gateway ready")
	fmt.Printf("Listening on http://%s:%d (provider: %s)\n", host, cfg.Server.Port, cfg.Provider)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  GET  /v1/engines")
	fmt.Println("  POST /v1/chat/completions")
	auth := ""
	if cfg.AuthEnabled() {
		auth = " -H 'Authorization: Bearer $API_KEY'"
	}
	fmt.Printf("Example:\n  curl http://%s:%d/v1/chat/completions%s -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, cfg.Server.Port, auth)
}
