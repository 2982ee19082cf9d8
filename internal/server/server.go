// Package server exposes the execution subsystem over HTTP.
//
// This is the operational surface consumed by the external routing layer:
// start is non-blocking and returns an id, poll is non-blocking, stop
// returns a boolean, and a WebSocket endpoint streams output deltas to
// live viewers. Session, credit, and LLM concerns live elsewhere.
//
// Security:
//   - Optional API key authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - TLS expected via reverse proxy (not handled here)
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/vizbox/internal/classify"
	"github.com/jkaninda/vizbox/internal/config"
	"github.com/jkaninda/vizbox/internal/observability"
	"github.com/jkaninda/vizbox/internal/runner"
	"github.com/jkaninda/vizbox/internal/workspace"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Server is the HTTP API for the execution subsystem.
type Server struct {
	cfg        *config.HTTPConfig
	supervisor *runner.Supervisor
	obs        *observability.Observability
	logger     *slog.Logger

	okapi  *okapi.Okapi
	group  *okapi.Group
	server *http.Server
}

// New creates the HTTP server. obs may be nil.
func New(cfg *config.HTTPConfig, sup *runner.Supervisor, obs *observability.Observability, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		supervisor: sup,
		obs:        obs,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestBytes())),
	}
}

// Start launches the HTTP server and blocks until it exits.
func (s *Server) Start(ctx context.Context) error {
	s.registerRoutes()

	s.server = &http.Server{
		Addr:              s.cfg.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("http api starting", slog.String("addr", s.cfg.Addr()))
	return s.okapi.StartServer(s.server)
}

func (s *Server) registerRoutes() {
	middlewares := []okapi.Middleware{s.authenticate}
	if s.obs != nil && (s.obs.Metrics != nil || s.obs.Tracer != nil) {
		mw := observability.MetricsMiddleware(s.obs.Metrics, s.obs.TracerOrNil())
		middlewares = append([]okapi.Middleware{mw}, middlewares...)
	}
	s.group = s.okapi.Group("/v1", middlewares...)

	s.group.Post("/executions", s.handleExecute,
		okapi.DocSummary("Start a sandboxed execution of submitted files"),
		okapi.DocTags("Executions"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(http.StatusAccepted, ExecuteResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	s.group.Get("/executions/{id}", s.handleStatus,
		okapi.DocSummary("Poll execution status, output, and snapshots"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(runner.StatusSnapshot{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	s.group.Delete("/executions/{id}", s.handleStop,
		okapi.DocSummary("Stop a running execution"),
		okapi.DocTags("Executions"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(StopResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	if s.cfg.EnableStream {
		// Registered outside the group: live viewers connect without keys.
		s.okapi.Get("/v1/executions/{id}/stream", s.handleStream,
			okapi.DocSummary("Stream output and status deltas over WebSocket"),
			okapi.DocTags("Executions"),
			okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		)
	}

	// Observability endpoints (unauthenticated).
	s.okapi.Get("/healthz", s.handleHealth)
	if s.obs != nil && s.obs.Metrics != nil {
		s.okapi.HandleStd("GET", "/metrics",
			promhttp.HandlerFor(s.obs.Metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if s.cfg.EnableDocs {
		s.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "vizbox",
			Version: "v0.1.0",
		})
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http api stopping")
	return s.okapi.Shutdown(s.server)
}

// --- Handlers ---

// ExecuteRequest is the JSON body for POST /v1/executions.
type ExecuteRequest struct {
	Files []workspace.File `json:"files"`
	// NeedsDisplay overrides the classifier when set.
	NeedsDisplay *bool `json:"needs_display,omitempty"`
}

// ExecuteResponse is returned with HTTP 202.
type ExecuteResponse struct {
	ID           string `json:"id"`
	NeedsDisplay bool   `json:"needs_display"`
	Library      string `json:"library,omitempty"` // Detected graphics library, if any.
}

// StopResponse is the JSON response for DELETE /v1/executions/{id}.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleExecute(c *okapi.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Files) == 0 {
		return c.AbortBadRequest("files are required")
	}

	needsDisplay, library := resolveDisplay(req)

	id, err := s.supervisor.Execute(c.Request().Context(), req.Files, needsDisplay)
	if err != nil {
		// Workspace errors are the caller's fault; nothing was registered.
		if isWorkspaceError(err) {
			return c.AbortBadRequest(err.Error())
		}
		s.logger.Error("execute failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("execution failed to start")
	}

	return c.JSON(http.StatusAccepted, ExecuteResponse{
		ID:           id,
		NeedsDisplay: needsDisplay,
		Library:      library,
	})
}

func (s *Server) handleStatus(c *okapi.Context) error {
	snap, ok := s.supervisor.Status(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	}
	return c.OK(snap)
}

func (s *Server) handleStop(c *okapi.Context) error {
	id := c.Param("id")
	if _, ok := s.supervisor.Status(id); !ok {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "execution not found"})
	}
	return c.OK(StopResponse{Stopped: s.supervisor.Stop(id)})
}

func (s *Server) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Helpers ---

// resolveDisplay applies the explicit override or falls back to the
// classifier.
func resolveDisplay(req ExecuteRequest) (bool, string) {
	res := classify.Classify(req.Files)
	if req.NeedsDisplay != nil {
		return *req.NeedsDisplay, res.Library
	}
	return res.NeedsDisplay(), res.Library
}

func isWorkspaceError(err error) bool {
	return errors.Is(err, workspace.ErrNoFiles) ||
		errors.Is(err, workspace.ErrInvalidFileName) ||
		errors.Is(err, workspace.ErrNoEntryFile)
}

// authenticate checks the Bearer API key when keys are configured.
func (s *Server) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(s.cfg.APIKeys) == 0 {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, caller := range s.cfg.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = caller
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}
