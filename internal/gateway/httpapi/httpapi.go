// Package httpapi implements the HTTP API for Jenga.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Strict request validation
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/jenga/internal/observability"
	"github.com/jkaninda/jenga/internal/ratelimit"
	"github.com/jkaninda/jenga/internal/runner"
	"github.com/jkaninda/jenga/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIToken       string // Bearer token. Empty = no authentication.
	MaxRequestSize int64  // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API server. It submits episodes to the runner and
// serves the persisted episode history.
type Gateway struct {
	config  Config
	runner  *runner.Runner
	store   storage.Store // nil = episode history endpoints return empty.
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
}

// NewGateway creates the HTTP API server. rl may be nil, which disables
// rate limiting on episode submission.
func NewGateway(cfg Config, r *runner.Runner, store storage.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		runner:  r,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Jenga",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	group := g.okapi.Group("/v1", g.authenticate)

	group.Post("/episodes", g.handleEpisodeSubmit,
		okapi.DocSummary("Submit an episode to run asynchronously"),
		okapi.DocTags("Episodes"),
		okapi.DocRequestBody(EpisodeSubmitRequest{}),
		okapi.DocResponse(http.StatusAccepted, EpisodeSubmitResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	group.Get("/episodes", g.handleEpisodeList,
		okapi.DocSummary("List recent episodes"),
		okapi.DocTags("Episodes"),
		okapi.DocResponse([]EpisodeResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Get("/episodes/{id}", g.handleEpisodeGet,
		okapi.DocSummary("Get an episode by ID"),
		okapi.DocTags("Episodes"),
		okapi.DocPathParam("id", "string", "Episode ID (UUID)"),
		okapi.DocResponse(EpisodeResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// EpisodeSubmitRequest is the JSON body for POST /v1/episodes.
type EpisodeSubmitRequest struct {
	Task string `json:"task"`
}

// EpisodeSubmitResponse is returned with HTTP 202 once the episode is queued.
type EpisodeSubmitResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Message       string `json:"message"`
}

func (g *Gateway) handleEpisodeSubmit(c *okapi.Context) error {
	// Rate limit. Episodes are expensive: each one runs a full agent loop.
	if g.limiter != nil {
		clientID := c.GetString("client")
		if clientID == "" {
			clientID = "anonymous"
		}
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req EpisodeSubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("task is required")
	}
	if strings.TrimSpace(req.Task) == "" {
		return c.AbortBadRequest("task is required")
	}
	if int64(len(req.Task)) > g.maxRequestSize() {
		return c.AbortBadRequest("task is too large")
	}

	correlationID := newCorrelationID()
	g.logger.Info("episode submitted",
		slog.String("correlation_id", correlationID),
		slog.Int("task_bytes", len(req.Task)),
	)

	// The episode outlives the HTTP request. Its outcome lands in the store
	// and on disk under the episode directory.
	go func() {
		res, err := g.runner.RunEpisode(context.Background(), req.Task)
		if err != nil {
			g.logger.Error("episode failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return
		}
		g.logger.Info("episode completed",
			slog.String("correlation_id", correlationID),
			slog.String("episode_id", res.EpisodeID),
			slog.String("state", res.State),
		)
	}()

	return c.JSON(http.StatusAccepted, EpisodeSubmitResponse{
		Status:        "accepted",
		CorrelationID: correlationID,
		Message:       "episode running; poll GET /v1/episodes for the outcome",
	})
}

// EpisodeResponse is one persisted episode record.
type EpisodeResponse struct {
	ID          string  `json:"id"`
	Task        string  `json:"task"`
	State       string  `json:"state"`
	Steps       int     `json:"steps"`
	Summary     string  `json:"summary,omitempty"`
	Error       string  `json:"error,omitempty"`
	Graded      bool    `json:"graded"`
	InstallOK   bool    `json:"install_ok"`
	BuildOK     bool    `json:"build_ok"`
	ServeOK     bool    `json:"serve_ok"`
	OverallPass bool    `json:"overall_pass"`
	Score       float64 `json:"score,omitempty"`
	MaxScore    float64 `json:"max_score,omitempty"`
	StartedAt   string  `json:"started_at"`
	DurationMS  int64   `json:"duration_ms"`
}

func (g *Gateway) handleEpisodeList(c *okapi.Context) error {
	if g.store == nil {
		return c.OK([]EpisodeResponse{})
	}

	episodes, err := g.store.ListEpisodes(c.Context(), 50)
	if err != nil {
		g.logger.Error("listing episodes failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing episodes failed")
	}

	resp := make([]EpisodeResponse, len(episodes))
	for i, e := range episodes {
		resp[i] = toEpisodeResponse(e)
	}
	return c.OK(resp)
}

func (g *Gateway) handleEpisodeGet(c *okapi.Context) error {
	if g.store == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "episode not found"})
	}

	e, err := g.store.GetEpisode(c.Context(), c.Param("id"))
	if err != nil {
		g.logger.Error("loading episode failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("loading episode failed")
	}
	if e == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "episode not found"})
	}
	return c.OK(toEpisodeResponse(e))
}

func toEpisodeResponse(e *storage.Episode) EpisodeResponse {
	return EpisodeResponse{
		ID:          e.ID,
		Task:        e.Task,
		State:       e.State,
		Steps:       e.Steps,
		Summary:     e.Summary,
		Error:       e.Error,
		Graded:      e.Graded,
		InstallOK:   e.InstallOK,
		BuildOK:     e.BuildOK,
		ServeOK:     e.ServeOK,
		OverallPass: e.OverallPass,
		Score:       e.Score,
		MaxScore:    e.MaxScore,
		StartedAt:   e.StartedAt.UTC().Format(time.RFC3339),
		DurationMS:  e.DurationMS,
	}
}

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the Bearer token with a constant-time comparison.
// An empty configured token disables authentication.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.APIToken == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.APIToken)) != 1 {
			return c.AbortUnauthorized("invalid API token")
		}
		c.Set("client", "api")
		return next(c)
	}
}

// --- Helpers ---

func (g *Gateway) maxRequestSize() int64 {
	if g.config.MaxRequestSize > 0 {
		return g.config.MaxRequestSize
	}
	return defaultMaxRequestSize
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
