// Package api provides the HTTP surface of notifly: admission and status for
// tenants, plus the dead-letter, health and metrics routes for operators.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/scope"
)

// Header names read or written by the API.
const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderAPIKey         = "X-API-Key"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"
)

// ErrNoTenant is returned by a TenantResolver when the caller carries no
// verified tenant identity.
var ErrNoTenant = errors.New("api: tenant not identified")

// TenantResolver extracts the verified tenant of a request. Deployments with
// real authentication replace the header-based default.
type TenantResolver func(r *http.Request) (string, error)

// HeaderTenantResolver trusts the given header as the tenant identity.
func HeaderTenantResolver(header string) TenantResolver {
	return func(r *http.Request) (string, error) {
		if v := r.Header.Get(header); v != "" {
			return v, nil
		}
		return "", ErrNoTenant
	}
}

// Config configures a Handler.
type Config struct {
	// TenantResolver defaults to HeaderTenantResolver(HeaderTenantID).
	TenantResolver TenantResolver

	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Handler is the root HTTP handler.
type Handler struct {
	n        *notifly.Notifly
	tenant   TenantResolver
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewHandler creates the HTTP handler for n.
func NewHandler(n *notifly.Notifly, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TenantResolver == nil {
		cfg.TenantResolver = HeaderTenantResolver(HeaderTenantID)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	h := &Handler{
		n:        n,
		tenant:   cfg.TenantResolver,
		gatherer: cfg.Gatherer,
		logger:   logger,
		engine:   gin.New(),
	}
	h.engine.Use(h.panicRecovery(), h.logging())
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.engine.GET("/healthz", h.healthz)
	h.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	h.engine.GET("/stats", h.getStats)

	tenant := h.engine.Group("/", h.scoped())

	// Notifications
	tenant.POST("/notifications", h.submitNotification)
	tenant.GET("/notifications/:requestId", h.getNotificationStatus)

	// DLQ
	tenant.GET("/dlq", h.listDLQ)
	tenant.GET("/dlq/:id", h.getDLQ)
	tenant.POST("/dlq/:id/replay", h.replayDLQ)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

// scoped resolves the tenant, credential and correlation id into the request
// context and echoes the correlation id back.
func (h *Handler) scoped() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := h.tenant(c.Request)
		if err != nil || tenantID == "" {
			writeError(c, http.StatusUnauthorized, "tenant not identified")
			c.Abort()
			return
		}

		ctx := scope.WithTenant(c.Request.Context(), tenantID)
		if key := c.GetHeader(HeaderAPIKey); key != "" {
			ctx = scope.WithCredential(ctx, key)
		}
		if cid := c.GetHeader(HeaderCorrelationID); cid != "" {
			ctx = scope.WithCorrelationID(ctx, cid)
		}
		ctx, cid := scope.EnsureCorrelationID(ctx)
		c.Header(HeaderCorrelationID, cid)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *Handler) logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.InfoContext(c.Request.Context(), "api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"tenant_id", scope.TenantID(c.Request.Context()),
		)
	}
}

func (h *Handler) panicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.ErrorContext(c.Request.Context(), "panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(c, http.StatusInternalServerError, "internal server error")
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (h *Handler) healthz(c *gin.Context) {
	if err := h.n.Ping(c.Request.Context()); err != nil {
		h.logger.WarnContext(c.Request.Context(), "health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statsResponse struct {
	PendingOutbox int64 `json:"pendingOutbox"`
	DLQSize       int64 `json:"dlqSize"`
}

func (h *Handler) getStats(c *gin.Context) {
	ctx := c.Request.Context()

	pending, err := h.n.Store().CountPending(ctx)
	if err != nil {
		h.internalError(c, "count pending outbox", err)
		return
	}
	dlqCount, err := h.n.DLQ().Count(ctx, "")
	if err != nil {
		h.internalError(c, "count dlq", err)
		return
	}

	c.JSON(http.StatusOK, statsResponse{PendingOutbox: pending, DLQSize: dlqCount})
}

// JSON helpers.

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.ErrorContext(c.Request.Context(), "api: "+op, "error", err)
	writeError(c, http.StatusInternalServerError, "internal server error")
}

// queryInt returns a query parameter as a non-negative int or a default value.
func queryInt(c *gin.Context, key string, defaultVal int) int {
	v := c.Query(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
