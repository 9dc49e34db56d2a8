package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/service"
)

// Dependencies holds everything the HTTP handlers need.
type Dependencies struct {
	Config     *config.Config
	Ledger     *service.LedgerService
	Allocator  *service.AllocatorService
	Afk        *service.AfkService
	Tasks      *service.TaskService
	Reconciler *service.ReconcilerService
	Capacity   *service.CapacityService
	Metrics    *metrics.Metrics
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Ping reports readiness on /healthz; nil always reports ready.
	Ping func(ctx context.Context) error
}

// Handler serves the API routes.
type Handler struct {
	deps *Dependencies
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(deps *Dependencies) *gin.Engine {
	h := &Handler{deps: deps}

	r := gin.New()
	r.Use(RequestLogger(), Recovery(), Metrics(deps.Metrics))

	r.GET("/healthz", h.health)
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/api/v1", Identity(deps.Config))
	{
		v1.POST("/accounts", h.register)
		v1.GET("/accounts/me", h.me)
		v1.GET("/accounts/me/transactions", h.myTransactions)

		v1.GET("/catalog/prices", h.prices)
		v1.GET("/catalog/items", h.items)
		v1.GET("/catalog/tasks", h.tasks)

		v1.POST("/upgrades", h.upgrade)
		v1.POST("/purchases", h.purchase)
		v1.POST("/tasks/:id/complete", h.completeTask)
		v1.GET("/tasks/completed", h.completedTasks)

		v1.POST("/afk/start", h.afkStart)
		v1.POST("/afk/tick", h.afkTick)
		v1.POST("/afk/stop", h.afkStop)
		v1.GET("/afk", h.afkStatus)
		v1.GET("/afk/history", h.afkHistory)

		v1.POST("/servers", h.createServer)
		v1.GET("/servers", h.listServers)
		v1.GET("/servers/count", h.serverCount)
		v1.GET("/servers/:id", h.getServer)
		v1.DELETE("/servers/:id", h.deleteServer)
		v1.POST("/servers/:id/power", h.powerServer)
		v1.POST("/servers/:id/retry", h.retryServer)
	}

	admin := v1.Group("/admin", RequireAdmin())
	{
		admin.GET("/accounts", h.listAccounts)
		admin.GET("/accounts/:id", h.getAccount)
		admin.DELETE("/accounts/:id", h.deleteAccount)
		admin.GET("/accounts/:id/transactions", h.accountTransactions)
		admin.GET("/accounts/:id/servers", h.accountServers)
		admin.GET("/accounts/:id/audit", h.auditAccount)
		admin.POST("/accounts/:id/earn", h.earn)
		admin.POST("/accounts/:id/adjust", h.adjust)
		admin.GET("/audit", h.auditAll)

		admin.GET("/inconsistencies", h.listInconsistencies)
		admin.POST("/inconsistencies/:id/resolve", h.resolveInconsistency)

		admin.GET("/nodes", h.listNodes)
		admin.POST("/nodes", h.registerNode)
		admin.GET("/nodes/:id", h.getNode)
		admin.PUT("/nodes/:id/totals", h.setNodeTotals)
		admin.POST("/nodes/:id/reserve", h.reserveNode)
		admin.POST("/nodes/:id/release", h.releaseNode)
	}

	return r
}

func (h *Handler) health(c *gin.Context) {
	if h.deps.Ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			c.JSON(http.StatusServiceUnavailable, envelope{OK: false, Message: "unavailable"})
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

// Server runs the API until its context is cancelled.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
}

// NewServer creates a new Server instance.
func NewServer(cfg config.HTTPConfig, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
