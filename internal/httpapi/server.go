// Package httpapi exposes the credit core to other backend services over
// HTTP. Callers authenticate with signed service tokens; the admin role
// unlocks refunds and reconciliation endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/verseforge/creditcore/internal/sweep"
	"github.com/verseforge/creditcore/pkg/credit"
	"go.uber.org/zap"
)

// UsageRecorder extends the read-only usage store with the post-action
// increment.
type UsageRecorder interface {
	credit.UsageStore
	RecordUsage(ctx context.Context, userID string, feature credit.Feature) error
}

// TierDirectory mutates user subscriptions (admin surface).
type TierDirectory interface {
	SetTier(ctx context.Context, userID string, tier credit.TierID) error
}

// Reconciler triggers an on-demand orphan sweep.
type Reconciler interface {
	SweepOnce(ctx context.Context) (sweep.Report, error)
}

// Deps are the collaborators the facade serves.
type Deps struct {
	Logger     *zap.Logger
	Ledger     *credit.Service
	Arbiter    *credit.Arbiter
	Usage      UsageRecorder
	Store      credit.Store
	Directory  TierDirectory
	Reconciler Reconciler
}

// Server is the HTTP facade.
type Server struct {
	cfg  Config
	deps Deps
}

// New validates configuration and dependencies and returns a Server.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil || deps.Arbiter == nil || deps.Usage == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: missing http facade dependency", credit.ErrInvalidServiceConfig)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{cfg: cfg, deps: deps}, nil
}

// Router builds the gin engine; exported for tests.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(server.authMiddleware())

	api.GET("/credits", server.handleBalance)
	api.POST("/credits/validate", server.handleValidate)
	api.GET("/credits/transactions", server.handleHistory)
	api.GET("/usage", server.handleUsage)
	api.POST("/quota/check", server.handleQuotaCheck)
	api.GET("/quota/eligibility/:feature", server.handleEligibility)
	api.POST("/charges", server.handleCharge)
	api.POST("/reservations", server.handleReserve)
	api.POST("/reservations/:id/commit", server.handleCommit)
	api.POST("/reservations/:id/cancel", server.handleCancel)

	admin := api.Group("")
	admin.Use(adminOnly())
	admin.POST("/refunds", server.handleRefund)
	admin.POST("/admin/reconcile", server.handleReconcile)
	admin.POST("/admin/transactions/:id/review", server.handleReview)
	admin.PUT("/admin/subscriptions/:userID", server.handleSetTier)

	return router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.deps.Logger.Info("credit api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.deps.Logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
