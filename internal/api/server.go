// Package api serves the REST surface over the instance manager, plus
// /healthz and the Prometheus /metrics endpoint.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/jobs"
	"github.com/zulandar/roundhouse/internal/models"
	"github.com/zulandar/roundhouse/internal/repository"
	"github.com/zulandar/roundhouse/internal/rights"
	"github.com/zulandar/roundhouse/internal/watchdog"
)

// Manager is the part of instance.Manager the API exposes.
type Manager interface {
	ListInstances(ctx context.Context, caller rights.Caller) ([]models.Instance, error)
	GetInstance(ctx context.Context, id uint, caller rights.Caller) (models.Instance, error)
	CreateInstance(ctx context.Context, rows db.InstanceRows, caller rights.Caller) (models.Instance, error)
	DetachInstance(ctx context.Context, id uint, caller rights.Caller) error
	SetOnline(ctx context.Context, id uint, online bool, caller rights.Caller) (*jobs.Handle, error)

	StartInstance(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error)
	StopInstance(ctx context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error)
	RestartInstance(ctx context.Context, id uint, soft bool, caller rights.Caller) (*jobs.Handle, error)
	CreateDump(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error)
	WatchdogStatus(id uint) (watchdog.Status, error)

	Deploy(ctx context.Context, id uint, caller rights.Caller) (*jobs.Handle, error)
	UpdateTestMerges(ctx context.Context, id uint, merges []repository.TestMergeParameters, caller rights.Caller) (*jobs.Handle, error)

	ListJobs(ctx context.Context, id uint, runningOnly bool, limit int) ([]models.Job, error)
	GetJobStatus(ctx context.Context, jobID uint) (jobs.Status, error)
	CancelJob(ctx context.Context, jobID uint, caller rights.Caller) (models.Job, error)
}

// Reloader refreshes cron schedules after instances are added or removed.
type Reloader interface {
	Reload(ctx context.Context) error
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Manager Manager
	Users   []config.UserConfig
	// Schedules is optional.
	Schedules Reloader
	Port      int
	Out       io.Writer
	Logger    zerolog.Logger
	// StreamInterval is how often job event streams poll for progress.
	StreamInterval time.Duration
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("api: manager is required")
	}
	callers, err := buildCallers(opts.Users)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 500 * time.Millisecond
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(opts.Logger))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{m: opts.Manager, schedules: opts.Schedules, log: opts.Logger, streamInterval: opts.StreamInterval}
	registerRoutes(router.Group("/api", authenticate(callers)), h)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("component", "api").Str("method", c.Request.Method).Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
	}
}
