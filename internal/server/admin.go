// ============================================================================
// Digest Scheduler Admin API
// ============================================================================
//
// Package: internal/server
// File: admin.go
// Purpose: Expose the scheduler management surface to operators over HTTP
//
// Routes:
//   GET    /healthz                  liveness
//   GET    /status                   worker status + quarantined ids
//   GET    /queue                    queue snapshot
//   POST   /queue/jobs               enqueue {subscription_id, user_id, reason, priority, payload}
//   POST   /queue/drain?limit=N      drain without executing
//   PUT    /queue/capacity           {size_cap}
//   POST   /worker/start             {interval} optional, e.g. "30s"
//   POST   /worker/stop
//   POST   /worker/tick              run one tick now
//   DELETE /quarantine/:id           release a quarantined subscription
//   GET    /metrics                  Prometheus exposition (when configured)
//
// Errors are returned as {"error": "..."}:
//   queue.ErrValidation        -> 400
//   queue.ErrCapacityExceeded  -> 429
//   scheduler.ErrTickInProgress-> 409
//   anything else              -> 500
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/digest-scheduler/internal/logging"
	"github.com/ChuLiYu/digest-scheduler/internal/queue"
	"github.com/ChuLiYu/digest-scheduler/internal/scheduler"
	"github.com/ChuLiYu/digest-scheduler/pkg/types"
)

// Manager is the scheduler surface the admin API drives.
type Manager interface {
	EnqueueJob(subscriptionID, userID int64, reason types.Reason, opts ...queue.EnqueueOption) (types.SubscriptionJob, error)
	DrainJobs(limit int) []types.SubscriptionJob
	QueueSnapshot() types.QueueSnapshot
	ConfigureQueue(sizeCap int) ([]types.SubscriptionJob, error)
	Start(interval time.Duration) bool
	Stop() bool
	Status() types.WorkerStatus
	RunTick(ctx context.Context) (scheduler.TickReport, error)
	Quarantined() []int64
	ReleaseQuarantine(id int64) bool
}

type AdminOptions struct {
	Metrics http.Handler // served on /metrics when set
	Logger  zerolog.Logger
}

// Admin is the operator HTTP server.
type Admin struct {
	echo *echo.Echo
	mgr  Manager
	log  zerolog.Logger
}

func NewAdmin(mgr Manager, opts AdminOptions) *Admin {
	a := &Admin{
		echo: echo.New(),
		mgr:  mgr,
		log:  logging.Component(opts.Logger, "admin"),
	}
	e := a.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(a.requestLogger)

	e.GET("/healthz", a.healthz)
	e.GET("/status", a.status)
	e.GET("/queue", a.queueSnapshot)
	e.POST("/queue/jobs", a.enqueue)
	e.POST("/queue/drain", a.drain)
	e.PUT("/queue/capacity", a.capacity)
	e.POST("/worker/start", a.start)
	e.POST("/worker/stop", a.stop)
	e.POST("/worker/tick", a.tick)
	e.DELETE("/quarantine/:id", a.release)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics))
	}
	return a
}

// Handler exposes the router, mostly for httptest.
func (a *Admin) Handler() http.Handler { return a.echo }

// Start listens on addr and blocks until Shutdown.
func (a *Admin) Start(addr string) error {
	a.log.Info().Str("addr", addr).Msg("admin API listening")
	err := a.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Admin) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

// ============================================================================
// Handlers
// ============================================================================

func (a *Admin) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Worker      types.WorkerStatus `json:"worker"`
	Quarantined []int64            `json:"quarantined"`
}

func (a *Admin) status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Worker:      a.mgr.Status(),
		Quarantined: a.mgr.Quarantined(),
	})
}

func (a *Admin) queueSnapshot(c echo.Context) error {
	return c.JSON(http.StatusOK, a.mgr.QueueSnapshot())
}

// EnqueueRequest is the body of POST /queue/jobs.
type EnqueueRequest struct {
	SubscriptionID int64          `json:"subscription_id"`
	UserID         int64          `json:"user_id"`
	Reason         types.Reason   `json:"reason,omitempty"`
	Priority       *int           `json:"priority,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}

func (a *Admin) enqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	opts := []queue.EnqueueOption{queue.WithPayload(req.Payload)}
	if req.Priority != nil {
		opts = append(opts, queue.WithPriority(*req.Priority))
	}
	job, err := a.mgr.EnqueueJob(req.SubscriptionID, req.UserID, req.Reason, opts...)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, job)
}

func (a *Admin) drain(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return &queue.ValidationError{Field: "limit", Value: raw, Reason: "must be an integer"}
		}
		limit = n
	}
	return c.JSON(http.StatusOK, a.mgr.DrainJobs(limit))
}

type capacityRequest struct {
	SizeCap int `json:"size_cap"`
}

type capacityResponse struct {
	Queue   types.QueueSnapshot     `json:"queue"`
	Trimmed []types.SubscriptionJob `json:"trimmed"`
}

func (a *Admin) capacity(c echo.Context) error {
	var req capacityRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	trimmed, err := a.mgr.ConfigureQueue(req.SizeCap)
	if err != nil {
		return err
	}
	if trimmed == nil {
		trimmed = []types.SubscriptionJob{}
	}
	return c.JSON(http.StatusOK, capacityResponse{Queue: a.mgr.QueueSnapshot(), Trimmed: trimmed})
}

type startRequest struct {
	Interval string `json:"interval"`
}

func (a *Admin) start(c echo.Context) error {
	var req startRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return err
		}
	}
	var interval time.Duration
	if req.Interval != "" {
		d, err := time.ParseDuration(req.Interval)
		if err != nil {
			return &queue.ValidationError{Field: "interval", Value: req.Interval, Reason: "must be a duration such as 30s"}
		}
		interval = d
	}
	started := a.mgr.Start(interval)
	return c.JSON(http.StatusOK, map[string]any{"started": started, "status": a.mgr.Status()})
}

func (a *Admin) stop(c echo.Context) error {
	stopped := a.mgr.Stop()
	return c.JSON(http.StatusOK, map[string]any{"stopped": stopped, "status": a.mgr.Status()})
}

func (a *Admin) tick(c echo.Context) error {
	report, err := a.mgr.RunTick(context.WithoutCancel(c.Request().Context()))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

func (a *Admin) release(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return &queue.ValidationError{Field: "id", Value: c.Param("id"), Reason: "must be a positive integer"}
	}
	return c.JSON(http.StatusOK, map[string]bool{"released": a.mgr.ReleaseQuarantine(id)})
}

// ============================================================================
// Middleware and error mapping
// ============================================================================

func (a *Admin) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		a.log.Debug().
			Str("method", c.Request().Method).
			Str("path", c.Path()).
			Int("status", c.Response().Status).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Dur("took", time.Since(start)).
			Msg("admin request")
		return nil
	}
}

// StatusCode maps a management error to an HTTP status.
func StatusCode(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, queue.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrTickInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *Admin) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := StatusCode(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg = http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if code >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", c.Path()).Msg("admin request failed")
	}
	if err := c.JSON(code, map[string]string{"error": msg}); err != nil {
		a.log.Error().Err(err).Msg("failed to write error response")
	}
}
