// Package opsapi is the operator HTTP surface: health, metrics history,
// alerts, schedules, executions and agent performance.
package opsapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"agentorch/internal/domain"
	"agentorch/internal/execution"
	"agentorch/internal/monitor"
	"agentorch/internal/performance"
	"agentorch/internal/storage"
	"agentorch/internal/task/scheduler"
	logx "agentorch/pkg/logx"
)

// Scheduler is the registry surface the API drives.
type Scheduler interface {
	Register(taskID, expr string) error
	Unschedule(taskID string) bool
	Status(taskID string) scheduler.JobStatus
	Jobs() []scheduler.JobStatus
	Location() *time.Location
}

type Executions interface {
	Start(ctx context.Context, req execution.Request) (*execution.Handle, error)
	Clear(ctx context.Context, agentID string) error
}

// Deps are the services behind the routes. Metrics may be nil.
type Deps struct {
	Store       storage.Store
	Scheduler   Scheduler
	Executions  Executions
	Monitor     *monitor.Collector
	Performance *performance.Aggregator
	Metrics     http.Handler
	Log         logx.Logger
	Now         func() time.Time
}

type API struct {
	d Deps
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &API{d: d}
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case domain.IsNotFound(err):
		return http.StatusNotFound
	case domain.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err with the status its kind maps to. Internal errors are
// logged and answered with a generic message.
func (a *API) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.d.Log.Error("ops request failed",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Err(err))
		c.JSON(code, errorBody{Error: "internal error"})
		return
	}
	c.JSON(code, errorBody{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: msg})
}

// queryLimit reads ?limit=, falling back to def for missing or invalid values.
func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
