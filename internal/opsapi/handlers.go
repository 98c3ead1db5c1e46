package opsapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentorch/internal/cronexpr"
	"agentorch/internal/domain"
	"agentorch/internal/execution"
	"agentorch/internal/monitor"
)

func (a *API) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// ---- monitoring ----

func (a *API) health(c *gin.Context) {
	r := a.d.Monitor.Health()
	code := http.StatusOK
	if r.Status == monitor.HealthError {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, r)
}

type metricsBody struct {
	System      []monitor.SystemSnapshot      `json:"system,omitempty"`
	Application []monitor.ApplicationSnapshot `json:"application,omitempty"`
	Current     *monitor.Current              `json:"current,omitempty"`
}

func (a *API) metrics(c *gin.Context) {
	limit := queryLimit(c, 100)
	var out metricsBody
	switch c.DefaultQuery("type", "all") {
	case "system":
		out.System = a.d.Monitor.SystemHistory(limit)
	case "application":
		out.Application = a.d.Monitor.ApplicationHistory(limit)
	case "current":
		cur := a.d.Monitor.Latest()
		out.Current = &cur
	default:
		cur := a.d.Monitor.Latest()
		out = metricsBody{
			System:      a.d.Monitor.SystemHistory(limit),
			Application: a.d.Monitor.ApplicationHistory(limit),
			Current:     &cur,
		}
	}
	c.JSON(http.StatusOK, out)
}

func (a *API) listAlerts(c *gin.Context) {
	alerts, err := a.d.Monitor.Alerts().Alerts(c.Request.Context(), queryLimit(c, 100), c.Query("unresolved") == "true")
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

type alertAction struct {
	AlertID string `json:"alertId"`
	Action  string `json:"action"`
}

func (a *API) updateAlert(c *gin.Context) {
	var req alertAction
	if err := c.ShouldBindJSON(&req); err != nil || req.AlertID == "" || req.Action == "" {
		badRequest(c, "missing required fields: alertId, action")
		return
	}
	if req.Action != "resolve" {
		badRequest(c, "invalid action; supported actions: resolve")
		return
	}
	ok, err := a.d.Monitor.Alerts().ResolveAlert(c.Request.Context(), req.AlertID)
	if err != nil {
		a.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, errorBody{Error: "alert not found or already resolved"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "alert resolved"})
}

// ---- schedules ----

type scheduleRequest struct {
	TaskID   string `json:"taskId"`
	Schedule string `json:"schedule"`
}

func (a *API) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	id, expr := strings.TrimSpace(req.TaskID), strings.TrimSpace(req.Schedule)
	if id == "" {
		badRequest(c, "missing required field: taskId")
		return
	}
	sched, err := cronexpr.Parse(expr)
	if err != nil {
		a.fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := a.d.Store.GetTask(ctx, id); err != nil {
		a.fail(c, err)
		return
	}
	now := a.d.Now()
	next, err := sched.Next(now.In(a.d.Scheduler.Location()))
	if err != nil {
		a.fail(c, domain.Validation("schedule", err.Error()))
		return
	}
	if err := a.d.Store.UpdateTaskSchedule(ctx, id, sched.String(), true, &next, now); err != nil {
		a.fail(c, err)
		return
	}
	if err := a.d.Scheduler.Register(id, sched.String()); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a.d.Scheduler.Status(id))
}

// deleteSchedule stops the job and clears the persisted schedule so it is not
// reloaded on restart.
func (a *API) deleteSchedule(c *gin.Context) {
	id := c.Param("taskId")
	ctx := c.Request.Context()
	if _, err := a.d.Store.GetTask(ctx, id); err != nil {
		a.fail(c, err)
		return
	}
	removed := a.d.Scheduler.Unschedule(id)
	if err := a.d.Store.UpdateTaskSchedule(ctx, id, "", false, nil, a.d.Now()); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "removed": removed})
}

func (a *API) getSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, a.d.Scheduler.Status(c.Param("taskId")))
}

func (a *API) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, a.d.Scheduler.Jobs())
}

type validateBody struct {
	Valid bool        `json:"valid"`
	Error string      `json:"error,omitempty"`
	Next  []time.Time `json:"next,omitempty"`
}

func (a *API) validateCron(c *gin.Context) {
	expr := c.Query("expr")
	if err := cronexpr.Check(expr); err != nil {
		c.JSON(http.StatusOK, validateBody{Valid: false, Error: err.Error()})
		return
	}
	n := queryLimit(c, 5)
	if n > 50 {
		n = 50
	}
	next, err := cronexpr.NextRuns(expr, a.d.Now().In(a.d.Scheduler.Location()), n)
	if err != nil {
		c.JSON(http.StatusOK, validateBody{Valid: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, validateBody{Valid: true, Next: next})
}

// ---- executions ----

type executionRequest struct {
	AgentID string         `json:"agentId"`
	TaskID  string         `json:"taskId,omitempty"`
	Input   domain.Payload `json:"input,omitempty"`
}

func (a *API) startExecution(c *gin.Context) {
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: input must be a JSON object")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		badRequest(c, "missing required field: agentId")
		return
	}
	h, err := a.d.Executions.Start(c.Request.Context(), execution.Request{
		AgentID: req.AgentID,
		TaskID:  req.TaskID,
		Input:   req.Input,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"executionId": h.ExecutionID,
		"status":      domain.ExecutionRunning,
		"message":     "agent execution started",
	})
}

type logView struct {
	Level     domain.LogLevel    `json:"level"`
	Message   string             `json:"message"`
	Metadata  domain.LogMetadata `json:"metadata"`
	Timestamp time.Time          `json:"timestamp"`
}

type executionView struct {
	ID          string                  `json:"id"`
	AgentID     string                  `json:"agentId"`
	TaskID      string                  `json:"taskId,omitempty"`
	Status      domain.ExecutionStatus  `json:"status"`
	Input       domain.Payload          `json:"input,omitempty"`
	Output      *domain.ExecutionOutput `json:"output,omitempty"`
	DurationMS  int64                   `json:"duration,omitempty"`
	Error       string                  `json:"error,omitempty"`
	StartedAt   time.Time               `json:"startedAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	Logs        []logView               `json:"logs"`
}

func (a *API) getExecution(c *gin.Context) {
	ctx := c.Request.Context()
	e, err := a.d.Store.GetExecution(ctx, c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	logs, err := a.d.Store.ListLogs(ctx, e.ID)
	if err != nil {
		a.fail(c, err)
		return
	}
	v := executionView{
		ID:          e.ID,
		AgentID:     e.AgentID,
		TaskID:      e.TaskID,
		Status:      e.Status,
		Input:       e.Input,
		Output:      e.Output,
		DurationMS:  e.Duration.Milliseconds(),
		Error:       e.Error,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
		Logs:        make([]logView, 0, len(logs)),
	}
	for _, l := range logs {
		v.Logs = append(v.Logs, logView{Level: l.Level, Message: l.Message, Metadata: l.Metadata, Timestamp: l.Timestamp})
	}
	c.JSON(http.StatusOK, v)
}

// ---- agents ----

func (a *API) clearAgent(c *gin.Context) {
	id := c.Param("id")
	if err := a.d.Executions.Clear(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agentId": id, "status": domain.AgentIdle})
}

func (a *API) agentPerformance(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	m, err := a.d.Performance.Metrics(ctx, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	body := gin.H{"metrics": m}
	if c.Query("rankings") == "true" {
		r, err := a.d.Performance.Rankings(ctx, id)
		if err != nil {
			a.fail(c, err)
			return
		}
		body["rankings"] = r
	}
	c.JSON(http.StatusOK, body)
}

func (a *API) agentRankings(c *gin.Context) {
	r, err := a.d.Performance.Rankings(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) topPerformers(c *gin.Context) {
	top, err := a.d.Performance.Top(c.Request.Context(), queryLimit(c, 10), c.Query("metric"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, top)
}
