package opsapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentorch/internal/observability/pprof"
	logx "agentorch/pkg/logx"
)

type RouterOptions struct {
	// Token, when set, is required as a bearer token on /api routes.
	Token       string
	Pprof       bool
	PprofPrefix string
}

// Router builds the gin engine with every route mounted.
func (a *API) Router(opt RouterOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(a.d.Log))

	r.GET("/healthz", a.healthz)
	if a.d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(a.d.Metrics))
	}
	if opt.Pprof {
		pprof.Register(r, opt.PprofPrefix)
	}

	api := r.Group("/api")
	api.Use(bearer(opt.Token))
	{
		mon := api.Group("/monitoring")
		mon.GET("/health", a.health)
		mon.GET("/metrics", a.metrics)
		mon.GET("/alerts", a.listAlerts)
		mon.PATCH("/alerts", a.updateAlert)

		api.GET("/schedules", a.listSchedules)
		api.POST("/schedules", a.createSchedule)
		api.GET("/schedules/:taskId", a.getSchedule)
		api.DELETE("/schedules/:taskId", a.deleteSchedule)
		api.GET("/cron/validate", a.validateCron)

		api.POST("/executions", a.startExecution)
		api.GET("/executions/:id", a.getExecution)

		api.POST("/agents/:id/clear", a.clearAgent)
		api.GET("/agents/:id/performance", a.agentPerformance)
		api.GET("/agents/:id/rankings", a.agentRankings)
		api.GET("/performance/top", a.topPerformers)
	}
	return r
}

func bearer(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

func accessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if !log.Enabled(logx.LevelDebug) {
			return
		}
		log.Debug("ops request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
