// Package httpapi exposes the thin operational HTTP surface the process
// carries alongside its workers: liveness and scheduler status, not the
// request-creation façade (spec §1.1). Grounded on the teacher's gin
// router and request-logging middleware.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reelforge/core/internal/scheduler"
)

// Pinger abstracts a readiness check for one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router builds the operational gin engine.
func Router(sched *scheduler.Scheduler, db Pinger, cache Pinger, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	r.GET("/healthz", healthHandler(db, cache))
	r.GET("/status", statusHandler(sched))

	return r
}

func healthHandler(db, cache Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		body := gin.H{"status": "ok"}
		code := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				body["status"] = "degraded"
				body["database"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				body["database"] = "ok"
			}
		}
		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				body["status"] = "degraded"
				body["cache"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				body["cache"] = "ok"
			}
		}

		c.JSON(code, body)
	}
}

func statusHandler(sched *scheduler.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workers": sched.Status()})
	}
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Info("request")
	}
}
