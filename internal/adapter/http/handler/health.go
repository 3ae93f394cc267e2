package handler

import (
	"net/http"
	"sort"
	"time"

	"payment-orchestrator/internal/breaker"
	"payment-orchestrator/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type depStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func runChecks(c *gin.Context, checkers []ports.HealthChecker) (map[string]depStatus, bool) {
	checks := make(map[string]depStatus)
	allHealthy := true

	for _, checker := range checkers {
		if err := checker.Ping(c.Request.Context()); err != nil {
			checks[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
			allHealthy = false
		} else {
			checks[checker.Name()] = depStatus{Status: "healthy"}
		}
	}
	return checks, allHealthy
}

// HealthCheck handles GET /health — deep health check verifying all dependencies.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks, allHealthy := runChecks(c, checkers)

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":    status,
			"checks":    checks,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// Ready handles GET /ready. Beyond dependency connectivity it refuses
// while any provider circuit is open, so load balancers stop routing
// charges at a node that cannot reach its providers.
func Ready(breakers *breaker.Registry, checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks, allHealthy := runChecks(c, checkers)

		open := make([]string, 0)
		for name, state := range breakers.States() {
			if state == breaker.StateOpen {
				open = append(open, name)
			}
		}
		sort.Strings(open)

		status := "ready"
		httpCode := http.StatusOK
		if !allHealthy || len(open) > 0 {
			status = "not_ready"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":        status,
			"checks":        checks,
			"open_breakers": open,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		})
	}
}
