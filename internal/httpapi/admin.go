package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HandleShutdown signals the server's graceful-stop channel and responds
// before the process actually begins shutting down, so the client sees
// the acknowledgement.
func HandleShutdown(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "shutting down"})
		select {
		case deps.ShutdownNotify <- struct{}{}:
		default:
		}
	}
}

// HandleHealthz reports liveness plus a couple of ambient gauges useful
// for a load balancer's readiness probe.
func HandleHealthz(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"subscribers":  deps.ProgressBus.SubscriberCount(),
			"vector_index": deps.VectorIndex.Stats(),
		})
	}
}

// metricsHandler exposes the default Prometheus registry.
func metricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}
