package bootstrap

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthCheck probes one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Health runs the dependency checks for /healthz and mirrors the result into
// the gRPC health service.
type Health struct {
	server *health.Server
	checks []HealthCheck
	logger logrus.FieldLogger
}

func NewHealth(server *health.Server, logger logrus.FieldLogger, checks ...HealthCheck) *Health {
	return &Health{server: server, checks: checks, logger: logger}
}

// Probe runs every check and returns the failures by name.
func (h *Health) Probe(ctx context.Context) map[string]string {
	failures := make(map[string]string)
	for _, c := range h.checks {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			failures[c.Name] = err.Error()
		}
	}

	status := healthpb.HealthCheckResponse_SERVING
	if len(failures) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	if h.server != nil {
		h.server.SetServingStatus("", status)
	}
	return failures
}

// Watch re-probes every interval until ctx is done.
func (h *Health) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if failures := h.Probe(ctx); len(failures) > 0 {
				h.logger.WithField("failures", failures).Warn("dependency check failed")
			}
		}
	}
}

func (h *Health) Shutdown() {
	if h.server != nil {
		h.server.Shutdown()
	}
}

func (h *Health) Handle(c *gin.Context) {
	failures := h.Probe(c.Request.Context())
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "failures": failures})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
