package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/papercomputeco/cortex/pkg/metrics"
)

// instrument records request counts and latencies by route pattern.
func (s *Server) instrument(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	route := c.Route().Path
	status := c.Response().StatusCode()
	if fe, ok := err.(*fiber.Error); ok {
		status = fe.Code
	}
	metrics.RequestCount.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
	return err
}
