package httpapi

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// healthz is the liveness probe.
func (s *Server) healthz(c *fiber.Ctx) error {
	return c.SendString("OK")
}

// readyz fails while the database or the broker is unreachable.
func (s *Server) readyz(c *fiber.Ctx) error {
	// Check database connection
	if err := s.deps.DB.Ping(c.UserContext()); err != nil {
		s.log.Error("Database health check failed", zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).SendString("unhealthy: database connection failed")
	}

	// Check broker connection
	if b := s.deps.Broker; b != nil && !b.IsHealthy(c.UserContext()) {
		s.log.Error("Broker health check failed", zap.String("broker", b.Name()))
		return c.Status(fiber.StatusServiceUnavailable).SendString("unhealthy: " + b.Name() + " connection failed")
	}

	return c.SendString("healthy")
}
