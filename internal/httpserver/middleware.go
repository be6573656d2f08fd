package httpserver

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/wow-sync/internal/logger"
	"github.com/tphakala/wow-sync/internal/observability/metrics"
)

// metricsMiddleware records request count, latency and in-flight requests.
// Paths are labelled with the route pattern to keep cardinality bounded.
func metricsMiddleware(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestStarted()
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.RecordHTTPRequest(c.Request().Method, path, c.Response().Status, time.Since(start).Seconds())
			return nil
		}
	}
}

func requestLogger(log logger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			log.Debug("HTTP request",
				logger.String("method", c.Request().Method),
				logger.String("path", c.Request().URL.Path),
				logger.Int("status", c.Response().Status),
				logger.Duration("latency", time.Since(start)))
			return nil
		}
	}
}
