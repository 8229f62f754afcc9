package rpc

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/sweatpool/sweatpool/logging"
)

var requestDurationMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "sweatpool",
	Subsystem: "rpc",
	Name:      "request_duration_seconds",
	Help:      "Duration of REST requests",
	Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
}, []string{"method", "path", "code"})

// NewEcho creates the echo instance serving the API.
func NewEcho(logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(loggerMiddleware(logger))
	return e
}

// loggerMiddleware attaches a request scoped logger to the request context
// and records the outcome of every request.
func loggerMiddleware(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			logger := logger.Named(c.Path()).With(zap.Stringer("request_id", uuid.New()))
			c.SetRequest(req.WithContext(logging.NewContext(req.Context(), logger)))

			logger.Debug("new request", zap.String("method", req.Method), zap.String("from", c.RealIP()))
			start := time.Now()
			err := next(c)
			if err != nil {
				logger.Info("FAILURE", zap.Error(err))
				// Writes the response so the status below is final.
				c.Error(err)
			}
			code := c.Response().Status
			requestDurationMetric.
				WithLabelValues(req.Method, c.Path(), strconv.Itoa(code)).
				Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
