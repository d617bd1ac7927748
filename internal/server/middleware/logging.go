package middleware

import (
	"github.com/labstack/echo/v4"

	"contribution-oracle/logging"
)

func LoggingMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		request := ctx.Request()
		logging.Debug("Received request", logging.Server,
			"method", request.Method, "path", request.URL.Path)
		return next(ctx)
	}
}
