package public

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrBadSignature   = echo.NewHTTPError(http.StatusUnauthorized, "signature verification failed")
	ErrStaleOrReplay  = echo.NewHTTPError(http.StatusUnauthorized, "stale timestamp or replay")
	ErrNotRegistered  = echo.NewHTTPError(http.StatusBadRequest, "agent is not registered")
	ErrBoundsExceeded = echo.NewHTTPError(http.StatusBadRequest, "report exceeds bounds")
	ErrBadAddress     = echo.NewHTTPError(http.StatusBadRequest, "invalid address")
	ErrModelRequired  = echo.NewHTTPError(http.StatusBadRequest, "model is required")
	ErrRowNotFound    = echo.NewHTTPError(http.StatusNotFound, "not found")
)
