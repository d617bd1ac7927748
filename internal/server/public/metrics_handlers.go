package public

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"contribution-oracle/internal/ingest"
	"contribution-oracle/logging"
)

const apiKeyHeader = "X-Api-Key"

func (s *Server) postMetrics(ctx echo.Context) error {
	var report ingest.TelemetryReport
	if err := ctx.Bind(&report); err != nil {
		logging.Debug("Failed to decode telemetry body", logging.Server, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := s.ingestor.Ingest(ctx.Request().Context(), &report, ctx.Request().Header.Get(apiKeyHeader))
	if err != nil {
		return telemetryError(err)
	}
	return ctx.JSON(http.StatusOK, result)
}

// telemetryError maps the ingest failure taxonomy onto HTTP statuses:
// auth failures 401, policy failures 400, everything else 500.
func telemetryError(err error) error {
	switch {
	case errors.Is(err, ingest.ErrSignature):
		return ErrBadSignature
	case errors.Is(err, ingest.ErrStaleTimestamp), errors.Is(err, ingest.ErrReplay):
		return ErrStaleOrReplay
	case errors.Is(err, ingest.ErrUnregistered):
		return ErrNotRegistered
	case errors.Is(err, ingest.ErrBounds):
		return ErrBoundsExceeded
	case errors.Is(err, ingest.ErrInvalidAddress):
		return ErrBadAddress
	default:
		logging.Error("Telemetry ingest failed", logging.Server, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
