package public

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"contribution-oracle/internal/ingest"
	"contribution-oracle/internal/pipeline"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

func (s *Server) postPipelineRegister(ctx echo.Context) error {
	var request PipelineRegisterRequest
	if err := ctx.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	request.Address = util.CanonicalAddress(request.Address)
	if request.Model == "" {
		return ErrModelRequired
	}
	if err := s.verifySigned(request.PipelineRegisterPayload, request.Signature,
		request.Address, request.Timestamp, ingest.FamilyPipelineRegister); err != nil {
		return err
	}

	if err := s.pipeline.Register(ctx.Request().Context(), &request.Registration); err != nil {
		logging.Error("Pipeline registration failed", logging.Server,
			"address", request.Address, "model", request.Model, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	s.guard.Advance(ingest.FamilyPipelineRegister, request.Address, request.Timestamp)

	return ctx.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) postPipelineReady(ctx echo.Context) error {
	var request PipelineReadyRequest
	if err := ctx.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	request.Address = util.CanonicalAddress(request.Address)
	if request.Model == "" {
		return ErrModelRequired
	}
	if err := s.verifySigned(request.PipelineReadyPayload, request.Signature,
		request.Address, request.Timestamp, ingest.FamilyPipelineReady); err != nil {
		return err
	}

	err := s.pipeline.MarkReady(ctx.Request().Context(), request.Address, request.Model)
	if errors.Is(err, pipeline.ErrAssignmentNotFound) {
		return ErrRowNotFound
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	s.guard.Advance(ingest.FamilyPipelineReady, request.Address, request.Timestamp)

	return ctx.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) getTopology(ctx echo.Context) error {
	model := ctx.QueryParam("model")
	if model == "" {
		return ErrModelRequired
	}
	assignments, err := s.pipeline.Topology(ctx.Request().Context(), model)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"model":       model,
		"assignments": assignments,
	})
}
