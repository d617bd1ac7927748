package public

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"contribution-oracle/internal/ingest"
	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

// verifySigned checks a signed endpoint's canonical message, freshness
// window and replay cursor. The cursor only advances after the handler's
// durable write succeeds, via s.guard.Advance.
func (s *Server) verifySigned(payload interface{}, signature, address string, timestamp int64, family ingest.Family) error {
	if !util.IsValidAddress(address) {
		return ErrBadAddress
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unserializable payload")
	}
	if err := ingest.VerifySignedMessage(string(canonical), signature, address); err != nil {
		logging.Warn("Rejected signed request", logging.Server,
			"family", family, "address", address, "error", err)
		return ErrBadSignature
	}
	now := s.now().Unix()
	window := int64(s.freshnessWindow / time.Second)
	if timestamp < now-window || timestamp > now+window {
		return ErrStaleOrReplay
	}
	if !s.guard.Check(family, util.CanonicalAddress(address), timestamp) {
		return ErrStaleOrReplay
	}
	return nil
}

func (s *Server) postNodeRegister(ctx echo.Context) error {
	var request NodeRegisterRequest
	if err := ctx.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	request.Address = util.CanonicalAddress(request.Address)
	if err := s.verifySigned(request.NodeRegisterPayload, request.Signature,
		request.Address, request.Timestamp, ingest.FamilyNodeRegister); err != nil {
		return err
	}

	node := &store.AgentNode{
		Address:               request.Address,
		Endpoint:              request.Endpoint,
		Capabilities:          request.Capabilities,
		Status:                store.AgentStatusActive,
		LastHeartbeat:         s.now().Unix(),
		RegistrationSignature: request.Signature,
		BenchmarkTokPerSec:    request.BenchmarkTokPerSec,
		LanIp:                 request.LanIp,
		CanDistribute:         request.CanDistribute,
	}
	if err := s.reader.UpsertNode(ctx.Request().Context(), node); err != nil {
		logging.Error("Node registration failed", logging.Server, "address", request.Address, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	s.guard.Advance(ingest.FamilyNodeRegister, request.Address, request.Timestamp)

	return ctx.JSON(http.StatusOK, node)
}

func (s *Server) getNodes(ctx echo.Context) error {
	nodes, err := s.reader.ListNodes(ctx.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, nodes)
}

func (s *Server) getNode(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	node, err := s.reader.GetNode(ctx.Request().Context(), address)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRowNotFound
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, node)
}
