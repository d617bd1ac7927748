package public

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"contribution-oracle/internal/scoring"
	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
)

const defaultListLimit = 100

func (s *Server) getAgents(ctx echo.Context) error {
	agents, err := s.reader.ListAgents(ctx.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, agents)
}

func (s *Server) getAgent(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	requestCtx := ctx.Request().Context()
	agent, err := s.reader.GetAgent(requestCtx, address)
	if errors.Is(err, store.ErrNotFound) {
		// The local row may lag the chain; fall back to the node's agent
		// metadata RPC before reporting absence.
		meta, metaErr := s.chain.AgentMeta(requestCtx, address)
		if metaErr != nil {
			return ErrRowNotFound
		}
		return ctx.JSON(http.StatusOK, &store.Agent{
			Address:  address,
			Status:   store.AgentStatusInactive,
			NodeId:   meta.NodeId,
			Metadata: meta.Metadata,
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, agent)
}

func (s *Server) getEpochs(ctx echo.Context) error {
	epochs, err := s.reader.ListEpochs(ctx.Request().Context(), defaultListLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, epochs)
}

func (s *Server) getEpoch(ctx echo.Context) error {
	number, err := strconv.ParseUint(ctx.Param("number"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid epoch number")
	}
	epoch, err := s.reader.GetEpoch(ctx.Request().Context(), number)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRowNotFound
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, epoch)
}

func (s *Server) getChallenges(ctx echo.Context) error {
	challenges, err := s.reader.ListChallenges(ctx.Request().Context(), defaultListLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, challenges)
}

func (s *Server) getRewards(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	requestCtx := ctx.Request().Context()

	pending, err := s.chain.PendingReward(requestCtx, address)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	contributions, err := s.reader.ContributionsByAddress(requestCtx, address, defaultListLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, &RewardsResponse{
		Address:       address,
		PendingReward: pending.String(),
		Contributions: contributions,
	})
}

func (s *Server) getFormula(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, scoring.CurrentFormula())
}

func (s *Server) getStats(ctx echo.Context) error {
	stats, err := s.reader.GetNetworkStats(ctx.Request().Context())
	if errors.Is(err, store.ErrNotFound) {
		return ctx.JSON(http.StatusOK, &store.NetworkStats{})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, stats)
}

func (s *Server) getMetrics(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	rows, err := s.reader.MetricsByAddress(ctx.Request().Context(), address)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, rows)
}

// getLeaderboard ranks the current epoch's agents by processed tokens.
func (s *Server) getLeaderboard(ctx echo.Context) error {
	requestCtx := ctx.Request().Context()
	epoch, err := s.chain.CurrentEpoch(requestCtx)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	rows, err := s.reader.MetricsForEpoch(requestCtx, epoch)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	entries := make([]LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, LeaderboardEntry{
			Address:         row.Address,
			ProcessedTokens: row.TokensProcessed,
			RequestCount:    row.RequestCount,
			AvgLatencyMs:    row.AvgLatencyMs,
			UptimeSeconds:   row.UptimeSeconds,
		})
	}
	return ctx.JSON(http.StatusOK, map[string]interface{}{
		"epoch":       epoch,
		"leaderboard": entries,
	})
}

func (s *Server) getProofs(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	proofs, err := s.reader.ProofsByAddress(ctx.Request().Context(), address, defaultListLimit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, proofs)
}

func (s *Server) getProofStats(ctx echo.Context) error {
	address := util.CanonicalAddress(ctx.Param("address"))
	stats, err := s.reader.ProofStatsByAddress(ctx.Request().Context(), address)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
	return ctx.JSON(http.StatusOK, stats)
}
