package scoring

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

// Live scoring weights. Exposed read-only at /api/formula so agents can see
// exactly what they are optimizing for.
const (
	WeightTasks    = 50
	WeightUptime   = 30
	WeightResponse = 20

	// IdleMultiplier discounts uptime and responsiveness for agents that did
	// no real work this epoch, so a merely-online node cannot harvest reward.
	IdleMultiplier = 0.1

	taskTarget   = 100
	uptimeTarget = 3600
	latencyCeil  = 10000
	solveTimeDiv = 10
)

type TaskRecord struct {
	ChallengeId string
	SolvedAt    time.Time
	SolveTime   float64
}

// AgentScore is the tuple reported on-chain per agent per epoch.
type AgentScore struct {
	Address         string  `json:"address"`
	TaskCount       uint64  `json:"taskCount"`
	UptimeSeconds   uint64  `json:"uptimeSeconds"`
	ResponseScore   uint64  `json:"responseScore"`
	ProcessedTokens uint64  `json:"processedTokens"`
	AvgLatencyInv   uint64  `json:"avgLatencyInv"`
	Composite       float64 `json:"composite"`
}

type MetricsReader interface {
	GetEpochMetrics(ctx context.Context, address string, epoch uint64) (*store.EpochMetrics, error)
}

type VerifiedTokenSource interface {
	VerifiedTokenCount(ctx context.Context, address string, epoch uint64) (uint64, error)
}

type ScoreCache interface {
	SetNodeScore(ctx context.Context, address string, score float64) error
}

// Scorer composes metrics, verified proofs and challenge results into
// per-agent scores. Task and uptime accumulators are epoch-scoped in-memory
// state; the reporter resets them only after a fully successful batch.
type Scorer struct {
	metrics  MetricsReader
	verified VerifiedTokenSource
	cache    ScoreCache

	mu     sync.Mutex
	tasks  map[string][]TaskRecord
	uptime map[string]uint64
}

func NewScorer(metrics MetricsReader, verified VerifiedTokenSource, cache ScoreCache) *Scorer {
	return &Scorer{
		metrics:  metrics,
		verified: verified,
		cache:    cache,
		tasks:    make(map[string][]TaskRecord),
		uptime:   make(map[string]uint64),
	}
}

// RecordTaskSolved appends a solved challenge to the agent's epoch task log.
func (s *Scorer) RecordTaskSolved(address, challengeId string, solveTime float64, solvedAt time.Time) {
	address = util.CanonicalAddress(address)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[address] = append(s.tasks[address], TaskRecord{
		ChallengeId: challengeId,
		SolvedAt:    solvedAt,
		SolveTime:   solveTime,
	})
}

// SetUptime records the agent-authoritative uptime from the latest report.
func (s *Scorer) SetUptime(address string, seconds uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uptime[util.CanonicalAddress(address)] = seconds
}

func (s *Scorer) TaskCount(address string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.tasks[util.CanonicalAddress(address)]))
}

// AgentScore computes the full score tuple for one agent in one epoch.
func (s *Scorer) AgentScore(ctx context.Context, address string, epoch uint64) (*AgentScore, error) {
	address = util.CanonicalAddress(address)

	s.mu.Lock()
	records := s.tasks[address]
	uptime := s.uptime[address]
	s.mu.Unlock()

	taskCount := uint64(len(records))
	var responseScore uint64
	if taskCount > 0 {
		var totalSolve float64
		for _, record := range records {
			totalSolve += record.SolveTime
		}
		avgSolve := totalSolve / float64(taskCount)
		responseScore = uint64(math.Floor(clamp(100-avgSolve/solveTimeDiv, 0, 100)))
	}

	var processedTokens uint64
	var avgLatencyInv uint64
	metrics, err := s.metrics.GetEpochMetrics(ctx, address, epoch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		avgLatencyInv = latencyCeil
	case err != nil:
		return nil, err
	default:
		processedTokens = metrics.TokensProcessed
		if uptime == 0 {
			uptime = metrics.UptimeSeconds
		}
		avgLatencyInv = uint64(math.Floor(math.Max(0, latencyCeil-metrics.AvgLatencyMs)))
	}

	verifiedTokens, err := s.verified.VerifiedTokenCount(ctx, address, epoch)
	if err != nil {
		logging.Warn("Verified token lookup failed", logging.Scoring,
			"address", address, "epoch", epoch, "error", err)
	} else if verifiedTokens > processedTokens {
		// Trust the stronger signal when available.
		processedTokens = verifiedTokens
	}

	score := &AgentScore{
		Address:         address,
		TaskCount:       taskCount,
		UptimeSeconds:   uptime,
		ResponseScore:   responseScore,
		ProcessedTokens: processedTokens,
		AvgLatencyInv:   avgLatencyInv,
	}
	score.Composite = Composite(score)

	if s.cache != nil {
		if err := s.cache.SetNodeScore(ctx, address, score.Composite); err != nil {
			logging.Debug("Score cache update failed", logging.Scoring, "address", address, "error", err)
		}
	}
	return score, nil
}

// Composite folds the tuple into the weighted scalar shown on dashboards.
func Composite(score *AgentScore) float64 {
	taskN := math.Min(100, float64(score.TaskCount)/taskTarget*100)
	upN := math.Min(100, float64(score.UptimeSeconds)/uptimeTarget*100)
	respN := math.Min(100, float64(score.ResponseScore))

	idle := IdleMultiplier
	if score.TaskCount > 0 || score.ProcessedTokens > 0 {
		idle = 1.0
	}
	return (taskN*WeightTasks + upN*WeightUptime*idle + respN*WeightResponse*idle) / 100
}

// ResetEpoch clears the epoch accumulators. Only the reporter calls this,
// and only after every agent in the batch reported successfully.
func (s *Scorer) ResetEpoch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string][]TaskRecord)
	s.uptime = make(map[string]uint64)
}

// Formula describes the live weights for the read-only /api/formula surface.
type Formula struct {
	Weights struct {
		Tasks    int `json:"tasks"`
		Uptime   int `json:"uptime"`
		Response int `json:"response"`
	} `json:"weights"`
	IdleMultiplier float64 `json:"idleMultiplier"`
	TaskTarget     int     `json:"taskTarget"`
	UptimeTarget   int     `json:"uptimeTargetSeconds"`
	LatencyCeiling int     `json:"latencyCeilingMs"`
	Description    string  `json:"description"`
}

func CurrentFormula() Formula {
	var formula Formula
	formula.Weights.Tasks = WeightTasks
	formula.Weights.Uptime = WeightUptime
	formula.Weights.Response = WeightResponse
	formula.IdleMultiplier = IdleMultiplier
	formula.TaskTarget = taskTarget
	formula.UptimeTarget = uptimeTarget
	formula.LatencyCeiling = latencyCeil
	formula.Description = "score = (taskN*50 + upN*30*idle + respN*20*idle) / 100; processedTokens = max(metrics, verifiedProofs)"
	return formula
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
