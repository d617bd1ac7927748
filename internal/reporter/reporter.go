package reporter

import (
	"context"
	"sync/atomic"
	"time"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/scoring"
	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

const tickInterval = 60 * time.Second

type Chain interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	CurrentEpoch(ctx context.Context) (uint64, error)
	ActiveAgents(ctx context.Context) ([]string, error)
	ReportContribution(ctx context.Context, report chainclient.ContributionReport) error
}

type ScoreSource interface {
	AgentScore(ctx context.Context, address string, epoch uint64) (*scoring.AgentScore, error)
	ResetEpoch()
}

type ContributionStore interface {
	UpsertContribution(ctx context.Context, contribution *store.Contribution) error
}

// Reporter posts per-agent contribution tuples on-chain once every
// REPORT_INTERVAL_BLOCKS blocks. The contract is idempotent per
// (agent, epoch), so a partially failed cycle is simply retried whole on the
// next tick; the epoch accumulators reset only after a clean sweep.
type Reporter struct {
	chain  Chain
	scores ScoreSource
	store  ContributionStore

	intervalBlocks uint64
	lastBlock      uint64
	blockSeen      bool
	isRunning      atomic.Bool
	now            func() time.Time
}

func NewReporter(chain Chain, scores ScoreSource, contributions ContributionStore, intervalBlocks uint64) *Reporter {
	return &Reporter{
		chain:          chain,
		scores:         scores,
		store:          contributions,
		intervalBlocks: intervalBlocks,
		now:            time.Now,
	}
}

func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick checks block progress and runs a report cycle when due. The
// isRunning gate keeps a slow cycle from overlapping the next tick.
func (r *Reporter) Tick(ctx context.Context) {
	if !r.isRunning.CompareAndSwap(false, true) {
		logging.Debug("Report cycle still in flight, skipping tick", logging.Reporter)
		return
	}
	defer r.isRunning.Store(false)

	block, err := r.chain.CurrentBlock(ctx)
	if err != nil {
		logging.Warn("Block read failed", logging.Reporter, "error", err)
		return
	}
	if !r.blockSeen {
		r.lastBlock = block
		r.blockSeen = true
		return
	}
	if block-r.lastBlock < r.intervalBlocks {
		return
	}

	if r.reportCycle(ctx) {
		r.lastBlock = block
	}
}

// reportCycle reports every active agent and returns true when all of them
// succeeded. Per-agent failures are isolated; any failure leaves the epoch
// accumulators intact for the retry.
func (r *Reporter) reportCycle(ctx context.Context) bool {
	epoch, err := r.chain.CurrentEpoch(ctx)
	if err != nil {
		logging.Warn("Epoch read failed", logging.Reporter, "error", err)
		return false
	}
	agents, err := r.chain.ActiveAgents(ctx)
	if err != nil {
		logging.Warn("Active agent listing failed", logging.Reporter, "error", err)
		return false
	}

	failures := 0
	for _, agent := range agents {
		if err := r.reportAgent(ctx, agent, epoch); err != nil {
			failures++
			logging.Error("Contribution report failed", logging.Reporter,
				"address", agent, "epoch", epoch, "error", err)
		}
	}

	logging.Info("Report cycle finished", logging.Reporter,
		"epoch", epoch, "agents", len(agents), "failures", failures)
	if failures > 0 {
		return false
	}
	r.scores.ResetEpoch()
	return true
}

func (r *Reporter) reportAgent(ctx context.Context, address string, epoch uint64) error {
	score, err := r.scores.AgentScore(ctx, address, epoch)
	if err != nil {
		return err
	}
	err = r.chain.ReportContribution(ctx, chainclient.ContributionReport{
		Agent:           address,
		TaskCount:       score.TaskCount,
		UptimeSeconds:   score.UptimeSeconds,
		ResponseScore:   score.ResponseScore,
		ProcessedTokens: score.ProcessedTokens,
		AvgLatencyInv:   score.AvgLatencyInv,
	})
	if err != nil {
		return err
	}
	// The local row is written only after inclusion so it mirrors chain
	// state rather than intent.
	return r.store.UpsertContribution(ctx, &store.Contribution{
		Address:         address,
		Epoch:           epoch,
		TaskCount:       score.TaskCount,
		UptimeSeconds:   score.UptimeSeconds,
		ResponseScore:   score.ResponseScore,
		ProcessedTokens: score.ProcessedTokens,
		AvgLatencyInv:   score.AvgLatencyInv,
		LastUpdated:     r.now().Unix(),
	})
}
