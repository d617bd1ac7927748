package distributor

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

const tickInterval = 60 * time.Second

type Chain interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
	EpochDistributed(ctx context.Context, epoch uint64) (bool, error)
	SyncRewards(ctx context.Context) error
	DistributeRewards(ctx context.Context, epoch uint64) error
	EpochAgents(ctx context.Context, epoch uint64) ([]string, error)
	EpochContribution(ctx context.Context, epoch uint64, address string) (*chainclient.ContributionReport, error)
	PendingReward(ctx context.Context, address string) (*big.Int, error)
}

type Store interface {
	UpsertContribution(ctx context.Context, contribution *store.Contribution) error
	UpsertEpoch(ctx context.Context, epoch *store.Epoch) error
}

// Distributor closes epochs: when the chain rolls past lastCheckedEpoch it
// triggers on-chain distribution for the previous epoch and back-fills the
// local rows from what the contract actually settled.
type Distributor struct {
	chain Chain
	store Store

	lastCheckedEpoch uint64
	epochSeen        bool
	isRunning        atomic.Bool
	now              func() time.Time
}

func NewDistributor(chain Chain, st Store) *Distributor {
	return &Distributor{chain: chain, store: st, now: time.Now}
}

func (d *Distributor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

func (d *Distributor) Tick(ctx context.Context) {
	if !d.isRunning.CompareAndSwap(false, true) {
		return
	}
	defer d.isRunning.Store(false)

	current, err := d.chain.CurrentEpoch(ctx)
	if err != nil {
		logging.Warn("Epoch read failed", logging.Distributor, "error", err)
		return
	}
	if !d.epochSeen {
		d.lastCheckedEpoch = current
		d.epochSeen = true
		return
	}
	if current <= d.lastCheckedEpoch {
		return
	}

	previous := current - 1
	if err := d.closeEpoch(ctx, previous); err != nil {
		// Leave lastCheckedEpoch untouched so the next tick retries.
		logging.Error("Epoch close failed", logging.Distributor, "epoch", previous, "error", err)
		return
	}
	d.lastCheckedEpoch = current
}

func (d *Distributor) closeEpoch(ctx context.Context, epoch uint64) error {
	distributed, err := d.chain.EpochDistributed(ctx, epoch)
	if err != nil {
		return err
	}
	if !distributed {
		// The contract requires sync before distribute; both land serially
		// with inclusion waits to rule out ordering hazards.
		if err := d.chain.SyncRewards(ctx); err != nil {
			return err
		}
		if err := d.chain.DistributeRewards(ctx, epoch); err != nil {
			return err
		}
		logging.Info("Epoch rewards distributed", logging.Distributor, "epoch", epoch)
	}
	return d.backfill(ctx, epoch)
}

// backfill mirrors the settled epoch back into local rows for dashboards.
func (d *Distributor) backfill(ctx context.Context, epoch uint64) error {
	agents, err := d.chain.EpochAgents(ctx, epoch)
	if err != nil {
		return err
	}

	reward := new(big.Int)
	for _, agent := range agents {
		contribution, err := d.chain.EpochContribution(ctx, epoch, agent)
		if err != nil {
			logging.Warn("Contribution back-fill failed", logging.Distributor,
				"address", agent, "epoch", epoch, "error", err)
			continue
		}
		err = d.store.UpsertContribution(ctx, &store.Contribution{
			Address:         contribution.Agent,
			Epoch:           epoch,
			TaskCount:       contribution.TaskCount,
			UptimeSeconds:   contribution.UptimeSeconds,
			ResponseScore:   contribution.ResponseScore,
			ProcessedTokens: contribution.ProcessedTokens,
			AvgLatencyInv:   contribution.AvgLatencyInv,
			LastUpdated:     d.now().Unix(),
		})
		if err != nil {
			logging.Warn("Contribution row write failed", logging.Distributor,
				"address", agent, "epoch", epoch, "error", err)
		}
		if pending, err := d.chain.PendingReward(ctx, agent); err == nil {
			reward.Add(reward, pending)
		}
	}

	return d.store.UpsertEpoch(ctx, &store.Epoch{
		Number:      epoch,
		Reward:      reward.String(),
		AgentCount:  uint64(len(agents)),
		Distributed: true,
		SyncedAt:    d.now().Unix(),
	})
}
