package challenges

import (
	"context"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"time"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
	"contribution-oracle/logging"
)

const defaultDifficulty = 4

type Chain interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	CurrentChallengeOnChain(ctx context.Context) (*chainclient.OnChainChallenge, error)
	CreateChallenge(ctx context.Context, difficulty uint64, seed [32]byte, duration uint64) error
	ChallengeEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chainclient.ChallengeCreatedEvent, []chainclient.ChallengeSolvedEvent, error)
}

type Store interface {
	UpsertChallenge(ctx context.Context, challenge *store.Challenge) error
	MarkChallengeSolved(ctx context.Context, id, solver string) error
}

type TaskRecorder interface {
	RecordTaskSolved(address, challengeId string, solveTime float64, solvedAt time.Time)
}

// Orchestrator keeps a live challenge on-chain and folds solve events into
// the scorer's epoch task log.
type Orchestrator struct {
	chain  Chain
	store  Store
	scorer TaskRecorder

	interval  time.Duration
	lastBlock uint64
	blockSeen bool
	isRunning atomic.Bool
	now       func() time.Time
}

func NewOrchestrator(chain Chain, st Store, scorer TaskRecorder, interval time.Duration) *Orchestrator {
	return &Orchestrator{
		chain:    chain,
		store:    st,
		scorer:   scorer,
		interval: interval,
		now:      time.Now,
	}
}

func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.isRunning.CompareAndSwap(false, true) {
		return
	}
	defer o.isRunning.Store(false)

	block, err := o.chain.CurrentBlock(ctx)
	if err != nil {
		logging.Warn("Block read failed", logging.Challenges, "error", err)
		return
	}
	if o.blockSeen && block > o.lastBlock {
		o.drainEvents(ctx, o.lastBlock+1, block)
	}
	o.lastBlock = block
	o.blockSeen = true

	o.ensureLiveChallenge(ctx)
}

func (o *Orchestrator) drainEvents(ctx context.Context, fromBlock, toBlock uint64) {
	created, solved, err := o.chain.ChallengeEvents(ctx, fromBlock, toBlock)
	if err != nil {
		logging.Warn("Challenge event poll failed", logging.Challenges, "error", err)
		return
	}
	now := o.now()
	for _, event := range created {
		err := o.store.UpsertChallenge(ctx, &store.Challenge{
			Id:          event.Id,
			Difficulty:  event.Difficulty,
			Seed:        event.Seed,
			CreatedAt:   now.Unix(),
			ExpiresAt:   int64(event.ExpiresAt),
			RewardBonus: event.RewardBonus.String(),
		})
		if err != nil {
			logging.Warn("Challenge row write failed", logging.Challenges, "id", event.Id, "error", err)
		}
	}
	for _, event := range solved {
		if err := o.store.MarkChallengeSolved(ctx, event.Id, event.Solver); err != nil {
			logging.Warn("Challenge solve write failed", logging.Challenges, "id", event.Id, "error", err)
		}
		o.scorer.RecordTaskSolved(event.Solver, event.Id, float64(event.SolveTime), now)
		logging.Info("Challenge solved", logging.Challenges,
			"id", event.Id, "solver", event.Solver, "solveTime", event.SolveTime)
	}
}

// ensureLiveChallenge creates a fresh challenge when the current one is
// solved, expired or absent.
func (o *Orchestrator) ensureLiveChallenge(ctx context.Context) {
	current, err := o.chain.CurrentChallengeOnChain(ctx)
	if err == nil && current != nil && !current.Solved &&
		int64(current.ExpiresAt) > o.now().Unix() {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Debug("Current challenge read failed", logging.Challenges, "error", err)
	}

	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		logging.Error("Seed generation failed", logging.Challenges, "error", err)
		return
	}
	duration := uint64(2 * o.interval / time.Second)
	if err := o.chain.CreateChallenge(ctx, defaultDifficulty, seed, duration); err != nil {
		logging.Warn("Challenge creation failed", logging.Challenges, "error", err)
		return
	}
	logging.Info("Challenge created", logging.Challenges, "difficulty", defaultDifficulty, "duration", duration)
}
