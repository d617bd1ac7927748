package challenges

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
)

type fakeChain struct {
	block   uint64
	current *chainclient.OnChainChallenge
	created []uint64
	solved  []chainclient.ChallengeSolvedEvent
	events  []chainclient.ChallengeCreatedEvent
}

func (f *fakeChain) CurrentBlock(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeChain) CurrentChallengeOnChain(context.Context) (*chainclient.OnChainChallenge, error) {
	if f.current == nil {
		return nil, store.ErrNotFound
	}
	return f.current, nil
}

func (f *fakeChain) CreateChallenge(_ context.Context, difficulty uint64, _ [32]byte, _ uint64) error {
	f.created = append(f.created, difficulty)
	return nil
}

func (f *fakeChain) ChallengeEvents(_ context.Context, _, _ uint64) ([]chainclient.ChallengeCreatedEvent, []chainclient.ChallengeSolvedEvent, error) {
	return f.events, f.solved, nil
}

type fakeChallengeStore struct {
	challenges map[string]*store.Challenge
	solved     map[string]string
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{
		challenges: make(map[string]*store.Challenge),
		solved:     make(map[string]string),
	}
}

func (f *fakeChallengeStore) UpsertChallenge(_ context.Context, challenge *store.Challenge) error {
	f.challenges[challenge.Id] = challenge
	return nil
}

func (f *fakeChallengeStore) MarkChallengeSolved(_ context.Context, id, solver string) error {
	f.solved[id] = solver
	return nil
}

type fakeRecorder struct {
	records []string
}

func (f *fakeRecorder) RecordTaskSolved(address, _ string, _ float64, _ time.Time) {
	f.records = append(f.records, address)
}

func TestTickCreatesChallengeWhenNoneLive(t *testing.T) {
	chain := &fakeChain{block: 10}
	o := NewOrchestrator(chain, newFakeChallengeStore(), &fakeRecorder{}, time.Minute)
	o.now = func() time.Time { return time.Unix(1000, 0) }

	o.Tick(context.Background())
	assert.Len(t, chain.created, 1)
}

func TestTickKeepsLiveChallenge(t *testing.T) {
	chain := &fakeChain{block: 10, current: &chainclient.OnChainChallenge{
		Id: "0x01", ExpiresAt: 2000, Solved: false,
	}}
	o := NewOrchestrator(chain, newFakeChallengeStore(), &fakeRecorder{}, time.Minute)
	o.now = func() time.Time { return time.Unix(1000, 0) }

	o.Tick(context.Background())
	assert.Empty(t, chain.created)
}

func TestTickReplacesSolvedChallenge(t *testing.T) {
	chain := &fakeChain{block: 10, current: &chainclient.OnChainChallenge{
		Id: "0x01", ExpiresAt: 2000, Solved: true,
	}}
	o := NewOrchestrator(chain, newFakeChallengeStore(), &fakeRecorder{}, time.Minute)
	o.now = func() time.Time { return time.Unix(1000, 0) }

	o.Tick(context.Background())
	assert.Len(t, chain.created, 1)
}

func TestSolveEventsFlowIntoScorerAndStore(t *testing.T) {
	chain := &fakeChain{
		block: 10,
		events: []chainclient.ChallengeCreatedEvent{{
			Id: "0x01", Difficulty: 4, ExpiresAt: 3000, RewardBonus: big.NewInt(7),
		}},
		solved: []chainclient.ChallengeSolvedEvent{{
			Id: "0x01", Solver: "0xaa", SolveTime: 120,
		}},
	}
	st := newFakeChallengeStore()
	recorder := &fakeRecorder{}
	o := NewOrchestrator(chain, st, recorder, time.Minute)
	o.now = func() time.Time { return time.Unix(1000, 0) }

	// First tick only records the block baseline; events drain on the next.
	o.Tick(context.Background())
	chain.block = 20
	o.Tick(context.Background())

	require.Contains(t, st.challenges, "0x01")
	assert.Equal(t, "7", st.challenges["0x01"].RewardBonus)
	assert.Equal(t, "0xaa", st.solved["0x01"])
	assert.Equal(t, []string{"0xaa"}, recorder.records)
}
