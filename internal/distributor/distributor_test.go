package distributor

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/store"
)

type fakeChain struct {
	epoch         uint64
	distributed   map[uint64]bool
	syncCalls     int
	distributeFor []uint64
	agents        map[uint64][]string
	failSync      bool
}

func (f *fakeChain) CurrentEpoch(context.Context) (uint64, error) { return f.epoch, nil }

func (f *fakeChain) EpochDistributed(_ context.Context, epoch uint64) (bool, error) {
	return f.distributed[epoch], nil
}

func (f *fakeChain) SyncRewards(context.Context) error {
	if f.failSync {
		return fmt.Errorf("nonce clash")
	}
	f.syncCalls++
	return nil
}

func (f *fakeChain) DistributeRewards(_ context.Context, epoch uint64) error {
	f.distributeFor = append(f.distributeFor, epoch)
	if f.distributed == nil {
		f.distributed = make(map[uint64]bool)
	}
	f.distributed[epoch] = true
	return nil
}

func (f *fakeChain) EpochAgents(_ context.Context, epoch uint64) ([]string, error) {
	return f.agents[epoch], nil
}

func (f *fakeChain) EpochContribution(_ context.Context, epoch uint64, address string) (*chainclient.ContributionReport, error) {
	return &chainclient.ContributionReport{Agent: address, ProcessedTokens: 500}, nil
}

func (f *fakeChain) PendingReward(context.Context, string) (*big.Int, error) {
	return big.NewInt(25), nil
}

type fakeStore struct {
	contributions []*store.Contribution
	epochs        []*store.Epoch
}

func (f *fakeStore) UpsertContribution(_ context.Context, row *store.Contribution) error {
	f.contributions = append(f.contributions, row)
	return nil
}

func (f *fakeStore) UpsertEpoch(_ context.Context, row *store.Epoch) error {
	f.epochs = append(f.epochs, row)
	return nil
}

func TestRolloverTriggersSyncThenDistribute(t *testing.T) {
	chain := &fakeChain{epoch: 41, agents: map[uint64][]string{41: {"0xaa", "0xbb"}}}
	st := &fakeStore{}
	d := NewDistributor(chain, st)

	d.Tick(context.Background()) // baseline at 41
	chain.epoch = 42
	d.Tick(context.Background())

	assert.Equal(t, 1, chain.syncCalls)
	assert.Equal(t, []uint64{41}, chain.distributeFor)
	assert.Len(t, st.contributions, 2)
	require.Len(t, st.epochs, 1)
	assert.Equal(t, uint64(41), st.epochs[0].Number)
	assert.True(t, st.epochs[0].Distributed)
	assert.Equal(t, uint64(2), st.epochs[0].AgentCount)
	assert.Equal(t, "50", st.epochs[0].Reward)
}

func TestAlreadyDistributedSkipsToBackfill(t *testing.T) {
	chain := &fakeChain{
		epoch:       41,
		distributed: map[uint64]bool{41: true},
		agents:      map[uint64][]string{41: {"0xaa"}},
	}
	st := &fakeStore{}
	d := NewDistributor(chain, st)

	d.Tick(context.Background())
	chain.epoch = 42
	d.Tick(context.Background())

	assert.Equal(t, 0, chain.syncCalls)
	assert.Empty(t, chain.distributeFor)
	assert.Len(t, st.contributions, 1)
}

func TestFailedCloseRetriesNextTick(t *testing.T) {
	chain := &fakeChain{epoch: 41, failSync: true}
	st := &fakeStore{}
	d := NewDistributor(chain, st)

	d.Tick(context.Background())
	chain.epoch = 42
	d.Tick(context.Background())
	assert.Empty(t, chain.distributeFor)

	chain.failSync = false
	d.Tick(context.Background())
	assert.Equal(t, []uint64{41}, chain.distributeFor)
}

func TestNoActionWithinSameEpoch(t *testing.T) {
	chain := &fakeChain{epoch: 41}
	d := NewDistributor(chain, &fakeStore{})
	d.Tick(context.Background())
	d.Tick(context.Background())
	assert.Equal(t, 0, chain.syncCalls)
}
