package reporter

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/chainclient"
	"contribution-oracle/internal/scoring"
	"contribution-oracle/internal/store"
)

type fakeChain struct {
	block    uint64
	epoch    uint64
	agents   []string
	reported []chainclient.ContributionReport
	failFor  map[string]bool
}

func (f *fakeChain) CurrentBlock(context.Context) (uint64, error) { return f.block, nil }
func (f *fakeChain) CurrentEpoch(context.Context) (uint64, error) { return f.epoch, nil }
func (f *fakeChain) ActiveAgents(context.Context) ([]string, error) {
	return f.agents, nil
}

func (f *fakeChain) ReportContribution(_ context.Context, report chainclient.ContributionReport) error {
	if f.failFor[report.Agent] {
		return fmt.Errorf("execution reverted")
	}
	f.reported = append(f.reported, report)
	return nil
}

type fakeScores struct {
	resets int
}

func (f *fakeScores) AgentScore(_ context.Context, address string, _ uint64) (*scoring.AgentScore, error) {
	return &scoring.AgentScore{Address: address, TaskCount: 1, ProcessedTokens: 10}, nil
}

func (f *fakeScores) ResetEpoch() { f.resets++ }

type fakeContributions struct {
	rows []*store.Contribution
}

func (f *fakeContributions) UpsertContribution(_ context.Context, row *store.Contribution) error {
	f.rows = append(f.rows, row)
	return nil
}

func agents(n int) []string {
	result := make([]string, 0, n)
	for i := 0; i < n; i++ {
		result = append(result, fmt.Sprintf("0x%040x", i+1))
	}
	return result
}

func TestFirstTickOnlyRecordsBlock(t *testing.T) {
	chain := &fakeChain{block: 100, agents: agents(2)}
	scores := &fakeScores{}
	contributions := &fakeContributions{}
	r := NewReporter(chain, scores, contributions, 1200)

	r.Tick(context.Background())
	assert.Empty(t, chain.reported)

	// Not enough blocks elapsed yet.
	chain.block = 1299
	r.Tick(context.Background())
	assert.Empty(t, chain.reported)

	chain.block = 1300
	r.Tick(context.Background())
	assert.Len(t, chain.reported, 2)
}

func TestPartialFailureKeepsAccumulatorsAndRetriesAll(t *testing.T) {
	all := agents(10)
	chain := &fakeChain{block: 100, epoch: 41, agents: all,
		failFor: map[string]bool{all[6]: true}}
	scores := &fakeScores{}
	contributions := &fakeContributions{}
	r := NewReporter(chain, scores, contributions, 1200)

	r.Tick(context.Background()) // baseline
	chain.block = 1400
	r.Tick(context.Background())

	// The 7th agent reverted: 9 landed, no reset, interval not consumed.
	assert.Len(t, chain.reported, 9)
	assert.Equal(t, 0, scores.resets)

	// Next due cycle retries all 10.
	chain.failFor = nil
	chain.block = 1401
	r.Tick(context.Background())
	assert.Len(t, chain.reported, 19)
	assert.Equal(t, 1, scores.resets)
}

func TestContributionRowWrittenAfterInclusion(t *testing.T) {
	chain := &fakeChain{block: 0, epoch: 7, agents: agents(1)}
	scores := &fakeScores{}
	contributions := &fakeContributions{}
	r := NewReporter(chain, scores, contributions, 10)

	r.Tick(context.Background())
	chain.block = 10
	r.Tick(context.Background())

	require.Len(t, contributions.rows, 1)
	row := contributions.rows[0]
	assert.Equal(t, uint64(7), row.Epoch)
	assert.Equal(t, uint64(1), row.TaskCount)
	assert.Equal(t, uint64(10), row.ProcessedTokens)
}

func TestRevertedAgentGetsNoLocalRow(t *testing.T) {
	all := agents(2)
	chain := &fakeChain{block: 0, epoch: 7, agents: all,
		failFor: map[string]bool{all[0]: true}}
	scores := &fakeScores{}
	contributions := &fakeContributions{}
	r := NewReporter(chain, scores, contributions, 10)

	r.Tick(context.Background())
	chain.block = 10
	r.Tick(context.Background())

	require.Len(t, contributions.rows, 1)
	assert.Equal(t, all[1], contributions.rows[0].Address)
}
