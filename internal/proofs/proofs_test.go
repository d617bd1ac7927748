package proofs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contribution-oracle/internal/store"
)

type fakeProofStore struct {
	proofs  []*store.InferenceProof
	metrics map[string]*store.EpochMetrics
	marked  map[string]string
}

func newFakeProofStore() *fakeProofStore {
	return &fakeProofStore{
		metrics: make(map[string]*store.EpochMetrics),
		marked:  make(map[string]string),
	}
}

func (f *fakeProofStore) InsertProof(_ context.Context, proof *store.InferenceProof) error {
	f.proofs = append(f.proofs, proof)
	return nil
}

func (f *fakeProofStore) GetEpochMetrics(_ context.Context, address string, _ uint64) (*store.EpochMetrics, error) {
	if row, ok := f.metrics[address]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeProofStore) VerifiedTokenCount(_ context.Context, _ string, _ uint64) (uint64, error) {
	var total uint64
	for _, proof := range f.proofs {
		if proof.Verified {
			total += proof.TokenCount
		}
	}
	return total, nil
}

func (f *fakeProofStore) MarkProofVerified(_ context.Context, id, txHash string, _ int64) error {
	f.marked[id] = txHash
	return nil
}

const proofAddr = "0x00000000000000000000000000000000000000aa"

func hash32(seed byte) string {
	return "0x" + strings.Repeat("0", 62) + string("0123456789abcdef"[seed>>4]) + string("0123456789abcdef"[seed&0x0f])
}

func validSubmission() Submission {
	return Submission{
		ModelHash:  hash32(0x11),
		InputHash:  hash32(0x22),
		OutputHash: hash32(0x33),
		TokenCount: 100,
	}
}

func newTestProofStore(epochTokens uint64) (*ProofStore, *fakeProofStore) {
	st := newFakeProofStore()
	st.metrics[proofAddr] = &store.EpochMetrics{
		Address: proofAddr, Epoch: 1, TokensProcessed: epochTokens,
	}
	p := NewProofStore(st)
	p.now = func() time.Time { return time.Unix(5000, 0) }
	return p, st
}

func TestPlausibleProofVerified(t *testing.T) {
	p, st := newTestProofStore(500)
	require.NoError(t, p.Save(context.Background(), proofAddr, 1, validSubmission()))

	require.Len(t, st.proofs, 1)
	proof := st.proofs[0]
	assert.True(t, proof.Verified)
	assert.NotEmpty(t, proof.VerificationTxHash)
	assert.NotEmpty(t, proof.Id)
	assert.Equal(t, int64(5000), proof.VerifiedAt)
}

func TestImplausibleProofsStoredUnverified(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"bad hash format", func(s *Submission) { s.ModelHash = "nothex" }},
		{"token count exceeds metrics", func(s *Submission) { s.TokenCount = 501 }},
		{"input equals output", func(s *Submission) { s.OutputHash = s.InputHash }},
		{"model equals input", func(s *Submission) { s.ModelHash = s.InputHash }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, st := newTestProofStore(500)
			submission := validSubmission()
			tc.mutate(&submission)
			require.NoError(t, p.Save(context.Background(), proofAddr, 1, submission))
			require.Len(t, st.proofs, 1)
			assert.False(t, st.proofs[0].Verified)
			assert.Empty(t, st.proofs[0].VerificationTxHash)
		})
	}
}

func TestProofWithoutMetricsRowUnverified(t *testing.T) {
	st := newFakeProofStore()
	p := NewProofStore(st)
	require.NoError(t, p.Save(context.Background(), proofAddr, 1, validSubmission()))
	assert.False(t, st.proofs[0].Verified)
}

func TestVerifiedTokenCountSumsOnlyVerified(t *testing.T) {
	p, st := newTestProofStore(1000)
	require.NoError(t, p.Save(context.Background(), proofAddr, 1, validSubmission()))

	bad := validSubmission()
	bad.TokenCount = 2000
	require.NoError(t, p.Save(context.Background(), proofAddr, 1, bad))

	total, err := p.VerifiedTokenCount(context.Background(), proofAddr, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), total)
	require.Len(t, st.proofs, 2)
}

func TestMarkVerifiedRecordsTxHash(t *testing.T) {
	p, st := newTestProofStore(500)
	require.NoError(t, p.MarkVerified(context.Background(), "proof-1", "0xtx"))
	assert.Equal(t, "0xtx", st.marked["proof-1"])
}
