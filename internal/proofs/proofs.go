package proofs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"contribution-oracle/internal/store"
	"contribution-oracle/internal/util"
	"contribution-oracle/logging"
)

// Submission is one inference proof as attached to a telemetry report.
type Submission struct {
	ModelHash  string `json:"modelHash"`
	InputHash  string `json:"inputHash"`
	OutputHash string `json:"outputHash"`
	TokenCount uint64 `json:"tokenCount"`
}

type Store interface {
	InsertProof(ctx context.Context, proof *store.InferenceProof) error
	GetEpochMetrics(ctx context.Context, address string, epoch uint64) (*store.EpochMetrics, error)
	VerifiedTokenCount(ctx context.Context, address string, epoch uint64) (uint64, error)
	MarkProofVerified(ctx context.Context, id, txHash string, verifiedAt int64) error
}

// ProofStore accepts proofs and runs the plausibility checks at save time.
// This is not cryptographic verification of inference correctness: a
// cooperating agent can fabricate self-consistent hashes. The verified flag
// and MarkVerified stay available for a later on-chain verifier to call back.
type ProofStore struct {
	store Store
	now   func() time.Time
}

func NewProofStore(st Store) *ProofStore {
	return &ProofStore{store: st, now: time.Now}
}

// Save persists one proof scoped to (address, epoch). Proofs that fail a
// plausibility check are stored unverified rather than dropped, so the trail
// stays auditable.
func (p *ProofStore) Save(ctx context.Context, address string, epoch uint64, submission Submission) error {
	now := p.now().Unix()
	proof := &store.InferenceProof{
		Id:         uuid.NewString(),
		Address:    util.CanonicalAddress(address),
		Epoch:      epoch,
		ModelHash:  submission.ModelHash,
		InputHash:  submission.InputHash,
		OutputHash: submission.OutputHash,
		TokenCount: submission.TokenCount,
		CreatedAt:  now,
	}

	if reason := p.implausible(ctx, proof); reason != "" {
		logging.Debug("Proof stored unverified", logging.Proofs,
			"address", proof.Address, "epoch", epoch, "reason", reason)
	} else {
		proof.Verified = true
		proof.VerifiedAt = now
		proof.VerificationTxHash = localDigest(proof)
	}
	return p.store.InsertProof(ctx, proof)
}

// implausible returns a non-empty reason when any check fails.
func (p *ProofStore) implausible(ctx context.Context, proof *store.InferenceProof) string {
	if !util.IsHash32(proof.ModelHash) || !util.IsHash32(proof.InputHash) || !util.IsHash32(proof.OutputHash) {
		return "hash format"
	}
	if proof.InputHash == proof.OutputHash || proof.ModelHash == proof.InputHash {
		return "trivially equal hashes"
	}
	metrics, err := p.store.GetEpochMetrics(ctx, proof.Address, proof.Epoch)
	if errors.Is(err, store.ErrNotFound) {
		return "no epoch metrics"
	}
	if err != nil {
		return fmt.Sprintf("metrics lookup: %v", err)
	}
	if proof.TokenCount > metrics.TokensProcessed {
		return "token count exceeds epoch metrics"
	}
	return ""
}

func (p *ProofStore) VerifiedTokenCount(ctx context.Context, address string, epoch uint64) (uint64, error) {
	return p.store.VerifiedTokenCount(ctx, util.CanonicalAddress(address), epoch)
}

// MarkVerified records an on-chain verification transaction for a stored
// proof. Reserved for the future verifier callback.
func (p *ProofStore) MarkVerified(ctx context.Context, id, txHash string) error {
	return p.store.MarkProofVerified(ctx, id, txHash, p.now().Unix())
}

func localDigest(proof *store.InferenceProof) string {
	sum := sha256.Sum256([]byte(proof.Address + proof.ModelHash + proof.InputHash + proof.OutputHash))
	return "0x" + hex.EncodeToString(sum[:])
}
