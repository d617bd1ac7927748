package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) InsertProof(ctx context.Context, proof *InferenceProof) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, proof).Insert()
		return err
	})
}

func (s *Store) GetProof(ctx context.Context, id string) (*InferenceProof, error) {
	proof := &InferenceProof{Id: id}
	err := s.db.ModelContext(ctx, proof).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return proof, nil
}

func (s *Store) ProofsByAddress(ctx context.Context, address string, limit int) ([]*InferenceProof, error) {
	var proofs []*InferenceProof
	q := s.db.ModelContext(ctx, &proofs).
		Where("address = ?", address).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Select()
	return proofs, err
}

// VerifiedTokenCount sums token counts over verified proofs for one agent
// and epoch. The scorer trusts it over raw metrics when it is larger.
func (s *Store) VerifiedTokenCount(ctx context.Context, address string, epoch uint64) (uint64, error) {
	var total uint64
	_, err := s.db.QueryOneContext(ctx, pg.Scan(&total),
		"SELECT COALESCE(SUM(token_count), 0) FROM inference_proofs WHERE address = ? AND epoch = ? AND verified",
		address, epoch)
	return total, err
}

func (s *Store) MarkProofVerified(ctx context.Context, id, txHash string, verifiedAt int64) error {
	_, err := s.db.ModelContext(ctx, (*InferenceProof)(nil)).
		Set("verified = TRUE").
		Set("verification_tx_hash = ?", txHash).
		Set("verified_at = ?", verifiedAt).
		Where("id = ?", id).
		Update()
	return err
}

type ProofStats struct {
	Total          int    `json:"total"`
	Verified       int    `json:"verified"`
	TokensTotal    uint64 `json:"tokensTotal"`
	TokensVerified uint64 `json:"tokensVerified"`
}

func (s *Store) ProofStatsByAddress(ctx context.Context, address string) (*ProofStats, error) {
	stats := &ProofStats{}
	_, err := s.db.QueryOneContext(ctx,
		pg.Scan(&stats.Total, &stats.Verified, &stats.TokensTotal, &stats.TokensVerified),
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE verified),
		        COALESCE(SUM(token_count), 0),
		        COALESCE(SUM(token_count) FILTER (WHERE verified), 0)
		 FROM inference_proofs WHERE address = ?`,
		address)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
