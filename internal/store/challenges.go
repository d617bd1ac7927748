package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) UpsertChallenge(ctx context.Context, challenge *Challenge) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, challenge).
			OnConflict("(id) DO UPDATE").
			Set("solved = EXCLUDED.solved").
			Set("solver = EXCLUDED.solver").
			Set("expires_at = EXCLUDED.expires_at").
			Insert()
		return err
	})
}

func (s *Store) CurrentChallenge(ctx context.Context, now int64) (*Challenge, error) {
	challenge := &Challenge{}
	err := s.db.ModelContext(ctx, challenge).
		Where("expires_at > ?", now).
		Where("NOT solved").
		Order("created_at DESC").
		Limit(1).
		Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

func (s *Store) ListChallenges(ctx context.Context, limit int) ([]*Challenge, error) {
	var challenges []*Challenge
	q := s.db.ModelContext(ctx, &challenges).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Select()
	return challenges, err
}

func (s *Store) MarkChallengeSolved(ctx context.Context, id, solver string) error {
	_, err := s.db.ModelContext(ctx, (*Challenge)(nil)).
		Set("solved = TRUE").
		Set("solver = ?", solver).
		Where("id = ?", id).
		Update()
	return err
}
