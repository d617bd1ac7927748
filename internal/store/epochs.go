package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) UpsertEpoch(ctx context.Context, epoch *Epoch) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, epoch).
			OnConflict("(number) DO UPDATE").
			Set("reward = EXCLUDED.reward").
			Set("agent_count = EXCLUDED.agent_count").
			Set("distributed = EXCLUDED.distributed").
			Set("synced_at = EXCLUDED.synced_at").
			Insert()
		return err
	})
}

func (s *Store) GetEpoch(ctx context.Context, number uint64) (*Epoch, error) {
	epoch := &Epoch{Number: number}
	err := s.db.ModelContext(ctx, epoch).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return epoch, nil
}

func (s *Store) ListEpochs(ctx context.Context, limit int) ([]*Epoch, error) {
	var epochs []*Epoch
	q := s.db.ModelContext(ctx, &epochs).Order("number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Select()
	return epochs, err
}
