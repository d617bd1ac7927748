package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) UpsertContribution(ctx context.Context, contribution *Contribution) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, contribution).
			OnConflict("(address, epoch) DO UPDATE").
			Set("task_count = EXCLUDED.task_count").
			Set("uptime_seconds = EXCLUDED.uptime_seconds").
			Set("response_score = EXCLUDED.response_score").
			Set("processed_tokens = EXCLUDED.processed_tokens").
			Set("avg_latency_inv = EXCLUDED.avg_latency_inv").
			Set("last_updated = EXCLUDED.last_updated").
			Insert()
		return err
	})
}

func (s *Store) GetContribution(ctx context.Context, address string, epoch uint64) (*Contribution, error) {
	row := &Contribution{Address: address, Epoch: epoch}
	err := s.db.ModelContext(ctx, row).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) ContributionsForEpoch(ctx context.Context, epoch uint64) ([]*Contribution, error) {
	var rows []*Contribution
	err := s.db.ModelContext(ctx, &rows).
		Where("epoch = ?", epoch).
		Order("processed_tokens DESC").
		Select()
	return rows, err
}

func (s *Store) ContributionsByAddress(ctx context.Context, address string, limit int) ([]*Contribution, error) {
	var rows []*Contribution
	q := s.db.ModelContext(ctx, &rows).
		Where("address = ?", address).
		Order("epoch DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Select()
	return rows, err
}
