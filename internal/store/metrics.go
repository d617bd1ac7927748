package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) GetEpochMetrics(ctx context.Context, address string, epoch uint64) (*EpochMetrics, error) {
	row := &EpochMetrics{Address: address, Epoch: epoch}
	err := s.db.ModelContext(ctx, row).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// ApplyEpochMetrics runs a read-modify-write of one (address, epoch) row
// inside a transaction with a row lock, so concurrent reports for the same
// agent serialize. apply receives the current row (zero-valued when the epoch
// row does not exist yet) and mutates it in place.
func (s *Store) ApplyEpochMetrics(ctx context.Context, address string, epoch uint64, apply func(*EpochMetrics)) (*EpochMetrics, error) {
	row := &EpochMetrics{Address: address, Epoch: epoch}
	err := retryOnce(func() error {
		return s.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
			existing := &EpochMetrics{Address: address, Epoch: epoch}
			err := tx.ModelContext(ctx, existing).WherePK().For("UPDATE").Select()
			if err != nil && !errors.Is(err, pg.ErrNoRows) {
				return err
			}
			apply(existing)
			*row = *existing
			_, err = tx.ModelContext(ctx, existing).
				OnConflict("(address, epoch) DO UPDATE").
				Set("tokens_processed = EXCLUDED.tokens_processed").
				Set("request_count = EXCLUDED.request_count").
				Set("avg_latency_ms = EXCLUDED.avg_latency_ms").
				Set("uptime_seconds = EXCLUDED.uptime_seconds").
				Set("last_raw_tokens = EXCLUDED.last_raw_tokens").
				Set("last_raw_requests = EXCLUDED.last_raw_requests").
				Set("last_updated = EXCLUDED.last_updated").
				Insert()
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// LatestMetricsPerAddress returns each address's most recent epoch row. The
// ingestor rehydrates its replay cursor and raw-counter snapshots from these
// at startup.
func (s *Store) LatestMetricsPerAddress(ctx context.Context) ([]*EpochMetrics, error) {
	var rows []*EpochMetrics
	err := s.db.ModelContext(ctx, &rows).
		DistinctOn("address").
		Order("address ASC", "epoch DESC").
		Select()
	return rows, err
}

func (s *Store) MetricsByAddress(ctx context.Context, address string) ([]*EpochMetrics, error) {
	var rows []*EpochMetrics
	err := s.db.ModelContext(ctx, &rows).
		Where("address = ?", address).
		Order("epoch DESC").
		Select()
	return rows, err
}

func (s *Store) MetricsForEpoch(ctx context.Context, epoch uint64) ([]*EpochMetrics, error) {
	var rows []*EpochMetrics
	err := s.db.ModelContext(ctx, &rows).
		Where("epoch = ?", epoch).
		Order("tokens_processed DESC").
		Select()
	return rows, err
}
