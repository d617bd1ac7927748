package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

const networkStatsRow = 1

func (s *Store) UpdateNetworkStats(ctx context.Context, stats *NetworkStats) error {
	stats.Id = networkStatsRow
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, stats).
			OnConflict("(id) DO UPDATE").
			Set("active_agents = EXCLUDED.active_agents").
			Set("active_nodes = EXCLUDED.active_nodes").
			Set("current_epoch = EXCLUDED.current_epoch").
			Set("epoch_tokens = EXCLUDED.epoch_tokens").
			Set("pipeline_models = EXCLUDED.pipeline_models").
			Set("updated_at = EXCLUDED.updated_at").
			Insert()
		return err
	})
}

func (s *Store) GetNetworkStats(ctx context.Context) (*NetworkStats, error) {
	stats := &NetworkStats{Id: networkStatsRow}
	err := s.db.ModelContext(ctx, stats).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return stats, nil
}
