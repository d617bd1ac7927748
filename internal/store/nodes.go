package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) UpsertNode(ctx context.Context, node *AgentNode) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, node).
			OnConflict("(address) DO UPDATE").
			Set("endpoint = EXCLUDED.endpoint").
			Set("capabilities = EXCLUDED.capabilities").
			Set("status = EXCLUDED.status").
			Set("last_heartbeat = EXCLUDED.last_heartbeat").
			Set("registration_signature = EXCLUDED.registration_signature").
			Set("benchmark_tok_per_sec = EXCLUDED.benchmark_tok_per_sec").
			Set("lan_ip = EXCLUDED.lan_ip").
			Set("can_distribute = EXCLUDED.can_distribute").
			Insert()
		return err
	})
}

func (s *Store) GetNode(ctx context.Context, address string) (*AgentNode, error) {
	node := &AgentNode{Address: address}
	err := s.db.ModelContext(ctx, node).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*AgentNode, error) {
	var nodes []*AgentNode
	err := s.db.ModelContext(ctx, &nodes).Order("address ASC").Select()
	return nodes, err
}

func (s *Store) ListNodesByStatus(ctx context.Context, status string) ([]*AgentNode, error) {
	var nodes []*AgentNode
	err := s.db.ModelContext(ctx, &nodes).Where("status = ?", status).Order("address ASC").Select()
	return nodes, err
}

// TouchNode advances heartbeat timers on telemetry arrival. A zero
// metricReport leaves last_metric_report untouched.
func (s *Store) TouchNode(ctx context.Context, address string, heartbeat, metricReport int64) error {
	q := s.db.ModelContext(ctx, (*AgentNode)(nil)).
		Set("last_heartbeat = ?", heartbeat).
		Set("status = ?", AgentStatusActive).
		Where("address = ?", address)
	if metricReport > 0 {
		q = q.Set("last_metric_report = ?", metricReport)
	}
	_, err := q.Update()
	return err
}

func (s *Store) SetNodeStatus(ctx context.Context, address, status string) error {
	_, err := s.db.ModelContext(ctx, (*AgentNode)(nil)).
		Set("status = ?", status).
		Where("address = ?", address).
		Update()
	return err
}

// SetNodeScore refreshes the dashboard score cache. Derived data, never read
// back for scoring.
func (s *Store) SetNodeScore(ctx context.Context, address string, score float64) error {
	_, err := s.db.ModelContext(ctx, (*AgentNode)(nil)).
		Set("score = ?", score).
		Where("address = ?", address).
		Update()
	return err
}
