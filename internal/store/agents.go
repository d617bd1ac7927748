package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

var ErrNotFound = errors.New("not found")

func (s *Store) UpsertAgent(ctx context.Context, agent *Agent) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, agent).
			OnConflict("(address) DO UPDATE").
			Set("registered_at = EXCLUDED.registered_at").
			Set("last_heartbeat = EXCLUDED.last_heartbeat").
			Set("status = EXCLUDED.status").
			Set("stake = EXCLUDED.stake").
			Set("node_id = EXCLUDED.node_id").
			Set("metadata = EXCLUDED.metadata").
			Insert()
		return err
	})
}

func (s *Store) GetAgent(ctx context.Context, address string) (*Agent, error) {
	agent := &Agent{Address: address}
	err := s.db.ModelContext(ctx, agent).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.ModelContext(ctx, &agents).Order("address ASC").Select()
	return agents, err
}

func (s *Store) ListAgentsByStatus(ctx context.Context, status string) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.ModelContext(ctx, &agents).Where("status = ?", status).Order("address ASC").Select()
	return agents, err
}

func (s *Store) SetAgentStatus(ctx context.Context, address, status string) error {
	_, err := s.db.ModelContext(ctx, (*Agent)(nil)).
		Set("status = ?", status).
		Where("address = ?", address).
		Update()
	return err
}

func (s *Store) TouchAgentHeartbeat(ctx context.Context, address string, heartbeat int64) error {
	_, err := s.db.ModelContext(ctx, (*Agent)(nil)).
		Set("last_heartbeat = ?", heartbeat).
		Where("address = ?", address).
		Update()
	return err
}
