package store

import (
	"context"
	"errors"

	"github.com/go-pg/pg/v10"
)

func (s *Store) UpsertAssignment(ctx context.Context, assignment *PipelineAssignment) error {
	return retryOnce(func() error {
		_, err := s.db.ModelContext(ctx, assignment).
			OnConflict("(node_address, model_name) DO UPDATE").
			Set("layer_start = EXCLUDED.layer_start").
			Set("layer_end = EXCLUDED.layer_end").
			Set("total_layers = EXCLUDED.total_layers").
			Set("grpc_endpoint = EXCLUDED.grpc_endpoint").
			Set("http_endpoint = EXCLUDED.http_endpoint").
			Set("ram_mb = EXCLUDED.ram_mb").
			Set("device = EXCLUDED.device").
			Set("vram_mb = EXCLUDED.vram_mb").
			Set("benchmark_tok_per_sec = EXCLUDED.benchmark_tok_per_sec").
			Set("ready = EXCLUDED.ready").
			Set("pipeline_order = EXCLUDED.pipeline_order").
			Set("node_mode = EXCLUDED.node_mode").
			Set("cluster_id = EXCLUDED.cluster_id").
			Set("rpc_port = EXCLUDED.rpc_port").
			Set("lan_ip = EXCLUDED.lan_ip").
			Set("updated_at = EXCLUDED.updated_at").
			Insert()
		return err
	})
}

// SaveAssignmentBatch persists a full recomputed split in one transaction so
// a reader never observes a partially updated model topology.
func (s *Store) SaveAssignmentBatch(ctx context.Context, assignments []*PipelineAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	return s.db.RunInTransaction(ctx, func(tx *pg.Tx) error {
		for _, assignment := range assignments {
			_, err := tx.ModelContext(ctx, assignment).
				OnConflict("(node_address, model_name) DO UPDATE").
				Set("layer_start = EXCLUDED.layer_start").
				Set("layer_end = EXCLUDED.layer_end").
				Set("total_layers = EXCLUDED.total_layers").
				Set("ready = EXCLUDED.ready").
				Set("pipeline_order = EXCLUDED.pipeline_order").
				Set("node_mode = EXCLUDED.node_mode").
				Set("cluster_id = EXCLUDED.cluster_id").
				Insert()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetAssignment(ctx context.Context, nodeAddress, modelName string) (*PipelineAssignment, error) {
	row := &PipelineAssignment{NodeAddress: nodeAddress, ModelName: modelName}
	err := s.db.ModelContext(ctx, row).WherePK().Select()
	if errors.Is(err, pg.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (s *Store) AssignmentsForModel(ctx context.Context, modelName string) ([]*PipelineAssignment, error) {
	var rows []*PipelineAssignment
	err := s.db.ModelContext(ctx, &rows).
		Where("model_name = ?", modelName).
		Order("pipeline_order ASC").
		Select()
	return rows, err
}

func (s *Store) AllAssignments(ctx context.Context) ([]*PipelineAssignment, error) {
	var rows []*PipelineAssignment
	err := s.db.ModelContext(ctx, &rows).
		Order("model_name ASC", "pipeline_order ASC").
		Select()
	return rows, err
}

func (s *Store) AssignmentsByAddress(ctx context.Context, nodeAddress string) ([]*PipelineAssignment, error) {
	var rows []*PipelineAssignment
	err := s.db.ModelContext(ctx, &rows).
		Where("node_address = ?", nodeAddress).
		Select()
	return rows, err
}

func (s *Store) DeleteAssignment(ctx context.Context, nodeAddress, modelName string) error {
	_, err := s.db.ModelContext(ctx, &PipelineAssignment{NodeAddress: nodeAddress, ModelName: modelName}).
		WherePK().
		Delete()
	return err
}

// DeleteStaleAssignments removes rows whose heartbeat stopped before cutoff
// and returns them so the caller can re-allocate the affected models.
func (s *Store) DeleteStaleAssignments(ctx context.Context, cutoff int64) ([]*PipelineAssignment, error) {
	var stale []*PipelineAssignment
	err := s.db.ModelContext(ctx, &stale).
		Where("updated_at < ?", cutoff).
		Select()
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}
	_, err = s.db.ModelContext(ctx, (*PipelineAssignment)(nil)).
		Where("updated_at < ?", cutoff).
		Delete()
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// TouchAssignments advances updated_at on every assignment of one node; the
// unified heartbeat from telemetry keeps pipeline rows from going stale.
func (s *Store) TouchAssignments(ctx context.Context, nodeAddress string, now int64) error {
	_, err := s.db.ModelContext(ctx, (*PipelineAssignment)(nil)).
		Set("updated_at = ?", now).
		Where("node_address = ?", nodeAddress).
		Update()
	return err
}

func (s *Store) MarkAssignmentReady(ctx context.Context, nodeAddress, modelName string, now int64) error {
	result, err := s.db.ModelContext(ctx, (*PipelineAssignment)(nil)).
		Set("ready = TRUE").
		Set("updated_at = ?", now).
		Where("node_address = ?", nodeAddress).
		Where("model_name = ?", modelName).
		Update()
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
