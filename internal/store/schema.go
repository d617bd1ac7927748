package store

import (
	"context"
	"fmt"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"

	"contribution-oracle/logging"
)

var tables = []interface{}{
	(*Agent)(nil),
	(*AgentNode)(nil),
	(*Challenge)(nil),
	(*Epoch)(nil),
	(*Contribution)(nil),
	(*NetworkStats)(nil),
	(*EpochMetrics)(nil),
	(*InferenceProof)(nil),
	(*PipelineAssignment)(nil),
}

// requiredColumns are the columns whose absence would silently break the
// restart-recovery invariants, so production boot refuses to run without them.
var requiredColumns = map[string][]string{
	"inference_metrics": {"last_raw_tokens", "last_raw_requests", "last_updated"},
	"pipeline_assignments": {
		"benchmark_tok_per_sec", "cluster_id", "node_mode", "lan_ip", "rpc_port",
	},
	"agents":           {"status", "stake"},
	"contributions":    {"processed_tokens", "avg_latency_inv"},
	"inference_proofs": {"verified", "verification_tx_hash"},
}

// CreateSchema creates missing tables. Development convenience only;
// production deployments migrate out of band and boot through VerifySchema.
func (s *Store) CreateSchema(ctx context.Context) error {
	for _, model := range tables {
		err := s.db.ModelContext(ctx, model).CreateTable(&orm.CreateTableOptions{
			IfNotExists: true,
		})
		if err != nil {
			return fmt.Errorf("creating table for %T: %w", model, err)
		}
	}
	logging.Info("Database schema ensured", logging.Store, "tables", len(tables))
	return nil
}

// VerifySchema fails fast when a required table or column is missing.
func (s *Store) VerifySchema(ctx context.Context) error {
	for table, columns := range requiredColumns {
		var present []string
		_, err := s.db.QueryOneContext(ctx, pg.Scan(pg.Array(&present)),
			"SELECT ARRAY_AGG(column_name::text) FROM information_schema.columns WHERE table_name = ?",
			table)
		if err != nil {
			return fmt.Errorf("inspecting table %s: %w", table, err)
		}
		if len(present) == 0 {
			return fmt.Errorf("required table %s is missing", table)
		}
		have := make(map[string]bool, len(present))
		for _, column := range present {
			have[column] = true
		}
		for _, column := range columns {
			if !have[column] {
				return fmt.Errorf("table %s is missing required column %s", table, column)
			}
		}
	}
	logging.Info("Database schema verified", logging.Store)
	return nil
}
