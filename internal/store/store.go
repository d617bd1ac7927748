package store

import (
	"context"
	"fmt"

	"github.com/go-pg/pg/v10"

	"contribution-oracle/logging"
)

// Store is the single durable source of truth. Every in-memory map in the
// oracle is a cache reconstructable from these tables.
type Store struct {
	db *pg.DB
}

func Connect(ctx context.Context, url string, poolSize int) (*Store, error) {
	opts, err := pg.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	db := pg.Connect(opts)
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	logging.Info("Connected to database", logging.Store, "addr", opts.Addr, "database", opts.Database)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnce re-runs op a single time when the first attempt hits a unique
// constraint collision from a concurrent upsert.
func retryOnce(op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if pgErr, ok := err.(pg.Error); ok && pgErr.IntegrityViolation() {
		logging.Warn("Retrying after integrity violation", logging.Store, "error", err)
		return op()
	}
	return err
}
