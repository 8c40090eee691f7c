package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/stratlab/optionflow/internal/config"
	"github.com/stratlab/optionflow/internal/store"
)

// Connect opens the Postgres pool and verifies reachability. Startup keeps
// probing for up to 60 s before giving up, per the initialization policy.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	deadline := time.Now().Add(60 * time.Second)
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return nil, fmt.Errorf("postgres unreachable after 60s: %w", err)
		}
		log.Warn().Err(err).Msg("postgres ping failed, retrying")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	log.Info().Int("max_open", cfg.MaxOpenConns).Msg("postgres connected")
	return db, nil
}

// classify maps a driver error onto the store error taxonomy. Constraint,
// data, and syntax classes are rejections; everything else is treated as
// transient so the bucket state survives for the next attempt.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42": // data exception, integrity, syntax/access
			return fmt.Errorf("%s: %w: %v", op, store.ErrStoreRejected, err)
		}
		return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
}
