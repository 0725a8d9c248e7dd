package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/LeanVibe/startup-factory-sub002/pkg/models"
)

// PostgresStore persists tenant instances as JSONB rows. The whole
// instance is stored as one document; SpendingRecord and TaskResult
// fields embedded in the state map round-trip verbatim.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings, and migrates.
func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS sf_tenants (
			id         TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) SaveTenant(ctx context.Context, inst *models.TenantInstance) error {
	if inst == nil || inst.ID == "" {
		return fmt.Errorf("tenant instance has no id")
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal tenant %s: %w", inst.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sf_tenants (id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()
	`, inst.ID, data)
	return err
}

func (s *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*models.TenantInstance, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM sf_tenants WHERE id = $1`, tenantID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	var inst models.TenantInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal tenant %s: %w", tenantID, err)
	}
	return &inst, nil
}

func (s *PostgresStore) RestoreAll(ctx context.Context) (map[string]*models.TenantInstance, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM sf_tenants`)
	if err != nil {
		return nil, fmt.Errorf("restore all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.TenantInstance)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("restore all: %w", err)
		}
		var inst models.TenantInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt tenant row")
			continue
		}
		out[inst.ID] = &inst
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sf_tenants WHERE id = $1`, tenantID)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
