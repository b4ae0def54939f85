// Package store provides the PostgreSQL-backed flag registry: the read path the
// evaluation engine uses, the validated write path, change polling for the
// syncer, and a LISTEN/NOTIFY change source.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Compile-time checks.
var (
	_ registry.Registry      = (*PostgresStore)(nil)
	_ registry.ValuesBatcher = (*PostgresStore)(nil)
)

const flagColumns = `f.id::text, f.key, f.name, f.description, f.flag_type, f.default_value,
	f.is_global, f.tenant_id, f.dependencies, f.status, f.updated_at`

const valueColumns = `v.flag_id::text, v.environment, v.enabled, v.rollout_percentage::float8,
	v.value, v.conditions, v.updated_at, f.flag_type`

// PostgresStore is the flag registry backed by PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new repository instance with the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	if db == nil {
		panic("store: database pool cannot be nil")
	}
	return &PostgresStore{db: db}
}

// GetFlag implements registry.Registry.
func (s *PostgresStore) GetFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error) {
	query := `SELECT ` + flagColumns + ` FROM flags f WHERE f.key = $1`

	flag, err := scanFlag(s.db.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag %q: %w", key, err)
	}
	return flag, nil
}

// GetFlagsBatch implements registry.Registry with a single ANY($1) query.
func (s *PostgresStore) GetFlagsBatch(ctx context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error) {
	out := make(map[string]*ruleengine.FeatureFlag, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `SELECT ` + flagColumns + ` FROM flags f WHERE f.key = ANY($1)`
	rows, err := s.db.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to get flags batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		out[flag.Key] = flag
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// GetFlagValue implements registry.Registry. A flag ID that is not a UUID
// cannot exist and reports absence.
func (s *PostgresStore) GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error) {
	id, err := uuid.Parse(flagID)
	if err != nil {
		return nil, nil
	}

	query := `SELECT ` + valueColumns + `
		FROM flag_values v JOIN flags f ON f.id = v.flag_id
		WHERE v.flag_id = $1 AND v.environment = $2`

	value, err := scanValue(s.db.QueryRow(ctx, query, id, environment))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flag value %q/%q: %w", flagID, environment, err)
	}
	return value, nil
}

// GetFlagValuesBatch implements registry.ValuesBatcher.
func (s *PostgresStore) GetFlagValuesBatch(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	out := make(map[string]*ruleengine.FlagValue, len(flagIDs))
	ids := parseIDs(flagIDs)
	if len(ids) == 0 {
		return out, nil
	}

	query := `SELECT ` + valueColumns + `
		FROM flag_values v JOIN flags f ON f.id = v.flag_id
		WHERE v.flag_id = ANY($1) AND v.environment = $2`

	rows, err := s.db.Query(ctx, query, ids, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to get flag values batch: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		value, err := scanValue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flag value row: %w", err)
		}
		out[value.FlagID] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// ListFlags retrieves a page of flags ordered by key, plus the total count.
func (s *PostgresStore) ListFlags(ctx context.Context, limit, offset int) ([]*ruleengine.FeatureFlag, int64, error) {
	// A separate count query keeps the page query simple.
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM flags`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count flags: %w", err)
	}
	if total == 0 {
		return []*ruleengine.FeatureFlag{}, 0, nil
	}

	query := `SELECT ` + flagColumns + ` FROM flags f ORDER BY f.key LIMIT $1 OFFSET $2`
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]*ruleengine.FeatureFlag, 0, limit)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan flag row: %w", err)
		}
		flags = append(flags, flag)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows iteration error: %w", err)
	}
	return flags, total, nil
}

// scanFlag decodes one row selected with flagColumns, followed by any extra
// columns into extra. The default value is type-checked here so mismatched
// storage never reaches evaluation.
func scanFlag(row pgx.Row, extra ...any) (*ruleengine.FeatureFlag, error) {
	var (
		f          ruleengine.FeatureFlag
		defaultRaw []byte
		tenantID   *string
	)
	dest := append([]any{
		&f.ID,
		&f.Key,
		&f.Name,
		&f.Description,
		&f.Type,
		&defaultRaw,
		&f.IsGlobal,
		&tenantID,
		&f.Dependencies,
		&f.Status,
		&f.UpdatedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	def, err := ruleengine.ParseValue(f.Type, defaultRaw)
	if err != nil {
		return nil, fmt.Errorf("flag %q default value: %w", f.Key, err)
	}
	f.DefaultValue = def
	if tenantID != nil {
		f.TenantID = *tenantID
	}
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

// scanValue decodes one row selected with valueColumns and compiles its conditions.
func scanValue(row pgx.Row) (*ruleengine.FlagValue, error) {
	var (
		v             ruleengine.FlagValue
		valueRaw      []byte
		conditionsRaw []byte
		flagType      ruleengine.FlagType
	)
	if err := row.Scan(
		&v.FlagID,
		&v.Environment,
		&v.Enabled,
		&v.RolloutPercentage,
		&valueRaw,
		&conditionsRaw,
		&v.UpdatedAt,
		&flagType,
	); err != nil {
		return nil, err
	}

	val, err := ruleengine.ParseValue(flagType, valueRaw)
	if err != nil {
		return nil, fmt.Errorf("flag value %q/%q: %w", v.FlagID, v.Environment, err)
	}
	v.Value = val

	if len(conditionsRaw) > 0 {
		if err := json.Unmarshal(conditionsRaw, &v.Conditions); err != nil {
			return nil, fmt.Errorf("flag value %q/%q conditions: %w", v.FlagID, v.Environment, err)
		}
	}
	if len(v.Conditions) == 0 {
		v.Conditions = nil
	}
	if err := ruleengine.CompileRules(v.Conditions); err != nil {
		return nil, err
	}
	v.UpdatedAt = v.UpdatedAt.UTC()
	return &v, nil
}

func parseIDs(flagIDs []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(flagIDs))
	for _, raw := range flagIDs {
		if id, err := uuid.Parse(raw); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// timestampOrZero keeps a NULL aggregate from turning into a scan error.
func timestampOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
