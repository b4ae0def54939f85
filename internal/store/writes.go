package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// graphLockID serialises writers that can change the dependency graph.
const graphLockID int64 = 0x6269667273740001

// pgUniqueViolation is the SQLSTATE of unique_violation.
const pgUniqueViolation = "23505"

// UpsertFlag creates or replaces the flag with flag.Key. A replaced flag keeps
// its ID. The write runs the same checks as registry.Memory: the record
// invariants and, inside the transaction, dependency-cycle detection over the
// whole graph.
func (s *PostgresStore) UpsertFlag(ctx context.Context, flag ruleengine.FeatureFlag) (*ruleengine.FeatureFlag, error) {
	if err := flag.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
	}
	if flag.ID != "" {
		if _, err := uuid.Parse(flag.ID); err != nil {
			return nil, fmt.Errorf("%w: id %q is not a uuid", registry.ErrInvalidFlag, flag.ID)
		}
	}

	defaultRaw, err := flag.DefaultValue.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
	}

	deps := flag.Dependencies
	if deps == nil {
		deps = []string{}
	}
	var tenantID *string
	if flag.TenantID != "" {
		tenantID = &flag.TenantID
	}
	var id *string
	if flag.ID != "" {
		id = &flag.ID
	}

	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, graphLockID); err != nil {
			return fmt.Errorf("failed to lock dependency graph: %w", err)
		}

		graph, err := loadGraph(ctx, tx)
		if err != nil {
			return err
		}
		graph[flag.Key] = &ruleengine.FeatureFlag{Key: flag.Key, Dependencies: deps}
		if err := registry.ValidateGraph(graph); err != nil {
			return err
		}

		query := `
			INSERT INTO flags (id, key, name, description, flag_type, default_value,
				is_global, tenant_id, dependencies, status)
			VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (key) DO UPDATE SET
				name = EXCLUDED.name,
				description = EXCLUDED.description,
				flag_type = EXCLUDED.flag_type,
				default_value = EXCLUDED.default_value,
				is_global = EXCLUDED.is_global,
				tenant_id = EXCLUDED.tenant_id,
				dependencies = EXCLUDED.dependencies,
				status = EXCLUDED.status
			RETURNING id::text, updated_at`

		return tx.QueryRow(ctx, query,
			id,
			flag.Key,
			flag.Name,
			flag.Description,
			string(flag.Type),
			string(defaultRaw),
			flag.IsGlobal,
			tenantID,
			deps,
			string(flag.Status),
		).Scan(&flag.ID, &flag.UpdatedAt)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, fmt.Errorf("%w: id %q already used by another flag", registry.ErrInvalidFlag, flag.ID)
		}
		if errors.Is(err, registry.ErrDependencyCycle) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to upsert flag %q: %w", flag.Key, err)
	}

	flag.Dependencies = slices.Clone(flag.Dependencies)
	flag.UpdatedAt = flag.UpdatedAt.UTC()
	return &flag, nil
}

func loadGraph(ctx context.Context, tx pgx.Tx) (map[string]*ruleengine.FeatureFlag, error) {
	rows, err := tx.Query(ctx, `SELECT key, dependencies FROM flags`)
	if err != nil {
		return nil, fmt.Errorf("failed to load dependency graph: %w", err)
	}
	defer rows.Close()

	graph := make(map[string]*ruleengine.FeatureFlag)
	for rows.Next() {
		var f ruleengine.FeatureFlag
		if err := rows.Scan(&f.Key, &f.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to scan dependency row: %w", err)
		}
		graph[f.Key] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return graph, nil
}

// UpsertFlagValue creates or replaces the override of a flag in one
// environment. The value must match the flag's type and the conditions must compile.
func (s *PostgresStore) UpsertFlagValue(ctx context.Context, value ruleengine.FlagValue) error {
	conditions := slices.Clone(value.Conditions)
	if err := ruleengine.CompileRules(conditions); err != nil {
		return fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
	}
	if conditions == nil {
		conditions = []ruleengine.Rule{}
	}
	conditionsRaw, err := json.Marshal(conditions)
	if err != nil {
		return fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
	}

	id, err := uuid.Parse(value.FlagID)
	if err != nil {
		return fmt.Errorf("%w: id %q", registry.ErrUnknownFlag, value.FlagID)
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var flagType ruleengine.FlagType
		err := tx.QueryRow(ctx, `SELECT flag_type FROM flags WHERE id = $1 FOR SHARE`, id).Scan(&flagType)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %q", registry.ErrUnknownFlag, value.FlagID)
		}
		if err != nil {
			return fmt.Errorf("failed to load flag %q: %w", value.FlagID, err)
		}

		if err := value.Validate(flagType); err != nil {
			return fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
		}
		valueRaw, err := value.Value.MarshalJSON()
		if err != nil {
			return fmt.Errorf("%w: %w", registry.ErrInvalidFlag, err)
		}

		query := `
			INSERT INTO flag_values (flag_id, environment, enabled, rollout_percentage, value, conditions)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (flag_id, environment) DO UPDATE SET
				enabled = EXCLUDED.enabled,
				rollout_percentage = EXCLUDED.rollout_percentage,
				value = EXCLUDED.value,
				conditions = EXCLUDED.conditions`

		if _, err := tx.Exec(ctx, query,
			id,
			value.Environment,
			value.Enabled,
			value.RolloutPercentage,
			string(valueRaw),
			string(conditionsRaw),
		); err != nil {
			return fmt.Errorf("failed to upsert flag value %q/%q: %w", value.FlagID, value.Environment, err)
		}
		return nil
	})
}

// DeleteFlagValue removes the override of a flag in one environment. It reports
// whether the override existed.
func (s *PostgresStore) DeleteFlagValue(ctx context.Context, flagID, environment string) (bool, error) {
	id, err := uuid.Parse(flagID)
	if err != nil {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM flag_values WHERE flag_id = $1 AND environment = $2`, id, environment)
	if err != nil {
		return false, fmt.Errorf("failed to delete flag value %q/%q: %w", flagID, environment, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteFlag removes a flag and, by cascade, all of its overrides. A trigger
// records a tombstone so pollers learn about the deletion. It reports whether
// the flag existed.
func (s *PostgresStore) DeleteFlag(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM flags WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete flag %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}
