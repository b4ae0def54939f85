package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Change is one flag whose definition, overrides or existence changed after a
// cursor. A deleted flag carries only its key, ID and deletion time.
type Change struct {
	Key     string
	FlagID  string
	Flag    *ruleengine.FeatureFlag
	Values  map[string]*ruleengine.FlagValue // by environment
	Deleted bool
	// ChangedAt is the latest write among the flag and its overrides.
	ChangedAt time.Time
}

// ListChangedSince returns up to limit flags changed strictly after since,
// oldest first, so the last ChangedAt is the next cursor. Each live change
// carries the flag and every override it has.
//
// Writes committed with a timestamp equal to a returned ChangedAt but after the
// poll are skipped by the next strict comparison; callers that cannot tolerate
// this subtract a lookback from the cursor.
func (s *PostgresStore) ListChangedSince(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	changes, err := s.changedFlags(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	if err := s.attachValues(ctx, changes); err != nil {
		return nil, err
	}

	deleted, err := s.deletedFlags(ctx, since, limit)
	if err != nil {
		return nil, err
	}

	// A key deleted and recreated in the window keeps whichever happened last.
	byKey := make(map[string]int, len(changes))
	for i, c := range changes {
		byKey[c.Key] = i
	}
	for _, d := range deleted {
		i, ok := byKey[d.Key]
		switch {
		case !ok:
			byKey[d.Key] = len(changes)
			changes = append(changes, d)
		case d.ChangedAt.After(changes[i].ChangedAt):
			changes[i] = d
		}
	}

	slices.SortStableFunc(changes, func(a, b Change) int {
		if c := a.ChangedAt.Compare(b.ChangedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	if len(changes) > limit {
		changes = changes[:limit]
	}
	return changes, nil
}

func (s *PostgresStore) changedFlags(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	query := `
		SELECT ` + flagColumns + `, max(v.updated_at) AS values_updated_at
		FROM flags f
		LEFT JOIN flag_values v ON v.flag_id = f.id
		GROUP BY f.id
		HAVING GREATEST(f.updated_at, max(v.updated_at)) > $1
		ORDER BY GREATEST(f.updated_at, max(v.updated_at)), f.key
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list changed flags: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var valuesUpdatedAt *time.Time
		f, err := scanFlag(rows, &valuesUpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan changed flag row: %w", err)
		}

		changedAt := f.UpdatedAt
		if vt := timestampOrZero(valuesUpdatedAt); vt.After(changedAt) {
			changedAt = vt
		}
		changes = append(changes, Change{
			Key:       f.Key,
			FlagID:    f.ID,
			Flag:      f,
			Values:    map[string]*ruleengine.FlagValue{},
			ChangedAt: changedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return changes, nil
}

// attachValues loads every override of the changed flags in one query.
func (s *PostgresStore) attachValues(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(changes))
	byID := make(map[string]*Change, len(changes))
	for i := range changes {
		ids = append(ids, uuid.MustParse(changes[i].FlagID))
		byID[changes[i].FlagID] = &changes[i]
	}

	query := `SELECT ` + valueColumns + `
		FROM flag_values v JOIN flags f ON f.id = v.flag_id
		WHERE v.flag_id = ANY($1)`

	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to list changed flag values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		value, err := scanValue(rows)
		if err != nil {
			return fmt.Errorf("failed to scan flag value row: %w", err)
		}
		if c, ok := byID[value.FlagID]; ok {
			c.Values[value.Environment] = value
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows iteration error: %w", err)
	}
	return nil
}

func (s *PostgresStore) deletedFlags(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	query := `
		SELECT key, flag_id::text, deleted_at
		FROM flag_tombstones
		WHERE deleted_at > $1
		ORDER BY deleted_at, key
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deleted flags: %w", err)
	}
	defer rows.Close()

	var deleted []Change
	for rows.Next() {
		c := Change{Deleted: true}
		if err := rows.Scan(&c.Key, &c.FlagID, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone row: %w", err)
		}
		c.ChangedAt = c.ChangedAt.UTC()
		deleted = append(deleted, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return deleted, nil
}

// PruneTombstones drops deletion records older than before and returns how
// many were removed.
func (s *PostgresStore) PruneTombstones(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM flag_tombstones WHERE deleted_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	return tag.RowsAffected(), nil
}
