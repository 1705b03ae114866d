package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
)

// BadgeRepository implements badge.Catalog and badge.Ledger.
type BadgeRepository struct {
	db *sqlx.DB
}

var (
	_ badge.Catalog = (*BadgeRepository)(nil)
	_ badge.Ledger  = (*BadgeRepository)(nil)
)

type definitionRow struct {
	Code        string `db:"code"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Icon        string `db:"icon"`
	Type        string `db:"criterion_type"`
	Params      string `db:"criterion_params"`
}

func (row definitionRow) toDefinition() badge.Definition {
	return badge.Definition{
		Code:        row.Code,
		Name:        row.Name,
		Description: row.Description,
		Icon:        row.Icon,
		Criterion:   badge.ParseStoredCriterion(row.Type, json.RawMessage(row.Params)),
	}
}

const definitionColumns = `code, name, description, icon, criterion_type, criterion_params`

// ListDefinitions returns the catalogue in insertion order.
func (r *BadgeRepository) ListDefinitions(ctx context.Context) ([]badge.Definition, error) {
	var rows []definitionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+definitionColumns+` FROM badges ORDER BY position, code`)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defs := make([]badge.Definition, 0, len(rows))
	for _, row := range rows {
		defs = append(defs, row.toDefinition())
	}
	return defs, nil
}

// GetDefinition returns one definition or ErrBadgeNotFound.
func (r *BadgeRepository) GetDefinition(ctx context.Context, code string) (*badge.Definition, error) {
	var row definitionRow
	err := r.db.GetContext(ctx, &row, `SELECT `+definitionColumns+` FROM badges WHERE code = ?`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrBadgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get badge: %w", err)
	}
	d := row.toDefinition()
	return &d, nil
}

// UpsertDefinitions inserts new codes at the end of the catalogue and
// replaces existing ones in place.
func (r *BadgeRepository) UpsertDefinitions(ctx context.Context, defs []badge.Definition) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		params, err := badge.CriterionParams(d.Criterion)
		if err != nil {
			return fmt.Errorf("badge %s params: %w", d.Code, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO badges (code, name, description, icon, criterion_type, criterion_params, position)
			VALUES (?, ?, ?, ?, ?, ?, COALESCE((SELECT MAX(position) FROM badges), 0) + 1)
			ON CONFLICT (code) DO UPDATE SET
				name             = excluded.name,
				description      = excluded.description,
				icon             = excluded.icon,
				criterion_type   = excluded.criterion_type,
				criterion_params = excluded.criterion_params`,
			d.Code, d.Name, d.Description, d.Icon, string(d.Criterion.Kind()), string(params))
		if err != nil {
			return fmt.Errorf("upsert badge %s: %w", d.Code, err)
		}
	}
	return tx.Commit()
}

// Award inserts the award unless the (student, badge) pair already holds one.
func (r *BadgeRepository) Award(ctx context.Context, a badge.Award) (bool, error) {
	meta, err := json.Marshal(metadataOrEmpty(a.Metadata))
	if err != nil {
		return false, fmt.Errorf("award metadata: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO student_badges (id, student_id, badge_code, awarded_at, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (student_id, badge_code) DO NOTHING`,
		a.ID, a.StudentID, a.BadgeCode, a.AwardedAt.UTC().Format(time.RFC3339Nano), string(meta))
	if err != nil {
		return false, fmt.Errorf("insert award: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert award: %w", err)
	}
	return n == 1, nil
}

type stateRow struct {
	Code        string         `db:"code"`
	Name        string         `db:"name"`
	Description string         `db:"description"`
	Icon        string         `db:"icon"`
	AwardedAt   sql.NullString `db:"awarded_at"`
	Metadata    sql.NullString `db:"metadata"`
}

// StatesFor lists the whole catalogue with the student's awards.
func (r *BadgeRepository) StatesFor(ctx context.Context, studentID string) ([]badge.State, error) {
	var rows []stateRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT b.code, b.name, b.description, b.icon, sb.awarded_at, sb.metadata
		FROM badges b
		LEFT JOIN student_badges sb ON sb.badge_code = b.code AND sb.student_id = ?
		ORDER BY b.position, b.code`, studentID)
	if err != nil {
		return nil, fmt.Errorf("badge states: %w", err)
	}

	states := make([]badge.State, 0, len(rows))
	for _, row := range rows {
		st := badge.State{
			Code:        row.Code,
			Name:        row.Name,
			Description: row.Description,
			Icon:        row.Icon,
		}
		if row.AwardedAt.Valid {
			at, err := time.Parse(time.RFC3339Nano, row.AwardedAt.String)
			if err != nil {
				return nil, fmt.Errorf("badge %s awarded_at: %w", row.Code, err)
			}
			st.AwardedAt = &at
			st.Unlocked = true
			st.Metadata = badge.Metadata{}
			if row.Metadata.Valid && row.Metadata.String != "" {
				if err := json.Unmarshal([]byte(row.Metadata.String), &st.Metadata); err != nil {
					return nil, fmt.Errorf("badge %s metadata: %w", row.Code, err)
				}
			}
		}
		states = append(states, st)
	}
	return states, nil
}

func metadataOrEmpty(m badge.Metadata) badge.Metadata {
	if m == nil {
		return badge.Metadata{}
	}
	return m
}
