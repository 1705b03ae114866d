package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/campusflow/attendance-engine/internal/domain/badge"
	"github.com/campusflow/attendance-engine/internal/domain/shared"
	"github.com/campusflow/attendance-engine/pkg/logger"
	"github.com/campusflow/attendance-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// BADGE REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// BadgeRepository implements badge.Catalog and badge.Ledger for PostgreSQL.
type BadgeRepository struct {
	conn  *Connection
	log   zerolog.Logger
	retry []retry.Option
}

var (
	_ badge.Catalog = (*BadgeRepository)(nil)
	_ badge.Ledger  = (*BadgeRepository)(nil)
)

// NewBadgeRepository creates a new BadgeRepository. Ledger writes that fail
// with a transient error are retried with backoff.
func NewBadgeRepository(conn *Connection, log zerolog.Logger) *BadgeRepository {
	r := &BadgeRepository{conn: conn, log: logger.Component(log, "badge_ledger")}
	r.retry = []retry.Option{
		retry.WithRetryIf(IsTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			r.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying ledger write")
		}),
	}
	return r
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalogue
// ─────────────────────────────────────────────────────────────────────────────

const definitionColumns = `code, name, description, icon, criterion_type, criterion_params`

func scanDefinition(row pgx.CollectableRow) (badge.Definition, error) {
	var (
		d      badge.Definition
		tag    string
		params []byte
	)
	if err := row.Scan(&d.Code, &d.Name, &d.Description, &d.Icon, &tag, &params); err != nil {
		return badge.Definition{}, err
	}
	d.Criterion = badge.ParseStoredCriterion(tag, params)
	return d, nil
}

// ListDefinitions returns the catalogue in insertion order.
func (r *BadgeRepository) ListDefinitions(ctx context.Context) ([]badge.Definition, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+definitionColumns+` FROM badges ORDER BY position, code`)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	defs, err := pgx.CollectRows(rows, scanDefinition)
	if err != nil {
		return nil, fmt.Errorf("list badges: %w", err)
	}
	return defs, nil
}

// GetDefinition returns one definition or ErrBadgeNotFound.
func (r *BadgeRepository) GetDefinition(ctx context.Context, code string) (*badge.Definition, error) {
	rows, err := r.conn.Query(ctx, `SELECT `+definitionColumns+` FROM badges WHERE code = $1`, code)
	if err != nil {
		return nil, fmt.Errorf("get badge: %w", err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDefinition)
	if IsNoRows(err) {
		return nil, shared.ErrBadgeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get badge: %w", err)
	}
	return &d, nil
}

// UpsertDefinitions inserts new codes at the end of the catalogue and
// replaces existing ones in place.
func (r *BadgeRepository) UpsertDefinitions(ctx context.Context, defs []badge.Definition) error {
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return r.conn.WithTx(ctx, func(tx pgx.Tx) error {
		for _, d := range defs {
			params, err := badge.CriterionParams(d.Criterion)
			if err != nil {
				return fmt.Errorf("badge %s params: %w", d.Code, err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO badges (code, name, description, icon, criterion_type, criterion_params)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (code) DO UPDATE SET
					name             = EXCLUDED.name,
					description      = EXCLUDED.description,
					icon             = EXCLUDED.icon,
					criterion_type   = EXCLUDED.criterion_type,
					criterion_params = EXCLUDED.criterion_params`,
				d.Code, d.Name, d.Description, d.Icon, string(d.Criterion.Kind()), string(params))
			if err != nil {
				return fmt.Errorf("upsert badge %s: %w", d.Code, err)
			}
		}
		return nil
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Ledger
// ─────────────────────────────────────────────────────────────────────────────

// Award inserts the award unless the (student, badge) pair already holds one.
// The conditional insert is a single statement, so a retried attempt can never
// create a second row.
func (r *BadgeRepository) Award(ctx context.Context, a badge.Award) (bool, error) {
	meta := a.Metadata
	if meta == nil {
		meta = badge.Metadata{}
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("award metadata: %w", err)
	}

	inserted, err := retry.DoWithData(ctx, func(ctx context.Context) (bool, error) {
		tag, err := r.conn.Exec(ctx, `
			INSERT INTO student_badges (id, student_id, badge_code, awarded_at, metadata)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT ON CONSTRAINT uq_student_badge DO NOTHING`,
			a.ID, a.StudentID, a.BadgeCode, a.AwardedAt, string(payload))
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() == 1, nil
	}, r.retry...)
	if err != nil {
		return false, fmt.Errorf("insert award: %w", err)
	}
	return inserted, nil
}

// StatesFor lists the whole catalogue with the student's awards.
func (r *BadgeRepository) StatesFor(ctx context.Context, studentID string) ([]badge.State, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT b.code, b.name, b.description, b.icon, sb.awarded_at, sb.metadata
		FROM badges b
		LEFT JOIN student_badges sb ON sb.badge_code = b.code AND sb.student_id = $1
		ORDER BY b.position, b.code`, studentID)
	if err != nil {
		return nil, fmt.Errorf("badge states: %w", err)
	}

	states, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (badge.State, error) {
		var (
			st   badge.State
			meta []byte
		)
		if err := row.Scan(&st.Code, &st.Name, &st.Description, &st.Icon, &st.AwardedAt, &meta); err != nil {
			return badge.State{}, err
		}
		if st.AwardedAt == nil {
			return st, nil
		}
		at := st.AwardedAt.UTC()
		st.AwardedAt = &at
		st.Unlocked = true
		st.Metadata = badge.Metadata{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &st.Metadata); err != nil {
				return badge.State{}, fmt.Errorf("badge %s metadata: %w", st.Code, err)
			}
		}
		return st, nil
	})
	if err != nil {
		return nil, fmt.Errorf("badge states: %w", err)
	}
	return states, nil
}
