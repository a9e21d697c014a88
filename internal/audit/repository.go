package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/progami/WMS-EcomOS-sub000/internal/platform/db"
)

// PgRepository reads audit_logs.
type PgRepository struct {
	q db.DBTX
}

// NewRepository builds the repository on any querier.
func NewRepository(q db.DBTX) *PgRepository {
	return &PgRepository{q: q}
}

// Timeline lists matching records, newest first.
func (r *PgRepository) Timeline(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	return db.RetryRead(ctx, 3, func(ctx context.Context) ([]TimelineRow, error) {
		where, args := timelineConditions(filters)
		args = append(args, limit, offset)
		rows, err := r.q.Query(ctx, fmt.Sprintf(`SELECT id, occurred_at, actor_id, action, entity, entity_id, meta
FROM audit_logs%s ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args)), args...)
		if err != nil {
			return nil, err
		}
		return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimelineRow, error) {
			var out TimelineRow
			var meta []byte
			err := row.Scan(&out.ID, &out.At, &out.Actor, &out.Action, &out.Entity, &out.EntityID, &meta)
			out.Meta = meta
			return out, err
		})
	})
}

func timelineConditions(filters TimelineFilters) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= $%d", pgtype.Timestamptz{Time: filters.From, Valid: true})
	}
	if !filters.To.IsZero() {
		add("occurred_at <= $%d", pgtype.Timestamptz{Time: filters.To, Valid: true})
	}
	if v := optionalText(filters.Actor); v.Valid {
		add("actor_id = $%d", v)
	}
	if v := optionalText(filters.Entity); v.Valid {
		add("entity = $%d", v)
	}
	if v := optionalText(filters.EntityID); v.Valid {
		add("entity_id = $%d", v)
	}
	if v := optionalText(filters.Action); v.Valid {
		add("action = $%d", v)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func optionalText(value string) pgtype.Text {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: trimmed, Valid: true}
}
