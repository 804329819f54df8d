package events

import (
	"context"
	"database/sql"

	"flowledger/internal/domain"
)

// Latest returns the most recent events, newest first. Zero-value filters
// match everything.
func Latest(ctx context.Context, db *sql.DB, evtType, entityKind string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, ts, type, entity_kind, COALESCE(entity_id,''), actor_id, payload_json FROM events`
	var (
		where []string
		args  []any
	)
	if evtType != "" {
		where = append(where, `type=?`)
		args = append(args, evtType)
	}
	if entityKind != "" {
		where = append(where, `entity_kind=?`)
		args = append(args, entityKind)
	}
	for i, cond := range where {
		if i == 0 {
			query += ` WHERE ` + cond
		} else {
			query += ` AND ` + cond
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &ev.EntityID, &ev.ActorID, &ev.Payload); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
