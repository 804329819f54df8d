package repo

import (
	"context"
	"database/sql"

	"flowledger/internal/domain"
)

// GetRunStateType looks a state up in the immutable catalog.
func (r Repo) GetRunStateType(ctx context.Context, name string) (domain.RunStateType, error) {
	var t domain.RunStateType
	err := r.DB.QueryRowContext(ctx, `SELECT name,description,code FROM run_state_types WHERE name=?`, name).
		Scan(&t.Name, &t.Description, &t.Code)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListRunStateTypes(ctx context.Context) ([]domain.RunStateType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,description,code FROM run_state_types ORDER BY code ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunStateType
	for rows.Next() {
		var t domain.RunStateType
		if err := rows.Scan(&t.Name, &t.Description, &t.Code); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertRunStateType reconciles a catalog entry from config at startup.
// Run activity never calls this.
func (r Repo) UpsertRunStateType(ctx context.Context, tx *sql.Tx, t domain.RunStateType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO run_state_types(name,description,code) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET description=excluded.description, code=excluded.code`,
		t.Name, t.Description, t.Code)
	return err
}
