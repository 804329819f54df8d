package repo

import (
	"context"
	"database/sql"
	"errors"

	"flowledger/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const pipelineColumns = `id,uuid,name,description,docker_image_url,repository_ssh_url,repository_branch,is_deleted,created_at`

func scanPipeline(row *sql.Row) (domain.Pipeline, error) {
	var p domain.Pipeline
	var deleted int
	err := row.Scan(&p.RowID, &p.UUID, &p.Name, &p.Description, &p.DockerImageURL,
		&p.RepositorySSHURL, &p.RepositoryBranch, &deleted, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Deleted = deleted != 0
	return p, err
}

func (r Repo) InsertPipeline(ctx context.Context, tx *sql.Tx, p domain.Pipeline) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO pipelines(uuid,name,description,docker_image_url,repository_ssh_url,repository_branch,is_deleted,created_at)
VALUES (?,?,?,?,?,?,0,?)`,
		p.UUID, p.Name, p.Description, p.DockerImageURL, p.RepositorySSHURL, p.RepositoryBranch, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPipeline resolves a non-deleted pipeline by its external identifier.
// Soft-deleted pipelines are invisible here, which also covers the delete
// path: deleting twice reports not found.
func (r Repo) GetPipeline(ctx context.Context, uuid string) (domain.Pipeline, error) {
	return scanPipeline(r.DB.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE uuid=? AND is_deleted=0`, uuid))
}

func (r Repo) GetPipelineTx(ctx context.Context, tx *sql.Tx, uuid string) (domain.Pipeline, error) {
	return scanPipeline(tx.QueryRowContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE uuid=? AND is_deleted=0`, uuid))
}

// ListPipelines returns non-deleted pipelines in creation order.
func (r Repo) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE is_deleted=0 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Pipeline
	for rows.Next() {
		var p domain.Pipeline
		var deleted int
		if err := rows.Scan(&p.RowID, &p.UUID, &p.Name, &p.Description, &p.DockerImageURL,
			&p.RepositorySSHURL, &p.RepositoryBranch, &deleted, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Deleted = deleted != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// SoftDeletePipeline flags the pipeline instead of removing the row, so run
// history stays available for audit.
func (r Repo) SoftDeletePipeline(ctx context.Context, tx *sql.Tx, uuid string) error {
	res, err := tx.ExecContext(ctx, `UPDATE pipelines SET is_deleted=1 WHERE uuid=? AND is_deleted=0`, uuid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
