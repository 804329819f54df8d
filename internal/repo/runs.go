package repo

import (
	"context"
	"database/sql"

	"flowledger/internal/domain"
)

const runColumns = `r.id,r.uuid,r.pipeline_id,r.sequence,r.std_out,r.std_err,r.created_at`

// visibleRunQuery joins through the owning pipeline so runs of a soft-deleted
// pipeline are unreachable through every normal lookup.
const visibleRunQuery = `SELECT ` + runColumns + ` FROM pipeline_runs r
JOIN pipelines p ON p.id=r.pipeline_id
WHERE r.uuid=? AND p.is_deleted=0`

func scanRun(row *sql.Row) (domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := row.Scan(&run.RowID, &run.UUID, &run.PipelineRowID, &run.Sequence,
		&run.StdOut, &run.StdErr, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) CountRunsTx(ctx context.Context, tx *sql.Tx, pipelineRowID int64) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM pipeline_runs WHERE pipeline_id=?`, pipelineRowID).Scan(&n)
	return n, err
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.PipelineRun) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO pipeline_runs(uuid,pipeline_id,sequence,std_out,std_err,created_at) VALUES (?,?,?,?,?,?)`,
		run.UUID, run.PipelineRowID, run.Sequence, run.StdOut, run.StdErr, run.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertRunInput(ctx context.Context, tx *sql.Tx, runRowID int64, in domain.PipelineRunInput) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_run_inputs(run_id,filename,url) VALUES (?,?,?)`,
		runRowID, in.Filename, in.URL)
	return err
}

func (r Repo) InsertRunState(ctx context.Context, tx *sql.Tx, runRowID int64, t domain.RunStateType, createdAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO pipeline_run_states(run_id,name,description,code,created_at) VALUES (?,?,?,?,?)`,
		runRowID, t.Name, t.Description, t.Code, createdAt)
	return err
}

// GetRun resolves a run by its external identifier, excluding runs whose
// owning pipeline was soft-deleted, and loads inputs and state history.
func (r Repo) GetRun(ctx context.Context, uuid string) (domain.PipelineRun, error) {
	run, err := scanRun(r.DB.QueryRowContext(ctx, visibleRunQuery, uuid))
	if err != nil {
		return run, err
	}
	return r.loadRunChildren(ctx, run)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, uuid string) (domain.PipelineRun, error) {
	return scanRun(tx.QueryRowContext(ctx, visibleRunQuery, uuid))
}

// ListRuns returns the runs of a pipeline oldest-first (sequence order).
func (r Repo) ListRuns(ctx context.Context, pipelineRowID int64) ([]domain.PipelineRun, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs r WHERE r.pipeline_id=? ORDER BY r.sequence ASC`, pipelineRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PipelineRun
	for rows.Next() {
		var run domain.PipelineRun
		if err := rows.Scan(&run.RowID, &run.UUID, &run.PipelineRowID, &run.Sequence,
			&run.StdOut, &run.StdErr, &run.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, run := range res {
		loaded, err := r.loadRunChildren(ctx, run)
		if err != nil {
			return nil, err
		}
		res[i] = loaded
	}
	return res, nil
}

func (r Repo) loadRunChildren(ctx context.Context, run domain.PipelineRun) (domain.PipelineRun, error) {
	inputs, err := r.listRunInputs(ctx, run.RowID)
	if err != nil {
		return run, err
	}
	states, err := r.listRunStates(ctx, run.RowID)
	if err != nil {
		return run, err
	}
	run.Inputs = inputs
	run.States = states
	return run, nil
}

func (r Repo) listRunInputs(ctx context.Context, runRowID int64) ([]domain.PipelineRunInput, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT filename,url FROM pipeline_run_inputs WHERE run_id=? ORDER BY id ASC`, runRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	inputs := []domain.PipelineRunInput{}
	for rows.Next() {
		var in domain.PipelineRunInput
		if err := rows.Scan(&in.Filename, &in.URL); err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}

// listRunStates returns history entries in insertion order; the last element
// is the run's current state.
func (r Repo) listRunStates(ctx context.Context, runRowID int64) ([]domain.PipelineRunState, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,created_at FROM pipeline_run_states WHERE run_id=? ORDER BY id ASC`, runRowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	states := []domain.PipelineRunState{}
	for rows.Next() {
		var st domain.PipelineRunState
		if err := rows.Scan(&st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// UpdateRunOutput overwrites both captured output fields.
func (r Repo) UpdateRunOutput(ctx context.Context, tx *sql.Tx, runRowID int64, stdOut, stdErr string) error {
	_, err := tx.ExecContext(ctx, `UPDATE pipeline_runs SET std_out=?, std_err=? WHERE id=?`, stdOut, stdErr, runRowID)
	return err
}
