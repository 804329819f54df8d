package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowledger/internal/config"
	"flowledger/internal/domain"
	"flowledger/internal/events"
	"flowledger/internal/repo"
)

// Ledger owns every mutation of pipelines and runs. Each mutation runs inside
// a single transaction together with its audit event, so failures leave no
// partial state behind.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time

	runCreation *keyedMutex
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:          db,
		Repo:        repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Config:      cfg,
		Now:         time.Now,
		runCreation: newKeyedMutex(),
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// SyncStateCatalog reconciles config-declared run states into the catalog
// table. Called once at startup; the migration seed covers installs with no
// states section.
func (l Ledger) SyncStateCatalog(ctx context.Context) error {
	if l.Config == nil || len(l.Config.States) == 0 {
		return nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for name, entry := range l.Config.States {
		t := domain.RunStateType{Name: name, Description: entry.Description, Code: entry.Code}
		if err := l.Repo.UpsertRunStateType(ctx, tx, t); err != nil {
			return fmt.Errorf("sync state %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// PipelineCreateOptions are parameters for registering a pipeline.
type PipelineCreateOptions struct {
	Name             string
	Description      string
	DockerImageURL   string
	RepositorySSHURL string
	RepositoryBranch string
	ActorID          string
}

func (l Ledger) CreatePipeline(ctx context.Context, opts PipelineCreateOptions) (domain.Pipeline, error) {
	if err := validatePipelineFields(opts); err != nil {
		return domain.Pipeline{}, err
	}
	p := domain.Pipeline{
		UUID:             uuid.New().String(),
		Name:             strings.TrimSpace(opts.Name),
		Description:      strings.TrimSpace(opts.Description),
		DockerImageURL:   strings.TrimSpace(opts.DockerImageURL),
		RepositorySSHURL: strings.TrimSpace(opts.RepositorySSHURL),
		RepositoryBranch: strings.TrimSpace(opts.RepositoryBranch),
		CreatedAt:        l.now().UTC().Format(time.RFC3339),
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Pipeline{}, err
	}
	defer tx.Rollback()

	rowID, err := l.Repo.InsertPipeline(ctx, tx, p)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("insert pipeline: %w", err)
	}
	p.RowID = rowID
	if err := l.Events.Append(ctx, tx, "pipeline.created", "pipeline", p.UUID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Pipeline{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Pipeline{}, err
	}
	return p, nil
}

// validatePipelineFields checks all five fields before anything touches the
// database, so a bad request never registers a partial pipeline.
func validatePipelineFields(opts PipelineCreateOptions) error {
	if strings.TrimSpace(opts.Name) == "" || strings.TrimSpace(opts.Description) == "" {
		return ValidationError{Message: "name and description must be supplied"}
	}
	if strings.TrimSpace(opts.DockerImageURL) == "" {
		return ValidationError{Message: "a docker image URL must be supplied"}
	}
	if strings.TrimSpace(opts.RepositorySSHURL) == "" {
		return ValidationError{Message: "a repository SSH URL must be supplied"}
	}
	if strings.TrimSpace(opts.RepositoryBranch) == "" {
		return ValidationError{Message: "a repository branch must be supplied"}
	}
	return nil
}

func (l Ledger) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	return l.Repo.ListPipelines(ctx)
}

func (l Ledger) GetPipeline(ctx context.Context, pipelineUUID string) (domain.Pipeline, error) {
	return l.Repo.GetPipeline(ctx, pipelineUUID)
}

// DeletePipeline soft-deletes. The pipeline and its runs drop out of every
// read path; the rows stay for the audit trail.
func (l Ledger) DeletePipeline(ctx context.Context, pipelineUUID, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Repo.SoftDeletePipeline(ctx, tx, pipelineUUID); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "pipeline.deleted", "pipeline", pipelineUUID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateRun registers a run with its inputs and the initial NOT_STARTED state
// in one transaction. Creation is serialized per pipeline so concurrent
// requests cannot observe the same run count; the UNIQUE(pipeline_id,
// sequence) constraint backstops the lock.
func (l Ledger) CreateRun(ctx context.Context, pipelineUUID string, inputs []domain.PipelineRunInput, actorID string) (domain.PipelineRun, error) {
	for _, in := range inputs {
		if strings.TrimSpace(in.Filename) == "" || strings.TrimSpace(in.URL) == "" {
			return domain.PipelineRun{}, ValidationError{Message: "every input needs a name and a url"}
		}
	}

	unlock := l.runCreation.lock(pipelineUUID)
	defer unlock()

	// Catalog lookup happens before the transaction; pool queries issued while
	// the tx holds the single connection would wait on it forever.
	initial, err := l.Repo.GetRunStateType(ctx, "NOT_STARTED")
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("state catalog missing NOT_STARTED: %w", err)
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	defer tx.Rollback()

	p, err := l.Repo.GetPipelineTx(ctx, tx, pipelineUUID)
	if err != nil {
		return domain.PipelineRun{}, err
	}
	count, err := l.Repo.CountRunsTx(ctx, tx, p.RowID)
	if err != nil {
		return domain.PipelineRun{}, err
	}

	now := l.now().UTC().Format(time.RFC3339)
	run := domain.PipelineRun{
		PipelineRowID: p.RowID,
		UUID:          uuid.New().String(),
		Sequence:      count + 1,
		CreatedAt:     now,
	}
	rowID, err := l.Repo.InsertRun(ctx, tx, run)
	if err != nil {
		return domain.PipelineRun{}, fmt.Errorf("insert run: %w", err)
	}
	run.RowID = rowID
	for _, in := range inputs {
		if err := l.Repo.InsertRunInput(ctx, tx, rowID, in); err != nil {
			return domain.PipelineRun{}, fmt.Errorf("insert run input: %w", err)
		}
	}
	if err := l.Repo.InsertRunState(ctx, tx, rowID, initial, now); err != nil {
		return domain.PipelineRun{}, fmt.Errorf("insert initial state: %w", err)
	}
	if err := l.Events.Append(ctx, tx, "run.created", "run", run.UUID, actorID, events.EventPayload{
		"pipeline": pipelineUUID,
		"sequence": run.Sequence,
	}); err != nil {
		return domain.PipelineRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineRun{}, err
	}
	run.Inputs = append([]domain.PipelineRunInput{}, inputs...)
	run.States = []domain.PipelineRunState{{Name: initial.Name, CreatedAt: now}}
	return run, nil
}

func (l Ledger) ListRuns(ctx context.Context, pipelineUUID string) ([]domain.PipelineRun, error) {
	p, err := l.Repo.GetPipeline(ctx, pipelineUUID)
	if err != nil {
		return nil, err
	}
	return l.Repo.ListRuns(ctx, p.RowID)
}

func (l Ledger) GetRun(ctx context.Context, runUUID string) (domain.PipelineRun, error) {
	return l.Repo.GetRun(ctx, runUUID)
}

func (l Ledger) GetRunOutput(ctx context.Context, runUUID string) (domain.RunOutput, error) {
	run, err := l.Repo.GetRun(ctx, runUUID)
	if err != nil {
		return domain.RunOutput{}, err
	}
	return domain.RunOutput{StdOut: run.StdOut, StdErr: run.StdErr}, nil
}

// UpdateRunOutput overwrites both console fields. Repeated reports from a
// worker replace, never append, and the state history is untouched.
func (l Ledger) UpdateRunOutput(ctx context.Context, runUUID, stdOut, stdErr, actorID string) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := l.Repo.GetRunTx(ctx, tx, runUUID)
	if err != nil {
		return err
	}
	if err := l.Repo.UpdateRunOutput(ctx, tx, run.RowID, stdOut, stdErr); err != nil {
		return err
	}
	if err := l.Events.Append(ctx, tx, "run.output.updated", "run", runUUID, actorID, events.EventPayload{
		"std_out_bytes": len(stdOut),
		"std_err_bytes": len(stdErr),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendRunState records a new history entry for the named catalog state.
// Unknown names surface as not found before anything is written.
func (l Ledger) AppendRunState(ctx context.Context, runUUID, stateName, actorID string) (domain.PipelineRunState, error) {
	t, err := l.Repo.GetRunStateType(ctx, stateName)
	if err != nil {
		return domain.PipelineRunState{}, err
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PipelineRunState{}, err
	}
	defer tx.Rollback()

	run, err := l.Repo.GetRunTx(ctx, tx, runUUID)
	if err != nil {
		return domain.PipelineRunState{}, err
	}
	now := l.now().UTC().Format(time.RFC3339)
	if err := l.Repo.InsertRunState(ctx, tx, run.RowID, t, now); err != nil {
		return domain.PipelineRunState{}, err
	}
	if err := l.Events.Append(ctx, tx, "run.state.appended", "run", runUUID, actorID, events.EventPayload{"state": t.Name}); err != nil {
		return domain.PipelineRunState{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PipelineRunState{}, err
	}
	return domain.PipelineRunState{Name: t.Name, CreatedAt: now}, nil
}

func (l Ledger) ListRunStateTypes(ctx context.Context) ([]domain.RunStateType, error) {
	return l.Repo.ListRunStateTypes(ctx)
}
