package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns all persisted rows. Analytics components consume snapshots and
// write new score/cluster rows back through it.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// UpsertRepository creates or updates a repository by its natural key.
func (s *Store) UpsertRepository(ctx context.Context, provider, owner, name string, installationRef int64, defaultBranch string) (*Repository, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	query := `
		INSERT INTO repositories (provider, owner, name, installation_ref, default_branch)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, owner, name)
		DO UPDATE SET installation_ref = EXCLUDED.installation_ref, default_branch = EXCLUDED.default_branch
		RETURNING id, provider, owner, name, installation_ref, default_branch, last_polled_at, active, created_at
	`

	var repo Repository
	err := s.pool.QueryRow(ctx, query, provider, owner, name, installationRef, defaultBranch).Scan(
		&repo.ID, &repo.Provider, &repo.Owner, &repo.Name, &repo.InstallationRef,
		&repo.DefaultBranch, &repo.LastPolledAt, &repo.Active, &repo.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert repository: %w", err)
	}
	return &repo, nil
}

// GetRepository looks up a repository by its natural key.
func (s *Store) GetRepository(ctx context.Context, provider, owner, name string) (*Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_ref, default_branch, last_polled_at, active, created_at
		FROM repositories
		WHERE provider = $1 AND owner = $2 AND name = $3
	`

	var repo Repository
	err := s.pool.QueryRow(ctx, query, provider, owner, name).Scan(
		&repo.ID, &repo.Provider, &repo.Owner, &repo.Name, &repo.InstallationRef,
		&repo.DefaultBranch, &repo.LastPolledAt, &repo.Active, &repo.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &repo, nil
}

// GetRepositoryByID looks up a repository by id.
func (s *Store) GetRepositoryByID(ctx context.Context, id uuid.UUID) (*Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_ref, default_branch, last_polled_at, active, created_at
		FROM repositories
		WHERE id = $1
	`

	var repo Repository
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&repo.ID, &repo.Provider, &repo.Owner, &repo.Name, &repo.InstallationRef,
		&repo.DefaultBranch, &repo.LastPolledAt, &repo.Active, &repo.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &repo, nil
}

// SetRepositoryActive flips a repository's active flag.
func (s *Store) SetRepositoryActive(ctx context.Context, provider, owner, name string, active bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE repositories SET active = $4 WHERE provider = $1 AND owner = $2 AND name = $3`,
		provider, owner, name, active,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update repository: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TouchLastPolled records a completed poll sweep for a repository.
func (s *Store) TouchLastPolled(ctx context.Context, repoID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE repositories SET last_polled_at = $2 WHERE id = $1`, repoID, at)
	if err != nil {
		return fmt.Errorf("failed to touch last_polled_at: %w", err)
	}
	return nil
}

// StalePollRepositories returns the oldest-polled active repositories whose
// last poll is older than the interval, up to limit.
func (s *Store) StalePollRepositories(ctx context.Context, interval time.Duration, limit int) ([]Repository, error) {
	query := `
		SELECT id, provider, owner, name, installation_ref, default_branch, last_polled_at, active, created_at
		FROM repositories
		WHERE active AND (last_polled_at IS NULL OR last_polled_at < NOW() - $1::interval)
		ORDER BY last_polled_at ASC NULLS FIRST
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale repositories: %w", err)
	}
	defer rows.Close()

	var repos []Repository
	for rows.Next() {
		var repo Repository
		if err := rows.Scan(
			&repo.ID, &repo.Provider, &repo.Owner, &repo.Name, &repo.InstallationRef,
			&repo.DefaultBranch, &repo.LastPolledAt, &repo.Active, &repo.CreatedAt,
		); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// UpsertWorkflowRun creates or updates a run by (repository_id, external_run_id).
func (s *Store) UpsertWorkflowRun(ctx context.Context, run *WorkflowRun) (uuid.UUID, error) {
	query := `
		INSERT INTO workflow_runs (
			repository_id, external_run_id, status, conclusion,
			head_sha, head_branch, run_number, attempt, pr_number, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (repository_id, external_run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			head_sha = EXCLUDED.head_sha,
			head_branch = EXCLUDED.head_branch,
			run_number = EXCLUDED.run_number,
			attempt = EXCLUDED.attempt,
			pr_number = COALESCE(EXCLUDED.pr_number, workflow_runs.pr_number),
			updated_at = NOW()
		RETURNING id
	`

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, query,
		run.RepositoryID, run.ExternalRunID, run.Status, run.Conclusion,
		run.HeadSHA, run.HeadBranch, run.RunNumber, run.Attempt, run.PRNumber,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to upsert workflow run: %w", err)
	}
	return id, nil
}

// GetWorkflowRun loads a run by (repository_id, external_run_id).
func (s *Store) GetWorkflowRun(ctx context.Context, repoID uuid.UUID, externalRunID int64) (*WorkflowRun, error) {
	query := `
		SELECT id, repository_id, external_run_id, status, conclusion,
		       head_sha, head_branch, run_number, attempt, pr_number, created_at, updated_at
		FROM workflow_runs
		WHERE repository_id = $1 AND external_run_id = $2
	`

	var run WorkflowRun
	err := s.pool.QueryRow(ctx, query, repoID, externalRunID).Scan(
		&run.ID, &run.RepositoryID, &run.ExternalRunID, &run.Status, &run.Conclusion,
		&run.HeadSHA, &run.HeadBranch, &run.RunNumber, &run.Attempt, &run.PRNumber,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return &run, nil
}

// LatestRunForHeadSHA returns the most recent run for a commit, or nil.
// Check-run action handlers resolve the run this way because check events
// only carry the commit.
func (s *Store) LatestRunForHeadSHA(ctx context.Context, repoID uuid.UUID, headSHA string) (*WorkflowRun, error) {
	query := `
		SELECT id, repository_id, external_run_id, status, conclusion,
		       head_sha, head_branch, run_number, attempt, pr_number, created_at, updated_at
		FROM workflow_runs
		WHERE repository_id = $1 AND head_sha = $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	var run WorkflowRun
	err := s.pool.QueryRow(ctx, query, repoID, headSHA).Scan(
		&run.ID, &run.RepositoryID, &run.ExternalRunID, &run.Status, &run.Conclusion,
		&run.HeadSHA, &run.HeadBranch, &run.RunNumber, &run.Attempt, &run.PRNumber,
		&run.CreatedAt, &run.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run for commit: %w", err)
	}
	return &run, nil
}

// RunExists reports whether a run has already been ingested.
func (s *Store) RunExists(ctx context.Context, repoID uuid.UUID, externalRunID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE repository_id = $1 AND external_run_id = $2)`,
		repoID, externalRunID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check run existence: %w", err)
	}
	return exists, nil
}

// GetTestCase loads a test case by id.
func (s *Store) GetTestCase(ctx context.Context, id uuid.UUID) (*TestCase, error) {
	query := `
		SELECT id, repository_id, suite, class_name, name, file, owner_team, created_at
		FROM test_cases
		WHERE id = $1
	`

	var tc TestCase
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&tc.ID, &tc.RepositoryID, &tc.Suite, &tc.ClassName, &tc.Name, &tc.File, &tc.OwnerTeam, &tc.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test case: %w", err)
	}
	return &tc, nil
}

// TestCaseIDsForRun returns the test cases that have occurrences in a run.
func (s *Store) TestCaseIDsForRun(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT test_case_id FROM occurrences WHERE workflow_run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases for run: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TestCaseIDsForRepo returns all test case ids in a repository.
func (s *Store) TestCaseIDsForRepo(ctx context.Context, repoID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM test_cases WHERE repository_id = $1`, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list test cases for repo: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isDuplicateKeyError checks if error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isSerializationError checks for a serialization failure or deadlock.
func isSerializationError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// withConflictRetry runs fn, retrying exactly once on natural-key conflict
// races; a second failure is promoted per the error taxonomy.
func withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if !isDuplicateKeyError(err) && !isSerializationError(err) {
		return err
	}
	if err := fn(ctx); err != nil {
		return apperrors.Wrap(apperrors.KindUpstreamUnavailable, err, "store conflict persisted after retry")
	}
	return nil
}
