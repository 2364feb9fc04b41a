package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecentRunsForTest returns up to window occurrences for a test, newest first.
func (s *Store) RecentRunsForTest(ctx context.Context, testCaseID uuid.UUID, window int) ([]Occurrence, error) {
	query := `
		SELECT id, test_case_id, workflow_run_id, job_id, status, duration_ms,
		       attempt, message, stack, message_signature, stack_digest, created_at
		FROM occurrences
		WHERE test_case_id = $1
		ORDER BY created_at DESC, attempt DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, testCaseID, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent runs: %w", err)
	}
	defer rows.Close()

	return scanOccurrences(rows)
}

// FirstSeenAt returns the earliest occurrence timestamp for a test, or nil.
func (s *Store) FirstSeenAt(ctx context.Context, testCaseID uuid.UUID) (*time.Time, error) {
	var first *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM occurrences WHERE test_case_id = $1`, testCaseID,
	).Scan(&first)
	if err != nil {
		return nil, fmt.Errorf("failed to query first seen: %w", err)
	}
	return first, nil
}

// OccurrencePage is one page of a failed-occurrence scan.
type OccurrencePage struct {
	Occurrences []Occurrence
	NextCursor  *OccurrenceCursor
}

// OccurrenceCursor marks a resume position in a paged scan.
type OccurrenceCursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// FailedOccurrencesForRepo pages through failed/error occurrences in a
// repository since the given time, oldest first.
func (s *Store) FailedOccurrencesForRepo(ctx context.Context, repoID uuid.UUID, since time.Time, pageSize int, cursor *OccurrenceCursor) (*OccurrencePage, error) {
	if pageSize < 1 {
		pageSize = 200
	}

	query := `
		SELECT o.id, o.test_case_id, o.workflow_run_id, o.job_id, o.status, o.duration_ms,
		       o.attempt, o.message, o.stack, o.message_signature, o.stack_digest, o.created_at
		FROM occurrences o
		JOIN test_cases tc ON tc.id = o.test_case_id
		WHERE tc.repository_id = $1
		  AND o.status IN ('failed', 'error')
		  AND o.created_at >= $2
		  AND ($3::timestamptz IS NULL OR (o.created_at, o.id) > ($3::timestamptz, $4::uuid))
		ORDER BY o.created_at ASC, o.id ASC
		LIMIT $5
	`

	var cursorAt *time.Time
	var cursorID *uuid.UUID
	if cursor != nil {
		cursorAt = &cursor.CreatedAt
		cursorID = &cursor.ID
	}

	rows, err := s.pool.Query(ctx, query, repoID, since, cursorAt, cursorID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed occurrences: %w", err)
	}
	defer rows.Close()

	occurrences, err := scanOccurrences(rows)
	if err != nil {
		return nil, err
	}

	page := &OccurrencePage{Occurrences: occurrences}
	if len(occurrences) == pageSize {
		last := occurrences[len(occurrences)-1]
		page.NextCursor = &OccurrenceCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

// UpsertFlakeScore writes the current score row for a test case.
func (s *Store) UpsertFlakeScore(ctx context.Context, score *FlakeScore) error {
	query := `
		INSERT INTO flake_scores (test_case_id, score, confidence, features, window_n, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (test_case_id)
		DO UPDATE SET
			score = EXCLUDED.score,
			confidence = EXCLUDED.confidence,
			features = EXCLUDED.features,
			window_n = EXCLUDED.window_n,
			updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		score.TestCaseID, score.Score, score.Confidence, score.Features, score.WindowN,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert flake score: %w", err)
	}
	return nil
}

// RebuildFailureClusters re-materializes signature clusters for a repository.
// A cluster exists for any signature with at least two failed occurrences
// spanning at least two test cases; membership only grows because
// occurrences are append-only.
func (s *Store) RebuildFailureClusters(ctx context.Context, repoID uuid.UUID) (int, error) {
	query := `
		INSERT INTO failure_clusters (
			repository_id, message_signature, stack_digest, example_message,
			example_stack, test_case_ids, occurrence_count, window_start, window_end
		)
		SELECT $1,
		       o.message_signature,
		       (array_agg(o.stack_digest) FILTER (WHERE o.stack_digest IS NOT NULL))[1],
		       COALESCE((array_agg(o.message) FILTER (WHERE o.message IS NOT NULL))[1], ''),
		       COALESCE((array_agg(o.stack) FILTER (WHERE o.stack IS NOT NULL))[1], ''),
		       array_agg(DISTINCT o.test_case_id),
		       COUNT(*),
		       MIN(o.created_at),
		       MAX(o.created_at)
		FROM occurrences o
		JOIN test_cases tc ON tc.id = o.test_case_id
		WHERE tc.repository_id = $1
		  AND o.status IN ('failed', 'error')
		  AND o.message_signature IS NOT NULL
		GROUP BY o.message_signature
		HAVING COUNT(*) >= 2 AND COUNT(DISTINCT o.test_case_id) >= 2
		ON CONFLICT (repository_id, message_signature)
		DO UPDATE SET
			stack_digest = EXCLUDED.stack_digest,
			example_message = EXCLUDED.example_message,
			example_stack = EXCLUDED.example_stack,
			test_case_ids = EXCLUDED.test_case_ids,
			occurrence_count = EXCLUDED.occurrence_count,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end
	`

	tag, err := s.pool.Exec(ctx, query, repoID)
	if err != nil {
		return 0, fmt.Errorf("failed to rebuild failure clusters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailureClustersForRepo lists materialized clusters for a repository.
func (s *Store) FailureClustersForRepo(ctx context.Context, repoID uuid.UUID) ([]FailureCluster, error) {
	query := `
		SELECT id, repository_id, message_signature, stack_digest, example_message,
		       example_stack, test_case_ids, occurrence_count, window_start, window_end
		FROM failure_clusters
		WHERE repository_id = $1
		ORDER BY occurrence_count DESC
	`

	rows, err := s.pool.Query(ctx, query, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failure clusters: %w", err)
	}
	defer rows.Close()

	var clusters []FailureCluster
	for rows.Next() {
		var c FailureCluster
		if err := rows.Scan(
			&c.ID, &c.RepositoryID, &c.MessageSignature, &c.StackDigest, &c.ExampleMessage,
			&c.ExampleStack, &c.TestCaseIDs, &c.OccurrenceCount, &c.WindowStart, &c.WindowEnd,
		); err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// CurrentQuarantine returns the latest non-terminal decision for a test, or nil.
func (s *Store) CurrentQuarantine(ctx context.Context, testCaseID uuid.UUID) (*QuarantineDecision, error) {
	query := `
		SELECT id, test_case_id, state, rationale, by_user, until_at, created_at
		FROM quarantine_decisions
		WHERE test_case_id = $1 AND state IN ('proposed', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`

	var d QuarantineDecision
	err := s.pool.QueryRow(ctx, query, testCaseID).Scan(
		&d.ID, &d.TestCaseID, &d.State, &d.Rationale, &d.ByUser, &d.Until, &d.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query current quarantine: %w", err)
	}
	return &d, nil
}

// SetQuarantine creates or refreshes the open decision for a test. The latest
// decision wins; quarantining an already-quarantined test is a no-op update.
func (s *Store) SetQuarantine(ctx context.Context, testCaseID uuid.UUID, state, rationale, byUser string, until *time.Time) (*QuarantineDecision, error) {
	query := `
		INSERT INTO quarantine_decisions (test_case_id, state, rationale, by_user, until_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (test_case_id) WHERE state IN ('proposed', 'active')
		DO UPDATE SET
			state = EXCLUDED.state,
			rationale = EXCLUDED.rationale,
			by_user = EXCLUDED.by_user,
			until_at = EXCLUDED.until_at
		RETURNING id, test_case_id, state, rationale, by_user, until_at, created_at
	`

	var d QuarantineDecision
	err := s.pool.QueryRow(ctx, query, testCaseID, state, rationale, byUser, until).Scan(
		&d.ID, &d.TestCaseID, &d.State, &d.Rationale, &d.ByUser, &d.Until, &d.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set quarantine: %w", err)
	}
	return &d, nil
}

// DismissQuarantine closes the open decision for a test, if any.
func (s *Store) DismissQuarantine(ctx context.Context, testCaseID uuid.UUID, byUser string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quarantine_decisions SET state = 'dismissed', by_user = $2 WHERE test_case_id = $1 AND state IN ('proposed', 'active')`,
		testCaseID, byUser,
	)
	if err != nil {
		return false, fmt.Errorf("failed to dismiss quarantine: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireQuarantines transitions active decisions whose until has elapsed.
func (s *Store) ExpireQuarantines(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE quarantine_decisions SET state = 'expired' WHERE state = 'active' AND until_at IS NOT NULL AND until_at < NOW()`,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire quarantines: %w", err)
	}
	return tag.RowsAffected(), nil
}

// IssueLinkForTest returns the tracking issue link for a test, or nil.
func (s *Store) IssueLinkForTest(ctx context.Context, testCaseID uuid.UUID) (*IssueLink, error) {
	query := `
		SELECT id, test_case_id, provider, url, created_at
		FROM issue_links
		WHERE test_case_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	var link IssueLink
	err := s.pool.QueryRow(ctx, query, testCaseID).Scan(
		&link.ID, &link.TestCaseID, &link.Provider, &link.URL, &link.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query issue link: %w", err)
	}
	return &link, nil
}

// CreateIssueLink records a tracking issue for a test case.
func (s *Store) CreateIssueLink(ctx context.Context, testCaseID uuid.UUID, provider, url string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO issue_links (test_case_id, provider, url) VALUES ($1, $2, $3)`,
		testCaseID, provider, url,
	)
	if err != nil {
		return fmt.Errorf("failed to create issue link: %w", err)
	}
	return nil
}

func scanOccurrences(rows pgx.Rows) ([]Occurrence, error) {
	var occurrences []Occurrence
	for rows.Next() {
		var o Occurrence
		if err := rows.Scan(
			&o.ID, &o.TestCaseID, &o.WorkflowRunID, &o.JobID, &o.Status, &o.DurationMS,
			&o.Attempt, &o.Message, &o.Stack, &o.MessageSignature, &o.StackDigest, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		occurrences = append(occurrences, o)
	}
	return occurrences, rows.Err()
}
