package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// upsertChunkSize bounds the row count per batched statement.
const upsertChunkSize = 500

// JobRecord describes one CI job observed during ingestion.
type JobRecord struct {
	ExternalJobID int64
	Name          string
	Status        string
	Conclusion    string
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// TestRecord is one normalized test outcome destined for an Occurrence row.
type TestRecord struct {
	Suite            string
	ClassName        string
	Name             string
	File             *string
	Status           string
	DurationMS       int
	Attempt          int
	Message          *string
	Stack            *string
	MessageSignature *string
	StackDigest      *string
	ExternalJobID    int64
}

// RunBatch is the full set of rows written by one ingest job.
type RunBatch struct {
	Run     *WorkflowRun
	Jobs    []JobRecord
	Records []TestRecord
}

// IngestResult summarizes an ingest transaction.
type IngestResult struct {
	RunID               uuid.UUID
	TestCases           int
	OccurrencesInserted int
}

// IngestRun writes a run, its jobs, test cases and occurrences in a single
// transaction. Re-running with the same batch is a no-op on occurrences and
// an idempotent update elsewhere. Natural-key races are retried once.
func (s *Store) IngestRun(ctx context.Context, batch *RunBatch) (*IngestResult, error) {
	var result *IngestResult
	err := withConflictRetry(ctx, func(ctx context.Context) error {
		res, err := s.ingestRunOnce(ctx, batch)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ingestRunOnce(ctx context.Context, batch *RunBatch) (*IngestResult, error) {
	// Each ingest job's transaction scope is bounded.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	runID, err := upsertWorkflowRunTx(ctx, tx, batch.Run)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert workflow run: %w", err)
	}

	jobIDs := make(map[int64]uuid.UUID, len(batch.Jobs))
	for _, job := range batch.Jobs {
		id, err := upsertJobTx(ctx, tx, runID, job)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert job: %w", err)
		}
		jobIDs[job.ExternalJobID] = id
	}

	caseIDs, err := upsertTestCasesTx(ctx, tx, batch.Run.RepositoryID, batch.Records)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert test cases: %w", err)
	}

	inserted, err := insertOccurrencesTx(ctx, tx, runID, caseIDs, jobIDs, batch.Records)
	if err != nil {
		return nil, fmt.Errorf("failed to insert occurrences: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Debug().
		Str("run_id", runID.String()).
		Int("test_cases", len(caseIDs)).
		Int("occurrences_inserted", inserted).
		Msg("Ingest batch persisted")

	return &IngestResult{
		RunID:               runID,
		TestCases:           len(caseIDs),
		OccurrencesInserted: inserted,
	}, nil
}

func upsertWorkflowRunTx(ctx context.Context, tx pgx.Tx, run *WorkflowRun) (uuid.UUID, error) {
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
	err := tx.QueryRow(ctx, query,
		run.RepositoryID, run.ExternalRunID, run.Status, run.Conclusion,
		run.HeadSHA, run.HeadBranch, run.RunNumber, run.Attempt, run.PRNumber,
	).Scan(&id)
	return id, err
}

func upsertJobTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, job JobRecord) (uuid.UUID, error) {
	query := `
		INSERT INTO jobs (workflow_run_id, external_job_id, name, status, conclusion, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_run_id, external_job_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
		RETURNING id
	`

	var id uuid.UUID
	err := tx.QueryRow(ctx, query,
		runID, job.ExternalJobID, job.Name, job.Status, job.Conclusion, job.StartedAt, job.CompletedAt,
	).Scan(&id)
	return id, err
}

type caseKey struct {
	suite, className, name string
}

// upsertTestCasesTx batch-upserts the distinct test cases referenced by the
// records and returns their ids keyed by full name.
func upsertTestCasesTx(ctx context.Context, tx pgx.Tx, repoID uuid.UUID, records []TestRecord) (map[caseKey]uuid.UUID, error) {
	type caseRow struct {
		key  caseKey
		file *string
	}

	seen := make(map[caseKey]bool, len(records))
	var distinct []caseRow
	for _, rec := range records {
		key := caseKey{rec.Suite, rec.ClassName, rec.Name}
		if seen[key] {
			continue
		}
		seen[key] = true
		distinct = append(distinct, caseRow{key: key, file: rec.File})
	}

	ids := make(map[caseKey]uuid.UUID, len(distinct))
	for _, chunk := range chunkSlice(distinct, upsertChunkSize) {
		suites := make([]string, len(chunk))
		classes := make([]string, len(chunk))
		names := make([]string, len(chunk))
		files := make([]*string, len(chunk))
		for i, row := range chunk {
			suites[i] = row.key.suite
			classes[i] = row.key.className
			names[i] = row.key.name
			files[i] = row.file
		}

		insert := `
			INSERT INTO test_cases (repository_id, suite, class_name, name, file)
			SELECT $1, u.suite, u.class_name, u.name, u.file
			FROM unnest($2::text[], $3::text[], $4::text[], $5::text[]) AS u(suite, class_name, name, file)
			ON CONFLICT (repository_id, suite, class_name, name)
			DO UPDATE SET file = COALESCE(test_cases.file, EXCLUDED.file)
		`
		if _, err := tx.Exec(ctx, insert, repoID, suites, classes, names, files); err != nil {
			return nil, err
		}

		resolve := `
			SELECT tc.id, tc.suite, tc.class_name, tc.name
			FROM test_cases tc
			JOIN unnest($2::text[], $3::text[], $4::text[]) AS u(suite, class_name, name)
			  ON tc.suite = u.suite AND tc.class_name = u.class_name AND tc.name = u.name
			WHERE tc.repository_id = $1
		`
		rows, err := tx.Query(ctx, resolve, repoID, suites, classes, names)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id uuid.UUID
			var key caseKey
			if err := rows.Scan(&id, &key.suite, &key.className, &key.name); err != nil {
				rows.Close()
				return nil, err
			}
			ids[key] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

// insertOccurrencesTx batch-inserts occurrences; duplicates on the natural
// key (test_case_id, workflow_run_id, attempt) are skipped.
func insertOccurrencesTx(ctx context.Context, tx pgx.Tx, runID uuid.UUID, caseIDs map[caseKey]uuid.UUID, jobIDs map[int64]uuid.UUID, records []TestRecord) (int, error) {
	// Occurrences are append-only; within a batch the first record for a
	// (test, attempt) pair wins, matching the upsert-on-replay semantics.
	type occKey struct {
		caseID  uuid.UUID
		attempt int
	}
	seen := make(map[occKey]bool, len(records))
	var rows []TestRecord
	caseFor := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		caseID, ok := caseIDs[caseKey{rec.Suite, rec.ClassName, rec.Name}]
		if !ok {
			return 0, fmt.Errorf("missing test case id for %s/%s/%s", rec.Suite, rec.ClassName, rec.Name)
		}
		key := occKey{caseID, rec.Attempt}
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, rec)
		caseFor = append(caseFor, caseID)
	}

	inserted := 0
	offset := 0
	for _, chunk := range chunkSlice(rows, upsertChunkSize) {
		n := len(chunk)
		testIDs := make([]uuid.UUID, n)
		jobRefs := make([]*uuid.UUID, n)
		statuses := make([]string, n)
		durations := make([]int32, n)
		attempts := make([]int32, n)
		messages := make([]*string, n)
		stacks := make([]*string, n)
		signatures := make([]*string, n)
		digests := make([]*string, n)
		for i, rec := range chunk {
			testIDs[i] = caseFor[offset+i]
			if jobID, ok := jobIDs[rec.ExternalJobID]; ok {
				ref := jobID
				jobRefs[i] = &ref
			}
			statuses[i] = rec.Status
			durations[i] = int32(rec.DurationMS)
			attempts[i] = int32(rec.Attempt)
			messages[i] = rec.Message
			stacks[i] = rec.Stack
			signatures[i] = rec.MessageSignature
			digests[i] = rec.StackDigest
		}
		offset += n

		query := `
			INSERT INTO occurrences (
				test_case_id, workflow_run_id, job_id, status, duration_ms,
				attempt, message, stack, message_signature, stack_digest
			)
			SELECT u.test_case_id, $1, u.job_id, u.status::occurrence_status, u.duration_ms,
			       u.attempt, u.message, u.stack, u.message_signature, u.stack_digest
			FROM unnest(
				$2::uuid[], $3::uuid[], $4::text[], $5::int[],
				$6::int[], $7::text[], $8::text[], $9::text[], $10::text[]
			) AS u(test_case_id, job_id, status, duration_ms, attempt, message, stack, message_signature, stack_digest)
			ON CONFLICT (test_case_id, workflow_run_id, attempt) DO NOTHING
		`
		tag, err := tx.Exec(ctx, query,
			runID, testIDs, jobRefs, statuses, durations,
			attempts, messages, stacks, signatures, digests,
		)
		if err != nil {
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// chunkSlice splits items into slices of at most size elements.
func chunkSlice[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
