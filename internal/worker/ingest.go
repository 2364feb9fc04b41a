package worker

import (
	"context"
	"encoding/json"
	"io"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/artifact"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/junit"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/flakeguard/flakeguard/internal/signature"
	"github.com/flakeguard/flakeguard/internal/store"
	"github.com/rs/zerolog/log"
)

// HandleIngest downloads a run's artifacts, parses the JUnit reports inside
// them and persists everything in one transaction, then enqueues analysis.
func (w *Workers) HandleIngest(ctx context.Context, job *queue.Job) error {
	var payload IngestPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed ingest payload")
	}

	ic := w.gh.ForInstallation(payload.Installation, githubapp.PriorityCritical)

	artifacts, err := ic.ListArtifacts(ctx, payload.Owner, payload.Name, payload.ExternalRunID)
	if err != nil {
		return err
	}

	jobs, err := w.collectJobs(ctx, ic, payload)
	if err != nil {
		return err
	}

	limits := artifact.Limits{
		MaxEntryBytes:   w.cfg.MaxEntryBytes,
		MaxArchiveBytes: w.cfg.MaxArchiveBytes,
	}
	parser := junit.NewParser(w.cfg.MaxOutputBytes)

	var records []store.TestRecord
	for _, art := range artifacts {
		if art.GetExpired() {
			log.Warn().
				Str("artifact", art.GetName()).
				Int64("run", payload.ExternalRunID).
				Msg("Skipping expired artifact")
			continue
		}

		recs, err := w.ingestArtifact(ctx, ic, payload, art.GetID(), limits, parser)
		if err != nil {
			switch apperrors.KindOf(err) {
			case apperrors.KindArtifactExpired, apperrors.KindArtifactTooLarge:
				// Recorded and skipped; the job itself still completes.
				log.Warn().
					Err(err).
					Str("artifact", art.GetName()).
					Int64("run", payload.ExternalRunID).
					Msg("Artifact not ingested")
				continue
			}
			return err
		}
		records = append(records, recs...)
	}

	batch := &store.RunBatch{
		Run: &store.WorkflowRun{
			RepositoryID:  payload.RepositoryID,
			ExternalRunID: payload.ExternalRunID,
			Status:        "completed",
			HeadSHA:       payload.HeadSHA,
			HeadBranch:    payload.HeadBranch,
			RunNumber:     payload.RunNumber,
			Attempt:       payload.Attempt,
			PRNumber:      payload.PRNumber,
		},
		Jobs:    jobs,
		Records: records,
	}
	result, err := w.store.IngestRun(ctx, batch)
	if err != nil {
		return err
	}
	w.metrics.OccurrencesIngested.Add(float64(result.OccurrencesInserted))

	log.Info().
		Str("repo", payload.Owner+"/"+payload.Name).
		Int64("run", payload.ExternalRunID).
		Int("artifacts", len(artifacts)).
		Int("test_cases", result.TestCases).
		Int("occurrences", result.OccurrencesInserted).
		Msg("Run ingested")

	// Analysis always follows ingest for the same run.
	_, err = w.queue.Enqueue(ctx, queue.QueueAnalyze, ingestKey(payload.RepositoryID, payload.ExternalRunID), AnalyzePayload{
		RepositoryID:  payload.RepositoryID,
		Installation:  payload.Installation,
		ExternalRunID: payload.ExternalRunID,
		HeadSHA:       payload.HeadSHA,
	})
	return err
}

func (w *Workers) collectJobs(ctx context.Context, ic *githubapp.InstallationClient, payload IngestPayload) ([]store.JobRecord, error) {
	ghJobs, err := ic.ListJobs(ctx, payload.Owner, payload.Name, payload.ExternalRunID)
	if err != nil {
		return nil, err
	}

	jobs := make([]store.JobRecord, 0, len(ghJobs))
	for _, j := range ghJobs {
		rec := store.JobRecord{
			ExternalJobID: j.GetID(),
			Name:          j.GetName(),
			Status:        j.GetStatus(),
			Conclusion:    j.GetConclusion(),
		}
		if t := j.GetStartedAt(); !t.IsZero() {
			started := t.Time
			rec.StartedAt = &started
		}
		if t := j.GetCompletedAt(); !t.IsZero() {
			completed := t.Time
			rec.CompletedAt = &completed
		}
		jobs = append(jobs, rec)
	}
	return jobs, nil
}

func (w *Workers) ingestArtifact(ctx context.Context, ic *githubapp.InstallationClient, payload IngestPayload, artifactID int64, limits artifact.Limits, parser *junit.Parser) ([]store.TestRecord, error) {
	body, err := ic.DownloadArtifact(ctx, payload.Owner, payload.Name, artifactID)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	archive, err := artifact.Spool(body, limits)
	if err != nil {
		return nil, err
	}
	defer archive.Close()

	var records []store.TestRecord
	err = archive.Reports(func(entryPath string, r io.Reader) error {
		return parser.Parse(r, func(suite *junit.Suite) error {
			records = append(records, suiteRecords(suite, payload.Attempt)...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// suiteRecords flattens a parsed suite into store rows, computing message
// signatures and stack digests for failures.
func suiteRecords(suite *junit.Suite, attempt int) []store.TestRecord {
	if attempt < 1 {
		attempt = 1
	}

	records := make([]store.TestRecord, 0, len(suite.Cases))
	for i := range suite.Cases {
		tc := &suite.Cases[i]
		rec := store.TestRecord{
			Suite:      suite.Name,
			ClassName:  tc.ClassName,
			Name:       tc.Name,
			Status:     tc.Status,
			DurationMS: tc.DurationMS(),
			Attempt:    attempt,
		}
		if tc.File != "" {
			file := tc.File
			rec.File = &file
		}

		if detail := tc.FailureDetail(); detail != nil {
			if detail.Message != "" {
				msg := detail.Message
				rec.Message = &msg
				sig := signature.MessageSignature(msg)
				rec.MessageSignature = &sig
			}
			if detail.Body != "" {
				stack := detail.Body
				rec.Stack = &stack
				digest := signature.StackDigest(stack)
				rec.StackDigest = &digest
				if rec.MessageSignature == nil {
					sig := signature.MessageSignature(stack)
					rec.MessageSignature = &sig
				}
			}
		}

		records = append(records, rec)
	}
	return records
}
