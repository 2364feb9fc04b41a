package worker

import (
	"context"
	"encoding/json"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/queue"
	"github.com/rs/zerolog/log"
)

// HandleRecompute rescores a batch of tests: an explicit list when the
// payload carries one, otherwise every test in the repository.
func (w *Workers) HandleRecompute(ctx context.Context, job *queue.Job) error {
	var payload RecomputePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed recompute payload")
	}

	ids := payload.TestCaseIDs
	if len(ids) == 0 {
		var err error
		ids, err = w.store.TestCaseIDsForRepo(ctx, payload.RepositoryID)
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := w.engine.AnalyzeTest(ctx, id); err != nil {
			return err
		}
		w.metrics.TestsAnalyzed.Inc()
	}

	if _, err := w.store.RebuildFailureClusters(ctx, payload.RepositoryID); err != nil {
		return err
	}

	log.Info().
		Str("repository_id", payload.RepositoryID.String()).
		Int("tests", len(ids)).
		Msg("Recompute finished")
	return nil
}
