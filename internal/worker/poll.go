package worker

import (
	"context"
	"encoding/json"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/queue"
)

// HandlePoll backfills one repository's missed runs from the poll queue.
func (w *Workers) HandlePoll(ctx context.Context, job *queue.Job) error {
	var payload PollPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return apperrors.Wrap(apperrors.KindBadRequest, err, "malformed poll payload")
	}
	return w.poller.PollRepository(ctx, payload.RepositoryID)
}
