package worker

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/apperrors"
	"github.com/flakeguard/flakeguard/internal/queue"
)

type fakeRepoPoller struct {
	polled []uuid.UUID
	err    error
}

func (f *fakeRepoPoller) PollRepository(_ context.Context, id uuid.UUID) error {
	f.polled = append(f.polled, id)
	return f.err
}

func pollJob(repoID uuid.UUID) *queue.Job {
	return &queue.Job{Payload: []byte(`{"repository_id":"` + repoID.String() + `"}`)}
}

func TestHandlePoll_BackfillsThePayloadRepository(t *testing.T) {
	fake := &fakeRepoPoller{}
	w := &Workers{poller: fake}

	repoID := uuid.New()
	require.NoError(t, w.HandlePoll(context.Background(), pollJob(repoID)))
	require.Equal(t, []uuid.UUID{repoID}, fake.polled)
}

func TestHandlePoll_MalformedPayload(t *testing.T) {
	fake := &fakeRepoPoller{}
	w := &Workers{poller: fake}

	err := w.HandlePoll(context.Background(), &queue.Job{Payload: []byte(`{`)})
	require.Error(t, err)
	require.Equal(t, apperrors.KindBadRequest, apperrors.KindOf(err))
	require.Empty(t, fake.polled)
}

func TestHandlePoll_BudgetErrorPropagatesForRetry(t *testing.T) {
	fake := &fakeRepoPoller{err: apperrors.New(apperrors.KindRateLimited, "rate budget at 4%%")}
	w := &Workers{poller: fake}

	err := w.HandlePoll(context.Background(), pollJob(uuid.New()))
	require.Error(t, err)
	require.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
}
