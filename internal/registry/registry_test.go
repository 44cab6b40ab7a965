package registry

import (
	"errors"
	"testing"

	"recordroute/internal/apperr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New()

	token, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)
	require.NotNil(t, token)

	_, err = r.Register("task-2", "rec-1", StepSTT)
	assert.True(t, errors.Is(err, apperr.ErrDuplicateTask))

	// A different step on the same record is fine.
	_, err = r.Register("task-3", "rec-1", StepSummary)
	assert.NoError(t, err)
}

func TestTransitionToTerminalReleasesSlot(t *testing.T) {
	r := New()

	_, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)
	assert.True(t, r.IsActive("rec-1", StepSTT))

	require.NoError(t, r.Transition("task-1", StateSucceeded))
	assert.False(t, r.IsActive("rec-1", StepSTT))

	// The slot is free again even though the task hasn't been
	// unregistered yet (terminal progress event may still be in flight).
	_, err = r.Register("task-2", "rec-1", StepSTT)
	assert.NoError(t, err)
}

func TestCancelSignalsToken(t *testing.T) {
	r := New()

	token, err := r.Register("task-1", "rec-1", StepEmbedding)
	require.NoError(t, err)
	assert.False(t, token.IsCancelled())

	require.NoError(t, r.Cancel("task-1"))
	assert.True(t, token.IsCancelled())
}

func TestCancelUnknownTaskNotFound(t *testing.T) {
	r := New()
	err := r.Cancel("ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestUnregisterRemovesFromListAndActive(t *testing.T) {
	r := New()

	_, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)
	assert.Len(t, r.List(), 1)

	r.Unregister("task-1")
	assert.Len(t, r.List(), 0)
	assert.False(t, r.IsActive("rec-1", StepSTT))

	// Unregistering twice is harmless.
	r.Unregister("task-1")
}

func TestFailSetsErrorTaxonomyAndReleasesSlot(t *testing.T) {
	r := New()

	_, err := r.Register("task-1", "rec-1", StepSummary)
	require.NoError(t, err)

	require.NoError(t, r.Fail("task-1", "PREDECESSOR_FAILED", "stt step failed"))

	task, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, task.State)
	assert.Equal(t, "PREDECESSOR_FAILED", task.ErrorCode)
	assert.False(t, r.IsActive("rec-1", StepSummary))
}

func TestFailWithCancelledCodeSetsCancelledState(t *testing.T) {
	r := New()

	_, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)

	require.NoError(t, r.Fail("task-1", "CANCELLED", "cancelled while waiting for a slot"))

	task, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, task.State)
	assert.False(t, r.IsActive("rec-1", StepSTT))
}

func TestRecordRetryIncrementsCounter(t *testing.T) {
	r := New()
	_, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)

	require.NoError(t, r.RecordRetry("task-1"))
	require.NoError(t, r.RecordRetry("task-1"))

	task, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.RetryCount)
	assert.NotNil(t, task.LastRetryAt)
}

func TestListReturnsSnapshotsNotLiveReferences(t *testing.T) {
	r := New()
	_, err := r.Register("task-1", "rec-1", StepSTT)
	require.NoError(t, err)

	tasks := r.List()
	require.Len(t, tasks, 1)
	tasks[0].State = StateFailed

	fresh, err := r.Get("task-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, fresh.State)
}
