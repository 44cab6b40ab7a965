// Package registry implements the Job Registry: the in-memory table of
// currently running tasks, their cancellation tokens, and their start
// times. The exclusivity and state-transition logic here is translated
// from the teacher's Redis-backed job queue (internal/queue/queue.go):
// StartJob's HSETNX-based exclusivity lock becomes a map insert guarded
// by a mutex, and CompleteJob's removal-from-running-set becomes a map
// delete, preserving the same "claim, do work, release" shape without
// the external coordination service the teacher needed across multiple
// worker processes.
package registry

import (
	"fmt"
	"sync"
	"time"

	"recordroute/internal/apperr"
)

// Step names a unit of scheduled work, mirroring the History Store's
// step vocabulary.
type Step string

const (
	StepSTT       Step = "stt"
	StepEmbedding Step = "embedding"
	StepSummary   Step = "summary"
)

// State is a Task's position in its lifecycle.
type State string

const (
	StateQueued               State = "queued"
	StateRunning              State = "running"
	StateWaitingForDependency State = "waiting_for_dependency"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// CancellationToken is a shared observable cancellation flag. Engine
// collaborators poll IsCancelled at every natural checkpoint (between
// chunks, between segments) and at least every ~500ms.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
}

// Cancel signals the token. Idempotent.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

// IsCancelled reports whether Cancel has been called.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Task is a unit of scheduled work, live only for the duration of
// execution; it is never persisted.
type Task struct {
	TaskID        string
	RecordID      string
	Step          Step
	State         State
	StartedAt     time.Time
	RetryCount    int
	LastRetryAt   *time.Time
	ErrorCode     string
	ErrorMessage  string
	QueuePosition int

	token *CancellationToken
}

// Snapshot returns a value copy of the Task safe to hand to callers
// outside the registry's lock.
func (t *Task) Snapshot() Task {
	cp := *t
	cp.token = nil
	return cp
}

type recordStep struct {
	recordID string
	step     Step
}

// Registry is the Job Registry. The zero value is not usable; call New.
type Registry struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	active map[recordStep]string // (record_id, step) -> task_id, enforces §3 exclusivity invariant
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		tasks:  make(map[string]*Task),
		active: make(map[recordStep]string),
	}
}

// Register inserts a new Task in state queued and returns its
// cancellation token. It fails with apperr.ErrDuplicateTask if an
// identical (record_id, step) is already live (queued, running, or
// waiting_for_dependency), enforcing "at most one Task per step at a
// time" (spec §3 invariant).
func (r *Registry) Register(taskID, recordID string, step Step) (*CancellationToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordStep{recordID: recordID, step: step}
	if existingID, ok := r.active[key]; ok {
		return nil, fmt.Errorf("registry: task %s already live for record %s step %s: %w", existingID, recordID, step, apperr.ErrDuplicateTask)
	}

	token := &CancellationToken{}
	r.tasks[taskID] = &Task{
		TaskID:    taskID,
		RecordID:  recordID,
		Step:      step,
		State:     StateQueued,
		StartedAt: time.Now(),
		token:     token,
	}
	r.active[key] = taskID
	return token, nil
}

// Transition moves a task to a new state. Reaching a terminal state
// (succeeded, failed, cancelled) releases the (record_id, step)
// exclusivity slot immediately so a subsequent request is not blocked
// on the caller also invoking Unregister.
func (r *Registry) Transition(taskID string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return apperr.ErrNotFound
	}
	t.State = state
	if isTerminal(state) {
		delete(r.active, recordStep{recordID: t.RecordID, step: t.Step})
	}
	return nil
}

// RecordRetry increments a task's retry counter and timestamp ahead of
// a backoff-scheduled re-attempt.
func (r *Registry) RecordRetry(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return apperr.ErrNotFound
	}
	t.RetryCount++
	now := time.Now()
	t.LastRetryAt = &now
	return nil
}

// Fail transitions a task to failed (or cancelled, when errorCode names a
// cancellation) with an error taxonomy code and releases its exclusivity
// slot.
func (r *Registry) Fail(taskID, errorCode, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return apperr.ErrNotFound
	}
	if errorCode == "CANCELLED" {
		t.State = StateCancelled
	} else {
		t.State = StateFailed
	}
	t.ErrorCode = errorCode
	t.ErrorMessage = errorMessage
	delete(r.active, recordStep{recordID: t.RecordID, step: t.Step})
	return nil
}

// Unregister removes the Task entirely. Called once its terminal
// progress event has been published, per spec §4.4 ordering.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[taskID]
	if !ok {
		return
	}
	delete(r.active, recordStep{recordID: t.RecordID, step: t.Step})
	delete(r.tasks, taskID)
}

// Cancel signals the task's cancellation token. Returns apperr.ErrNotFound
// if the task is not currently live.
func (r *Registry) Cancel(taskID string) error {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return apperr.ErrNotFound
	}
	t.token.Cancel()
	return nil
}

// Get returns a snapshot of one task.
func (r *Registry) Get(taskID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return Task{}, apperr.ErrNotFound
	}
	return t.Snapshot(), nil
}

// List returns a snapshot of every currently-registered Task, for the
// /tasks endpoint.
func (r *Registry) List() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// IsActive reports whether a (record_id, step) pair currently has a live
// task, used by the scheduler's validation phase ahead of Register to
// produce a clearer duplicate-task error before any work is dispatched.
func (r *Registry) IsActive(recordID string, step Step) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[recordStep{recordID: recordID, step: step}]
	return ok
}

func isTerminal(s State) bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
