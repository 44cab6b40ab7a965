// Package apperr holds the sentinel errors shared across the job
// orchestration core so HTTP handlers can classify failures with
// errors.Is instead of matching on error strings.
package apperr

import "errors"

var (
	// ErrNotFound is returned when a record or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateTask is returned when a (record_id, step) pair already
	// has a live task in the Job Registry.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrDependencyNotMet is returned when a step is requested whose
	// prerequisite step has not completed and was not scheduled ahead of
	// it in the same request.
	ErrDependencyNotMet = errors.New("dependency not met")

	// ErrPredecessorFailed is returned when a dependent step is aborted
	// because a predecessor step in the same request failed.
	ErrPredecessorFailed = errors.New("predecessor failed")

	// ErrDimensionMismatch is returned when a vector of a different
	// dimensionality than the index-global D is written.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrSchemaTooNew is returned when a persisted file declares a
	// schema_version newer than this binary understands.
	ErrSchemaTooNew = errors.New("schema version requires upgrade")

	// ErrCancelled is returned when a task was cancelled before it could
	// complete.
	ErrCancelled = errors.New("cancelled")

	// ErrUnsupportedFileType is returned for uploads outside {audio, pdf,
	// text}.
	ErrUnsupportedFileType = errors.New("unsupported file type")

	// ErrNoTargetFile is returned when a required source artifact does
	// not resolve to a readable file.
	ErrNoTargetFile = errors.New("no target file")
)

// Code maps a sentinel error to the stable wire error code from the
// external interface's error envelope. Unknown errors map to "" so the
// caller can fall back to a generic 500.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrDependencyNotMet):
		return "STT_DEPENDENCY_NOT_MET"
	case errors.Is(err, ErrNotFound):
		return "FILE_NOT_FOUND"
	case errors.Is(err, ErrNoTargetFile):
		return "NO_TARGET_FILE"
	case errors.Is(err, ErrPredecessorFailed):
		return "PREDECESSOR_FAILED"
	case errors.Is(err, ErrCancelled):
		return "CANCELLED"
	case errors.Is(err, ErrDuplicateTask):
		return "DUPLICATE_TASK"
	case errors.Is(err, ErrDimensionMismatch):
		return "DIMENSION_MISMATCH"
	case errors.Is(err, ErrSchemaTooNew):
		return "SCHEMA_TOO_NEW"
	case errors.Is(err, ErrUnsupportedFileType):
		return "UNSUPPORTED_FILE_TYPE"
	default:
		return ""
	}
}
