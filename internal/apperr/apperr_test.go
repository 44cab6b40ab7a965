package apperr

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeMapsSentinelErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrDependencyNotMet, "STT_DEPENDENCY_NOT_MET"},
		{ErrNotFound, "FILE_NOT_FOUND"},
		{ErrNoTargetFile, "NO_TARGET_FILE"},
		{ErrPredecessorFailed, "PREDECESSOR_FAILED"},
		{ErrCancelled, "CANCELLED"},
		{ErrDuplicateTask, "DUPLICATE_TASK"},
		{ErrDimensionMismatch, "DIMENSION_MISMATCH"},
		{ErrSchemaTooNew, "SCHEMA_TOO_NEW"},
		{ErrUnsupportedFileType, "UNSUPPORTED_FILE_TYPE"},
		{fmt.Errorf("boom"), ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Code(c.err))
	}
}

func TestCodeUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("history: get record: %w", ErrNotFound)
	assert.Equal(t, "FILE_NOT_FOUND", Code(wrapped))
}
