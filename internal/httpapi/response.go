package httpapi

import (
	"errors"
	"net/http"

	"recordroute/internal/apperr"

	"github.com/gin-gonic/gin"
)

// errorResponse is the wire error envelope: {error, message?}.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// statusForCode maps a wire error code to its HTTP status, falling back
// to 500 for codes this surface does not special-case.
func statusForCode(code string) int {
	switch code {
	case "FILE_NOT_FOUND", "NO_TARGET_FILE":
		return http.StatusNotFound
	case "STT_DEPENDENCY_NOT_MET", "PREDECESSOR_FAILED", "DIMENSION_MISMATCH", "UNSUPPORTED_FILE_TYPE":
		return http.StatusUnprocessableEntity
	case "DUPLICATE_TASK":
		return http.StatusConflict
	case "CANCELLED":
		return http.StatusOK
	case "SCHEMA_TOO_NEW":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError classifies err through apperr's taxonomy and writes the
// matching status + error envelope. Errors outside the taxonomy become a
// generic 500 with code "INTERNAL".
func writeError(c *gin.Context, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "FILE_NOT_FOUND", Message: err.Error()})
		return
	}
	code := apperr.Code(err)
	if code == "" {
		code = "INTERNAL"
	}
	c.JSON(statusForCode(code), errorResponse{Error: code, Message: err.Error()})
}

func writeBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: "BAD_REQUEST", Message: message})
}
