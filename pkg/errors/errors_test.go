package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindAndStatusSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("accepting candidate: %w", Conflict("candidate", "c1", 2, 3))

	assert.Equal(t, KindConflict, KindOf(err))
	assert.Equal(t, http.StatusConflict, HTTPStatusCode(err))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "is at version 3, expected 2")
}

func TestUnclassifiedErrorsAreInternal(t *testing.T) {
	err := errors.New("connection reset")
	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(err))
	assert.False(t, IsTransient(err))
}

func TestDuplicateCarriesExistingID(t *testing.T) {
	id, ok := ExistingID(fmt.Errorf("submit: %w", Duplicate("doc-1")))
	assert.True(t, ok)
	assert.Equal(t, "doc-1", id)

	_, ok = ExistingID(NotFound("document", "doc-2"))
	assert.False(t, ok)
}

func TestWrapKeepsCauseReachable(t *testing.T) {
	cause := errors.New("ocr gateway unavailable")
	err := Transient(cause, "")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransientIngestion)
	assert.True(t, IsTransient(err))
	assert.Equal(t, "transient ingestion failure: ocr gateway unavailable", err.Error())
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusCode(err))
}

func TestFromKind(t *testing.T) {
	assert.Equal(t, KindPermanentExtraction, KindOf(FromKind("PermanentExtractionError", "corrupt scan")))
	assert.True(t, IsTransient(FromKind("TransientIngestionError", "timeout")))
	assert.Equal(t, KindInternal, KindOf(FromKind("Bogus", "??")))
}

func TestTimeoutMapsToTransient(t *testing.T) {
	err := New(ErrTimeout, "matching")
	assert.Equal(t, KindTransientIngestion, KindOf(err))
	assert.True(t, IsTransient(err))
}
