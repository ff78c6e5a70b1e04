package syncerr

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
)

func TestError_StatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", Configuration("unknown_entity_type", nil, "unknown"), http.StatusBadRequest},
		{"fetch", Fetch("plants", "http_503", nil, "down"), http.StatusBadGateway},
		{"parse", Parse("plants", "malformed", nil, "bad json"), http.StatusInternalServerError},
		{"merge", Merge("plants", "stale_version", nil, "lost race"), http.StatusInternalServerError},
		{"dependency", DependencyMissing("issues", "missing_parent", nil, "no plant"), http.StatusConflict},
		{"cancelled cause", Fetch("plants", "cancelled", context.DeadlineExceeded, "timed out"), http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("batch: %w", Fetch("plants", "http_404", nil, "gone")), http.StatusBadGateway},
		{"http error", httperror.NewHTTPError(http.StatusNotFound, "missing"), http.StatusNotFound},
		{"bare cancellation", context.Canceled, http.StatusServiceUnavailable},
		{"plain", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusCode(tt.err))
		})
	}
}

func TestError_ToHTTPError(t *testing.T) {
	err := Merge("issues", "duplicate_current", nil, "second current row").WithScope("34")

	httperr := err.ToHTTPError()
	assert.Equal(t, http.StatusInternalServerError, httperr.Code)
	assert.Equal(t, "MergeError [issues 34]: second current row", httperr.Message)
	assert.Equal(t, TypeMerge, httperr.Meta["error_type"])
	assert.Equal(t, "duplicate_current", httperr.Meta["error_code"])
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorType(""), Classify(nil))
	assert.Equal(t, TypeUnknown, Classify(fmt.Errorf("boom")))
	assert.Equal(t, TypeFetch, Classify(fmt.Errorf("x: %w", Fetch("plants", "transport", nil, "down"))))
	assert.Equal(t, TypeCancelled, Classify(Merge("plants", "store", context.Canceled, "store")))
	assert.ErrorIs(t, Parse("plants", "malformed", nil, "bad"), ErrParse)
	assert.Equal(t, "malformed", Code(fmt.Errorf("x: %w", Parse("plants", "malformed", nil, "bad"))))
}
