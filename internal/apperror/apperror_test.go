package apperror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	cause := errors.New("boom")
	e := &Error{Kind: KindRenderFailure, Op: "render capture", Message: "card render failed", Err: cause}
	assert.Equal(t, "render capture: card render failed: boom", e.Error())
	assert.ErrorIs(t, e, cause)

	assert.Equal(t, "throttled", (&Error{Kind: KindThrottled}).Error())
}

func TestHTTPStatus(t *testing.T) {
	tests := map[Kind]int{
		KindThrottled:           http.StatusTooManyRequests,
		KindNotFound:            http.StatusNotFound,
		KindUpstreamUnavailable: http.StatusBadGateway,
		KindRenderTimeout:       http.StatusInternalServerError,
		KindRenderFailure:       http.StatusInternalServerError,
		KindStoreUnavailable:    http.StatusServiceUnavailable,
		KindConnectionFatal:     http.StatusServiceUnavailable,
		KindInternal:            http.StatusInternalServerError,
	}
	for kind, want := range tests {
		t.Run(string(kind), func(t *testing.T) {
			assert.Equal(t, want, (&Error{Kind: kind}).HTTPStatus())
		})
	}
}

func TestRenderClassification(t *testing.T) {
	t.Run("deadline is a timeout", func(t *testing.T) {
		err := Render("images", fmt.Errorf("wait: %w", context.DeadlineExceeded))
		assert.Equal(t, KindRenderTimeout, err.Kind)
		assert.Equal(t, "render images", err.Op)
	})

	t.Run("other errors are failures", func(t *testing.T) {
		assert.Equal(t, KindRenderFailure, Render("capture", errors.New("x")).Kind)
	})
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", NotFound("fetch", "no such member", nil))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindInternal))
	assert.ErrorIs(t, wrapped, &Error{Kind: KindNotFound})
	assert.NotErrorIs(t, wrapped, &Error{Kind: KindThrottled})
}

func TestWrite(t *testing.T) {
	t.Run("throttled sets Retry-After and body hint", func(t *testing.T) {
		rr := httptest.NewRecorder()
		rr.Header().Set("X-Request-Id", "req-1")
		Write(rr, Throttled("burst", "Too Many Requests", 1500*time.Millisecond))

		assert.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.Equal(t, "2", rr.Header().Get("Retry-After"))
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var body Body
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, "throttled", body.Error)
		assert.Equal(t, 2.0, body.RetryAfter)
		assert.Equal(t, "req-1", body.RequestID)
	})

	t.Run("retry hint has a one second floor", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Write(rr, Throttled("window", "", 0))
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	})

	t.Run("unclassified errors are hidden", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Write(rr, errors.New("secret internals"))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "secret")
	})

	t.Run("upstream not found maps to 404", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Write(rr, NotFound("fetch", "user is not a member of the guild", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Empty(t, rr.Header().Get("Retry-After"))
	})
}
