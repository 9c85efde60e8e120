package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuscard/statuscard/internal/observability"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-123_x.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("bad\r\nheader"))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
}

func TestGenerateRequestID(t *testing.T) {
	a, b := generateRequestID(), generateRequestID()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.True(t, validRequestID(a))
}

func TestRequestID(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.Header.Get(RequestIDHeader)))
	}))

	t.Run("propagates a valid client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "client-id-1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, "client-id-1", rr.Header().Get(RequestIDHeader))
		assert.Equal(t, "client-id-1", rr.Body.String())
	})

	t.Run("replaces an invalid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "bad id with spaces")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		got := rr.Header().Get(RequestIDHeader)
		assert.Len(t, got, 32)
		assert.Equal(t, got, rr.Body.String())
	})
}

func TestRecover(t *testing.T) {
	h := RequestID(Recover(discardLogger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/presence/1", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "internal", body["error"])
	assert.NotEmpty(t, body["request_id"])
	assert.NotContains(t, rr.Body.String(), "boom")
}

func TestInstrument(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Instrument(m))
	r.Get("/presence/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/presence/42", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)

	require.Equal(t, 1, testutil.CollectAndCount(m.PromRequestDuration))
	// Looking up the expected series must not create a second one.
	_, err := m.PromRequestDuration.GetMetricWithLabelValues("/presence/{id}", "418")
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.PromRequestDuration))
}

func TestInstrumentRecordsRecoveredPanic(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Instrument(m))
	r.Use(Recover(discardLogger))
	r.Get("/presence/{id}", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/presence/42", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	require.Equal(t, 1, testutil.CollectAndCount(m.PromRequestDuration))
	_, err := m.PromRequestDuration.GetMetricWithLabelValues("/presence/{id}", "500")
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(m.PromRequestDuration), "panic is recorded as a 500")
}
