package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorMessage(rec, http.StatusConflict, "already registered")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "already registered", body["error"])
}

func TestWriteSuccessAndCreated(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, WriteSuccess(rec, map[string]int{"count": 3}))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":3}`, rec.Body.String())

	rec = httptest.NewRecorder()
	require.NoError(t, WriteCreated(rec, map[string]string{"id": "m-1"}))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	})

	t.Run("preserves client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-abc")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, "req-abc", seen)
		assert.Equal(t, "req-abc", rec.Header().Get(RequestIDHeader))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	handler := RecoveryMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
