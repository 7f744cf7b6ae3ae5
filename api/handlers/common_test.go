package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepresearch/orchestrator/research"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]string{"key": "value"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
}

func TestWriteError_MapsCodeToHTTPStatus(t *testing.T) {
	tests := []struct {
		code       research.ErrorCode
		wantStatus int
	}{
		{research.ErrInvalidInput, http.StatusBadRequest},
		{research.ErrNotFound, http.StatusNotFound},
		{research.ErrLLMUnavailable, http.StatusServiceUnavailable},
		{research.ErrCancelled, 499},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		WriteError(w, research.NewError(tt.code, "boom"), nil)
		assert.Equal(t, tt.wantStatus, w.Code)

		var resp Response
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.False(t, resp.Success)
		require.NotNil(t, resp.Error)
		assert.Equal(t, string(tt.code), resp.Error.Code)
	}
}

func TestDecodeJSONBody_RejectsUnknownFields(t *testing.T) {
	body := strings.NewReader(`{"query":"x","bogus_field":1}`)
	r := httptest.NewRequest(http.MethodPost, "/sessions", body)
	w := httptest.NewRecorder()

	var dst struct {
		Query string `json:"query"`
	}
	err := DecodeJSONBody(w, r, &dst, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateContentType_RejectsNonJSON(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	r.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()

	assert.False(t, ValidateContentType(w, r, nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateContentType_AcceptsJSONWithCharset(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/sessions", nil)
	r.Header.Set("Content-Type", "application/json; charset=UTF-8")
	w := httptest.NewRecorder()

	assert.True(t, ValidateContentType(w, r, nil))
}
