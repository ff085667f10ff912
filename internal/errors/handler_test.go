package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandle_StatusByKind(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   ErrorCode
	}{
		{"validation", NewValidationError("bad"), http.StatusBadRequest, ErrCodeValidationFailed},
		{"not found", NewNotFoundError("conversation"), http.StatusNotFound, ErrCodeResourceNotFound},
		{"unauthorized", NewUnauthorizedError("no token"), http.StatusUnauthorized, ErrCodeUnauthorized},
		{"rate limited", NewRateLimitError("slow down"), http.StatusTooManyRequests, ErrCodeRateLimited},
		{"too large", NewFileTooLargeError(10), http.StatusRequestEntityTooLarge, ErrCodeFileTooLarge},
		{"wrapped", fmt.Errorf("lookup: %w", NewNotFoundError("knowledge")), http.StatusNotFound, ErrCodeResourceNotFound},
		{"plain", stderrors.New("boom"), http.StatusInternalServerError, ErrCodeInternalServer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/knowledge", nil)

			Handle(rec, req, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			body := decodeResponse(t, rec)
			assert.False(t, body.Success)
			assert.Equal(t, string(tc.code), body.Error.Code)
		})
	}
}

func TestHandle_DetailsOnlyForValidation(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil)
	Handle(rec, req, NewValidationError("bad").WithDetails(map[string]string{"model": "required"}))
	assert.NotNil(t, decodeResponse(t, rec).Error.Details)

	rec = httptest.NewRecorder()
	Handle(rec, req, NewServiceError(ErrCodeInternalServer, "db down").WithDetails("secret"))
	assert.Nil(t, decodeResponse(t, rec).Error.Details)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(ErrCodeInternalServer), decodeResponse(t, rec).Error.Code)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("stream: %w", NewProviderError(ProviderUpstreamUnavailable, "503"))
	assert.True(t, IsKind(err, KindProvider))
	assert.False(t, IsKind(err, KindValidation))
	assert.True(t, IsAppError(err))
	assert.False(t, IsAppError(stderrors.New("x")))
}
