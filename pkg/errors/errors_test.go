package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"roomcast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   ErrorCode
		wantStatus int
	}{
		{"room not found", domain.ErrRoomNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"transport not found", domain.ErrTransportNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"producer not found", domain.ErrProducerNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"consumer not found", domain.ErrConsumerNotFound, ErrCodeNotFound, http.StatusNotFound},
		{"already in room", domain.ErrAlreadyInRoom, ErrCodeConflict, http.StatusConflict},
		{"transport connected", domain.ErrTransportConnected, ErrCodeConflict, http.StatusConflict},
		{"incompatible capabilities", domain.ErrIncompatibleCapabilities, ErrCodeIncompatible, http.StatusUnprocessableEntity},
		{"not in room", domain.ErrNotInRoom, ErrCodeInvalidInput, http.StatusBadRequest},
		{"invalid media kind", domain.ErrInvalidMediaKind, ErrCodeInvalidInput, http.StatusBadRequest},
		{"connect timeout", domain.ErrConnectTimeout, ErrCodeTimeout, http.StatusGatewayTimeout},
		{"engine closed", domain.ErrEngineClosed, ErrCodeUnavailable, http.StatusServiceUnavailable},
		{"unknown error", errors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromDomain(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Equal(t, tt.wantStatus, appErr.HTTPStatus)
			assert.ErrorIs(t, appErr, tt.err)
		})
	}

	assert.Nil(t, FromDomain(nil))
}

func TestFromDomain_WrappedSentinel(t *testing.T) {
	wrapped := fmt.Errorf("handling consume: %w", domain.ErrIncompatibleCapabilities)
	appErr := FromDomain(wrapped)
	require.NotNil(t, appErr)
	assert.Equal(t, ErrCodeIncompatible, appErr.Code)
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	appErr := WrapError(cause, ErrCodeInternal, "something failed", http.StatusInternalServerError)

	assert.Contains(t, appErr.Error(), "INTERNAL_ERROR")
	assert.Contains(t, appErr.Error(), "root cause")
	assert.Equal(t, cause, errors.Unwrap(appErr))

	plain := NewAppError(ErrCodeNotFound, "missing", http.StatusNotFound)
	assert.Equal(t, "NOT_FOUND: missing", plain.Error())
}

func TestIsAppErrorAndGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeConflict, "dup", http.StatusConflict)
	wrapped := fmt.Errorf("outer: %w", appErr)

	assert.True(t, IsAppError(wrapped))
	assert.False(t, IsAppError(errors.New("plain")))

	got := GetAppError(wrapped)
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeConflict, got.Code)
	assert.Nil(t, GetAppError(errors.New("plain")))
}
