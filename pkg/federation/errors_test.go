package federation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationError_Error(t *testing.T) {
	err := &ConfigurationError{Provider: "okta", Reason: "provider is not configured"}
	assert.Contains(t, err.Error(), `provider "okta"`)
	assert.Contains(t, err.Error(), "not configured")

	bare := &ConfigurationError{Reason: "no providers at all"}
	assert.Equal(t, "configuration error: no providers at all", bare.Error())
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "state", Reason: "state does not match"}
	assert.Contains(t, err.Error(), "state")
	assert.Contains(t, err.Error(), "does not match")
}

func TestAuthenticationError_Error(t *testing.T) {
	err := &AuthenticationError{
		Provider:         "azure",
		Reason:           "token exchange rejected",
		ErrorCode:        "invalid_grant",
		ErrorDescription: "code expired",
	}
	assert.Contains(t, err.Error(), `provider "azure"`)
	assert.Contains(t, err.Error(), "invalid_grant")
	assert.Contains(t, err.Error(), "code expired")
}

func TestAuthenticationError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &AuthenticationError{Provider: "okta", Reason: "token exchange failed", Err: cause}

	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("login: %w", err)
	var authErr *AuthenticationError
	require.ErrorAs(t, wrapped, &authErr)
	assert.Equal(t, "okta", authErr.Provider)
}
