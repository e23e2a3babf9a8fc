package federation

import "fmt"

// ConfigurationError reports a requested provider that is unknown or
// unconfigured, or missing SP/IdP material. Always a setup problem, never
// transient; safe to surface verbatim, it carries no secrets.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error for provider %q: %s", e.Provider, e.Reason)
}

// ValidationError reports malformed caller input or a CSRF state mismatch.
// Indicates either a bug in the caller or an active attack; must not be
// retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Reason)
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}

// AuthenticationError reports any failure after reaching the IdP: a rejected
// token exchange, a signature failure, a claim mismatch, a missing NameID.
// Terminal for the login attempt. ErrorCode/ErrorDescription carry the IdP's
// own error fields when it supplied them.
type AuthenticationError struct {
	Provider         string
	Reason           string
	ErrorCode        string
	ErrorDescription string
	Err              error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("authentication failed for provider %q: %s", e.Provider, e.Reason)
	if e.ErrorCode != "" {
		msg += fmt.Sprintf(" (%s: %s)", e.ErrorCode, e.ErrorDescription)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
