package crmauth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrInstallationMissing is returned when no credential record exists for an
// account. The caller should instruct the user to reinstall the app.
var ErrInstallationMissing = errors.New("no crm installation found for account")

// ErrMissingAuthCode is returned when the OAuth callback carries no code.
var ErrMissingAuthCode = errors.New("authorization code is missing")

// RefreshError indicates the provider rejected a token refresh. The stored
// credential record is left untouched so the last-known-good state survives
// for diagnosis.
type RefreshError struct {
	Body string
	Err  error
}

func (e *RefreshError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("token refresh rejected by provider: %s", e.Body)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// CodeExchangeError indicates the authorization-code exchange failed. Body
// carries the raw provider error text for operator diagnosis.
type CodeExchangeError struct {
	Body string
	Err  error
}

func (e *CodeExchangeError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("code exchange rejected by provider: %s", e.Body)
	}
	return fmt.Sprintf("code exchange failed: %v", e.Err)
}

func (e *CodeExchangeError) Unwrap() error {
	return e.Err
}

// AccountResolutionError indicates the freshly issued token could not be
// mapped to a provider account.
type AccountResolutionError struct {
	Body string
	Err  error
}

func (e *AccountResolutionError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("account resolution rejected by provider: %s", e.Body)
	}
	return fmt.Sprintf("account resolution failed: %v", e.Err)
}

func (e *AccountResolutionError) Unwrap() error {
	return e.Err
}

func providerErrorBody(err error) string {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return string(retrieveErr.Body)
	}
	return ""
}
