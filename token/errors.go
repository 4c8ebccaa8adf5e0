package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConfigured reports missing client credentials; the
	// authorization flow cannot start without them.
	ErrNotConfigured = errors.New("client credentials are not configured")

	// ErrMissingCode reports a consent callback without a code.
	ErrMissingCode = errors.New("no authorization code provided")

	// ErrNotFound reports a location with no installed token.
	ErrNotFound = errors.New("no token installed for location")

	// ErrUnauthorized reports a missing or mismatched api key.
	ErrUnauthorized = errors.New("api key missing or incorrect")
)

// AmbiguousTenantError is returned when a lookup omits the location id
// and more than one installation exists. LocationIDs carries the full
// candidate set so the caller can disambiguate.
type AmbiguousTenantError struct {
	LocationIDs []string
}

func (e *AmbiguousTenantError) Error() string {
	return fmt.Sprintf(
		"location id required, candidates: %s",
		strings.Join(e.LocationIDs, ", "),
	)
}

// ProviderError reports a failed call to the CRM token endpoint,
// preserving the provider's machine-readable error code and human
// description when the response body carries them. Op is "exchange"
// or "refresh"; a StatusCode of zero means the call never completed.
type ProviderError struct {
	Op          string
	StatusCode  int
	Code        string
	Description string
	Body        string
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "":
		return fmt.Sprintf("%s failed: status %d %s: %s", e.Op, e.StatusCode, e.Code, e.Description)
	case e.Description != "":
		return fmt.Sprintf("%s failed: %s", e.Op, e.Description)
	default:
		return fmt.Sprintf("%s failed: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

// newProviderError extracts the provider's error payload from a
// non-2xx response body. The CRM answers either with the standard
// oauth error/error_description pair or a bare message field.
func newProviderError(op string, status int, body []byte) *ProviderError {
	pe := &ProviderError{Op: op, StatusCode: status, Body: string(body)}
	var payload struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		pe.Code = payload.Code
		pe.Description = payload.Description
		if pe.Description == "" {
			pe.Description = payload.Message
		}
	}
	return pe
}
