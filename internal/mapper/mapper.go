// Package mapper translates local user records into directory payload shape,
// enforcing remote-side constraints before any network call is made.
package mapper

import (
	"fmt"
	"strings"

	"github.com/hris-platform/identity-sync/internal/directory"
	"github.com/hris-platform/identity-sync/internal/store"
)

// Remote-side field bounds enforced locally. Failing here is deliberate: it
// converts what would otherwise be a remote validation error (a network round
// trip plus a retry-budget decrement) into an immediate terminal local
// failure with an actionable message.
const (
	maxJobTitleLength    = 128
	maxNameLength        = 64
	maxDisplayNameLength = 256
	maxOptionalLength    = 128
)

// ValidationError describes a local field constraint violation. It never
// reaches the directory client.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// BuildCreatePayload maps a local user to the directory create shape,
// including the identity fields and an initial password profile.
func BuildCreatePayload(user *store.User) (*directory.UserPayload, error) {
	payload, err := buildCommon(user)
	if err != nil {
		return nil, err
	}

	password, err := directory.GeneratePassword()
	if err != nil {
		return nil, fmt.Errorf("failed to generate initial password: %w", err)
	}

	payload.UserPrincipalName = user.Email
	payload.MailNickname = mailNickname(user.Email)
	payload.PasswordProfile = &directory.PasswordProfile{
		ForceChangePasswordNextSignIn: true,
		Password:                      password,
	}

	return payload, nil
}

// BuildUpdatePayload maps a local user to the directory patch shape. The
// principal name and password are never patched; businessPhones is always
// present so a removed phone number is cleared remotely.
func BuildUpdatePayload(user *store.User) (*directory.UserPayload, error) {
	return buildCommon(user)
}

func buildCommon(user *store.User) (*directory.UserPayload, error) {
	if err := Validate(user); err != nil {
		return nil, err
	}

	payload := &directory.UserPayload{
		AccountEnabled: user.Active,
		DisplayName:    user.DisplayName(),
		GivenName:      strings.TrimSpace(user.FirstName),
		Surname:        strings.TrimSpace(user.LastName),
		JobTitle:       strings.TrimSpace(user.JobTitle),
		Department:     strings.TrimSpace(user.Department),
		EmployeeID:     strings.TrimSpace(user.EmployeeID),
		OfficeLocation: strings.TrimSpace(user.OfficeLocation),
		BusinessPhones: []string{},
	}

	if phone := strings.TrimSpace(user.PhoneNumber); phone != "" {
		payload.BusinessPhones = []string{phone}
	}

	return payload, nil
}

// Validate checks the local record against remote-side constraints. The
// returned error message names the field and the fix.
func Validate(user *store.User) error {
	email := strings.TrimSpace(user.Email)
	if email == "" {
		return &ValidationError{Field: "email", Message: "is empty - a directory user needs a principal name"}
	}
	if !strings.Contains(email, "@") {
		return &ValidationError{Field: "email", Message: fmt.Sprintf("%q is not a valid address", email)}
	}

	if err := requireBounded("first name", user.FirstName, maxNameLength); err != nil {
		return err
	}
	if err := requireBounded("last name", user.LastName, maxNameLength); err != nil {
		return err
	}
	if err := requireBounded("job title", user.JobTitle, maxJobTitleLength); err != nil {
		return err
	}

	if len(user.DisplayName()) > maxDisplayNameLength {
		return &ValidationError{
			Field:   "display name",
			Message: fmt.Sprintf("is too long - at most %d characters are allowed", maxDisplayNameLength),
		}
	}

	for field, value := range map[string]string{
		"department":      user.Department,
		"office location": user.OfficeLocation,
	} {
		if len(strings.TrimSpace(value)) > maxOptionalLength {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("is too long - at most %d characters are allowed", maxOptionalLength),
			}
		}
	}

	return nil
}

func requireBounded(field, value string, maxLen int) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("is empty - add 1-%d characters", maxLen),
		}
	}
	if len(trimmed) > maxLen {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("is too long - at most %d characters are allowed", maxLen),
		}
	}
	return nil
}

// mailNickname derives the directory mail nickname from the local-part of
// the email address
func mailNickname(email string) string {
	if at := strings.Index(email, "@"); at > 0 {
		return email[:at]
	}
	return email
}
