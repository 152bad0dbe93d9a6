// Package auth implements the OTP login and signup flow against the clinic
// backend and holds the resulting bearer token.
//
// The [Flow] walks national id and phone, an optional full name for new
// users, then a one-time code. Every collected value is forwarded to a
// [FieldRecorder] so the voice assistant can answer identity questions with
// what the user already typed.
package auth

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Field names one identity value.
type Field string

const (
	FieldNationalID  Field = "nationalId"
	FieldPhoneNumber Field = "phoneNumber"
	FieldFullName    Field = "fullName"
	FieldOTP         Field = "otp"
)

// Fields lists every field in marker precedence order.
var Fields = []Field{FieldNationalID, FieldPhoneNumber, FieldFullName, FieldOTP}

// FieldRecorder receives every identity value the flow collects.
type FieldRecorder interface {
	Record(field Field, value string)
}

// User is the authenticated account.
type User struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	NationalID  string `json:"nationalId"`
	PhoneNumber string `json:"phoneNumber"`
}

var (
	ErrInvalidNationalID = errors.New("auth: national id must have at least 5 characters")
	ErrInvalidPhone      = errors.New("auth: phone number must have at least 7 characters")
	ErrInvalidName       = errors.New("auth: full name is required")
	ErrInvalidOTP        = errors.New("auth: code must be 6 digits")

	// ErrSignupRequired is returned when the backend does not know the
	// national id and phone combination.
	ErrSignupRequired = errors.New("auth: unknown user, signup required")

	// ErrUnauthorized is returned for a rejected code or token.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// APIError is a non-2xx backend response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth: backend returned %d", e.Status)
	}
	return fmt.Sprintf("auth: backend returned %d: %s", e.Status, e.Message)
}

var (
	spaces   = regexp.MustCompile(`\s+`)
	sixDigit = regexp.MustCompile(`^\d{6}$`)
)

// NormalizeNationalID trims and validates a national id.
func NormalizeNationalID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 5 {
		return "", ErrInvalidNationalID
	}
	return s, nil
}

// NormalizePhone strips whitespace and validates a phone number.
func NormalizePhone(s string) (string, error) {
	s = spaces.ReplaceAllString(s, "")
	if len(s) < 7 {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// NormalizeName trims and validates a full name.
func NormalizeName(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalidName
	}
	return s, nil
}

// NormalizeOTP trims and validates a one-time code.
func NormalizeOTP(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !sixDigit.MatchString(s) {
		return "", ErrInvalidOTP
	}
	return s, nil
}
