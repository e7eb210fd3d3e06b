package dn

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrFieldMissing indicates a required attribute is absent.
var ErrFieldMissing = errors.New("required field missing")

// ErrFieldForbidden indicates an attribute is present that the policy forbids.
var ErrFieldForbidden = errors.New("field not permitted")

// ErrFieldRepeated indicates an attribute kind appears more than once.
var ErrFieldRepeated = errors.New("field repeated")

// ErrFieldTooLong indicates an attribute value exceeds its length limit.
var ErrFieldTooLong = errors.New("field too long")

// ErrFieldInvalid indicates an attribute value is malformed.
var ErrFieldInvalid = errors.New("field invalid")

// FieldError reports a constraint violation on a single attribute. It wraps
// one of the field sentinel errors and carries a message suitable for
// surfacing to API clients.
type FieldError struct {
	Field   Kind
	Err     error
	Message string
}

func (e *FieldError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Field.Label(), e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func fieldErrorf(kind Kind, sentinel error, format string, args ...any) *FieldError {
	return &FieldError{Field: kind, Err: sentinel, Message: fmt.Sprintf(format, args...)}
}

// Validate checks every attribute against its per-kind constraints. Presence
// requirements are the policy's concern, not Validate's.
func (d DistinguishedName) Validate() error {
	for _, a := range d.attrs {
		if err := validateAttribute(a.Kind, a.Value); err != nil {
			return err
		}
	}
	return nil
}

func validateAttribute(kind Kind, value string) error {
	if value == "" {
		return fieldErrorf(kind, ErrFieldInvalid, "%s cannot be empty", kind.Label())
	}
	if !utf8.ValidString(value) {
		return fieldErrorf(kind, ErrFieldInvalid, "%s is not valid UTF-8", kind.Label())
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return fieldErrorf(kind, ErrFieldInvalid, "%s contains control characters", kind.Label())
		}
	}
	if max := kind.MaxLength(); utf8.RuneCountInString(value) > max {
		return fieldErrorf(kind, ErrFieldTooLong, "%s cannot exceed %d characters", kind.Label(), max)
	}

	switch kind {
	case Country:
		if len(value) != 2 || !isUpperAlpha(value) {
			return fieldErrorf(kind, ErrFieldInvalid, "%s must be a two-letter uppercase ISO 3166 code", kind.Label())
		}
	case SerialNumber:
		if !isDigits(value) {
			return fieldErrorf(kind, ErrFieldInvalid, "%s must contain only digits", kind.Label())
		}
	case EmailAddress:
		if !isPlausibleEmail(value) {
			return fieldErrorf(kind, ErrFieldInvalid, "%s is not a valid email address", kind.Label())
		}
	}
	return nil
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isPlausibleEmail accepts addr-spec shaped values without attempting full
// RFC 5322 validation.
func isPlausibleEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	domain := s[at+1:]
	if strings.ContainsAny(domain, "@ ") {
		return false
	}
	dot := strings.LastIndex(domain, ".")
	return dot > 0 && dot < len(domain)-1
}
