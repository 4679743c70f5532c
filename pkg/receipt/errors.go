package receipt

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across stores and engines.
var (
	// ErrNotFound indicates a referenced receipt, parent, or tenant does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a uniqueness violation (receipt id or
	// (parent, child, relation) edge already present).
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError reports malformed input. It is surfaced directly and
// never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Reason)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing receipt or parent within a tenant.
type NotFoundError struct {
	Kind string // "receipt", "parent", "tenant"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Unwrap lets errors.Is(err, ErrNotFound) succeed.
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// FormatError reports malformed DER, JOSE, or JWK material. It surfaces as
// a verification failure, never a panic.
type FormatError struct {
	What   string
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format: %s: %s", e.What, e.Detail)
}

// NewFormatError builds a FormatError.
func NewFormatError(what, detail string) *FormatError {
	return &FormatError{What: what, Detail: detail}
}

// UnsupportedKeyError reports a JWK of a kind the engine does not handle.
type UnsupportedKeyError struct {
	Kty string
	Crv string
}

func (e *UnsupportedKeyError) Error() string {
	return fmt.Sprintf("unsupported key: kty=%s crv=%s", e.Kty, e.Crv)
}

// KeyNotFoundError reports that no JWKS entry matched a kid.
type KeyNotFoundError struct {
	Kid string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found in JWKS: %s", e.Kid)
}

// IntegrityIssue is one finding from a graph integrity validation pass.
// Issues are reported as a list, never thrown.
type IntegrityIssue struct {
	ReceiptID string `json:"receipt_id"`
	Kind      string `json:"kind"` // "depth_mismatch", "cycle", "dangling_edge"
	Detail    string `json:"detail"`
}

func (i IntegrityIssue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Kind, i.ReceiptID, i.Detail)
}
