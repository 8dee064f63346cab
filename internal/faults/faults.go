package faults

import (
	"errors"
	"fmt"
)

// Kind classifies errors surfaced by the scheduler core.
type Kind string

const (
	InputParse          Kind = "input_parse"
	CredentialMissing   Kind = "credential_missing"
	CredentialExhausted Kind = "credential_exhausted"
	ProviderTransient   Kind = "provider_transient"
	ProviderPermanent   Kind = "provider_permanent"
	CoordinatorConflict Kind = "coordinator_conflict"
	ProvisionerFailure  Kind = "provisioner_failure"
	NotFound            Kind = "not_found"
	Forbidden           Kind = "forbidden"
	Validation          Kind = "validation"
	Internal            Kind = "internal"
)

// Error is a kinded error with an optional cause and details.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, faults.New(kind, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail attaches a detail entry and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Has reports whether err carries the given kind.
func Has(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether a worker-side error should be retried by the coordinator.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ProviderTransient, CoordinatorConflict:
		return true
	}
	return false
}
