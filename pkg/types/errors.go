package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes. Every typed error matches exactly one of these with errors.Is.
var (
	ErrMalformed          = errors.New("malformed descriptor")
	ErrDuplicateIdentity  = errors.New("duplicate identity")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrAmbiguousOverride  = errors.New("ambiguous override")
	ErrConflict           = errors.New("conflict")
	ErrTimeout            = errors.New("timeout")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrUnsupported        = errors.New("unsupported by runtime")
)

// MalformedDescriptorError reports a missing or invalid field
type MalformedDescriptorError struct {
	Service string // Empty for document-level problems
	Field   string
	Reason  string
}

func (e *MalformedDescriptorError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("malformed descriptor: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed descriptor: service %q: %s: %s", e.Service, e.Field, e.Reason)
}

func (e *MalformedDescriptorError) Is(target error) bool { return target == ErrMalformed }

// DuplicateIdentityError reports two services sharing an identity or a host port
type DuplicateIdentityError struct {
	Kind     string // "service" or "host port"
	Key      string // The duplicated identity or port
	Services []string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("duplicate %s %s claimed by services %s",
		e.Kind, e.Key, quoteList(e.Services))
}

func (e *DuplicateIdentityError) Is(target error) bool { return target == ErrDuplicateIdentity }

// DanglingReferenceError reports a reference to something that is not declared or does not exist
type DanglingReferenceError struct {
	Service string // Referencing service, empty when the reference is deployment-wide
	Kind    string // "network", "volume", "service", "env", "env_file", "path"
	Name    string
	Reason  string
}

func (e *DanglingReferenceError) Error() string {
	msg := fmt.Sprintf("dangling reference to %s %q", e.Kind, e.Name)
	if e.Service != "" {
		msg = fmt.Sprintf("service %q: %s", e.Service, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *DanglingReferenceError) Is(target error) bool { return target == ErrDanglingReference }

// AmbiguousOverrideError reports an operator override contradicting an explicit value
type AmbiguousOverrideError struct {
	Service string
	Key     string
}

func (e *AmbiguousOverrideError) Error() string {
	return fmt.Sprintf("service %q: override for %s conflicts with explicit value (set an override policy)",
		e.Service, e.Key)
}

func (e *AmbiguousOverrideError) Is(target error) bool { return target == ErrAmbiguousOverride }

// ConflictError reports a running service that diverges from the descriptor
type ConflictError struct {
	Service string
	Field   string // "image" or "ports"
	Running string
	Desired string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("service %q: running %s %s diverges from desired %s (apply with replace to recreate)",
		e.Service, e.Field, e.Running, e.Desired)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TimeoutError reports an apply that hit its deadline
type TimeoutError struct {
	Service string // Last attempted service
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("apply timed out before any service was attempted: %v", e.Err)
	}
	return fmt.Sprintf("apply timed out at service %q: %v", e.Service, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RuntimeUnavailableError reports that the container runtime cannot be reached
type RuntimeUnavailableError struct {
	Runtime string
	Err     error
}

func (e *RuntimeUnavailableError) Error() string {
	return fmt.Sprintf("container runtime %s unavailable: %v", e.Runtime, e.Err)
}

func (e *RuntimeUnavailableError) Unwrap() error { return e.Err }

func (e *RuntimeUnavailableError) Is(target error) bool { return target == ErrRuntimeUnavailable }

// UnsupportedError reports a declared option the selected runtime cannot provide
type UnsupportedError struct {
	Runtime string
	Feature string // e.g. "internal networks"
	Kind    string // "network", "volume" or "service"
	Name    string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("container runtime %s does not support %s (%s %q)", e.Runtime, e.Feature, e.Kind, e.Name)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupported }

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, " and ")
}
