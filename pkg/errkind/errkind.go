/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package errkind defines the stable error taxonomy used across the
// verification pipeline. Every failure surfaced to a report or a task row
// carries exactly one Kind; transport details stay in the wrapped cause.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a short stable code identifying a failure class.
type Kind string

const (
	// ConfigInvalid means the caller supplied an impossible combination,
	// e.g. an unknown application id or a malformed flag set.
	ConfigInvalid Kind = "CONFIG_INVALID"

	// UpstreamUnavailable means an external adapter returned a transport
	// error or a non-2xx response.
	UpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"

	// HardwareInvalid means the quote signature check failed or the quote's
	// report data did not match the published certificate fingerprint.
	HardwareInvalid Kind = "HARDWARE_INVALID"

	// OsMismatch means the event-log register replay disagreed with the quote.
	OsMismatch Kind = "OS_MISMATCH"

	// RegistryMismatch means the on-chain registry did not acknowledge a
	// compose hash or KMS id.
	RegistryMismatch Kind = "REGISTRY_MISMATCH"

	// DomainUntrusted means a TEE-key, certificate-key, CAA, or CT-log
	// check failed.
	DomainUntrusted Kind = "DOMAIN_UNTRUSTED"

	// DeadlineExceeded means the task deadline elapsed.
	DeadlineExceeded Kind = "DEADLINE_EXCEEDED"

	// Internal means an unexpected implementation failure.
	Internal Kind = "INTERNAL"
)

// Error is an error classified under a Kind. It optionally wraps a cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a classified error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error under a kind with additional context.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. This lets callers
// use errors.Is with a bare kind sentinel, e.g. errors.Is(err, errkind.New(errkind.OsMismatch, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// KindOf extracts the Kind from an error chain. Context cancellation maps to
// DeadlineExceeded; everything unclassified maps to Internal. A nil error has
// no kind and returns the empty string.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeadlineExceeded
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
