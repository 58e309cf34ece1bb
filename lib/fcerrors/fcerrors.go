/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package fcerrors defines the failure kinds that cross component
// boundaries. Conditions the trace package already models (not found,
// access denied, bad parameter, already exists, not implemented) use trace
// directly; the kinds below cover what it does not. Handlers never inspect
// these, they flow up to the HTTP layer where a single mapper converts each
// kind into a status code.
package fcerrors

import (
	"errors"
	"fmt"

	"github.com/gravitational/trace"
)

// TimeoutError reports that a bounded remote operation ran out of time:
// a remote command hit its execution deadline, a utility was killed by the
// remote timeout wrapper, or key minting exceeded its budget.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// NewTimeout returns a TimeoutError wrapped with a stack trace.
func NewTimeout(format string, args ...any) error {
	return trace.Wrap(&TimeoutError{Message: fmt.Sprintf(format, args...)})
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// OutputLimitError reports that a remote command produced more stdout or
// stderr than the configured buffer limit allows.
type OutputLimitError struct {
	Message string
}

func (e *OutputLimitError) Error() string { return e.Message }

// NewOutputLimit returns an OutputLimitError wrapped with a stack trace.
func NewOutputLimit(format string, args ...any) error {
	return trace.Wrap(&OutputLimitError{Message: fmt.Sprintf(format, args...)})
}

// IsOutputLimit reports whether err is an OutputLimitError.
func IsOutputLimit(err error) bool {
	var e *OutputLimitError
	return errors.As(err, &e)
}

// ConnectionError reports that an SSH session could not be established or
// was lost, including pool capacity exhaustion. It maps to 424: the gateway
// itself is fine, the dependency behind it is not.
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string { return e.Message }

// NewConnection returns a ConnectionError wrapped with a stack trace.
func NewConnection(format string, args ...any) error {
	return trace.Wrap(&ConnectionError{Message: fmt.Sprintf(format, args...)})
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var e *ConnectionError
	return errors.As(err, &e)
}

// SchedulerError reports an unexpected response from a scheduler back end,
// REST or CLI. The upstream body or stderr is carried verbatim in the
// message.
type SchedulerError struct {
	Message string
}

func (e *SchedulerError) Error() string { return e.Message }

// NewScheduler returns a SchedulerError wrapped with a stack trace.
func NewScheduler(format string, args ...any) error {
	return trace.Wrap(&SchedulerError{Message: fmt.Sprintf(format, args...)})
}

// IsScheduler reports whether err is a SchedulerError.
func IsScheduler(err error) bool {
	var e *SchedulerError
	return errors.As(err, &e)
}

// AuthTokenError reports that the caller's access token cannot be used
// against the scheduler, typically because a required claim is missing.
// This is caller-correctable, so it maps to 400 rather than 500.
type AuthTokenError struct {
	Message string
}

func (e *AuthTokenError) Error() string { return e.Message }

// NewAuthToken returns an AuthTokenError wrapped with a stack trace.
func NewAuthToken(format string, args ...any) error {
	return trace.Wrap(&AuthTokenError{Message: fmt.Sprintf(format, args...)})
}

// IsAuthToken reports whether err is an AuthTokenError.
func IsAuthToken(err error) bool {
	var e *AuthTokenError
	return errors.As(err, &e)
}

// KeyServiceError reports an unexpected response from the SSH key minting
// service.
type KeyServiceError struct {
	Message string
}

func (e *KeyServiceError) Error() string { return e.Message }

// NewKeyService returns a KeyServiceError wrapped with a stack trace.
func NewKeyService(format string, args ...any) error {
	return trace.Wrap(&KeyServiceError{Message: fmt.Sprintf(format, args...)})
}

// IsKeyService reports whether err is a KeyServiceError.
func IsKeyService(err error) bool {
	var e *KeyServiceError
	return errors.As(err, &e)
}

// CredentialsError reports that no SSH credentials exist for a user in a
// statically keyed deployment.
type CredentialsError struct {
	Message string
}

func (e *CredentialsError) Error() string { return e.Message }

// NewCredentials returns a CredentialsError wrapped with a stack trace.
func NewCredentials(format string, args ...any) error {
	return trace.Wrap(&CredentialsError{Message: fmt.Sprintf(format, args...)})
}

// IsCredentials reports whether err is a CredentialsError.
func IsCredentials(err error) bool {
	var e *CredentialsError
	return errors.As(err, &e)
}

// CommandError reports a remote utility that exited non-zero with stderr
// that matches none of the recognized signatures. The message still reaches
// the caller, unlike plain internal errors.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return e.Message }

// NewCommand returns a CommandError wrapped with a stack trace.
func NewCommand(format string, args ...any) error {
	return trace.Wrap(&CommandError{Message: fmt.Sprintf(format, args...)})
}

// IsCommand reports whether err is a CommandError.
func IsCommand(err error) bool {
	var e *CommandError
	return errors.As(err, &e)
}

// UnavailableError reports that a required cluster service failed its most
// recent health check. Maps to 503.
type UnavailableError struct {
	Message string
}

func (e *UnavailableError) Error() string { return e.Message }

// NewUnavailable returns an UnavailableError wrapped with a stack trace.
func NewUnavailable(format string, args ...any) error {
	return trace.Wrap(&UnavailableError{Message: fmt.Sprintf(format, args...)})
}

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var e *UnavailableError
	return errors.As(err, &e)
}

// PreconditionError reports that admission could not find a health sample
// for the service a request needs, so the request cannot be admitted yet.
// Maps to 428.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// NewPrecondition returns a PreconditionError wrapped with a stack trace.
func NewPrecondition(format string, args ...any) error {
	return trace.Wrap(&PreconditionError{Message: fmt.Sprintf(format, args...)})
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var e *PreconditionError
	return errors.As(err, &e)
}

// ValidationError reports malformed request input. It carries structured
// per-field details so the HTTP layer can return them under data.fields.
type ValidationError struct {
	Message string
	Fields  []ValidationField
}

// ValidationField locates one invalid input value.
type ValidationField struct {
	Location string `json:"location"`
	Name     string `json:"name"`
	Message  string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidation returns a ValidationError wrapped with a stack trace.
func NewValidation(message string, fields ...ValidationField) error {
	return trace.Wrap(&ValidationError{Message: message, Fields: fields})
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// AsValidation returns the ValidationError inside err, or nil.
func AsValidation(err error) *ValidationError {
	var e *ValidationError
	if errors.As(err, &e) {
		return e
	}
	return nil
}
