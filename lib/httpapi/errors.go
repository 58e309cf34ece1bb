/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// errorBody is the wire form of every failed request. ErrorType is
// binary: "validation" for request validation failures, "error" for
// everything else.
type errorBody struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	User      string `json:"user,omitempty"`
}

const (
	errorTypeError      = "error"
	errorTypeValidation = "validation"
)

// classify maps an error to its HTTP status and wire error type. The
// ordering matters: specific gateway kinds before the generic trace
// conditions they may wrap.
func classify(err error) (int, string) {
	if fcerrors.IsValidation(err) {
		return http.StatusBadRequest, errorTypeValidation
	}
	status := http.StatusInternalServerError
	switch {
	case fcerrors.IsAuthToken(err):
		status = http.StatusBadRequest
	case fcerrors.IsTimeout(err):
		status = http.StatusRequestTimeout
	case fcerrors.IsOutputLimit(err):
		status = http.StatusRequestEntityTooLarge
	case fcerrors.IsConnection(err):
		status = http.StatusFailedDependency
	case fcerrors.IsKeyService(err):
		status = http.StatusFailedDependency
	case fcerrors.IsCredentials(err):
		status = http.StatusUnauthorized
	case fcerrors.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case fcerrors.IsPrecondition(err):
		status = http.StatusPreconditionRequired
	case fcerrors.IsScheduler(err), fcerrors.IsCommand(err):
		status = http.StatusInternalServerError
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsAlreadyExists(err), trace.IsBadParameter(err):
		status = http.StatusBadRequest
	case trace.IsNotImplemented(err):
		status = http.StatusNotImplemented
	}
	return status, errorTypeError
}

// writeError renders err as the standard error body.
func writeError(w http.ResponseWriter, err error, user string) {
	status, errorType := classify(err)
	body := errorBody{
		ErrorType: errorType,
		Message:   trace.UserMessage(err),
		User:      user,
	}
	if v := fcerrors.AsValidation(err); v != nil && len(v.Fields) > 0 {
		body.Data = map[string]any{"fields": v.Fields}
	}
	writeJSONStatus(w, status, body)
}

// writeJSONStatus writes v as JSON with the given status code.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encoding failures at this point have nowhere to go.
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSON writes v as JSON with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}
