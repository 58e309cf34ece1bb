/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package healthcheck periodically probes every service a cluster exposes
// (scheduler, SSH, filesystems, object storage) and keeps the latest
// sample per service. The admission layer consults the samples to decide
// whether a request can be served, so requests never pay for a probe.
package healthcheck

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// ServiceType names the probed facet of a cluster.
type ServiceType string

const (
	// ServiceScheduler is the workload manager, probed through its ping
	// operation.
	ServiceScheduler ServiceType = "scheduler"
	// ServiceFilesystem is one mounted filesystem, probed with a listing
	// of its mount point.
	ServiceFilesystem ServiceType = "filesystem"
	// ServiceSSH is the cluster's SSH endpoint itself.
	ServiceSSH ServiceType = "ssh"
	// ServiceS3 is the staging object store.
	ServiceS3 ServiceType = "s3"
	// ServiceException is a synthetic sample recorded when a probing round
	// could not run at all, typically because no service account token
	// could be minted.
	ServiceException ServiceType = "exception"
)

// Sample is the outcome of probing one service once.
type Sample struct {
	ServiceType ServiceType `json:"serviceType"`
	Healthy     bool        `json:"healthy"`
	LastChecked time.Time   `json:"lastChecked"`
	// Latency is how long the probe took, in seconds.
	Latency float64 `json:"latency"`
	// Message carries the classified failure when the probe failed.
	Message string `json:"message,omitempty"`
	// Path is set for filesystem samples only: the probed mount point.
	Path string `json:"path,omitempty"`
}

// errorClass labels a probe failure the way API clients see failures, so a
// health message reads like the error the request would have gotten.
func errorClass(err error) string {
	switch {
	case fcerrors.IsTimeout(err):
		return "TimeoutError"
	case fcerrors.IsConnection(err):
		return "ConnectionError"
	case fcerrors.IsScheduler(err):
		return "SchedulerError"
	case fcerrors.IsKeyService(err):
		return "KeyServiceError"
	case fcerrors.IsCredentials(err):
		return "CredentialsError"
	case fcerrors.IsAuthToken(err):
		return "AuthTokenError"
	case fcerrors.IsCommand(err):
		return "CommandError"
	case trace.IsNotFound(err):
		return "NotFoundError"
	case trace.IsAccessDenied(err):
		return "PermissionDeniedError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	default:
		return "UnexpectedError"
	}
}

// failureMessage renders a probe error as "<class>: <message>".
func failureMessage(err error) string {
	return errorClass(err) + ": " + trace.UserMessage(err)
}
