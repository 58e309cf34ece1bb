/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package defaults contains default constants shared across the firecrest
// codebase. Values mirror the documented configuration defaults; changing
// one here changes the behavior of every cluster that does not override it.
package defaults

import "time"

const (
	// SSHConnectTimeout bounds the TCP dial and SSH handshake of a new
	// connection to a cluster node or its proxy.
	SSHConnectTimeout = 5 * time.Second

	// SSHLoginTimeout bounds the authentication phase of a new SSH
	// connection, separately from the dial.
	SSHLoginTimeout = 5 * time.Second

	// SSHExecuteTimeout bounds a single remote command execution on a
	// pooled session.
	SSHExecuteTimeout = 5 * time.Second

	// SSHIdleTimeout is how long an unused pooled session survives
	// before the pruner closes it. Must be greater than
	// SSHExecuteTimeout.
	SSHIdleTimeout = 60 * time.Second

	// SSHKeepAliveInterval is how often a pooled session pings the
	// remote side. Must be smaller than SSHExecuteTimeout.
	SSHKeepAliveInterval = 2 * time.Second

	// KeepAliveCountMax is how many unanswered keepalives close a
	// pooled session.
	KeepAliveCountMax = 3

	// MaxSSHClients caps the number of live sessions in one pool.
	// Requests beyond the cap fail immediately, they are never queued.
	MaxSSHClients = 100

	// PruneInterval is the process wide cadence at which idle pooled
	// sessions are reaped.
	PruneInterval = 5 * time.Second

	// CommandBufferLimit caps how many bytes of stdout or stderr a
	// remote command may produce before it is aborted.
	CommandBufferLimit = 5 * 1024 * 1024

	// RemoteUtilityTimeout is the argument given to the remote
	// timeout(1) wrapper around filesystem utilities, in seconds.
	RemoteUtilityTimeout = 5

	// SchedulerTimeout bounds one call to a scheduler REST API.
	SchedulerTimeout = 10 * time.Second

	// KeyServiceTimeout bounds one request to the SSH key minting
	// service.
	KeyServiceTimeout = 5 * time.Second

	// HTTPListenAddr is where the API server listens when the
	// configuration does not say otherwise.
	HTTPListenAddr = "127.0.0.1:5000"

	// HTTPIdleTimeout closes keepalive connections the API server holds
	// to its own clients.
	HTTPIdleTimeout = 90 * time.Second
)

const (
	// MaxPartSize is the size of one staged transfer part. Presigned
	// multipart URLs are minted in units of this size.
	MaxPartSize int64 = 2 * 1024 * 1024 * 1024

	// MaxOpsFileSize is the largest file the gateway itself will read
	// or write through the small-operations endpoints. Anything larger
	// must go through the staged transfer engine.
	MaxOpsFileSize int64 = 5 * 1024 * 1024

	// ParallelRuns is how many part uploads the generated downloader
	// script runs concurrently on the cluster.
	ParallelRuns = 3

	// TmpFolder is where the generated transfer scripts assemble parts
	// on the cluster, relative to the job working directory.
	TmpFolder = "tmp"

	// BucketLifecycleDays is the expiry applied to per-user staging
	// buckets at creation time.
	BucketLifecycleDays = 10

	// PresignedURLExpiry bounds how long a minted transfer URL stays
	// valid. Transfer jobs may sit in the scheduler queue for a while,
	// so this is deliberately generous.
	PresignedURLExpiry = 24 * time.Hour
)
