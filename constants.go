/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package firecrest

const (
	// Component is the structured logging key naming the subsystem a
	// record originates from.
	Component = "component"

	// ComponentPool is the per-cluster SSH connection pool.
	ComponentPool = "sshpool"

	// ComponentKeys is the SSH credential provider.
	ComponentKeys = "sshkeys"

	// ComponentSlurm is the Slurm scheduler adapter.
	ComponentSlurm = "slurm"

	// ComponentPBS is the PBS scheduler adapter.
	ComponentPBS = "pbs"

	// ComponentTransfer is the staged S3 transfer orchestrator.
	ComponentTransfer = "transfer"

	// ComponentHealth is the periodic cluster health checker.
	ComponentHealth = "healthcheck"

	// ComponentWeb is the HTTP API server.
	ComponentWeb = "web"

	// ComponentService is the top level service supervisor.
	ComponentService = "service"
)

// KeepAliveReqType is the SSH request type used to keep pooled connections
// alive. The remote sshd replies to it without side effects.
const KeepAliveReqType = "keepalive@openssh.com"

// EnvConfigFile names the environment variable holding the path of the
// YAML configuration file. EnvConfigFileAlt is honored as a fallback for
// deployments driven by CI pipelines.
const (
	EnvConfigFile    = "YAML_CONFIG_FILE"
	EnvConfigFileAlt = "INPUT_YAML_CONFIG_FILE"
)

// Version is reported in the F7T-AppVersion response header and in the
// OpenAPI document. Overridden at build time with -ldflags.
var Version = "2.0.0"
