/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package slurm adapts Slurm clusters to the scheduler interface. Two
// transports exist: the command line utilities over SSH, which work
// everywhere, and slurmrestd, which offloads the SSH pool on clusters
// that run it. A composite client routes each operation to the best
// transport available.
package slurm

import (
	"context"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	goversion "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/scheduler"
	"github.com/eth-cscs/firecrest/lib/sshpool"
)

// Slurm 24.05 started recording stream paths and the batch script in the
// accounting database, which keeps job metadata retrievable after the
// controller forgets the job.
var slurmAccountedMetadata = goversion.Must(goversion.NewVersion("24.05.0"))

// Config configures the composite Slurm adapter for one cluster.
type Config struct {
	// Pool supplies per user SSH sessions to the cluster.
	Pool *sshpool.Pool
	// Version is the Slurm release running on the cluster, like "24.05.4".
	Version string
	// APIURL is the slurmrestd root. Empty keeps everything on the CLI.
	APIURL string
	// APIVersion selects the slurmrestd OpenAPI plugin version.
	APIVersion string
	// APITimeout bounds one REST call.
	APITimeout time.Duration
	// HTTPClient overrides the REST transport, for tests.
	HTTPClient *http.Client
	// Clock is used to time controller pings.
	Clock clockwork.Clock

	version *goversion.Version
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing ssh pool")
	}
	v, err := goversion.NewVersion(c.Version)
	if err != nil {
		return trace.BadParameter("invalid slurm version %q", c.Version)
	}
	c.version = v
	return nil
}

// Client routes scheduler operations between slurmrestd and the command
// line utilities. Submission by script path, attaching and metadata
// recovery have no REST endpoint and always use the CLI.
type Client struct {
	cli     *CLIClient
	rest    *RESTClient
	version *goversion.Version
}

// New returns the composite Slurm adapter.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	cli, err := NewCLIClient(CLIConfig{Pool: cfg.Pool, Clock: cfg.Clock})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := &Client{cli: cli, version: cfg.version}
	if cfg.APIURL != "" {
		rest, err := NewRESTClient(RESTConfig{
			BaseURL:    cfg.APIURL,
			APIVersion: cfg.APIVersion,
			Timeout:    cfg.APITimeout,
			Client:     cfg.HTTPClient,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		client.rest = rest
	}
	return client, nil
}

// SubmitJob submits through REST when possible. A script that already
// lives on the cluster can only be read by the user's own login, so
// those submissions go through sbatch.
func (c *Client) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	if c.rest == nil || job.ScriptPath != "" {
		return c.cli.SubmitJob(ctx, user, job)
	}
	return c.rest.SubmitJob(ctx, user, job)
}

// Job returns the accounting record of one job.
func (c *Client) Job(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.Job, error) {
	if c.rest == nil {
		return c.cli.Job(ctx, user, jobID)
	}
	return c.rest.Job(ctx, user, jobID)
}

// Jobs returns the user's jobs, or every user's with allUsers.
func (c *Client) Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]scheduler.Job, error) {
	if c.rest == nil {
		return c.cli.Jobs(ctx, user, allUsers)
	}
	return c.rest.Jobs(ctx, user, allUsers)
}

// JobMetadata recovers the script and stream paths of a job. This always
// runs over the CLI; when the controller has already dropped the job and
// the cluster is new enough to account metadata, the accounting database
// is consulted before reporting nothing.
func (c *Client) JobMetadata(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.JobMetadata, error) {
	meta, err := c.cli.JobMetadata(ctx, user, jobID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if meta != nil || c.version.LessThan(slurmAccountedMetadata) {
		return meta, nil
	}
	meta, err = c.cli.sacctMetadata(ctx, user, jobID)
	return meta, trace.Wrap(err)
}

// CancelJob cancels the job.
func (c *Client) CancelJob(ctx context.Context, user auth.Identity, jobID int) error {
	if c.rest == nil {
		return c.cli.CancelJob(ctx, user, jobID)
	}
	return c.rest.CancelJob(ctx, user, jobID)
}

// Attach runs a command inside a job allocation. srun only.
func (c *Client) Attach(ctx context.Context, user auth.Identity, jobID int, cmdline string) error {
	return c.cli.Attach(ctx, user, jobID, cmdline)
}

// Nodes lists the compute nodes.
func (c *Client) Nodes(ctx context.Context, user auth.Identity) ([]scheduler.Node, error) {
	if c.rest == nil {
		return c.cli.Nodes(ctx, user)
	}
	return c.rest.Nodes(ctx, user)
}

// Partitions lists the scheduling partitions.
func (c *Client) Partitions(ctx context.Context, user auth.Identity) ([]scheduler.Partition, error) {
	if c.rest == nil {
		return c.cli.Partitions(ctx, user)
	}
	return c.rest.Partitions(ctx, user)
}

// Reservations lists the advance reservations.
func (c *Client) Reservations(ctx context.Context, user auth.Identity) ([]scheduler.Reservation, error) {
	if c.rest == nil {
		return c.cli.Reservations(ctx, user)
	}
	return c.rest.Reservations(ctx, user)
}

// Ping reports controller reachability.
func (c *Client) Ping(ctx context.Context, user auth.Identity) ([]scheduler.Ping, error) {
	if c.rest == nil {
		return c.cli.Ping(ctx, user)
	}
	return c.rest.Ping(ctx, user)
}
