/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

// TokenSource mints the service account token a probing round runs as.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Runner executes one command line on the cluster as a given user. The
// SSH pool satisfies this.
type Runner interface {
	Run(ctx context.Context, username, accessToken, cmdline, stdin string) (*command.Output, error)
}

// ObjectStoreProbe checks that the staging object store answers.
type ObjectStoreProbe interface {
	Probe(ctx context.Context) error
}

// CheckerConfig configures the health checker of one cluster.
type CheckerConfig struct {
	// Cluster provides the probing cadence and the filesystem mounts.
	Cluster *config.Cluster
	// Scheduler is the cluster's scheduler client, used for pings.
	Scheduler scheduler.Client
	// Runner executes the SSH and filesystem probes.
	Runner Runner
	// Tokens mints the service account token each round runs as.
	Tokens TokenSource
	// Store receives the samples of every round.
	Store *Store
	// ObjectStore, when set, adds an object storage probe to each round.
	ObjectStore ObjectStoreProbe
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *CheckerConfig) CheckAndSetDefaults() error {
	if c.Cluster == nil {
		return trace.BadParameter("missing cluster")
	}
	if c.Scheduler == nil {
		return trace.BadParameter("missing scheduler client")
	}
	if c.Runner == nil {
		return trace.BadParameter("missing runner")
	}
	if c.Tokens == nil {
		return trace.BadParameter("missing token source")
	}
	if c.Store == nil {
		return trace.BadParameter("missing sample store")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("cluster", c.Cluster.Name)
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Checker probes one cluster on a fixed cadence and publishes the results
// to the sample store.
type Checker struct {
	cfg CheckerConfig
}

// NewChecker returns a checker for one cluster. Call Run to start it.
func NewChecker(cfg CheckerConfig) (*Checker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Checker{cfg: cfg}, nil
}

// Run probes immediately, then on every probing interval, until ctx is
// canceled.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)
	ticker := c.cfg.Clock.NewTicker(c.cfg.Cluster.Probing.IntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single probing round. A round that cannot run at all
// publishes one synthetic exception sample so the cluster never looks
// silently healthy.
func (c *Checker) RunOnce(ctx context.Context) {
	token, err := c.cfg.Tokens.Token(ctx)
	if err == nil {
		var identity *auth.Identity
		if identity, err = auth.FromToken(token); err == nil {
			c.cfg.Store.Replace(c.cfg.Cluster.Name, c.probe(ctx, *identity))
			return
		}
	}
	c.cfg.Logger.WarnContext(ctx, "health checking round could not run", "error", err)
	c.cfg.Store.Replace(c.cfg.Cluster.Name, []Sample{{
		ServiceType: ServiceException,
		Healthy:     false,
		LastChecked: c.cfg.Clock.Now(),
		Message:     failureMessage(err),
	}})
}

// probe runs every check of one round concurrently. Each check records
// into its own slot and never fails the group, so one broken service
// cannot hide the state of the others.
func (c *Checker) probe(ctx context.Context, identity auth.Identity) []Sample {
	cluster := c.cfg.Cluster
	samples := make([]Sample, 0, len(cluster.FileSystems)+3)
	samples = append(samples,
		Sample{ServiceType: ServiceScheduler},
		Sample{ServiceType: ServiceSSH},
	)
	for _, fs := range cluster.FileSystems {
		samples = append(samples, Sample{ServiceType: ServiceFilesystem, Path: fs.Path})
	}
	if c.cfg.ObjectStore != nil {
		samples = append(samples, Sample{ServiceType: ServiceS3})
	}

	var group errgroup.Group
	for i := range samples {
		sample := &samples[i]
		group.Go(func() error {
			c.runCheck(ctx, identity, sample)
			return nil
		})
	}
	group.Wait()
	return samples
}

// runCheck fills one sample in place, bounding the probe with the
// cluster's probing timeout.
func (c *Checker) runCheck(ctx context.Context, identity auth.Identity, sample *Sample) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Cluster.Probing.TimeoutDuration())
	defer cancel()

	start := c.cfg.Clock.Now()
	var err error
	switch sample.ServiceType {
	case ServiceScheduler:
		err = c.checkScheduler(ctx, identity)
	case ServiceSSH:
		err = c.checkCommand(ctx, identity, "true")
	case ServiceFilesystem:
		err = c.checkCommand(ctx, identity, "ls -d "+command.Quote(sample.Path))
	case ServiceS3:
		err = c.cfg.ObjectStore.Probe(ctx)
	}
	sample.LastChecked = c.cfg.Clock.Now()
	sample.Latency = c.cfg.Clock.Since(start).Seconds()
	if err != nil {
		sample.Message = failureMessage(err)
		c.cfg.Logger.DebugContext(ctx, "health check failed",
			"service", sample.ServiceType, "path", sample.Path, "error", err)
		return
	}
	sample.Healthy = true
}

// checkScheduler pings the scheduler and requires every controller to
// answer UP.
func (c *Checker) checkScheduler(ctx context.Context, identity auth.Identity) error {
	pings, err := c.cfg.Scheduler.Ping(ctx, identity)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(pings) == 0 {
		return trace.NotFound("scheduler reported no controllers")
	}
	for _, ping := range pings {
		if !strings.EqualFold(ping.Pinged, scheduler.PingUp) {
			return trace.Wrap(fmt.Errorf("scheduler controller %s is %s", ping.Hostname, ping.Pinged))
		}
	}
	return nil
}

// checkCommand runs one cheap command over SSH as the service account.
func (c *Checker) checkCommand(ctx context.Context, identity auth.Identity, cmdline string) error {
	out, err := c.cfg.Runner.Run(ctx, identity.Username, identity.Token, cmdline, "")
	if err != nil {
		return trace.Wrap(err)
	}
	if out.ExitStatus != 0 {
		return trace.Wrap(command.ExitError(out))
	}
	return nil
}
