/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package service assembles the gateway from its parts: one SSH pool and
// scheduler adapter per cluster, the health checkers feeding the sample
// store, the staged transfer engine and the HTTP server on top.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/healthcheck"
	"github.com/eth-cscs/firecrest/lib/httpapi"
	"github.com/eth-cscs/firecrest/lib/scheduler"
	"github.com/eth-cscs/firecrest/lib/scheduler/pbs"
	"github.com/eth-cscs/firecrest/lib/scheduler/slurm"
	"github.com/eth-cscs/firecrest/lib/sshkeys"
	"github.com/eth-cscs/firecrest/lib/sshpool"
	"github.com/eth-cscs/firecrest/lib/transfer"
)

// Config configures the gateway service.
type Config struct {
	// Config is the loaded YAML configuration.
	Config *config.Config
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("missing configuration")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// clusterServices is everything wired for one cluster.
type clusterServices struct {
	cluster   *config.Cluster
	pool      *sshpool.Pool
	scheduler scheduler.Client
	checker   *healthcheck.Checker
}

// Service is the assembled gateway.
type Service struct {
	cfg      Config
	log      *slog.Logger
	clusters map[string]*clusterServices
	ordered  []*clusterServices
	health   *healthcheck.Store
	engine   *transfer.Engine
	server   *http.Server
}

// New wires every component. Run starts them.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := cfg.Logger.With(firecrest.Component, firecrest.ComponentService)
	svc := &Service{
		cfg:      cfg,
		log:      log,
		clusters: make(map[string]*clusterServices),
		health:   healthcheck.NewStore(cfg.Clock),
	}

	provider, err := sshkeys.FromConfig(cfg.Config.SSHCredentials)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var store *transfer.ObjectStore
	if storage := cfg.Config.Storage; storage != nil {
		store, err = transfer.NewObjectStore(ctx, transfer.StoreConfig{
			PrivateURL:      storage.PrivateURL,
			PublicURL:       storage.PublicURL,
			AccessKeyID:     storage.AccessKeyID,
			SecretAccessKey: string(storage.SecretAccessKey),
			Region:          storage.Region,
			Tenant:          storage.Tenant,
			LifecycleDays:   storage.BucketLifecycleConfiguration.Days,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
		svc.engine, err = transfer.NewEngine(transfer.EngineConfig{
			Store:        store,
			MaxPartSize:  storage.Multipart.MaxPartSize,
			UseSplit:     storage.Multipart.UseSplit,
			ParallelRuns: storage.Multipart.ParallelRuns,
			TmpFolder:    storage.Multipart.TmpFolder,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	for i := range cfg.Config.Clusters.Clusters {
		cluster := &cfg.Config.Clusters.Clusters[i]
		cs, err := svc.wireCluster(cluster, provider, store)
		if err != nil {
			return nil, trace.Wrap(err, "cluster %q", cluster.Name)
		}
		svc.clusters[cluster.Name] = cs
		svc.ordered = append(svc.ordered, cs)
	}

	apiCfg := httpapi.ServerConfig{
		Systems:  svc,
		Health:   svc.health,
		Transfer: svc.engine,
		Logger:   cfg.Logger.With(firecrest.Component, firecrest.ComponentWeb),
		Clock:    cfg.Clock,
	}
	if storage := cfg.Config.Storage; storage != nil {
		apiCfg.MaxOpsFileSize = storage.MaxOpsFileSize
	}
	api, err := httpapi.NewServer(apiCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	svc.server = &http.Server{
		Addr:              cfg.Config.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       defaults.HTTPIdleTimeout,
	}
	return svc, nil
}

// wireCluster builds the pool, the scheduler adapter and the health
// checker of one cluster.
func (s *Service) wireCluster(cluster *config.Cluster, provider sshkeys.Provider, store *transfer.ObjectStore) (*clusterServices, error) {
	pool, err := sshpool.NewPool(sshpool.Config{
		ClusterName:       cluster.Name,
		Host:              cluster.SSH.Host,
		Port:              cluster.SSH.Port,
		ProxyHost:         cluster.SSH.ProxyHost,
		ProxyPort:         cluster.SSH.ProxyPort,
		Provider:          provider,
		MaxClients:        cluster.SSH.MaxClients,
		ConnectTimeout:    cluster.SSH.Timeout.ConnectTimeout(),
		LoginTimeout:      cluster.SSH.Timeout.LoginTimeout(),
		ExecuteTimeout:    cluster.SSH.Timeout.ExecuteTimeout(),
		IdleTimeout:       cluster.SSH.Timeout.Idle(),
		KeepAliveInterval: cluster.SSH.Timeout.KeepAliveInterval(),
		Clock:             s.cfg.Clock,
		Logger:            s.cfg.Logger,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var sched scheduler.Client
	switch cluster.Scheduler.Type {
	case config.SchedulerSlurm:
		sched, err = slurm.New(slurm.Config{
			Pool:       pool,
			Version:    cluster.Scheduler.Version,
			APIURL:     cluster.Scheduler.APIURL,
			APIVersion: cluster.Scheduler.APIVersion,
			APITimeout: cluster.Scheduler.RESTTimeout(),
			Clock:      s.cfg.Clock,
		})
	case config.SchedulerPBS:
		sched, err = pbs.New(pbs.Config{Pool: pool, Clock: s.cfg.Clock})
	default:
		err = trace.BadParameter("unknown scheduler type %q", cluster.Scheduler.Type)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cs := &clusterServices{cluster: cluster, pool: pool, scheduler: sched}

	// Without a service account the cluster cannot be probed; its
	// requests will be rejected with a precondition error until one is
	// configured.
	if cluster.ServiceAccount.ClientID == "" {
		s.log.Warn("cluster has no service account, health checking is disabled",
			"cluster", cluster.Name)
		return cs, nil
	}
	tokens, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
		TokenURL: s.cfg.Config.Auth.Authentication.TokenURL,
		ClientID: cluster.ServiceAccount.ClientID,
		Secret:   string(cluster.ServiceAccount.Secret),
		Clock:    s.cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	checkerCfg := healthcheck.CheckerConfig{
		Cluster:   cluster,
		Scheduler: sched,
		Runner:    pool,
		Tokens:    tokens,
		Store:     s.health,
		Logger:    s.cfg.Logger.With(firecrest.Component, firecrest.ComponentHealth),
		Clock:     s.cfg.Clock,
	}
	if store != nil && s.cfg.Config.Storage.Probing != nil {
		checkerCfg.ObjectStore = store
	}
	cs.checker, err = healthcheck.NewChecker(checkerCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cs, nil
}

// System implements httpapi.Systems.
func (s *Service) System(name string) (*httpapi.System, error) {
	cs, ok := s.clusters[name]
	if !ok {
		return nil, trace.NotFound("System not found")
	}
	return &httpapi.System{
		Cluster:   cs.cluster,
		Scheduler: cs.scheduler,
		Runner:    cs.pool,
	}, nil
}

// Systems implements httpapi.Systems.
func (s *Service) Systems() []*httpapi.System {
	out := make([]*httpapi.System, 0, len(s.ordered))
	for _, cs := range s.ordered {
		out = append(out, &httpapi.System{
			Cluster:   cs.cluster,
			Scheduler: cs.scheduler,
			Runner:    cs.pool,
		})
	}
	return out
}

// Run starts the health checkers, the pool janitor and the HTTP server,
// and blocks until ctx is canceled or the server fails.
func (s *Service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	for _, cs := range s.ordered {
		if cs.checker == nil {
			continue
		}
		checker := cs.checker
		group.Go(func() error {
			checker.Run(ctx)
			return nil
		})
	}

	group.Go(func() error {
		ticker := s.cfg.Clock.NewTicker(defaults.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.Chan():
				for _, cs := range s.ordered {
					cs.pool.Prune()
				}
			}
		}
	})

	group.Go(func() error {
		s.log.Info("http server listening", "addr", s.server.Addr)
		err := s.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return trace.Wrap(err)
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return trace.Wrap(s.server.Shutdown(shutdownCtx))
	})

	err := group.Wait()
	s.Close()
	return trace.Wrap(err)
}

// Close releases every pooled SSH connection.
func (s *Service) Close() {
	for _, cs := range s.ordered {
		if err := cs.pool.Close(); err != nil {
			s.log.Warn("closing ssh pool", "cluster", cs.cluster.Name, "error", err)
		}
	}
}
