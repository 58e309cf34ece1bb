/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package httpapi exposes the gateway over HTTP. Handlers are thin: they
// authenticate the caller, admit the request against the cluster's health
// samples, delegate to the scheduler, command or transfer layers, and let
// a single error mapper translate failures into status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/healthcheck"
	"github.com/eth-cscs/firecrest/lib/scheduler"
	"github.com/eth-cscs/firecrest/lib/transfer"
)

// maxRequestBody bounds every JSON request body.
const maxRequestBody = 5 << 20

// Runner executes one command line on a cluster as a given user. The SSH
// pool satisfies this.
type Runner interface {
	Run(ctx context.Context, username, accessToken, cmdline, stdin string) (*command.Output, error)
}

// System bundles the wired services of one cluster.
type System struct {
	Cluster   *config.Cluster
	Scheduler scheduler.Client
	Runner    Runner
}

// Systems resolves cluster names to their wired services.
type Systems interface {
	// System returns the named cluster or trace.NotFound.
	System(name string) (*System, error)
	// Systems lists every configured cluster.
	Systems() []*System
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Systems provides the per cluster services.
	Systems Systems
	// Health is consulted by request admission. When nil no admission
	// checks are performed, which only makes sense in tests.
	Health *healthcheck.Store
	// Transfer, when set, enables the staged transfer endpoints.
	Transfer *transfer.Engine
	// MaxOpsFileSize caps the file size the synchronous operations
	// (view, download, upload) handle. Zero applies the default.
	MaxOpsFileSize int64
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *ServerConfig) CheckAndSetDefaults() error {
	if c.Systems == nil {
		return trace.BadParameter("missing systems")
	}
	if c.MaxOpsFileSize <= 0 {
		c.MaxOpsFileSize = defaults.MaxOpsFileSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the gateway's HTTP handler.
type Server struct {
	cfg    ServerConfig
	router *httprouter.Router
}

// NewServer builds the router and returns the handler.
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{cfg: cfg, router: httprouter.New()}

	s.router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, trace.NotFound("Resource not found."), "")
	})
	s.router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONStatus(w, http.StatusMethodNotAllowed, errorBody{
			ErrorType: errorTypeError,
			Message:   "Method not allowed.",
		})
	})

	s.router.GET("/status/liveness", s.authed(s.handleLiveness))
	s.router.GET("/status/systems", s.authed(s.handleSystems))
	s.router.GET("/status/systems/:system", s.authed(s.handleSystem))
	s.router.GET("/status/systems/:system/nodes", s.authed(s.handleNodes))
	s.router.GET("/status/systems/:system/partitions", s.authed(s.handlePartitions))
	s.router.GET("/status/systems/:system/reservations", s.authed(s.handleReservations))
	s.router.GET("/status/systems/:system/userinfo", s.authed(s.handleUserInfo))

	s.router.POST("/compute/systems/:system/jobs", s.authed(s.handleSubmitJob))
	s.router.GET("/compute/systems/:system/jobs", s.authed(s.handleListJobs))
	s.router.GET("/compute/systems/:system/jobs/:jobID", s.authed(s.handleGetJob))
	s.router.GET("/compute/systems/:system/jobs/:jobID/metadata", s.authed(s.handleJobMetadata))
	s.router.POST("/compute/systems/:system/jobs/:jobID/attach", s.authed(s.handleAttachJob))
	s.router.DELETE("/compute/systems/:system/jobs/:jobID", s.authed(s.handleCancelJob))

	s.router.GET("/filesystem/systems/:system/ops/ls", s.authed(s.handleLs))
	s.router.GET("/filesystem/systems/:system/ops/head", s.authed(s.handleHead))
	s.router.GET("/filesystem/systems/:system/ops/tail", s.authed(s.handleTail))
	s.router.GET("/filesystem/systems/:system/ops/view", s.authed(s.handleView))
	s.router.GET("/filesystem/systems/:system/ops/checksum", s.authed(s.handleChecksum))
	s.router.GET("/filesystem/systems/:system/ops/file", s.authed(s.handleFileType))
	s.router.GET("/filesystem/systems/:system/ops/stat", s.authed(s.handleStat))
	s.router.GET("/filesystem/systems/:system/ops/download", s.authed(s.handleDownload))
	s.router.POST("/filesystem/systems/:system/ops/upload", s.authed(s.handleUpload))
	s.router.POST("/filesystem/systems/:system/ops/mkdir", s.authed(s.handleMkdir))
	s.router.POST("/filesystem/systems/:system/ops/symlink", s.authed(s.handleSymlink))
	s.router.PUT("/filesystem/systems/:system/ops/chmod", s.authed(s.handleChmod))
	s.router.PUT("/filesystem/systems/:system/ops/chown", s.authed(s.handleChown))
	s.router.DELETE("/filesystem/systems/:system/ops/rm", s.authed(s.handleRm))
	s.router.POST("/filesystem/systems/:system/ops/compress", s.authed(s.handleCompress))
	s.router.POST("/filesystem/systems/:system/ops/extract", s.authed(s.handleExtract))

	if cfg.Transfer != nil {
		s.router.POST("/filesystem/systems/:system/transfer/upload", s.authed(s.handleTransferUpload))
		s.router.POST("/filesystem/systems/:system/transfer/download", s.authed(s.handleTransferDownload))
		s.router.POST("/filesystem/systems/:system/transfer/mv", s.authed(s.handleTransferMove))
		s.router.POST("/filesystem/systems/:system/transfer/cp", s.authed(s.handleTransferCopy))
		s.router.DELETE("/filesystem/systems/:system/transfer/rm", s.authed(s.handleTransferDelete))
		s.router.POST("/filesystem/systems/:system/transfer/compress", s.authed(s.handleTransferCompress))
		s.router.POST("/filesystem/systems/:system/transfer/extract", s.authed(s.handleTransferExtract))
	}

	return s, nil
}

// ServeHTTP stamps the common response headers and logs the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("F7T-Timestamp", s.cfg.Clock.Now().UTC().Format(time.RFC3339))
	w.Header().Set("F7T-AppVersion", firecrest.Version)
	start := s.cfg.Clock.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.router.ServeHTTP(rec, r)
	s.cfg.Logger.InfoContext(r.Context(), "request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", s.cfg.Clock.Since(start),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handlerFunc is one authenticated route. Returned errors go through the
// central mapper.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error

// authed wraps a handler with bearer token authentication.
func (s *Server) authed(h handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONStatus(w, http.StatusUnauthorized, errorBody{
				ErrorType: errorTypeError,
				Message:   "No authentication token was provided.",
			})
			return
		}
		identity, err := auth.FromToken(token)
		if err != nil {
			writeJSONStatus(w, http.StatusUnauthorized, errorBody{
				ErrorType: errorTypeError,
				Message:   trace.UserMessage(err),
			})
			return
		}
		w.Header().Set("F7T-AuthUsername", identity.Username)
		if err := h(w, r, p, *identity); err != nil {
			writeError(w, err, identity.Username)
		}
	}
}

// system resolves the :system route parameter.
func (s *Server) system(p httprouter.Params) (*System, error) {
	sys, err := s.cfg.Systems.System(p.ByName("system"))
	return sys, trace.Wrap(err)
}

// admitScheduler rejects the request unless the system's scheduler passed
// its most recent health check.
func (s *Server) admitScheduler(sys *System) error {
	if s.cfg.Health == nil {
		return nil
	}
	sample, ok := s.cfg.Health.ByType(sys.Cluster.Name, healthcheck.ServiceScheduler)
	if !ok {
		return fcerrors.NewPrecondition(
			"No scheduler health checker was found on %s.", sys.Cluster.Name)
	}
	if !sample.Healthy {
		return fcerrors.NewUnavailable(
			"The scheduler on %s failed its last health check. %s", sys.Cluster.Name, sample.Message)
	}
	return nil
}

// admitFilesystem rejects the request unless the filesystem serving path
// passed its most recent health check. Every filesystem request must name
// a path so admission can locate the right mount.
func (s *Server) admitFilesystem(sys *System, path string) error {
	if path == "" {
		return fcerrors.NewValidation(
			"All filesystem requests require a path or source_path parameter.")
	}
	if s.cfg.Health == nil {
		return nil
	}
	sample, ok := s.cfg.Health.Filesystem(sys.Cluster.Name, path)
	if !ok {
		return fcerrors.NewPrecondition(
			"No filesystem health checker serving the request path was found on %s.", sys.Cluster.Name)
	}
	if !sample.Healthy {
		return fcerrors.NewUnavailable(
			"The filesystem %s on %s failed its last health check. %s",
			sample.Path, sys.Cluster.Name, sample.Message)
	}
	return nil
}

// userRunner binds a Runner to one identity, satisfying the command
// package's Runner.
type userRunner struct {
	runner Runner
	user   auth.Identity
}

func (u userRunner) Run(ctx context.Context, cmdline, stdin string) (*command.Output, error) {
	out, err := u.runner.Run(ctx, u.user.Username, u.user.Token, cmdline, stdin)
	return out, trace.Wrap(err)
}

// decodeJSON reads a bounded JSON request body.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fcerrors.NewValidation("Malformed JSON request body.")
	}
	return nil
}
