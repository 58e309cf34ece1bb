/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/healthcheck"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

func bearerToken(t *testing.T, username string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"preferred_username": username,
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

type staticSystems map[string]*System

func (s staticSystems) System(name string) (*System, error) {
	if sys, ok := s[name]; ok {
		return sys, nil
	}
	return nil, trace.NotFound("System not found")
}

func (s staticSystems) Systems() []*System {
	out := make([]*System, 0, len(s))
	for _, sys := range s {
		out = append(out, sys)
	}
	return out
}

type fakeRunner struct {
	results map[string]*command.Output
	ran     []string
	stdin   []string
}

func (f *fakeRunner) Run(ctx context.Context, username, accessToken, cmdline, stdin string) (*command.Output, error) {
	f.ran = append(f.ran, cmdline)
	f.stdin = append(f.stdin, stdin)
	if out, ok := f.results[cmdline]; ok {
		return out, nil
	}
	return &command.Output{}, nil
}

type fakeScheduler struct {
	scheduler.Client

	submitted []*scheduler.JobDescription
	nextJobID int
	jobs      []scheduler.Job
	nodes     []scheduler.Node
	canceled  []int
}

func (f *fakeScheduler) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	f.submitted = append(f.submitted, job)
	return f.nextJobID, nil
}

func (f *fakeScheduler) Job(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.Job, error) {
	return f.jobs, nil
}

func (f *fakeScheduler) Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]scheduler.Job, error) {
	return f.jobs, nil
}

func (f *fakeScheduler) Nodes(ctx context.Context, user auth.Identity) ([]scheduler.Node, error) {
	return f.nodes, nil
}

func (f *fakeScheduler) CancelJob(ctx context.Context, user auth.Identity, jobID int) error {
	f.canceled = append(f.canceled, jobID)
	return nil
}

func testSystem(sched scheduler.Client, runner Runner) *System {
	return &System{
		Cluster: &config.Cluster{
			Name:    "daint",
			Probing: config.Probing{Interval: 60, Timeout: 5},
			FileSystems: []config.FileSystem{
				{Path: "/scratch", DataType: config.DataTypeScratch, DefaultWorkDir: true},
			},
		},
		Scheduler: sched,
		Runner:    runner,
	}
}

// healthyStore returns a store where every service of the system passed
// its last check.
func healthyStore(cluster string) *healthcheck.Store {
	store := healthcheck.NewStore(nil)
	store.Replace(cluster, []healthcheck.Sample{
		{ServiceType: healthcheck.ServiceScheduler, Healthy: true},
		{ServiceType: healthcheck.ServiceSSH, Healthy: true},
		{ServiceType: healthcheck.ServiceFilesystem, Path: "/scratch", Healthy: true},
	})
	return store
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(sched, &fakeRunner{})},
	})

	w := doRequest(t, srv, http.MethodGet, "/status/systems", "", "")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "error", decodeBody(t, w)["errorType"])

	w = doRequest(t, srv, http.MethodGet, "/status/systems", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "alice", w.Header().Get("F7T-AuthUsername"))
	require.NotEmpty(t, w.Header().Get("F7T-Timestamp"))
	require.NotEmpty(t, w.Header().Get("F7T-AppVersion"))
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{nextJobID: 4242}
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(sched, &fakeRunner{})},
		Health:  healthyStore("daint"),
	})
	token := bearerToken(t, "alice")

	w := doRequest(t, srv, http.MethodPost, "/compute/systems/daint/jobs", token,
		`{"job":{"name":"sim","script":"#!/bin/bash\ntrue","workingDirectory":"/scratch/alice"}}`)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, float64(4242), decodeBody(t, w)["jobId"])
	require.Len(t, sched.submitted, 1)
	require.Equal(t, "sim", sched.submitted[0].Name)

	// Neither or both of script and scriptPath is a validation error.
	w = doRequest(t, srv, http.MethodPost, "/compute/systems/daint/jobs", token, `{"job":{"name":"sim"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "validation", decodeBody(t, w)["errorType"])

	w = doRequest(t, srv, http.MethodPost, "/compute/systems/daint/jobs", token,
		`{"job":{"script":"true","scriptPath":"/scratch/job.sh"}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSystemNotFound(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(&fakeScheduler{}, &fakeRunner{})},
		Health:  healthyStore("daint"),
	})

	w := doRequest(t, srv, http.MethodGet, "/compute/systems/unknown/jobs", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "error", body["errorType"])
	require.Equal(t, "System not found", body["message"])
}

func TestSchedulerAdmission(t *testing.T) {
	t.Parallel()
	token := bearerToken(t, "alice")
	sched := &fakeScheduler{}

	// No sample yet: the checker has not reported.
	store := healthcheck.NewStore(nil)
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(sched, &fakeRunner{})},
		Health:  store,
	})
	w := doRequest(t, srv, http.MethodGet, "/compute/systems/daint/jobs", token, "")
	require.Equal(t, http.StatusPreconditionRequired, w.Code)
	require.Equal(t, "error", decodeBody(t, w)["errorType"])

	// Unhealthy sample.
	store.Replace("daint", []healthcheck.Sample{
		{ServiceType: healthcheck.ServiceScheduler, Healthy: false, Message: "SchedulerError: down"},
	})
	w = doRequest(t, srv, http.MethodGet, "/compute/systems/daint/jobs", token, "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "error", body["errorType"])
	require.Contains(t, body["message"], "SchedulerError: down")

	// Healthy sample admits the request.
	store.Replace("daint", []healthcheck.Sample{
		{ServiceType: healthcheck.ServiceScheduler, Healthy: true},
	})
	w = doRequest(t, srv, http.MethodGet, "/compute/systems/daint/jobs", token, "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFilesystemAdmission(t *testing.T) {
	t.Parallel()
	token := bearerToken(t, "alice")
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(&fakeScheduler{}, &fakeRunner{})},
		Health:  healthyStore("daint"),
	})

	// Filesystem requests without a path cannot be admitted.
	w := doRequest(t, srv, http.MethodGet, "/filesystem/systems/daint/ops/ls", token, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "validation", body["errorType"])
	require.Equal(t, "All filesystem requests require a path or source_path parameter.", body["message"])

	// Paths outside every probed mount are rejected until a checker
	// covers them.
	w = doRequest(t, srv, http.MethodGet, "/filesystem/systems/daint/ops/ls?path=/other/file", token, "")
	require.Equal(t, http.StatusPreconditionRequired, w.Code)
	body = decodeBody(t, w)
	require.Equal(t, "No filesystem health checker serving the request path was found on daint.", body["message"])
}

func TestLs(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{results: map[string]*command.Output{
		(&command.LsCommand{TargetPath: "/scratch/alice"}).Render(): {
			Stdout: `-rw-r--r-- 1 alice csstaff 1024 2025-03-01T10:00:00 "results.txt"` + "\n",
		},
	}}
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(&fakeScheduler{}, runner)},
		Health:  healthyStore("daint"),
	})

	w := doRequest(t, srv, http.MethodGet, "/filesystem/systems/daint/ops/ls?path=/scratch/alice", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	files := body["output"].([]any)
	require.Len(t, files, 1)
	file := files[0].(map[string]any)
	require.Equal(t, "results.txt", file["name"])
	require.Equal(t, "alice", file["user"])
	require.Equal(t, "1024", file["size"])
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"not found", trace.NotFound("no such job"), http.StatusNotFound, "error"},
		{"access denied", trace.AccessDenied("permission denied"), http.StatusForbidden, "error"},
		{"already exists", trace.AlreadyExists("file exists"), http.StatusBadRequest, "error"},
		{"bad parameter", trace.BadParameter("bad input"), http.StatusBadRequest, "error"},
		{"not implemented", trace.NotImplemented("not supported"), http.StatusNotImplemented, "error"},
		{"timeout", fcerrors.NewTimeout("deadline"), http.StatusRequestTimeout, "error"},
		{"output limit", fcerrors.NewOutputLimit("too much"), http.StatusRequestEntityTooLarge, "error"},
		{"connection", fcerrors.NewConnection("ssh failed"), http.StatusFailedDependency, "error"},
		{"key service", fcerrors.NewKeyService("bad key"), http.StatusFailedDependency, "error"},
		{"credentials", fcerrors.NewCredentials("no key"), http.StatusUnauthorized, "error"},
		{"unavailable", fcerrors.NewUnavailable("down"), http.StatusServiceUnavailable, "error"},
		{"precondition", fcerrors.NewPrecondition("no sample"), http.StatusPreconditionRequired, "error"},
		{"scheduler", fcerrors.NewScheduler("bad response"), http.StatusInternalServerError, "error"},
		{"command", fcerrors.NewCommand("exit 1"), http.StatusInternalServerError, "error"},
		{"auth token", fcerrors.NewAuthToken("no claim"), http.StatusBadRequest, "error"},
		{"validation", fcerrors.NewValidation("bad field"), http.StatusBadRequest, "validation"},
		{"wrapped validation", trace.Wrap(fcerrors.NewValidation("bad field")), http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			status, errorType := classify(tt.err)
			require.Equal(t, tt.wantStatus, status)
			require.Equal(t, tt.wantType, errorType)
		})
	}
}

func TestValidationErrorCarriesFields(t *testing.T) {
	t.Parallel()
	w := httptest.NewRecorder()
	writeError(w, fcerrors.NewValidation("Invalid query parameter.",
		fcerrors.ValidationField{Location: "query", Name: "bytes", Message: "must be a non-negative integer"}),
		"alice")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "alice", body["user"])
	data := body["data"].(map[string]any)
	fields := data["fields"].([]any)
	require.Len(t, fields, 1)
	require.Equal(t, "bytes", fields[0].(map[string]any)["name"])
}

func TestCancelJob(t *testing.T) {
	t.Parallel()
	sched := &fakeScheduler{}
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(sched, &fakeRunner{})},
		Health:  healthyStore("daint"),
	})

	w := doRequest(t, srv, http.MethodDelete, "/compute/systems/daint/jobs/77", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, []int{77}, sched.canceled)

	w = doRequest(t, srv, http.MethodDelete, "/compute/systems/daint/jobs/abc", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadSmallFile(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{}
	srv := newTestServer(t, ServerConfig{
		Systems: staticSystems{"daint": testSystem(&fakeScheduler{}, runner)},
		Health:  healthyStore("daint"),
	})

	var buf strings.Builder
	boundary := "testboundary"
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"path\"\r\n\r\n/scratch/alice\r\n")
	buf.WriteString("--" + boundary + "\r\n")
	buf.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"notes.txt\"\r\n")
	buf.WriteString("Content-Type: text/plain\r\n\r\nhello world\r\n")
	buf.WriteString("--" + boundary + "--\r\n")

	req := httptest.NewRequest(http.MethodPost, "/filesystem/systems/daint/ops/upload",
		strings.NewReader(buf.String()))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "alice"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, runner.ran, 1)
	require.Contains(t, runner.ran[0], "base64 -d > '/scratch/alice/notes.txt'")
	require.Equal(t, "aGVsbG8gd29ybGQ=", runner.stdin[0])
}

func TestDownloadRespectsConfiguredSizeCap(t *testing.T) {
	t.Parallel()
	// stat reports a 1024 byte file; the server is capped below that.
	runner := &fakeRunner{results: map[string]*command.Output{
		(&command.StatCommand{TargetPath: "/scratch/alice/big.bin", Dereference: true}).Render(): {
			Stdout: "81a4 2 3 1 1000 1000 1024 111 222 333",
		},
	}}
	srv := newTestServer(t, ServerConfig{
		Systems:        staticSystems{"daint": testSystem(&fakeScheduler{}, runner)},
		Health:         healthyStore("daint"),
		MaxOpsFileSize: 512,
	})

	w := doRequest(t, srv, http.MethodGet,
		"/filesystem/systems/daint/ops/download?path=/scratch/alice/big.bin", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "validation", body["errorType"])
	require.Contains(t, body["message"], "transfer download endpoint")
}

func TestViewUsesConfiguredSizeCap(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{results: map[string]*command.Output{
		(&command.ViewCommand{TargetPath: "/scratch/alice/log.txt", MaxBytes: 512}).Render(): {
			Stdout: "tail of the log",
		},
	}}
	srv := newTestServer(t, ServerConfig{
		Systems:        staticSystems{"daint": testSystem(&fakeScheduler{}, runner)},
		Health:         healthyStore("daint"),
		MaxOpsFileSize: 512,
	})

	w := doRequest(t, srv, http.MethodGet,
		"/filesystem/systems/daint/ops/view?path=/scratch/alice/log.txt", bearerToken(t, "alice"), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "tail of the log", decodeBody(t, w)["output"])
	require.Len(t, runner.ran, 1)
	require.Contains(t, runner.ran[0], "head --bytes 512")
}
