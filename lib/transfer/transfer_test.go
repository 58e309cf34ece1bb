/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package transfer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

// fakeS3 answers just enough of the S3 API for the engine: bucket
// existence checks and multipart upload creation. Presigning is purely
// client side and never reaches it.
func fakeS3(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Query().Has("uploads"):
			w.Header().Set("Content-Type", "application/xml")
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
				`<InitiateMultipartUploadResult>` +
				`<Bucket>alice</Bucket><Key>k</Key><UploadId>upload-1</UploadId>` +
				`</InitiateMultipartUploadResult>`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fakeScheduler struct {
	scheduler.Client

	submitted []*scheduler.JobDescription
	nextJobID int
}

func (f *fakeScheduler) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	f.submitted = append(f.submitted, job)
	return f.nextJobID, nil
}

func testCluster() *config.Cluster {
	return &config.Cluster{
		Name: "daint",
		FileSystems: []config.FileSystem{
			{Path: "/scratch", DataType: config.DataTypeScratch, DefaultWorkDir: true},
		},
	}
}

func newTestEngine(t *testing.T, srv *httptest.Server) *Engine {
	t.Helper()
	store, err := NewObjectStore(context.Background(), StoreConfig{
		PrivateURL:      srv.URL,
		PublicURL:       "http://public.store.example",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	engine, err := NewEngine(EngineConfig{
		Store:       store,
		MaxPartSize: 2 << 30,
	})
	require.NoError(t, err)
	return engine
}

func TestUploadSplitsIntoParts(t *testing.T) {
	t.Parallel()
	srv := fakeS3(t)
	engine := newTestEngine(t, srv)
	sched := &fakeScheduler{nextJobID: 1234}

	result, err := engine.Upload(context.Background(),
		ClusterContext{Cluster: testCluster(), Scheduler: sched},
		auth.Identity{Username: "alice", Token: "token"},
		UploadRequest{
			Path:     "/scratch/alice/data",
			FileName: "results.tar",
			FileSize: 5 << 30,
		})
	require.NoError(t, err)

	// 5 GiB at 2 GiB per part makes three parts.
	require.Len(t, result.PartsUploadURLs, 3)
	for i, u := range result.PartsUploadURLs {
		require.Contains(t, u, "http://public.store.example/alice/", "part %d", i)
		require.Contains(t, u, "partNumber=", "part %d", i)
		require.Contains(t, u, "uploadId=upload-1", "part %d", i)
		require.Contains(t, u, "X-Amz-Signature=", "part %d", i)
	}
	require.Contains(t, result.CompleteUploadURL, "uploadId=upload-1")
	require.Contains(t, result.CompleteUploadURL, "http://public.store.example/")
	require.Equal(t, int64(2<<30), result.MaxPartSize)

	require.Equal(t, 1234, result.TransferJob.JobID)
	require.Equal(t, "daint", result.TransferJob.System)
	require.Equal(t, "/scratch/alice", result.TransferJob.WorkingDirectory)
	require.Contains(t, result.TransferJob.Logs.OutputLog, "/scratch/alice/.f7t_file_handling_job_")
	require.Contains(t, result.TransferJob.Logs.ErrorLog, "/scratch/alice/.f7t_file_handling_job_error_")

	require.Len(t, sched.submitted, 1)
	job := sched.submitted[0]
	require.Equal(t, "IngressFileTransfer", job.Name)
	require.Equal(t, "/dev/null", job.StandardInput)
	require.Equal(t, "/scratch/alice", job.WorkingDirectory)
	require.Equal(t, jobPath, job.Environment["PATH"])
	require.Equal(t, "/scratch/alice/data/results.tar", job.Environment["F7T_OUTPUT_FILE"])
	// The ingress job polls and reads through the private endpoint.
	require.Contains(t, job.Environment["F7T_HEAD_URL"], srv.URL)
	require.Contains(t, job.Environment["F7T_INPUT_URL"], srv.URL)
	require.True(t, strings.HasPrefix(job.Script, "#!/bin/bash\n"))
	require.Contains(t, job.Script, "$F7T_HEAD_URL")
}

func TestUploadValidation(t *testing.T) {
	t.Parallel()
	srv := fakeS3(t)
	engine := newTestEngine(t, srv)
	user := auth.Identity{Username: "alice"}
	cc := ClusterContext{Cluster: testCluster(), Scheduler: &fakeScheduler{}}

	_, err := engine.Upload(context.Background(), cc, user, UploadRequest{FileName: "f", FileSize: 1})
	require.Error(t, err)

	_, err = engine.Upload(context.Background(), cc, user, UploadRequest{Path: "/p", FileName: "f"})
	require.Error(t, err)
}

func TestDownloadStagesParts(t *testing.T) {
	t.Parallel()
	srv := fakeS3(t)
	engine := newTestEngine(t, srv)
	sched := &fakeScheduler{nextJobID: 99}

	stat := func(ctx context.Context, user auth.Identity, path string) (int64, error) {
		require.Equal(t, "/scratch/alice/big.dat", path)
		return 5 << 30, nil
	}
	result, err := engine.Download(context.Background(),
		ClusterContext{Cluster: testCluster(), Scheduler: sched, Stat: stat},
		auth.Identity{Username: "alice", Token: "token"},
		DownloadRequest{SourcePath: "/scratch/alice/big.dat"})
	require.NoError(t, err)

	// Users fetch the staged object through the public endpoint.
	require.Contains(t, result.DownloadURL, "http://public.store.example/alice/big.dat_")

	require.Len(t, sched.submitted, 1)
	job := sched.submitted[0]
	require.Equal(t, "OutgressFileTransfer", job.Name)
	require.Equal(t, "3", job.Environment["F7T_MP_NUM_PARTS"])
	require.Equal(t, "/scratch/alice/big.dat", job.Environment["F7T_MP_INPUT_FILE"])
	require.Equal(t, "false", job.Environment["F7T_MP_USE_SPLIT"])

	parts := strings.Fields(job.Environment["F7T_MP_PARTS_URL"])
	require.Len(t, parts, 3)
	for _, u := range parts {
		// The outgress job pushes through the private endpoint.
		require.Contains(t, u, srv.URL)
		require.Contains(t, u, "partNumber=")
	}
	require.Contains(t, job.Environment["F7T_MP_COMPLETE_URL"], srv.URL)
	require.Contains(t, job.Script, "CompleteMultipartUpload")
}

func TestAccountDirectiveSubstitution(t *testing.T) {
	t.Parallel()
	srv := fakeS3(t)
	engine := newTestEngine(t, srv)
	cluster := testCluster()
	cluster.DatatransferJobsDirectives = []string{
		"#SBATCH --partition=xfer",
		"#SBATCH --account={account}",
	}
	sched := &fakeScheduler{nextJobID: 7}
	cc := ClusterContext{Cluster: cluster, Scheduler: sched}
	user := auth.Identity{Username: "alice"}

	// The directives demand an account, so omitting it is an error.
	_, err := engine.Move(context.Background(), cc, user, OpRequest{
		SourcePath: "/scratch/alice/a",
		TargetPath: "/scratch/alice/b",
	})
	require.True(t, fcerrors.IsValidation(err))
	require.ErrorContains(t, err, "Account parameter is required on this system.")

	job, err := engine.Move(context.Background(), cc, user, OpRequest{
		SourcePath: "/scratch/alice/a",
		TargetPath: "/scratch/alice/b",
		Account:    "csstaff",
	})
	require.NoError(t, err)
	require.Equal(t, 7, job.JobID)

	script := sched.submitted[0].Script
	require.Contains(t, script, "#SBATCH --partition=xfer")
	require.Contains(t, script, "#SBATCH --account=csstaff")
	require.Contains(t, script, "mv -- '/scratch/alice/a' '/scratch/alice/b'")
}

func TestOpJobs(t *testing.T) {
	t.Parallel()
	srv := fakeS3(t)
	engine := newTestEngine(t, srv)
	user := auth.Identity{Username: "alice"}

	tests := []struct {
		name       string
		submit     func(cc ClusterContext) (*Job, error)
		wantName   string
		wantScript string
	}{
		{
			name: "copy",
			submit: func(cc ClusterContext) (*Job, error) {
				return engine.Copy(context.Background(), cc, user,
					OpRequest{SourcePath: "/a", TargetPath: "/b"})
			},
			wantName:   "CopyFiles",
			wantScript: "cp -r -- '/a' '/b'",
		},
		{
			name: "delete",
			submit: func(cc ClusterContext) (*Job, error) {
				return engine.Delete(context.Background(), cc, user,
					OpRequest{SourcePath: "/a"})
			},
			wantName:   "DeleteFiles",
			wantScript: "rm -rf -- '/a'",
		},
		{
			name: "compress",
			submit: func(cc ClusterContext) (*Job, error) {
				return engine.Compress(context.Background(), cc, user,
					OpRequest{SourcePath: "/data/in", TargetPath: "/data/out.tar.gz"})
			},
			wantName:   "CompressFiles",
			wantScript: "tar  -czvf '/data/out.tar.gz' -C '/data' 'in'",
		},
		{
			name: "extract",
			submit: func(cc ClusterContext) (*Job, error) {
				return engine.Extract(context.Background(), cc, user,
					OpRequest{SourcePath: "/data/a.tar.gz", TargetPath: "/data/out"})
			},
			wantName:   "ExtractFiles",
			wantScript: "tar -xzf '/data/a.tar.gz' -C '/data/out'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := &fakeScheduler{nextJobID: 1}
			cc := ClusterContext{Cluster: testCluster(), Scheduler: sched}
			job, err := tt.submit(cc)
			require.NoError(t, err)
			require.Equal(t, 1, job.JobID)
			require.Len(t, sched.submitted, 1)
			require.Equal(t, tt.wantName, sched.submitted[0].Name)
			require.Contains(t, sched.submitted[0].Script, tt.wantScript)
		})
	}
}
