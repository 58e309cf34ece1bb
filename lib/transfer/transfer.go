/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package transfer moves large files between clusters and an S3
// compatible staging store. Uploads and downloads never stream through
// the gateway: users exchange data with the store over presigned URLs,
// and a batch job on the cluster moves data between the store and the
// filesystem. Small housekeeping operations (move, copy, delete,
// compress, extract) reuse the same job plumbing so they can outlive an
// HTTP request.
package transfer

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

// jobPath is the PATH transfer jobs run with.
const jobPath = "/bin:/usr/bin/:/usr/local/bin/"

// Stater sizes a remote file as the user, following symlinks.
type Stater func(ctx context.Context, user auth.Identity, path string) (int64, error)

// ClusterContext binds one engine call to a cluster: its config, its
// scheduler adapter and a way to stat files on it.
type ClusterContext struct {
	Cluster   *config.Cluster
	Scheduler scheduler.Client
	Stat      Stater
}

// EngineConfig configures the transfer engine.
type EngineConfig struct {
	// Store is the staging object store.
	Store *ObjectStore
	// MaxPartSize caps one multipart part, and with it the chunk users
	// and jobs handle at a time.
	MaxPartSize int64
	// UseSplit makes the outgress job cut the source with split instead
	// of streaming parts through dd, trading temp space for speed on
	// filesystems with slow seeks.
	UseSplit bool
	// ParallelRuns bounds concurrent part uploads in the outgress job.
	ParallelRuns int
	// TmpFolder is where the outgress job stages parts, relative to the
	// job working directory.
	TmpFolder string
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing object store")
	}
	if c.MaxPartSize <= 0 {
		c.MaxPartSize = defaults.MaxPartSize
	}
	if c.ParallelRuns <= 0 {
		c.ParallelRuns = defaults.ParallelRuns
	}
	if c.TmpFolder == "" {
		c.TmpFolder = defaults.TmpFolder
	}
	return nil
}

// Engine implements the staged transfer operations.
type Engine struct {
	cfg EngineConfig
}

// NewEngine returns a transfer engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// Logs points at the standard stream files of a transfer job.
type Logs struct {
	OutputLog string `json:"outputLog"`
	ErrorLog  string `json:"errorLog"`
}

// Job describes the batch job backing a transfer operation.
type Job struct {
	JobID            int    `json:"jobId"`
	System           string `json:"system"`
	WorkingDirectory string `json:"workingDirectory"`
	Logs             Logs   `json:"logs"`
}

// UploadRequest stages an external file onto the cluster. The final file
// lands at Path/FileName.
type UploadRequest struct {
	Path     string
	FileName string
	FileSize int64
	Account  string
}

// UploadResult carries what the user needs to push the file: one URL per
// part and the URL that seals the upload.
type UploadResult struct {
	PartsUploadURLs   []string `json:"partsUploadUrls"`
	CompleteUploadURL string   `json:"completeUploadUrl"`
	MaxPartSize       int64    `json:"maxPartSize"`
	TransferJob       Job      `json:"transferJob"`
}

// Upload opens a multipart upload in the staging store, presigns the
// part URLs for the user, and queues the ingress job that will land the
// object on the filesystem once it arrives.
func (e *Engine) Upload(ctx context.Context, cc ClusterContext, user auth.Identity, req UploadRequest) (*UploadResult, error) {
	if req.FileName == "" || req.Path == "" {
		return nil, trace.BadParameter("upload needs a path and a fileName")
	}
	if req.FileSize <= 0 {
		return nil, trace.BadParameter("upload needs a positive fileSize")
	}
	bucket, err := e.cfg.Store.EnsureBucket(ctx, user.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	transferID := uuid.NewString()
	key := transferID + "/" + req.FileName
	uploadID, err := e.cfg.Store.CreateMultipartUpload(ctx, bucket, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	numParts := e.numParts(req.FileSize)
	partURLs, err := e.cfg.Store.PresignUploadParts(ctx, bucket, key, uploadID, numParts, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	completeURL, err := e.cfg.Store.PresignCompleteUpload(ctx, bucket, key, uploadID, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The ingress job reads through the private endpoint.
	getURL, err := e.cfg.Store.PresignGetObject(ctx, bucket, key, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	headURL, err := e.cfg.Store.PresignHeadObject(ctx, bucket, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	env := map[string]string{
		"F7T_INPUT_URL":    getURL,
		"F7T_HEAD_URL":     headURL,
		"F7T_OUTPUT_FILE":  path.Join(req.Path, req.FileName),
		"F7T_MAX_ATTEMPTS": strconv.Itoa(int(e.cfg.Store.MaxURLExpiry().Seconds() / 10)),
	}
	job, err := e.submitJob(ctx, cc, user, "IngressFileTransfer", transferID, downloaderScript, env, req.Account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &UploadResult{
		PartsUploadURLs:   partURLs,
		CompleteUploadURL: completeURL,
		MaxPartSize:       e.cfg.MaxPartSize,
		TransferJob:       *job,
	}, nil
}

// DownloadRequest stages a cluster file for external download.
type DownloadRequest struct {
	SourcePath string
	Account    string
}

// DownloadResult carries the URL the staged object will be downloadable
// from once the outgress job finishes.
type DownloadResult struct {
	DownloadURL string `json:"downloadUrl"`
	MaxPartSize int64  `json:"maxPartSize"`
	TransferJob Job    `json:"transferJob"`
}

// Download sizes the source file, opens a multipart upload in the
// staging store and queues the outgress job that pushes the parts.
func (e *Engine) Download(ctx context.Context, cc ClusterContext, user auth.Identity, req DownloadRequest) (*DownloadResult, error) {
	if req.SourcePath == "" {
		return nil, trace.BadParameter("download needs a sourcePath")
	}
	size, err := cc.Stat(ctx, user, req.SourcePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	bucket, err := e.cfg.Store.EnsureBucket(ctx, user.Username)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	transferID := uuid.NewString()
	key := path.Base(req.SourcePath) + "_" + transferID
	uploadID, err := e.cfg.Store.CreateMultipartUpload(ctx, bucket, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	numParts := e.numParts(size)
	// The outgress job pushes through the private endpoint.
	partURLs, err := e.cfg.Store.PresignUploadParts(ctx, bucket, key, uploadID, numParts, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	completeURL, err := e.cfg.Store.PresignCompleteUpload(ctx, bucket, key, uploadID, false)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	downloadURL, err := e.cfg.Store.PresignGetObject(ctx, bucket, key, true)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	env := map[string]string{
		"F7T_MAX_PART_SIZE":   strconv.FormatInt(e.cfg.MaxPartSize, 10),
		"F7T_MP_USE_SPLIT":    strconv.FormatBool(e.cfg.UseSplit),
		"F7T_TMP_FOLDER":      path.Join(e.cfg.TmpFolder, transferID),
		"F7T_MP_PARALLEL_RUN": strconv.Itoa(e.cfg.ParallelRuns),
		"F7T_MP_PARTS_URL":    strings.Join(partURLs, " "),
		"F7T_MP_NUM_PARTS":    strconv.Itoa(numParts),
		"F7T_MP_INPUT_FILE":   req.SourcePath,
		"F7T_MP_COMPLETE_URL": completeURL,
	}
	job, err := e.submitJob(ctx, cc, user, "OutgressFileTransfer", transferID, uploaderScript, env, req.Account)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &DownloadResult{
		DownloadURL: downloadURL,
		MaxPartSize: e.cfg.MaxPartSize,
		TransferJob: *job,
	}, nil
}

// OpRequest is a filesystem operation executed through a batch job
// instead of an interactive SSH command, for trees too large for the
// request path.
type OpRequest struct {
	SourcePath string
	TargetPath string
	// MatchPattern restricts Compress to matching files.
	MatchPattern string
	// Dereference makes Compress follow symlinks.
	Dereference bool
	Account     string
}

// Move renames a path through a MoveFiles job.
func (e *Engine) Move(ctx context.Context, cc ClusterContext, user auth.Identity, req OpRequest) (*Job, error) {
	if req.SourcePath == "" || req.TargetPath == "" {
		return nil, trace.BadParameter("move needs a sourcePath and a targetPath")
	}
	body := fmt.Sprintf("mv -- %s %s\n", command.Quote(req.SourcePath), command.Quote(req.TargetPath))
	job, err := e.submitJob(ctx, cc, user, "MoveFiles", uuid.NewString(), body, nil, req.Account)
	return job, trace.Wrap(err)
}

// Copy duplicates a path through a CopyFiles job.
func (e *Engine) Copy(ctx context.Context, cc ClusterContext, user auth.Identity, req OpRequest) (*Job, error) {
	if req.SourcePath == "" || req.TargetPath == "" {
		return nil, trace.BadParameter("copy needs a sourcePath and a targetPath")
	}
	body := fmt.Sprintf("cp -r -- %s %s\n", command.Quote(req.SourcePath), command.Quote(req.TargetPath))
	job, err := e.submitJob(ctx, cc, user, "CopyFiles", uuid.NewString(), body, nil, req.Account)
	return job, trace.Wrap(err)
}

// Delete removes a path through a DeleteFiles job.
func (e *Engine) Delete(ctx context.Context, cc ClusterContext, user auth.Identity, req OpRequest) (*Job, error) {
	if req.SourcePath == "" {
		return nil, trace.BadParameter("delete needs a sourcePath")
	}
	body := fmt.Sprintf("rm -rf -- %s\n", command.Quote(req.SourcePath))
	job, err := e.submitJob(ctx, cc, user, "DeleteFiles", uuid.NewString(), body, nil, req.Account)
	return job, trace.Wrap(err)
}

// Compress archives a path through a CompressFiles job.
func (e *Engine) Compress(ctx context.Context, cc ClusterContext, user auth.Identity, req OpRequest) (*Job, error) {
	if req.SourcePath == "" || req.TargetPath == "" {
		return nil, trace.BadParameter("compress needs a sourcePath and a targetPath")
	}
	body := command.CompressScript(req.SourcePath, req.TargetPath, req.MatchPattern, req.Dereference) + "\n"
	job, err := e.submitJob(ctx, cc, user, "CompressFiles", uuid.NewString(), body, nil, req.Account)
	return job, trace.Wrap(err)
}

// Extract unpacks an archive through an ExtractFiles job.
func (e *Engine) Extract(ctx context.Context, cc ClusterContext, user auth.Identity, req OpRequest) (*Job, error) {
	if req.SourcePath == "" || req.TargetPath == "" {
		return nil, trace.BadParameter("extract needs a sourcePath and a targetPath")
	}
	body := fmt.Sprintf("tar -xzf %s -C %s\n", command.Quote(req.SourcePath), command.Quote(req.TargetPath))
	job, err := e.submitJob(ctx, cc, user, "ExtractFiles", uuid.NewString(), body, nil, req.Account)
	return job, trace.Wrap(err)
}

func (e *Engine) numParts(size int64) int {
	parts := (size + e.cfg.MaxPartSize - 1) / e.cfg.MaxPartSize
	if parts < 1 {
		parts = 1
	}
	return int(parts)
}

// submitJob queues one transfer job. Jobs run in a per user directory
// under the cluster's default working filesystem and log into hidden
// files named after the transfer, which keeps concurrent transfers
// apart.
func (e *Engine) submitJob(ctx context.Context, cc ClusterContext, user auth.Identity, name, transferID, body string, env map[string]string, account string) (*Job, error) {
	script, err := buildScript(cc.Cluster.DatatransferJobsDirectives, account, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	workDir := path.Join(cc.Cluster.DefaultWorkDir(), user.Username)
	outLog := path.Join(workDir, fmt.Sprintf(".f7t_file_handling_job_%s.log", transferID))
	errLog := path.Join(workDir, fmt.Sprintf(".f7t_file_handling_job_error_%s.log", transferID))
	if env == nil {
		env = map[string]string{}
	}
	env["PATH"] = jobPath
	jobID, err := cc.Scheduler.SubmitJob(ctx, user, &scheduler.JobDescription{
		Name:             name,
		Account:          account,
		WorkingDirectory: workDir,
		StandardInput:    "/dev/null",
		StandardOutput:   outLog,
		StandardError:    errLog,
		Environment:      env,
		Script:           script,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Job{
		JobID:            jobID,
		System:           cc.Cluster.Name,
		WorkingDirectory: workDir,
		Logs:             Logs{OutputLog: outLog, ErrorLog: errLog},
	}, nil
}
