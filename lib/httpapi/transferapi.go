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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/transfer"
)

// The transfer endpoints submit batch jobs, so they are admitted against
// both the filesystem serving the request path and the scheduler.

func (s *Server) transferContext(p httprouter.Params, path string) (transfer.ClusterContext, error) {
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return transfer.ClusterContext{}, trace.Wrap(err)
	}
	if err := s.admitScheduler(sys); err != nil {
		return transfer.ClusterContext{}, trace.Wrap(err)
	}
	return transfer.ClusterContext{
		Cluster:   sys.Cluster,
		Scheduler: sys.Scheduler,
		Stat: func(ctx context.Context, user auth.Identity, path string) (int64, error) {
			stat, err := command.Execute(ctx, userRunner{sys.Runner, user}, &command.StatCommand{
				TargetPath:  path,
				Dereference: true,
			})
			if err != nil {
				return 0, trace.Wrap(err)
			}
			return stat.Size, nil
		},
	}, nil
}

type transferUploadRequest struct {
	Path     string `json:"path"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	Account  string `json:"account"`
}

func (s *Server) handleTransferUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req transferUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	cc, err := s.transferContext(p, req.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := s.cfg.Transfer.Upload(r.Context(), cc, user, transfer.UploadRequest{
		Path:     req.Path,
		FileName: req.FileName,
		FileSize: req.FileSize,
		Account:  req.Account,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, result)
	return nil
}

type transferDownloadRequest struct {
	SourcePath string `json:"sourcePath"`
	Account    string `json:"account"`
}

func (s *Server) handleTransferDownload(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req transferDownloadRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	cc, err := s.transferContext(p, req.SourcePath)
	if err != nil {
		return trace.Wrap(err)
	}
	result, err := s.cfg.Transfer.Download(r.Context(), cc, user, transfer.DownloadRequest{
		SourcePath: req.SourcePath,
		Account:    req.Account,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, result)
	return nil
}

type transferOpRequest struct {
	SourcePath   string `json:"sourcePath"`
	TargetPath   string `json:"targetPath"`
	MatchPattern string `json:"matchPattern"`
	Dereference  bool   `json:"dereference"`
	Account      string `json:"account"`
}

func (req transferOpRequest) op() transfer.OpRequest {
	return transfer.OpRequest{
		SourcePath:   req.SourcePath,
		TargetPath:   req.TargetPath,
		MatchPattern: req.MatchPattern,
		Dereference:  req.Dereference,
		Account:      req.Account,
	}
}

// transferOp is the shared shape of the job-backed filesystem operations.
func (s *Server) transferOp(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity,
	submit func(context.Context, transfer.ClusterContext, auth.Identity, transfer.OpRequest) (*transfer.Job, error),
) error {
	var req transferOpRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	cc, err := s.transferContext(p, req.SourcePath)
	if err != nil {
		return trace.Wrap(err)
	}
	job, err := submit(r.Context(), cc, user, req.op())
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"transferJob": job})
	return nil
}

func (s *Server) handleTransferMove(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	return s.transferOp(w, r, p, user, s.cfg.Transfer.Move)
}

func (s *Server) handleTransferCopy(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	return s.transferOp(w, r, p, user, s.cfg.Transfer.Copy)
}

func (s *Server) handleTransferDelete(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	return s.transferOp(w, r, p, user, s.cfg.Transfer.Delete)
}

func (s *Server) handleTransferCompress(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	return s.transferOp(w, r, p, user, s.cfg.Transfer.Compress)
}

func (s *Server) handleTransferExtract(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	return s.transferOp(w, r, p, user, s.cfg.Transfer.Extract)
}
