/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package httpapi

import (
	"encoding/base64"
	"io"
	"net/http"
	gopath "path"
	"slices"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// The small filesystem operations run synchronously over one pooled SSH
// session. Anything that could outgrow the request budget belongs to the
// transfer endpoints instead.

// fsSystem resolves the system and admits the request against the health
// of the filesystem serving path.
func (s *Server) fsSystem(p httprouter.Params, path string) (*System, error) {
	sys, err := s.system(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.admitFilesystem(sys, path); err != nil {
		return nil, trace.Wrap(err)
	}
	return sys, nil
}

// queryInt64 parses an optional integer query parameter.
func queryInt64(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fcerrors.NewValidation("Invalid query parameter.",
			fcerrors.ValidationField{Location: "query", Name: name, Message: "must be a non-negative integer"})
	}
	return v, nil
}

func queryBool(r *http.Request, name string) bool {
	return r.URL.Query().Get(name) == "true"
}

func (s *Server) handleLs(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	files, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.LsCommand{
		TargetPath:  path,
		ShowHidden:  queryBool(r, "showHidden"),
		NumericUID:  queryBool(r, "numericUid"),
		Recursive:   queryBool(r, "recursive"),
		Dereference: queryBool(r, "followLinks"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": files})
	return nil
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	bytes, err := queryInt64(r, "bytes")
	if err != nil {
		return trace.Wrap(err)
	}
	lines, err := queryInt64(r, "lines")
	if err != nil {
		return trace.Wrap(err)
	}
	if bytes > 0 && lines > 0 {
		return fcerrors.NewValidation("The bytes and lines parameters are mutually exclusive.")
	}
	content, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.HeadCommand{
		TargetPath:   path,
		Bytes:        bytes,
		Lines:        lines,
		SkipTrailing: queryBool(r, "skipEnding"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": content})
	return nil
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	bytes, err := queryInt64(r, "bytes")
	if err != nil {
		return trace.Wrap(err)
	}
	lines, err := queryInt64(r, "lines")
	if err != nil {
		return trace.Wrap(err)
	}
	if bytes > 0 && lines > 0 {
		return fcerrors.NewValidation("The bytes and lines parameters are mutually exclusive.")
	}
	content, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.TailCommand{
		TargetPath:  path,
		Bytes:       bytes,
		Lines:       lines,
		SkipHeading: queryBool(r, "skipBeginning"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": content})
	return nil
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	content, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.ViewCommand{
		TargetPath: path,
		MaxBytes:   s.cfg.MaxOpsFileSize,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": content})
	return nil
}

func (s *Server) handleChecksum(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	algorithm := r.URL.Query().Get("algorithm")
	if algorithm != "" && !slices.Contains(command.ChecksumAlgorithms(), algorithm) {
		return fcerrors.NewValidation("Unsupported checksum algorithm.",
			fcerrors.ValidationField{Location: "query", Name: "algorithm", Message: "unsupported algorithm"})
	}
	checksum, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.ChecksumCommand{
		TargetPath: path,
		Algorithm:  algorithm,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": checksum})
	return nil
}

func (s *Server) handleFileType(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	fileType, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.FileTypeCommand{
		TargetPath: path,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": fileType})
	return nil
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	stat, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.StatCommand{
		TargetPath:  path,
		Dereference: queryBool(r, "dereference"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": stat})
	return nil
}

// handleDownload streams a small file through the gateway. The file is
// read base64 encoded so binary content survives the SSH text channel,
// and files over the small-operations limit are pointed at the transfer
// endpoints instead.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	runner := userRunner{sys.Runner, user}
	stat, err := command.Execute(r.Context(), runner, &command.StatCommand{
		TargetPath:  path,
		Dereference: true,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if stat.Size > s.cfg.MaxOpsFileSize {
		return fcerrors.NewValidation(
			"File size exceeds the limit for direct download. Use the transfer download endpoint.")
	}
	encoded, err := command.Execute(r.Context(), runner, &command.Base64EncodeCommand{
		TargetPath: path,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fcerrors.NewCommand("Remote base64 output is malformed.")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+gopath.Base(path)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
	return nil
}

// handleUpload lands a small multipart form file on the filesystem,
// feeding it through the session's stdin as base64.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	if err := r.ParseMultipartForm(s.cfg.MaxOpsFileSize); err != nil {
		return fcerrors.NewValidation("Malformed multipart request body.")
	}
	path := r.FormValue("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return fcerrors.NewValidation("The upload requires a file part.",
			fcerrors.ValidationField{Location: "body", Name: "file", Message: "missing file part"})
	}
	defer file.Close()
	if header.Size > s.cfg.MaxOpsFileSize {
		return fcerrors.NewValidation(
			"File size exceeds the limit for direct upload. Use the transfer upload endpoint.")
	}
	content, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxOpsFileSize+1))
	if err != nil {
		return trace.Wrap(err)
	}
	if int64(len(content)) > s.cfg.MaxOpsFileSize {
		return fcerrors.NewValidation(
			"File size exceeds the limit for direct upload. Use the transfer upload endpoint.")
	}
	target := gopath.Join(path, gopath.Base(header.Filename))
	_, err = command.ExecuteStdin(r.Context(), userRunner{sys.Runner, user},
		&command.Base64DecodeCommand{TargetPath: target},
		base64.StdEncoding.EncodeToString(content))
	if err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type mkdirRequest struct {
	Path   string `json:"path"`
	Parent bool   `json:"parent"`
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req mkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	file, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.MkdirCommand{
		TargetPath: req.Path,
		Parent:     req.Parent,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"output": file})
	return nil
}

type symlinkRequest struct {
	Path     string `json:"path"`
	LinkPath string `json:"linkPath"`
}

func (s *Server) handleSymlink(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req symlinkRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.LinkPath == "" {
		return fcerrors.NewValidation("Symlink creation requires a linkPath.",
			fcerrors.ValidationField{Location: "body", Name: "linkPath", Message: "must not be empty"})
	}
	file, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.SymlinkCommand{
		TargetPath: req.Path,
		LinkPath:   req.LinkPath,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"output": file})
	return nil
}

type chmodRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

func (s *Server) handleChmod(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req chmodRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.Mode == "" {
		return fcerrors.NewValidation("Chmod requires a mode.",
			fcerrors.ValidationField{Location: "body", Name: "mode", Message: "must not be empty"})
	}
	file, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.ChmodCommand{
		TargetPath: req.Path,
		Mode:       req.Mode,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": file})
	return nil
}

type chownRequest struct {
	Path  string `json:"path"`
	Owner string `json:"owner"`
	Group string `json:"group"`
}

func (s *Server) handleChown(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req chownRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.Path)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.Owner == "" && req.Group == "" {
		return fcerrors.NewValidation("Chown requires an owner or a group.")
	}
	file, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.ChownCommand{
		TargetPath: req.Path,
		Owner:      req.Owner,
		Group:      req.Group,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"output": file})
	return nil
}

func (s *Server) handleRm(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	path := r.URL.Query().Get("path")
	sys, err := s.fsSystem(p, path)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.RmCommand{
		TargetPath: path,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type compressRequest struct {
	SourcePath   string `json:"sourcePath"`
	TargetPath   string `json:"targetPath"`
	MatchPattern string `json:"matchPattern"`
	Dereference  bool   `json:"dereference"`
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req compressRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.SourcePath)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.TargetPath == "" {
		return fcerrors.NewValidation("Compression requires a targetPath.",
			fcerrors.ValidationField{Location: "body", Name: "targetPath", Message: "must not be empty"})
	}
	output, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.CompressCommand{
		SourcePath:   req.SourcePath,
		TargetPath:   req.TargetPath,
		MatchPattern: req.MatchPattern,
		Dereference:  req.Dereference,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"output": output})
	return nil
}

type extractRequest struct {
	SourcePath string `json:"sourcePath"`
	TargetPath string `json:"targetPath"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	var req extractRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	sys, err := s.fsSystem(p, req.SourcePath)
	if err != nil {
		return trace.Wrap(err)
	}
	if req.TargetPath == "" {
		return fcerrors.NewValidation("Extraction requires a targetPath.",
			fcerrors.ValidationField{Location: "body", Name: "targetPath", Message: "must not be empty"})
	}
	output, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.ExtractCommand{
		SourcePath: req.SourcePath,
		TargetPath: req.TargetPath,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"output": output})
	return nil
}
