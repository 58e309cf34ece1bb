/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

// computeSystem resolves the system and admits the request against the
// scheduler's health.
func (s *Server) computeSystem(p httprouter.Params) (*System, error) {
	sys, err := s.system(p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.admitScheduler(sys); err != nil {
		return nil, trace.Wrap(err)
	}
	return sys, nil
}

func jobIDParam(p httprouter.Params) (int, error) {
	id, err := strconv.Atoi(p.ByName("jobID"))
	if err != nil {
		return 0, fcerrors.NewValidation("Job ID must be an integer.",
			fcerrors.ValidationField{Location: "path", Name: "jobID", Message: "must be an integer"})
	}
	return id, nil
}

// submitJobRequest is the submission body. Exactly one of script and
// scriptPath must be set.
type submitJobRequest struct {
	Job struct {
		Name             string            `json:"name"`
		Account          string            `json:"account"`
		WorkingDirectory string            `json:"workingDirectory"`
		StandardInput    string            `json:"standardInput"`
		StandardOutput   string            `json:"standardOutput"`
		StandardError    string            `json:"standardError"`
		Environment      map[string]string `json:"env"`
		Constraints      string            `json:"constraints"`
		Script           string            `json:"script"`
		ScriptPath       string            `json:"scriptPath"`
	} `json:"job"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if (req.Job.Script == "") == (req.Job.ScriptPath == "") {
		return fcerrors.NewValidation("Job submission requires either a script or a scriptPath.",
			fcerrors.ValidationField{Location: "body", Name: "job", Message: "exactly one of script and scriptPath must be set"})
	}
	jobID, err := sys.Scheduler.SubmitJob(r.Context(), user, &scheduler.JobDescription{
		Name:             req.Job.Name,
		Account:          req.Job.Account,
		WorkingDirectory: req.Job.WorkingDirectory,
		StandardInput:    req.Job.StandardInput,
		StandardOutput:   req.Job.StandardOutput,
		StandardError:    req.Job.StandardError,
		Environment:      req.Job.Environment,
		Constraints:      req.Job.Constraints,
		Script:           req.Job.Script,
		ScriptPath:       req.Job.ScriptPath,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"jobId": jobID})
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	allUsers := r.URL.Query().Get("allUsers") == "true"
	jobs, err := sys.Scheduler.Jobs(r.Context(), user, allUsers)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"jobs": jobs})
	return nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	jobID, err := jobIDParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	jobs, err := sys.Scheduler.Job(r.Context(), user, jobID)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(jobs) == 0 {
		return trace.NotFound("Job %d was not found on %s.", jobID, sys.Cluster.Name)
	}
	writeJSON(w, map[string]any{"jobs": jobs})
	return nil
}

func (s *Server) handleJobMetadata(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	jobID, err := jobIDParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	metadata, err := sys.Scheduler.JobMetadata(r.Context(), user, jobID)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(metadata) == 0 {
		return trace.NotFound("Job %d was not found on %s.", jobID, sys.Cluster.Name)
	}
	writeJSON(w, map[string]any{"jobs": metadata})
	return nil
}

type attachJobRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleAttachJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	jobID, err := jobIDParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	var req attachJobRequest
	if err := decodeJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if req.Command == "" {
		return fcerrors.NewValidation("Attach requires a command.",
			fcerrors.ValidationField{Location: "body", Name: "command", Message: "must not be empty"})
	}
	if err := sys.Scheduler.Attach(r.Context(), user, jobID, req.Command); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.computeSystem(p)
	if err != nil {
		return trace.Wrap(err)
	}
	jobID, err := jobIDParam(p)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := sys.Scheduler.CancelJob(r.Context(), user, jobID); err != nil {
		return trace.Wrap(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
