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

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/healthcheck"
)

// The status endpoints report health instead of depending on it, so none
// of them go through request admission.

// systemStatus is the wire form of one cluster's health.
type systemStatus struct {
	Name           string               `json:"name"`
	ServicesHealth []healthcheck.Sample `json:"servicesHealth"`
}

func (s *Server) systemStatus(sys *System) systemStatus {
	status := systemStatus{Name: sys.Cluster.Name}
	if s.cfg.Health != nil {
		status.ServicesHealth, _ = s.cfg.Health.Samples(sys.Cluster.Name)
	}
	return status
}

func (s *Server) handleSystems(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	systems := s.cfg.Systems.Systems()
	out := make([]systemStatus, 0, len(systems))
	for _, sys := range systems {
		out = append(out, s.systemStatus(sys))
	}
	writeJSON(w, map[string]any{"systems": out})
	return nil
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.system(p)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"system": s.systemStatus(sys)})
	return nil
}

// livenessStatus reports whether one cluster's checker still publishes
// fresh samples.
type livenessStatus struct {
	Name string `json:"name"`
	// AgeSeconds is the age of the cluster's oldest sample.
	AgeSeconds float64 `json:"ageSeconds"`
	Alive      bool    `json:"alive"`
}

// handleLiveness answers 503 when any cluster's health checker has not
// reported within two probing intervals, which is the signal the process
// supervisor restarts on.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	systems := s.cfg.Systems.Systems()
	out := make([]livenessStatus, 0, len(systems))
	alive := true
	for _, sys := range systems {
		status := livenessStatus{Name: sys.Cluster.Name}
		if s.cfg.Health == nil {
			status.Alive = true
		} else if age, ok := s.cfg.Health.Age(sys.Cluster.Name); ok {
			status.AgeSeconds = age.Seconds()
			status.Alive = age <= 2*sys.Cluster.Probing.IntervalDuration()
		}
		if !status.Alive {
			alive = false
		}
		out = append(out, status)
	}
	status := http.StatusOK
	if !alive {
		status = http.StatusServiceUnavailable
	}
	writeJSONStatus(w, status, map[string]any{"systems": out})
	return nil
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.system(p)
	if err != nil {
		return trace.Wrap(err)
	}
	nodes, err := sys.Scheduler.Nodes(r.Context(), user)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"nodes": nodes})
	return nil
}

func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.system(p)
	if err != nil {
		return trace.Wrap(err)
	}
	partitions, err := sys.Scheduler.Partitions(r.Context(), user)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"partitions": partitions})
	return nil
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.system(p)
	if err != nil {
		return trace.Wrap(err)
	}
	reservations, err := sys.Scheduler.Reservations(r.Context(), user)
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, map[string]any{"reservations": reservations})
	return nil
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request, p httprouter.Params, user auth.Identity) error {
	sys, err := s.system(p)
	if err != nil {
		return trace.Wrap(err)
	}
	info, err := command.Execute(r.Context(), userRunner{sys.Runner, user}, &command.IDCommand{})
	if err != nil {
		return trace.Wrap(err)
	}
	writeJSON(w, info)
	return nil
}
