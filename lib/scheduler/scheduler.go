/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package scheduler defines the workload manager abstraction of the
// gateway. Concrete adapters live in subpackages; callers program against
// the Client interface and the neutral job model, so adding a scheduler
// never touches the HTTP layer.
package scheduler

import (
	"context"

	"github.com/eth-cscs/firecrest/lib/auth"
)

// JobStatus is the scheduler-neutral state of a job or of one of its
// tasks.
type JobStatus struct {
	State           string `json:"state"`
	StateReason     string `json:"stateReason,omitempty"`
	ExitCode        *int64 `json:"exitCode,omitempty"`
	InterruptSignal *int64 `json:"interruptSignal,omitempty"`
}

// JobTime groups the timing facts of a job. Elapsed and Suspended are
// seconds, Start and End are Unix epochs, Limit is the wall time limit in
// the scheduler's native unit (minutes for Slurm). Nil means the
// scheduler did not report the value, which is normal for jobs that have
// not started or finished.
type JobTime struct {
	Elapsed   *int64 `json:"elapsed,omitempty"`
	Start     *int64 `json:"start,omitempty"`
	End       *int64 `json:"end,omitempty"`
	Suspended *int64 `json:"suspended,omitempty"`
	Limit     *int64 `json:"limit,omitempty"`
}

// JobTask is one step of a job, for schedulers that track them.
type JobTask struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`
}

// Job is the neutral description of one scheduled job.
type Job struct {
	JobID            int       `json:"jobId"`
	Name             string    `json:"name"`
	Status           JobStatus `json:"status"`
	Time             JobTime   `json:"time"`
	Tasks            []JobTask `json:"tasks,omitempty"`
	Account          string    `json:"account,omitempty"`
	AllocationNodes  int64     `json:"allocationNodes"`
	Cluster          string    `json:"cluster,omitempty"`
	Group            string    `json:"group,omitempty"`
	Nodes            string    `json:"nodes,omitempty"`
	Partition        string    `json:"partition,omitempty"`
	Priority         string    `json:"priority,omitempty"`
	User             string    `json:"user"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
}

// JobMetadata carries the parts of a job record that outlive the job in
// scheduler bookkeeping: the submitted script and the standard stream
// paths.
type JobMetadata struct {
	JobID          int    `json:"jobId"`
	Script         string `json:"script,omitempty"`
	StandardInput  string `json:"standardInput,omitempty"`
	StandardOutput string `json:"standardOutput,omitempty"`
	StandardError  string `json:"standardError,omitempty"`
}

// JobDescription is a submission request. Exactly one of Script and
// ScriptPath must be set: Script is an inline batch script, ScriptPath
// points at a script already present on the cluster.
type JobDescription struct {
	Name             string
	Account          string
	WorkingDirectory string
	StandardInput    string
	StandardOutput   string
	StandardError    string
	Environment      map[string]string
	Constraints      string
	Script           string
	ScriptPath       string
}

// Node is one compute node of the cluster.
type Node struct {
	Name          string   `json:"name"`
	Sockets       int64    `json:"sockets"`
	Cores         int64    `json:"cores"`
	Threads       int64    `json:"threads"`
	CPUs          int64    `json:"cpus"`
	CPULoad       float64  `json:"cpuLoad"`
	FreeMemory    int64    `json:"freeMemory"`
	AllocMemory   int64    `json:"allocMemory"`
	AllocCPUs     int64    `json:"allocCpus"`
	IdleCPUs      int64    `json:"idleCpus"`
	Features      []string `json:"features,omitempty"`
	Address       string   `json:"address,omitempty"`
	Hostname      string   `json:"hostname,omitempty"`
	State         []string `json:"state"`
	Partitions    []string `json:"partitions,omitempty"`
	Weight        int64    `json:"weight"`
	SlurmdVersion string   `json:"slurmdVersion,omitempty"`
}

// Partition is one scheduling partition or queue.
type Partition struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	TotalCPUs  int64  `json:"totalCpus"`
	TotalNodes int64  `json:"totalNodes"`
}

// Reservation is one advance resource reservation.
type Reservation struct {
	Name      string   `json:"name"`
	NodeList  string   `json:"nodeList,omitempty"`
	StartTime *int64   `json:"startTime,omitempty"`
	EndTime   *int64   `json:"endTime,omitempty"`
	Features  []string `json:"features,omitempty"`
}

// Controller ping results.
const (
	PingUp   = "UP"
	PingDown = "DOWN"
)

// Ping is the reachability report for one scheduler controller daemon.
type Ping struct {
	Hostname string  `json:"hostname"`
	Pinged   string  `json:"pinged"`
	Latency  float64 `json:"latency"`
	Mode     string  `json:"mode,omitempty"`
}

// Client is one scheduler adapter bound to one cluster. Every call acts
// on behalf of the given user identity; adapters that shell out over SSH
// log in as that user, REST adapters forward the user token.
type Client interface {
	// SubmitJob queues a new job and returns its scheduler id.
	SubmitJob(ctx context.Context, user auth.Identity, job *JobDescription) (int, error)
	// Job returns the named job, including its tasks when the scheduler
	// tracks them. A job id that matches nothing yields an empty slice,
	// not an error, matching scheduler accounting tools.
	Job(ctx context.Context, user auth.Identity, jobID int) ([]Job, error)
	// Jobs returns the user's active jobs, or every user's with allUsers.
	Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]Job, error)
	// JobMetadata returns the script and stream paths of the job.
	JobMetadata(ctx context.Context, user auth.Identity, jobID int) ([]JobMetadata, error)
	// CancelJob signals the job to terminate.
	CancelJob(ctx context.Context, user auth.Identity, jobID int) error
	// Attach runs a command inside the allocation of a running job.
	Attach(ctx context.Context, user auth.Identity, jobID int, command string) error
	// Nodes lists the compute nodes of the cluster.
	Nodes(ctx context.Context, user auth.Identity) ([]Node, error)
	// Partitions lists the scheduling partitions.
	Partitions(ctx context.Context, user auth.Identity) ([]Partition, error)
	// Reservations lists the advance reservations.
	Reservations(ctx context.Context, user auth.Identity) ([]Reservation, error)
	// Ping reports reachability of the scheduler controllers.
	Ping(ctx context.Context, user auth.Identity) ([]Ping, error)
}
