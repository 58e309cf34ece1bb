/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-cleanhttp"
	goversion "github.com/hashicorp/go-version"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

// slurmrestd API milestones that changed the submit payload shape.
var (
	// environment moved from a map to a KEY=VALUE list.
	apiEnvAsList = goversion.Must(goversion.NewVersion("0.0.39"))
	// the script moved from a sibling field into the job object.
	apiScriptInJob = goversion.Must(goversion.NewVersion("0.0.41"))
)

// RESTConfig configures a Slurm adapter that talks to slurmrestd with the
// user's token.
type RESTConfig struct {
	// BaseURL is the slurmrestd root, scheme included.
	BaseURL string
	// APIVersion selects the OpenAPI plugin version, like "0.0.40".
	APIVersion string
	// Timeout bounds one request.
	Timeout time.Duration
	// Client is the HTTP client to use.
	Client *http.Client

	apiVersion *goversion.Version
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *RESTConfig) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		return trace.BadParameter("missing slurm api url")
	}
	c.APIVersion = strings.TrimPrefix(c.APIVersion, "v")
	v, err := goversion.NewVersion(c.APIVersion)
	if err != nil {
		return trace.BadParameter("invalid slurm api version %q", c.APIVersion)
	}
	c.apiVersion = v
	if c.Timeout <= 0 {
		c.Timeout = defaults.SchedulerTimeout
	}
	if c.Client == nil {
		c.Client = cleanhttp.DefaultPooledClient()
	}
	return nil
}

// RESTClient implements job control against slurmrestd. Operations that
// slurmrestd cannot serve, attaching to an allocation and recovering the
// batch script, stay on the CLI adapter; the composite client routes
// around this.
type RESTClient struct {
	cfg RESTConfig
}

// NewRESTClient returns a slurmrestd backed adapter.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &RESTClient{cfg: cfg}, nil
}

// SubmitJob submits a job through the submit endpoint, shaping the
// payload for the configured API version.
func (c *RESTClient) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	if job.Script == "" {
		return 0, trace.BadParameter("job script is empty")
	}
	payload := c.submitPayload(job)
	var resp struct {
		JobID int `json:"job_id"`
	}
	path := fmt.Sprintf("/slurm/v%s/job/submit", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodPost, path, payload, &resp); err != nil {
		return 0, trace.Wrap(err)
	}
	return resp.JobID, nil
}

// submitPayload shapes one submit request body. Slurm refuses an empty
// environment, so a marker variable is injected when the caller sets
// none.
func (c *RESTClient) submitPayload(job *scheduler.JobDescription) map[string]any {
	env := job.Environment
	if len(env) == 0 {
		env = map[string]string{"F7T_version": "v" + firecrest.Version}
	}
	desc := map[string]any{
		"current_working_directory": job.WorkingDirectory,
		"standard_input":            job.StandardInput,
		"standard_output":           job.StandardOutput,
		"standard_error":            job.StandardError,
	}
	if job.Name != "" {
		desc["name"] = job.Name
	}
	if job.Account != "" {
		desc["account"] = job.Account
	}
	if job.Constraints != "" {
		desc["constraints"] = job.Constraints
	}
	if c.cfg.apiVersion.GreaterThanOrEqual(apiEnvAsList) {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+env[k])
		}
		desc["environment"] = pairs
	} else {
		desc["environment"] = env
	}
	if c.cfg.apiVersion.GreaterThanOrEqual(apiScriptInJob) {
		desc["script"] = job.Script
		return map[string]any{"job": desc}
	}
	return map[string]any{"job": desc, "script": job.Script}
}

// Job reads one job from the accounting daemon.
func (c *RESTClient) Job(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.Job, error) {
	var resp restJobsResponse
	path := fmt.Sprintf("/slurmdb/v%s/job/%d", c.cfg.APIVersion, jobID)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.jobs(), nil
}

// Jobs reads the user's jobs from the accounting daemon. slurmrestd has
// no server side user filter on this endpoint, so filtering happens here
// unless allUsers asks for everything.
func (c *RESTClient) Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]scheduler.Job, error) {
	var resp restJobsResponse
	path := fmt.Sprintf("/slurmdb/v%s/jobs", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	jobs := resp.jobs()
	if allUsers {
		return jobs, nil
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.User == user.Username {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

// CancelJob signals the job through the job endpoint. A 2xx status is
// success; Slurm reports asynchronous cancellation failures elsewhere.
func (c *RESTClient) CancelJob(ctx context.Context, user auth.Identity, jobID int) error {
	path := fmt.Sprintf("/slurm/v%s/job/%d", c.cfg.APIVersion, jobID)
	return trace.Wrap(c.do(ctx, user, http.MethodDelete, path, nil, nil))
}

// Nodes lists the compute nodes.
func (c *RESTClient) Nodes(ctx context.Context, user auth.Identity) ([]scheduler.Node, error) {
	var resp struct {
		Nodes []restNode `json:"nodes"`
	}
	path := fmt.Sprintf("/slurm/v%s/nodes", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	nodes := make([]scheduler.Node, 0, len(resp.Nodes))
	for _, n := range resp.Nodes {
		nodes = append(nodes, n.toNode())
	}
	return nodes, nil
}

// Partitions lists the scheduling partitions.
func (c *RESTClient) Partitions(ctx context.Context, user auth.Identity) ([]scheduler.Partition, error) {
	var resp struct {
		Partitions []restPartition `json:"partitions"`
	}
	path := fmt.Sprintf("/slurm/v%s/partitions", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	parts := make([]scheduler.Partition, 0, len(resp.Partitions))
	for _, p := range resp.Partitions {
		parts = append(parts, scheduler.Partition{
			Name:       p.Name,
			State:      strings.Join(p.Partition.State, ","),
			TotalCPUs:  p.CPUs.Total.value(),
			TotalNodes: p.Nodes.Total.value(),
		})
	}
	return parts, nil
}

// Reservations lists the advance reservations.
func (c *RESTClient) Reservations(ctx context.Context, user auth.Identity) ([]scheduler.Reservation, error) {
	var resp struct {
		Reservations []restReservation `json:"reservations"`
	}
	path := fmt.Sprintf("/slurm/v%s/reservations", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	rsvs := make([]scheduler.Reservation, 0, len(resp.Reservations))
	for _, r := range resp.Reservations {
		rsv := scheduler.Reservation{
			Name:      r.Name,
			NodeList:  r.NodeList,
			StartTime: r.StartTime.ptr(),
			EndTime:   r.EndTime.ptr(),
		}
		if r.Features != "" {
			rsv.Features = strings.Split(r.Features, "&")
		}
		rsvs = append(rsvs, rsv)
	}
	return rsvs, nil
}

// Ping reports controller reachability through the ping endpoint.
func (c *RESTClient) Ping(ctx context.Context, user auth.Identity) ([]scheduler.Ping, error) {
	var resp struct {
		Pings []struct {
			Hostname string     `json:"hostname"`
			Pinged   string     `json:"pinged"`
			Latency  restNumber `json:"latency"`
			Mode     string     `json:"mode"`
		} `json:"pings"`
	}
	path := fmt.Sprintf("/slurm/v%s/ping", c.cfg.APIVersion)
	if err := c.do(ctx, user, http.MethodGet, path, nil, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	pings := make([]scheduler.Ping, 0, len(resp.Pings))
	for _, p := range resp.Pings {
		pings = append(pings, scheduler.Ping{
			Hostname: p.Hostname,
			Pinged:   strings.ToUpper(p.Pinged),
			Latency:  float64(p.Latency.value()),
			Mode:     p.Mode,
		})
	}
	return pings, nil
}

// do runs one slurmrestd request as the user. The username comes from the
// token's username claim, which Slurm token issuers embed; a token
// without it cannot be mapped to a Slurm account.
func (c *RESTClient) do(ctx context.Context, user auth.Identity, method, path string, payload, into any) error {
	username, ok := auth.UsernameClaim(user.Token)
	if !ok {
		return fcerrors.NewAuthToken("Access token does not contain a username claim.")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return trace.Wrap(err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("X-SLURM-USER-NAME", username)
	req.Header.Set("X-SLURM-USER-TOKEN", user.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fcerrors.NewTimeout("Slurm API request timeout limit exceeded")
		}
		return fcerrors.NewConnection("Slurm API request failed: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaults.CommandBufferLimit))
	if err != nil {
		return fcerrors.NewConnection("Slurm API response read failed: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fcerrors.NewScheduler("Unexpected Slurm API response. status:%d message:%s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if into == nil {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fcerrors.NewScheduler("Unexpected Slurm API response. status:%d message:%s",
			resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}

// restNumber tolerates the two encodings slurmrestd uses for numbers: a
// bare value in old API versions and a {set, infinite, number} wrapper in
// new ones.
type restNumber struct {
	set      bool
	infinite bool
	number   int64
}

func (n *restNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '{' {
		var wrapper struct {
			Set      bool    `json:"set"`
			Infinite bool    `json:"infinite"`
			Number   float64 `json:"number"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}
		n.set = wrapper.Set
		n.infinite = wrapper.Infinite
		n.number = int64(wrapper.Number)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	n.set = true
	n.number = int64(v)
	return nil
}

func (n restNumber) value() int64 {
	if !n.set || n.infinite {
		return 0
	}
	return n.number
}

func (n restNumber) ptr() *int64 {
	if !n.set || n.infinite {
		return nil
	}
	v := n.number
	return &v
}

// restStringList tolerates a bare string where newer API versions send a
// list.
type restStringList []string

func (l *restStringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '[' {
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*l = values
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*l = []string{value}
	return nil
}

func (l restStringList) first() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

type restExitCode struct {
	ReturnCode restNumber `json:"return_code"`
	Signal     struct {
		ID restNumber `json:"signal_id"`
	} `json:"signal"`
}

type restState struct {
	Current restStringList `json:"current"`
	Reason  string         `json:"reason"`
}

type restJobsResponse struct {
	Jobs []restJob `json:"jobs"`
}

func (r *restJobsResponse) jobs() []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(r.Jobs))
	for _, j := range r.Jobs {
		jobs = append(jobs, j.toJob())
	}
	return jobs
}

type restJob struct {
	JobID            int          `json:"job_id"`
	Name             string       `json:"name"`
	Account          string       `json:"account"`
	Cluster          string       `json:"cluster"`
	Group            string       `json:"group"`
	Nodes            string       `json:"nodes"`
	Partition        string       `json:"partition"`
	Priority         restNumber   `json:"priority"`
	User             string       `json:"user"`
	WorkingDirectory string       `json:"working_directory"`
	AllocationNodes  restNumber   `json:"allocation_nodes"`
	State            restState    `json:"state"`
	ExitCode         restExitCode `json:"exit_code"`
	Time             struct {
		Elapsed   restNumber `json:"elapsed"`
		Start     restNumber `json:"start"`
		End       restNumber `json:"end"`
		Suspended restNumber `json:"suspended"`
		Limit     restNumber `json:"limit"`
	} `json:"time"`
	Steps []restStep `json:"steps"`
}

type restStep struct {
	Step struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	} `json:"step"`
	State    restStringList `json:"state"`
	ExitCode restExitCode   `json:"exit_code"`
}

func (j *restJob) toJob() scheduler.Job {
	job := scheduler.Job{
		JobID: j.JobID,
		Name:  j.Name,
		Status: scheduler.JobStatus{
			State:           j.State.Current.first(),
			StateReason:     j.State.Reason,
			ExitCode:        j.ExitCode.ReturnCode.ptr(),
			InterruptSignal: j.ExitCode.Signal.ID.ptr(),
		},
		Time: scheduler.JobTime{
			Elapsed:   j.Time.Elapsed.ptr(),
			Start:     j.Time.Start.ptr(),
			End:       j.Time.End.ptr(),
			Suspended: j.Time.Suspended.ptr(),
			Limit:     j.Time.Limit.ptr(),
		},
		Account:          j.Account,
		AllocationNodes:  j.AllocationNodes.value(),
		Cluster:          j.Cluster,
		Group:            j.Group,
		Nodes:            j.Nodes,
		Partition:        j.Partition,
		User:             j.User,
		WorkingDirectory: j.WorkingDirectory,
	}
	if j.Priority.set && !j.Priority.infinite {
		job.Priority = fmt.Sprintf("%d", j.Priority.number)
	}
	for _, s := range j.Steps {
		job.Tasks = append(job.Tasks, scheduler.JobTask{
			ID:   strings.Trim(string(s.Step.ID), `"`),
			Name: s.Step.Name,
			Status: scheduler.JobStatus{
				State:           s.State.first(),
				ExitCode:        s.ExitCode.ReturnCode.ptr(),
				InterruptSignal: s.ExitCode.Signal.ID.ptr(),
			},
		})
	}
	return job
}

type restNode struct {
	Name          string         `json:"name"`
	Sockets       restNumber     `json:"sockets"`
	Cores         restNumber     `json:"cores"`
	Threads       restNumber     `json:"threads"`
	CPUs          restNumber     `json:"cpus"`
	CPULoad       restNumber     `json:"cpu_load"`
	FreeMemory    restNumber     `json:"free_memory"`
	AllocMemory   restNumber     `json:"alloc_memory"`
	AllocCPUs     restNumber     `json:"alloc_cpus"`
	IdleCPUs      restNumber     `json:"alloc_idle_cpus"`
	Features      restStringList `json:"features"`
	Address       string         `json:"address"`
	Hostname      string         `json:"hostname"`
	State         restStringList `json:"state"`
	Partitions    restStringList `json:"partitions"`
	Weight        restNumber     `json:"weight"`
	SlurmdVersion string         `json:"version"`
}

func (n *restNode) toNode() scheduler.Node {
	return scheduler.Node{
		Name:          n.Name,
		Sockets:       n.Sockets.value(),
		Cores:         n.Cores.value(),
		Threads:       n.Threads.value(),
		CPUs:          n.CPUs.value(),
		CPULoad:       float64(n.CPULoad.value()),
		FreeMemory:    n.FreeMemory.value(),
		AllocMemory:   n.AllocMemory.value(),
		AllocCPUs:     n.AllocCPUs.value(),
		IdleCPUs:      n.IdleCPUs.value(),
		Features:      n.Features,
		Address:       n.Address,
		Hostname:      n.Hostname,
		State:         n.State,
		Partitions:    n.Partitions,
		Weight:        n.Weight.value(),
		SlurmdVersion: n.SlurmdVersion,
	}
}

type restPartition struct {
	Name string `json:"name"`
	CPUs struct {
		Total restNumber `json:"total"`
	} `json:"cpus"`
	Nodes struct {
		Total restNumber `json:"total"`
	} `json:"nodes"`
	Partition struct {
		State restStringList `json:"state"`
	} `json:"partition"`
}

type restReservation struct {
	Name      string     `json:"name"`
	NodeList  string     `json:"node_list"`
	StartTime restNumber `json:"start_time"`
	EndTime   restNumber `json:"end_time"`
	Features  string     `json:"features"`
}
