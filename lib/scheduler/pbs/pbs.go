/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package pbs adapts PBS Pro clusters to the scheduler interface. PBS
// has no REST daemon comparable to slurmrestd, so everything runs
// through the command line utilities over SSH as the calling user.
package pbs

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/eth-cscs/firecrest/lib/auth"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/scheduler"
	"github.com/eth-cscs/firecrest/lib/sshpool"
)

// Config configures the PBS adapter for one cluster.
type Config struct {
	// Pool supplies per user SSH sessions to the cluster.
	Pool *sshpool.Pool
	// Clock is used to time server pings.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing ssh pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client drives qsub, qstat, qdel, pbsnodes and pbs_rstat over SSH.
type Client struct {
	cfg Config
}

// New returns a PBS adapter.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

func runOverSSH[T any](ctx context.Context, pool *sshpool.Pool, user auth.Identity, cmd command.Command[T], stdin string) (T, error) {
	var result T
	err := pool.WithSession(ctx, user.Username, user.Token, func(s *sshpool.Session) error {
		var err error
		result, err = command.ExecuteStdin(ctx, s, cmd, stdin)
		return err
	})
	if err != nil {
		var zero T
		return zero, trace.Wrap(err)
	}
	return result, nil
}

// SubmitJob submits the job with qsub, feeding inline scripts through
// stdin.
func (c *Client) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	if job.Script == "" && job.ScriptPath == "" {
		return 0, trace.BadParameter("job script is empty")
	}
	cmd := &qsubCommand{Job: job}
	id, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, job.Script)
	return id, trace.Wrap(err)
}

// Job returns the record of one job, finished ones included.
func (c *Client) Job(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.Job, error) {
	cmd := &qstatJobsCommand{JobID: strconv.Itoa(jobID)}
	jobs, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, "")
	return jobs, trace.Wrap(err)
}

// Jobs returns the user's jobs. qstat has no server side user filter in
// JSON mode, so the owner attribute is matched here unless allUsers asks
// for everything.
func (c *Client) Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]scheduler.Job, error) {
	cmd := &qstatJobsCommand{}
	jobs, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
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

// JobMetadata reports the standard stream paths of a job. PBS does not
// keep the submitted script, so only the paths are recoverable.
func (c *Client) JobMetadata(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.JobMetadata, error) {
	cmd := &qstatMetadataCommand{JobID: jobID}
	meta, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if meta == nil {
		return nil, nil
	}
	return []scheduler.JobMetadata{*meta}, nil
}

// CancelJob deletes the job with qdel.
func (c *Client) CancelJob(ctx context.Context, user auth.Identity, jobID int) error {
	_, err := runOverSSH(ctx, c.cfg.Pool, user, &qdelCommand{JobID: jobID}, "")
	return trace.Wrap(err)
}

// Attach is not available on PBS, which has no srun equivalent for
// joining a running allocation.
func (c *Client) Attach(ctx context.Context, user auth.Identity, jobID int, cmdline string) error {
	return trace.NotImplemented("Attaching a command to a job is not supported on PBS systems.")
}

// Nodes lists the compute nodes through pbsnodes.
func (c *Client) Nodes(ctx context.Context, user auth.Identity) ([]scheduler.Node, error) {
	nodes, err := runOverSSH(ctx, c.cfg.Pool, user, &pbsnodesCommand{}, "")
	return nodes, trace.Wrap(err)
}

// Partitions lists the queues, the closest PBS concept to a partition.
func (c *Client) Partitions(ctx context.Context, user auth.Identity) ([]scheduler.Partition, error) {
	parts, err := runOverSSH(ctx, c.cfg.Pool, user, &qstatQueuesCommand{}, "")
	return parts, trace.Wrap(err)
}

// Reservations lists advance reservations through pbs_rstat.
func (c *Client) Reservations(ctx context.Context, user auth.Identity) ([]scheduler.Reservation, error) {
	rsvs, err := runOverSSH(ctx, c.cfg.Pool, user, &rstatCommand{}, "")
	return rsvs, trace.Wrap(err)
}

// Ping reports server reachability through qstat -B, with the round trip
// time of the whole call as latency.
func (c *Client) Ping(ctx context.Context, user auth.Identity) ([]scheduler.Ping, error) {
	started := c.cfg.Clock.Now()
	pings, err := runOverSSH(ctx, c.cfg.Pool, user, &qstatServerCommand{}, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	latency := c.cfg.Clock.Since(started).Seconds()
	for i := range pings {
		pings[i].Latency = latency
	}
	return pings, nil
}

// qsubCommand renders one qsub invocation. The submission happens from
// the job's working directory because PBS resolves relative stream paths
// against the submission directory.
type qsubCommand struct {
	Job *scheduler.JobDescription
}

func (c *qsubCommand) Render() string {
	j := c.Job
	parts := []string{"qsub"}
	if j.Name != "" {
		parts = append(parts, "-N", command.Quote(j.Name))
	}
	if j.Account != "" {
		parts = append(parts, "-P", command.Quote(j.Account))
	}
	if len(j.Environment) > 0 {
		keys := make([]string, 0, len(j.Environment))
		for k := range j.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+j.Environment[k])
		}
		parts = append(parts, "-v", command.Quote(strings.Join(pairs, ",")))
	} else {
		parts = append(parts, "-V")
	}
	if j.StandardOutput != "" {
		parts = append(parts, "-o", command.Quote(j.StandardOutput))
	}
	if j.StandardError != "" {
		parts = append(parts, "-e", command.Quote(j.StandardError))
	}
	if j.ScriptPath != "" {
		parts = append(parts, "--", command.Quote(j.ScriptPath))
	}
	cmdline := strings.Join(parts, " ")
	if j.WorkingDirectory != "" {
		cmdline = fmt.Sprintf("cd %s && %s", command.Quote(j.WorkingDirectory), cmdline)
	}
	return cmdline
}

// qsub prints the full job identifier, like "1234.pbs-server".
var qsubJobIDRe = regexp.MustCompile(`^(\d+)`)

func (c *qsubCommand) Parse(out *command.Output) (int, error) {
	if out.ExitStatus != 0 {
		return 0, command.ExitError(out)
	}
	m := qsubJobIDRe.FindStringSubmatch(strings.TrimSpace(out.Stdout))
	if m == nil {
		return 0, fcerrors.NewScheduler("Unexpected qsub response:%s %s", out.Stdout, out.Stderr)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fcerrors.NewScheduler("Unexpected qsub response:%s %s", out.Stdout, out.Stderr)
	}
	return id, nil
}

// pbsJob is the slice of a qstat -F json job record the gateway reads.
type pbsJob struct {
	Name          string `json:"Job_Name"`
	Owner         string `json:"Job_Owner"`
	State         string `json:"job_state"`
	Queue         string `json:"queue"`
	Project       string `json:"project"`
	ExitStatus    *int64 `json:"Exit_status"`
	Comment       string `json:"comment"`
	ExecHost      string `json:"exec_host"`
	OutputPath    string `json:"Output_Path"`
	ErrorPath     string `json:"Error_Path"`
	CreatedTime   string `json:"ctime"`
	StartTime     string `json:"stime"`
	ModifiedTime  string `json:"mtime"`
	ResourcesUsed struct {
		Walltime string `json:"walltime"`
	} `json:"resources_used"`
	ResourceList struct {
		Walltime  string `json:"walltime"`
		NodeCount int64  `json:"nodect"`
	} `json:"Resource_List"`
	VariableList map[string]string `json:"Variable_List"`
}

type qstatJobsResponse struct {
	Jobs map[string]pbsJob `json:"Jobs"`
}

// qstatJobsCommand reads job records in JSON, historical jobs included.
type qstatJobsCommand struct {
	JobID string
}

func (c *qstatJobsCommand) Render() string {
	if c.JobID != "" {
		return fmt.Sprintf("qstat -F json -f -x %s", command.Quote(c.JobID))
	}
	return "qstat -F json -f -x"
}

func (c *qstatJobsCommand) Parse(out *command.Output) ([]scheduler.Job, error) {
	if out.ExitStatus != 0 {
		if strings.Contains(out.Stderr, "Unknown Job Id") {
			return nil, nil
		}
		return nil, command.ExitError(out)
	}
	var resp qstatJobsResponse
	if err := json.Unmarshal([]byte(out.Stdout), &resp); err != nil {
		return nil, fcerrors.NewScheduler("Unexpected qstat response:%s", out.Stdout)
	}
	jobs := make([]scheduler.Job, 0, len(resp.Jobs))
	for fullID, j := range resp.Jobs {
		id, err := pbsJobID(fullID)
		if err != nil {
			continue
		}
		jobs = append(jobs, j.toJob(id))
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].JobID < jobs[k].JobID })
	return jobs, nil
}

func (j pbsJob) toJob(id int) scheduler.Job {
	user, _, _ := strings.Cut(j.Owner, "@")
	job := scheduler.Job{
		JobID:           id,
		Name:            j.Name,
		User:            user,
		Account:         j.Project,
		Partition:       j.Queue,
		Nodes:           j.ExecHost,
		AllocationNodes: j.ResourceList.NodeCount,
		Status: scheduler.JobStatus{
			State:       j.State,
			StateReason: j.Comment,
			ExitCode:    j.ExitStatus,
		},
		Time: scheduler.JobTime{
			Elapsed: parsePBSDuration(j.ResourcesUsed.Walltime),
			Start:   parsePBSTimestamp(j.StartTime),
		},
		WorkingDirectory: j.VariableList["PBS_O_WORKDIR"],
	}
	// Finished jobs stop updating mtime, which then marks the end.
	if j.State == "F" {
		job.Time.End = parsePBSTimestamp(j.ModifiedTime)
	}
	return job
}

// pbsJobID extracts the numeric part of "1234.pbs-server".
func pbsJobID(fullID string) (int, error) {
	numeric, _, _ := strings.Cut(fullID, ".")
	id, err := strconv.Atoi(numeric)
	if err != nil {
		return 0, trace.BadParameter("unexpected pbs job id %q", fullID)
	}
	return id, nil
}

// pbsTimeLayout is the ctime style format PBS prints timestamps in.
const pbsTimeLayout = "Mon Jan _2 15:04:05 2006"

func parsePBSTimestamp(s string) *int64 {
	if s == "" {
		return nil
	}
	t, err := time.Parse(pbsTimeLayout, s)
	if err != nil {
		return nil
	}
	epoch := t.Unix()
	return &epoch
}

// parsePBSDuration converts an HH:MM:SS walltime to seconds.
func parsePBSDuration(s string) *int64 {
	if s == "" {
		return nil
	}
	var total int64
	for _, p := range strings.Split(s, ":") {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil
		}
		total = total*60 + v
	}
	return &total
}

// qstatMetadataCommand reads the stream paths of one job.
type qstatMetadataCommand struct {
	JobID int
}

func (c *qstatMetadataCommand) Render() string {
	return fmt.Sprintf("qstat -F json -f -x %s", command.Quote(strconv.Itoa(c.JobID)))
}

func (c *qstatMetadataCommand) Parse(out *command.Output) (*scheduler.JobMetadata, error) {
	if out.ExitStatus != 0 {
		if strings.Contains(out.Stderr, "Unknown Job Id") {
			return nil, nil
		}
		return nil, command.ExitError(out)
	}
	var resp qstatJobsResponse
	if err := json.Unmarshal([]byte(out.Stdout), &resp); err != nil {
		return nil, fcerrors.NewScheduler("Unexpected qstat response:%s", out.Stdout)
	}
	for fullID, j := range resp.Jobs {
		id, err := pbsJobID(fullID)
		if err != nil || id != c.JobID {
			continue
		}
		return &scheduler.JobMetadata{
			JobID: id,
			// Paths print as "host:/path"; the host prefix is noise here.
			StandardOutput: stripPBSHost(j.OutputPath),
			StandardError:  stripPBSHost(j.ErrorPath),
		}, nil
	}
	return nil, nil
}

func stripPBSHost(path string) string {
	if _, p, ok := strings.Cut(path, ":"); ok {
		return p
	}
	return path
}

// qdelCommand deletes one job.
type qdelCommand struct {
	JobID int
}

func (c *qdelCommand) Render() string {
	return fmt.Sprintf("qdel %d", c.JobID)
}

func (c *qdelCommand) Parse(out *command.Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		if strings.Contains(out.Stderr, "Unknown Job Id") {
			return struct{}{}, trace.NotFound("Job not found")
		}
		return struct{}{}, command.ExitError(out)
	}
	return struct{}{}, nil
}

// pbsnodesCommand lists compute nodes in JSON.
type pbsnodesCommand struct{}

func (c *pbsnodesCommand) Render() string {
	return "pbsnodes -a -F json"
}

type pbsNode struct {
	State              string `json:"state"`
	PCPUs              int64  `json:"pcpus"`
	ResourcesAvailable struct {
		NCPUs int64  `json:"ncpus"`
		Mem   string `json:"mem"`
	} `json:"resources_available"`
	ResourcesAssigned struct {
		NCPUs int64  `json:"ncpus"`
		Mem   string `json:"mem"`
	} `json:"resources_assigned"`
}

func (c *pbsnodesCommand) Parse(out *command.Output) ([]scheduler.Node, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var resp struct {
		Nodes map[string]pbsNode `json:"nodes"`
	}
	if err := json.Unmarshal([]byte(out.Stdout), &resp); err != nil {
		return nil, fcerrors.NewScheduler("Unexpected pbsnodes response:%s", out.Stdout)
	}
	names := make([]string, 0, len(resp.Nodes))
	for name := range resp.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	nodes := make([]scheduler.Node, 0, len(names))
	for _, name := range names {
		n := resp.Nodes[name]
		cpus := n.ResourcesAvailable.NCPUs
		if cpus == 0 {
			cpus = n.PCPUs
		}
		nodes = append(nodes, scheduler.Node{
			Name:        name,
			Hostname:    name,
			CPUs:        cpus,
			AllocCPUs:   n.ResourcesAssigned.NCPUs,
			IdleCPUs:    cpus - n.ResourcesAssigned.NCPUs,
			FreeMemory:  parsePBSMem(n.ResourcesAvailable.Mem),
			AllocMemory: parsePBSMem(n.ResourcesAssigned.Mem),
			State:       strings.Split(n.State, ","),
		})
	}
	return nodes, nil
}

// parsePBSMem converts a PBS size like "256gb" or "1048576kb" to
// megabytes, the unit the node model reports memory in.
func parsePBSMem(s string) int64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	unit := int64(1)
	switch {
	case strings.HasSuffix(s, "kb"):
		s, unit = strings.TrimSuffix(s, "kb"), 1
	case strings.HasSuffix(s, "mb"):
		s, unit = strings.TrimSuffix(s, "mb"), 1<<10
	case strings.HasSuffix(s, "gb"):
		s, unit = strings.TrimSuffix(s, "gb"), 1<<20
	case strings.HasSuffix(s, "tb"):
		s, unit = strings.TrimSuffix(s, "tb"), 1<<30
	case strings.HasSuffix(s, "b"):
		s, unit = strings.TrimSuffix(s, "b"), 1
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v * unit / (1 << 10)
}

// qstatQueuesCommand lists queues in JSON.
type qstatQueuesCommand struct{}

func (c *qstatQueuesCommand) Render() string {
	return "qstat -F json -f -Q"
}

type pbsQueue struct {
	Enabled    string `json:"enabled"`
	Started    string `json:"started"`
	TotalJobs  int64  `json:"total_jobs"`
	ResourcesA struct {
		NCPUs int64 `json:"ncpus"`
	} `json:"resources_assigned"`
}

func (c *qstatQueuesCommand) Parse(out *command.Output) ([]scheduler.Partition, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var resp struct {
		Queue map[string]pbsQueue `json:"Queue"`
	}
	if err := json.Unmarshal([]byte(out.Stdout), &resp); err != nil {
		return nil, fcerrors.NewScheduler("Unexpected qstat response:%s", out.Stdout)
	}
	names := make([]string, 0, len(resp.Queue))
	for name := range resp.Queue {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]scheduler.Partition, 0, len(names))
	for _, name := range names {
		q := resp.Queue[name]
		state := scheduler.PingDown
		if strings.EqualFold(q.Enabled, "true") && strings.EqualFold(q.Started, "true") {
			state = scheduler.PingUp
		}
		parts = append(parts, scheduler.Partition{
			Name:      name,
			State:     state,
			TotalCPUs: q.ResourcesA.NCPUs,
		})
	}
	return parts, nil
}

// rstatCommand lists advance reservations. pbs_rstat has no JSON mode;
// the full listing prints one "Resv ID:" block per reservation with
// "name = value" attribute lines.
type rstatCommand struct{}

func (c *rstatCommand) Render() string {
	return "pbs_rstat -Sf"
}

var rstatBlockRe = regexp.MustCompile(`(?m)^Resv ID:`)

func (c *rstatCommand) Parse(out *command.Output) ([]scheduler.Reservation, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	indexes := rstatBlockRe.FindAllStringIndex(out.Stdout, -1)
	var rsvs []scheduler.Reservation
	for i, idx := range indexes {
		end := len(out.Stdout)
		if i+1 < len(indexes) {
			end = indexes[i+1][0]
		}
		block := out.Stdout[idx[0]:end]
		attrs := map[string]string{}
		for _, line := range strings.Split(block, "\n") {
			if key, value, ok := strings.Cut(line, "="); ok {
				attrs[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
		name := attrs["Reserve_Name"]
		if name == "" {
			// The header line is "Resv ID: <id>".
			_, id, _ := strings.Cut(strings.SplitN(block, "\n", 2)[0], ":")
			name = strings.TrimSpace(id)
		}
		rsvs = append(rsvs, scheduler.Reservation{
			Name:      name,
			NodeList:  attrs["resv_nodes"],
			StartTime: parsePBSTimestamp(attrs["reserve_start"]),
			EndTime:   parsePBSTimestamp(attrs["reserve_end"]),
		})
	}
	return rsvs, nil
}

// qstatServerCommand probes the PBS server state.
type qstatServerCommand struct{}

func (c *qstatServerCommand) Render() string {
	return "qstat -F json -f -B"
}

func (c *qstatServerCommand) Parse(out *command.Output) ([]scheduler.Ping, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var resp struct {
		Server map[string]struct {
			State   string `json:"server_state"`
			Version string `json:"pbs_version"`
		} `json:"Server"`
	}
	if err := json.Unmarshal([]byte(out.Stdout), &resp); err != nil {
		return nil, fcerrors.NewScheduler("Unexpected qstat response:%s", out.Stdout)
	}
	names := make([]string, 0, len(resp.Server))
	for name := range resp.Server {
		names = append(names, name)
	}
	sort.Strings(names)
	pings := make([]scheduler.Ping, 0, len(names))
	for _, name := range names {
		state := scheduler.PingDown
		if strings.EqualFold(resp.Server[name].State, "Active") {
			state = scheduler.PingUp
		}
		pings = append(pings, scheduler.Ping{Hostname: name, Pinged: state})
	}
	return pings, nil
}
