/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package slurm

import (
	"context"
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

// CLIConfig configures a Slurm adapter that drives the command line
// utilities over SSH as the calling user.
type CLIConfig struct {
	// Pool supplies per user SSH sessions to the cluster.
	Pool *sshpool.Pool
	// Clock is used to time controller pings.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *CLIConfig) CheckAndSetDefaults() error {
	if c.Pool == nil {
		return trace.BadParameter("missing ssh pool")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// CLIClient runs sbatch, sacct, scontrol, scancel, srun and sinfo over
// SSH. It works against any Slurm deployment, with or without slurmrestd.
type CLIClient struct {
	cfg CLIConfig
}

// NewCLIClient returns a CLI backed Slurm adapter.
func NewCLIClient(cfg CLIConfig) (*CLIClient, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CLIClient{cfg: cfg}, nil
}

// runOverSSH executes one typed command in a pooled session for the user.
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

// SubmitJob submits the job with sbatch. Inline scripts are fed through
// stdin, on-cluster scripts are passed as the trailing argument.
func (c *CLIClient) SubmitJob(ctx context.Context, user auth.Identity, job *scheduler.JobDescription) (int, error) {
	if job.Script == "" && job.ScriptPath == "" {
		return 0, trace.BadParameter("job script is empty")
	}
	cmd := &sbatchCommand{Job: job}
	id, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, job.Script)
	return id, trace.Wrap(err)
}

// Job returns the accounting record of one job, steps attached as tasks.
func (c *CLIClient) Job(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.Job, error) {
	cmd := &sacctCommand{User: user.Username, JobID: strconv.Itoa(jobID)}
	jobs, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, "")
	return jobs, trace.Wrap(err)
}

// Jobs returns the accounting records of the user's jobs, or of every
// user's with allUsers.
func (c *CLIClient) Jobs(ctx context.Context, user auth.Identity, allUsers bool) ([]scheduler.Job, error) {
	cmd := &sacctCommand{User: user.Username, AllUsers: allUsers}
	jobs, err := runOverSSH(ctx, c.cfg.Pool, user, cmd, "")
	return jobs, trace.Wrap(err)
}

// JobMetadata reports the script and standard stream paths of a job. The
// live record comes from scontrol; once the job has left the controller's
// memory the accounting database still has it on new enough Slurm, so a
// sacct fallback is attempted before giving up.
func (c *CLIClient) JobMetadata(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.JobMetadata, error) {
	meta, err := runOverSSH(ctx, c.cfg.Pool, user, &scontrolJobCommand{JobID: jobID}, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if meta != nil {
		script, err := runOverSSH(ctx, c.cfg.Pool, user, &scontrolBatchScriptCommand{JobID: jobID}, "")
		if err == nil {
			meta.Script = script
		}
		return []scheduler.JobMetadata{*meta}, nil
	}
	return nil, nil
}

// sacctMetadata is the accounting database fallback for JobMetadata,
// available from Slurm 24.05 on.
func (c *CLIClient) sacctMetadata(ctx context.Context, user auth.Identity, jobID int) ([]scheduler.JobMetadata, error) {
	meta, err := runOverSSH(ctx, c.cfg.Pool, user, &sacctMetadataCommand{JobID: jobID}, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if meta == nil {
		return nil, nil
	}
	script, err := runOverSSH(ctx, c.cfg.Pool, user, &sacctBatchScriptCommand{JobID: jobID}, "")
	if err == nil {
		meta.Script = script
	}
	return []scheduler.JobMetadata{*meta}, nil
}

// CancelJob cancels the job with scancel. The user flag is deliberately
// not passed: scancel then relies on the remote identity, which is the
// logged in user, and privileged operators keep their ability to cancel
// foreign jobs.
func (c *CLIClient) CancelJob(ctx context.Context, user auth.Identity, jobID int) error {
	_, err := runOverSSH(ctx, c.cfg.Pool, user, &scancelCommand{JobID: jobID}, "")
	return trace.Wrap(err)
}

// Attach runs a command inside the job's allocation with srun --overlap.
func (c *CLIClient) Attach(ctx context.Context, user auth.Identity, jobID int, cmdline string) error {
	_, err := runOverSSH(ctx, c.cfg.Pool, user, &srunAttachCommand{JobID: jobID, Command: cmdline}, "")
	return trace.Wrap(err)
}

// Nodes lists compute nodes through sinfo, one merged record per node.
func (c *CLIClient) Nodes(ctx context.Context, user auth.Identity) ([]scheduler.Node, error) {
	nodes, err := runOverSSH(ctx, c.cfg.Pool, user, &sinfoNodesCommand{}, "")
	return nodes, trace.Wrap(err)
}

// Partitions lists partitions through scontrol.
func (c *CLIClient) Partitions(ctx context.Context, user auth.Identity) ([]scheduler.Partition, error) {
	parts, err := runOverSSH(ctx, c.cfg.Pool, user, &scontrolPartitionsCommand{}, "")
	return parts, trace.Wrap(err)
}

// Reservations lists advance reservations through scontrol.
func (c *CLIClient) Reservations(ctx context.Context, user auth.Identity) ([]scheduler.Reservation, error) {
	rsvs, err := runOverSSH(ctx, c.cfg.Pool, user, &scontrolReservationsCommand{}, "")
	return rsvs, trace.Wrap(err)
}

// Ping reports controller reachability through scontrol ping, with the
// round trip time of the whole call as latency.
func (c *CLIClient) Ping(ctx context.Context, user auth.Identity) ([]scheduler.Ping, error) {
	started := c.cfg.Clock.Now()
	pings, err := runOverSSH(ctx, c.cfg.Pool, user, &scontrolPingCommand{}, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	latency := c.cfg.Clock.Since(started).Seconds()
	for i := range pings {
		pings[i].Latency = latency
	}
	return pings, nil
}

// sbatchCommand renders one sbatch invocation from a job description.
type sbatchCommand struct {
	Job *scheduler.JobDescription
}

func (c *sbatchCommand) Render() string {
	j := c.Job
	parts := []string{"sbatch"}
	if j.Name != "" {
		parts = append(parts, "--job-name="+command.Quote(j.Name))
	}
	if j.Account != "" {
		parts = append(parts, "--account="+command.Quote(j.Account))
	}
	keys := make([]string, 0, len(j.Environment))
	for k := range j.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)+1)
	pairs = append(pairs, "ALL")
	for _, k := range keys {
		pairs = append(pairs, k+"="+j.Environment[k])
	}
	parts = append(parts, "--export="+command.Quote(strings.Join(pairs, ",")))
	if j.WorkingDirectory != "" {
		parts = append(parts, "--chdir="+command.Quote(j.WorkingDirectory))
	}
	if j.StandardInput != "" {
		parts = append(parts, "--input="+command.Quote(j.StandardInput))
	}
	if j.StandardOutput != "" {
		parts = append(parts, "--output="+command.Quote(j.StandardOutput))
	}
	if j.StandardError != "" {
		parts = append(parts, "--error="+command.Quote(j.StandardError))
	}
	if j.Constraints != "" {
		parts = append(parts, "--constraint="+command.Quote(j.Constraints))
	}
	if j.ScriptPath != "" {
		parts = append(parts, "--", command.Quote(j.ScriptPath))
	}
	return strings.Join(parts, " ")
}

var sbatchJobIDRe = regexp.MustCompile(`(?i)submitted batch job ([0-9]+)`)

func (c *sbatchCommand) Parse(out *command.Output) (int, error) {
	if out.ExitStatus != 0 {
		return 0, command.ExitError(out)
	}
	m := sbatchJobIDRe.FindStringSubmatch(out.Stdout)
	if m == nil {
		return 0, fcerrors.NewScheduler("Unexpected sbatch response:%s %s", out.Stdout, out.Stderr)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fcerrors.NewScheduler("Unexpected sbatch response:%s %s", out.Stdout, out.Stderr)
	}
	return id, nil
}

// sacctFormat is the parsable field list requested from sacct. The parser
// indexes into it by position.
const sacctFormat = "JobID,AllocNodes,Cluster,ExitCode,Group,Account," +
	"JobName,NodeList,Partition,Priority,State,Reason,ElapsedRaw,Submit," +
	"Start,End,Suspended,TimelimitRaw,User,WorkDir"

const sacctFieldCount = 20

// sacctCommand queries the accounting database for jobs.
type sacctCommand struct {
	User     string
	JobID    string
	AllUsers bool
}

func (c *sacctCommand) Render() string {
	parts := []string{"sacct"}
	if c.AllUsers {
		parts = append(parts, "--allusers")
	} else {
		parts = append(parts, "--user="+command.Quote(c.User))
	}
	if c.JobID != "" {
		parts = append(parts, "--jobs="+command.Quote(c.JobID))
	}
	parts = append(parts, "--noheader", "--parsable2", "--format="+command.Quote(sacctFormat))
	return strings.Join(parts, " ")
}

func (c *sacctCommand) Parse(out *command.Output) ([]scheduler.Job, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var jobs []scheduler.Job
	byID := map[int]int{}
	for _, line := range strings.Split(out.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != sacctFieldCount {
			return nil, fcerrors.NewScheduler("Unexpected sacct response:%s", line)
		}
		if strings.Contains(fields[0], ".") {
			// Job steps carry the parent id before the dot and are
			// attached to it as tasks.
			parent, err := strconv.Atoi(strings.SplitN(fields[0], ".", 2)[0])
			if err != nil {
				continue
			}
			idx, ok := byID[parent]
			if !ok {
				continue
			}
			jobs[idx].Tasks = append(jobs[idx].Tasks, scheduler.JobTask{
				ID:     fields[0],
				Name:   fields[6],
				Status: sacctStatus(fields),
			})
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		jobs = append(jobs, scheduler.Job{
			JobID:           id,
			Name:            fields[6],
			Status:          sacctStatus(fields),
			AllocationNodes: parseInt64(fields[1]),
			Cluster:         fields[2],
			Group:           fields[4],
			Account:         fields[5],
			Nodes:           fields[7],
			Partition:       fields[8],
			Priority:        fields[9],
			Time: scheduler.JobTime{
				Elapsed:   parseOptionalInt64(fields[12]),
				Start:     parseSlurmTimestamp(fields[14]),
				End:       parseSlurmTimestamp(fields[15]),
				Suspended: parseSlurmDuration(fields[16]),
				Limit:     parseOptionalInt64(fields[17]),
			},
			User:             fields[18],
			WorkingDirectory: fields[19],
		})
		byID[id] = len(jobs) - 1
	}
	return jobs, nil
}

func sacctStatus(fields []string) scheduler.JobStatus {
	status := scheduler.JobStatus{State: fields[10]}
	if fields[11] != "" && fields[11] != "None" {
		status.StateReason = fields[11]
	}
	// ExitCode prints as "code:signal".
	if code, signal, ok := strings.Cut(fields[3], ":"); ok {
		if v, err := strconv.ParseInt(code, 10, 64); err == nil {
			status.ExitCode = &v
		}
		if v, err := strconv.ParseInt(signal, 10, 64); err == nil && v != 0 {
			status.InterruptSignal = &v
		}
	}
	return status
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseOptionalInt64(s string) *int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}

const slurmTimeLayout = "2006-01-02T15:04:05"

// parseSlurmTimestamp converts an ISO timestamp from Slurm tooling to a
// Unix epoch. The "Unknown" and "None" placeholders map to nil.
func parseSlurmTimestamp(s string) *int64 {
	switch s {
	case "", "Unknown", "None", "N/A", "(null)":
		return nil
	}
	t, err := time.Parse(slurmTimeLayout, s)
	if err != nil {
		return nil
	}
	epoch := t.Unix()
	return &epoch
}

// parseSlurmDuration converts a [D-]HH:MM:SS duration to seconds.
func parseSlurmDuration(s string) *int64 {
	days := int64(0)
	if d, rest, ok := strings.Cut(s, "-"); ok {
		v, err := strconv.ParseInt(d, 10, 64)
		if err != nil {
			return nil
		}
		days = v
		s = rest
	}
	parts := strings.Split(s, ":")
	var total int64
	for _, p := range parts {
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil
		}
		total = total*60 + v
	}
	total += days * 24 * 3600
	return &total
}

// scontrolJobCommand reads the controller's live record of one job.
type scontrolJobCommand struct {
	JobID int
}

func (c *scontrolJobCommand) Render() string {
	return fmt.Sprintf("scontrol show -o  job %d", c.JobID)
}

var (
	scontrolJobIDRe  = regexp.MustCompile(`JobId=(\S+)`)
	scontrolStdInRe  = regexp.MustCompile(`StdIn=(\S+)`)
	scontrolStdOutRe = regexp.MustCompile(`StdOut=(\S+)`)
	scontrolStdErrRe = regexp.MustCompile(`StdErr=(\S+)`)
)

func (c *scontrolJobCommand) Parse(out *command.Output) (*scheduler.JobMetadata, error) {
	// The controller forgets finished jobs; that is not an error here,
	// the caller falls back to accounting.
	if strings.Contains(out.Stderr, "Invalid job id specified") {
		return nil, nil
	}
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	m := scontrolJobIDRe.FindStringSubmatch(out.Stdout)
	if m == nil {
		return nil, nil
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fcerrors.NewScheduler("Unexpected scontrol response:%s", out.Stdout)
	}
	meta := &scheduler.JobMetadata{JobID: id}
	if m := scontrolStdInRe.FindStringSubmatch(out.Stdout); m != nil {
		meta.StandardInput = m[1]
	}
	if m := scontrolStdOutRe.FindStringSubmatch(out.Stdout); m != nil {
		meta.StandardOutput = m[1]
	}
	if m := scontrolStdErrRe.FindStringSubmatch(out.Stdout); m != nil {
		meta.StandardError = m[1]
	}
	return meta, nil
}

// scontrolBatchScriptCommand dumps the submitted batch script to stdout.
type scontrolBatchScriptCommand struct {
	JobID int
}

func (c *scontrolBatchScriptCommand) Render() string {
	return fmt.Sprintf("scontrol write batch_script %d -", c.JobID)
}

func (c *scontrolBatchScriptCommand) Parse(out *command.Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", command.ExitError(out)
	}
	return out.Stdout, nil
}

// sacctMetadataCommand reads stream paths from the accounting database.
// The StdIn, StdOut and StdErr accounting fields exist from Slurm 24.05.
type sacctMetadataCommand struct {
	JobID int
}

func (c *sacctMetadataCommand) Render() string {
	return fmt.Sprintf("sacct --jobs=%s --noheader --parsable2 --format='JobID,StdIn,StdOut,StdErr'",
		command.Quote(strconv.Itoa(c.JobID)))
}

func (c *sacctMetadataCommand) Parse(out *command.Output) (*scheduler.JobMetadata, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	for _, line := range strings.Split(out.Stdout, "\n") {
		fields := strings.Split(line, "|")
		if len(fields) != 4 || strings.Contains(fields[0], ".") {
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		return &scheduler.JobMetadata{
			JobID:          id,
			StandardInput:  fields[1],
			StandardOutput: fields[2],
			StandardError:  fields[3],
		}, nil
	}
	return nil, nil
}

// sacctBatchScriptCommand dumps the stored batch script from accounting.
type sacctBatchScriptCommand struct {
	JobID int
}

func (c *sacctBatchScriptCommand) Render() string {
	return fmt.Sprintf("sacct --jobs=%s --batch-script",
		command.Quote(strconv.Itoa(c.JobID)))
}

func (c *sacctBatchScriptCommand) Parse(out *command.Output) (string, error) {
	if out.ExitStatus != 0 {
		return "", command.ExitError(out)
	}
	// sacct prints a dashed banner above the script.
	lines := strings.Split(out.Stdout, "\n")
	if len(lines) >= 3 && strings.HasPrefix(lines[0], "----") {
		lines = lines[3:]
	}
	return strings.Join(lines, "\n"), nil
}

// scancelCommand cancels one job.
type scancelCommand struct {
	JobID int
}

func (c *scancelCommand) Render() string {
	return fmt.Sprintf("scancel --verbose %d", c.JobID)
}

var scancelErrorRe = regexp.MustCompile(`(?i).+error:.*`)

func (c *scancelCommand) Parse(out *command.Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		return struct{}{}, command.ExitError(out)
	}
	// scancel exits 0 even when cancellation failed; the verbose output
	// on stderr is the only truth.
	if strings.Contains(out.Stderr, "Invalid job id") {
		return struct{}{}, trace.NotFound("Job not found")
	}
	for _, line := range strings.Split(out.Stderr, "\n") {
		if scancelErrorRe.MatchString(line) {
			return struct{}{}, fcerrors.NewScheduler("Unexpected scancel response:%s", line)
		}
	}
	return struct{}{}, nil
}

// srunAttachCommand runs a command line inside a job allocation.
type srunAttachCommand struct {
	JobID   int
	Command string
}

func (c *srunAttachCommand) Render() string {
	return fmt.Sprintf("srun --jobid=%s --overlap %s",
		command.Quote(strconv.Itoa(c.JobID)), c.Command)
}

func (c *srunAttachCommand) Parse(out *command.Output) (struct{}, error) {
	if out.ExitStatus != 0 {
		return struct{}{}, command.ExitError(out)
	}
	return struct{}{}, nil
}

// sinfoFormat keeps one node attribute per pipe separated column; the
// parser below indexes into it by position.
const sinfoFormat = "%z|%c|%O|%e|%f|%N|%o|%n|%T|%R|%w|%v|%m|%C"

const sinfoFieldCount = 14

// sinfoNodesCommand lists every node once per partition; the parser
// merges the rows into one record per node.
type sinfoNodesCommand struct{}

func (c *sinfoNodesCommand) Render() string {
	return fmt.Sprintf("sinfo -N --noheader --format=%s", command.Quote(sinfoFormat))
}

func (c *sinfoNodesCommand) Parse(out *command.Output) ([]scheduler.Node, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var nodes []scheduler.Node
	byName := map[string]int{}
	for _, line := range strings.Split(out.Stdout, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) != sinfoFieldCount {
			return nil, fcerrors.NewScheduler("Unexpected sinfo response:%s", line)
		}
		name := fields[5]
		partition := strings.TrimSuffix(fields[9], "*")
		if idx, ok := byName[name]; ok {
			nodes[idx].Partitions = append(nodes[idx].Partitions, partition)
			continue
		}
		sockets, cores, threads := parseNodeGeometry(fields[0])
		allocCPUs, idleCPUs := parseCPUStates(fields[13])
		node := scheduler.Node{
			Name:          name,
			Sockets:       sockets,
			Cores:         cores,
			Threads:       threads,
			CPUs:          parseInt64(trimSinfoMarkers(fields[1])),
			CPULoad:       parseFloat(fields[2]),
			FreeMemory:    parseInt64(trimSinfoMarkers(fields[3])),
			AllocMemory:   parseInt64(trimSinfoMarkers(fields[12])),
			AllocCPUs:     allocCPUs,
			IdleCPUs:      idleCPUs,
			Address:       fields[6],
			Hostname:      fields[7],
			State:         []string{trimSinfoMarkers(fields[8])},
			Partitions:    []string{partition},
			Weight:        parseInt64(fields[10]),
			SlurmdVersion: fields[11],
		}
		if fields[4] != "" && fields[4] != "(null)" {
			node.Features = strings.Split(fields[4], ",")
		}
		nodes = append(nodes, node)
		byName[name] = len(nodes) - 1
	}
	return nodes, nil
}

// parseNodeGeometry decodes the sockets:cores:threads column. Each of the
// three values is distinct; sinfo may append a "+" when nodes differ.
func parseNodeGeometry(s string) (sockets, cores, threads int64) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, 0, 0
	}
	return parseInt64(trimSinfoMarkers(parts[0])),
		parseInt64(trimSinfoMarkers(parts[1])),
		parseInt64(trimSinfoMarkers(parts[2]))
}

// parseCPUStates decodes the allocated/idle/other/total CPU column.
func parseCPUStates(s string) (alloc, idle int64) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return 0, 0
	}
	return parseInt64(parts[0]), parseInt64(parts[1])
}

// trimSinfoMarkers strips the state and variance markers sinfo appends to
// column values, like the "*" on a down node or the "+" on mixed
// geometry.
func trimSinfoMarkers(s string) string {
	return strings.TrimRight(s, "*~#!%$@^-+")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(trimSinfoMarkers(s), 64)
	return v
}

// scontrolPartitionsCommand lists partitions, one record per line.
type scontrolPartitionsCommand struct{}

func (c *scontrolPartitionsCommand) Render() string {
	return "scontrol -a show -o partitions"
}

var (
	partitionNameRe  = regexp.MustCompile(`PartitionName=(\S+)`)
	partitionStateRe = regexp.MustCompile(`State=(\S+)`)
	partitionCPUsRe  = regexp.MustCompile(`TotalCPUs=(\d+)`)
	partitionNodesRe = regexp.MustCompile(`TotalNodes=(\d+)`)
)

func (c *scontrolPartitionsCommand) Parse(out *command.Output) ([]scheduler.Partition, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	var parts []scheduler.Partition
	for _, line := range strings.Split(out.Stdout, "\n") {
		m := partitionNameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		p := scheduler.Partition{Name: m[1]}
		if m := partitionStateRe.FindStringSubmatch(line); m != nil {
			p.State = m[1]
		}
		if m := partitionCPUsRe.FindStringSubmatch(line); m != nil {
			p.TotalCPUs = parseInt64(m[1])
		}
		if m := partitionNodesRe.FindStringSubmatch(line); m != nil {
			p.TotalNodes = parseInt64(m[1])
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// scontrolReservationsCommand lists advance reservations.
type scontrolReservationsCommand struct{}

func (c *scontrolReservationsCommand) Render() string {
	return "scontrol -a show -o reservations"
}

var (
	reservationNameRe     = regexp.MustCompile(`ReservationName=(\S+)`)
	reservationNodesRe    = regexp.MustCompile(`Nodes=(\S+)`)
	reservationStartRe    = regexp.MustCompile(`StartTime=(\S+)`)
	reservationEndRe      = regexp.MustCompile(`EndTime=(\S+)`)
	reservationFeaturesRe = regexp.MustCompile(`Features=(\S+)`)
)

func (c *scontrolReservationsCommand) Parse(out *command.Output) ([]scheduler.Reservation, error) {
	if out.ExitStatus != 0 {
		return nil, command.ExitError(out)
	}
	if strings.HasPrefix(strings.TrimSpace(out.Stdout), "No reservations") {
		return nil, nil
	}
	var rsvs []scheduler.Reservation
	for _, line := range strings.Split(out.Stdout, "\n") {
		m := reservationNameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		r := scheduler.Reservation{Name: m[1]}
		if m := reservationNodesRe.FindStringSubmatch(line); m != nil && m[1] != "(null)" {
			r.NodeList = m[1]
		}
		if m := reservationStartRe.FindStringSubmatch(line); m != nil {
			r.StartTime = parseSlurmTimestamp(m[1])
		}
		if m := reservationEndRe.FindStringSubmatch(line); m != nil {
			r.EndTime = parseSlurmTimestamp(m[1])
		}
		if m := reservationFeaturesRe.FindStringSubmatch(line); m != nil && m[1] != "(null)" {
			r.Features = strings.Split(m[1], "&")
		}
		rsvs = append(rsvs, r)
	}
	return rsvs, nil
}

// scontrolPingCommand probes the controller daemons.
type scontrolPingCommand struct{}

func (c *scontrolPingCommand) Render() string {
	return "scontrol ping"
}

var scontrolPingRe = regexp.MustCompile(`Slurmctld\((\S+)\) at (\S+) is (\S+)`)

func (c *scontrolPingCommand) Parse(out *command.Output) ([]scheduler.Ping, error) {
	// scontrol ping exits non zero when a controller is down; the output
	// still names every controller and its state.
	var pings []scheduler.Ping
	for _, m := range scontrolPingRe.FindAllStringSubmatch(out.Stdout, -1) {
		pings = append(pings, scheduler.Ping{
			Mode:     m[1],
			Hostname: m[2],
			Pinged:   strings.ToUpper(m[3]),
		})
	}
	if pings == nil {
		if out.ExitStatus != 0 {
			return nil, command.ExitError(out)
		}
		return nil, fcerrors.NewScheduler("Unexpected scontrol response:%s %s", out.Stdout, out.Stderr)
	}
	return pings, nil
}
