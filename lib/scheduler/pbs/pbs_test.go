/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package pbs

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/scheduler"
)

func TestQsubRender(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		job  scheduler.JobDescription
		want string
	}{
		{
			name: "inline script",
			job: scheduler.JobDescription{
				Name:             "transfer",
				WorkingDirectory: "/scratch/alice",
				StandardOutput:   "/scratch/alice/out.log",
				StandardError:    "/scratch/alice/err.log",
				Environment:      map[string]string{"PATH": "/bin:/usr/bin"},
				Script:           "#!/bin/bash\ntrue\n",
			},
			want: "cd '/scratch/alice' && qsub -N 'transfer' -v 'PATH=/bin:/usr/bin' " +
				"-o '/scratch/alice/out.log' -e '/scratch/alice/err.log'",
		},
		{
			name: "script on cluster inherits environment",
			job: scheduler.JobDescription{
				Account:    "csstaff",
				ScriptPath: "/home/alice/run.sh",
			},
			want: "qsub -P 'csstaff' -V -- '/home/alice/run.sh'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &qsubCommand{Job: &tt.job}
			require.Equal(t, tt.want, cmd.Render())
		})
	}
}

func TestQsubParse(t *testing.T) {
	t.Parallel()
	cmd := &qsubCommand{Job: &scheduler.JobDescription{}}
	id, err := cmd.Parse(&command.Output{Stdout: "4242.pbs-server.cluster\n"})
	require.NoError(t, err)
	require.Equal(t, 4242, id)

	_, err = cmd.Parse(&command.Output{Stdout: "garbage"})
	require.Error(t, err)
}

const qstatJobsJSON = `{
	"Jobs": {
		"100.pbs-server": {
			"Job_Name": "sim",
			"Job_Owner": "alice@login01",
			"job_state": "F",
			"queue": "workq",
			"project": "prj1",
			"Exit_status": 0,
			"exec_host": "node01/0*8",
			"stime": "Tue Jan  2 01:00:00 2024",
			"mtime": "Tue Jan  2 02:00:00 2024",
			"Output_Path": "login01:/scratch/alice/out.log",
			"Error_Path": "login01:/scratch/alice/err.log",
			"resources_used": {"walltime": "01:00:00"},
			"Resource_List": {"nodect": 1},
			"Variable_List": {"PBS_O_WORKDIR": "/scratch/alice"}
		},
		"101.pbs-server": {
			"Job_Name": "other",
			"Job_Owner": "bob@login01",
			"job_state": "R",
			"queue": "workq"
		}
	}
}`

func TestQstatJobsParse(t *testing.T) {
	t.Parallel()
	cmd := &qstatJobsCommand{}
	require.Equal(t, "qstat -F json -f -x", cmd.Render())

	jobs, err := cmd.Parse(&command.Output{Stdout: qstatJobsJSON})
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	job := jobs[0]
	require.Equal(t, 100, job.JobID)
	require.Equal(t, "sim", job.Name)
	require.Equal(t, "alice", job.User)
	require.Equal(t, "F", job.Status.State)
	require.NotNil(t, job.Status.ExitCode)
	require.Equal(t, int64(0), *job.Status.ExitCode)
	require.Equal(t, "workq", job.Partition)
	require.Equal(t, "prj1", job.Account)
	require.Equal(t, "/scratch/alice", job.WorkingDirectory)
	require.NotNil(t, job.Time.Elapsed)
	require.Equal(t, int64(3600), *job.Time.Elapsed)
	require.NotNil(t, job.Time.Start)
	require.Equal(t, time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC).Unix(), *job.Time.Start)
	require.NotNil(t, job.Time.End)

	require.Equal(t, "bob", jobs[1].User)
	require.Nil(t, jobs[1].Status.ExitCode)
	require.Nil(t, jobs[1].Time.End)
}

func TestQstatUnknownJob(t *testing.T) {
	t.Parallel()
	cmd := &qstatJobsCommand{JobID: "999"}
	jobs, err := cmd.Parse(&command.Output{
		ExitStatus: 1,
		Stderr:     "qstat: Unknown Job Id 999.pbs-server",
	})
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestQstatMetadataParse(t *testing.T) {
	t.Parallel()
	cmd := &qstatMetadataCommand{JobID: 100}
	meta, err := cmd.Parse(&command.Output{Stdout: qstatJobsJSON})
	require.NoError(t, err)
	require.NotNil(t, meta)
	require.Equal(t, 100, meta.JobID)
	require.Equal(t, "/scratch/alice/out.log", meta.StandardOutput)
	require.Equal(t, "/scratch/alice/err.log", meta.StandardError)
	require.Empty(t, meta.Script)
}

func TestQdelParse(t *testing.T) {
	t.Parallel()
	cmd := &qdelCommand{JobID: 100}
	require.Equal(t, "qdel 100", cmd.Render())

	_, err := cmd.Parse(&command.Output{})
	require.NoError(t, err)

	_, err = cmd.Parse(&command.Output{
		ExitStatus: 1,
		Stderr:     "qdel: Unknown Job Id 100.pbs-server",
	})
	require.True(t, trace.IsNotFound(err))
}

func TestPbsnodesParse(t *testing.T) {
	t.Parallel()
	cmd := &pbsnodesCommand{}
	nodes, err := cmd.Parse(&command.Output{Stdout: `{
		"nodes": {
			"node01": {
				"state": "free",
				"pcpus": 64,
				"resources_available": {"ncpus": 64, "mem": "256gb"},
				"resources_assigned": {"ncpus": 8, "mem": "32gb"}
			},
			"node02": {
				"state": "down,offline",
				"pcpus": 8
			}
		}
	}`})
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	n := nodes[0]
	require.Equal(t, "node01", n.Name)
	require.Equal(t, int64(64), n.CPUs)
	require.Equal(t, int64(8), n.AllocCPUs)
	require.Equal(t, int64(56), n.IdleCPUs)
	require.Equal(t, []string{"free"}, n.State)
	require.Equal(t, int64(256*1024), n.FreeMemory)
	require.Equal(t, int64(32*1024), n.AllocMemory)

	require.Equal(t, []string{"down", "offline"}, nodes[1].State)
	require.Equal(t, int64(8), nodes[1].CPUs)
}

func TestQueuesParse(t *testing.T) {
	t.Parallel()
	cmd := &qstatQueuesCommand{}
	parts, err := cmd.Parse(&command.Output{Stdout: `{
		"Queue": {
			"workq": {"enabled": "True", "started": "True", "resources_assigned": {"ncpus": 128}},
			"drain": {"enabled": "True", "started": "False"}
		}
	}`})
	require.NoError(t, err)
	require.Equal(t, []scheduler.Partition{
		{Name: "drain", State: "DOWN"},
		{Name: "workq", State: "UP", TotalCPUs: 128},
	}, parts)
}

func TestRstatParse(t *testing.T) {
	t.Parallel()
	cmd := &rstatCommand{}
	rsvs, err := cmd.Parse(&command.Output{Stdout: `Resv ID: R100.pbs-server
Reserve_Name = maintenance
reserve_start = Tue Jan  2 00:00:00 2024
reserve_end = Wed Jan  3 00:00:00 2024
resv_nodes = (node01:ncpus=64)+(node02:ncpus=64)
Resv ID: R101.pbs-server
reserve_start = Thu Jan  4 00:00:00 2024
`})
	require.NoError(t, err)
	require.Len(t, rsvs, 2)

	require.Equal(t, "maintenance", rsvs[0].Name)
	require.Equal(t, "(node01:ncpus=64)+(node02:ncpus=64)", rsvs[0].NodeList)
	require.NotNil(t, rsvs[0].StartTime)
	require.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).Unix(), *rsvs[0].StartTime)
	require.NotNil(t, rsvs[0].EndTime)

	// Without a name the reservation id identifies it.
	require.Equal(t, "R101.pbs-server", rsvs[1].Name)
	require.Nil(t, rsvs[1].EndTime)
}

func TestServerPingParse(t *testing.T) {
	t.Parallel()
	cmd := &qstatServerCommand{}
	pings, err := cmd.Parse(&command.Output{Stdout: `{
		"Server": {"pbs-server": {"server_state": "Active", "pbs_version": "2024.1.0"}}
	}`})
	require.NoError(t, err)
	require.Equal(t, []scheduler.Ping{{Hostname: "pbs-server", Pinged: "UP"}}, pings)
}

func TestParsePBSMem(t *testing.T) {
	t.Parallel()
	require.Equal(t, int64(256*1024), parsePBSMem("256gb"))
	require.Equal(t, int64(1024), parsePBSMem("1048576kb"))
	require.Equal(t, int64(512), parsePBSMem("512mb"))
	require.Equal(t, int64(0), parsePBSMem(""))
}
