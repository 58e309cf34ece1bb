/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package command

import (
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

func TestQuote(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		arg  string
		want string
	}{
		{name: "plain", arg: "/home/user/file.txt", want: "'/home/user/file.txt'"},
		{name: "spaces", arg: "/home/user/my file", want: "'/home/user/my file'"},
		{name: "single quote", arg: "it's", want: `'it'\''s'`},
		{name: "leading dash", arg: "-rf", want: "'-rf'"},
		{name: "empty", arg: "", want: "''"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Quote(tt.arg))
		})
	}
}

func TestExitError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		out     *Output
		checker func(error) bool
	}{
		{
			name:    "timeout wrapper kill",
			out:     &Output{ExitStatus: 124},
			checker: fcerrors.IsTimeout,
		},
		{
			name:    "not found",
			out:     &Output{ExitStatus: 2, Stderr: "ls: cannot access '/nope': No such file or directory"},
			checker: trace.IsNotFound,
		},
		{
			name:    "permission denied",
			out:     &Output{ExitStatus: 1, Stderr: "cat: /etc/shadow: Permission denied"},
			checker: trace.IsAccessDenied,
		},
		{
			name:    "operation not permitted",
			out:     &Output{ExitStatus: 1, Stderr: "chown: changing ownership: Operation not permitted"},
			checker: trace.IsAccessDenied,
		},
		{
			name:    "conflict",
			out:     &Output{ExitStatus: 1, Stderr: "mkdir: cannot create directory '/tmp/x': File exists"},
			checker: trace.IsAlreadyExists,
		},
		{
			name:    "invalid user",
			out:     &Output{ExitStatus: 1, Stderr: "chown: invalid user: 'ghost'"},
			checker: trace.IsBadParameter,
		},
		{
			name:    "unrecognized",
			out:     &Output{ExitStatus: 3, Stderr: "something odd"},
			checker: fcerrors.IsCommand,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ExitError(tt.out)
			require.Error(t, err)
			require.True(t, tt.checker(err), "unexpected error type: %v", err)
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	t.Parallel()
	err := ExitError(&Output{ExitStatus: 3, Stderr: "boom\n"})
	require.EqualError(t, err, "Remote process failed with exit status:3 and error message:boom")
}

type echoRunner struct {
	out     *Output
	cmdline string
	stdin   string
}

func (r *echoRunner) Run(ctx context.Context, cmdline, stdin string) (*Output, error) {
	r.cmdline = cmdline
	r.stdin = stdin
	return r.out, nil
}

func TestExecuteStdin(t *testing.T) {
	t.Parallel()
	runner := &echoRunner{out: &Output{Stdout: "ok"}}
	cmd := &Base64DecodeCommand{TargetPath: "/tmp/out.bin"}
	_, err := ExecuteStdin(context.Background(), runner, cmd, "aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, cmd.Render(), runner.cmdline)
	require.Equal(t, "aGVsbG8=", runner.stdin)
}
