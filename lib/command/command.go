/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package command renders remote shell command lines and parses what they
// print back. Every command is a small value with two halves: Render, which
// produces a shell-safe command line, and Parse, which turns the captured
// stdout/stderr/exit status into a typed result or a typed error.
//
// Commands never talk to the network themselves. They run through a Runner,
// implemented in production by the pooled SSH session.
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// Output carries everything a finished remote process produced.
type Output struct {
	Stdout     string
	Stderr     string
	ExitStatus int
}

// Runner executes one rendered command line on a remote host, optionally
// feeding a single stdin payload before closing the stream.
type Runner interface {
	Run(ctx context.Context, cmdline string, stdin string) (*Output, error)
}

// Command renders a remote shell invocation and parses its output into T.
type Command[T any] interface {
	Render() string
	Parse(out *Output) (T, error)
}

// Execute runs cmd through r and parses the result.
func Execute[T any](ctx context.Context, r Runner, cmd Command[T]) (T, error) {
	return ExecuteStdin(ctx, r, cmd, "")
}

// ExecuteStdin runs cmd through r, feeding stdin to the remote process.
func ExecuteStdin[T any](ctx context.Context, r Runner, cmd Command[T], stdin string) (T, error) {
	var zero T
	out, err := r.Run(ctx, cmd.Render(), stdin)
	if err != nil {
		return zero, trace.Wrap(err)
	}
	parsed, err := cmd.Parse(out)
	if err != nil {
		return zero, trace.Wrap(err)
	}
	return parsed, nil
}

// Quote single-quotes a user-supplied argument for the remote shell.
// Embedded single quotes are closed, escaped and reopened so the argument
// can never break out of the quoted region.
func Quote(arg string) string {
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// ExitError converts a failed remote utility run into a typed error. Exit
// status 124 is the remote timeout wrapper killing the utility; the stderr
// signatures follow the coreutils wording.
func ExitError(out *Output) error {
	msg := fmt.Sprintf("Remote process failed with exit status:%d", out.ExitStatus)
	if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
		msg = fmt.Sprintf("%s and error message:%s", msg, stderr)
	}
	switch {
	case out.ExitStatus == 124:
		return fcerrors.NewTimeout("%s", msg)
	case strings.Contains(out.Stderr, "No such file or directory"):
		return trace.NotFound("%s", msg)
	case strings.Contains(out.Stderr, "Permission denied"):
		return trace.AccessDenied("%s", msg)
	case strings.Contains(out.Stderr, "Operation not permitted"):
		return trace.AccessDenied("%s", msg)
	case strings.Contains(out.Stderr, "File exists"):
		return trace.AlreadyExists("%s", msg)
	case strings.Contains(out.Stderr, "invalid user"):
		return trace.BadParameter("%s", msg)
	default:
		return fcerrors.NewCommand("%s", msg)
	}
}
