/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package sshpool

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// exitStatusError is satisfied by *ssh.ExitError. Wait errors that do not
// carry an exit status mean the channel died before the remote process
// reported one.
type exitStatusError interface {
	error
	ExitStatus() int
}

// RemoteSession is the single-command view of an SSH channel. *ssh.Session
// satisfies it directly; tests substitute in-memory fakes.
type RemoteSession interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	StderrPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// Conn is the transport under a pooled session.
type Conn interface {
	OpenSession() (RemoteSession, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// Session is one live SSH connection for one user on one cluster. Every
// remote command a request issues runs through a Session obtained from the
// pool. A Session may be closed underneath its holder by the pruner or the
// keepalive loop; commands then fail with a connection error.
type Session struct {
	pool     *Pool
	username string
	conn     Conn

	// lastUsed and closed are guarded by the pool mutex.
	lastUsed time.Time
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// Username returns the remote account this session is logged in as.
func (s *Session) Username() string {
	return s.username
}

// Run executes one command line on the remote host, feeding stdin when not
// empty, and captures stdout and stderr concurrently. Each stream is
// capped at the pool buffer limit; output exactly at the limit is
// returned, anything beyond it aborts the command. A non-zero remote exit
// status is not an error at this layer, it is handed back for the
// command's parser to judge.
func (s *Session) Run(ctx context.Context, cmdline, stdin string) (*command.Output, error) {
	ctx, cancel := context.WithTimeout(ctx, s.pool.cfg.ExecuteTimeout)
	defer cancel()

	remote, err := s.conn.OpenSession()
	if err != nil {
		return nil, fcerrors.NewConnection("Unable to open a new SSH channel.")
	}
	defer remote.Close()

	stdout, err := remote.StdoutPipe()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	stderr, err := remote.StderrPipe()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var stdinPipe io.WriteCloser
	if stdin != "" {
		stdinPipe, err = remote.StdinPipe()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	if err := remote.Start(cmdline); err != nil {
		return nil, fcerrors.NewConnection("Unable to open a new SSH channel.")
	}

	g, gctx := errgroup.WithContext(ctx)

	// The watchdog tears the channel down when the deadline fires or a
	// reader gives up, unblocking whichever side is still waiting.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-gctx.Done():
			remote.Close()
		case <-finished:
		}
	}()

	if stdinPipe != nil {
		go func() {
			io.WriteString(stdinPipe, stdin)
			stdinPipe.Close()
		}()
	}

	var stdoutData, stderrData []byte
	g.Go(func() error {
		data, err := readCapped(stdout, s.pool.cfg.BufferLimit)
		stdoutData = data
		return err
	})
	g.Go(func() error {
		data, err := readCapped(stderr, s.pool.cfg.BufferLimit)
		stderrData = data
		return err
	})
	readErr := g.Wait()
	waitErr := remote.Wait()

	if ctx.Err() != nil {
		return nil, fcerrors.NewTimeout("Command execution timeout limit exceeded.")
	}
	if readErr != nil {
		if fcerrors.IsOutputLimit(readErr) {
			return nil, trace.Wrap(readErr)
		}
		return nil, fcerrors.NewConnection("Unable to establish SSH connection.")
	}

	exitStatus := 0
	if waitErr != nil {
		var exitErr exitStatusError
		if !errors.As(waitErr, &exitErr) {
			return nil, fcerrors.NewConnection("Unable to establish SSH connection.")
		}
		exitStatus = exitErr.ExitStatus()
	}

	s.pool.touch(s)
	s.pool.log.DebugContext(ctx, "Executed remote command", "user", s.username, "command", cmdline, "exit_status", exitStatus)
	return &command.Output{
		Stdout:     string(stdoutData),
		Stderr:     string(stderrData),
		ExitStatus: exitStatus,
	}, nil
}

// keepAliveLoop pings the remote side on a fixed cadence and evicts the
// session after too many consecutive misses.
func (s *Session) keepAliveLoop(interval time.Duration) {
	ticker := s.pool.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	var misses int
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			if _, _, err := s.conn.SendRequest(firecrest.KeepAliveReqType, true, nil); err != nil {
				misses++
				if misses >= defaults.KeepAliveCountMax {
					s.pool.log.WarnContext(context.Background(), "SSH keepalive failed, closing session",
						"user", s.username, "misses", misses, "error", err)
					s.pool.evict(s)
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// closeTransport stops the keepalive loop and closes the underlying
// connection. Only the pool calls this.
func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.pool.log.DebugContext(context.Background(), "Closed SSH connection",
				"user", s.username, "error", err)
		}
	})
}

// readCapped drains r, failing once more than limit bytes arrive.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if int64(len(data)) > limit {
		return nil, fcerrors.NewOutputLimit("Command output exceeded buffer limit.")
	}
	return data, nil
}
