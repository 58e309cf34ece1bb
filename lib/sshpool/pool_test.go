/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package sshpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/sshkeys"
)

type fakeProvider struct {
	fetches atomic.Int64
}

func (p *fakeProvider) Fetch(ctx context.Context, username, accessToken string) (*sshkeys.Keys, error) {
	p.fetches.Add(1)
	return &sshkeys.Keys{PrivateKey: "test-key"}, nil
}

type fakeDialer struct {
	err      error
	delay    time.Duration
	makeConn func() *fakeConn

	mu    sync.Mutex
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, username string, keys *sshkeys.Keys) (Conn, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	conn := &fakeConn{}
	if d.makeConn != nil {
		conn = d.makeConn()
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeConn struct {
	remote  RemoteSession
	openErr error
	sendErr error

	mu     sync.Mutex
	pings  int
	closed bool
}

func (c *fakeConn) OpenSession() (RemoteSession, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	if c.remote == nil {
		return newFakeRemote("", ""), nil
	}
	return c.remote, nil
}

func (c *fakeConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	if c.sendErr != nil {
		return false, nil, c.sendErr
	}
	return true, nil, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

type fakeRemote struct {
	stdout       io.Reader
	stderr       io.Reader
	waitErr      error
	waitForStdin bool
	waitForClose bool

	mu        sync.Mutex
	started   string
	stdin     bytes.Buffer
	stdinDone chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeRemote(stdout, stderr string) *fakeRemote {
	return &fakeRemote{
		stdout:    strings.NewReader(stdout),
		stderr:    strings.NewReader(stderr),
		stdinDone: make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

func (f *fakeRemote) StdinPipe() (io.WriteCloser, error) { return &fakeStdin{remote: f}, nil }
func (f *fakeRemote) StdoutPipe() (io.Reader, error)     { return f.stdout, nil }
func (f *fakeRemote) StderrPipe() (io.Reader, error)     { return f.stderr, nil }

func (f *fakeRemote) Start(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = cmd
	return nil
}

func (f *fakeRemote) Wait() error {
	if f.waitForStdin {
		<-f.stdinDone
	}
	if f.waitForClose {
		<-f.closed
	}
	return f.waitErr
}

func (f *fakeRemote) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeRemote) stdinPayload() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdin.String()
}

type fakeStdin struct {
	remote *fakeRemote
	once   sync.Once
}

func (w *fakeStdin) Write(p []byte) (int, error) {
	w.remote.mu.Lock()
	defer w.remote.mu.Unlock()
	w.remote.stdin.Write(p)
	return len(p), nil
}

func (w *fakeStdin) Close() error {
	w.once.Do(func() { close(w.remote.stdinDone) })
	return nil
}

// blockingReader blocks until the fake remote is closed, then reports EOF.
type blockingReader struct {
	unblock chan struct{}
}

func (r *blockingReader) Read(p []byte) (int, error) {
	<-r.unblock
	return 0, io.EOF
}

type fakeExitError struct {
	status int
}

func (e *fakeExitError) Error() string   { return fmt.Sprintf("exit status %d", e.status) }
func (e *fakeExitError) ExitStatus() int { return e.status }

func newTestPool(t *testing.T, mutate func(*Config)) (*Pool, *fakeDialer) {
	t.Helper()
	dialer := &fakeDialer{}
	cfg := Config{
		ClusterName: "daint",
		Host:        "daint.cscs.ch",
		Port:        22,
		Provider:    &fakeProvider{},
		Dialer:      dialer,
		Clock:       clockwork.NewFakeClock(),
		Logger:      slog.New(slog.DiscardHandler),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool, err := NewPool(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool, dialer
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		assertFn func(t *testing.T, err error)
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
			assertFn: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name:   "missing host",
			mutate: func(cfg *Config) { cfg.Host = "" },
			assertFn: func(t *testing.T, err error) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name:   "missing provider",
			mutate: func(cfg *Config) { cfg.Provider = nil },
			assertFn: func(t *testing.T, err error) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
		{
			name: "keepalive not below execute timeout",
			mutate: func(cfg *Config) {
				cfg.KeepAliveInterval = 5 * time.Second
				cfg.ExecuteTimeout = 5 * time.Second
			},
			assertFn: func(t *testing.T, err error) {
				require.True(t, trace.IsBadParameter(err))
				require.ErrorContains(t, err, "keepAlive < commandExecution < idleTimeout")
			},
		},
		{
			name: "execute timeout not below idle timeout",
			mutate: func(cfg *Config) {
				cfg.ExecuteTimeout = 60 * time.Second
				cfg.IdleTimeout = 60 * time.Second
			},
			assertFn: func(t *testing.T, err error) {
				require.True(t, trace.IsBadParameter(err))
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				ClusterName: "daint",
				Host:        "daint.cscs.ch",
				Port:        22,
				Provider:    &fakeProvider{},
			}
			tc.mutate(&cfg)
			tc.assertFn(t, cfg.CheckAndSetDefaults())
		})
	}
}

// TestWithSessionReuse drives fifty concurrent acquisitions for the same
// user through a pool and verifies they coalesce onto a single dialed
// connection.
func TestWithSessionReuse(t *testing.T) {
	provider := &fakeProvider{}
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Provider = provider
		cfg.MaxClients = 10
	})
	dialer.delay = 20 * time.Millisecond

	const calls = 50
	errs := make(chan error, calls)
	var wg sync.WaitGroup
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, dialer.dialCount())
	require.Equal(t, 1, pool.Len())
	// Credential material is fetched per call, before pool admission.
	require.Equal(t, int64(calls), provider.fetches.Load())
}

func TestPoolCapacity(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.MaxClients = 2
	})

	ctx := context.Background()
	noop := func(s *Session) error { return nil }
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.NoError(t, pool.WithSession(ctx, "bob", "token", noop))

	err := pool.WithSession(ctx, "carol", "token", noop)
	require.True(t, fcerrors.IsConnection(err))
	require.ErrorContains(t, err, "SSH connection pool capacity exceeded")

	// Existing users keep their sessions, nothing was dequeued.
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.Equal(t, 2, dialer.dialCount())
	require.Equal(t, 2, pool.Len())
}

func TestPruneIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	idleTimeout := 60 * time.Second
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.IdleTimeout = idleTimeout
	})

	ctx := context.Background()
	noop := func(s *Session) error { return nil }
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.Equal(t, 1, pool.Len())

	// Exactly at the idle timeout the session must survive.
	clock.Advance(idleTimeout)
	pool.Prune()
	require.Equal(t, 1, pool.Len())
	require.False(t, dialer.conns[0].isClosed())

	// One second past it the session is closed and dropped.
	clock.Advance(time.Second)
	pool.Prune()
	require.Equal(t, 0, pool.Len())
	require.True(t, dialer.conns[0].isClosed())

	// The next acquisition dials a fresh connection.
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.Equal(t, 2, dialer.dialCount())
}

func TestPruneKeepsRecentlyUsed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.IdleTimeout = 60 * time.Second
	})

	ctx := context.Background()
	noop := func(s *Session) error { return nil }
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.NoError(t, pool.WithSession(ctx, "bob", "token", noop))

	// Alice comes back half way through, bob stays idle.
	clock.Advance(40 * time.Second)
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	clock.Advance(30 * time.Second)
	pool.Prune()

	require.Equal(t, 1, pool.Len())
	require.Equal(t, 2, dialer.dialCount())
	require.NoError(t, pool.WithSession(ctx, "alice", "token", noop))
	require.Equal(t, 2, dialer.dialCount())
}

func TestDialErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		dialErr  error
		assertFn func(t *testing.T, err error)
	}{
		{
			name:    "refused",
			dialErr: errors.New("connection refused"),
			assertFn: func(t *testing.T, err error) {
				require.True(t, fcerrors.IsConnection(err))
				require.ErrorContains(t, err, "Unable to establish SSH connection.")
			},
		},
		{
			name:    "deadline",
			dialErr: context.DeadlineExceeded,
			assertFn: func(t *testing.T, err error) {
				require.True(t, fcerrors.IsTimeout(err))
				require.ErrorContains(t, err, "SSH connection timeout limit exceeded.")
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool, dialer := newTestPool(t, nil)
			dialer.err = tc.dialErr
			err := pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
				return nil
			})
			tc.assertFn(t, err)
			require.Equal(t, 0, pool.Len())
		})
	}
}

func TestPoolClosed(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	require.NoError(t, pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
		return nil
	}))
	require.NoError(t, pool.Close())

	err := pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
		return nil
	})
	require.True(t, fcerrors.IsConnection(err))
}

func TestKeepAliveEvictsDeadSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	interval := 2 * time.Second
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clock
		cfg.KeepAliveInterval = interval
	})
	dialer.makeConn = func() *fakeConn {
		return &fakeConn{sendErr: errors.New("connection lost")}
	}

	require.NoError(t, pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
		return nil
	}))
	require.Equal(t, 1, pool.Len())
	conn := dialer.conns[0]
	// Wait for the keepalive ticker to arm before advancing the clock.
	clock.BlockUntil(1)

	// Three unanswered keepalives close the session. Each advance is
	// acknowledged before the next so the ticker cannot coalesce them.
	for i := 1; i <= 3; i++ {
		clock.Advance(interval)
		require.Eventually(t, func() bool {
			return conn.pingCount() >= i
		}, 2*time.Second, time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return pool.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, conn.isClosed())
}

func runOnSession(t *testing.T, pool *Pool, cmdline, stdin string) (*command.Output, error) {
	t.Helper()
	var out *command.Output
	err := pool.WithSession(context.Background(), "alice", "token", func(s *Session) error {
		var err error
		out, err = s.Run(context.Background(), cmdline, stdin)
		return err
	})
	return out, err
}

func TestRunCapturesOutput(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	remote := newFakeRemote("hello\n", "warning\n")
	remote.waitErr = &fakeExitError{status: 3}
	dialer.makeConn = func() *fakeConn { return &fakeConn{remote: remote} }

	out, err := runOnSession(t, pool, "echo hello", "")
	require.NoError(t, err)
	require.Equal(t, "hello\n", out.Stdout)
	require.Equal(t, "warning\n", out.Stderr)
	require.Equal(t, 3, out.ExitStatus)
	require.Equal(t, "echo hello", remote.started)
}

func TestRunBufferLimit(t *testing.T) {
	const limit = 8
	tests := []struct {
		name   string
		stdout string
		stderr string
		capped bool
	}{
		{name: "under the limit", stdout: "1234567", capped: false},
		{name: "exactly at the limit", stdout: "12345678", capped: false},
		{name: "stdout over the limit", stdout: "123456789", capped: true},
		{name: "stderr over the limit", stderr: "123456789", capped: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pool, dialer := newTestPool(t, func(cfg *Config) {
				cfg.Clock = clockwork.NewRealClock()
				cfg.BufferLimit = limit
			})
			remote := newFakeRemote(tc.stdout, tc.stderr)
			dialer.makeConn = func() *fakeConn { return &fakeConn{remote: remote} }

			out, err := runOnSession(t, pool, "cat big", "")
			if tc.capped {
				require.True(t, fcerrors.IsOutputLimit(err))
				require.ErrorContains(t, err, "Command output exceeded buffer limit.")
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.stdout, out.Stdout)
			require.Equal(t, tc.stderr, out.Stderr)
		})
	}
}

func TestRunTimeout(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
		cfg.KeepAliveInterval = 10 * time.Millisecond
		cfg.ExecuteTimeout = 50 * time.Millisecond
		cfg.IdleTimeout = time.Second
	})
	remote := newFakeRemote("", "")
	remote.stdout = &blockingReader{unblock: remote.closed}
	remote.waitForClose = true
	dialer.makeConn = func() *fakeConn { return &fakeConn{remote: remote} }

	_, err := runOnSession(t, pool, "sleep 600", "")
	require.True(t, fcerrors.IsTimeout(err))
	require.ErrorContains(t, err, "Command execution timeout limit exceeded.")
}

func TestRunFeedsStdin(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	remote := newFakeRemote("", "")
	remote.waitForStdin = true
	dialer.makeConn = func() *fakeConn { return &fakeConn{remote: remote} }

	_, err := runOnSession(t, pool, "sbatch /dev/stdin", "#!/bin/bash\ntrue\n")
	require.NoError(t, err)
	require.Equal(t, "#!/bin/bash\ntrue\n", remote.stdinPayload())
}

func TestRunConnectionLost(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	remote := newFakeRemote("", "")
	remote.waitErr = errors.New("ssh: connection reset")
	dialer.makeConn = func() *fakeConn { return &fakeConn{remote: remote} }

	_, err := runOnSession(t, pool, "hostname", "")
	require.True(t, fcerrors.IsConnection(err))
	require.ErrorContains(t, err, "Unable to establish SSH connection.")
}

func TestRunChannelOpenFailure(t *testing.T) {
	pool, dialer := newTestPool(t, func(cfg *Config) {
		cfg.Clock = clockwork.NewRealClock()
	})
	dialer.makeConn = func() *fakeConn {
		return &fakeConn{openErr: errors.New("administratively prohibited")}
	}

	_, err := runOnSession(t, pool, "hostname", "")
	require.True(t, fcerrors.IsConnection(err))
	require.ErrorContains(t, err, "Unable to open a new SSH channel.")
}
