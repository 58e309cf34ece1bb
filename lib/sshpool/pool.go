/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package sshpool maintains one SSH connection pool per cluster. A pool
// holds at most one live session per user, hands it out for the duration
// of a callback and reaps sessions that sit idle for too long. Capacity is
// a hard cap: when the pool is full, new users are rejected rather than
// queued, and the caller retries at the HTTP layer.
package sshpool

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/command"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
	"github.com/eth-cscs/firecrest/lib/sshkeys"
)

// Config holds the sshpool configuration for one cluster.
type Config struct {
	// ClusterName names the cluster this pool serves, for logging.
	ClusterName string
	// Host is the cluster node to dial.
	Host string
	// Port is the SSH port on Host.
	Port int
	// ProxyHost optionally names a jump host dialed before Host.
	ProxyHost string
	// ProxyPort is the SSH port on ProxyHost.
	ProxyPort int
	// Provider supplies per-user SSH credential material.
	Provider sshkeys.Provider
	// MaxClients caps the number of live sessions in the pool.
	MaxClients int
	// ConnectTimeout bounds the TCP dial of each hop.
	ConnectTimeout time.Duration
	// LoginTimeout bounds the SSH handshake of each hop.
	LoginTimeout time.Duration
	// ExecuteTimeout bounds one remote command execution.
	ExecuteTimeout time.Duration
	// IdleTimeout is how long an unused session survives pruning.
	IdleTimeout time.Duration
	// KeepAliveInterval is how often a session pings the remote side.
	KeepAliveInterval time.Duration
	// BufferLimit caps captured stdout and stderr, each.
	BufferLimit int64
	// HostKeyCallback verifies remote host keys. When unset host keys
	// are not checked, matching clusters that reissue host certificates
	// on every image rebuild.
	HostKeyCallback ssh.HostKeyCallback
	// Dialer opens the SSH transport. Overridden in tests.
	Dialer Dialer
	// Clock is the time source, faked in tests.
	Clock clockwork.Clock
	// Logger emits pool lifecycle events.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the configuration and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ClusterName == "" {
		return trace.BadParameter("missing parameter ClusterName")
	}
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port == 0 {
		return trace.BadParameter("missing parameter Port")
	}
	if c.Provider == nil {
		return trace.BadParameter("missing parameter Provider")
	}
	if c.ProxyHost != "" && c.ProxyPort == 0 {
		c.ProxyPort = 22
	}
	if c.MaxClients == 0 {
		c.MaxClients = defaults.MaxSSHClients
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = defaults.SSHConnectTimeout
	}
	if c.LoginTimeout == 0 {
		c.LoginTimeout = defaults.SSHLoginTimeout
	}
	if c.ExecuteTimeout == 0 {
		c.ExecuteTimeout = defaults.SSHExecuteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.SSHIdleTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaults.SSHKeepAliveInterval
	}
	if c.BufferLimit == 0 {
		c.BufferLimit = defaults.CommandBufferLimit
	}
	if c.KeepAliveInterval >= c.ExecuteTimeout || c.ExecuteTimeout >= c.IdleTimeout {
		return trace.BadParameter(
			"ssh timeouts must satisfy keepAlive < commandExecution < idleTimeout, got keepAlive=%v commandExecution=%v idleTimeout=%v",
			c.KeepAliveInterval, c.ExecuteTimeout, c.IdleTimeout)
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	if c.Dialer == nil {
		c.Dialer = &hostDialer{
			host:            c.Host,
			port:            c.Port,
			proxyHost:       c.ProxyHost,
			proxyPort:       c.ProxyPort,
			connectTimeout:  c.ConnectTimeout,
			loginTimeout:    c.LoginTimeout,
			hostKeyCallback: c.HostKeyCallback,
		}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With(firecrest.Component, firecrest.ComponentPool, "cluster", c.ClusterName)
	return nil
}

// Pool hands out SSH sessions keyed by username. Safe for concurrent use.
type Pool struct {
	cfg Config
	log *slog.Logger

	// group coalesces concurrent dials for the same username so that a
	// burst of requests opens exactly one connection.
	group singleflight.Group

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewPool returns an empty pool for one cluster.
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*Session),
	}, nil
}

// WithSession runs fn with a live session for username, reusing the pooled
// one when present. The session stays in the pool afterwards; the pruner
// owns its lifetime. Credential material is fetched before any pool state
// is touched, since minting has its own timeout.
func (p *Pool) WithSession(ctx context.Context, username, accessToken string, fn func(*Session) error) error {
	keys, err := p.cfg.Provider.Fetch(ctx, username, accessToken)
	if err != nil {
		return trace.Wrap(err)
	}
	session, err := p.acquire(ctx, username, keys)
	if err != nil {
		return trace.Wrap(err)
	}
	err = fn(session)
	p.touch(session)
	return trace.Wrap(err)
}

// Run executes one command line as username, pooling the connection. It
// is the single call most consumers need; WithSession remains for callers
// batching several commands over one session.
func (p *Pool) Run(ctx context.Context, username, accessToken, cmdline, stdin string) (*command.Output, error) {
	var out *command.Output
	err := p.WithSession(ctx, username, accessToken, func(s *Session) error {
		var err error
		out, err = s.Run(ctx, cmdline, stdin)
		return err
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// Len returns the number of pooled sessions, including ones already marked
// closed but not yet pruned.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Prune closes sessions that have been idle longer than the idle timeout
// and drops every entry already marked closed. Called on a fixed cadence
// by the service supervisor. Closing a session a request still holds is
// allowed; the request surfaces the lost connection as a connection error.
func (p *Pool) Prune() {
	now := p.cfg.Clock.Now()
	var idle []*Session
	p.mu.Lock()
	for username, s := range p.sessions {
		if !s.closed && now.Sub(s.lastUsed) > p.cfg.IdleTimeout {
			s.closed = true
			idle = append(idle, s)
		}
		if s.closed {
			delete(p.sessions, username)
		}
	}
	p.mu.Unlock()
	for _, s := range idle {
		s.closeTransport()
	}
	if len(idle) > 0 {
		p.log.DebugContext(context.Background(), "Pruned idle SSH sessions", "count", len(idle))
	}
}

// Close closes every pooled session and rejects further acquisitions.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		s.closed = true
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()
	for _, s := range sessions {
		s.closeTransport()
	}
	return nil
}

func (p *Pool) acquire(ctx context.Context, username string, keys *sshkeys.Keys) (*Session, error) {
	if s := p.lookup(username); s != nil {
		return s, nil
	}
	v, err, _ := p.group.Do(username, func() (any, error) {
		if s := p.lookup(username); s != nil {
			return s, nil
		}
		if err := p.admit(); err != nil {
			return nil, trace.Wrap(err)
		}
		conn, err := p.connect(ctx, username, keys)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return p.insert(username, conn)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	session, ok := v.(*Session)
	if !ok {
		return nil, trace.BadParameter("unexpected type %T received for pooled session", v)
	}
	return session, nil
}

// lookup returns the live session for username, refreshing its idle stamp,
// or nil when none exists.
func (p *Pool) lookup(username string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[username]
	if s == nil || s.closed {
		return nil
	}
	s.lastUsed = p.cfg.Clock.Now()
	return s
}

func (p *Pool) admit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fcerrors.NewConnection("SSH connection pool is closed")
	}
	if len(p.sessions) >= p.cfg.MaxClients {
		return fcerrors.NewConnection("SSH connection pool capacity exceeded")
	}
	return nil
}

func (p *Pool) connect(ctx context.Context, username string, keys *sshkeys.Keys) (Conn, error) {
	conn, err := p.cfg.Dialer.Dial(ctx, username, keys)
	if err != nil {
		p.log.WarnContext(ctx, "SSH dial failed", "user", username, "error", err)
		switch {
		case fcerrors.IsConnection(err), fcerrors.IsTimeout(err), fcerrors.IsCredentials(err):
			return nil, trace.Wrap(err)
		case isTimeout(err):
			return nil, fcerrors.NewTimeout("SSH connection timeout limit exceeded.")
		default:
			return nil, fcerrors.NewConnection("Unable to establish SSH connection.")
		}
	}
	return conn, nil
}

// insert records a freshly dialed connection in the pool. The capacity and
// duplicate checks run again here: the lock was not held while dialing, so
// another goroutine may have filled the pool or inserted the same user.
func (p *Pool) insert(username string, conn Conn) (*Session, error) {
	now := p.cfg.Clock.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, fcerrors.NewConnection("SSH connection pool is closed")
	}
	if existing := p.sessions[username]; existing != nil && !existing.closed {
		existing.lastUsed = now
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	if len(p.sessions) >= p.cfg.MaxClients {
		p.mu.Unlock()
		conn.Close()
		return nil, fcerrors.NewConnection("SSH connection pool capacity exceeded")
	}
	s := &Session{
		pool:     p,
		username: username,
		conn:     conn,
		lastUsed: now,
		done:     make(chan struct{}),
	}
	p.sessions[username] = s
	p.mu.Unlock()
	go s.keepAliveLoop(p.cfg.KeepAliveInterval)
	p.log.DebugContext(context.Background(), "Opened SSH session", "user", username)
	return s, nil
}

// touch refreshes the idle stamp of a session after use.
func (p *Pool) touch(s *Session) {
	p.mu.Lock()
	s.lastUsed = p.cfg.Clock.Now()
	p.mu.Unlock()
}

// evict removes a session whose transport failed, then closes it.
func (p *Pool) evict(s *Session) {
	p.mu.Lock()
	s.closed = true
	if current, ok := p.sessions[s.username]; ok && current == s {
		delete(p.sessions, s.username)
	}
	p.mu.Unlock()
	s.closeTransport()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Dialer opens the SSH transport for a user. The production implementation
// dials the cluster node, optionally through a jump proxy, honoring the
// connect and login timeouts independently on each hop.
type Dialer interface {
	Dial(ctx context.Context, username string, keys *sshkeys.Keys) (Conn, error)
}

type hostDialer struct {
	host            string
	port            int
	proxyHost       string
	proxyPort       int
	connectTimeout  time.Duration
	loginTimeout    time.Duration
	hostKeyCallback ssh.HostKeyCallback
}

func (d *hostDialer) Dial(ctx context.Context, username string, keys *sshkeys.Keys) (Conn, error) {
	auth, err := keys.AuthMethod()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: d.hostKeyCallback,
	}

	targetAddr := net.JoinHostPort(d.host, strconv.Itoa(d.port))
	if d.proxyHost == "" {
		client, err := d.dialHop(ctx, targetAddr, clientCfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &sshConn{client: client}, nil
	}

	proxyAddr := net.JoinHostPort(d.proxyHost, strconv.Itoa(d.proxyPort))
	proxy, err := d.dialHop(ctx, proxyAddr, clientCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tunnel, err := proxy.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		proxy.Close()
		return nil, trace.Wrap(err)
	}
	client, err := d.handshake(tunnel, targetAddr, clientCfg)
	if err != nil {
		proxy.Close()
		return nil, trace.Wrap(err)
	}
	return &sshConn{client: client, proxy: proxy}, nil
}

func (d *hostDialer) dialHop(ctx context.Context, addr string, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	dialer := net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return d.handshake(conn, addr, clientCfg)
}

// handshake completes the SSH handshake over an established transport,
// bounded by the login timeout.
func (d *hostDialer) handshake(conn net.Conn, addr string, clientCfg *ssh.ClientConfig) (*ssh.Client, error) {
	if err := conn.SetDeadline(time.Now().Add(d.loginTimeout)); err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, trace.Wrap(err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		cc.Close()
		return nil, trace.Wrap(err)
	}
	return ssh.NewClient(cc, chans, reqs), nil
}

// sshConn adapts *ssh.Client to the Conn interface, closing the proxy hop
// together with the client when one exists.
type sshConn struct {
	client *ssh.Client
	proxy  *ssh.Client
}

func (c *sshConn) OpenSession() (RemoteSession, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

func (c *sshConn) SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error) {
	return c.client.SendRequest(name, wantReply, payload)
}

func (c *sshConn) Close() error {
	err := c.client.Close()
	if c.proxy != nil {
		if perr := c.proxy.Close(); err == nil {
			err = perr
		}
	}
	return trace.Wrap(err)
}
