/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package config loads and validates the gateway configuration: one YAML
// file describing authentication, SSH credentials, the cluster fleet and
// the staging object store. Cluster records are immutable after load;
// runtime state such as health samples lives elsewhere.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	firecrest "github.com/eth-cscs/firecrest"
	"github.com/eth-cscs/firecrest/lib/defaults"
)

// Config is the root of the YAML configuration file.
type Config struct {
	AppDebug     bool        `yaml:"appDebug,omitempty"`
	AppVersion   string      `yaml:"appVersion,omitempty"`
	APIsRootPath string      `yaml:"apisRootPath,omitempty"`
	ListenAddr   string      `yaml:"listenAddr,omitempty"`
	DocServers   []DocServer `yaml:"docServers,omitempty"`

	Auth           Auth           `yaml:"auth"`
	SSHCredentials SSHCredentials `yaml:"sshCredentials"`
	Clusters       ClusterList    `yaml:"clusters"`
	Storage        *Storage       `yaml:"storage,omitempty"`
}

// DocServer is advertised in the generated OpenAPI document.
type DocServer struct {
	URL         string            `yaml:"url"`
	Description string            `yaml:"description,omitempty"`
	Variables   map[string]string `yaml:"variables,omitempty"`
}

// Auth groups authentication and authorization settings.
type Auth struct {
	Authentication OIDC     `yaml:"authentication"`
	Authorization  *OpenFGA `yaml:"authorization,omitempty"`
}

// OIDC describes the identity provider tokens are issued by. The token URL
// doubles as the client-credentials endpoint for service accounts.
type OIDC struct {
	Scopes      map[string]string `yaml:"scopes,omitempty"`
	TokenURL    string            `yaml:"tokenUrl"`
	PublicCerts []string          `yaml:"publicCerts,omitempty"`
}

// OpenFGA configures the relationship based authorization service.
type OpenFGA struct {
	URL            string `yaml:"url"`
	Timeout        int    `yaml:"timeout,omitempty"`
	MaxConnections int    `yaml:"maxConnections,omitempty"`
}

// SSHCredentials selects how user SSH keys are obtained: a key minting
// service, or a static per-user map. Exactly one mode is active.
type SSHCredentials struct {
	Service *KeysService        `yaml:"-"`
	Users   map[string]UserKeys `yaml:"-"`
}

// KeysService points at the external SSH key minting service.
type KeysService struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"maxConnections,omitempty"`
}

// UserKeys is one user's statically configured SSH credential material.
type UserKeys struct {
	PrivateKey Secret `yaml:"privateKey"`
	PublicCert string `yaml:"publicCert,omitempty"`
	Passphrase Secret `yaml:"passphrase,omitempty"`
}

// UnmarshalYAML accepts either the service form (a mapping with a url key)
// or the static map form (username to keys).
func (c *SSHCredentials) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return trace.BadParameter("sshCredentials must be a mapping")
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "url" {
			var svc KeysService
			if err := node.Decode(&svc); err != nil {
				return trace.Wrap(err)
			}
			c.Service = &svc
			return nil
		}
	}
	var users map[string]UserKeys
	if err := node.Decode(&users); err != nil {
		return trace.Wrap(err)
	}
	c.Users = users
	return nil
}

// CheckAndSetDefaults validates that exactly one credential mode is set.
func (c *SSHCredentials) CheckAndSetDefaults() error {
	switch {
	case c.Service != nil:
		if c.Service.URL == "" {
			return trace.BadParameter("sshCredentials service url is empty")
		}
		if c.Service.MaxConnections == 0 {
			c.Service.MaxConnections = 100
		}
	case len(c.Users) > 0:
		for user, keys := range c.Users {
			if keys.PrivateKey == "" {
				return trace.BadParameter("sshCredentials for user %q has no private key", user)
			}
		}
	default:
		return trace.BadParameter("missing sshCredentials: configure a keys service url or a user key map")
	}
	return nil
}

// ClusterList holds the cluster fleet. The YAML value is either an inline
// list or the literal string "path:/dir", in which case one cluster is
// loaded from every YAML file under that directory.
type ClusterList struct {
	Clusters []Cluster
	// Dir is set when the YAML value was the path: form; Load resolves
	// it against the filesystem.
	Dir string
}

// UnmarshalYAML handles both accepted shapes.
func (l *ClusterList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return trace.Wrap(err)
		}
		dir, ok := strings.CutPrefix(raw, "path:")
		if !ok {
			return trace.BadParameter("clusters must be a list or a path:/dir reference, got %q", raw)
		}
		l.Dir = dir
		return nil
	}
	return trace.Wrap(node.Decode(&l.Clusters))
}

// resolve loads the per-cluster files when the path: form was used.
func (l *ClusterList) resolve() error {
	if l.Dir == "" {
		return nil
	}
	err := filepath.WalkDir(l.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		defer f.Close()
		var cluster Cluster
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cluster); err != nil {
			return trace.BadParameter("cluster file %v: %v", path, err)
		}
		l.Clusters = append(l.Clusters, cluster)
		return nil
	})
	return trace.Wrap(err)
}

// Cluster describes one HPC system: how to reach it over SSH, which
// scheduler runs on it, where its filesystems are mounted, and how often
// to probe it. Read-only after Load returns.
type Cluster struct {
	Name                       string         `yaml:"name"`
	SSH                        SSHPool        `yaml:"ssh"`
	Scheduler                  Scheduler      `yaml:"scheduler"`
	ServiceAccount             ServiceAccount `yaml:"serviceAccount"`
	Probing                    Probing        `yaml:"probing"`
	FileSystems                []FileSystem   `yaml:"fileSystems,omitempty"`
	DatatransferJobsDirectives []string       `yaml:"datatransferJobsDirectives,omitempty"`
}

// CheckAndSetDefaults validates the cluster record and fills defaults.
func (c *Cluster) CheckAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("cluster is missing a name")
	}
	if err := c.SSH.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err, "cluster %q", c.Name)
	}
	if err := c.Scheduler.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err, "cluster %q", c.Name)
	}
	if c.Probing.Interval <= 0 {
		return trace.BadParameter("cluster %q needs a positive probing interval", c.Name)
	}
	if c.Probing.Timeout <= 0 {
		return trace.BadParameter("cluster %q needs a positive probing timeout", c.Name)
	}
	defaultWorkDirs := 0
	for i := range c.FileSystems {
		if err := c.FileSystems[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err, "cluster %q", c.Name)
		}
		if c.FileSystems[i].DefaultWorkDir {
			defaultWorkDirs++
		}
	}
	if defaultWorkDirs > 1 {
		return trace.BadParameter("cluster %q marks more than one file system as the default work dir", c.Name)
	}
	return nil
}

// DefaultWorkDir returns the path of the filesystem marked as the default
// working directory, or an empty string when none is marked.
func (c *Cluster) DefaultWorkDir() string {
	for _, fs := range c.FileSystems {
		if fs.DefaultWorkDir {
			return fs.Path
		}
	}
	return ""
}

// SSHPool is the SSH endpoint and connection budget of a cluster.
type SSHPool struct {
	Host       string      `yaml:"host"`
	Port       int         `yaml:"port"`
	ProxyHost  string      `yaml:"proxyHost,omitempty"`
	ProxyPort  int         `yaml:"proxyPort,omitempty"`
	MaxClients int         `yaml:"maxClients,omitempty"`
	Timeout    SSHTimeouts `yaml:"timeout,omitempty"`
}

// CheckAndSetDefaults validates the endpoint and the timeout ordering.
func (p *SSHPool) CheckAndSetDefaults() error {
	if p.Host == "" {
		return trace.BadParameter("ssh host is empty")
	}
	if p.Port <= 0 {
		return trace.BadParameter("ssh port is missing")
	}
	if p.ProxyHost != "" && p.ProxyPort <= 0 {
		return trace.BadParameter("ssh proxy %q is missing a port", p.ProxyHost)
	}
	if p.MaxClients <= 0 {
		p.MaxClients = defaults.MaxSSHClients
	}
	return trace.Wrap(p.Timeout.CheckAndSetDefaults())
}

// SSHTimeouts are the five deadlines of a pooled connection, in seconds.
type SSHTimeouts struct {
	Connection       int `yaml:"connection,omitempty"`
	Login            int `yaml:"login,omitempty"`
	CommandExecution int `yaml:"commandExecution,omitempty"`
	IdleTimeout      int `yaml:"idleTimeout,omitempty"`
	KeepAlive        int `yaml:"keepAlive,omitempty"`
}

// CheckAndSetDefaults fills defaults and enforces
// keepAlive < commandExecution < idleTimeout.
func (t *SSHTimeouts) CheckAndSetDefaults() error {
	if t.Connection <= 0 {
		t.Connection = int(defaults.SSHConnectTimeout / time.Second)
	}
	if t.Login <= 0 {
		t.Login = int(defaults.SSHLoginTimeout / time.Second)
	}
	if t.CommandExecution <= 0 {
		t.CommandExecution = int(defaults.SSHExecuteTimeout / time.Second)
	}
	if t.IdleTimeout <= 0 {
		t.IdleTimeout = int(defaults.SSHIdleTimeout / time.Second)
	}
	if t.KeepAlive <= 0 {
		t.KeepAlive = int(defaults.SSHKeepAliveInterval / time.Second)
	}
	if !(t.KeepAlive < t.CommandExecution && t.CommandExecution < t.IdleTimeout) {
		return trace.BadParameter(
			"ssh timeouts must satisfy keepAlive < commandExecution < idleTimeout, got %d/%d/%d",
			t.KeepAlive, t.CommandExecution, t.IdleTimeout)
	}
	return nil
}

// ConnectTimeout returns the dial deadline as a duration.
func (t SSHTimeouts) ConnectTimeout() time.Duration {
	return time.Duration(t.Connection) * time.Second
}

// LoginTimeout returns the authentication deadline as a duration.
func (t SSHTimeouts) LoginTimeout() time.Duration {
	return time.Duration(t.Login) * time.Second
}

// ExecuteTimeout returns the per command deadline as a duration.
func (t SSHTimeouts) ExecuteTimeout() time.Duration {
	return time.Duration(t.CommandExecution) * time.Second
}

// Idle returns the idle eviction threshold as a duration.
func (t SSHTimeouts) Idle() time.Duration {
	return time.Duration(t.IdleTimeout) * time.Second
}

// KeepAliveInterval returns the keepalive cadence as a duration.
func (t SSHTimeouts) KeepAliveInterval() time.Duration {
	return time.Duration(t.KeepAlive) * time.Second
}

// Scheduler describes the batch scheduler of a cluster.
type Scheduler struct {
	Type       string `yaml:"type"`
	Version    string `yaml:"version"`
	APIURL     string `yaml:"apiUrl,omitempty"`
	APIVersion string `yaml:"apiVersion,omitempty"`
	// Timeout bounds one REST call, in seconds.
	Timeout int `yaml:"timeout,omitempty"`
}

// Scheduler types with an adapter in this codebase. Other values pass
// validation and fail later with a not implemented error, so that adding a
// scheduler to a config rollout does not have to be lockstep with the
// gateway upgrade.
const (
	SchedulerSlurm = "slurm"
	SchedulerPBS   = "pbs"
)

// CheckAndSetDefaults validates the descriptor.
func (s *Scheduler) CheckAndSetDefaults() error {
	if s.Type == "" {
		return trace.BadParameter("scheduler type is empty")
	}
	if s.Version == "" {
		return trace.BadParameter("scheduler version is empty")
	}
	if s.APIURL != "" && s.APIVersion == "" {
		return trace.BadParameter("scheduler apiUrl requires apiVersion")
	}
	if s.Timeout <= 0 {
		s.Timeout = int(defaults.SchedulerTimeout / time.Second)
	}
	return nil
}

// RESTTimeout returns the per call REST deadline as a duration.
func (s Scheduler) RESTTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// ServiceAccount is the non human identity the health checker probes with.
type ServiceAccount struct {
	ClientID string `yaml:"clientId"`
	Secret   Secret `yaml:"secret"`
}

// Probing configures the periodic health checks of a cluster, in seconds.
type Probing struct {
	Interval int `yaml:"interval"`
	Timeout  int `yaml:"timeout"`
}

// IntervalDuration returns the check cadence as a duration.
func (p Probing) IntervalDuration() time.Duration {
	return time.Duration(p.Interval) * time.Second
}

// TimeoutDuration returns the per check deadline as a duration.
func (p Probing) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// FileSystem is one POSIX mount exposed through the filesystem API.
type FileSystem struct {
	Path           string `yaml:"path"`
	DataType       string `yaml:"dataType"`
	DefaultWorkDir bool   `yaml:"defaultWorkDir,omitempty"`
}

// Filesystem data types understood by clients. Informational only.
const (
	DataTypeUsers   = "users"
	DataTypeStore   = "store"
	DataTypeArchive = "archive"
	DataTypeApps    = "apps"
	DataTypeScratch = "scratch"
	DataTypeProject = "project"
)

// CheckAndSetDefaults validates the mount record.
func (f *FileSystem) CheckAndSetDefaults() error {
	if f.Path == "" {
		return trace.BadParameter("file system entry is missing a path")
	}
	switch f.DataType {
	case DataTypeUsers, DataTypeStore, DataTypeArchive, DataTypeApps, DataTypeScratch, DataTypeProject:
	default:
		return trace.BadParameter("file system %q has unknown data type %q", f.Path, f.DataType)
	}
	return nil
}

// Storage configures the S3 compatible object store used to stage large
// transfers.
type Storage struct {
	Name            string `yaml:"name"`
	PrivateURL      string `yaml:"privateUrl"`
	PublicURL       string `yaml:"publicUrl"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey Secret `yaml:"secretAccessKey"`
	Region          string `yaml:"region,omitempty"`
	// Tenant, when set, prefixes every bucket name as tenant:bucket the
	// way Ceph multi tenancy expects.
	Tenant string `yaml:"tenant,omitempty"`

	Multipart                    Multipart       `yaml:"multipart,omitempty"`
	BucketLifecycleConfiguration BucketLifecycle `yaml:"bucketLifecycleConfiguration,omitempty"`
	MaxOpsFileSize               int64           `yaml:"maxOpsFileSize,omitempty"`
	Probing                      *StorageProbing `yaml:"probing,omitempty"`
}

// CheckAndSetDefaults validates the store endpoints and fills defaults.
func (s *Storage) CheckAndSetDefaults() error {
	if s.PrivateURL == "" || s.PublicURL == "" {
		return trace.BadParameter("storage needs both privateUrl and publicUrl")
	}
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return trace.BadParameter("storage needs accessKeyId and secretAccessKey")
	}
	if s.Region == "" {
		s.Region = "us-east-1"
	}
	if s.Multipart.MaxPartSize <= 0 {
		s.Multipart.MaxPartSize = defaults.MaxPartSize
	}
	if s.Multipart.ParallelRuns <= 0 {
		s.Multipart.ParallelRuns = defaults.ParallelRuns
	}
	if s.Multipart.TmpFolder == "" {
		s.Multipart.TmpFolder = defaults.TmpFolder
	}
	if s.BucketLifecycleConfiguration.Days <= 0 {
		s.BucketLifecycleConfiguration.Days = defaults.BucketLifecycleDays
	}
	if s.MaxOpsFileSize <= 0 {
		s.MaxOpsFileSize = defaults.MaxOpsFileSize
	}
	return nil
}

// Multipart tunes the staged transfer engine.
type Multipart struct {
	UseSplit     bool   `yaml:"useSplit,omitempty"`
	MaxPartSize  int64  `yaml:"maxPartSize,omitempty"`
	ParallelRuns int    `yaml:"parallelRuns,omitempty"`
	TmpFolder    string `yaml:"tmpFolder,omitempty"`
}

// BucketLifecycle is the expiry applied to staging buckets at creation.
type BucketLifecycle struct {
	Days int `yaml:"days,omitempty"`
}

// StorageProbing bounds the object store health check, in seconds.
type StorageProbing struct {
	Timeout int `yaml:"timeout"`
}

// TimeoutDuration returns the probe deadline as a duration.
func (p StorageProbing) TimeoutDuration() time.Duration {
	return time.Duration(p.Timeout) * time.Second
}

// CheckAndSetDefaults validates the whole tree and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.AppVersion == "" {
		c.AppVersion = firecrest.Version
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.HTTPListenAddr
	}
	if c.Auth.Authentication.TokenURL == "" {
		return trace.BadParameter("auth.authentication.tokenUrl is required")
	}
	if err := c.SSHCredentials.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	seen := make(map[string]struct{}, len(c.Clusters.Clusters))
	for i := range c.Clusters.Clusters {
		cluster := &c.Clusters.Clusters[i]
		if err := cluster.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if _, dup := seen[cluster.Name]; dup {
			return trace.BadParameter("duplicate cluster name %q", cluster.Name)
		}
		seen[cluster.Name] = struct{}{}
	}
	if c.Storage != nil {
		if err := c.Storage.CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Cluster returns the configured cluster with the given name.
func (c *Config) Cluster(name string) (*Cluster, error) {
	for i := range c.Clusters.Clusters {
		if c.Clusters.Clusters[i].Name == name {
			return &c.Clusters.Clusters[i], nil
		}
	}
	return nil, trace.NotFound("System not found")
}

// Load reads, resolves and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, trace.BadParameter("parsing %v: %v", path, err)
	}
	if err := cfg.Clusters.resolve(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// LoadFromEnv locates the configuration file through the environment and
// loads it. A missing variable is a startup error.
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(firecrest.EnvConfigFile)
	if path == "" {
		path = os.Getenv(firecrest.EnvConfigFileAlt)
	}
	if path == "" {
		return nil, trace.BadParameter("no configuration file: set %s (or %s)",
			firecrest.EnvConfigFile, firecrest.EnvConfigFileAlt)
	}
	return Load(path)
}

// Secret is a string value that may be given inline or as a
// secret_file:/path reference resolved at load time. Its String method
// masks the value so secrets do not leak through logs.
type Secret string

// UnmarshalYAML resolves the secret_file indirection.
func (s *Secret) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	if path, ok := strings.CutPrefix(raw, "secret_file:"); ok {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			path = filepath.Join(home, path[2:])
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return trace.BadParameter("secret file %q not found", path)
		}
		raw = strings.TrimSpace(string(data))
	}
	*s = Secret(raw)
	return nil
}

// String masks the secret.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "**********"
}

// Value returns the raw secret material.
func (s Secret) Value() string { return string(s) }

// MarshalYAML masks the secret on re-serialization.
func (s Secret) MarshalYAML() (any, error) { return s.String(), nil }

// LogValue masks the secret in slog output.
func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }
