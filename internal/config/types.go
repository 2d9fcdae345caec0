package config

import (
	"time"

	"github.com/mattjoyce/farmhand/internal/auth"
)

// Config represents the complete farmhand configuration. Every rank of a
// group loads the same file.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Group    GroupConfig    `yaml:"group"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Executor ExecutorConfig `yaml:"executor"`
	Audit    AuditConfig    `yaml:"audit"`
	API      APIConfig      `yaml:"api,omitempty"`
	Lock     LockConfig     `yaml:"lock"`

	// SourcePath and Fingerprint are set by Load.
	SourcePath  string `yaml:"-"`
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// Transports.
const (
	TransportLocal = "local"
	TransportHTTP  = "http"
)

// GroupConfig describes the process group.
type GroupConfig struct {
	Size        int  `yaml:"size"`
	Boss        int  `yaml:"boss"`
	IncludeBoss bool `yaml:"include_boss"`
	// Transport is "local" (all ranks in one process) or "http".
	Transport string `yaml:"transport"`
	// Peers is the base URL of each rank, indexed by rank. Required for http.
	Peers []string `yaml:"peers,omitempty"`
	// Listen overrides the address derived from this rank's peer URL.
	Listen string `yaml:"listen,omitempty"`
	// Token authenticates ranks to each other.
	Token         string        `yaml:"token,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// StartupTimeout bounds how long the boss waits for every peer to
	// answer /healthz before dispatching.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

// JobsConfig names the job set: either Count jobs numbered from 0, or an
// explicit list of IDs.
type JobsConfig struct {
	Count int   `yaml:"count"`
	IDs   []int `yaml:"ids,omitempty"`
}

// Executor kinds.
const (
	ExecutorSleep   = "sleep"
	ExecutorCommand = "command"
)

// ExecutorConfig selects what a worker does with a job.
type ExecutorConfig struct {
	Kind    string        `yaml:"kind"`
	Command string        `yaml:"command,omitempty"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
	Sleep   time.Duration `yaml:"sleep"`
	Jitter  time.Duration `yaml:"jitter"`
}

// AuditConfig defines where the boss records runs and assignments.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// APIConfig defines the boss's read-only HTTP API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	Tokens []auth.TokenConfig `yaml:"tokens,omitempty"`
}

// LockConfig defines where per-rank PID locks live. Empty disables locking.
type LockConfig struct {
	Dir string `yaml:"dir"`
}

// ChecksumManifest is the content of a .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a configuration that runs a single-process demo.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "farmhand",
			LogLevel: "info",
		},
		Group: GroupConfig{
			Size:           1,
			Boss:           0,
			IncludeBoss:    true,
			Transport:      TransportLocal,
			PollInterval:   10 * time.Millisecond,
			SendTimeout:    10 * time.Second,
			ShutdownGrace:  5 * time.Second,
			StartupTimeout: 30 * time.Second,
		},
		Jobs: JobsConfig{Count: 0},
		Executor: ExecutorConfig{
			Kind:    ExecutorSleep,
			Timeout: 60 * time.Second,
			Sleep:   10 * time.Millisecond,
		},
		Audit: AuditConfig{
			Enabled: false,
			Path:    "./farmhand.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "localhost:8090",
		},
	}
}

// JobIDs returns the explicit job list, or nil when jobs are counted.
func (c *Config) JobIDs() []int {
	if len(c.Jobs.IDs) == 0 {
		return nil
	}
	return append([]int(nil), c.Jobs.IDs...)
}

// JobTotal is the number of jobs in a run.
func (c *Config) JobTotal() int {
	if len(c.Jobs.IDs) > 0 {
		return len(c.Jobs.IDs)
	}
	return c.Jobs.Count
}
