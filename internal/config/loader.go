package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads a configuration file, applies defaults, verifies it against a
// .checksums manifest in the same directory if one exists, and validates it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "farmhand.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but farmhand.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	fingerprint, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	cfg.Fingerprint = fingerprint
	return cfg, nil
}

// Parse decodes YAML over Defaults and validates the result. ${VAR}
// references are replaced from the environment first.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// verifyConfigHash checks path against the .checksums manifest beside it.
// A directory without a manifest is not verified.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		return nil
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: farmhand config lock --config %s", basename, dir, path)
	}
	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"If you edited this file intentionally, run: farmhand config lock --config %s", path, err, path)
	}
	return nil
}

// interpolateEnv replaces ${VAR} with environment variable values.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; secrets are checked for leftovers in validate.
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	g := cfg.Group
	if g.Size < 1 {
		return fmt.Errorf("group.size must be at least 1 (got %d)", g.Size)
	}
	if g.Boss < 0 || g.Boss >= g.Size {
		return fmt.Errorf("group.boss must be in [0,%d) (got %d)", g.Size, g.Boss)
	}
	if g.Size == 1 && !g.IncludeBoss {
		return fmt.Errorf("group.size 1 leaves no workers unless group.include_boss is set")
	}
	if g.PollInterval <= 0 {
		return fmt.Errorf("group.poll_interval must be positive")
	}
	switch g.Transport {
	case TransportLocal:
	case TransportHTTP:
		if len(g.Peers) != g.Size {
			return fmt.Errorf("group.peers must list one URL per rank (got %d for size %d)", len(g.Peers), g.Size)
		}
		for i, p := range g.Peers {
			u, err := url.Parse(p)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("group.peers[%d]: invalid URL %q", i, p)
			}
		}
		if g.SendTimeout <= 0 {
			return fmt.Errorf("group.send_timeout must be positive")
		}
		if g.StartupTimeout <= 0 {
			return fmt.Errorf("group.startup_timeout must be positive")
		}
		if err := unresolved("group.token", g.Token); err != nil {
			return err
		}
	default:
		return fmt.Errorf("group.transport must be one of: local, http (got %q)", g.Transport)
	}

	if cfg.Jobs.Count < 0 {
		return fmt.Errorf("jobs.count must not be negative")
	}
	if len(cfg.Jobs.IDs) > 0 && cfg.Jobs.Count > 0 {
		return fmt.Errorf("jobs.count and jobs.ids are mutually exclusive")
	}
	seen := make(map[int]bool, len(cfg.Jobs.IDs))
	for i, id := range cfg.Jobs.IDs {
		if id < 0 {
			return fmt.Errorf("jobs.ids[%d] must not be negative", i)
		}
		if seen[id] {
			return fmt.Errorf("jobs.ids[%d]: duplicate id %d", i, id)
		}
		seen[id] = true
	}

	switch cfg.Executor.Kind {
	case ExecutorSleep:
		if cfg.Executor.Sleep < 0 || cfg.Executor.Jitter < 0 {
			return fmt.Errorf("executor.sleep and executor.jitter must not be negative")
		}
	case ExecutorCommand:
		if cfg.Executor.Command == "" {
			return fmt.Errorf("executor.command is required for kind command")
		}
		if cfg.Executor.Timeout <= 0 {
			return fmt.Errorf("executor.timeout must be positive")
		}
	default:
		return fmt.Errorf("executor.kind must be one of: sleep, command (got %q)", cfg.Executor.Kind)
	}

	if cfg.Audit.Enabled && cfg.Audit.Path == "" {
		return fmt.Errorf("audit.path is required when audit is enabled")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the api is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}
	return nil
}
