// Package doctor reports problems in a farmhand configuration that parse
// cleanly but would make a run fail or misbehave.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/farmhand/internal/auth"
	"github.com/mattjoyce/farmhand/internal/config"
	"github.com/mattjoyce/farmhand/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded config.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs the offline checks.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateGroup(r)
	d.validateExecutor(r)
	d.validateAudit(r)
	d.validateAPI(r)
	d.warnJobBalance(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateGroup(r *Result) {
	g := d.cfg.Group
	if g.Transport != config.TransportHTTP {
		return
	}

	seen := make(map[string]int, len(g.Peers))
	for i, p := range g.Peers {
		key := strings.TrimRight(strings.ToLower(p), "/")
		if prev, ok := seen[key]; ok {
			d.addError(r, "group", fmt.Sprintf("group.peers[%d]", i),
				fmt.Sprintf("same URL as group.peers[%d]; every rank needs its own endpoint", prev))
			continue
		}
		seen[key] = i
	}

	if g.Token == "" {
		d.addWarning(r, "group", "group.token", "peer messages are unauthenticated")
	}
	if d.cfg.Lock.Dir == "" {
		d.addWarning(r, "lock", "lock.dir", "no rank lock; two processes could claim the same rank on one host")
	}
	if g.Listen != "" && g.Size > 1 {
		d.addWarning(r, "group", "group.listen", "group.listen applies to every rank; prefer per-rank peer URLs")
	}
}

func (d *Doctor) validateExecutor(r *Result) {
	e := d.cfg.Executor
	if e.Kind != config.ExecutorCommand {
		return
	}
	path := e.Command
	if !strings.ContainsRune(path, filepath.Separator) {
		if _, err := d.lookPath(path); err != nil {
			d.addError(r, "executor", "executor.command", fmt.Sprintf("%q not found in PATH", path))
		}
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		d.addError(r, "executor", "executor.command", fmt.Sprintf("%q: %v", path, err))
		return
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		d.addError(r, "executor", "executor.command", fmt.Sprintf("%q is not executable", path))
	}
}

func (d *Doctor) validateAudit(r *Result) {
	if !d.cfg.Audit.Enabled {
		return
	}
	dir := filepath.Dir(d.cfg.Audit.Path)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "audit", "audit.path", fmt.Sprintf("directory %s does not exist yet and will be created", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "audit", "audit.path", fmt.Sprintf("%s is not a directory", dir))
		return
	}
	if err := storage.CheckLocal(d.cfg.Audit.Path); err != nil {
		d.addError(r, "audit", "audit.path", err.Error())
	}
}

func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	if !d.cfg.Audit.Enabled {
		d.addWarning(r, "api", "api.enabled", "audit is disabled; run endpoints will answer 404")
	}
	for i, tok := range d.cfg.API.Auth.Tokens {
		for _, s := range tok.Scopes {
			if !knownScope(s) {
				d.addWarning(r, "api", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
					fmt.Sprintf("unknown scope %q", s))
			}
		}
	}
}

func knownScope(s string) bool {
	switch s {
	case auth.ScopeAll, auth.ScopeRunsRO, auth.ScopeRunsRW, auth.ScopeEventsRO, auth.ScopeEventsRW, auth.ScopeMessagesRW:
		return true
	}
	return false
}

func (d *Doctor) warnJobBalance(r *Result) {
	workers := d.cfg.Group.Size
	if !d.cfg.Group.IncludeBoss {
		workers--
	}
	jobs := d.cfg.JobTotal()
	switch {
	case jobs == 0:
		d.addWarning(r, "jobs", "jobs", "no jobs; workers are finished without dispatch")
	case jobs < workers:
		d.addWarning(r, "jobs", "jobs", fmt.Sprintf("%d job(s) for %d worker(s); %d worker(s) stay idle", jobs, workers, workers-jobs))
	}
}

// PeerHealth is a peer's /healthz answer.
type PeerHealth struct {
	Status string `json:"status"`
	Rank   int    `json:"rank"`
	Size   int    `json:"size"`
}

var (
	// ErrPeerMismatch means a peer answered as a different rank or group.
	ErrPeerMismatch = errors.New("peer identity mismatch")
	// ErrPeersNotReady means some peer never answered before the deadline.
	ErrPeersNotReady = errors.New("peers not ready")
)

// Probe asks every peer for /healthz and checks it reports the rank and
// group size this config expects. Unreachable peers are warnings: ranks
// may legitimately start later.
func (d *Doctor) Probe(ctx context.Context, client *http.Client) *Result {
	r := &Result{Valid: true}
	if d.cfg.Group.Transport != config.TransportHTTP {
		return r
	}
	client = probeClient(client)

	for i := range d.cfg.Group.Peers {
		d.probePeer(ctx, client, r, i)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

// WaitForPeers polls every peer but self until each answers /healthz as its
// expected rank, or ctx is done. A peer answering with the wrong identity
// fails at once.
func (d *Doctor) WaitForPeers(ctx context.Context, client *http.Client, self int, interval time.Duration) error {
	if d.cfg.Group.Transport != config.TransportHTTP {
		return nil
	}
	client = probeClient(client)
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var pending []int
	for i := range d.cfg.Group.Peers {
		if i != self {
			pending = append(pending, i)
		}
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		r := &Result{}
		var waiting []int
		for _, i := range pending {
			if !d.probePeer(ctx, client, r, i) {
				waiting = append(waiting, i)
			}
		}
		if len(r.Errors) > 0 {
			e := r.Errors[0]
			return fmt.Errorf("%w: %s %s", ErrPeerMismatch, e.Field, e.Message)
		}
		if len(waiting) == 0 {
			return nil
		}
		pending = waiting

		select {
		case <-ctx.Done():
			w := r.Warnings[0]
			return fmt.Errorf("%w: %s %s: %w", ErrPeersNotReady, w.Field, w.Message, ctx.Err())
		case <-tick.C:
		}
	}
}

// probePeer checks rank i and reports whether it answered as expected.
func (d *Doctor) probePeer(ctx context.Context, client *http.Client, r *Result, i int) bool {
	field := fmt.Sprintf("group.peers[%d]", i)
	h, err := fetchHealth(ctx, client, d.cfg.Group.Peers[i])
	if err != nil {
		d.addWarning(r, "probe", field, fmt.Sprintf("unreachable: %v", err))
		return false
	}
	if h.Rank != i || h.Size != d.cfg.Group.Size {
		d.addError(r, "probe", field, fmt.Sprintf("answers as rank %d of %d, want rank %d of %d", h.Rank, h.Size, i, d.cfg.Group.Size))
		return false
	}
	return true
}

func probeClient(client *http.Client) *http.Client {
	if client == nil {
		return &http.Client{Timeout: 2 * time.Second}
	}
	return client
}

func fetchHealth(ctx context.Context, client *http.Client, base string) (*PeerHealth, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}
	var h PeerHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &h, nil
}

// Merge folds other into r.
func (r *Result) Merge(other *Result) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Valid = len(r.Errors) == 0
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
