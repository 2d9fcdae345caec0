package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/farmhand/internal/auth"
	"github.com/mattjoyce/farmhand/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Group.Size = 3
	cfg.Jobs.Count = 10
	return cfg
}

func hasIssue(issues []Issue, field string) bool {
	for _, i := range issues {
		if i.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig()).Validate()
	if !r.Valid || len(r.Warnings) != 0 {
		t.Fatalf("expected clean result, got %+v", r)
	}
	if got := FormatHuman(r); got != "Configuration valid.\n" {
		t.Fatalf("FormatHuman = %q", got)
	}
}

func TestValidate_HTTPGroup(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Group.Transport = config.TransportHTTP
	cfg.Group.Peers = []string{"http://a:1", "http://b:1", "HTTP://A:1/"}

	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected duplicate peer error")
	}
	if !hasIssue(r.Errors, "group.peers[2]") {
		t.Errorf("missing duplicate peer error: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "group.token") || !hasIssue(r.Warnings, "lock.dir") {
		t.Errorf("missing token/lock warnings: %+v", r.Warnings)
	}
}

func TestValidate_Executor(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	script := filepath.Join(dir, "job.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := validConfig()
	cfg.Executor.Kind = config.ExecutorCommand
	cfg.Executor.Command = script
	if r := New(cfg).Validate(); !hasIssue(r.Errors, "executor.command") {
		t.Fatalf("non-executable script not reported: %+v", r)
	}

	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatal(err)
	}
	if r := New(cfg).Validate(); !r.Valid {
		t.Fatalf("executable script reported: %+v", r.Errors)
	}

	cfg.Executor.Command = "no-such-binary"
	d := New(cfg)
	d.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	if r := d.Validate(); !hasIssue(r.Errors, "executor.command") {
		t.Fatalf("missing binary not reported: %+v", r)
	}
}

func TestValidate_APIAndAudit(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.API.Enabled = true
	cfg.API.Auth.Tokens = []auth.TokenConfig{{Token: "x", Scopes: []string{"runs:ro", "jobs:rw"}}}
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "missing", "audit.db")

	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("unexpected errors: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "api.auth.tokens[0].scopes") {
		t.Errorf("unknown scope not warned: %+v", r.Warnings)
	}
	if !hasIssue(r.Warnings, "audit.path") {
		t.Errorf("missing audit dir not warned: %+v", r.Warnings)
	}
	if !strings.Contains(FormatHuman(r), "WARN  [api]") {
		t.Errorf("FormatHuman missing warning line:\n%s", FormatHuman(r))
	}
}

func TestValidate_JobBalance(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Jobs.Count = 1
	r := New(cfg).Validate()
	if !hasIssue(r.Warnings, "jobs") {
		t.Fatalf("idle workers not warned: %+v", r.Warnings)
	}

	cfg.Jobs.Count = 0
	r = New(cfg).Validate()
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0].Message, "no jobs") {
		t.Fatalf("unexpected warnings: %+v", r.Warnings)
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PeerHealth{Status: "ok", Rank: 0, Size: 3})
	}))
	defer good.Close()
	wrong := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PeerHealth{Status: "ok", Rank: 0, Size: 3})
	}))
	defer wrong.Close()
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	cfg := validConfig()
	cfg.Group.Transport = config.TransportHTTP
	cfg.Group.Peers = []string{good.URL, wrong.URL, down.URL}

	r := New(cfg).Probe(context.Background(), nil)
	if r.Valid {
		t.Fatal("expected misnumbered peer to be an error")
	}
	if !hasIssue(r.Errors, "group.peers[1]") {
		t.Errorf("rank mismatch not reported: %+v", r.Errors)
	}
	if !hasIssue(r.Warnings, "group.peers[2]") {
		t.Errorf("unreachable peer not warned: %+v", r.Warnings)
	}
	if hasIssue(r.Errors, "group.peers[0]") || hasIssue(r.Warnings, "group.peers[0]") {
		t.Errorf("healthy peer reported")
	}

	merged := New(cfg).Validate()
	merged.Merge(r)
	if merged.Valid {
		t.Fatal("merge lost the probe error")
	}
	out, err := FormatJSON(merged)
	if err != nil || !strings.Contains(out, `"valid": false`) {
		t.Fatalf("FormatJSON = %s, %v", out, err)
	}
}

func TestProbe_LocalTransportIsNoop(t *testing.T) {
	t.Parallel()
	r := New(validConfig()).Probe(context.Background(), nil)
	if !r.Valid || len(r.Warnings) != 0 {
		t.Fatalf("expected empty result, got %+v", r)
	}
}

func healthServer(t *testing.T, rank, size int, failFirst int32) *httptest.Server {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failFirst {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PeerHealth{Status: "ok", Rank: rank, Size: size})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWaitForPeers_LateStartingPeer(t *testing.T) {
	t.Parallel()
	self := httptest.NewServer(http.NotFoundHandler())
	self.Close()

	cfg := validConfig()
	cfg.Group.Transport = config.TransportHTTP
	cfg.Group.Peers = []string{
		self.URL,
		healthServer(t, 1, 3, 0).URL,
		healthServer(t, 2, 3, 3).URL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := New(cfg).WaitForPeers(ctx, nil, 0, 10*time.Millisecond); err != nil {
		t.Fatalf("WaitForPeers() failed: %v", err)
	}
}

func TestWaitForPeers_WrongRankFailsAtOnce(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Group.Transport = config.TransportHTTP
	cfg.Group.Peers = []string{
		healthServer(t, 0, 3, 0).URL,
		healthServer(t, 2, 3, 0).URL,
		healthServer(t, 2, 3, 0).URL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := New(cfg).WaitForPeers(ctx, nil, 0, time.Hour)
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("WaitForPeers() error = %v, want ErrPeerMismatch", err)
	}
	if !strings.Contains(err.Error(), "group.peers[1]") {
		t.Errorf("error does not name the peer: %v", err)
	}
}

func TestWaitForPeers_Deadline(t *testing.T) {
	t.Parallel()
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	cfg := validConfig()
	cfg.Group.Size = 2
	cfg.Group.Transport = config.TransportHTTP
	cfg.Group.Peers = []string{healthServer(t, 0, 2, 0).URL, down.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := New(cfg).WaitForPeers(ctx, nil, 0, 10*time.Millisecond)
	if !errors.Is(err, ErrPeersNotReady) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitForPeers() error = %v, want ErrPeersNotReady and deadline", err)
	}
}

func TestWaitForPeers_LocalTransportIsNoop(t *testing.T) {
	t.Parallel()
	if err := New(validConfig()).WaitForPeers(context.Background(), nil, 0, 0); err != nil {
		t.Fatalf("WaitForPeers() = %v", err)
	}
}
