// Package httpcomm runs a process group over HTTP. Each rank serves
// POST /v1/messages and pushes its outgoing messages to the peers' endpoints,
// one sender goroutine per destination so per-pair order holds.
package httpcomm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

const messagesPath = "/v1/messages"

// Config holds one rank's view of the group.
type Config struct {
	Rank int
	// Peers is the base URL of every rank, indexed by rank. This rank's
	// own entry is not dialled.
	Peers []string
	// Token is the shared group token. Empty disables authentication.
	Token       string
	SendTimeout time.Duration
	Client      *http.Client
}

// Transport is a comm.Comm backed by HTTP.
type Transport struct {
	cfg     Config
	box     *comm.Mailbox
	senders []*sender
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	closed  bool
}

var _ comm.Comm = (*Transport)(nil)

// New validates cfg and prepares the transport. Nothing is sent or served
// until Serve.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if len(cfg.Peers) == 0 {
		return nil, errors.New("httpcomm: no peers configured")
	}
	if err := comm.CheckRank(cfg.Rank, len(cfg.Peers)); err != nil {
		return nil, fmt.Errorf("httpcomm: own rank: %w", err)
	}
	for i, p := range cfg.Peers {
		u, err := url.Parse(p)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("httpcomm: peer %d: invalid base URL %q", i, p)
		}
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.SendTimeout}
	}

	t := &Transport{
		cfg:     cfg,
		box:     comm.NewMailbox(),
		senders: make([]*sender, len(cfg.Peers)),
		client:  client,
		logger:  logger.With("component", "httpcomm", "rank", cfg.Rank),
	}
	for dest, base := range cfg.Peers {
		if dest == cfg.Rank {
			continue
		}
		t.senders[dest] = newSender(t, dest, strings.TrimRight(base, "/")+messagesPath)
	}
	return t, nil
}

func (t *Transport) Rank() int { return t.cfg.Rank }

func (t *Transport) Size() int { return len(t.cfg.Peers) }

// Mailbox exposes the receive side, mostly for tests.
func (t *Transport) Mailbox() *comm.Mailbox { return t.box }

// Isend queues body for dest. The request completes once the peer has
// accepted the message. Sends to this rank land in the local mailbox.
func (t *Transport) Isend(dest int, tag protocol.Tag, body []byte) (comm.Request, error) {
	if err := comm.CheckRank(dest, t.Size()); err != nil {
		return nil, fmt.Errorf("send %s: %w", tag, err)
	}
	if dest == t.cfg.Rank {
		if err := t.box.Deliver(t.cfg.Rank, tag, body); err != nil {
			return nil, fmt.Errorf("send %s to self: %w", tag, err)
		}
		return comm.NewCompletedRequest(nil), nil
	}

	env := &protocol.Envelope{
		Protocol: protocol.Version,
		Source:   t.cfg.Rank,
		Dest:     dest,
		Tag:      tag,
		Body:     append([]byte(nil), body...),
		SentAt:   time.Now().UTC(),
	}
	req, complete := comm.NewPendingRequest()
	if err := t.senders[dest].enqueue(env, complete); err != nil {
		return nil, fmt.Errorf("send %s to %d: %w", tag, dest, err)
	}
	return req, nil
}

func (t *Transport) Irecv(src int, tag protocol.Tag) (comm.Request, error) {
	if err := comm.CheckRank(src, t.Size()); err != nil {
		return nil, fmt.Errorf("receive %s: %w", tag, err)
	}
	req, err := t.box.Post(src, tag)
	if err != nil {
		return nil, fmt.Errorf("receive %s from %d: %w", tag, src, err)
	}
	return req, nil
}

// Serve serves the message endpoint on ln and runs the senders until ctx is
// done or Shutdown is called (blocking).
func (t *Transport) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.mu.Lock()
	if t.closed || t.stopped != nil {
		t.mu.Unlock()
		ln.Close()
		return fmt.Errorf("httpcomm: serve: %w", comm.ErrClosed)
	}
	t.cancel = cancel
	t.stopped = make(chan struct{})
	stopped := t.stopped
	t.mu.Unlock()
	defer close(stopped)

	srv := &http.Server{
		Handler:      t.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range t.senders {
		if s == nil {
			continue
		}
		g.Go(func() error {
			s.run(gctx)
			return nil
		})
	}

	t.logger.Info("transport listening", "listen", ln.Addr().String(), "size", t.Size())
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve messages: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	err := g.Wait()
	t.box.Close()
	t.logger.Info("transport stopped")
	return err
}

// Flush waits until every queued send has been attempted or ctx is done.
func (t *Transport) Flush(ctx context.Context) error {
	for _, s := range t.senders {
		if s == nil {
			continue
		}
		if err := s.drained(ctx); err != nil {
			return fmt.Errorf("flush sends to %d: %w", s.dest, err)
		}
	}
	return nil
}

// Shutdown stops accepting sends, waits for queued ones up to ctx, then
// stops Serve. Receives still posted fail with comm.ErrClosed.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	cancel, stopped := t.cancel, t.stopped
	t.mu.Unlock()

	var flushErr error
	if stopped != nil {
		flushErr = t.Flush(ctx)
	}
	for _, s := range t.senders {
		if s != nil {
			s.close()
		}
	}
	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return fmt.Errorf("httpcomm: shutdown: %w", ctx.Err())
		}
	}
	t.box.Close()
	return flushErr
}
