package httpcomm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

type outgoing struct {
	env      *protocol.Envelope
	complete func(error)
}

// sender delivers messages to one peer strictly in enqueue order.
type sender struct {
	t    *Transport
	dest int
	url  string

	mu       sync.Mutex
	queue    []outgoing
	inflight bool
	closed   bool
	wake     chan struct{}
}

func newSender(t *Transport, dest int, url string) *sender {
	return &sender{
		t:    t,
		dest: dest,
		url:  url,
		wake: make(chan struct{}, 1),
	}
}

func (s *sender) enqueue(env *protocol.Envelope, complete func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return comm.ErrClosed
	}
	s.queue = append(s.queue, outgoing{env: env, complete: complete})
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *sender) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.close()
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.inflight = false
				s.mu.Unlock()
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.inflight = true
			s.mu.Unlock()

			err := s.post(ctx, next.env)
			if err != nil {
				s.t.logger.Warn("send failed", "dest", s.dest, "tag", next.env.Tag.String(), "error", err)
			}
			next.complete(err)
		}
	}
}

func (s *sender) post(ctx context.Context, env *protocol.Envelope) error {
	var buf bytes.Buffer
	if err := protocol.EncodeEnvelope(&buf, env); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.t.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.t.cfg.Token)
	}

	resp, err := s.t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to peer %d: %w", s.dest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	if e.Error == "" {
		e.Error = "no detail"
	}
	return fmt.Errorf("peer %d rejected %s: %s: %s", s.dest, env.Tag, resp.Status, e.Error)
}

// drained waits until the queue is empty and nothing is in flight.
func (s *sender) drained(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		s.mu.Lock()
		idle := len(s.queue) == 0 && !s.inflight
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// close rejects further sends and fails whatever is still queued.
func (s *sender) close() {
	s.mu.Lock()
	s.closed = true
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, o := range queued {
		o.complete(fmt.Errorf("send %s to %d: %w", o.env.Tag, s.dest, comm.ErrClosed))
	}
}
