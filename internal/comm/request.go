package comm

import (
	"context"
	"sync"
)

// request is the Request implementation shared by the transports in this
// module. A request completes at most once; it is either completed or
// cancelled, never both.
type request struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	cancelled bool
	err       error
	body      []byte

	// withdraw removes the request from whatever queue would complete it and
	// reports whether it was still there.
	withdraw func(*request) bool
}

func newRequest() *request {
	return &request{done: make(chan struct{})}
}

// NewCompletedRequest returns a request that has already finished with err.
// Transports that hand a message off synchronously return one from Isend.
func NewCompletedRequest(err error) Request {
	r := newRequest()
	r.complete(nil, err)
	return r
}

// NewPendingRequest returns a request and the function that completes it.
// The completion function is safe to call from any goroutine; calls after the
// first are ignored.
func NewPendingRequest() (Request, func(err error)) {
	r := newRequest()
	return r, func(err error) { r.complete(nil, err) }
}

func (r *request) complete(body []byte, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed || r.cancelled {
		return false
	}
	r.completed = true
	r.body = body
	r.err = err
	close(r.done)
	return true
}

func (r *request) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed || r.cancelled {
		return
	}
	r.cancelled = true
	r.err = ErrCancelled
	close(r.done)
}

func (r *request) Test() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return false, ErrCancelled
	}
	return r.completed, r.err
}

func (r *request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *request) Cancel() bool {
	if r.withdraw == nil {
		return false
	}
	return r.withdraw(r)
}

func (r *request) Body() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}
