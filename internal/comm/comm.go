// Package comm is the addressable process group the dispatcher talks over.
//
// Every participant has a stable rank in [0, Size()). Messages are
// point-to-point, keyed by (peer, tag), reliable, and ordered per pair of
// ranks. Sends and receives are non-blocking: each returns a Request that the
// caller polls with Test or blocks on with Wait. A receive that has not yet
// matched a message can be withdrawn with Cancel.
package comm

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/farmhand/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_comm.go -package=mocks github.com/mattjoyce/farmhand/internal/comm Comm,Request

var (
	ErrInvalidRank = errors.New("invalid rank")
	ErrClosed      = errors.New("communicator closed")
	ErrCancelled   = errors.New("request cancelled")
)

// Request is an outstanding non-blocking send or receive.
type Request interface {
	// Test reports whether the request has completed without blocking.
	// A completed request that failed returns (true, err).
	Test() (bool, error)
	// Wait blocks until the request completes or ctx is done.
	Wait(ctx context.Context) error
	// Cancel withdraws a receive that has not matched a message yet.
	// It returns false if the request had already completed.
	Cancel() bool
	// Body is the received payload. Nil until a receive completes.
	Body() []byte
}

// Comm is one participant's view of the group.
type Comm interface {
	Rank() int
	Size() int
	Isend(dest int, tag protocol.Tag, body []byte) (Request, error)
	Irecv(src int, tag protocol.Tag) (Request, error)
}

// CheckRank validates a peer address against the group size.
func CheckRank(rank, size int) error {
	if rank < 0 || rank >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidRank, rank, size)
	}
	return nil
}
