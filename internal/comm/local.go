package comm

import (
	"fmt"

	"github.com/mattjoyce/farmhand/internal/protocol"
)

// LocalGroup is an in-process group: every rank is a goroutine (or a plain
// loop) in this process and a send lands directly in the peer's mailbox.
type LocalGroup struct {
	boxes []*Mailbox
}

// NewLocalGroup creates a group of size ranks.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, fmt.Errorf("group size must be positive, got %d", size)
	}
	boxes := make([]*Mailbox, size)
	for i := range boxes {
		boxes[i] = NewMailbox()
	}
	return &LocalGroup{boxes: boxes}, nil
}

// Size returns the number of ranks.
func (g *LocalGroup) Size() int { return len(g.boxes) }

// Comm returns the communicator for rank. It panics on an out-of-range rank.
func (g *LocalGroup) Comm(rank int) Comm {
	if err := CheckRank(rank, len(g.boxes)); err != nil {
		panic(err)
	}
	return &localComm{rank: rank, group: g}
}

// Mailbox exposes a rank's receive side, mostly for tests.
func (g *LocalGroup) Mailbox(rank int) *Mailbox {
	return g.boxes[rank]
}

// Close closes every mailbox in the group.
func (g *LocalGroup) Close() {
	for _, b := range g.boxes {
		b.Close()
	}
}

type localComm struct {
	rank  int
	group *LocalGroup
}

func (c *localComm) Rank() int { return c.rank }

func (c *localComm) Size() int { return len(c.group.boxes) }

func (c *localComm) Isend(dest int, tag protocol.Tag, body []byte) (Request, error) {
	if err := CheckRank(dest, len(c.group.boxes)); err != nil {
		return nil, fmt.Errorf("send %s: %w", tag, err)
	}
	if err := c.group.boxes[dest].Deliver(c.rank, tag, body); err != nil {
		return nil, fmt.Errorf("send %s to %d: %w", tag, dest, err)
	}
	return NewCompletedRequest(nil), nil
}

func (c *localComm) Irecv(src int, tag protocol.Tag) (Request, error) {
	if err := CheckRank(src, len(c.group.boxes)); err != nil {
		return nil, fmt.Errorf("receive %s: %w", tag, err)
	}
	req, err := c.group.boxes[c.rank].Post(src, tag)
	if err != nil {
		return nil, fmt.Errorf("receive %s from %d: %w", tag, src, err)
	}
	return req, nil
}
