package comm

import (
	"fmt"
	"sync"

	"github.com/mattjoyce/farmhand/internal/protocol"
)

type matchKey struct {
	src int
	tag protocol.Tag
}

// Mailbox is the receive side of one rank.
//
// Matching follows the usual message-passing rules: a message that arrives
// completes the oldest posted receive for its (source, tag); with no such
// receive it waits in the unexpected queue, and the next receive posted for
// that key takes it. Order between one source and this rank is preserved
// per tag.
type Mailbox struct {
	mu         sync.Mutex
	unexpected map[matchKey][][]byte
	posted     map[matchKey][]*request
	closed     bool
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		unexpected: make(map[matchKey][][]byte),
		posted:     make(map[matchKey][]*request),
	}
}

// Deliver hands an incoming message to the mailbox. body is copied.
func (m *Mailbox) Deliver(src int, tag protocol.Tag, body []byte) error {
	var cp []byte
	if body != nil {
		cp = append([]byte(nil), body...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	k := matchKey{src: src, tag: tag}
	if waiting := m.posted[k]; len(waiting) > 0 {
		r := waiting[0]
		m.posted[k] = waiting[1:]
		r.complete(cp, nil)
		return nil
	}
	m.unexpected[k] = append(m.unexpected[k], cp)
	return nil
}

// Post registers a receive for (src, tag).
func (m *Mailbox) Post(src int, tag protocol.Tag) (Request, error) {
	r := newRequest()
	r.withdraw = m.withdraw

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	k := matchKey{src: src, tag: tag}
	if queued := m.unexpected[k]; len(queued) > 0 {
		body := queued[0]
		m.unexpected[k] = queued[1:]
		r.complete(body, nil)
		return r, nil
	}
	m.posted[k] = append(m.posted[k], r)
	return r, nil
}

func (m *Mailbox) withdraw(r *request) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, waiting := range m.posted {
		for i, w := range waiting {
			if w != r {
				continue
			}
			m.posted[k] = append(waiting[:i:i], waiting[i+1:]...)
			r.markCancelled()
			return true
		}
	}
	return false
}

// Queued returns how many unmatched messages from src with tag are waiting.
func (m *Mailbox) Queued(src int, tag protocol.Tag) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unexpected[matchKey{src: src, tag: tag}])
}

// Close fails every posted receive with ErrClosed and rejects further traffic.
func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for k, waiting := range m.posted {
		for _, r := range waiting {
			r.complete(nil, fmt.Errorf("receive from %d tag %s: %w", k.src, k.tag, ErrClosed))
		}
	}
	m.posted = make(map[matchKey][]*request)
}
