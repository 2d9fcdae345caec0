package comm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmhand/internal/protocol"
)

func TestMailbox_PostThenDeliver(t *testing.T) {
	mb := NewMailbox()
	req, err := mb.Post(1, protocol.TagWork)
	require.NoError(t, err)

	done, err := req.Test()
	assert.False(t, done)
	assert.NoError(t, err)

	require.NoError(t, mb.Deliver(1, protocol.TagWork, []byte{7}))
	done, err = req.Test()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.Equal(t, []byte{7}, req.Body())
}

func TestMailbox_DeliverThenPost(t *testing.T) {
	mb := NewMailbox()
	require.NoError(t, mb.Deliver(2, protocol.TagPending, nil))
	assert.Equal(t, 1, mb.Queued(2, protocol.TagPending))

	req, err := mb.Post(2, protocol.TagPending)
	require.NoError(t, err)
	done, _ := req.Test()
	assert.True(t, done)
	assert.Equal(t, 0, mb.Queued(2, protocol.TagPending))
}

func TestMailbox_MatchesBySourceAndTag(t *testing.T) {
	mb := NewMailbox()
	work, _ := mb.Post(0, protocol.TagWork)
	finish, _ := mb.Post(0, protocol.TagFinish)

	require.NoError(t, mb.Deliver(1, protocol.TagWork, []byte{1}))
	require.NoError(t, mb.Deliver(0, protocol.TagFinish, nil))

	done, _ := work.Test()
	assert.False(t, done, "message from another source must not match")
	done, _ = finish.Test()
	assert.True(t, done)
	assert.Equal(t, 1, mb.Queued(1, protocol.TagWork))
}

func TestMailbox_PreservesPairOrder(t *testing.T) {
	mb := NewMailbox()
	for i := byte(0); i < 5; i++ {
		require.NoError(t, mb.Deliver(3, protocol.TagWork, []byte{i}))
	}
	for i := byte(0); i < 5; i++ {
		req, err := mb.Post(3, protocol.TagWork)
		require.NoError(t, err)
		assert.Equal(t, []byte{i}, req.Body())
	}
}

func TestMailbox_PostedReceivesCompleteOldestFirst(t *testing.T) {
	mb := NewMailbox()
	first, _ := mb.Post(0, protocol.TagWork)
	second, _ := mb.Post(0, protocol.TagWork)

	require.NoError(t, mb.Deliver(0, protocol.TagWork, []byte{1}))
	d1, _ := first.Test()
	d2, _ := second.Test()
	assert.True(t, d1)
	assert.False(t, d2)
}

func TestMailbox_CancelledReceiveNeverConsumes(t *testing.T) {
	mb := NewMailbox()
	req, _ := mb.Post(0, protocol.TagWork)

	assert.True(t, req.Cancel())
	assert.False(t, req.Cancel(), "second cancel is a no-op")

	done, err := req.Test()
	assert.False(t, done)
	assert.ErrorIs(t, err, ErrCancelled)

	require.NoError(t, mb.Deliver(0, protocol.TagWork, []byte{9}))
	assert.Equal(t, 1, mb.Queued(0, protocol.TagWork), "late message stays unmatched")
	assert.Nil(t, req.Body())
}

func TestMailbox_CancelAfterCompletion(t *testing.T) {
	mb := NewMailbox()
	require.NoError(t, mb.Deliver(0, protocol.TagWork, []byte{1}))
	req, _ := mb.Post(0, protocol.TagWork)
	assert.False(t, req.Cancel())
	done, err := req.Test()
	assert.True(t, done)
	assert.NoError(t, err)
}

func TestMailbox_Close(t *testing.T) {
	mb := NewMailbox()
	req, _ := mb.Post(0, protocol.TagWork)
	mb.Close()

	done, err := req.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, mb.Deliver(0, protocol.TagWork, nil), ErrClosed)
	_, err = mb.Post(0, protocol.TagWork)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMailbox_DeliverCopiesBody(t *testing.T) {
	mb := NewMailbox()
	body := []byte{1, 2}
	require.NoError(t, mb.Deliver(0, protocol.TagWork, body))
	body[0] = 42
	req, _ := mb.Post(0, protocol.TagWork)
	assert.Equal(t, []byte{1, 2}, req.Body())
}

func TestRequest_WaitUnblocksOnDelivery(t *testing.T) {
	mb := NewMailbox()
	req, _ := mb.Post(0, protocol.TagPending)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		_ = mb.Deliver(0, protocol.TagPending, nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, req.Wait(ctx))
	wg.Wait()
}

func TestRequest_WaitHonoursContext(t *testing.T) {
	mb := NewMailbox()
	req, _ := mb.Post(0, protocol.TagPending)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := req.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestPendingRequest(t *testing.T) {
	req, complete := NewPendingRequest()
	done, _ := req.Test()
	assert.False(t, done)
	assert.False(t, req.Cancel(), "send requests cannot be cancelled")

	boom := errors.New("boom")
	complete(boom)
	complete(nil)
	done, err := req.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, boom)
}

func TestMailbox_ConcurrentDelivery(t *testing.T) {
	mb := NewMailbox()
	const senders, perSender = 4, 50

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				_ = mb.Deliver(src, protocol.TagWork, protocol.EncodeJobID(i))
			}
		}(s)
	}
	wg.Wait()

	for s := 0; s < senders; s++ {
		for i := 0; i < perSender; i++ {
			req, err := mb.Post(s, protocol.TagWork)
			require.NoError(t, err)
			id, err := protocol.DecodeJobID(req.Body())
			require.NoError(t, err)
			assert.Equal(t, i, id, "per-source order must hold")
		}
	}
}
