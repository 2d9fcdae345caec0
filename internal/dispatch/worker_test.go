package dispatch

import (
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/farmhand/internal/comm"
	"github.com/mattjoyce/farmhand/internal/comm/mocks"
	"github.com/mattjoyce/farmhand/internal/protocol"
)

func newLocalWorker(t *testing.T, size, rank, boss int) (*comm.LocalGroup, *Worker) {
	t.Helper()
	g, err := comm.NewLocalGroup(size)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	w, err := NewWorker(g.Comm(rank), WorkerID(boss))
	require.NoError(t, err)
	return g, w
}

func send(t *testing.T, g *comm.LocalGroup, from, to int, tag protocol.Tag, body []byte) {
	t.Helper()
	_, err := g.Comm(from).Isend(to, tag, body)
	require.NoError(t, err)
}

func TestNewWorker_StartsPending(t *testing.T) {
	_, w := newLocalWorker(t, 2, 1, 0)
	assert.Equal(t, StatusPending, w.Status())
	assert.False(t, w.IsWorking())
	assert.False(t, w.IsFinished())
	assert.Equal(t, WorkerID(1), w.ID())
	_, ok := w.CurrentJob()
	assert.False(t, ok)
}

func TestNewWorker_InvalidBoss(t *testing.T) {
	g, err := comm.NewLocalGroup(2)
	require.NoError(t, err)
	_, err = NewWorker(g.Comm(1), 4)
	assert.ErrorIs(t, err, comm.ErrInvalidRank)
}

func TestWorker_PollWithoutMessagesIsNoop(t *testing.T) {
	_, w := newLocalWorker(t, 2, 1, 0)
	for range 3 {
		require.NoError(t, w.PollStatus())
	}
	assert.Equal(t, StatusPending, w.Status())
}

func TestWorker_WorkCycle(t *testing.T) {
	g, w := newLocalWorker(t, 2, 1, 0)

	send(t, g, 0, 1, protocol.TagWork, protocol.EncodeJobID(5))
	require.NoError(t, w.PollStatus())
	require.True(t, w.IsWorking())
	job, ok := w.CurrentJob()
	require.True(t, ok)
	assert.Equal(t, JobID(5), job)

	// Working ignores further polls, even with a finish waiting.
	send(t, g, 0, 1, protocol.TagFinish, nil)
	require.NoError(t, w.PollStatus())
	assert.True(t, w.IsWorking())

	require.NoError(t, w.ReportDone())
	assert.Equal(t, StatusPending, w.Status())
	assert.Equal(t, 1, g.Mailbox(0).Queued(1, protocol.TagPending), "boss got the idle ack")

	require.NoError(t, w.PollStatus())
	assert.True(t, w.IsFinished())
}

func TestWorker_WorkWinsOverFinishInSamePoll(t *testing.T) {
	g, w := newLocalWorker(t, 2, 1, 0)
	send(t, g, 0, 1, protocol.TagWork, protocol.EncodeJobID(3))
	send(t, g, 0, 1, protocol.TagFinish, nil)

	require.NoError(t, w.PollStatus())
	require.True(t, w.IsWorking())
	require.NoError(t, w.ReportDone())
	require.NoError(t, w.PollStatus())
	assert.True(t, w.IsFinished())
}

func TestWorker_FinishCancelsWorkListen(t *testing.T) {
	g, w := newLocalWorker(t, 2, 1, 0)
	send(t, g, 0, 1, protocol.TagFinish, nil)

	require.NoError(t, w.PollStatus())
	require.True(t, w.IsFinished())

	// A late order is never matched and the worker stays finished.
	send(t, g, 0, 1, protocol.TagWork, protocol.EncodeJobID(1))
	require.NoError(t, w.PollStatus())
	assert.True(t, w.IsFinished())
	assert.Equal(t, 1, g.Mailbox(1).Queued(0, protocol.TagWork))
}

func TestWorker_ReportDoneWhileNotWorking(t *testing.T) {
	g, w := newLocalWorker(t, 2, 1, 0)
	assert.ErrorIs(t, w.ReportDone(), ErrNotWorking)

	send(t, g, 0, 1, protocol.TagFinish, nil)
	require.NoError(t, w.PollStatus())
	assert.ErrorIs(t, w.ReportDone(), ErrNotWorking)
	assert.Equal(t, 0, g.Mailbox(0).Queued(1, protocol.TagPending))
}

func TestWorker_IgnoresOtherSources(t *testing.T) {
	g, w := newLocalWorker(t, 3, 1, 0)
	send(t, g, 2, 1, protocol.TagWork, protocol.EncodeJobID(1))
	send(t, g, 2, 1, protocol.TagFinish, nil)
	require.NoError(t, w.PollStatus())
	assert.Equal(t, StatusPending, w.Status())
}

func TestWorker_BadWorkBody(t *testing.T) {
	g, w := newLocalWorker(t, 2, 1, 0)
	send(t, g, 0, 1, protocol.TagWork, []byte("x"))
	assert.Error(t, w.PollStatus())
}

func TestWorker_BossIsSelf(t *testing.T) {
	g, w := newLocalWorker(t, 1, 0, 0)
	send(t, g, 0, 0, protocol.TagWork, protocol.EncodeJobID(0))
	require.NoError(t, w.PollStatus())
	assert.True(t, w.IsWorking())
}

// The work order can complete between the two Tests in one poll. The order
// predates the finish on that pair, so it must still be run.
func TestWorker_WorkLandsBetweenPolls(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockComm(ctrl)
	work := mocks.NewMockRequest(ctrl)
	finish := mocks.NewMockRequest(ctrl)

	c.EXPECT().Size().Return(2).AnyTimes()
	c.EXPECT().Rank().Return(1).AnyTimes()
	c.EXPECT().Irecv(0, protocol.TagWork).Return(work, nil)
	c.EXPECT().Irecv(0, protocol.TagFinish).Return(finish, nil)

	w, err := NewWorker(c, 0)
	require.NoError(t, err)

	gomock.InOrder(
		work.EXPECT().Test().Return(false, nil),
		finish.EXPECT().Test().Return(true, nil),
		work.EXPECT().Cancel().Return(false),
		work.EXPECT().Test().Return(true, nil),
		work.EXPECT().Body().Return(protocol.EncodeJobID(8)),
	)

	require.NoError(t, w.PollStatus())
	job, ok := w.CurrentJob()
	require.True(t, ok)
	assert.Equal(t, JobID(8), job)
}

func TestWorker_AckFailureSurfacesOnNextPoll(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockComm(ctrl)
	work := mocks.NewMockRequest(ctrl)
	rearmed := mocks.NewMockRequest(ctrl)
	ack := mocks.NewMockRequest(ctrl)

	c.EXPECT().Size().Return(2).AnyTimes()
	c.EXPECT().Rank().Return(1).AnyTimes()
	c.EXPECT().Irecv(0, protocol.TagWork).Return(work, nil)
	c.EXPECT().Irecv(0, protocol.TagFinish).Return(mocks.NewMockRequest(ctrl), nil)

	w, err := NewWorker(c, 0)
	require.NoError(t, err)

	work.EXPECT().Test().Return(true, nil)
	work.EXPECT().Body().Return(protocol.EncodeJobID(1))
	require.NoError(t, w.PollStatus())

	c.EXPECT().Isend(0, protocol.TagPending, gomock.Nil()).Return(ack, nil)
	c.EXPECT().Irecv(0, protocol.TagWork).Return(rearmed, nil)
	require.NoError(t, w.ReportDone())

	boom := errors.New("connection refused")
	ack.EXPECT().Test().Return(true, boom)
	assert.ErrorIs(t, w.PollStatus(), boom)
}

func TestWorker_ReportDoneFailureKeepsWorking(t *testing.T) {
	boom := errors.New("link down")

	newWorking := func(t *testing.T) (*gomock.Controller, *mocks.MockComm, *Worker) {
		ctrl := gomock.NewController(t)
		c := mocks.NewMockComm(ctrl)
		work := mocks.NewMockRequest(ctrl)
		c.EXPECT().Size().Return(2).AnyTimes()
		c.EXPECT().Rank().Return(1).AnyTimes()
		c.EXPECT().Irecv(0, protocol.TagWork).Return(work, nil)
		c.EXPECT().Irecv(0, protocol.TagFinish).Return(mocks.NewMockRequest(ctrl), nil)

		w, err := NewWorker(c, 0)
		require.NoError(t, err)
		work.EXPECT().Test().Return(true, nil)
		work.EXPECT().Body().Return(protocol.EncodeJobID(4))
		require.NoError(t, w.PollStatus())
		return ctrl, c, w
	}

	t.Run("rearm fails before anything is sent", func(t *testing.T) {
		_, c, w := newWorking(t)
		// No Isend expectation: sending the idle message would fail the test.
		c.EXPECT().Irecv(0, protocol.TagWork).Return(nil, boom)

		assert.ErrorIs(t, w.ReportDone(), boom)
		assert.True(t, w.IsWorking())
		job, ok := w.CurrentJob()
		assert.True(t, ok)
		assert.Equal(t, JobID(4), job)
	})

	t.Run("send fails and the new listen is withdrawn", func(t *testing.T) {
		ctrl, c, w := newWorking(t)
		rearmed := mocks.NewMockRequest(ctrl)
		gomock.InOrder(
			c.EXPECT().Irecv(0, protocol.TagWork).Return(rearmed, nil),
			c.EXPECT().Isend(0, protocol.TagPending, gomock.Nil()).Return(nil, boom),
			rearmed.EXPECT().Cancel().Return(true),
		)

		assert.ErrorIs(t, w.ReportDone(), boom)
		assert.True(t, w.IsWorking())
	})
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "pending", StatusPending.String())
	assert.Equal(t, "working", StatusWorking.String())
	assert.Equal(t, "finished", StatusFinished.String())
	assert.Equal(t, "status(9)", Status(9).String())
}
