package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/callstream/internal/playback"
)

func TestOutbound_SeqStampedAtDequeue(t *testing.T) {
	q := NewOutbound(10)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(ctx, []byte{byte(i), 0}))
	}
	f, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.Seq)

	dropped := q.Truncate()
	assert.Equal(t, 2, dropped)

	require.NoError(t, q.Push(ctx, []byte{9, 0}))
	cl, err := q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameClear, cl.Kind)
	assert.Zero(t, cl.Seq)

	f, err = q.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Seq, "no gap after truncation")
	assert.Equal(t, []byte{9, 0}, f.Payload)
}

func TestOutbound_StaleGenerationRefused(t *testing.T) {
	q := NewOutbound(10)
	sink := q.Sink()
	ctx := context.Background()
	require.NoError(t, sink.Push(ctx, []byte{1, 0}))
	q.Truncate()
	assert.ErrorIs(t, sink.Push(ctx, []byte{2, 0}), playback.ErrTruncated)
	assert.NoError(t, q.Sink().Push(ctx, []byte{3, 0}))
}

func TestOutbound_PushBlocksWhenFull(t *testing.T) {
	q := NewOutbound(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, []byte{1, 0}))

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, []byte{2, 0}) }()
	select {
	case <-done:
		t.Fatal("push should block while queue is full")
	case <-time.After(30 * time.Millisecond):
	}
	_, err := q.Next(ctx)
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume")
	}

	// a blocked push for an old generation gives up on truncation
	go func() { done <- q.Sink().Push(ctx, []byte{3, 0}) }()
	time.Sleep(20 * time.Millisecond)
	q.Truncate()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, playback.ErrTruncated)
	case <-time.After(time.Second):
		t.Fatal("blocked push not released by truncate")
	}
}

func TestOutbound_Close(t *testing.T) {
	q := NewOutbound(4)
	ctx := context.Background()
	require.NoError(t, q.PushMark("m1"))

	waiting := make(chan error, 1)
	q2 := NewOutbound(4)
	go func() {
		_, err := q2.Next(ctx)
		waiting <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q2.Close()
	assert.ErrorIs(t, <-waiting, ErrClosed)

	q.Close()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Push(ctx, []byte{0, 0}), ErrClosed)
	assert.Zero(t, q.Truncate())
	assert.NoError(t, q.WaitEmpty(ctx))
}

func TestOutbound_NextHonoursContext(t *testing.T) {
	q := NewOutbound(4)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
