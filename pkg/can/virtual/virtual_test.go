package virtual

import (
	"testing"
	"time"

	"github.com/halden/govcan/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConnectedPair(t *testing.T) (*Server, *Bus, *Bus) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	a := NewBus(srv.Addr())
	b := NewBus(srv.Addr())
	require.NoError(t, a.Connect())
	require.NoError(t, b.Connect())
	t.Cleanup(func() { _ = a.Disconnect(); _ = b.Disconnect() })
	return srv, a, b
}

func drain(t *testing.T, b *Bus, timeout time.Duration) []can.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out []can.Frame
	for time.Now().Before(deadline) {
		frames, err := b.Recv()
		require.NoError(t, err)
		out = append(out, frames...)
		if len(out) > 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return out
}

func TestBusSendAndRecv(t *testing.T) {
	_, a, b := newConnectedPair(t)
	id, err := can.NewStandardID(0x111)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		frame, err := can.NewFrame(0, id, []byte{byte(i)})
		require.NoError(t, err)
		queue := []can.Frame{frame}
		require.NoError(t, a.Send(&queue))
		require.Empty(t, queue)
	}

	got := drain(t, b, 300*time.Millisecond)
	require.Len(t, got, 10)
	for i, f := range got {
		assert.Equal(t, id, f.ID)
		assert.Equal(t, byte(i), f.Data[0])
		assert.False(t, f.Loopback)
	}
}

func TestBusReceiveOwn(t *testing.T) {
	_, a, _ := newConnectedPair(t)
	id, err := can.NewStandardID(0x222)
	require.NoError(t, err)
	frame, err := can.NewFrame(0, id, []byte{1, 2, 3})
	require.NoError(t, err)

	a.SetReceiveOwn(false)
	queue := []can.Frame{frame}
	require.NoError(t, a.Send(&queue))
	time.Sleep(10 * time.Millisecond)
	loopback, err := a.Recv()
	require.NoError(t, err)
	assert.Empty(t, loopback)

	a.SetReceiveOwn(true)
	queue = []can.Frame{frame}
	require.NoError(t, a.Send(&queue))
	loopback = drain(t, a, 100*time.Millisecond)
	require.Len(t, loopback, 1)
	assert.True(t, loopback[0].Loopback)
}
