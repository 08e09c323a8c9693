package can

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is an in-memory can.Adapter: Send immediately echoes every
// frame back through Recv (Loopback=true), and externally injected frames
// (via inject) are also surfaced by Recv.
type fakeAdapter struct {
	mu       sync.Mutex
	pending  []Frame
	recvErr  error
	sendHook func(f Frame) bool // return false to simulate a dropped send
}

func (a *fakeAdapter) Send(queue *[]Frame) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	frames := *queue
	sent := 0
	for _, f := range frames {
		if a.sendHook != nil && !a.sendHook(f) {
			break
		}
		a.pending = append(a.pending, f.WithLoopback(true))
		sent++
	}
	*queue = append([]Frame(nil), frames[sent:]...)
	return nil
}

func (a *fakeAdapter) Recv() ([]Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recvErr != nil {
		return nil, a.recvErr
	}
	out := a.pending
	a.pending = nil
	return out, nil
}

func (a *fakeAdapter) inject(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, f)
}

func TestDispatcherSendUnblocksOnLoopback(t *testing.T) {
	adapter := &fakeAdapter{}
	disp := NewDispatcher(adapter)
	defer disp.Close()

	id, _ := NewStandardID(0x123)
	frame, _ := NewFrame(0, id, []byte{1, 2, 3})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, disp.Send(ctx, frame))
}

func TestDispatcherBroadcastsReceivedFrames(t *testing.T) {
	adapter := &fakeAdapter{}
	disp := NewDispatcher(adapter)
	defer disp.Close()

	sub := disp.Recv()
	defer sub.Close()

	id, _ := NewStandardID(0x456)
	frame, _ := NewFrame(1, id, []byte{9})
	adapter.inject(frame)

	select {
	case got := <-sub.C():
		assert.True(t, got.Equal(frame))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}

func TestDispatcherRecvFilter(t *testing.T) {
	adapter := &fakeAdapter{}
	disp := NewDispatcher(adapter)
	defer disp.Close()

	want, _ := NewStandardID(0x200)
	other, _ := NewStandardID(0x201)

	sub := disp.RecvFilter(func(f Frame) bool { return f.ID == want })
	defer sub.Close()

	wantFrame, _ := NewFrame(0, want, []byte{1})
	otherFrame, _ := NewFrame(0, other, []byte{2})
	adapter.inject(otherFrame)
	adapter.inject(wantFrame)

	select {
	case got := <-sub.C():
		assert.True(t, got.Equal(wantFrame))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered frame")
	}
	select {
	case got := <-sub.C():
		t.Fatalf("unexpected second frame delivered: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcherFailsFatalOnReorder(t *testing.T) {
	adapter := &fakeAdapter{}
	disp := NewDispatcher(adapter)
	defer disp.Close()

	id, _ := NewStandardID(0x300)
	unsolicited, _ := NewFrame(0, id, []byte{1})
	adapter.inject(unsolicited.WithLoopback(true))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, _ := NewFrame(0, id, []byte{2})
	err := disp.Send(ctx, frame)
	require.Error(t, err)
}

func TestDispatcherRecvErrorIsFatal(t *testing.T) {
	boom := errors.New("boom")
	adapter := &fakeAdapter{}
	adapter.mu.Lock()
	adapter.recvErr = boom
	adapter.mu.Unlock()

	disp := NewDispatcher(adapter)
	defer disp.Close()

	id, _ := NewStandardID(0x400)
	frame, _ := NewFrame(0, id, []byte{1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := disp.Send(ctx, frame)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}
