package frame

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounted(counter *atomic.Int32) *Frame {
	return New(2, 2, 3, make([]byte, 12), time.Now(), func() { counter.Add(1) })
}

func TestReleaseRunsOnce(t *testing.T) {
	var released atomic.Int32
	f := newCounted(&released)

	f.Release()
	f.Release()

	assert.Equal(t, int32(1), released.Load())
}

func TestReleaseNilFrame(t *testing.T) {
	var f *Frame
	f.Release()
}

func TestUprightSize(t *testing.T) {
	tests := []struct {
		rotation int
		wantW    int
		wantH    int
	}{
		{0, 640, 480},
		{90, 480, 640},
		{180, 640, 480},
		{270, 480, 640},
		{-90, 480, 640},
		{450, 480, 640},
	}
	for _, tt := range tests {
		f := &Frame{Width: 640, Height: 480, Rotation: tt.rotation}
		w, h := f.UprightSize()
		assert.Equal(t, tt.wantW, w, "rotation %d", tt.rotation)
		assert.Equal(t, tt.wantH, h, "rotation %d", tt.rotation)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, New(2, 2, 3, make([]byte, 12), time.Time{}, nil).Valid())
	assert.False(t, New(2, 2, 3, make([]byte, 11), time.Time{}, nil).Valid())
	assert.False(t, New(0, 2, 3, nil, time.Time{}, nil).Valid())
}

func TestMailboxNewestWins(t *testing.T) {
	m := NewMailbox()
	var released atomic.Int32

	first := newCounted(&released)
	second := newCounted(&released)
	require.True(t, m.Publish(first))
	require.True(t, m.Publish(second))

	// The overwritten frame is released immediately.
	assert.Equal(t, int32(1), released.Load())

	got := m.Next()
	assert.Same(t, second, got)

	published, dropped := m.Stats()
	assert.Equal(t, uint64(2), published)
	assert.Equal(t, uint64(1), dropped)
}

func TestMailboxNextBlocksUntilPublish(t *testing.T) {
	m := NewMailbox()
	want := New(1, 1, 3, make([]byte, 3), time.Now(), nil)

	var wg sync.WaitGroup
	var got *Frame
	wg.Add(1)
	go func() {
		defer wg.Done()
		got = m.Next()
	}()

	time.Sleep(10 * time.Millisecond)
	m.Publish(want)
	wg.Wait()

	assert.Same(t, want, got)
}

func TestMailboxCloseReleasesPendingAndWakes(t *testing.T) {
	m := NewMailbox()
	var released atomic.Int32
	m.Publish(newCounted(&released))

	m.Close()
	assert.Equal(t, int32(1), released.Load())
	assert.Nil(t, m.Next())

	late := newCounted(&released)
	assert.False(t, m.Publish(late))
	assert.Equal(t, int32(2), released.Load(), "frames published after close are released")
}
