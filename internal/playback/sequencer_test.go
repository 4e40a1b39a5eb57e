package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingPlayer plays until released or its context is cancelled.
type blockingPlayer struct {
	mu      sync.Mutex
	started chan []byte
	release chan struct{}
}

func newBlockingPlayer() *blockingPlayer {
	return &blockingPlayer{
		started: make(chan []byte, 8),
		release: make(chan struct{}),
	}
}

func (p *blockingPlayer) Play(ctx context.Context, blob []byte) error {
	p.started <- blob
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPlayer) waitStarted(t *testing.T) []byte {
	t.Helper()
	select {
	case blob := <-p.started:
		return blob
	case <-time.After(2 * time.Second):
		t.Fatal("playback never started")
		return nil
	}
}

type notifications struct {
	starts atomic.Int32
	ends   atomic.Int32
}

func (n *notifications) onStart()        { n.starts.Add(1) }
func (n *notifications) onEnd(err error) { n.ends.Add(1) }

func TestSequencerPlaysToCompletion(t *testing.T) {
	player := newBlockingPlayer()
	notes := &notifications{}
	s := NewSequencer(player, notes.onStart, notes.onEnd)

	s.Enqueue([]byte("response-1"))
	assert.Equal(t, []byte("response-1"), player.waitStarted(t))

	close(player.release)
	require.Eventually(t, func() bool { return notes.ends.Load() == 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, int32(1), notes.starts.Load())
}

func TestSequencerPreemptsCurrentPlayback(t *testing.T) {
	player := newBlockingPlayer()
	notes := &notifications{}
	s := NewSequencer(player, notes.onStart, notes.onEnd)

	s.Enqueue([]byte("first"))
	assert.Equal(t, []byte("first"), player.waitStarted(t))

	// A second response preempts the first; the first must end silently.
	s.Enqueue([]byte("second"))
	assert.Equal(t, []byte("second"), player.waitStarted(t))

	close(player.release)
	require.Eventually(t, func() bool { return notes.ends.Load() == 1 },
		time.Second, time.Millisecond)

	// Give the preempted goroutine a moment to misbehave, then confirm it
	// never reported completion.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), notes.ends.Load())
	assert.Equal(t, int32(2), notes.starts.Load())
}

func TestSequencerStopSilencesPlayback(t *testing.T) {
	player := newBlockingPlayer()
	notes := &notifications{}
	s := NewSequencer(player, notes.onStart, notes.onEnd)

	s.Enqueue([]byte("response"))
	player.waitStarted(t)

	s.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), notes.ends.Load())
}

func TestNullPlayerDiscards(t *testing.T) {
	assert.NoError(t, NullPlayer{}.Play(context.Background(), []byte("x")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NullPlayer{}.Play(ctx, []byte("x")))
}
