package playback

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Player renders one synthesized-audio blob. Play blocks until the audio
// finishes or ctx is cancelled.
type Player interface {
	Play(ctx context.Context, blob []byte) error
}

// Sequencer plays at most one response at a time. A newly arrived blob always
// preempts whatever is still playing; the server is trusted to send audio in
// the order it should be heard.
type Sequencer struct {
	player  Player
	onStart func()
	onEnd   func(err error)

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

func NewSequencer(player Player, onStart func(), onEnd func(err error)) *Sequencer {
	return &Sequencer{player: player, onStart: onStart, onEnd: onEnd}
}

// Enqueue preempts any current playback and plays blob.
func (s *Sequencer) Enqueue(blob []byte) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		log.Debug().Msg("Preempting current playback")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.seq++
	id := s.seq
	s.mu.Unlock()

	go s.play(ctx, id, blob)
}

func (s *Sequencer) play(ctx context.Context, id uint64, blob []byte) {
	if s.onStart != nil {
		s.onStart()
	}

	log.Debug().Int("bytes", len(blob)).Msg("Playing audio response")
	err := s.player.Play(ctx, blob)

	s.mu.Lock()
	current := s.seq == id
	if current {
		s.cancel = nil
	}
	s.mu.Unlock()

	// A preempted playback stays silent: the replacement already owns the
	// speaking indicator.
	if !current || ctx.Err() != nil {
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("Audio playback failed")
	}
	if s.onEnd != nil {
		s.onEnd(err)
	}
}

// Stop cancels any current playback.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}
