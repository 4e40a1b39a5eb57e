package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// FilePlayer "renders" responses by writing each blob to a numbered file.
// Used by the headless CLI, where there is no speaker to drive.
type FilePlayer struct {
	dir string
	n   atomic.Uint64
}

func NewFilePlayer(dir string) (*FilePlayer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create playback directory: %w", err)
	}
	return &FilePlayer{dir: dir}, nil
}

func (p *FilePlayer) Play(ctx context.Context, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := filepath.Join(p.dir, fmt.Sprintf("response_%04d.audio", p.n.Add(1)))
	if err := os.WriteFile(name, blob, 0644); err != nil {
		return fmt.Errorf("failed to write audio response: %w", err)
	}

	log.Debug().Str("file", name).Int("bytes", len(blob)).Msg("Saved audio response")
	return nil
}

// NullPlayer discards audio. Handy in tests and dry runs.
type NullPlayer struct{}

func (NullPlayer) Play(ctx context.Context, blob []byte) error {
	return ctx.Err()
}
