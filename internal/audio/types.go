package audio

import (
	"context"
	"sync/atomic"
	"time"
)

// Frame is one block of mono PCM samples delivered by the capture device.
type Frame struct {
	PCM        []int16
	SampleRate int
	Time       time.Time
}

// Constraints are the capture settings requested when opening a device.
type Constraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Device is a microphone source. Open starts frame delivery; the returned
// channel is closed when the device stops or ctx is cancelled.
type Device interface {
	Open(ctx context.Context, c Constraints) (<-chan Frame, error)
	Close() error
}

// Encoder assembles buffered PCM frames into one utterance blob.
type Encoder interface {
	MimeType() string
	Encode(frames []Frame, sampleRate int) ([]byte, error)
}

// Classifier decides whether a PCM frame contains speech.
type Classifier interface {
	IsSpeech(pcm []int16, sampleRate int) bool
	Close() error
}

// Flags holds the mute and recording state shared between the engine loop,
// the tick-driven detector and the recorder finalization path. Each flag has
// a single writer; readers always observe the current value rather than one
// captured when their callback was created.
type Flags struct {
	muted     atomic.Bool
	recording atomic.Bool
}

func (f *Flags) Muted() bool         { return f.muted.Load() }
func (f *Flags) SetMuted(v bool)     { f.muted.Store(v) }
func (f *Flags) Recording() bool     { return f.recording.Load() }
func (f *Flags) SetRecording(v bool) { f.recording.Store(v) }
