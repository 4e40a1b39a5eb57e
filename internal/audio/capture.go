package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BlobSink receives finalized utterance blobs from the capture pipeline.
type BlobSink func(blob []byte, mime string, duration time.Duration)

type CaptureConfig struct {
	Constraints         Constraints
	AnalyserWindow      int
	Smoothing           float64
	EncodingPreference  []string
	MinUtteranceBytes   int
}

// Capture owns the microphone: it keeps the analyser's volume signal live,
// buffers frames while a recording is in flight, and finalizes utterances
// into encoded blobs. The recording flag lives in the shared Flags cell so
// the detector and engine observe it without going through this struct.
type Capture struct {
	cfg        CaptureConfig
	device     Device
	flags      *Flags
	sink       BlobSink
	classifier Classifier // optional

	analyser *Analyser
	encoder  Encoder

	mu          sync.Mutex
	frames      []Frame
	recStart    time.Time
	initialized bool
	cancel      context.CancelFunc
	done        chan struct{}

	voicedMu    sync.Mutex
	lastVoiced  bool
}

func NewCapture(cfg CaptureConfig, device Device, flags *Flags, sink BlobSink) *Capture {
	if len(cfg.EncodingPreference) == 0 {
		cfg.EncodingPreference = DefaultEncodingPreference
	}
	return &Capture{
		cfg:        cfg,
		device:     device,
		flags:      flags,
		sink:       sink,
		lastVoiced: true,
	}
}

// SetClassifier wires an optional per-frame speech classifier. Must be called
// before Initialize.
func (c *Capture) SetClassifier(cl Classifier) {
	c.classifier = cl
}

// Initialize acquires the device and starts the frame consumer. Failure here
// is a media acquisition error: the caller surfaces it and does not retry
// automatically.
func (c *Capture) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return fmt.Errorf("capture already initialized")
	}

	encoder, err := SelectEncoder(c.cfg.EncodingPreference, c.cfg.Constraints.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to select encoding: %w", err)
	}
	c.encoder = encoder

	deviceCtx, cancel := context.WithCancel(ctx)
	frames, err := c.device.Open(deviceCtx, c.cfg.Constraints)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to acquire audio device: %w", err)
	}

	c.analyser = NewAnalyser(c.cfg.AnalyserWindow, c.cfg.Smoothing)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.initialized = true

	go c.consume(frames)

	log.Info().
		Str("encoding", encoder.MimeType()).
		Int("sample_rate", c.cfg.Constraints.SampleRate).
		Msg("Audio capture initialized")

	return nil
}

func (c *Capture) consume(frames <-chan Frame) {
	defer close(c.done)
	defer log.Debug().Msg("Capture frame consumer stopped")

	for frame := range frames {
		c.analyser.Push(frame)

		if c.classifier != nil {
			voiced := c.classifier.IsSpeech(frame.PCM, frame.SampleRate)
			c.voicedMu.Lock()
			c.lastVoiced = voiced
			c.voicedMu.Unlock()
		}

		if c.flags.Recording() {
			c.mu.Lock()
			c.frames = append(c.frames, frame)
			c.mu.Unlock()
		}
	}
}

// Volume returns the analyser's current normalized volume.
func (c *Capture) Volume() float64 {
	c.mu.Lock()
	analyser := c.analyser
	c.mu.Unlock()

	if analyser == nil {
		return 0
	}
	return analyser.Volume()
}

// FrameVoiced returns the classifier's opinion of the most recent frame.
// Always true when no classifier is wired.
func (c *Capture) FrameVoiced() bool {
	c.voicedMu.Lock()
	defer c.voicedMu.Unlock()
	return c.lastVoiced
}

// StartRecording begins buffering frames. No-op when muted, already
// recording, or the pipeline is not initialized.
func (c *Capture) StartRecording() {
	if c.flags.Muted() {
		log.Debug().Msg("Start recording blocked - microphone muted")
		return
	}
	if c.flags.Recording() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}

	c.frames = c.frames[:0]
	c.recStart = time.Now()
	c.flags.SetRecording(true)

	log.Debug().Msg("Recording started")
}

// StopRecording finalizes the buffered frames into one blob and forwards it,
// unless the mic was muted by the time the recording stopped. The mute flag
// is read here, at finalization time, not when the recording began.
func (c *Capture) StopRecording() {
	if !c.flags.Recording() {
		return
	}
	c.flags.SetRecording(false)

	c.mu.Lock()
	frames := c.frames
	c.frames = nil
	start := c.recStart
	encoder := c.encoder
	c.mu.Unlock()

	if c.flags.Muted() {
		log.Debug().Msg("Discarding utterance - microphone was muted")
		return
	}
	if encoder == nil || len(frames) == 0 {
		return
	}

	blob, err := encoder.Encode(frames, c.cfg.Constraints.SampleRate)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode utterance")
		return
	}

	if len(blob) < c.cfg.MinUtteranceBytes {
		log.Debug().
			Int("bytes", len(blob)).
			Int("min_bytes", c.cfg.MinUtteranceBytes).
			Msg("Utterance blob too small, skipping")
		return
	}

	duration := time.Since(start)
	log.Debug().
		Int("bytes", len(blob)).
		Dur("duration", duration).
		Str("encoding", encoder.MimeType()).
		Msg("Forwarding utterance")

	c.sink(blob, encoder.MimeType(), duration)
}

// CancelRecording stops buffering and discards the result.
func (c *Capture) CancelRecording() {
	if !c.flags.Recording() {
		return
	}
	c.flags.SetRecording(false)

	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()

	log.Debug().Msg("Recording cancelled")
}

// Cleanup releases the device, classifier and buffers. Idempotent; safe to
// call from any error path. Leaking the device here would keep the mic open,
// so every teardown path must reach this.
func (c *Capture) Cleanup() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.frames = nil
	c.mu.Unlock()

	c.flags.SetRecording(false)

	if cancel != nil {
		cancel()
	}
	if err := c.device.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audio device")
	}
	if done != nil {
		<-done
	}
	if c.classifier != nil {
		if err := c.classifier.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close speech classifier")
		}
	}

	log.Debug().Msg("Audio capture released")
}
