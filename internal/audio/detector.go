package audio

import (
	"time"
)

// Action is the decision the detector makes for one tick.
type Action int

const (
	ActionNone Action = iota
	// ActionStart begins a new recording.
	ActionStart
	// ActionCommit finalizes the recording and forwards the utterance.
	ActionCommit
	// ActionDiscard drops a recording judged too short to be speech.
	ActionDiscard
	// ActionCancel aborts an in-flight recording because the mic was muted.
	ActionCancel
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionStart:
		return "start"
	case ActionCommit:
		return "commit"
	case ActionDiscard:
		return "discard"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Sample is one tick's worth of input to the detector.
type Sample struct {
	// Volume is the normalized [0,1] volume from the analyser.
	Volume float64
	// Playing reports whether synthesized audio is currently playing back;
	// speech is never started against our own playback.
	Playing bool
	// Voiced is the frame classifier's opinion. True when no classifier is
	// wired.
	Voiced bool
}

// DetectorConfig holds the hysteresis and timing rules. The frame counts are
// empirically tuned; treat them as knobs, not derived quantities.
type DetectorConfig struct {
	VoiceThreshold       float64
	SpeechStartFrames    int
	SilenceConfirmFrames int
	SilenceTimeout       time.Duration
	MinUtteranceDuration time.Duration
}

// Detector decides when a recording starts, commits or is discarded. It is a
// pure tick function over volume samples and an injected clock: callers feed
// Process once per frame and act on the returned Action. Mute is read fresh
// from the shared flags every tick, so a recording in flight is cancelled on
// the first tick after mute, not when the next callback happens to rebuild
// its closure.
type Detector struct {
	cfg   DetectorConfig
	flags *Flags

	listening       bool
	voiceFrames     int
	silenceFrames   int
	recordingStart  time.Time
	silenceDeadline time.Time
}

func NewDetector(cfg DetectorConfig, flags *Flags) *Detector {
	return &Detector{cfg: cfg, flags: flags}
}

// Process consumes one sample and returns at most one state transition.
func (d *Detector) Process(s Sample, now time.Time) Action {
	if d.flags.Muted() {
		if d.listening {
			d.reset()
			return ActionCancel
		}
		return ActionNone
	}

	voiced := s.Voiced && !s.Playing && s.Volume > d.cfg.VoiceThreshold

	if voiced {
		d.voiceFrames++
		d.silenceFrames = 0

		if !d.listening && d.voiceFrames >= d.cfg.SpeechStartFrames {
			d.listening = true
			d.recordingStart = now
			d.silenceDeadline = now.Add(d.cfg.SilenceTimeout)
			return ActionStart
		}

		if d.listening {
			// Voice resets the silence countdown.
			d.silenceDeadline = now.Add(d.cfg.SilenceTimeout)
		}

		return ActionNone
	}

	d.voiceFrames = 0
	d.silenceFrames++

	if !d.listening {
		return ActionNone
	}

	// Two ways out of a recording: enough consecutive silent frames, or the
	// silence deadline expiring. Both apply the same minimum-duration rule.
	if d.silenceFrames >= d.cfg.SilenceConfirmFrames || !now.Before(d.silenceDeadline) {
		elapsed := now.Sub(d.recordingStart)
		d.reset()
		if elapsed >= d.cfg.MinUtteranceDuration {
			return ActionCommit
		}
		return ActionDiscard
	}

	return ActionNone
}

// Listening reports whether the detector considers an utterance in flight.
func (d *Detector) Listening() bool {
	return d.listening
}

// Reset clears all hysteresis state.
func (d *Detector) Reset() {
	d.reset()
}

func (d *Detector) reset() {
	d.listening = false
	d.voiceFrames = 0
	d.silenceFrames = 0
	d.silenceDeadline = time.Time{}
}
