package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/user/voice-tutor/internal/audio"
	"github.com/user/voice-tutor/internal/config"
	"github.com/user/voice-tutor/internal/transport"
)

const closeCodeNormal = 1000

// Conn is the slice of the transport channel the engine drives. Satisfied by
// *transport.Channel; tests substitute scripted connections.
type Conn interface {
	Handshake(ctx context.Context, voiceID string, sc transport.Context) error
	SendVoice(voiceID string) error
	SendUtterance(blob []byte) error
	Open() bool
	Close(code int, reason string) error
}

// Dialer opens a connection whose inbound traffic lands on h.
type Dialer func(ctx context.Context, h transport.Handler) (Conn, error)

// CapturePipeline is the slice of audio.Capture the engine drives.
type CapturePipeline interface {
	Initialize(ctx context.Context) error
	StartRecording()
	StopRecording()
	CancelRecording()
	Volume() float64
	FrameVoiced() bool
	Cleanup()
}

// AudioSink receives synthesized-audio payloads for playback.
type AudioSink interface {
	Enqueue(blob []byte)
	Stop()
}

// HistorySink receives the finished conversation. Called fire-and-forget on
// user-initiated disconnect; the engine treats it as opaque.
type HistorySink interface {
	Append(sessionID, companionID string, messages []Message) error
}

// Info is the companion and unit metadata snapshot supplied by the caller at
// construction time.
type Info struct {
	CompanionID   string
	CompanionName string
	Subject       string
	Style         string
	Topic         string
	UnitTitle     string
	UnitContent   string
}

// Engine orchestrates one voice tutoring call: connection handshake, call
// status, voice activity ticks, utterance forwarding and teardown. All state
// transitions happen on a single event loop (Run); socket, capture, timer and
// playback callbacks only post typed events into it, so at most one of them
// mutates engine state at any moment.
type Engine struct {
	cfg      *config.Config
	info     Info
	flags    *audio.Flags
	detector *audio.Detector

	capture  CapturePipeline
	playback AudioSink
	history  HistorySink
	dial     Dialer

	transcript *Transcript
	events     chan event

	mu            sync.RWMutex
	status        CallStatus
	connErr       string
	retryCount    int
	speaking      bool
	selectedVoice string

	// Loop-owned; never touched outside Run.
	conn       Conn
	runCtx     context.Context
	tickCancel context.CancelFunc
	pending    []*time.Timer

	sessionID string

	// Test seam for reconnect and settle timers.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

type event interface{ isEvent() }

type evConnect struct{}
type evDial struct{}
type evSocketOpened struct{ conn Conn }
type evHandshakeDone struct{ err error }
type evInitAudio struct{}
type evAudioReady struct{}
type evMediaError struct{ err error }
type evServerEvent struct{ ev transport.ServerEvent }
type evServerAudio struct{ blob []byte }
type evSocketClosed struct {
	code int
	err  error
}
type evTick struct{ now time.Time }
type evChunkReady struct{ blob []byte }
type evPlaybackStarted struct{}
type evPlaybackEnded struct{ err error }
type evDisconnect struct{}
type evToggleMute struct{}
type evSetVoice struct{ id string }
type evClearTranscript struct{}

func (evConnect) isEvent()         {}
func (evDial) isEvent()            {}
func (evSocketOpened) isEvent()    {}
func (evHandshakeDone) isEvent()   {}
func (evInitAudio) isEvent()       {}
func (evAudioReady) isEvent()      {}
func (evMediaError) isEvent()      {}
func (evServerEvent) isEvent()     {}
func (evServerAudio) isEvent()     {}
func (evSocketClosed) isEvent()    {}
func (evTick) isEvent()            {}
func (evChunkReady) isEvent()      {}
func (evPlaybackStarted) isEvent() {}
func (evPlaybackEnded) isEvent()   {}
func (evDisconnect) isEvent()      {}
func (evToggleMute) isEvent()      {}
func (evSetVoice) isEvent()        {}
func (evClearTranscript) isEvent() {}

func New(cfg *config.Config, info Info, history HistorySink) *Engine {
	flags := &audio.Flags{}

	e := &Engine{
		cfg:   cfg,
		info:  info,
		flags: flags,
		detector: audio.NewDetector(audio.DetectorConfig{
			VoiceThreshold:       cfg.VoiceThreshold,
			SpeechStartFrames:    cfg.SpeechStartFrames,
			SilenceConfirmFrames: cfg.SilenceConfirmFrames,
			SilenceTimeout:       cfg.SilenceTimeout,
			MinUtteranceDuration: cfg.MinUtteranceDuration,
		}, flags),
		history:       history,
		transcript:    NewTranscript(),
		events:        make(chan event, 1024),
		status:        StatusInactive,
		selectedVoice: cfg.DefaultVoiceID,
		sessionID:     uuid.NewString(),
		afterFunc:     time.AfterFunc,
	}
	e.dial = e.defaultDial

	return e
}

// Flags exposes the shared mute/recording cell for wiring the capture
// pipeline.
func (e *Engine) Flags() *audio.Flags { return e.flags }

// AttachCapture wires the capture pipeline. Must happen before Connect.
func (e *Engine) AttachCapture(cp CapturePipeline) { e.capture = cp }

// AttachPlayback wires the playback sequencer. Must happen before Connect.
func (e *Engine) AttachPlayback(sink AudioSink) { e.playback = sink }

// SetDialer overrides the transport dialer.
func (e *Engine) SetDialer(d Dialer) { e.dial = d }

// UtteranceSink returns the capture pipeline's blob sink.
func (e *Engine) UtteranceSink() audio.BlobSink {
	return func(blob []byte, mime string, duration time.Duration) {
		e.post(evChunkReady{blob: blob})
	}
}

// PlaybackStarted is the sequencer's start notification.
func (e *Engine) PlaybackStarted() { e.post(evPlaybackStarted{}) }

// PlaybackEnded is the sequencer's end/error notification.
func (e *Engine) PlaybackEnded(err error) { e.post(evPlaybackEnded{err: err}) }

// transport.Handler implementation; runs on the channel's read goroutine.

func (e *Engine) OnEvent(ev transport.ServerEvent) { e.post(evServerEvent{ev: ev}) }
func (e *Engine) OnAudio(blob []byte)              { e.post(evServerAudio{blob: blob}) }
func (e *Engine) OnClosed(code int, err error)     { e.post(evSocketClosed{code: code, err: err}) }

// Run processes events until ctx is cancelled. It must be running before any
// of the command methods are used.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	defer e.cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

// Connect starts a call. From a terminal state this tears down the previous
// call's resources first.
func (e *Engine) Connect() error {
	switch e.Status() {
	case StatusConnecting:
		return fmt.Errorf("connection already in progress")
	case StatusActive:
		return fmt.Errorf("call already active")
	}

	e.post(evConnect{})
	return nil
}

// Disconnect ends the call cleanly and records the session history.
func (e *Engine) Disconnect() { e.post(evDisconnect{}) }

// ToggleMicrophone flips the mute flag. Valid only during an active call.
func (e *Engine) ToggleMicrophone() error {
	if e.Status() != StatusActive {
		return fmt.Errorf("microphone toggle requires an active call")
	}

	e.post(evToggleMute{})
	return nil
}

// SetVoice selects the synthesis voice for the next connect. Refused while a
// call is active or connecting.
func (e *Engine) SetVoice(id string) error {
	switch st := e.Status(); st {
	case StatusActive, StatusConnecting:
		return fmt.Errorf("voice cannot change while call is %s", st)
	}

	e.post(evSetVoice{id: id})
	return nil
}

// ClearTranscript wipes the conversation log.
func (e *Engine) ClearTranscript() { e.post(evClearTranscript{}) }

func (e *Engine) Status() CallStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// ConnectionError returns the current user-visible failure reason, if any.
func (e *Engine) ConnectionError() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connErr
}

func (e *Engine) RetryCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retryCount
}

// Speaking reports whether synthesized audio is playing back.
func (e *Engine) Speaking() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.speaking
}

func (e *Engine) Muted() bool { return e.flags.Muted() }

func (e *Engine) Voice() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.selectedVoice
}

func (e *Engine) Transcript() *Transcript { return e.transcript }

func (e *Engine) SessionID() string { return e.sessionID }

// --- event loop ---

func (e *Engine) post(ev event) {
	e.events <- ev
}

// postTick drops ticks rather than backing up the loop.
func (e *Engine) postTick(ev event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case evConnect:
		e.handleConnect()
	case evDial:
		if e.Status() != StatusConnecting {
			return
		}
		e.startDial()
	case evSocketOpened:
		e.handleSocketOpened(ev.conn)
	case evHandshakeDone:
		e.handleHandshakeDone(ev.err)
	case evInitAudio:
		e.handleInitAudio()
	case evAudioReady:
		if e.Status() != StatusActive {
			return
		}
		e.startTicks()
	case evMediaError:
		e.handleMediaError(ev.err)
	case evTick:
		e.handleTick(ev.now)
	case evChunkReady:
		e.handleChunk(ev.blob)
	case evServerEvent:
		e.handleServerEvent(ev.ev)
	case evServerAudio:
		if e.playback != nil {
			e.playback.Enqueue(ev.blob)
		}
	case evPlaybackStarted:
		e.setSpeaking(true)
	case evPlaybackEnded:
		e.setSpeaking(false)
		if ev.err != nil {
			// Playback failure is recoverable; the call stays up.
			log.Warn().Err(ev.err).Msg("Audio playback error")
		}
	case evSocketClosed:
		e.handleSocketClosed(ev.code, ev.err)
	case evDisconnect:
		e.handleDisconnect()
	case evToggleMute:
		e.handleToggleMute()
	case evSetVoice:
		e.handleSetVoice(ev.id)
	case evClearTranscript:
		e.transcript.Clear()
	}
}

func (e *Engine) handleConnect() {
	switch e.Status() {
	case StatusConnecting, StatusActive:
		return
	case StatusFinished, StatusError:
		// A new call requires a full teardown of the previous one.
		e.cleanup()
		e.sessionID = uuid.NewString()
	}

	e.setStatus(StatusConnecting)
	e.setConnErr("")
	e.setRetryCount(0)

	log.Info().Str("session_id", e.sessionID).Str("url", e.cfg.ServerURL).Msg("Starting connection")
	e.startDial()
}

func (e *Engine) startDial() {
	go func() {
		conn, err := e.dial(e.runCtx, e)
		if err != nil {
			log.Warn().Err(err).Msg("Dial failed")
			e.post(evSocketClosed{code: -1, err: err})
			return
		}
		e.post(evSocketOpened{conn: conn})
	}()
}

func (e *Engine) handleSocketOpened(conn Conn) {
	if e.Status() != StatusConnecting {
		// The user disconnected while the dial was in flight.
		_ = conn.Close(closeCodeNormal, "call no longer active")
		return
	}

	e.conn = conn

	go func() {
		err := conn.Handshake(e.runCtx, e.Voice(), e.buildContext())
		e.post(evHandshakeDone{err: err})
	}()
}

func (e *Engine) handleHandshakeDone(err error) {
	if e.Status() != StatusConnecting {
		return
	}

	if err != nil {
		log.Warn().Err(err).Msg("Handshake failed")
		e.setConnErr(fmt.Sprintf("Connection lost: %v", err))
		if e.conn != nil {
			// Closing here makes the read loop report the failure; the
			// close event drives the reconnect decision exactly once.
			_ = e.conn.Close(1001, "handshake aborted")
		}
		return
	}

	e.setStatus(StatusActive)
	e.setRetryCount(0)
	e.setConnErr("")
	log.Info().Str("session_id", e.sessionID).Msg("Call active")

	e.schedule(e.cfg.AudioInitDelay, func() { e.post(evInitAudio{}) })
}

func (e *Engine) handleInitAudio() {
	if e.Status() != StatusActive || e.capture == nil {
		return
	}

	go func() {
		if err := e.capture.Initialize(e.runCtx); err != nil {
			e.post(evMediaError{err: err})
			return
		}
		e.post(evAudioReady{})
	}()
}

func (e *Engine) handleMediaError(err error) {
	// Microphone acquisition failure is fatal for this attempt; there is no
	// auto-retry, the user must explicitly reconnect.
	log.Error().Err(err).Msg("Failed to initialize audio")
	e.setConnErr(fmt.Sprintf("Audio initialization failed: %v", err))
	e.setStatus(StatusError)
	e.teardownCall()
}

func (e *Engine) handleTick(now time.Time) {
	if e.Status() != StatusActive || e.capture == nil {
		return
	}

	sample := audio.Sample{
		Volume:  e.capture.Volume(),
		Playing: e.Speaking(),
		Voiced:  e.capture.FrameVoiced(),
	}

	switch e.detector.Process(sample, now) {
	case audio.ActionStart:
		e.capture.StartRecording()
	case audio.ActionCommit:
		e.capture.StopRecording()
	case audio.ActionDiscard:
		e.capture.CancelRecording()
	case audio.ActionCancel:
		e.capture.CancelRecording()
	}
}

func (e *Engine) handleChunk(blob []byte) {
	if e.conn == nil || !e.conn.Open() {
		log.Error().Msg("Cannot send utterance - connection not open")
		return
	}

	if err := e.conn.SendUtterance(blob); err != nil {
		log.Error().Err(err).Msg("Failed to send utterance")
	}
}

func (e *Engine) handleServerEvent(ev transport.ServerEvent) {
	switch ev.Type {
	case transport.EventConnectionEstablished:
		e.setConnErr("")
		e.setRetryCount(0)

	case transport.EventVoiceChanged:
		name := ev.VoiceName
		if name == "" {
			name = ev.VoiceID
		}
		e.transcript.Append(RoleAssistant, "Voice changed to "+name, "")

	case transport.EventContextSet:
		log.Debug().Str("message", ev.Message).Msg("Context set")

	case transport.EventProcessingStart:
		log.Debug().Msg("Server processing started")

	case transport.EventNoSpeechDetected:
		log.Debug().Msg("No speech detected in utterance")

	case transport.EventTranscript:
		e.transcript.Append(RoleUser, ev.Text, ev.Timestamp)

	case transport.EventAIResponse:
		e.transcript.Append(RoleAssistant, ev.Text, ev.Timestamp)

	case transport.EventAudioStart:
		e.setSpeaking(true)

	case transport.EventAudioEnd:
		e.setSpeaking(false)

	case transport.EventError:
		log.Error().Str("message", ev.Message).Msg("Server error")
		e.setConnErr(ev.Message)
		e.transcript.Append(RoleError, "Error: "+ev.Message, "")
		// Playback-scoped errors are recoverable; anything else ends the call.
		if !strings.Contains(strings.ToLower(ev.Message), "audio") {
			e.setStatus(StatusError)
			e.teardownCall()
		}

	case transport.EventPong:
		log.Debug().Msg("Heartbeat acknowledged")

	default:
		log.Debug().Str("type", ev.Type).Msg("Unknown server event, ignoring")
	}
}

func (e *Engine) handleSocketClosed(code int, err error) {
	switch e.Status() {
	case StatusFinished, StatusInactive, StatusError:
		// Intentional close, or a connection we already gave up on.
		return
	}

	if code == closeCodeNormal {
		// Clean close from the server: no reconnection.
		log.Info().Msg("Connection closed cleanly")
		e.setStatus(StatusInactive)
		e.teardownCall()
		return
	}

	reason := "Unknown error"
	if err != nil {
		reason = err.Error()
	}
	e.setConnErr("Connection lost: " + reason)
	log.Warn().Int("code", code).Err(err).Msg("Connection lost")

	e.stopCall()
	e.handleReconnect()
}

func (e *Engine) handleReconnect() {
	retry := e.RetryCount()
	if retry >= e.cfg.MaxRetryAttempts {
		e.setStatus(StatusError)
		e.setConnErr("Connection failed after multiple attempts.")
		log.Error().Int("attempts", retry).Msg("Retry budget exhausted")
		e.teardownCall()
		return
	}

	delay := time.Duration(1<<uint(retry)) * time.Second
	e.setRetryCount(retry + 1)
	e.setStatus(StatusConnecting)

	log.Info().
		Int("attempt", retry+1).
		Int("max_attempts", e.cfg.MaxRetryAttempts).
		Dur("delay", delay).
		Msg("Scheduling reconnect")

	e.schedule(delay, func() { e.post(evDial{}) })
}

func (e *Engine) handleDisconnect() {
	switch e.Status() {
	case StatusActive, StatusConnecting:
	default:
		return
	}

	log.Info().Str("session_id", e.sessionID).Msg("Disconnecting")
	e.setStatus(StatusFinished)

	// Fire-and-forget: the history write must not delay teardown.
	if e.history != nil {
		messages := e.transcript.Messages()
		sessionID, companionID := e.sessionID, e.info.CompanionID
		go func() {
			if err := e.history.Append(sessionID, companionID, messages); err != nil {
				log.Warn().Err(err).Msg("Failed to record session history")
			}
		}()
	}

	if e.conn != nil {
		_ = e.conn.Close(closeCodeNormal, "user disconnected")
	}
	e.teardownCall()
}

func (e *Engine) handleToggleMute() {
	if e.Status() != StatusActive {
		return
	}

	muted := !e.flags.Muted()
	e.flags.SetMuted(muted)

	// A recording in flight is aborted right away rather than on the next
	// detector tick.
	if muted && e.flags.Recording() && e.capture != nil {
		e.capture.CancelRecording()
		e.detector.Reset()
	}

	log.Info().Bool("muted", muted).Msg("Microphone toggled")
}

func (e *Engine) handleSetVoice(id string) {
	switch e.Status() {
	case StatusActive, StatusConnecting:
		return
	}

	e.mu.Lock()
	e.selectedVoice = id
	e.mu.Unlock()

	if e.conn != nil && e.conn.Open() {
		if err := e.conn.SendVoice(id); err != nil {
			log.Warn().Err(err).Msg("Failed to send voice selection")
		}
	}

	log.Info().Str("voice_id", id).Msg("Voice selected")
}

func (e *Engine) buildContext() transport.Context {
	return transport.Context{
		Subject:       orDefault(e.info.Subject, "General"),
		UnitTitle:     orDefault(e.info.UnitTitle, "Introduction"),
		UnitContent:   orDefault(e.info.UnitContent, "Welcome to the course"),
		Style:         orDefault(e.info.Style, "conversational"),
		CompanionName: orDefault(e.info.CompanionName, "AI Tutor"),
		Topic:         orDefault(e.info.Topic, e.info.Subject),
	}
}

func (e *Engine) defaultDial(ctx context.Context, h transport.Handler) (Conn, error) {
	return transport.Dial(ctx, e.cfg.ServerURL, transport.Options{
		DialTimeout:       e.cfg.DialTimeout,
		HeartbeatInterval: e.cfg.HeartbeatInterval,
		HandshakeDelay:    e.cfg.HandshakeDelay,
	}, h)
}

func (e *Engine) startTicks() {
	if e.tickCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(e.runCtx)
	e.tickCancel = cancel

	go func() {
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				e.postTick(evTick{now: now})
			}
		}
	}()
}

func (e *Engine) stopTicks() {
	if e.tickCancel != nil {
		e.tickCancel()
		e.tickCancel = nil
	}
}

// stopCall releases per-connection resources but keeps the engine ready for a
// reconnect attempt. Teardown order matters: the tick loop goes first so no
// further detector work is scheduled, then timers, then media.
func (e *Engine) stopCall() {
	e.stopTicks()
	e.cancelTimers()

	if e.capture != nil {
		e.capture.Cleanup()
	}
	if e.playback != nil {
		e.playback.Stop()
	}

	e.detector.Reset()
	e.setSpeaking(false)
	e.conn = nil
}

// teardownCall is stopCall plus an intentional socket close. Every fatal path
// funnels through here so no error leaves the mic held or the socket
// half-open.
func (e *Engine) teardownCall() {
	if e.conn != nil && e.conn.Open() {
		_ = e.conn.Close(closeCodeNormal, "session ended")
	}
	e.stopCall()
}

func (e *Engine) cleanup() {
	log.Debug().Msg("Cleaning up engine resources")
	e.teardownCall()
	e.flags.SetMuted(false)
}

func (e *Engine) schedule(d time.Duration, f func()) {
	e.pending = append(e.pending, e.afterFunc(d, f))
}

func (e *Engine) cancelTimers() {
	for _, t := range e.pending {
		t.Stop()
	}
	e.pending = nil
}

func (e *Engine) setStatus(s CallStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != s {
		log.Debug().Str("from", e.status.String()).Str("to", s.String()).Msg("Call status changed")
		e.status = s
	}
}

func (e *Engine) setConnErr(msg string) {
	e.mu.Lock()
	e.connErr = msg
	e.mu.Unlock()
}

func (e *Engine) setRetryCount(n int) {
	e.mu.Lock()
	e.retryCount = n
	e.mu.Unlock()
}

func (e *Engine) setSpeaking(v bool) {
	e.mu.Lock()
	e.speaking = v
	e.mu.Unlock()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
