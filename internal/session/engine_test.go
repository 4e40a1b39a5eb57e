package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/voice-tutor/internal/config"
	"github.com/user/voice-tutor/internal/transport"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		ServerURL:            "ws://localhost:3000/conversation",
		VoiceThreshold:       0.06,
		SpeechStartFrames:    3,
		SilenceConfirmFrames: 8,
		SilenceTimeout:       600 * time.Millisecond,
		MinUtteranceDuration: 200 * time.Millisecond,
		MinUtteranceBytes:    0,
		TickInterval:         16 * time.Millisecond,
		SampleRate:           16000,
		DefaultVoiceID:       "female",
		MaxRetryAttempts:     3,
		HeartbeatInterval:    30 * time.Second,
		AudioInitDelay:       500 * time.Millisecond,
		DialTimeout:          time.Second,
	}
}

type fakeConn struct {
	handler transport.Handler

	mu             sync.Mutex
	open           bool
	handshakeErr   error
	handshakeCalls int
	handshakeVoice string
	utterances     [][]byte
	voiceSends     []string
	closeCode      int
}

func (c *fakeConn) Handshake(ctx context.Context, voiceID string, sc transport.Context) error {
	c.mu.Lock()
	c.handshakeCalls++
	c.handshakeVoice = voiceID
	err := c.handshakeErr
	c.mu.Unlock()
	return err
}

func (c *fakeConn) SendVoice(voiceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrClosed
	}
	c.voiceSends = append(c.voiceSends, voiceID)
	return nil
}

func (c *fakeConn) SendUtterance(blob []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return transport.ErrClosed
	}
	c.utterances = append(c.utterances, blob)
	return nil
}

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Close mirrors the real channel: the read loop reports the closure back, a
// normal code as a clean close and everything else as abnormal.
func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	c.closeCode = code
	handler := c.handler
	c.mu.Unlock()

	if code == closeCodeNormal {
		handler.OnClosed(closeCodeNormal, nil)
	} else {
		handler.OnClosed(1006, errors.New(reason))
	}
	return nil
}

// remoteClose simulates the server dropping the connection.
func (c *fakeConn) remoteClose(code int, err error) {
	c.mu.Lock()
	c.open = false
	handler := c.handler
	c.mu.Unlock()
	handler.OnClosed(code, err)
}

func (c *fakeConn) sentUtterances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.utterances)
}

type fakeDialer struct {
	mu           sync.Mutex
	conns        []*fakeConn
	dialErr      error
	handshakeErr error
}

func (d *fakeDialer) dial(ctx context.Context, h transport.Handler) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dialErr != nil {
		return nil, d.dialErr
	}

	conn := &fakeConn{handler: h, open: true, handshakeErr: d.handshakeErr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeCapture struct {
	mu       sync.Mutex
	initErr  error
	inits    int
	starts   int
	stops    int
	cancels  int
	cleanups int
	volume   float64
	voiced   bool
}

func (c *fakeCapture) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.initErr
}

func (c *fakeCapture) StartRecording()  { c.mu.Lock(); c.starts++; c.mu.Unlock() }
func (c *fakeCapture) StopRecording()   { c.mu.Lock(); c.stops++; c.mu.Unlock() }
func (c *fakeCapture) CancelRecording() { c.mu.Lock(); c.cancels++; c.mu.Unlock() }
func (c *fakeCapture) Cleanup()         { c.mu.Lock(); c.cleanups++; c.mu.Unlock() }

func (c *fakeCapture) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

func (c *fakeCapture) FrameVoiced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiced
}

func (c *fakeCapture) setSignal(volume float64, voiced bool) {
	c.mu.Lock()
	c.volume = volume
	c.voiced = voiced
	c.mu.Unlock()
}

func (c *fakeCapture) counts() (starts, stops, cancels, cleanups int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops, c.cancels, c.cleanups
}

type historyCall struct {
	sessionID   string
	companionID string
	messages    []Message
}

type fakeHistory struct {
	calls chan historyCall
}

func (h *fakeHistory) Append(sessionID, companionID string, messages []Message) error {
	h.calls <- historyCall{sessionID: sessionID, companionID: companionID, messages: messages}
	return nil
}

// timerRecorder captures scheduled timers so tests control when they fire.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.fns = append(r.fns, f)
	r.mu.Unlock()
	return time.NewTimer(time.Hour)
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	f := r.fns[i]
	r.mu.Unlock()
	f()
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

type engineFixture struct {
	engine  *Engine
	dialer  *fakeDialer
	capture *fakeCapture
	history *fakeHistory
	timers  *timerRecorder
}

func newEngineFixture(t *testing.T, cfg *config.Config) *engineFixture {
	t.Helper()

	f := &engineFixture{
		dialer:  &fakeDialer{},
		capture: &fakeCapture{voiced: true},
		history: &fakeHistory{calls: make(chan historyCall, 1)},
		timers:  &timerRecorder{},
	}

	f.engine = New(cfg, Info{CompanionID: "companion-1", CompanionName: "Ada", Subject: "Math"}, f.history)
	f.engine.SetDialer(f.dialer.dial)
	f.engine.AttachCapture(f.capture)
	f.engine.afterFunc = f.timers.afterFunc

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return f
}

func waitStatus(t *testing.T, e *Engine, want CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status() == want },
		2*time.Second, 2*time.Millisecond, "status never reached %s", want)
}

// activate drives the fixture to an active call with audio initialized.
func (f *engineFixture) activate(t *testing.T) *fakeConn {
	t.Helper()

	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	// Fire the audio settle timer, then wait for capture init.
	require.Eventually(t, func() bool { return f.timers.count() >= 1 },
		time.Second, time.Millisecond)
	f.timers.fire(f.timers.count() - 1)
	require.Eventually(t, func() bool {
		f.capture.mu.Lock()
		defer f.capture.mu.Unlock()
		return f.capture.inits >= 1
	}, time.Second, time.Millisecond)

	return f.dialer.conn(f.dialer.dialCount() - 1)
}

func TestEngineConnectBecomesActive(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	conn := f.dialer.conn(0)
	conn.mu.Lock()
	assert.Equal(t, 1, conn.handshakeCalls)
	assert.Equal(t, "female", conn.handshakeVoice)
	conn.mu.Unlock()

	assert.Equal(t, 0, f.engine.RetryCount())
	assert.Empty(t, f.engine.ConnectionError())
}

func TestEngineConnectRefusedWhileActive(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	assert.Error(t, f.engine.Connect())
}

func TestEngineReconnectWithBackoff(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	conn := f.activate(t)

	before := f.timers.count()
	conn.remoteClose(1011, errors.New("server crashed"))

	waitStatus(t, f.engine, StatusConnecting)
	require.Eventually(t, func() bool { return f.timers.count() == before+1 },
		time.Second, time.Millisecond)

	assert.Equal(t, time.Second, f.timers.delay(before))
	assert.Equal(t, 1, f.engine.RetryCount())
	assert.Contains(t, f.engine.ConnectionError(), "Connection lost")

	// The capture pipeline was released while disconnected.
	_, _, _, cleanups := f.capture.counts()
	assert.GreaterOrEqual(t, cleanups, 1)

	// Firing the reconnect timer dials again; a successful handshake
	// restores the call and clears the retry budget.
	f.timers.fire(before)
	waitStatus(t, f.engine, StatusActive)
	assert.Equal(t, 2, f.dialer.dialCount())
	assert.Equal(t, 0, f.engine.RetryCount())
	assert.Empty(t, f.engine.ConnectionError())
}

func TestEngineRetryBudgetExhausted(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.dialer.dialErr = errors.New("connection refused")

	require.NoError(t, f.engine.Connect())

	// Initial failure plus three retries, with doubling delays.
	wantDelays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantDelays {
		require.Eventually(t, func() bool { return f.timers.count() >= i+1 },
			time.Second, time.Millisecond, "retry %d never scheduled", i+1)
		assert.Equal(t, want, f.timers.delay(i))
		f.timers.fire(i)
	}

	waitStatus(t, f.engine, StatusError)
	assert.Equal(t, "Connection failed after multiple attempts.", f.engine.ConnectionError())
	assert.Equal(t, 3, f.engine.RetryCount())
}

func TestEngineCleanCloseDoesNotReconnect(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	conn := f.activate(t)

	before := f.timers.count()
	conn.remoteClose(closeCodeNormal, nil)

	waitStatus(t, f.engine, StatusInactive)
	assert.Equal(t, before, f.timers.count(), "no reconnect scheduled after clean close")
	assert.Equal(t, 0, f.engine.RetryCount())
}

func TestEngineHandshakeFailureTriggersReconnect(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.dialer.handshakeErr = transport.ErrHandshakeAborted

	require.NoError(t, f.engine.Connect())

	require.Eventually(t, func() bool { return f.timers.count() >= 1 },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, f.engine.RetryCount())
	assert.Equal(t, StatusConnecting, f.engine.Status())
}

func TestEngineTranscriptEvents(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventTranscript, Text: "what is a fraction"})
	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventAIResponse, Text: "A fraction is part of a whole."})

	require.Eventually(t, func() bool { return f.engine.Transcript().Len() == 2 },
		time.Second, time.Millisecond)

	messages := f.engine.Transcript().Messages()
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "what is a fraction", messages[0].Content)
	assert.Equal(t, RoleAssistant, messages[1].Role)
}

func TestEngineSpeakingFollowsAudioMarkers(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventAudioStart})
	require.Eventually(t, f.engine.Speaking, time.Second, time.Millisecond)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventAudioEnd})
	require.Eventually(t, func() bool { return !f.engine.Speaking() },
		time.Second, time.Millisecond)
}

func TestEngineAudioScopedServerErrorIsRecoverable(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventError, Message: "Audio stream glitch"})

	require.Eventually(t, func() bool { return f.engine.ConnectionError() != "" },
		time.Second, time.Millisecond)
	assert.Equal(t, StatusActive, f.engine.Status())

	messages := f.engine.Transcript().Messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, RoleError, messages[len(messages)-1].Role)
}

func TestEngineFatalServerErrorEndsCall(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	conn := f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventError, Message: "internal failure"})

	waitStatus(t, f.engine, StatusError)
	assert.Equal(t, "internal failure", f.engine.ConnectionError())
	assert.False(t, conn.Open())

	_, _, _, cleanups := f.capture.counts()
	assert.GreaterOrEqual(t, cleanups, 1)
}

func TestEngineDisconnectRecordsHistory(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	conn := f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventTranscript, Text: "hello"})
	require.Eventually(t, func() bool { return f.engine.Transcript().Len() == 1 },
		time.Second, time.Millisecond)

	f.engine.Disconnect()
	waitStatus(t, f.engine, StatusFinished)

	select {
	case call := <-f.history.calls:
		assert.Equal(t, f.engine.SessionID(), call.sessionID)
		assert.Equal(t, "companion-1", call.companionID)
		require.Len(t, call.messages, 1)
		assert.Equal(t, "hello", call.messages[0].Content)
	case <-time.After(2 * time.Second):
		t.Fatal("history never written")
	}

	conn.mu.Lock()
	assert.Equal(t, closeCodeNormal, conn.closeCode)
	conn.mu.Unlock()
}

func TestEngineToggleMute(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	require.NoError(t, f.engine.ToggleMicrophone())
	require.Eventually(t, f.engine.Muted, time.Second, time.Millisecond)

	require.NoError(t, f.engine.ToggleMicrophone())
	require.Eventually(t, func() bool { return !f.engine.Muted() },
		time.Second, time.Millisecond)
}

func TestEngineMuteCancelsRecordingInFlight(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	// Simulate a recording in flight.
	f.engine.flags.SetRecording(true)

	require.NoError(t, f.engine.ToggleMicrophone())
	require.Eventually(t, func() bool {
		_, _, cancels, _ := f.capture.counts()
		return cancels == 1
	}, time.Second, time.Millisecond)
}

func TestEngineToggleMuteRequiresActiveCall(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	assert.Error(t, f.engine.ToggleMicrophone())
}

func TestEngineVoiceSelection(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())

	require.NoError(t, f.engine.SetVoice("male"))
	require.Eventually(t, func() bool { return f.engine.Voice() == "male" },
		time.Second, time.Millisecond)

	f.activate(t)
	err := f.engine.SetVoice("british")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "ACTIVE"))
	assert.Equal(t, "male", f.engine.Voice())

	// The selected voice rides along in the next handshake.
	conn := f.dialer.conn(0)
	conn.mu.Lock()
	assert.Equal(t, "male", conn.handshakeVoice)
	conn.mu.Unlock()
}

func TestEngineDetectorDrivesCapture(t *testing.T) {
	cfg := testEngineConfig()
	f := newEngineFixture(t, cfg)

	// Activate without firing the audio settle timer: the engine's own tick
	// loop stays off, so the injected ticks below fully control the clock.
	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := func(volume float64) {
		f.capture.setSignal(volume, true)
		now = now.Add(cfg.TickInterval)
		f.engine.post(evTick{now: now})
	}

	// Three loud ticks start the recording.
	for i := 0; i < 3; i++ {
		tick(0.09)
	}
	require.Eventually(t, func() bool {
		starts, _, _, _ := f.capture.counts()
		return starts == 1
	}, time.Second, time.Millisecond)

	// Keep talking past the minimum duration, then fall silent.
	for i := 0; i < 15; i++ {
		tick(0.09)
	}
	for i := 0; i < 8; i++ {
		tick(0.01)
	}
	require.Eventually(t, func() bool {
		_, stops, _, _ := f.capture.counts()
		return stops == 1
	}, time.Second, time.Millisecond)
}

func TestEngineShortUtteranceIsDiscarded(t *testing.T) {
	cfg := testEngineConfig()
	f := newEngineFixture(t, cfg)

	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := func(volume float64) {
		f.capture.setSignal(volume, true)
		now = now.Add(cfg.TickInterval)
		f.engine.post(evTick{now: now})
	}

	for i := 0; i < 3; i++ {
		tick(0.09)
	}
	// Immediate silence: 8*16ms is far below the 200ms minimum.
	for i := 0; i < 8; i++ {
		tick(0.01)
	}

	require.Eventually(t, func() bool {
		_, _, cancels, _ := f.capture.counts()
		return cancels == 1
	}, time.Second, time.Millisecond)

	_, stops, _, _ := f.capture.counts()
	assert.Zero(t, stops)
}

func TestEngineForwardsUtterances(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	conn := f.activate(t)

	sink := f.engine.UtteranceSink()
	sink([]byte{0xAA, 0xBB}, "audio/pcm", 300*time.Millisecond)

	require.Eventually(t, func() bool { return conn.sentUtterances() == 1 },
		time.Second, time.Millisecond)

	conn.mu.Lock()
	assert.Equal(t, []byte{0xAA, 0xBB}, conn.utterances[0])
	conn.mu.Unlock()
}

func TestEngineMediaErrorIsFatal(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.capture.initErr = errors.New("device not found")

	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)

	require.Eventually(t, func() bool { return f.timers.count() >= 1 },
		time.Second, time.Millisecond)
	f.timers.fire(0)

	waitStatus(t, f.engine, StatusError)
	assert.Contains(t, f.engine.ConnectionError(), "Audio initialization failed")

	// No reconnect attempt: media failure requires an explicit reconnect.
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestEngineReconnectAfterTerminalState(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	f.engine.Disconnect()
	waitStatus(t, f.engine, StatusFinished)
	firstSession := f.engine.SessionID()
	<-f.history.calls

	// A fresh connect from a terminal state starts a new session.
	require.NoError(t, f.engine.Connect())
	waitStatus(t, f.engine, StatusActive)
	assert.Equal(t, 2, f.dialer.dialCount())
	assert.NotEqual(t, firstSession, f.engine.SessionID())
}

func TestEngineClearTranscript(t *testing.T) {
	f := newEngineFixture(t, testEngineConfig())
	f.activate(t)

	f.engine.OnEvent(transport.ServerEvent{Type: transport.EventTranscript, Text: "hello"})
	require.Eventually(t, func() bool { return f.engine.Transcript().Len() == 1 },
		time.Second, time.Millisecond)

	f.engine.ClearTranscript()
	require.Eventually(t, func() bool { return f.engine.Transcript().Len() == 0 },
		time.Second, time.Millisecond)
}
