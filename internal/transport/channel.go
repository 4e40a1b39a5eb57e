package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is returned by send operations after the socket closed.
	ErrClosed = errors.New("transport: connection closed")

	// ErrHandshakeAborted is returned when the socket closes between
	// handshake steps. The handshake is not idempotent; the caller must
	// reconnect and run it from the top.
	ErrHandshakeAborted = errors.New("transport: handshake aborted, connection closed mid-sequence")
)

// Handler receives inbound traffic and lifecycle notifications. Calls are
// made from the channel's read goroutine, one at a time.
type Handler interface {
	OnEvent(ev ServerEvent)
	OnAudio(blob []byte)
	OnClosed(code int, err error)
}

type Options struct {
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	HandshakeDelay    time.Duration
}

// Channel is one WebSocket connection to the speech server: JSON control
// messages plus raw binary audio, both directions. It owns the read loop and
// the heartbeat; reconnecting is the session layer's job.
type Channel struct {
	url     string
	opts    Options
	handler Handler

	conn    *websocket.Conn
	writeMu sync.Mutex

	done       chan struct{}
	localClose atomic.Bool
	closeOnce  sync.Once
}

// Dial connects and starts the read and heartbeat loops.
func Dial(ctx context.Context, url string, opts Options, handler Handler) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Channel{
		url:     url,
		opts:    opts,
		handler: handler,
		conn:    conn,
		done:    make(chan struct{}),
	}

	go c.run()

	log.Info().Str("url", url).Msg("WebSocket connected")
	return c, nil
}

func (c *Channel) run() {
	g := new(errgroup.Group)
	g.Go(c.readLoop)
	g.Go(c.heartbeatLoop)
	_ = g.Wait()
}

func (c *Channel) readLoop() error {
	defer close(c.done)

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			if c.localClose.Load() {
				code = websocket.CloseNormalClosure
				err = nil
			}

			log.Debug().Int("code", code).Err(err).Msg("WebSocket read loop ended")
			c.handler.OnClosed(code, err)
			return nil
		}

		switch mt {
		case websocket.TextMessage:
			var ev ServerEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				log.Warn().Err(err).Msg("Failed to parse server message")
				continue
			}
			c.handler.OnEvent(ev)

		case websocket.BinaryMessage:
			log.Debug().Int("bytes", len(data)).Msg("Received audio payload")
			c.handler.OnAudio(data)
		}
	}
}

// heartbeatLoop sends an application-level ping at a fixed interval while the
// socket is open. A missing pong is not treated as a failure; liveness comes
// from the socket's own close and error signals.
func (c *Channel) heartbeatLoop() error {
	if c.opts.HeartbeatInterval <= 0 {
		return nil
	}

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Ping(); err != nil {
				log.Debug().Err(err).Msg("Heartbeat send failed")
			}
		case <-c.done:
			return nil
		}
	}
}

// Open reports whether the socket is still usable.
func (c *Channel) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Handshake runs the fixed post-open sequence: set_voice, set_context,
// start_conversation, with a settle delay between steps. Each step is gated
// on the socket still being open; a close mid-sequence aborts the rest.
func (c *Channel) Handshake(ctx context.Context, voiceID string, sc Context) error {
	steps := []func() error{
		func() error { return c.SendVoice(voiceID) },
		func() error { return c.sendJSON(setContextMessage{Type: "set_context", Context: sc}) },
		func() error { return c.sendJSON(typeOnlyMessage{Type: "start_conversation"}) },
	}

	for i, step := range steps {
		if err := c.settle(ctx); err != nil {
			return err
		}
		if !c.Open() {
			return ErrHandshakeAborted
		}
		if err := step(); err != nil {
			return fmt.Errorf("handshake step %d failed: %w", i+1, err)
		}
	}

	log.Info().Str("voice_id", voiceID).Msg("Handshake complete")
	return nil
}

func (c *Channel) settle(ctx context.Context) error {
	if c.opts.HandshakeDelay <= 0 {
		return nil
	}

	timer := time.NewTimer(c.opts.HandshakeDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-c.done:
		return ErrHandshakeAborted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendVoice selects the synthesis voice on the server.
func (c *Channel) SendVoice(voiceID string) error {
	return c.sendJSON(setVoiceMessage{Type: "set_voice", VoiceID: voiceID})
}

// SendUtterance ships one encoded audio blob as a binary frame.
func (c *Channel) SendUtterance(blob []byte) error {
	if !c.Open() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, blob); err != nil {
		return fmt.Errorf("failed to send utterance: %w", err)
	}

	log.Debug().Int("bytes", len(blob)).Msg("Sent utterance")
	return nil
}

// Ping sends the application-level heartbeat message.
func (c *Channel) Ping() error {
	return c.sendJSON(typeOnlyMessage{Type: "ping"})
}

func (c *Channel) sendJSON(v any) error {
	if !c.Open() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Close shuts the socket down intentionally. Code 1000 marks a user-initiated
// disconnect; the read loop then reports a clean close.
func (c *Channel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if code == websocket.CloseNormalClosure {
			c.localClose.Store(true)
		}

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()

		err = c.conn.Close()
		log.Info().Int("code", code).Str("reason", reason).Msg("WebSocket closed")
	})
	return err
}
