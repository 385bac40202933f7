// Package mattermost keeps the real-time connection of one agent to a
// Mattermost server and turns "posted" frames into admitted events.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/mmrelay/internal/admission"
	"github.com/nextlevelbuilder/mmrelay/internal/bus"
	"github.com/nextlevelbuilder/mmrelay/internal/channels"
	"github.com/nextlevelbuilder/mmrelay/internal/channels/mattermost/api"
	"github.com/nextlevelbuilder/mmrelay/internal/config"
)

// ConnState is the lifecycle state of the real-time connection.
type ConnState string

const (
	StateDisconnected   ConnState = "disconnected"
	StateConnecting     ConnState = "connecting"
	StateAuthenticating ConnState = "authenticating"
	StateListening      ConnState = "listening"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	previewWidth     = 80
)

var errAuthRejected = errors.New("authentication challenge rejected")

// Admitter decides whether an event warrants a reply.
type Admitter interface {
	Decide(st *admission.State, ev bus.InboundEvent, now time.Time) admission.Decision
}

// Submitter accepts admitted events for processing. Submit runs on the
// receive loop and must return without waiting for the event to be handled.
type Submitter interface {
	Submit(ctx context.Context, ev bus.InboundEvent) error
}

// Session describes one live connection attempt.
type Session struct {
	ID          string
	URL         string
	ConnectedAt time.Time
}

// ListenerOptions wires a Listener.
type ListenerOptions struct {
	AgentName  string
	Mattermost config.MattermostConfig
	Listener   config.ListenerConfig
	Channels   channels.Monitored
	Admitter   Admitter
	State      *admission.State
	Submitter  Submitter
}

// Listener owns the websocket session of one agent. It reconnects with a
// constant delay until its context is cancelled.
type Listener struct {
	agent     string
	url       string
	token     string
	selfID    string
	monitored channels.Monitored
	admitter  Admitter
	state     *admission.State
	submit    Submitter
	dialer    *websocket.Dialer

	reconnectDelay time.Duration
	authAttempts   int
	authWait       time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration

	now func() time.Time

	mu        sync.RWMutex
	connState ConnState
	session   *Session
}

// NewListener creates a Listener. Call Run to start it.
func NewListener(opts ListenerOptions) *Listener {
	st := opts.State
	if st == nil {
		st = admission.NewState()
	}
	return &Listener{
		agent:     opts.AgentName,
		url:       opts.Mattermost.WebSocketURL(),
		token:     opts.Mattermost.LookupToken(),
		selfID:    opts.Mattermost.BotUserID,
		monitored: opts.Channels,
		admitter:  opts.Admitter,
		state:     st,
		submit:    opts.Submitter,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  api.TLSConfig(opts.Mattermost),
		},
		reconnectDelay: opts.Listener.ReconnectDelay(),
		authAttempts:   max(opts.Listener.AuthAttempts, 1),
		authWait:       opts.Listener.AuthWait(),
		pingInterval:   opts.Listener.PingInterval(),
		pongWait:       opts.Listener.PongWait(),
		now:            time.Now,
		connState:      StateDisconnected,
	}
}

// State returns the current connection state.
func (l *Listener) State() ConnState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connState
}

// Session returns the live session, or nil while disconnected.
func (l *Listener) Session() *Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.session
}

// AdmissionState exposes the loop-suppression state shared with dispatch.
func (l *Listener) AdmissionState() *admission.State { return l.state }

func (l *Listener) setState(s ConnState, sess *Session) {
	l.mu.Lock()
	l.connState = s
	l.session = sess
	l.mu.Unlock()
}

// Run connects and listens until ctx is cancelled. Connection failures never
// end Run; it always returns nil once ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.runSession(ctx)
		l.setState(StateDisconnected, nil)
		if ctx.Err() != nil {
			slog.Info("mattermost listener stopped", "agent", l.agent)
			return nil
		}

		slog.Warn("mattermost connection lost, reconnecting",
			"agent", l.agent, "error", err, "backoff", l.reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.reconnectDelay):
		}
	}
}

// runSession performs one connect → authenticate → listen cycle and returns
// the error that ended it.
func (l *Listener) runSession(ctx context.Context) error {
	sess := &Session{ID: uuid.NewString(), URL: l.url}
	l.setState(StateConnecting, sess)

	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	sess.ConnectedAt = l.now()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		_ = conn.Close()
		wg.Wait()
	}()

	l.setState(StateAuthenticating, sess)
	if err := l.sendChallenge(conn); err != nil {
		return err
	}

	frames := make(chan []byte, 16)
	readErr := make(chan error, 1)

	readTimeout := l.pingInterval + l.pongWait
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		l.readLoop(ctx, conn, readTimeout, frames, readErr)
	}()
	go func() {
		defer wg.Done()
		l.pingLoop(ctx, conn)
	}()

	if err := l.awaitAuth(ctx, frames, readErr); err != nil {
		return err
	}

	l.setState(StateListening, sess)
	slog.Info("mattermost listening",
		"agent", l.agent, "session", sess.ID, "channels", l.monitored.Names())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case raw := <-frames:
			l.handleFrame(ctx, raw)
		}
	}
}

func (l *Listener) sendChallenge(conn *websocket.Conn) error {
	challenge := map[string]any{
		"seq":    1,
		"action": "authentication_challenge",
		"data":   map[string]string{"token": l.token},
	}
	data, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("marshal auth challenge: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send auth challenge: %w", err)
	}
	return nil
}

// awaitAuth waits for the challenge acknowledgement. Every frame received
// meanwhile uses up one attempt and is processed normally, and the first
// authWait without any frame ends the wait. The session proceeds without an
// acknowledgement; only an explicit rejection ends it.
func (l *Listener) awaitAuth(ctx context.Context, frames <-chan []byte, readErr <-chan error) error {
	timer := time.NewTimer(l.authWait)
	defer timer.Stop()

	for attempt := 1; attempt <= l.authAttempts; attempt++ {
		if attempt > 1 {
			timer.Reset(l.authWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case raw := <-frames:
			if IsAuthAck(raw) {
				slog.Debug("mattermost authenticated", "agent", l.agent, "attempt", attempt)
				return nil
			}
			if isAuthFailure(raw) {
				return errAuthRejected
			}
			l.handleFrame(ctx, raw)
		case <-timer.C:
			slog.Debug("no auth acknowledgement, continuing", "agent", l.agent, "waited", l.authWait)
			return nil
		}
	}
	slog.Debug("no auth acknowledgement, continuing", "agent", l.agent, "frames", l.authAttempts)
	return nil
}

// readLoop owns every read on conn. gorilla/websocket does not allow reads
// after a read error, so timeouts are enforced with the read deadline and
// end the session.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn, timeout time.Duration, frames chan<- []byte, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- fmt.Errorf("read: %w", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))

		select {
		case frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if l.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("mattermost ping failed", "agent", l.agent, "error", err)
				return
			}
		}
	}
}

// handleFrame decodes, filters and admits one frame, then hands it to the
// submitter. It runs on the receive loop only.
func (l *Listener) handleFrame(ctx context.Context, raw []byte) {
	ev, ok := Decode(raw, l.now())
	if !ok {
		return
	}

	switch {
	case ev.SenderID == l.selfID:
		return
	case !l.monitored.Allows(ev.ChannelID):
		return
	case !ev.HasPayload():
		return
	}
	if name, ok := l.monitored[ev.ChannelID]; ok {
		ev.ChannelName = name
	}

	d := l.admitter.Decide(l.state, ev, ev.ReceivedAt)
	if !d.Admit {
		slog.Debug("mattermost event refused",
			"agent", l.agent, "sender", ev.SenderID, "channel", ev.ChannelName,
			"reason", d.Reason, "bot", d.Bot, "chain", d.Chain)
		return
	}

	slog.Info("mattermost event admitted",
		"agent", l.agent, "sender", ev.SenderID, "channel", ev.ChannelName,
		"bot", d.Bot, "chain", d.Chain, "files", len(ev.FileIDs),
		"preview", channels.Preview(ev.Content, previewWidth))

	if err := l.submit.Submit(ctx, ev); err != nil {
		slog.Warn("mattermost event dropped", "agent", l.agent, "post", ev.PostID, "error", err)
	}
}

func isAuthFailure(raw []byte) bool {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false
	}
	return frame.SeqReply == 1 && frame.Status == "FAIL"
}
