package capi

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

const (
	// opQueueSize bounds calls queued from the legacy side
	opQueueSize = 64

	defaultWriteTimeout = 10 * time.Second
)

// ErrNotConnected is returned when sending on a closed session
var ErrNotConnected = errors.New("chat API not connected")

// Conn is the WebSocket connection a session runs on. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Relay is the legacy side of a gateway session as seen by the chat API session
type Relay interface {
	CompleteLogin(result legacy.LoginResult) error
	EnterChat(username, statstring string) error
	SendChatEvent(eid legacy.EventID, username, text string, flags uint32) error
	SendError(message string) error
}

// Options configures a chat API session
type Options struct {
	WriteTimeout time.Duration
	Debug        bool // handler faults end the session

	// OnClose is called once when the session tears itself down, with the reason
	OnClose func(reason string)

	Logger *zap.Logger
}

type inbound struct {
	data []byte
	err  error
}

// Session owns one chat API connection. All directory, channel and request state is owned
// by the goroutine running Run; calls from other goroutines are queued onto it.
type Session struct {
	conn  Conn
	relay Relay
	opts  Options
	log   *zap.Logger

	inbound chan inbound
	ops     chan func()
	done    chan struct{}

	closeOnce     sync.Once
	connected     atomic.Bool
	disconnecting atomic.Bool
	lastTalk      atomic.Int64 // unix nanos of the last inbound frame of any kind

	writeMu sync.Mutex

	// Loop-owned state
	nextID         uint64
	pending        map[uint64]*Request
	users          *Directory
	channel        string
	username       string
	selfID         int64
	enteredChat    bool
	receivedUsers  bool
	authenticating bool
}

// NewSession creates a session on an open connection. Run starts processing.
func NewSession(conn Conn, relay Relay, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.L
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}

	c := &Session{
		conn:    conn,
		relay:   relay,
		opts:    opts,
		log:     opts.Logger,
		inbound: make(chan inbound),
		ops:     make(chan func(), opQueueSize),
		done:    make(chan struct{}),
		pending: make(map[uint64]*Request),
		users:   NewDirectory(),
	}
	c.connected.Store(true)
	c.touch()

	// Pongs are consumed inside ReadMessage and never surface as frames
	if p, ok := conn.(interface{ SetPongHandler(func(string) error) }); ok {
		p.SetPongHandler(func(string) error {
			c.touch()
			return nil
		})
	}
	return c
}

// Run processes inbound frames and queued calls until the session closes
func (c *Session) Run() {
	go c.readLoop()

	for {
		select {
		case in := <-c.inbound:
			if in.err != nil {
				c.disconnect(c.receiveFailure(in.err))
				return
			}
			c.dispatch(in.data)
		case op := <-c.ops:
			op()
		case <-c.done:
			return
		}
	}
}

func (c *Session) readLoop() {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case c.inbound <- inbound{err: err}:
			case <-c.done:
			}
			return
		}

		c.touch()
		if messageType != websocket.TextMessage {
			continue
		}

		select {
		case c.inbound <- inbound{data: data}:
		case <-c.done:
			return
		}
	}
}

func (c *Session) receiveFailure(err error) string {
	if !c.connected.Load() {
		return "chat API connection closed"
	}
	return fmt.Sprintf("chat API receive failed: %v", err)
}

// submit queues op onto the session loop. It is dropped once the session is closed.
func (c *Session) submit(op func()) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

// send issues a request. The id is consumed even if the write fails.
func (c *Session) send(command string, payload map[string]any) (uint64, error) {
	if !c.connected.Load() {
		return 0, ErrNotConnected
	}

	c.nextID++
	id := c.nextID
	if payload == nil {
		payload = map[string]any{}
	}
	req := &Request{Command: command, RequestID: id, Payload: payload}

	data, err := json.Marshal(req)
	if err != nil {
		return id, fmt.Errorf("encode %s: %w", command, err)
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		c.disconnect(fmt.Sprintf("chat API send failed: %v", err))
		return id, err
	}

	c.pending[id] = req
	metrics.ChatAPIMessages.WithLabelValues("out", command).Inc()
	c.log.Debug("Sent chat API command", zap.String("command", command), zap.Uint64("request_id", id))
	return id, nil
}

func (c *Session) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// disconnect tears the session down from the chat API side: a best-effort disconnect
// request, then the close callback. Runs at most once.
func (c *Session) disconnect(reason string) {
	if !c.disconnecting.CompareAndSwap(false, true) {
		return
	}

	if c.connected.Load() {
		if _, err := c.send(CmdDisconnectRequest, nil); err != nil {
			c.log.Debug("Disconnect request not sent", zap.Error(err))
		}
	}

	if c.opts.OnClose != nil {
		c.opts.OnClose(reason)
	}
	c.Close()
}

func (c *Session) touch() {
	c.lastTalk.Store(time.Now().UnixNano())
}

// Close closes the connection and stops the loop. Safe to call more than once.
func (c *Session) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		close(c.done)
		c.conn.Close()
	})
}

// Connected reports whether the connection is open
func (c *Session) Connected() bool {
	return c.connected.Load()
}

// LastActivity returns the time of the last inbound frame, pongs included
func (c *Session) LastActivity() time.Time {
	return time.Unix(0, c.lastTalk.Load())
}

// Ping sends a transport-level ping
func (c *Session) Ping() error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage,
		[]byte(time.Now().UTC().Format(time.RFC3339)),
		time.Now().Add(c.opts.WriteTimeout))
}

// Authenticate starts authentication with the client's credential
func (c *Session) Authenticate(apiKey string) {
	c.submit(func() { c.authenticate(apiKey) })
}

// EnterChat asks the chat API to join the channel
func (c *Session) EnterChat() {
	c.submit(func() { c.sendLogged(CmdConnectRequest, nil) })
}

// Talk sends channel chat
func (c *Session) Talk(message string) {
	c.submit(func() { c.sendLogged(CmdSendMessageRequest, map[string]any{"message": message}) })
}

// Emote sends an emote
func (c *Session) Emote(message string) {
	c.submit(func() { c.sendLogged(CmdSendEmoteRequest, map[string]any{"message": message}) })
}

// Whisper sends a private message to a channel member by name
func (c *Session) Whisper(target, message string) {
	c.submit(func() { c.whisper(target, message) })
}

// Moderate applies a moderation action to a channel member by name
func (c *Session) Moderate(target string, action legacy.ModerationAction) {
	c.submit(func() { c.moderate(target, action) })
}

// SendCommand issues a raw command
func (c *Session) SendCommand(command string, payload map[string]any) {
	c.submit(func() { c.sendLogged(command, payload) })
}

// ResendUserFlags relays the current flags of every channel member
func (c *Session) ResendUserFlags() {
	c.submit(c.resendUserFlags)
}

func (c *Session) sendLogged(command string, payload map[string]any) {
	if _, err := c.send(command, payload); err != nil {
		c.log.Warn("Chat API command not sent", zap.String("command", command), zap.Error(err))
	}
}

func (c *Session) authenticate(apiKey string) {
	c.authenticating = true
	c.sendLogged(CmdAuthenticateRequest, map[string]any{"api_key": apiKey})
}

func (c *Session) whisper(target, message string) {
	user := c.users.Find(target)
	if user == nil {
		c.relayError(legacy.ErrorNotLoggedOn)
		return
	}
	c.sendLogged(CmdSendWhisperRequest, map[string]any{"message": message, "user_id": user.ID})
}

func (c *Session) moderate(target string, action legacy.ModerationAction) {
	command, ok := moderationCommands[action]
	if !ok {
		c.log.Warn("Unknown moderation action", zap.Stringer("action", action))
		return
	}

	user := c.users.Find(target)
	switch {
	case user != nil:
		c.sendLogged(command, map[string]any{"user_id": user.ID})
	case action == legacy.ActionUnban:
		// Banned users are not in the channel; unban by name
		c.sendLogged(command, map[string]any{"toon_name": target})
	default:
		c.relayError(legacy.ErrorNotLoggedOn)
	}
}

func (c *Session) resendUserFlags() {
	for _, u := range c.users.Users() {
		c.relayChat(legacy.EIDUserFlags, u.Name, u.Statstring(), u.FlagBits())
	}
}

func (c *Session) relayChat(eid legacy.EventID, username, text string, flags uint32) {
	err := c.relay.SendChatEvent(eid, username, text, flags)
	if err == nil {
		return
	}
	c.log.Warn("Chat event not relayed", zap.Uint32("eid", uint32(eid)), zap.Error(err))
	if errors.Is(err, protocol.ErrUnencodable) {
		c.relayError(legacy.ErrorUnencodable)
	}
}

func (c *Session) relayError(message string) {
	if err := c.relay.SendError(message); err != nil {
		c.log.Warn("Error not relayed", zap.String("message", message), zap.Error(err))
	}
}
