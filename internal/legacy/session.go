package legacy

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/logger"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

// State is the position of a session in the legacy login state machine
type State int32

const (
	StateAwaitingSelector State = iota
	StateAwaitingAuth
	StateLoggingOn
	StateLoggedOn
	StateInChat
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingSelector:
		return "awaiting_selector"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateLoggingOn:
		return "logging_on"
	case StateLoggedOn:
		return "logged_on"
	case StateInChat:
		return "in_chat"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrSendFailed is returned when a packet could not be written to the client.
	// The connection is closed when this happens.
	ErrSendFailed = errors.New("legacy send failed")

	// ErrNotConnected is returned when sending on a closed session
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrSendFailed)
)

// Options configures a legacy session
type Options struct {
	Text                      *protocol.TextCodec
	VersionCheck              bool
	IgnoreUnsupportedCommands bool
	Debug                     bool // handler faults end the session
	MaxPacketSize             int
	WriteTimeout              time.Duration

	// SupervisorAlive reports whether the liveness supervisor is running
	SupervisorAlive func() bool
	// OnClose is called once when the read loop ends, with the reason
	OnClose func(reason string)

	Logger *zap.Logger
}

// Session owns one legacy client connection
type Session struct {
	conn net.Conn
	opts Options
	log  *zap.Logger
	chat ChatAPI

	connected atomic.Bool
	lastTalk  atomic.Int64 // unix nanos of the last complete inbound packet

	mu          sync.Mutex
	state       State
	login       *LoginContext
	loggedOn    bool
	product     string
	username    string
	serverToken uint32
	clientToken *uint32
	failure     string

	writeMu sync.Mutex
}

// NewSession creates a session for conn. Attach must be called before Run.
func NewSession(conn net.Conn, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = logger.L
	}
	s := &Session{
		conn:        conn,
		opts:        opts,
		log:         opts.Logger,
		serverToken: rand.Uint32(),
	}
	s.connected.Store(true)
	s.touch()
	return s
}

// Attach binds the chat API side of the gateway session
func (s *Session) Attach(chat ChatAPI) {
	s.chat = chat
}

// Run reads and dispatches packets until the connection fails or a handler ends the
// session, then reports the reason through Options.OnClose.
func (s *Session) Run() {
	reason := s.serve()
	s.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	if s.opts.OnClose != nil {
		s.opts.OnClose(reason)
	}
}

func (s *Session) serve() string {
	var selector [1]byte
	if _, err := io.ReadFull(s.conn, selector[:]); err != nil {
		return s.receiveFailure(err)
	}
	if selector[0] != ProtocolGame {
		s.log.Warn("Unsupported protocol selection", zap.Uint8("selector", selector[0]))
		return fmt.Sprintf("unsupported protocol selection (0x%02x)", selector[0])
	}
	s.touch()
	s.setState(StateAwaitingAuth)

	for {
		pkt, err := protocol.ReadPacket(s.conn, s.opts.MaxPacketSize)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocolViolation) || errors.Is(err, protocol.ErrMessageTooLarge) {
				s.log.Warn("Invalid legacy frame", zap.Error(err))
				return err.Error()
			}
			return s.receiveFailure(err)
		}

		s.touch()
		metrics.LegacyPackets.WithLabelValues("in", PacketName(pkt.ID)).Inc()
		if pkt.ID != SIDNull && pkt.ID != SIDPing {
			s.log.Debug("Received legacy packet",
				zap.String("packet", PacketName(pkt.ID)),
				zap.Int("length", len(pkt.Payload)+protocol.HeaderSize))
		}

		if err := s.handle(pkt); err != nil {
			switch {
			case errors.Is(err, protocol.ErrProtocolViolation):
				s.log.Warn("Legacy protocol violation",
					zap.String("packet", PacketName(pkt.ID)),
					zap.Error(err))
				return err.Error()
			case errors.Is(err, ErrSendFailed):
				return s.receiveFailure(err)
			default:
				metrics.HandlerFaults.WithLabelValues("legacy").Inc()
				s.log.Error("Fault while processing legacy packet",
					zap.String("packet", PacketName(pkt.ID)),
					zap.Error(err),
					zap.String("dump", hex.Dump(pkt.Payload)))
				if s.opts.Debug {
					return fmt.Sprintf("handler fault in %s: %v", PacketName(pkt.ID), err)
				}
			}
		}
	}
}

// handle dispatches one packet. Panics inside handlers are returned as errors.
func (s *Session) handle(pkt *protocol.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	r := protocol.NewReader(pkt.Payload, s.opts.Text)

	switch pkt.ID {
	case SIDNull, SIDPing, SIDAuthAccountLogonProof:
		return nil

	// Modern version check
	case SIDAuthInfo:
		return s.handleAuthInfo(r)
	case SIDAuthCheck:
		return s.handleAuthCheck(r)

	// Legacy version check
	case SIDStartVersioning:
		return s.handleStartVersioning(r)
	case SIDReportVersion:
		return s.handleReportVersion(r)

	// Logins
	case SIDLogonResponse:
		return s.handleLogonResponse(r, LoginLegacy)
	case SIDLogonResponse2:
		return s.handleLogonResponse(r, LoginOLS)
	case SIDAuthAccountLogon:
		return s.handleAuthAccountLogon(r)

	// Chat
	case SIDEnterChat:
		return s.handleEnterChat()
	case SIDChatCommand:
		return s.handleChatCommand(r)

	// Stateless replies
	case SIDQueryRealms2:
		return s.handleQueryRealms2()
	case SIDGetFileTime:
		return s.handleGetFileTime(r)
	case SIDGetIconData:
		return s.handleGetIconData()
	case SIDCDKey2:
		return s.handleCDKey2(r)

	default:
		s.log.Debug("Ignoring unhandled legacy packet", zap.String("packet", PacketName(pkt.ID)))
		return nil
	}
}

func (s *Session) receiveFailure(err error) string {
	s.mu.Lock()
	failure := s.failure
	s.mu.Unlock()

	switch {
	case failure != "":
		return failure
	case !s.connected.Load():
		return "legacy connection closed"
	case errors.Is(err, io.EOF):
		return "client closed the connection"
	default:
		return fmt.Sprintf("legacy receive failed: %v", err)
	}
}

// fail records reason as the cause of the session ending and closes the socket
func (s *Session) fail(reason string) {
	s.mu.Lock()
	if s.failure == "" {
		s.failure = reason
	}
	s.mu.Unlock()

	if s.connected.Swap(false) {
		s.conn.Close()
	}
}

func (s *Session) send(id byte, payload []byte) error {
	if !s.connected.Load() {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	err := protocol.WritePacket(s.conn, id, payload)
	s.writeMu.Unlock()

	if err != nil {
		reason := fmt.Sprintf("legacy send failed: %v", err)
		s.fail(reason)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	metrics.LegacyPackets.WithLabelValues("out", PacketName(id)).Inc()
	if id != SIDNull && id != SIDPing {
		s.log.Debug("Sent legacy packet",
			zap.String("packet", PacketName(id)),
			zap.Int("length", len(payload)+protocol.HeaderSize))
	}
	return nil
}

func (s *Session) touch() {
	s.lastTalk.Store(time.Now().UnixNano())
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current state machine position
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the client socket is still open
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// LoggedOn reports whether chat API authentication succeeded
func (s *Session) LoggedOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOn
}

// Username returns the name the chat API assigned, empty before entering chat
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Product returns the client product tag, empty before the version handshake
func (s *Session) Product() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.product
}

// LastActivity returns the time of the last complete inbound packet
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastTalk.Load())
}

// Close closes the client socket. Safe to call more than once.
func (s *Session) Close() {
	if s.connected.Swap(false) {
		s.conn.Close()
	}
}

// SendPing sends a liveness ping carrying a random cookie
func (s *Session) SendPing() error {
	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(rand.Uint32())
	return s.send(SIDPing, w.Bytes())
}

// SendNull sends an empty keep-alive packet
func (s *Session) SendNull() error {
	return s.send(SIDNull, nil)
}

// CompleteLogin finishes the pending login with the chat API's verdict and replies in the
// shape of the client's handshake variant. A failed login closes the connection.
func (s *Session) CompleteLogin(result LoginResult) error {
	s.mu.Lock()
	ctx := s.login
	if ctx == nil || s.state != StateLoggingOn {
		state := s.state
		s.mu.Unlock()
		s.log.Warn("Login result without a pending login", zap.Stringer("state", state))
		return nil
	}
	_, succeeded := result.(LoginSucceeded)
	if succeeded {
		s.loggedOn = true
		s.state = StateLoggedOn
	}
	s.mu.Unlock()

	id, payload, err := loginResponse(ctx, result, s.opts.Text)
	if err != nil {
		return err
	}

	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	metrics.LoginResults.WithLabelValues(ctx.Variant.String(), outcome).Inc()

	if err := s.send(id, payload); err != nil {
		return err
	}

	if succeeded {
		s.log.Info("Legacy login complete",
			zap.Stringer("variant", ctx.Variant),
			zap.String("product", ctx.Product))
		return nil
	}

	msg := result.(LoginFailed).Message
	s.log.Info("Legacy login failed", zap.Stringer("variant", ctx.Variant), zap.String("message", msg))
	s.fail("chat API authentication failed: " + msg)
	return nil
}

// EnterChat tells the client it has entered chat under username
func (s *Session) EnterChat(username, statstring string) error {
	s.mu.Lock()
	s.username = username
	s.mu.Unlock()

	w := protocol.NewWriter(s.opts.Text)
	w.WriteString(username)
	w.WriteString(statstring)
	w.WriteString(strings.TrimPrefix(username, "[B]"))
	if err := w.Err(); err != nil {
		return err
	}
	return s.send(SIDEnterChat, w.Bytes())
}

// SendChatEvent builds and sends a chat event. Every relay to the client goes through here.
func (s *Session) SendChatEvent(eid EventID, username, text string, flags uint32) error {
	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(uint32(eid))
	w.WriteUint32(flags)
	w.WriteUint32(0) // ping
	w.WriteUint32(placeholderIP)
	w.WriteUint32(placeholderAccount)
	w.WriteUint32(placeholderAccount) // registration authority
	w.WriteString(username)
	w.WriteString(text)
	if err := w.Err(); err != nil {
		return fmt.Errorf("build chat event 0x%02x: %w", uint32(eid), err)
	}
	return s.send(SIDChatEvent, w.Bytes())
}

// SendError shows message to the client as a gateway error
func (s *Session) SendError(message string) error {
	return s.SendChatEvent(EIDError, GatewayUser, message, 0)
}

func (s *Session) sendInfo(message string) error {
	return s.SendChatEvent(EIDInfo, GatewayUser, message, 0)
}
