package capi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/metrics"
)

var errMissingUserID = errors.New("missing user_id")

// dispatch handles one inbound text frame. Frames that are not JSON objects are logged and
// skipped; handler errors and panics are logged with the raw frame.
func (c *Session) dispatch(data []byte) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		c.log.Warn("Received invalid chat API message", zap.Int("length", len(data)))
		return
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("Received invalid chat API message", zap.Int("length", len(data)), zap.Error(err))
		return
	}

	metrics.ChatAPIMessages.WithLabelValues("in", msg.Command).Inc()
	status := msg.Status.Text()
	if status != "" {
		metrics.ChatAPIStatusErrors.WithLabelValues(status).Inc()
		c.log.Warn("Chat API returned an error status",
			zap.String("command", msg.Command),
			zap.String("status", status))
	} else {
		c.log.Debug("Received chat API command", zap.String("command", msg.Command))
	}

	var request *Request
	if !msg.IsEvent() {
		request = c.takePending(&msg)
	}

	if err := c.handle(&msg, request, status); err != nil {
		metrics.HandlerFaults.WithLabelValues("chat_api").Inc()
		c.log.Error("Fault while processing chat API message",
			zap.String("command", msg.Command),
			zap.Error(err),
			zap.ByteString("message", data))
		if c.opts.Debug {
			c.disconnect(fmt.Sprintf("handler fault in %s: %v", msg.Command, err))
		}
	}
}

// takePending resolves a response against the request that caused it
func (c *Session) takePending(msg *Message) *Request {
	if msg.RequestID == nil {
		c.log.Warn("Received response without a request id", zap.String("command", msg.Command))
		return nil
	}
	req, ok := c.pending[*msg.RequestID]
	if !ok {
		c.log.Warn("Received unexpected response",
			zap.String("command", msg.Command),
			zap.Uint64("request_id", *msg.RequestID))
		return nil
	}
	delete(c.pending, *msg.RequestID)
	return req
}

func (c *Session) handle(msg *Message, request *Request, status string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	switch msg.Command {
	case CmdAuthenticateResponse:
		c.handleAuthResponse(status)
	case CmdConnectResponse:
		if status != "" {
			c.disconnect("failed to enter chat: " + status)
		}
	case CmdConnectEvent:
		return c.handleConnectEvent(msg.Payload)
	case CmdDisconnectEvent:
		c.disconnect("disconnected from chat API")
	case CmdUserUpdateEvent:
		return c.handleUserUpdate(msg.Payload)
	case CmdUserLeaveEvent:
		return c.handleUserLeave(msg.Payload)
	case CmdMessageEvent:
		return c.handleMessageEvent(msg.Payload)
	case CmdSendWhisperResponse:
		c.handleSendWhisperResponse(request, status)
	default:
		c.log.Debug("No handler for chat API command", zap.String("command", msg.Command))
	}
	return nil
}

func (c *Session) handleAuthResponse(status string) {
	if !c.authenticating {
		c.log.Warn("Received authentication response without a pending login")
		return
	}
	c.authenticating = false

	if status != "" {
		if err := c.relay.CompleteLogin(legacy.LoginFailed{Message: status}); err != nil {
			c.log.Warn("Login failure not relayed", zap.Error(err))
		}
		c.disconnect("chat API authentication failed: " + status)
		return
	}

	if err := c.relay.CompleteLogin(legacy.LoginSucceeded{}); err != nil {
		c.log.Warn("Login success not relayed", zap.Error(err))
	}
}

func (c *Session) handleConnectEvent(raw json.RawMessage) error {
	var p struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	c.channel = p.Channel
	c.log.Info("Entered chat API channel", zap.String("channel", p.Channel))
	c.relayChat(legacy.EIDChannel, c.username, c.channel, 0)
	return nil
}

type userUpdatePayload struct {
	UserID    *int64          `json:"user_id"`
	ToonName  string          `json:"toon_name"`
	Attribute json.RawMessage `json:"attribute"`
	Flag      *[]string       `json:"flag"`
}

// handleUserUpdate reconciles the directory with one user update and relays the
// matching legacy event.
func (c *Session) handleUserUpdate(raw json.RawMessage) error {
	var p userUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.UserID == nil {
		return errMissingUserID
	}
	attrs, attrsPresent, err := normalizeAttributes(p.Attribute)
	if err != nil {
		return err
	}
	flagsPresent := p.Flag != nil

	user, known := c.users.Get(*p.UserID)
	if !known {
		user = &User{ID: *p.UserID, Name: p.ToonName, Flags: []string{}, Attributes: map[string]string{}}
		if flagsPresent {
			user.Flags = *p.Flag
		}
		if attrsPresent {
			user.Attributes = attrs
		}
	}

	switch {
	case c.channel == "" && !c.enteredChat:
		// Before the channel is known the first update describes this session's own user
		c.enteredChat = true
		c.username = user.Name
		c.selfID = user.ID
		if err := c.relay.EnterChat(user.Name, user.Statstring()); err != nil {
			c.log.Warn("Enter chat not relayed", zap.Error(err))
		}

	case c.channel == "":
		c.log.Debug("User update before channel join", zap.Int64("user_id", user.ID))

	default:
		var eid legacy.EventID
		if known {
			changed := (flagsPresent && !sameFlags(user.Flags, *p.Flag)) ||
				(attrsPresent && !maps.Equal(user.Attributes, attrs))
			switch {
			case changed:
				eid = legacy.EIDUserFlags
				if flagsPresent {
					user.Flags = *p.Flag
				}
				if attrsPresent {
					user.Attributes = attrs
				}
			case user.ID == c.selfID && !c.receivedUsers:
				// Our own entry in the roster: later arrivals are joins, not roster entries
				eid = legacy.EIDShowUser
				c.receivedUsers = true
			default:
				c.log.Warn("Received user update with no changes", zap.Int64("user_id", user.ID))
				return nil
			}
		} else if c.receivedUsers {
			eid = legacy.EIDJoin
		} else {
			eid = legacy.EIDShowUser
		}
		c.relayChat(eid, user.Name, user.Statstring(), user.FlagBits())
	}

	c.users.Upsert(user)
	if attrsPresent && len(attrs) > 0 {
		c.log.Debug("User attributes",
			zap.String("user", user.Name),
			zap.Any("attributes", attrs),
			zap.Int("members", c.users.Len()))
	}
	return nil
}

func (c *Session) handleUserLeave(raw json.RawMessage) error {
	var p struct {
		UserID *int64 `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.UserID == nil {
		return errMissingUserID
	}

	user, ok := c.users.Remove(*p.UserID)
	if !ok {
		c.log.Warn("Received leave event for unknown user", zap.Int64("user_id", *p.UserID))
		return nil
	}
	c.relayChat(legacy.EIDLeave, user.Name, "", user.FlagBits())
	return nil
}

func (c *Session) handleMessageEvent(raw json.RawMessage) error {
	var p struct {
		UserID  *int64 `json:"user_id"`
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	eid, ok := messageEvents[strings.ToLower(p.Type)]
	if !ok {
		c.log.Warn("Unrecognized chat message type", zap.String("type", p.Type), zap.String("message", p.Message))
		return nil
	}

	var name string
	var flags uint32
	if p.UserID != nil {
		if user, ok := c.users.Get(*p.UserID); ok {
			name, flags = user.Name, user.FlagBits()
		}
	}
	c.relayChat(eid, name, p.Message, flags)
	return nil
}

func (c *Session) handleSendWhisperResponse(request *Request, status string) {
	if status != "" {
		c.relayError("Whisper not sent: " + status)
		return
	}
	if request == nil {
		return
	}

	id, _ := request.Payload["user_id"].(int64)
	message, _ := request.Payload["message"].(string)
	if target, ok := c.users.Get(id); ok {
		c.relayChat(legacy.EIDWhisperSent, target.Name, message, 0)
	}
}
