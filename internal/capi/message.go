package capi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

// DefaultEndpoint is the public chat API endpoint
const DefaultEndpoint = "wss://connect-bot.classic.blizzard.com/v1/rpc/chat"

// Chat API commands
const (
	CmdAuthenticateRequest  = "Botapiauth.AuthenticateRequest"
	CmdAuthenticateResponse = "Botapiauth.AuthenticateResponse"

	CmdConnectRequest      = "Botapichat.ConnectRequest"
	CmdConnectResponse     = "Botapichat.ConnectResponse"
	CmdDisconnectRequest   = "Botapichat.DisconnectRequest"
	CmdSendMessageRequest  = "Botapichat.SendMessageRequest"
	CmdSendWhisperRequest  = "Botapichat.SendWhisperRequest"
	CmdSendWhisperResponse = "Botapichat.SendWhisperResponse"
	CmdSendEmoteRequest    = "Botapichat.SendEmoteRequest"
	CmdBanUserRequest      = "Botapichat.BanUserRequest"
	CmdKickUserRequest     = "Botapichat.KickUserRequest"
	CmdUnbanUserRequest    = "Botapichat.UnbanUserRequest"
	CmdSetModeratorRequest = "Botapichat.SendSetModeratorRequest"
	CmdConnectEvent        = "Botapichat.ConnectEventRequest"
	CmdDisconnectEvent     = "Botapichat.DisconnectEventRequest"
	CmdUserUpdateEvent     = "Botapichat.UserUpdateEventRequest"
	CmdUserLeaveEvent      = "Botapichat.UserLeaveEventRequest"
	CmdMessageEvent        = "Botapichat.MessageEventRequest"
)

var moderationCommands = map[legacy.ModerationAction]string{
	legacy.ActionBan:   CmdBanUserRequest,
	legacy.ActionKick:  CmdKickUserRequest,
	legacy.ActionUnban: CmdUnbanUserRequest,
	legacy.ActionOp:    CmdSetModeratorRequest,
}

// messageEvents maps chat API message types to legacy chat events
var messageEvents = map[string]legacy.EventID{
	"channel":     legacy.EIDTalk,
	"whisper":     legacy.EIDWhisper,
	"serverinfo":  legacy.EIDInfo,
	"servererror": legacy.EIDError,
	"emote":       legacy.EIDEmote,
}

// userFlags maps chat API capability names to legacy flag bits. Both mute kinds share a bit.
var userFlags = map[string]uint32{
	"admin":       legacy.FlagAdmin,
	"moderator":   legacy.FlagOperator,
	"speaker":     legacy.FlagSpeaker,
	"muteglobal":  legacy.FlagSquelched,
	"mutewhisper": legacy.FlagSquelched,
}

// Request is an outbound envelope
type Request struct {
	Command   string         `json:"command"`
	RequestID uint64         `json:"request_id"`
	Payload   map[string]any `json:"payload"`
}

// Message is an inbound envelope
type Message struct {
	Command   string          `json:"command"`
	RequestID *uint64         `json:"request_id,omitempty"`
	Status    *Status         `json:"status,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// IsEvent reports whether the message is an unsolicited event rather than a response
func (m *Message) IsEvent() bool {
	return strings.Contains(m.Command, "Event")
}

// Status is the {area, code} pair the chat API attaches to failed responses
type Status struct {
	Area int `json:"area"`
	Code int `json:"code"`
}

var statusText = map[Status]string{
	{Area: 6, Code: 5}: "Request timed out",
	{Area: 6, Code: 8}: "Hit rate limit",
	{Area: 8, Code: 1}: "Not connected to chat",
	{Area: 8, Code: 2}: "Bad request",
}

// Text returns the human-readable status, or "" when s is absent or success
func (s *Status) Text() string {
	if s == nil || (s.Area == 0 && s.Code == 0) {
		return ""
	}
	if text, ok := statusText[*s]; ok {
		return text
	}
	return fmt.Sprintf("Unknown (%d-%d)", s.Area, s.Code)
}

// FlagBits converts capability names to a legacy flag bitmask. Unknown names are ignored.
func FlagBits(flags []string) uint32 {
	var bits uint32
	for _, f := range flags {
		bits |= userFlags[strings.ToLower(f)]
	}
	return bits
}

// Statstring derives the legacy stat-string from user attributes
func Statstring(attributes map[string]string) string {
	program, ok := attributes["ProgramId"]
	if !ok || program == "" {
		program = "CHAT"
	}
	return protocol.ReverseTag(program)
}

// normalizeAttributes accepts either a list of {key, value} objects or a plain object.
// present is false when the field was missing or null.
func normalizeAttributes(raw json.RawMessage) (attrs map[string]string, present bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}

	attrs = make(map[string]string)
	switch raw[0] {
	case '[':
		var items []struct {
			Key   string `json:"key"`
			Value any    `json:"value"`
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, false, fmt.Errorf("attribute list: %w", err)
		}
		for _, item := range items {
			attrs[item.Key] = attributeString(item.Value)
		}
	case '{':
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, false, fmt.Errorf("attribute object: %w", err)
		}
		for k, v := range obj {
			attrs[k] = attributeString(v)
		}
	default:
		return nil, false, fmt.Errorf("unexpected attribute format: %.32s", raw)
	}
	return attrs, true, nil
}

func attributeString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// sameFlags compares capability sets ignoring order and case
func sameFlags(a, b []string) bool {
	norm := func(in []string) []string {
		out := make([]string, len(in))
		for i, f := range in {
			out[i] = strings.ToLower(f)
		}
		sort.Strings(out)
		return out
	}
	na, nb := norm(a), norm(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i] != nb[i] {
			return false
		}
	}
	return true
}
