package legacy

import (
	"fmt"
	"time"
)

// ModerationAction is a moderation request a legacy client can make
type ModerationAction int

const (
	ActionBan ModerationAction = iota
	ActionKick
	ActionUnban
	ActionOp
)

func (a ModerationAction) String() string {
	switch a {
	case ActionBan:
		return "ban"
	case ActionKick:
		return "kick"
	case ActionUnban:
		return "unban"
	case ActionOp:
		return "op"
	default:
		return fmt.Sprintf("ModerationAction(%d)", int(a))
	}
}

// ChatAPI is the chat API side of a gateway session as seen by the legacy session.
// Calls must not block on chat API round trips; outcomes come back through Relay methods.
type ChatAPI interface {
	// Authenticate starts chat API authentication with the credential the client logged on with
	Authenticate(apiKey string)
	// EnterChat asks the chat API to join the session's channel
	EnterChat()
	// Talk sends ordinary channel chat
	Talk(message string)
	// Whisper sends a private message to a channel member by name
	Whisper(target, message string)
	// Emote sends an emote to the channel
	Emote(message string)
	// Moderate applies a moderation action to a channel member by name
	Moderate(target string, action ModerationAction)
	// SendCommand issues a raw chat API command; payload may be nil
	SendCommand(command string, payload map[string]any)
	// ResendUserFlags relays the current flags of every known channel member
	ResendUserFlags()

	Connected() bool
	LastActivity() time.Time
}
