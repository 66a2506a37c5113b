package legacy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

type commandKind int

const (
	cmdJoin commandKind = iota
	cmdWhisper
	cmdEmote
	cmdModerate
	cmdGateway
	cmdUnsupported
)

// commandKinds maps every recognized slash command to its handler kind
var commandKinds = func() map[string]commandKind {
	m := map[string]commandKind{
		"join": cmdJoin, "channel": cmdJoin,
		"w": cmdWhisper, "m": cmdWhisper, "msg": cmdWhisper, "whisper": cmdWhisper,
		"me": cmdEmote, "emote": cmdEmote,
		"ban": cmdModerate, "kick": cmdModerate, "unban": cmdModerate, "designate": cmdModerate,
		"capi": cmdGateway,
	}
	for name := range unsupportedCommands {
		m[name] = cmdUnsupported
	}
	return m
}()

var moderationActions = map[string]ModerationAction{
	"ban":       ActionBan,
	"kick":      ActionKick,
	"unban":     ActionUnban,
	"designate": ActionOp,
}

func (s *Session) handleChatCommand(r *protocol.Reader) error {
	text := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}

	if state := s.State(); state != StateInChat {
		s.log.Warn("Dropping chat command outside of chat", zap.Stringer("state", state))
		return nil
	}

	if !strings.HasPrefix(text, "/") {
		s.chat.Talk(text)
		return nil
	}
	return s.runCommand(text)
}

// tokenize splits a command line honoring quotes. Unbalanced quotes fall back to
// whitespace splitting so a stray apostrophe does not make a command unusable.
func tokenize(line string) []string {
	parts, err := shellquote.Split(line)
	if err != nil {
		return strings.Fields(line)
	}
	return parts
}

func (s *Session) runCommand(text string) error {
	parts := tokenize(text[1:])
	if len(parts) == 0 {
		return s.SendError(msgInvalidCommand)
	}

	name := strings.ToLower(parts[0])
	kind, ok := commandKinds[name]
	if !ok {
		s.log.Debug("Invalid command", zap.Strings("parts", parts))
		return s.SendError(msgInvalidCommand)
	}

	switch kind {
	case cmdJoin:
		return s.SendError(msgChannelRestricted)

	case cmdWhisper:
		switch len(parts) {
		case 1:
			return s.SendError(ErrorNotLoggedOn)
		case 2:
			return s.SendError(msgWhisperUsage)
		}
		s.chat.Whisper(parts[1], strings.Join(parts[2:], " "))
		return nil

	case cmdEmote:
		s.chat.Emote(strings.Join(parts[1:], " "))
		return nil

	case cmdModerate:
		if len(parts) == 1 {
			return s.SendError(ErrorNotLoggedOn)
		}
		// The chat API has no field for a ban/kick reason; anything after the target is dropped.
		s.chat.Moderate(parts[1], moderationActions[name])
		return nil

	case cmdGateway:
		return s.runGatewayCommand(text, parts)

	case cmdUnsupported:
		return s.runUnsupportedCommand(name, parts)
	}
	return nil
}

// runGatewayCommand handles the operator-only /capi command
func (s *Session) runGatewayCommand(text string, parts []string) error {
	if len(parts) < 2 {
		return s.sendInfo(msgGatewayUsage)
	}

	switch strings.ToLower(parts[1]) {
	case "debug":
		last := s.chat.LastActivity()
		age := int(time.Since(last).Seconds())
		if err := s.sendInfo(fmt.Sprintf("Last chat API message received: %s (%d seconds ago)",
			last.Format(time.RFC3339), age)); err != nil {
			return err
		}
		if err := s.sendInfo(fmt.Sprintf("Chat API connected: %t", s.chat.Connected())); err != nil {
			return err
		}
		alive := s.opts.SupervisorAlive != nil && s.opts.SupervisorAlive()
		return s.sendInfo(fmt.Sprintf("Connection monitor active: %t", alive))

	case "send":
		if len(parts) == 2 {
			return s.SendError(msgSendUsage)
		}
		raw := rawArgument(text, parts, 3)
		var payload map[string]any
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return s.SendError(fmt.Sprintf("Invalid JSON payload: %v", err))
			}
		}
		s.chat.SendCommand(parts[2], payload)
		return nil

	default:
		return s.sendInfo(msgGatewayUsage)
	}
}

// rawArgument returns the text of line after the first n tokens, untouched by tokenizing.
// If a token cannot be found verbatim (it was quoted) the remaining tokens are rejoined.
func rawArgument(line string, parts []string, n int) string {
	pos := 0
	for _, tok := range parts[:n] {
		i := strings.Index(line[pos:], tok)
		if i < 0 {
			return strings.Join(parts[n:], " ")
		}
		pos += i + len(tok)
	}
	return strings.TrimSpace(line[pos:])
}

func (s *Session) runUnsupportedCommand(name string, parts []string) error {
	// Unignoring yourself is how some clients refresh the user list
	if (name == "unignore" || name == "unsquelch") && len(parts) > 1 {
		target := strings.ToLower(parts[1])
		self := strings.ToLower(s.Username())
		if self != "" && (target == self || target == "*"+self) {
			s.chat.ResendUserFlags()
			return nil
		}
	}

	s.log.Debug("Unsupported command", zap.Strings("parts", parts))
	if s.opts.IgnoreUnsupportedCommands {
		return nil
	}
	return s.SendError(msgNotSupported)
}
