package legacy

import "fmt"

// ProtocolGame is the only protocol selector byte the gateway accepts
const ProtocolGame byte = 0x01

// Packet ids
const (
	SIDNull                  byte = 0x00
	SIDClientID              byte = 0x05
	SIDStartVersioning       byte = 0x06
	SIDReportVersion         byte = 0x07
	SIDEnterChat             byte = 0x0A
	SIDChatCommand           byte = 0x0E
	SIDChatEvent             byte = 0x0F
	SIDLogonChallengeEx      byte = 0x1D
	SIDPing                  byte = 0x25
	SIDLogonChallenge        byte = 0x28
	SIDLogonResponse         byte = 0x29
	SIDGetIconData           byte = 0x2D
	SIDGetFileTime           byte = 0x33
	SIDCDKey2                byte = 0x36
	SIDLogonResponse2        byte = 0x3A
	SIDQueryRealms2          byte = 0x40
	SIDAuthInfo              byte = 0x50
	SIDAuthCheck             byte = 0x51
	SIDAuthAccountLogon      byte = 0x53
	SIDAuthAccountLogonProof byte = 0x54
)

var packetNames = map[byte]string{
	SIDNull:                  "NULL",
	SIDClientID:              "CLIENTID",
	SIDStartVersioning:       "STARTVERSIONING",
	SIDReportVersion:         "REPORTVERSION",
	SIDEnterChat:             "ENTERCHAT",
	SIDChatCommand:           "CHATCOMMAND",
	SIDChatEvent:             "CHATEVENT",
	SIDLogonChallengeEx:      "LOGONCHALLENGEEX",
	SIDPing:                  "PING",
	SIDLogonChallenge:        "LOGONCHALLENGE",
	SIDLogonResponse:         "LOGONRESPONSE",
	SIDGetIconData:           "GETICONDATA",
	SIDGetFileTime:           "GETFILETIME",
	SIDCDKey2:                "CDKEY2",
	SIDLogonResponse2:        "LOGONRESPONSE2",
	SIDQueryRealms2:          "QUERYREALMS2",
	SIDAuthInfo:              "AUTH_INFO",
	SIDAuthCheck:             "AUTH_CHECK",
	SIDAuthAccountLogon:      "AUTH_ACCOUNTLOGON",
	SIDAuthAccountLogonProof: "AUTH_ACCOUNTLOGONPROOF",
}

// PacketName returns a printable name for a packet id. Unknown ids are rendered in hex so
// metric label cardinality stays bounded at 256.
func PacketName(id byte) string {
	if name, ok := packetNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", id)
}

// EventID identifies the kind of a chat event
type EventID uint32

const (
	EIDShowUser    EventID = 0x01
	EIDJoin        EventID = 0x02
	EIDLeave       EventID = 0x03
	EIDWhisper     EventID = 0x04
	EIDTalk        EventID = 0x05
	EIDChannel     EventID = 0x07
	EIDUserFlags   EventID = 0x09
	EIDWhisperSent EventID = 0x0A
	EIDInfo        EventID = 0x12
	EIDError       EventID = 0x13
	EIDEmote       EventID = 0x17
)

// User flag bits carried in chat events
const (
	FlagOperator  uint32 = 0x02
	FlagSpeaker   uint32 = 0x04
	FlagAdmin     uint32 = 0x08
	FlagSquelched uint32 = 0x20
)

// Placeholder values for chat event fields the chat API has no equivalent for
const (
	placeholderIP      uint32 = 0
	placeholderAccount uint32 = 0xbaadf00d
)

// Fixed user-visible strings
const (
	ErrorNotLoggedOn = "That user is not logged on."
	ErrorUnencodable = "A chat event could not be shown in your client's text encoding."
	GatewayUser      = "CAPI Gateway"

	msgChannelRestricted = "That channel is restricted"
	msgWhisperUsage      = "What do you want to say?"
	msgNotSupported      = "That command is not supported by the chat API."
	msgInvalidCommand    = "That is not a valid command."
	msgSendUsage         = "You must specify a message to send."
	msgGatewayUsage      = "Available sub-commands: debug, send"
)

// Products lists the accepted client product tags
var Products = []string{"STAR", "SEXP", "D2DV", "D2XP", "WAR3", "W3XP", "W2BN", "DRTL", "DSHR"}

// ValidProduct reports whether tag is an accepted product
func ValidProduct(tag string) bool {
	for _, p := range Products {
		if p == tag {
			return true
		}
	}
	return false
}

// Version check challenge. No archive exists; any report-version reply is accepted.
const (
	checkRevisionFiletime uint64 = 0
	checkRevisionArchive         = "ver-IX86-1.mpq"
	checkRevisionFormula         = "C=10 A=20 B=30 4 A=A-S B=B+C C=C^A A=A^B"
)

// Result codes used in handshake replies
const (
	versionCheckPassed uint32 = 0x02
	authCheckPassed    uint32 = 0x00
	cdKeyAccepted      uint32 = 0x01

	legacyLogonSuccess uint32 = 0x01
	legacyLogonFailure uint32 = 0x00

	olsLogonSuccess        uint32 = 0x00
	olsLogonInvalidAccount uint32 = 0x02
	olsLogonClosedAccount  uint32 = 0x06

	nlsLogonAccepted      uint32 = 0x00
	nlsProofSuccess       uint32 = 0x00
	nlsProofInvalidPasswd uint32 = 0x02
	nlsProofCustomError   uint32 = 0x0F
)

// unsupportedCommands are legacy commands with no chat API equivalent
var unsupportedCommands = map[string]bool{
	"away": true, "dnd": true, "friends": true, "options": true, "squelch": true,
	"unsquelch": true, "who": true, "whoami": true, "whois": true, "ignore": true,
	"unignore": true, "where": true, "whereis": true, "clan": true, "f": true,
	"c": true, "o": true, "beep": true, "mail": true, "nobeep": true,
	"stats": true, "time": true, "users": true, "help": true, "?": true,
}
