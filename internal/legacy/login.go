package legacy

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

// LoginVariant is the handshake shape a client used to log on
type LoginVariant int

const (
	// LoginLegacy is the oldest handshake (LOGONRESPONSE)
	LoginLegacy LoginVariant = iota
	// LoginOLS is the old login system (LOGONRESPONSE2)
	LoginOLS
	// LoginNLS is the new login system (AUTH_ACCOUNTLOGON + AUTH_ACCOUNTLOGONPROOF)
	LoginNLS
)

func (v LoginVariant) String() string {
	switch v {
	case LoginLegacy:
		return "legacy"
	case LoginOLS:
		return "ols"
	case LoginNLS:
		return "nls"
	default:
		return fmt.Sprintf("LoginVariant(%d)", int(v))
	}
}

// LoginContext records the one login attempt a session is allowed
type LoginContext struct {
	Variant     LoginVariant
	ServerToken uint32
	ClientToken *uint32
	Product     string
	Account     string

	// NLS only
	clientKey []byte
}

// LoginResult is the outcome of chat API authentication: LoginSucceeded or LoginFailed
type LoginResult interface {
	isLoginResult()
}

// LoginSucceeded reports that the chat API accepted the credentials
type LoginSucceeded struct{}

// LoginFailed reports a rejected login. Message may be empty.
type LoginFailed struct {
	Message string
}

func (LoginSucceeded) isLoginResult() {}
func (LoginFailed) isLoginResult()    {}

// loginResponse serializes result in the shape the client's handshake variant expects
func loginResponse(ctx *LoginContext, result LoginResult, text *protocol.TextCodec) (byte, []byte, error) {
	w := protocol.NewWriter(text)

	switch ctx.Variant {
	case LoginLegacy:
		switch result.(type) {
		case LoginSucceeded:
			w.WriteUint32(legacyLogonSuccess)
		case LoginFailed:
			w.WriteUint32(legacyLogonFailure)
		}
		return SIDLogonResponse, w.Bytes(), w.Err()

	case LoginOLS:
		switch r := result.(type) {
		case LoginSucceeded:
			w.WriteUint32(olsLogonSuccess)
		case LoginFailed:
			if r.Message != "" {
				w.WriteUint32(olsLogonClosedAccount)
				w.WriteString(r.Message)
			} else {
				w.WriteUint32(olsLogonInvalidAccount)
			}
		}
		return SIDLogonResponse2, w.Bytes(), w.Err()

	case LoginNLS:
		switch r := result.(type) {
		case LoginSucceeded:
			w.WriteUint32(nlsProofSuccess)
			w.WriteBytes(serverProof(ctx))
			w.WriteString("")
		case LoginFailed:
			if r.Message != "" {
				w.WriteUint32(nlsProofCustomError)
			} else {
				w.WriteUint32(nlsProofInvalidPasswd)
			}
			w.WriteZeros(sha1.Size)
			w.WriteString(r.Message)
		}
		return SIDAuthAccountLogonProof, w.Bytes(), w.Err()
	}

	return 0, nil, fmt.Errorf("unknown login variant %v", ctx.Variant)
}

// serverProof derives the 20-byte proof returned on NLS success. No password verification
// happens here; the value only has to be stable for the session and non-zero.
func serverProof(ctx *LoginContext) []byte {
	h := sha1.New()
	var token [4]byte
	binary.LittleEndian.PutUint32(token[:], ctx.ServerToken)
	h.Write(token[:])
	h.Write(ctx.clientKey)
	h.Write([]byte(ctx.Account))
	return h.Sum(nil)
}
