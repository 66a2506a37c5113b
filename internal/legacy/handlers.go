package legacy

import (
	"errors"
	"math/rand"

	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

const (
	nlsKeySize          = 32
	warcraftSignatureSz = 128
)

var errNoChatAPI = errors.New("no chat API attached")

// setProduct records the product of a version handshake. Only one handshake is allowed.
func (s *Session) setProduct(tag string) error {
	if !ValidProduct(tag) {
		return protocol.Violation("unsupported product (%q)", tag)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.product != "" {
		return protocol.Violation("repeat client auth (%s after %s)", tag, s.product)
	}
	s.product = tag
	return nil
}

func (s *Session) handleAuthInfo(r *protocol.Reader) error {
	r.Skip(8) // protocol id, platform
	product := r.ReadTag()
	if err := r.Err(); err != nil {
		return err
	}
	if err := s.setProduct(product); err != nil {
		return err
	}

	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(rand.Uint32())
	if err := s.send(SIDPing, w.Bytes()); err != nil {
		return err
	}

	w = protocol.NewWriter(s.opts.Text)
	if !s.opts.VersionCheck {
		w.WriteUint32(authCheckPassed)
		w.WriteString("")
		return s.send(SIDAuthCheck, w.Bytes())
	}

	warcraft := product == "WAR3" || product == "W3XP"
	logonType := uint32(0)
	if warcraft {
		logonType = 2
	}

	w.WriteUint32(logonType)
	w.WriteUint32(s.serverToken)
	w.WriteUint32(0) // udp value
	w.WriteUint64(checkRevisionFiletime)
	w.WriteString(checkRevisionArchive)
	w.WriteString(checkRevisionFormula)
	if warcraft {
		w.WriteZeros(warcraftSignatureSz)
	}
	if err := w.Err(); err != nil {
		return err
	}
	return s.send(SIDAuthInfo, w.Bytes())
}

func (s *Session) handleAuthCheck(r *protocol.Reader) error {
	token := r.ReadUint32()
	if err := r.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.clientToken = &token
	s.mu.Unlock()

	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(authCheckPassed)
	w.WriteString("")
	return s.send(SIDAuthCheck, w.Bytes())
}

func (s *Session) handleStartVersioning(r *protocol.Reader) error {
	r.Skip(4) // platform
	product := r.ReadTag()
	if err := r.Err(); err != nil {
		return err
	}
	if err := s.setProduct(product); err != nil {
		return err
	}

	w := protocol.NewWriter(s.opts.Text)
	w.WriteZeros(16) // registration version, authority, account, token
	if err := s.send(SIDClientID, w.Bytes()); err != nil {
		return err
	}

	w = protocol.NewWriter(s.opts.Text)
	w.WriteUint32(0) // udp value
	w.WriteUint32(s.serverToken)
	if err := s.send(SIDLogonChallengeEx, w.Bytes()); err != nil {
		return err
	}

	w = protocol.NewWriter(s.opts.Text)
	if !s.opts.VersionCheck {
		w.WriteUint32(versionCheckPassed)
		w.WriteString("")
		return s.send(SIDReportVersion, w.Bytes())
	}
	w.WriteUint64(checkRevisionFiletime)
	w.WriteString(checkRevisionArchive)
	w.WriteString(checkRevisionFormula)
	if err := w.Err(); err != nil {
		return err
	}
	return s.send(SIDStartVersioning, w.Bytes())
}

func (s *Session) handleReportVersion(r *protocol.Reader) error {
	r.Skip(4) // platform
	product := r.ReadTag()
	if err := r.Err(); err != nil {
		return err
	}
	if !ValidProduct(product) {
		return protocol.Violation("unsupported product (%q)", product)
	}

	s.mu.Lock()
	if s.product == "" {
		s.product = product
	}
	s.mu.Unlock()

	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(versionCheckPassed)
	w.WriteString("") // patch path
	return s.send(SIDReportVersion, w.Bytes())
}

// handleLogonResponse handles both LOGONRESPONSE and LOGONRESPONSE2, which share a layout
func (s *Session) handleLogonResponse(r *protocol.Reader, variant LoginVariant) error {
	token := r.ReadUint32()
	r.Skip(24) // server token, password hash
	account := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.clientToken = &token
	s.mu.Unlock()

	if err := s.beginLogin(variant, account, nil); err != nil {
		return err
	}
	s.chat.Authenticate(account)
	return nil
}

func (s *Session) handleAuthAccountLogon(r *protocol.Reader) error {
	clientKey := r.ReadBytes(nlsKeySize)
	account := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}

	if err := s.beginLogin(LoginNLS, account, append([]byte(nil), clientKey...)); err != nil {
		return err
	}

	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(nlsLogonAccepted)
	w.WriteZeros(nlsKeySize) // salt
	w.WriteZeros(nlsKeySize) // server key
	if err := s.send(SIDAuthAccountLogon, w.Bytes()); err != nil {
		return err
	}

	s.chat.Authenticate(account)
	return nil
}

// beginLogin creates the session's login context. The credential itself is never checked
// here; the chat API decides and answers through CompleteLogin.
func (s *Session) beginLogin(variant LoginVariant, account string, clientKey []byte) error {
	if s.chat == nil {
		return errNoChatAPI
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.login != nil || s.loggedOn {
		return protocol.Violation("repeat login attempt (%s)", variant)
	}
	s.login = &LoginContext{
		Variant:     variant,
		ServerToken: s.serverToken,
		ClientToken: s.clientToken,
		Product:     s.product,
		Account:     account,
		clientKey:   clientKey,
	}
	s.state = StateLoggingOn

	s.log.Debug("Legacy login started",
		zap.Stringer("variant", variant),
		zap.String("product", s.product))
	return nil
}

func (s *Session) handleEnterChat() error {
	if s.chat == nil {
		return errNoChatAPI
	}

	s.mu.Lock()
	loggedOn := s.loggedOn
	s.mu.Unlock()

	if !loggedOn || !s.chat.Connected() {
		return protocol.Violation("attempt to enter chat before login")
	}

	s.setState(StateInChat)
	s.chat.EnterChat()
	return nil
}

func (s *Session) handleQueryRealms2() error {
	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(0)
	w.WriteUint32(0) // realm count
	return s.send(SIDQueryRealms2, w.Bytes())
}

func (s *Session) handleGetFileTime(r *protocol.Reader) error {
	requestID := r.ReadUint32()
	unknown := r.ReadUint32()
	filename := r.ReadString()
	if err := r.Err(); err != nil {
		return err
	}

	// No files ever exist
	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(requestID)
	w.WriteUint32(unknown)
	w.WriteUint64(0)
	w.WriteString(filename)
	if err := w.Err(); err != nil {
		return err
	}
	return s.send(SIDGetFileTime, w.Bytes())
}

func (s *Session) handleGetIconData() error {
	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint64(0)
	w.WriteString("icons.bni")
	return s.send(SIDGetIconData, w.Bytes())
}

func (s *Session) handleCDKey2(r *protocol.Reader) error {
	r.Skip(20) // key properties, server token
	token := r.ReadUint32()
	if err := r.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.clientToken = &token
	s.mu.Unlock()

	w := protocol.NewWriter(s.opts.Text)
	w.WriteUint32(cdKeyAccepted)
	w.WriteString("")
	return s.send(SIDCDKey2, w.Bytes())
}
