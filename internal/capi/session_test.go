package capi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SkynetNext/capi-gateway/internal/legacy"
	"github.com/SkynetNext/capi-gateway/internal/protocol"
)

const testTimeout = 2 * time.Second

type fakeConn struct {
	mu         sync.Mutex
	written    [][]byte
	pings      int
	closed     bool
	failWrites bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, errors.New("not readable")
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites || f.closed {
		return errors.New("write failed")
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if messageType == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type sentRequest struct {
	Command   string `json:"command"`
	RequestID uint64 `json:"request_id"`
	Payload   struct {
		Message  *string `json:"message"`
		UserID   *int64  `json:"user_id"`
		ToonName *string `json:"toon_name"`
		APIKey   *string `json:"api_key"`
	} `json:"payload"`
}

func (f *fakeConn) requests(t *testing.T) []sentRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRequest, 0, len(f.written))
	for _, data := range f.written {
		var req sentRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Fatalf("Invalid request JSON %s: %v", data, err)
		}
		out = append(out, req)
	}
	return out
}

type relayEvent struct {
	kind  string
	eid   legacy.EventID
	name  string
	text  string
	flags uint32
	login legacy.LoginResult
}

type fakeRelay struct {
	events chan relayEvent
	// reject fails chat events whose text contains it, as a strict codec would
	reject string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{events: make(chan relayEvent, 64)}
}

func (r *fakeRelay) CompleteLogin(result legacy.LoginResult) error {
	r.events <- relayEvent{kind: "login", login: result}
	return nil
}

func (r *fakeRelay) EnterChat(username, statstring string) error {
	r.events <- relayEvent{kind: "enterchat", name: username, text: statstring}
	return nil
}

func (r *fakeRelay) SendChatEvent(eid legacy.EventID, username, text string, flags uint32) error {
	if r.reject != "" && strings.Contains(username+text, r.reject) {
		return fmt.Errorf("build chat event 0x%02x: %w", uint32(eid), protocol.ErrUnencodable)
	}
	r.events <- relayEvent{kind: "chat", eid: eid, name: username, text: text, flags: flags}
	return nil
}

func (r *fakeRelay) SendError(message string) error {
	r.events <- relayEvent{kind: "chat", eid: legacy.EIDError, name: legacy.GatewayUser, text: message}
	return nil
}

func (r *fakeRelay) next(t *testing.T) relayEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for relay event")
	}
	return relayEvent{}
}

func (r *fakeRelay) expectChat(t *testing.T, eid legacy.EventID, name string, flags uint32) relayEvent {
	t.Helper()
	ev := r.next(t)
	if ev.kind != "chat" || ev.eid != eid || ev.name != name || ev.flags != flags {
		t.Fatalf("Expected chat event 0x%02x for %q flags 0x%02x, got %+v", uint32(eid), name, flags, ev)
	}
	return ev
}

func (r *fakeRelay) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("Unexpected relay event %+v", ev)
	default:
	}
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *fakeRelay, chan string) {
	t.Helper()
	conn := &fakeConn{}
	relay := newFakeRelay()
	closed := make(chan string, 4)
	c := NewSession(conn, relay, Options{
		Logger:  zap.NewNop(),
		OnClose: func(reason string) { closed <- reason },
	})
	return c, conn, relay, closed
}

func userUpdate(id int64, name string, extra string) []byte {
	if extra != "" {
		extra = "," + extra
	}
	return []byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":%d,"toon_name":%q%s}}`,
		CmdUserUpdateEvent, id, name, extra))
}

func userLeave(id int64) []byte {
	return []byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":%d}}`, CmdUserLeaveEvent, id))
}

func connectEvent(channel string) []byte {
	return []byte(fmt.Sprintf(`{"command":%q,"payload":{"channel":%q}}`, CmdConnectEvent, channel))
}

func response(command string, id uint64, status string) []byte {
	if status != "" {
		status = `,"status":` + status
	}
	return []byte(fmt.Sprintf(`{"command":%q,"request_id":%d%s,"payload":{}}`, command, id, status))
}

func directoryIDs(c *Session) []int64 {
	var ids []int64
	for _, u := range c.users.Users() {
		ids = append(ids, u.ID)
	}
	return ids
}

// joinChannel feeds the self update and channel event and drains the relays they cause
func joinChannel(t *testing.T, c *Session, relay *fakeRelay) {
	t.Helper()
	c.dispatch(userUpdate(1, "Self", `"attribute":[{"key":"ProgramId","value":"W3XP"}]`))
	if ev := relay.next(t); ev.kind != "enterchat" || ev.name != "Self" || ev.text != "PX3W" {
		t.Fatalf("Expected enter chat for Self, got %+v", ev)
	}
	c.dispatch(connectEvent("Op Test"))
	if ev := relay.expectChat(t, legacy.EIDChannel, "Self", 0); ev.text != "Op Test" {
		t.Fatalf("Expected channel Op Test, got %q", ev.text)
	}
}

func TestStatusText(t *testing.T) {
	tests := []struct {
		status *Status
		want   string
	}{
		{nil, ""},
		{&Status{0, 0}, ""},
		{&Status{6, 5}, "Request timed out"},
		{&Status{6, 8}, "Hit rate limit"},
		{&Status{8, 1}, "Not connected to chat"},
		{&Status{8, 2}, "Bad request"},
		{&Status{9, 3}, "Unknown (9-3)"},
	}
	for _, tt := range tests {
		if got := tt.status.Text(); got != tt.want {
			t.Errorf("Status %+v: expected %q, got %q", tt.status, tt.want, got)
		}
	}
}

func TestFlagBits(t *testing.T) {
	if FlagBits([]string{"admin", "speaker"}) != FlagBits([]string{"speaker", "admin"}) {
		t.Error("Expected flag bitmask to be order independent")
	}
	if FlagBits([]string{"moderator", "bogus"}) != FlagBits([]string{"moderator"}) {
		t.Error("Expected unknown capability to contribute nothing")
	}
	if got := FlagBits([]string{"MuteGlobal", "MuteWhisper"}); got != legacy.FlagSquelched {
		t.Errorf("Expected both mutes to share one bit, got 0x%02x", got)
	}
	if got := FlagBits([]string{"muteglobal", "mutewhisper"}); got != 0x20 {
		t.Errorf("Expected mutes to combine to 0x20, got 0x%02x", got)
	}
	if got := FlagBits([]string{"Admin", "Moderator", "Speaker"}); got != 0x0E {
		t.Errorf("Expected 0x0E, got 0x%02x", got)
	}
}

func TestStatstring(t *testing.T) {
	if got := Statstring(nil); got != "TAHC" {
		t.Errorf("Expected default TAHC, got %q", got)
	}
	if got := Statstring(map[string]string{"ProgramId": "D2DV"}); got != "VD2D" {
		t.Errorf("Expected VD2D, got %q", got)
	}
}

func TestNormalizeAttributes(t *testing.T) {
	list, present, err := normalizeAttributes(json.RawMessage(`[{"key":"ProgramId","value":"STAR"},{"key":"Rank","value":3}]`))
	if err != nil || !present {
		t.Fatalf("Expected list to parse, got present=%v err=%v", present, err)
	}
	if list["ProgramId"] != "STAR" || list["Rank"] != "3" {
		t.Errorf("Unexpected attributes %v", list)
	}

	obj, present, err := normalizeAttributes(json.RawMessage(`{"ProgramId":"SEXP"}`))
	if err != nil || !present || obj["ProgramId"] != "SEXP" {
		t.Errorf("Expected object to parse, got %v present=%v err=%v", obj, present, err)
	}

	if _, present, err := normalizeAttributes(json.RawMessage(`null`)); present || err != nil {
		t.Errorf("Expected null to be absent, got present=%v err=%v", present, err)
	}
	if _, _, err := normalizeAttributes(json.RawMessage(`"text"`)); err == nil {
		t.Error("Expected error for string attributes")
	}
}

func TestSession_RequestIDsStrictlyIncrease(t *testing.T) {
	c, conn, _, closed := newTestSession(t)

	var ids []uint64
	for i := 0; i < 3; i++ {
		id, err := c.send(CmdSendMessageRequest, map[string]any{"message": "hi"})
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		ids = append(ids, id)
	}

	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()
	failedID, err := c.send(CmdSendMessageRequest, nil)
	if err == nil {
		t.Fatal("Expected send to fail")
	}
	ids = append(ids, failedID)

	for i := range ids {
		if ids[i] != uint64(i+1) {
			t.Errorf("Expected request id %d, got %d", i+1, ids[i])
		}
	}

	reqs := conn.requests(t)
	if len(reqs) != 3 {
		t.Fatalf("Expected 3 written requests, got %d", len(reqs))
	}
	for i, req := range reqs {
		if req.RequestID != uint64(i+1) {
			t.Errorf("Expected written id %d, got %d", i+1, req.RequestID)
		}
	}
	if len(c.pending) != 3 {
		t.Errorf("Expected 3 pending requests, got %d", len(c.pending))
	}

	select {
	case reason := <-closed:
		if !strings.Contains(reason, "send failed") {
			t.Errorf("Unexpected close reason %q", reason)
		}
	default:
		t.Error("Expected a failed send to tear the session down")
	}
	if c.Connected() {
		t.Error("Expected session to be disconnected")
	}
	if _, err := c.send(CmdSendMessageRequest, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSession_UserUpdateReconciliation(t *testing.T) {
	c, _, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)

	// Roster before our own entry
	c.dispatch(userUpdate(2, "Bob", `"flag":["moderator"]`))
	relay.expectChat(t, legacy.EIDShowUser, "Bob", legacy.FlagOperator)

	// Our own entry, unchanged, switches later arrivals to joins
	c.dispatch(userUpdate(1, "Self", ""))
	relay.expectChat(t, legacy.EIDShowUser, "Self", 0)

	c.dispatch(userUpdate(3, "Carol", `"attribute":{"ProgramId":"STAR"}`))
	if ev := relay.expectChat(t, legacy.EIDJoin, "Carol", 0); ev.text != "RATS" {
		t.Errorf("Expected statstring RATS, got %q", ev.text)
	}

	c.dispatch(userUpdate(2, "Bob", `"flag":["speaker","moderator"]`))
	relay.expectChat(t, legacy.EIDUserFlags, "Bob", legacy.FlagOperator|legacy.FlagSpeaker)

	// Same flags in a different order is not a change
	c.dispatch(userUpdate(2, "Bob", `"flag":["moderator","speaker"]`))
	relay.expectNone(t)

	// A second unchanged self update is an anomaly, not another roster entry
	c.dispatch(userUpdate(1, "Self", ""))
	relay.expectNone(t)

	c.dispatch(userLeave(3))
	relay.expectChat(t, legacy.EIDLeave, "Carol", 0)

	c.dispatch(userLeave(99))
	relay.expectNone(t)

	want := []int64{1, 2}
	got := directoryIDs(c)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected directory %v, got %v", want, got)
	}

	bob, _ := c.users.Get(2)
	if !sameFlags(bob.Flags, []string{"moderator", "speaker"}) {
		t.Errorf("Expected Bob's flags to be stored, got %v", bob.Flags)
	}
}

func TestSession_AttributesReplacedWholesale(t *testing.T) {
	c, _, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)

	c.dispatch(userUpdate(5, "Dan", `"flag":["speaker"],"attribute":{"ProgramId":"D2DV","Rank":"1"}`))
	relay.expectChat(t, legacy.EIDShowUser, "Dan", legacy.FlagSpeaker)

	// Attributes present: replaced. Flags absent: kept.
	c.dispatch(userUpdate(5, "Dan", `"attribute":{"ProgramId":"D2XP"}`))
	if ev := relay.expectChat(t, legacy.EIDUserFlags, "Dan", legacy.FlagSpeaker); ev.text != "PX2D" {
		t.Errorf("Expected statstring PX2D, got %q", ev.text)
	}

	dan, _ := c.users.Get(5)
	if len(dan.Attributes) != 1 || dan.Attributes["ProgramId"] != "D2XP" {
		t.Errorf("Expected attributes to be replaced, got %v", dan.Attributes)
	}
}

func TestSession_EnterChatExactlyOnce(t *testing.T) {
	c, _, relay, _ := newTestSession(t)

	c.dispatch(userUpdate(1, "Self", `"flag":["admin"],"attribute":{"ProgramId":"WAR3"}`))
	if ev := relay.next(t); ev.kind != "enterchat" || ev.name != "Self" || ev.text != "3RAW" {
		t.Fatalf("Expected enter chat, got %+v", ev)
	}

	c.dispatch(userUpdate(1, "Self", `"flag":["speaker"]`))
	c.dispatch(userUpdate(4, "Early", ""))
	relay.expectNone(t)

	if c.users.Len() != 2 {
		t.Errorf("Expected 2 users in directory, got %d", c.users.Len())
	}
}

func TestSession_DirectoryConsistency(t *testing.T) {
	c, _, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)

	events := [][]byte{
		userUpdate(10, "a", ""), userUpdate(11, "b", ""), userLeave(10),
		userUpdate(12, "c", ""), userUpdate(10, "a", ""), userLeave(11),
		userUpdate(12, "c", `"flag":["speaker"]`), userLeave(12), userLeave(12),
		userUpdate(13, "d", ""),
	}
	for _, ev := range events {
		c.dispatch(ev)
	}
	for len(relay.events) > 0 {
		<-relay.events
	}

	got := directoryIDs(c)
	want := []int64{1, 10, 13}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected directory %v, got %v", want, got)
	}
}

func TestSession_Whisper(t *testing.T) {
	c, conn, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)
	c.dispatch(userUpdate(7, "Bob", ""))
	relay.next(t)

	c.whisper("bob", "hello there")
	reqs := conn.requests(t)
	if len(reqs) != 1 {
		t.Fatalf("Expected exactly one request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Command != CmdSendWhisperRequest {
		t.Errorf("Expected %s, got %s", CmdSendWhisperRequest, req.Command)
	}
	if req.Payload.Message == nil || *req.Payload.Message != "hello there" {
		t.Errorf("Unexpected message %v", req.Payload.Message)
	}
	if req.Payload.UserID == nil || *req.Payload.UserID != 7 {
		t.Errorf("Unexpected user_id %v", req.Payload.UserID)
	}

	// Successful response confirms with the original target and text
	c.dispatch(response(CmdSendWhisperResponse, req.RequestID, ""))
	if ev := relay.expectChat(t, legacy.EIDWhisperSent, "Bob", 0); ev.text != "hello there" {
		t.Errorf("Expected whisper text, got %q", ev.text)
	}

	c.whisper("*Bob", "again")
	reqs = conn.requests(t)
	c.dispatch(response(CmdSendWhisperResponse, reqs[1].RequestID, `{"area":8,"code":1}`))
	if ev := relay.next(t); ev.eid != legacy.EIDError || ev.text != "Whisper not sent: Not connected to chat" {
		t.Errorf("Expected whisper failure, got %+v", ev)
	}

	c.whisper("nobody", "hi")
	if ev := relay.next(t); ev.eid != legacy.EIDError || ev.text != legacy.ErrorNotLoggedOn {
		t.Errorf("Expected not logged on error, got %+v", ev)
	}
	if n := len(conn.requests(t)); n != 2 {
		t.Errorf("Expected no request for unknown target, have %d", n)
	}
}

func TestSession_Moderate(t *testing.T) {
	c, conn, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)
	c.dispatch(userUpdate(7, "Bob", ""))
	relay.next(t)

	c.moderate("Bob", legacy.ActionKick)
	c.moderate("Ghost", legacy.ActionUnban)
	c.moderate("Ghost", legacy.ActionBan)
	c.moderate("bob", legacy.ActionOp)

	reqs := conn.requests(t)
	if len(reqs) != 3 {
		t.Fatalf("Expected 3 requests, got %d", len(reqs))
	}
	if reqs[0].Command != CmdKickUserRequest || reqs[0].Payload.UserID == nil || *reqs[0].Payload.UserID != 7 {
		t.Errorf("Unexpected kick request %+v", reqs[0])
	}
	if reqs[1].Command != CmdUnbanUserRequest || reqs[1].Payload.ToonName == nil || *reqs[1].Payload.ToonName != "Ghost" {
		t.Errorf("Unexpected unban request %+v", reqs[1])
	}
	if reqs[2].Command != CmdSetModeratorRequest {
		t.Errorf("Expected %s, got %s", CmdSetModeratorRequest, reqs[2].Command)
	}
	if ev := relay.next(t); ev.eid != legacy.EIDError || ev.text != legacy.ErrorNotLoggedOn {
		t.Errorf("Expected not logged on error for ban, got %+v", ev)
	}
}

func TestSession_AuthSuccess(t *testing.T) {
	c, conn, relay, closed := newTestSession(t)

	c.authenticate("secret")
	reqs := conn.requests(t)
	if len(reqs) != 1 || reqs[0].Command != CmdAuthenticateRequest || *reqs[0].Payload.APIKey != "secret" {
		t.Fatalf("Unexpected auth request %+v", reqs)
	}

	c.dispatch(response(CmdAuthenticateResponse, reqs[0].RequestID, ""))
	ev := relay.next(t)
	if _, ok := ev.login.(legacy.LoginSucceeded); !ok {
		t.Errorf("Expected login success, got %+v", ev)
	}
	if c.authenticating {
		t.Error("Expected authenticating to be cleared")
	}
	select {
	case reason := <-closed:
		t.Errorf("Unexpected close: %s", reason)
	default:
	}
}

func TestSession_AuthFailure(t *testing.T) {
	c, conn, relay, closed := newTestSession(t)

	c.authenticate("bad")
	c.dispatch(response(CmdAuthenticateResponse, 1, `{"area":8,"code":2}`))

	ev := relay.next(t)
	failed, ok := ev.login.(legacy.LoginFailed)
	if !ok || failed.Message != "Bad request" {
		t.Errorf("Expected login failure with status text, got %+v", ev)
	}

	select {
	case reason := <-closed:
		if !strings.Contains(reason, "authentication failed: Bad request") {
			t.Errorf("Unexpected close reason %q", reason)
		}
	default:
		t.Fatal("Expected session teardown")
	}

	reqs := conn.requests(t)
	if last := reqs[len(reqs)-1]; last.Command != CmdDisconnectRequest {
		t.Errorf("Expected a disconnect request before closing, got %s", last.Command)
	}
	if c.Connected() {
		t.Error("Expected session to be closed")
	}
}

func TestSession_ConnectFailureTearsDown(t *testing.T) {
	c, conn, _, closed := newTestSession(t)

	c.sendLogged(CmdConnectRequest, nil)
	reqs := conn.requests(t)
	if len(reqs) != 1 || reqs[0].Command != CmdConnectRequest {
		t.Fatalf("Unexpected connect request %+v", reqs)
	}

	c.dispatch(response(CmdConnectResponse, reqs[0].RequestID, `{"area":8,"code":1}`))

	select {
	case reason := <-closed:
		if reason != "failed to enter chat: Not connected to chat" {
			t.Errorf("Unexpected close reason %q", reason)
		}
	default:
		t.Fatal("Expected session teardown")
	}

	reqs = conn.requests(t)
	if last := reqs[len(reqs)-1]; last.Command != CmdDisconnectRequest {
		t.Errorf("Expected a disconnect request before closing, got %s", last.Command)
	}
	if c.Connected() {
		t.Error("Expected session to be closed")
	}
}

func TestSession_HandlerFaultFatalInDebug(t *testing.T) {
	conn := &fakeConn{}
	relay := newFakeRelay()
	closed := make(chan string, 4)
	c := NewSession(conn, relay, Options{
		Debug:   true,
		Logger:  zap.NewNop(),
		OnClose: func(reason string) { closed <- reason },
	})

	c.dispatch([]byte(`{"command":"Botapichat.UserUpdateEventRequest","payload":{"toon_name":"Nobody"}}`))

	select {
	case reason := <-closed:
		want := "handler fault in " + CmdUserUpdateEvent + ": " + errMissingUserID.Error()
		if reason != want {
			t.Errorf("Expected close reason %q, got %q", want, reason)
		}
	default:
		t.Fatal("Expected a handler fault to end the session in debug mode")
	}

	reqs := conn.requests(t)
	if len(reqs) != 1 || reqs[0].Command != CmdDisconnectRequest {
		t.Errorf("Expected a single disconnect request, got %+v", reqs)
	}
	if c.Connected() {
		t.Error("Expected session to be closed")
	}
	relay.expectNone(t)
}

func TestSession_UnencodableChatReportsError(t *testing.T) {
	c, _, relay, closed := newTestSession(t)
	joinChannel(t, c, relay)
	c.dispatch(userUpdate(2, "Bob", ""))
	relay.next(t)
	relay.reject = "☃"

	c.dispatch([]byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":2,"message":"snow ☃","type":"Channel"}}`,
		CmdMessageEvent)))
	if ev := relay.next(t); ev.eid != legacy.EIDError || ev.name != legacy.GatewayUser || ev.text != legacy.ErrorUnencodable {
		t.Errorf("Expected unencodable error, got %+v", ev)
	}
	relay.expectNone(t)

	// Encodable text still goes through
	c.dispatch([]byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":2,"message":"snow","type":"Channel"}}`,
		CmdMessageEvent)))
	relay.expectChat(t, legacy.EIDTalk, "Bob", 0)

	if len(closed) != 0 || !c.Connected() {
		t.Error("Expected session to survive unencodable text")
	}
}

func TestSession_UnencodableChatReachesLegacyClient(t *testing.T) {
	codec, err := protocol.NewTextCodec("windows-1252", protocol.PolicyStrict, "")
	if err != nil {
		t.Fatalf("NewTextCodec failed: %v", err)
	}
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	relay := legacy.NewSession(server, legacy.Options{Text: codec, Logger: zap.NewNop()})
	c := NewSession(&fakeConn{}, relay, Options{Logger: zap.NewNop()})
	c.users.Upsert(&User{ID: 2, Name: "Bob", Flags: []string{}, Attributes: map[string]string{}})

	go c.dispatch([]byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":2,"message":"snow ☃","type":"Channel"}}`,
		CmdMessageEvent)))

	_ = client.SetReadDeadline(time.Now().Add(testTimeout))
	pkt, err := protocol.ReadPacket(client, 0)
	if err != nil {
		t.Fatalf("Expected an event on the legacy connection: %v", err)
	}
	if pkt.ID != legacy.SIDChatEvent {
		t.Fatalf("Expected chat event, got 0x%02x", pkt.ID)
	}
	r := protocol.NewReader(pkt.Payload, nil)
	eid := legacy.EventID(r.ReadUint32())
	r.Skip(20) // flags, ping, ip, account, authority
	name := r.ReadString()
	text := r.ReadString()
	if err := r.Err(); err != nil {
		t.Fatalf("Malformed chat event: %v", err)
	}
	if eid != legacy.EIDError || name != legacy.GatewayUser || text != legacy.ErrorUnencodable {
		t.Errorf("Expected unencodable error, got eid 0x%02x %q %q", uint32(eid), name, text)
	}
}

func TestSession_DisconnectEventOnce(t *testing.T) {
	c, conn, _, closed := newTestSession(t)

	c.dispatch([]byte(`{"command":"Botapichat.DisconnectEventRequest","payload":{}}`))
	c.dispatch([]byte(`{"command":"Botapichat.DisconnectEventRequest","payload":{}}`))

	if len(closed) != 1 {
		t.Errorf("Expected exactly one close, got %d", len(closed))
	}
	count := 0
	for _, req := range conn.requests(t) {
		if req.Command == CmdDisconnectRequest {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one disconnect request, got %d", count)
	}
}

func TestSession_InvalidFramesSkipped(t *testing.T) {
	c, _, relay, closed := newTestSession(t)

	c.dispatch([]byte(`not json`))
	c.dispatch([]byte(`[1, 2, 3]`))
	c.dispatch([]byte(`{"command":`))
	c.dispatch([]byte(`"just a string"`))
	c.dispatch([]byte(``))
	// Unmatched response id is an anomaly only
	c.dispatch(response(CmdConnectResponse, 42, ""))
	// Malformed payload is a handler fault, survived outside debug mode
	c.dispatch([]byte(`{"command":"Botapichat.UserUpdateEventRequest","payload":{"user_id":"x"}}`))

	relay.expectNone(t)
	if len(closed) != 0 || !c.Connected() {
		t.Error("Expected session to survive invalid frames")
	}
}

func TestSession_MessageEvents(t *testing.T) {
	c, _, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)
	c.dispatch(userUpdate(2, "Bob", `"flag":["moderator"]`))
	relay.next(t)

	msg := func(id int64, typ, text string) []byte {
		return []byte(fmt.Sprintf(`{"command":%q,"payload":{"user_id":%d,"message":%q,"type":%q}}`,
			CmdMessageEvent, id, text, typ))
	}

	c.dispatch(msg(2, "Channel", "hi all"))
	if ev := relay.expectChat(t, legacy.EIDTalk, "Bob", legacy.FlagOperator); ev.text != "hi all" {
		t.Errorf("Expected talk text, got %q", ev.text)
	}
	c.dispatch(msg(2, "Whisper", "psst"))
	relay.expectChat(t, legacy.EIDWhisper, "Bob", legacy.FlagOperator)
	c.dispatch(msg(2, "Emote", "waves"))
	relay.expectChat(t, legacy.EIDEmote, "Bob", legacy.FlagOperator)
	c.dispatch(msg(0, "ServerInfo", "Welcome"))
	relay.expectChat(t, legacy.EIDInfo, "", 0)
	c.dispatch(msg(0, "ServerError", "Oops"))
	relay.expectChat(t, legacy.EIDError, "", 0)

	c.dispatch(msg(2, "Shout", "??"))
	relay.expectNone(t)
}

func TestSession_ResendUserFlags(t *testing.T) {
	c, _, relay, _ := newTestSession(t)
	joinChannel(t, c, relay)
	c.dispatch(userUpdate(2, "Bob", `"flag":["speaker"]`))
	relay.next(t)

	c.resendUserFlags()
	relay.expectChat(t, legacy.EIDUserFlags, "Self", 0)
	relay.expectChat(t, legacy.EIDUserFlags, "Bob", legacy.FlagSpeaker)
}

func TestSession_Ping(t *testing.T) {
	c, conn, _, _ := newTestSession(t)
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if conn.pings != 1 {
		t.Errorf("Expected one ping, got %d", conn.pings)
	}
	c.Close()
	if err := c.Ping(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after close, got %v", err)
	}
}

// chatAPIServer runs a WebSocket endpoint that answers authentication and sends a roster
func chatAPIServer(t *testing.T, closeAfterRoster bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Command != CmdAuthenticateRequest {
			return
		}

		ws.WriteMessage(websocket.TextMessage, response(CmdAuthenticateResponse, req.RequestID, ""))
		ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		ws.WriteMessage(websocket.TextMessage, []byte("garbage"))
		ws.WriteMessage(websocket.TextMessage, userUpdate(1, "Self", ""))

		if closeAfterRoster {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_EndToEnd(t *testing.T) {
	srv := chatAPIServer(t, false)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := Dial(ctx, url, DialOptions{Timeout: testTimeout})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	relay := newFakeRelay()
	c := NewSession(conn, relay, Options{Logger: zap.NewNop()})
	go c.Run()
	defer c.Close()

	c.Authenticate("key")

	ev := relay.next(t)
	if _, ok := ev.login.(legacy.LoginSucceeded); !ok {
		t.Fatalf("Expected login success, got %+v", ev)
	}
	if ev := relay.next(t); ev.kind != "enterchat" || ev.name != "Self" || ev.text != "TAHC" {
		t.Fatalf("Expected enter chat, got %+v", ev)
	}
	if err := c.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if time.Since(c.LastActivity()) > testTimeout {
		t.Error("Expected recent chat API activity")
	}
}

func TestSession_RemoteCloseTearsDown(t *testing.T) {
	srv := chatAPIServer(t, true)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	conn, err := Dial(ctx, url, DialOptions{Timeout: testTimeout})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	closed := make(chan string, 1)
	c := NewSession(conn, newFakeRelay(), Options{
		Logger:  zap.NewNop(),
		OnClose: func(reason string) { closed <- reason },
	})
	go c.Run()
	c.Authenticate("key")

	select {
	case reason := <-closed:
		if !strings.Contains(reason, "chat API receive failed") {
			t.Errorf("Unexpected close reason %q", reason)
		}
	case <-time.After(testTimeout):
		t.Fatal("Timed out waiting for teardown")
	}
	if c.Connected() {
		t.Error("Expected session to be closed")
	}
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := Dial(ctx, "ws://127.0.0.1:1/v1/rpc/chat", DialOptions{Timeout: time.Second}); err == nil {
		t.Error("Expected dial error")
	}
}
