package dispatcher

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vagabond/server/chatlog"
	"vagabond/server/credstore"
	"vagabond/server/frame"
	"vagabond/server/registry"
)

// testHarness wires a Dispatcher against temp-file-backed credstore/chatlog
// and a fresh registry, mirroring how main.go assembles them.
type testHarness struct {
	d    *Dispatcher
	reg  *registry.Registry
	ctx  context.Context
	stop context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	creds, err := credstore.Open(filepath.Join(dir, "users.json"), filepath.Join(dir, "telegram_links.json"))
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	if err := creds.CreateIfAbsent("alice", "pw1"); err != nil {
		t.Fatalf("seed alice: %v", err)
	}
	if err := creds.CreateIfAbsent("bob", "pw2"); err != nil {
		t.Fatalf("seed bob: %v", err)
	}
	chat, err := chatlog.Open(filepath.Join(dir, "history.log"))
	if err != nil {
		t.Fatalf("chatlog.Open: %v", err)
	}
	t.Cleanup(func() { chat.Close() })

	reg := registry.New()
	d := New(Config{}, reg, creds, chat, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return &testHarness{d: d, reg: reg, ctx: ctx, stop: cancel}
}

// connectClient dials an in-memory pipe to the dispatcher and returns the
// client-side net.Conn plus a frame.Reader over it.
func (h *testHarness) connectClient(t *testing.T) (net.Conn, *frame.Reader) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go h.d.handleConn(h.ctx, serverSide)
	return clientSide, frame.NewReader(clientSide)
}

func login(t *testing.T, conn net.Conn, rd *frame.Reader, username, password string) {
	t.Helper()
	payload, _ := json.Marshal(loginPayload{Username: username, Password: password})
	writeRecord(t, conn, frame.TypeLoginRequest, payload)

	rec := readUntil(t, rd, frame.TypeLoginResponse)
	if string(rec.Payload) != "ok" {
		t.Fatalf("login %s: got LoginResponse %q", username, rec.Payload)
	}
}

func writeRecord(t *testing.T, conn net.Conn, typ frame.Type, payload []byte) {
	t.Helper()
	raw, err := frame.Encode(frame.Record{
		Type:          typ,
		SenderNull:    true,
		RecipientNull: true,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("encode %s: %v", typ, err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads records until one of type want arrives, skipping any
// interleaved UsersListResponse/MediaControl fan-out records. Fails the test
// after a bounded number of reads.
func readUntil(t *testing.T, rd *frame.Reader, want frame.Type) frame.Record {
	t.Helper()
	for i := 0; i < 20; i++ {
		rec, err := rd.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord waiting for %s: %v", want, err)
		}
		if rec.Type == want {
			return rec
		}
	}
	t.Fatalf("did not see a %s record within the read budget", want)
	return frame.Record{}
}

// readUsersListContaining reads UsersListResponse records (skipping any
// earlier snapshot that predates both logins) until it sees one listing
// both users, or exhausts its read budget.
func readUsersListContaining(t *testing.T, rd *frame.Reader, a, b string) []string {
	t.Helper()
	for i := 0; i < 20; i++ {
		rec := readUntil(t, rd, frame.TypeUsersListResponse)
		names := strings.Split(string(rec.Payload), "\n")
		if containsBoth(names, a, b) {
			return names
		}
	}
	t.Fatalf("never saw a users list containing both %q and %q", a, b)
	return nil
}

func TestLoginAndUsersListFanOut(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	defer c1.Close()
	c2, rd2 := h.connectClient(t)
	defer c2.Close()

	login(t, c1, rd1, "alice", "pw1")
	login(t, c2, rd2, "bob", "pw2")

	readUsersListContaining(t, rd1, "alice", "bob")
	readUsersListContaining(t, rd2, "alice", "bob")
}

func containsBoth(list []string, a, b string) bool {
	var hasA, hasB bool
	for _, n := range list {
		if n == a {
			hasA = true
		}
		if n == b {
			hasB = true
		}
	}
	return hasA && hasB
}

func TestChatEchoIncludesSender(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	defer c1.Close()
	c2, rd2 := h.connectClient(t)
	defer c2.Close()

	login(t, c1, rd1, "alice", "pw1")
	login(t, c2, rd2, "bob", "pw2")
	readUsersListContaining(t, rd1, "alice", "bob")
	readUsersListContaining(t, rd2, "alice", "bob")

	before := time.Now().UnixMilli()
	writeRecord(t, c1, frame.TypeChatMessage, []byte("hi"))

	for _, rd := range []*frame.Reader{rd1, rd2} {
		rec := readUntil(t, rd, frame.TypeChatMessage)
		if rec.Sender != "alice" || string(rec.Payload) != "hi" {
			t.Errorf("chat echo: got sender=%q payload=%q", rec.Sender, rec.Payload)
		}
		if rec.Timestamp < before {
			t.Errorf("chat echo timestamp %d predates send %d", rec.Timestamp, before)
		}
	}
}

func TestDisplacementOnDuplicateLogin(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	defer c1.Close()

	login(t, c1, rd1, "alice", "pw1")
	readUntil(t, rd1, frame.TypeUsersListResponse)

	c3, rd3 := h.connectClient(t)
	defer c3.Close()
	login(t, c3, rd3, "alice", "pw1")

	// c1 should observe its connection torn down by the displacement.
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, err := rd1.ReadRecord(); err != nil {
			break
		}
	}

	if u, ok := h.reg.ConnOf("alice"); !ok {
		t.Fatal("alice should still be bound after displacement, to the new connection")
	} else if _, ok := u.(*Connection); !ok {
		t.Fatal("ConnOf(alice) is not a *Connection")
	}
}

// readScreenMediaControl reads MediaControl records, skipping the
// snapshot sent at login (whose payload doesn't carry a "screen" kind),
// until one whose kind is "screen" arrives.
func readScreenMediaControl(t *testing.T, rd *frame.Reader) (kind, state, from string) {
	t.Helper()
	for i := 0; i < 20; i++ {
		rec := readUntil(t, rd, frame.TypeMediaControl)
		var got struct{ Kind, State, From string }
		if err := json.Unmarshal(rec.Payload, &got); err == nil && got.Kind == "screen" {
			return got.Kind, got.State, got.From
		}
	}
	t.Fatal("never saw a screen MediaControl record")
	return "", "", ""
}

func TestScreenStopBroadcastOnDisconnect(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	c2, rd2 := h.connectClient(t)
	defer c2.Close()

	login(t, c1, rd1, "alice", "pw1")
	login(t, c2, rd2, "bob", "pw2")
	readUsersListContaining(t, rd1, "alice", "bob")
	readUsersListContaining(t, rd2, "alice", "bob")

	startPayload, _ := json.Marshal(mediaControlPayload{Kind: "screen", State: "start"})
	writeRecord(t, c1, frame.TypeMediaControl, startPayload)

	kind, state, from := readScreenMediaControl(t, rd2)
	if kind != "screen" || state != "start" || from != "alice" {
		t.Fatalf("unexpected start broadcast: kind=%q state=%q from=%q", kind, state, from)
	}

	c1.Close()

	kind, state, from = readScreenMediaControl(t, rd2)
	if kind != "screen" || state != "stop" || from != "alice" {
		t.Fatalf("expected stop-on-disconnect broadcast, got kind=%q state=%q from=%q", kind, state, from)
	}

	rec := readUntil(t, rd2, frame.TypeUsersListResponse)
	if strings.Contains(string(rec.Payload), "alice") {
		t.Errorf("users list should no longer contain alice: %q", rec.Payload)
	}
}

func TestUnsupportedTypeGetsError(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	defer c1.Close()
	login(t, c1, rd1, "alice", "pw1")
	readUntil(t, rd1, frame.TypeUsersListResponse)

	writeRecord(t, c1, frame.Type(200), nil)
	rec := readUntil(t, rd1, frame.TypeError)
	if string(rec.Payload) != "unsupported message type" {
		t.Errorf("got error payload %q", rec.Payload)
	}
}

func TestUnauthenticatedRecordRejected(t *testing.T) {
	h := newHarness(t)
	c1, rd1 := h.connectClient(t)
	defer c1.Close()

	writeRecord(t, c1, frame.TypeChatMessage, []byte("too early"))
	rec := readUntil(t, rd1, frame.TypeError)
	if string(rec.Payload) != "not authenticated" {
		t.Errorf("got error payload %q", rec.Payload)
	}
}
