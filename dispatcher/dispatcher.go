// Package dispatcher implements the TCP control-connection dispatcher
// (§4.5): the accept loop, per-connection read/write loops, and the
// handler table keyed by frame.Type, fanning control records out to every
// authenticated connection in this server's single broadcast domain.
package dispatcher

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"vagabond/server/chatlog"
	"vagabond/server/credstore"
	"vagabond/server/frame"
	"vagabond/server/registry"
)

// MediaSink is the subset of the HTTP bridge (§4.7) the dispatcher pushes
// media into. Defined here, implemented by bridge.Bridge, so this package
// never imports bridge and the two stay independently testable.
type MediaSink interface {
	PushAudio(username string, pcm []byte)
	PushFrame(username string, jpeg []byte)
}

// LinkPreviewer resolves a chat message's first URL into a preview record,
// if any (Supplement 1). Implemented by the root linkpreview.go fetcher.
type LinkPreviewer interface {
	// Preview returns the JSON payload for a TypeLinkPreview record, or
	// (nil, false) if text contains no previewable URL.
	Preview(text string) ([]byte, bool)
}

// Config holds the dispatcher's tunables, all settable from command-line
// flags in main.go (Supplement 2: connection/rate limits).
type Config struct {
	RateLimitPerSec int // per-connection control-message budget; 0 disables
	MaxConnections  int // 0 = unlimited
	PerIPLimit      int // 0 = unlimited
	IdleTimeout     time.Duration
}

// Dispatcher owns the registry, credential store, and chat log, and holds
// every accepted Connection's handler state.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	creds    *credstore.Store
	chat     *chatlog.Log
	bridge   MediaSink
	preview  LinkPreviewer

	handlers map[frame.Type]handlerFunc

	mu        sync.Mutex
	connCount int
	perIP     map[string]int
}

type handlerFunc func(d *Dispatcher, ctx context.Context, c *Connection, r frame.Record)

// New builds a Dispatcher. bridge and preview may be nil; their handlers
// become no-ops when unset so the dispatcher is independently testable.
func New(cfg Config, reg *registry.Registry, creds *credstore.Store, chat *chatlog.Log, bridge MediaSink, preview LinkPreviewer) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		creds:    creds,
		chat:     chat,
		bridge:   bridge,
		preview:  preview,
		perIP:    map[string]int{},
	}
	d.handlers = map[frame.Type]handlerFunc{
		frame.TypeLoginRequest:     (*Dispatcher).handleLogin,
		frame.TypeUdpPortsAnnounce: (*Dispatcher).handleUdpPortsAnnounce,
		frame.TypeChatMessage:      (*Dispatcher).handleChatMessage,
		frame.TypeChatMedia:        (*Dispatcher).handleChatMedia,
		frame.TypeHistoryRequest:   (*Dispatcher).handleHistoryRequest,
		frame.TypeUsersListRequest: (*Dispatcher).handleUsersListRequest,
		frame.TypeVoiceChunk:       (*Dispatcher).handleLegacyVoiceChunk,
		frame.TypeScreenFrame:      (*Dispatcher).handleScreenFrame,
		frame.TypeStreamAudio:      (*Dispatcher).handleStreamAudio,
		frame.TypeWebFrame:         (*Dispatcher).handleWebFrame,
		frame.TypeMediaControl:     (*Dispatcher).handleMediaControl,
		frame.TypePing:             (*Dispatcher).handlePing,
		frame.TypeLogoutRequest:    (*Dispatcher).handleLogout,
	}
	return d
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails,
// one goroutine per connection, with errors logged and the loop kept alive.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("dispatcher: accept: %w", err)
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, raw net.Conn) {
	host, _, _ := net.SplitHostPort(raw.RemoteAddr().String())
	if !d.admit(host) {
		log.Printf("[dispatcher] rejected %s: connection limit reached", raw.RemoteAddr())
		raw.Close()
		return
	}
	defer d.release(host)

	c := newConnection(raw, d.cfg.RateLimitPerSec)
	defer c.Close()

	log.Printf("[dispatcher] accepted %s", c.RemoteIP)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.writeLoop(c)
	}()

	d.readLoop(ctx, c)
	c.Close()
	wg.Wait()

	d.cleanupConn(c)
	log.Printf("[dispatcher] closed %s", c.RemoteIP)
}

// admit enforces Supplement 2's connection-count and per-IP caps.
func (d *Dispatcher) admit(host string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cfg.MaxConnections > 0 && d.connCount >= d.cfg.MaxConnections {
		return false
	}
	if d.cfg.PerIPLimit > 0 && d.perIP[host] >= d.cfg.PerIPLimit {
		return false
	}
	d.connCount++
	d.perIP[host]++
	return true
}

func (d *Dispatcher) release(host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connCount--
	d.perIP[host]--
	if d.perIP[host] <= 0 {
		delete(d.perIP, host)
	}
}

// Stats reports the current accepted-connection count and how many of
// those are authenticated, for periodic logging (§9).
func (d *Dispatcher) Stats() (connections, authenticated int) {
	d.mu.Lock()
	connections = d.connCount
	d.mu.Unlock()
	return connections, len(d.registry.AllAuthenticated())
}

func (d *Dispatcher) writeLoop(c *Connection) {
	for {
		raw, ok := c.nextSend()
		if !ok {
			return
		}
		if d.cfg.IdleTimeout > 0 {
			c.SetWriteDeadline(time.Now().Add(d.cfg.IdleTimeout))
		}
		if _, err := c.Conn.Write(raw); err != nil {
			return
		}
	}
}

func (d *Dispatcher) readLoop(ctx context.Context, c *Connection) {
	rd := frame.NewReader(c.Conn)
	for {
		if d.cfg.IdleTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(d.cfg.IdleTimeout))
		}
		rec, err := rd.ReadRecord()
		if err != nil {
			if !errors.Is(err, frame.ErrMalformed) {
				return
			}
			d.sendError(c, "malformed frame")
			continue
		}
		if !c.AllowRecord() {
			continue // over the control-message rate budget, drop silently
		}

		authed := c.Username() != ""
		if rec.Type != frame.TypeLoginRequest && rec.Type != frame.TypeLogoutRequest && !authed {
			d.sendError(c, "not authenticated")
			continue
		}

		h, ok := d.handlers[rec.Type]
		if !ok {
			d.sendError(c, "unsupported message type")
			continue
		}
		h(d, ctx, c, rec)
	}
}

// cleanupConn runs the disconnect sequence from §4.5: retract UDP
// endpoints, stop every active media kind, rebroadcast the users list.
func (d *Dispatcher) cleanupConn(c *Connection) {
	username := d.registry.Unbind(c)
	if username == "" {
		return
	}
	for _, kind := range d.registry.ActiveKindsFor(username) {
		d.registry.SetMedia(kind, username, "stop")
		d.broadcastMediaControl(kind, "stop", username, nil)
	}
	d.broadcastUsersList()
}

// --- handlers -------------------------------------------------------------

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Register bool   `json:"register"`
}

func (d *Dispatcher) handleLogin(_ context.Context, c *Connection, r frame.Record) {
	var req loginPayload
	if err := json.Unmarshal(r.Payload, &req); err != nil || req.Username == "" {
		d.sendError(c, "malformed login request")
		return
	}

	if req.Register {
		if err := d.creds.CreateIfAbsent(req.Username, req.Password); err != nil {
			if errors.Is(err, credstore.ErrUserExists) {
				d.sendError(c, "user already exists")
			} else {
				d.sendError(c, "invalid credentials")
			}
			return
		}
	} else if !d.creds.Verify(req.Username, req.Password) {
		d.sendError(c, "invalid credentials")
		return
	}

	if displaced, had := d.registry.Bind(c, req.Username); had {
		log.Printf("[dispatcher] %s displaced a prior connection", req.Username)
		if dc, ok := displaced.(*Connection); ok {
			dc.Close()
		}
	}
	c.setUsername(req.Username)

	c.Enqueue(frame.TypeLoginResponse, d.encode(frame.TypeLoginResponse, c, []byte("ok")))
	d.broadcastUsersList()
	d.sendMediaSnapshot(c)
	log.Printf("[dispatcher] %s authenticated from %s", req.Username, c.RemoteIP)
}

// sendMediaSnapshot replays every currently active (kind, user) pair to a
// newly authenticated connection as its own MediaControl{kind,state:"start",
// from:user} record (§4.5) — the same payload shape every other MediaControl
// record on the wire uses, so a client never needs a second decode path for
// the login snapshot.
func (d *Dispatcher) sendMediaSnapshot(c *Connection) {
	for kind, users := range d.registry.MediaSnapshot() {
		for _, user := range users {
			payload, err := json.Marshal(struct {
				Kind  string `json:"kind"`
				State string `json:"state"`
				From  string `json:"from"`
			}{kind, "start", user})
			if err != nil {
				continue
			}
			c.Enqueue(frame.TypeMediaControl, d.encode(frame.TypeMediaControl, c, payload))
		}
	}
}

type udpAnnouncePayload struct {
	VoicePort int `json:"voicePort"`
	VideoPort int `json:"videoPort"`
}

func (d *Dispatcher) handleUdpPortsAnnounce(_ context.Context, c *Connection, r frame.Record) {
	var req udpAnnouncePayload
	if err := json.Unmarshal(r.Payload, &req); err != nil {
		d.sendError(c, "malformed udp ports announcement")
		return
	}
	d.registry.AnnounceUDP(c.Username(), c.RemoteIP, req.VoicePort, req.VideoPort)
}

func (d *Dispatcher) handleChatMessage(_ context.Context, c *Connection, r frame.Record) {
	sender := c.Username()
	text := string(r.Payload)
	now := time.Now().UnixMilli()

	d.chat.Append(sender, text)
	d.broadcastAll(frame.Record{
		Type:          frame.TypeChatMessage,
		Sender:        sender,
		RecipientNull: true,
		Payload:       r.Payload,
		Timestamp:     now,
	})

	if d.preview == nil {
		return
	}
	// Preview fetches over the network; run it off the read loop so a slow
	// or hanging origin server never delays delivery of the chat message
	// itself (Supplement 1).
	go func() {
		payload, ok := d.preview.Preview(text)
		if !ok {
			return
		}
		d.broadcastAll(frame.Record{
			Type:          frame.TypeLinkPreview,
			Sender:        sender,
			RecipientNull: true,
			Payload:       payload,
			Timestamp:     time.Now().UnixMilli(),
		})
	}()
}

func (d *Dispatcher) handleChatMedia(_ context.Context, c *Connection, r frame.Record) {
	sender := c.Username()
	d.chat.Append(sender, "[media]")
	d.broadcastAll(frame.Record{
		Type:          frame.TypeChatMedia,
		Sender:        sender,
		RecipientNull: true,
		Payload:       r.Payload,
		Timestamp:     time.Now().UnixMilli(),
	})
}

func (d *Dispatcher) handleHistoryRequest(_ context.Context, c *Connection, _ frame.Record) {
	payload := []byte(d.chat.SnapshotJoined())
	c.Enqueue(frame.TypeHistoryResponse, d.encode(frame.TypeHistoryResponse, c, payload))
}

func (d *Dispatcher) handleUsersListRequest(_ context.Context, c *Connection, _ frame.Record) {
	c.Enqueue(frame.TypeUsersListResponse, d.encode(frame.TypeUsersListResponse, c, d.usersListPayload()))
}

func (d *Dispatcher) usersListPayload() []byte {
	return []byte(strings.Join(d.registry.Usernames(), "\n"))
}

func (d *Dispatcher) handleLegacyVoiceChunk(_ context.Context, c *Connection, r frame.Record) {
	d.forwardExceptSender(frame.TypeVoiceChunk, c, r.Payload)
}

// screen-frame reserved IDs (§4.5): 0 config, 0xFFFFFFFE stop,
// 0xFFFFFFFF presence. An empty payload also means stop.
func (d *Dispatcher) handleScreenFrame(_ context.Context, c *Connection, r frame.Record) {
	username := c.Username()
	if len(r.Payload) == 0 || isScreenStop(r.Payload) {
		d.registry.SetMedia("screen", username, "stop")
		d.broadcastMediaControl("screen", "stop", username, nil)
	} else if frameID(r.Payload) == frame.ScreenFrameIDConfig {
		d.registry.SetMedia("screen", username, "start")
		d.broadcastMediaControl("screen", "start", username, nil)
	}
	d.forwardExceptSender(frame.TypeScreenFrame, c, r.Payload)
}

func isScreenStop(payload []byte) bool {
	return len(payload) >= 4 && frameID(payload) == frame.ScreenFrameIDStop
}

func frameID(payload []byte) uint32 {
	if len(payload) < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(payload[:4])
}

// streamAudioHeaderLen is the 4-byte sequence number plus 8-byte timestamp
// that precede the raw PCM bytes in a StreamAudio payload (§6).
const streamAudioHeaderLen = 4 + 8

func (d *Dispatcher) handleStreamAudio(_ context.Context, c *Connection, r frame.Record) {
	if d.bridge != nil && len(r.Payload) > streamAudioHeaderLen {
		pcm := r.Payload[streamAudioHeaderLen:]
		d.bridge.PushAudio(c.Username(), pcm)
	}
	d.forwardExceptSender(frame.TypeStreamAudio, c, r.Payload)
}

func (d *Dispatcher) handleWebFrame(_ context.Context, c *Connection, r frame.Record) {
	if d.bridge != nil {
		d.bridge.PushFrame(c.Username(), r.Payload)
	}
}

type mediaControlPayload struct {
	Kind  string `json:"kind"`
	State string `json:"state"`
}

func (d *Dispatcher) handleMediaControl(_ context.Context, c *Connection, r frame.Record) {
	var req mediaControlPayload
	if err := json.Unmarshal(r.Payload, &req); err != nil || req.Kind == "" {
		d.sendError(c, "malformed media control")
		return
	}
	username := c.Username()
	d.registry.SetMedia(req.Kind, username, req.State)
	d.broadcastMediaControl(req.Kind, req.State, username, c)
}

// broadcastMediaControl sends {kind,state,from} to every authenticated
// connection except exclude (nil excludes nobody).
func (d *Dispatcher) broadcastMediaControl(kind, state, from string, exclude *Connection) {
	payload, err := json.Marshal(struct {
		Kind  string `json:"kind"`
		State string `json:"state"`
		From  string `json:"from"`
	}{kind, state, from})
	if err != nil {
		return
	}
	for _, conn := range d.registry.AllAuthenticated() {
		dc, ok := conn.(*Connection)
		if !ok || dc == exclude {
			continue
		}
		dc.Enqueue(frame.TypeMediaControl, d.encode(frame.TypeMediaControl, dc, payload))
	}
}

func (d *Dispatcher) handlePing(_ context.Context, c *Connection, _ frame.Record) {
	c.Enqueue(frame.TypePong, d.encode(frame.TypePong, c, nil))
}

func (d *Dispatcher) handleLogout(_ context.Context, c *Connection, _ frame.Record) {
	c.Enqueue(frame.TypeLogoutRequest, d.encode(frame.TypeLogoutRequest, c, []byte("bye")))
	d.cleanupConn(c)
	c.setUsername("")
	c.Close()
}

// --- broadcast/send helpers ------------------------------------------------

// encode builds a server-originated record (sender/recipient null, current
// timestamp) addressed to c — the common case for replies and fan-out of
// non-forwarded record types.
func (d *Dispatcher) encode(t frame.Type, c *Connection, payload []byte) []byte {
	raw, err := frame.Encode(frame.Record{
		Type:          t,
		Sender:        "",
		SenderNull:    true,
		RecipientNull: true,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[dispatcher] encode %s for %s: %v", t, c.RemoteIP, err)
		return nil
	}
	return raw
}

func (d *Dispatcher) sendError(c *Connection, reason string) {
	raw, err := frame.Encode(frame.Record{
		Type:          frame.TypeError,
		SenderNull:    true,
		RecipientNull: true,
		Payload:       []byte(reason),
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	c.Enqueue(frame.TypeError, raw)
}

// broadcastAll fan-outs rec, already fully populated (sender/timestamp set
// by the caller), to every authenticated connection including the sender —
// used for ChatMessage/ChatMedia/LinkPreview's canonical-echo semantics.
func (d *Dispatcher) broadcastAll(rec frame.Record) {
	raw, err := frame.Encode(rec)
	if err != nil {
		log.Printf("[dispatcher] encode broadcast %s: %v", rec.Type, err)
		return
	}
	for _, conn := range d.registry.AllAuthenticated() {
		if dc, ok := conn.(*Connection); ok {
			dc.Enqueue(rec.Type, raw)
		}
	}
}

// forwardExceptSender relays payload, stamped with sender's username, to
// every authenticated connection other than sender (§4.5: VoiceChunk,
// ScreenFrame, StreamAudio).
func (d *Dispatcher) forwardExceptSender(t frame.Type, sender *Connection, payload []byte) {
	raw, err := frame.Encode(frame.Record{
		Type:          t,
		Sender:        sender.Username(),
		RecipientNull: true,
		Payload:       payload,
		Timestamp:     time.Now().UnixMilli(),
	})
	if err != nil {
		log.Printf("[dispatcher] encode forward %s: %v", t, err)
		return
	}
	for _, conn := range d.registry.AllAuthenticated() {
		dc, ok := conn.(*Connection)
		if !ok || dc == sender {
			continue
		}
		dc.Enqueue(t, raw)
	}
}

func (d *Dispatcher) broadcastUsersList() {
	payload := d.usersListPayload()
	for _, conn := range d.registry.AllAuthenticated() {
		dc, ok := conn.(*Connection)
		if !ok {
			continue
		}
		dc.Enqueue(frame.TypeUsersListResponse, d.encode(frame.TypeUsersListResponse, dc, payload))
	}
}
