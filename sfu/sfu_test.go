package sfu

import (
	"context"
	"net"
	"testing"
	"time"

	"vagabond/server/mediahdr"
	"vagabond/server/registry"
)

// fakeConn is a placeholder registry.Conn for binding usernames in tests;
// the SFU only cares about the registry's endpoint index, not the
// connection type itself.
type fakeConn struct{ id int }

func mustListen(t *testing.T, port Port, reg *registry.Registry) *Relay {
	t.Helper()
	r, err := Listen(port, reg, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func udpPort(addr net.Addr) int {
	return addr.(*net.UDPAddr).Port
}

// TestVideoFanOutWithSSRCRewrite is scenario S3: alice sends a video
// datagram with a forged SSRC; bob must receive it with the SSRC
// authoritatively rewritten to ssrc_of("alice"), and alice must not
// receive her own datagram back.
func TestVideoFanOutWithSSRCRewrite(t *testing.T) {
	reg := registry.New()
	relay := mustListen(t, PortVideo, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)

	relayPort := udpPort(relay.LocalAddr())

	aliceSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("alice socket: %v", err)
	}
	defer aliceSock.Close()
	bobSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("bob socket: %v", err)
	}
	defer bobSock.Close()

	reg.Bind(&fakeConn{1}, "alice")
	reg.Bind(&fakeConn{2}, "bob")
	reg.AnnounceUDP("alice", "127.0.0.1", 0, udpPort(aliceSock.LocalAddr()))
	reg.AnnounceUDP("bob", "127.0.0.1", 0, udpPort(bobSock.LocalAddr()))

	dgram := mediahdr.Pack(mediahdr.Datagram{
		Header: mediahdr.Header{
			Version:   1,
			MediaType: mediahdr.MediaVideo,
			SSRC:      0xDEADBEEF, // forged; the relay must overwrite this
			Seq:       7,
		},
		Payload: []byte("FRAME"),
	})
	relayAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: relayPort}
	if _, err := aliceSock.WriteToUDP(dgram, relayAddr); err != nil {
		t.Fatalf("send: %v", err)
	}

	bobSock.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := bobSock.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("bob did not receive the fan-out: %v", err)
	}
	got, err := mediahdr.Unpack(buf[:n])
	if err != nil {
		t.Fatalf("unpack received datagram: %v", err)
	}
	if want := mediahdr.SSRCOf("alice"); got.SSRC != want {
		t.Errorf("SSRC not rewritten: got %#x, want %#x", got.SSRC, want)
	}
	if got.Seq != 7 || string(got.Payload) != "FRAME" {
		t.Errorf("payload mangled: seq=%d payload=%q", got.Seq, got.Payload)
	}

	aliceSock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := aliceSock.ReadFromUDP(buf); err == nil {
		t.Error("alice should not receive her own datagram back")
	}
}

func TestDatagramFromUnknownSourceIsDropped(t *testing.T) {
	reg := registry.New()
	relay := mustListen(t, PortVoice, reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)

	strangerSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("stranger socket: %v", err)
	}
	defer strangerSock.Close()

	dgram := mediahdr.Pack(mediahdr.Datagram{Header: mediahdr.Header{Version: 1}, Payload: []byte("x")})
	relayAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: udpPort(relay.LocalAddr())}
	if _, err := strangerSock.WriteToUDP(dgram, relayAddr); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Give the relay loop a moment to process and confirm it recorded the drop.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if dropped, _ := relay.Stats(); dropped > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the relay to count a dropped-unknown-sender datagram")
}

func TestSSRCOfIsStableAcrossRelayInstances(t *testing.T) {
	// Property 6: two independently constructed relays derive the same
	// SSRC for the same username, since it's a pure function of the name.
	if mediahdr.SSRCOf("alice") != mediahdr.SSRCOf("alice") {
		t.Fatal("SSRCOf should be deterministic")
	}
}
