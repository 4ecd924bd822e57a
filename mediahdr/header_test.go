package mediahdr

import (
	"bytes"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	d := Datagram{
		Header: Header{
			Version:     1,
			MediaType:   MediaVideo,
			Codec:       7,
			Flags:       FlagKeyframe | FlagMarker,
			SSRC:        0xDEADBEEF,
			TimestampMs: 123456,
			Seq:         7,
		},
		Payload: []byte("FRAME"),
	}

	raw := Pack(d)
	got, err := Unpack(raw)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.SSRC != d.SSRC || got.Seq != d.Seq || got.MediaType != d.MediaType ||
		!bytes.Equal(got.Payload, d.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestUnpackTooShort(t *testing.T) {
	if _, err := Unpack(make([]byte, HeaderLen-1)); err != ErrTooShort {
		t.Errorf("want ErrTooShort for short header, got %v", err)
	}

	raw := Pack(Datagram{Payload: []byte("hello")})
	if _, err := Unpack(raw[:len(raw)-2]); err != ErrTooShort {
		t.Errorf("want ErrTooShort for truncated payload, got %v", err)
	}
}

func TestSSRCOfDeterministicAndNonZero(t *testing.T) {
	names := []string{"alice", "bob", "", "a-very-long-username-that-still-hashes"}
	for _, n := range names {
		a := SSRCOf(n)
		b := SSRCOf(n)
		if a != b {
			t.Errorf("SSRCOf(%q) not deterministic: %d != %d", n, a, b)
		}
		if a == 0 {
			t.Errorf("SSRCOf(%q) returned reserved value 0", n)
		}
	}
}

func TestSSRCOfDiffersAcrossNames(t *testing.T) {
	if SSRCOf("alice") == SSRCOf("bob") {
		t.Error("expected different SSRCs for different usernames (collision is astronomically unlikely for this test fixture)")
	}
}
