// Package mediahdr packs and unpacks the fixed 16-byte UDP media datagram
// header used by the voice and video SFU ports (§4.1), and derives the
// deterministic SSRC identifier from a username (§3).
package mediahdr

import (
	"crypto/sha1" //nolint:gosec // used only as a deterministic 32-bit name->id hash, not for security
	"encoding/binary"
	"errors"
)

// HeaderLen is the fixed size of the UDP datagram header in bytes.
const HeaderLen = 16

// MediaType identifies the payload kind carried in a datagram.
type MediaType byte

const (
	MediaVoice MediaType = 0
	MediaVideo MediaType = 1
)

// Flag bits within the header's flags byte.
const (
	FlagKeyframe byte = 1 << 0
	FlagMarker   byte = 1 << 1
)

// ErrTooShort is returned when a datagram is shorter than its declared
// header+payload length; §4.1 specifies such datagrams are silently
// dropped by the caller, but the parser itself reports the condition so
// the SFU can log it at a rate-limited level (§9).
var ErrTooShort = errors.New("mediahdr: datagram shorter than header + payload_len")

// Header is the decoded fixed header of a media datagram.
type Header struct {
	Version      byte
	MediaType    MediaType
	Codec        byte
	Flags        byte
	SSRC         uint32
	TimestampMs  uint32
	Seq          uint16
	PayloadLen   uint16
}

// Datagram is a decoded header plus its payload slice (which aliases the
// input buffer — callers that retain it across a subsequent Pack must copy).
type Datagram struct {
	Header
	Payload []byte
}

// Unpack parses raw into a Datagram. Datagrams shorter than HeaderLen, or
// whose declared payload_len would overrun the buffer, are rejected.
func Unpack(raw []byte) (Datagram, error) {
	if len(raw) < HeaderLen {
		return Datagram{}, ErrTooShort
	}
	h := Header{
		Version:     raw[0],
		MediaType:   MediaType(raw[1]),
		Codec:       raw[2],
		Flags:       raw[3],
		SSRC:        binary.BigEndian.Uint32(raw[4:8]),
		TimestampMs: binary.BigEndian.Uint32(raw[8:12]),
		Seq:         binary.BigEndian.Uint16(raw[12:14]),
		PayloadLen:  binary.BigEndian.Uint16(raw[14:16]),
	}
	if len(raw) < HeaderLen+int(h.PayloadLen) {
		return Datagram{}, ErrTooShort
	}
	return Datagram{Header: h, Payload: raw[HeaderLen : HeaderLen+int(h.PayloadLen)]}, nil
}

// Pack serializes d back into wire form. PayloadLen is derived from
// len(d.Payload), overriding any value already set on d.Header.
func Pack(d Datagram) []byte {
	n := len(d.Payload)
	out := make([]byte, HeaderLen+n)
	out[0] = d.Version
	out[1] = byte(d.MediaType)
	out[2] = d.Codec
	out[3] = d.Flags
	binary.BigEndian.PutUint32(out[4:8], d.SSRC)
	binary.BigEndian.PutUint32(out[8:12], d.TimestampMs)
	binary.BigEndian.PutUint16(out[12:14], d.Seq)
	binary.BigEndian.PutUint16(out[14:16], uint16(n))
	copy(out[HeaderLen:], d.Payload)
	return out
}

// SSRCOf derives the stable 32-bit synchronization-source identifier for a
// username: the first 4 bytes of SHA-1(username), big-endian, with the
// reserved value 0 remapped to 1 (§3). Clients compute the same value so
// recipients can attribute an incoming datagram to a sender without
// trusting the sender-supplied SSRC field.
func SSRCOf(username string) uint32 {
	sum := sha1.Sum([]byte(username)) //nolint:gosec
	v := binary.BigEndian.Uint32(sum[:4])
	if v == 0 {
		return 1
	}
	return v
}
