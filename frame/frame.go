package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding/unicode"
)

// ErrMalformed is returned whenever a frame fails to decode — a short
// length, a string/byte field that overruns the frame boundary, or a
// truncated trailing timestamp. Callers reply with an Error record and
// keep reading the next frame (§7, MalformedFrame).
var ErrMalformed = errors.New("frame: malformed frame")

// MaxFrameLength bounds how much memory a single frame may claim before
// it is being decoded. A community voice/chat hub never needs a frame
// anywhere near this size; it exists only to keep a corrupt length prefix
// from triggering an unbounded allocation.
const MaxFrameLength = 16 << 20 // 16 MiB

var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Record is one decoded TCP control record (§4.1).
type Record struct {
	Type      Type
	Sender    string // "" and "absent" are distinguished by SenderNull
	Recipient string
	Payload   []byte // nil means the -1 "null" marker was present on the wire
	Timestamp int64  // ms since epoch

	SenderNull    bool
	RecipientNull bool
}

// Encode serializes r into the wire format of §4.1 and returns the
// complete frame, including the leading 4-byte length prefix.
func Encode(r Record) ([]byte, error) {
	senderBytes, err := utf16Bytes(r.Sender, r.SenderNull)
	if err != nil {
		return nil, fmt.Errorf("frame: encode sender: %w", err)
	}
	recipientBytes, err := utf16Bytes(r.Recipient, r.RecipientNull)
	if err != nil {
		return nil, fmt.Errorf("frame: encode recipient: %w", err)
	}

	body := make([]byte, 0, 1+4+len(senderBytes)+4+len(recipientBytes)+4+len(r.Payload)+8)
	body = append(body, byte(r.Type))
	body = appendLenPrefixed(body, senderBytes, r.SenderNull)
	body = appendLenPrefixed(body, recipientBytes, r.RecipientNull)
	body = appendLenPrefixed(body, r.Payload, r.Payload == nil)

	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, uint64(r.Timestamp))
	body = append(body, ts...)

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

func appendLenPrefixed(dst, data []byte, isNull bool) []byte {
	lenField := make([]byte, 4)
	if isNull {
		binary.BigEndian.PutUint32(lenField, 0xFFFFFFFF)
		return append(dst, lenField...)
	}
	binary.BigEndian.PutUint32(lenField, uint32(len(data)))
	dst = append(dst, lenField...)
	return append(dst, data...)
}

func utf16Bytes(s string, isNull bool) ([]byte, error) {
	if isNull {
		return nil, nil
	}
	return utf16BE.NewEncoder().Bytes([]byte(s))
}

// Decode parses one complete frame (length prefix included) and returns the
// decoded record. It returns ErrMalformed if any field overruns the frame.
func Decode(raw []byte) (Record, error) {
	if len(raw) < 4 {
		return Record{}, ErrMalformed
	}
	length := binary.BigEndian.Uint32(raw[:4])
	body := raw[4:]
	if uint32(len(body)) != length {
		return Record{}, ErrMalformed
	}

	r := Record{}
	pos := 0

	readByte := func() (byte, error) {
		if pos+1 > len(body) {
			return 0, ErrMalformed
		}
		b := body[pos]
		pos++
		return b, nil
	}

	readLenPrefixed := func() (data []byte, isNull bool, err error) {
		if pos+4 > len(body) {
			return nil, false, ErrMalformed
		}
		n := binary.BigEndian.Uint32(body[pos : pos+4])
		pos += 4
		if n == 0xFFFFFFFF {
			return nil, true, nil
		}
		if pos+int(n) > len(body) {
			return nil, false, ErrMalformed
		}
		data = body[pos : pos+int(n)]
		pos += int(n)
		return data, false, nil
	}

	typeByte, err := readByte()
	if err != nil {
		return Record{}, err
	}
	r.Type = Type(typeByte)

	senderRaw, senderNull, err := readLenPrefixed()
	if err != nil {
		return Record{}, err
	}
	r.SenderNull = senderNull
	if !senderNull {
		r.Sender, err = utf16BE.NewDecoder().String(string(senderRaw))
		if err != nil {
			return Record{}, fmt.Errorf("%w: sender: %v", ErrMalformed, err)
		}
	}

	recipientRaw, recipientNull, err := readLenPrefixed()
	if err != nil {
		return Record{}, err
	}
	r.RecipientNull = recipientNull
	if !recipientNull {
		r.Recipient, err = utf16BE.NewDecoder().String(string(recipientRaw))
		if err != nil {
			return Record{}, fmt.Errorf("%w: recipient: %v", ErrMalformed, err)
		}
	}

	payload, payloadNull, err := readLenPrefixed()
	if err != nil {
		return Record{}, err
	}
	if !payloadNull {
		r.Payload = append([]byte(nil), payload...)
	}

	if pos+8 != len(body) {
		return Record{}, ErrMalformed
	}
	r.Timestamp = int64(binary.BigEndian.Uint64(body[pos : pos+8]))

	return r, nil
}

// Reader incrementally decodes records from a stream. It refills an
// internal growable buffer from the underlying socket, exactly as §4.1
// prescribes ("a receiver buffer is refilled from the socket until at
// least L+4 bytes are available, then exactly one frame is handed to the
// dispatcher"), and hands exactly one decoded record per call.
type Reader struct {
	r   io.Reader
	buf []byte // bytes read but not yet consumed by a returned frame
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 0, 4096)}
}

// ReadRecord blocks until one complete frame has arrived and returns its
// decoded record. io.EOF (or a wrapped io.EOF) is returned verbatim so
// callers can distinguish a clean peer close from a protocol error.
func (d *Reader) ReadRecord() (Record, error) {
	if err := d.fill(4); err != nil {
		return Record{}, err
	}
	length := binary.BigEndian.Uint32(d.buf[:4])
	if length > MaxFrameLength {
		return Record{}, fmt.Errorf("%w: length %d exceeds maximum", ErrMalformed, length)
	}

	total := int(length) + 4
	if err := d.fill(total); err != nil {
		return Record{}, err
	}

	raw := d.buf[:total]
	record, err := Decode(raw)
	// Consume the frame regardless of success so the stream stays in sync
	// for the next call even when this one was malformed.
	remaining := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

// fill reads from the underlying socket until at least n bytes are
// buffered, growing the buffer as needed.
func (d *Reader) fill(n int) error {
	chunk := make([]byte, 4096)
	for len(d.buf) < n {
		k, err := d.r.Read(chunk)
		if k > 0 {
			d.buf = append(d.buf, chunk[:k]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(d.buf) >= n {
				return nil
			}
			return err
		}
	}
	return nil
}
