package frame

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Record{
		{Type: TypeChatMessage, Sender: "alice", Recipient: "", RecipientNull: true, Payload: []byte("hi"), Timestamp: 12345},
		{Type: TypeLoginResponse, Sender: "", SenderNull: true, Recipient: "", RecipientNull: true, Payload: []byte("ok"), Timestamp: -1},
		{Type: TypeHistoryRequest, SenderNull: true, RecipientNull: true, Payload: nil, Timestamp: 0},
		{Type: TypeScreenFrame, Sender: "bob", RecipientNull: true, Payload: []byte{0, 0, 0, 0}, Timestamp: 99},
	}

	for _, want := range cases {
		raw, err := Encode(want)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Type != want.Type || got.Sender != want.Sender || got.Recipient != want.Recipient ||
			got.Timestamp != want.Timestamp || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
		}
	}
}

func TestDecodeMalformedShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0, 0, 0, 10, 1, 2, 3}); err != ErrMalformed {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

func TestDecodeMalformedOverrun(t *testing.T) {
	// Claims a sender string length far larger than the frame body.
	raw := []byte{0, 0, 0, 9, byte(TypeChatMessage), 0, 0, 0, 100, 'x'}
	if _, err := Decode(raw); err != ErrMalformed {
		t.Errorf("want ErrMalformed, got %v", err)
	}
}

// unreliableReader splits writes into arbitrary chunks to exercise the
// Reader's refill logic regardless of how the frame is split across reads.
type chunkedReader struct {
	data  []byte
	sizes []int
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if len(c.sizes) == 0 {
		if len(c.data) == 0 {
			return 0, io.EOF
		}
		n := copy(p, c.data)
		c.data = c.data[n:]
		return n, nil
	}
	n := c.sizes[0]
	c.sizes = c.sizes[1:]
	if n > len(c.data) {
		n = len(c.data)
	}
	n = copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReaderAcrossSocketReadSplits(t *testing.T) {
	r1 := Record{Type: TypeChatMessage, Sender: "alice", RecipientNull: true, Payload: []byte("hello"), Timestamp: 1}
	r2 := Record{Type: TypePing, SenderNull: true, RecipientNull: true, Payload: nil, Timestamp: 2}

	raw1, _ := Encode(r1)
	raw2, _ := Encode(r2)
	stream := append(append([]byte{}, raw1...), raw2...)

	// Split the combined byte stream into 3-byte reads, independent of
	// frame boundaries, to verify property 1 (frame reconstruction is
	// independent of how the stream is chopped by the socket).
	cr := &chunkedReader{data: stream, sizes: repeatN(3, len(stream)/3+2)}
	dec := NewReader(cr)

	got1, err := dec.ReadRecord()
	if err != nil {
		t.Fatalf("first record: %v", err)
	}
	if got1.Sender != "alice" || string(got1.Payload) != "hello" {
		t.Errorf("first record mismatch: %+v", got1)
	}

	got2, err := dec.ReadRecord()
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if got2.Type != TypePing {
		t.Errorf("second record mismatch: %+v", got2)
	}

	if _, err := dec.ReadRecord(); err != io.EOF {
		t.Errorf("want io.EOF at stream end, got %v", err)
	}
}

func repeatN(v, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = v
	}
	return out
}
