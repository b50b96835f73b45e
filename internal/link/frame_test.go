package link

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestFrame_RoundTrip verifies deframe(frame(b)) == b for assorted payload
// shapes and marker runs.
func TestFrame_RoundTrip(t *testing.T) {
	cases := []struct {
		name      string
		frameType byte
		seq       uint32
		payload   []byte
		markerRun int
	}{
		{"empty ack", TypeAck, 7, nil, 3},
		{"small data", TypeData, 1, []byte("hello"), 3},
		{"payload with zeros", TypeData, 2, []byte{0, 0, 1, 0}, 3},
		{"binary", TypeData, 3, bytes.Repeat([]byte{0xAA, 0x00, 0x55}, 100), 5},
		{"diag", TypeDiag, 9, []byte(`{"counter":1}`), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := EncodeFrame(Frame{Type: tc.frameType, Seq: tc.seq, Payload: tc.payload}, tc.markerRun)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			var d Deframer
			frames := d.Feed(wire)
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			f := frames[0]
			if f.Type != tc.frameType || f.Seq != tc.seq || !bytes.Equal(f.Payload, tc.payload) {
				t.Errorf("frame mismatch: %+v", f)
			}
		})
	}
}

// TestFrame_SingleBitCorruptionDropped verifies that flipping any one bit
// of the wire form never yields a frame with wrong content: the frame is
// either dropped or (for flips inside the marker padding) still intact.
func TestFrame_SingleBitCorruptionDropped(t *testing.T) {
	payload := []byte("the quick brown fox")
	wire, err := EncodeFrame(Frame{Type: TypeData, Seq: 42, Payload: payload}, 3)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	for bit := 0; bit < len(wire)*8; bit++ {
		corrupted := append([]byte(nil), wire...)
		corrupted[bit/8] ^= 1 << (bit % 8)
		var d Deframer
		for _, f := range d.Feed(corrupted) {
			if f.Seq != 42 || !bytes.Equal(f.Payload, payload) {
				t.Fatalf("bit %d: corrupted frame delivered: %+v", bit, f)
			}
		}
	}
}

// TestDeframer_SplitFeeds verifies that a frame arriving in arbitrary
// fragments is reassembled.
func TestDeframer_SplitFeeds(t *testing.T) {
	wire, err := EncodeFrame(Frame{Type: TypeData, Seq: 5, Payload: []byte("fragmented")}, 3)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	var d Deframer
	var frames []Frame
	for i := 0; i < len(wire); i += 4 {
		end := i + 4
		if end > len(wire) {
			end = len(wire)
		}
		frames = append(frames, d.Feed(wire[i:end])...)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "fragmented" {
		t.Errorf("got %d frames (%v), want the one payload back", len(frames), frames)
	}
}

// TestDeframer_SkipsGarbageBetweenFrames verifies that noise between two
// frames corrupts neither.
func TestDeframer_SkipsGarbageBetweenFrames(t *testing.T) {
	a, _ := EncodeFrame(Frame{Type: TypeData, Seq: 1, Payload: []byte("one")}, 3)
	b, _ := EncodeFrame(Frame{Type: TypeData, Seq: 2, Payload: []byte("two")}, 3)
	noise := []byte{0x13, 0x37, 0xFE, 0x00, 0x00, 0xAB}

	var stream []byte
	stream = append(stream, a...)
	stream = append(stream, noise...)
	stream = append(stream, b...)

	var d Deframer
	frames := d.Feed(stream)
	var payloads []string
	for _, f := range frames {
		payloads = append(payloads, string(f.Payload))
	}
	if len(payloads) != 2 || payloads[0] != "one" || payloads[1] != "two" {
		t.Errorf("payloads = %v, want [one two]", payloads)
	}
}

// TestDeframer_RandomFragmentation verifies reassembly of many frames
// under random split points.
func TestDeframer_RandomFragmentation(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	var stream []byte
	const n = 20
	for seq := uint32(1); seq <= n; seq++ {
		payload := make([]byte, rng.Intn(200))
		rng.Read(payload)
		wire, err := EncodeFrame(Frame{Type: TypeData, Seq: seq, Payload: payload}, 3)
		if err != nil {
			t.Fatalf("EncodeFrame: %v", err)
		}
		stream = append(stream, wire...)
	}

	var d Deframer
	var got []Frame
	for len(stream) > 0 {
		step := rng.Intn(64) + 1
		if step > len(stream) {
			step = len(stream)
		}
		got = append(got, d.Feed(stream[:step])...)
		stream = stream[step:]
	}
	if len(got) != n {
		t.Fatalf("recovered %d frames, want %d", len(got), n)
	}
	for i, f := range got {
		if f.Seq != uint32(i+1) {
			t.Errorf("frame %d has seq %d, want %d", i, f.Seq, i+1)
		}
	}
}

// TestEncodeFrame_RejectsOversizedPayload verifies the payload bound.
func TestEncodeFrame_RejectsOversizedPayload(t *testing.T) {
	if _, err := EncodeFrame(Frame{Type: TypeData, Payload: make([]byte, MaxPayload+1)}, 3); err == nil {
		t.Error("expected ErrFrameTooLarge")
	}
}
