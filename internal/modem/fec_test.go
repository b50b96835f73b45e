package modem

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestFEC_RoundTrip verifies encode/decode identity for several repeat
// factors.
func TestFEC_RoundTrip(t *testing.T) {
	data := []byte("repeat code round trip \x00\xff payload")
	for _, repeat := range []int{1, 2, 3, 5} {
		decoded := FECDecode(FECEncode(data, repeat), repeat)
		if !bytes.Equal(decoded, data) {
			t.Errorf("repeat %d: round trip mismatch", repeat)
		}
	}
}

// TestFEC_MajorityVoteCorrectsMinorityErrors verifies the repeat-3 code
// survives one corrupted copy per position: a 64-byte payload with copy 2
// of positions 0, 20, 40 and 63 flipped decodes to the original.
func TestFEC_MajorityVoteCorrectsMinorityErrors(t *testing.T) {
	payload := make([]byte, 64)
	rng := rand.New(rand.NewSource(5))
	rng.Read(payload)

	encoded := FECEncode(payload, 3)
	for _, pos := range []int{0, 20, 40, 63} {
		encoded[pos*3+1] ^= 0xFF // corrupt copy 2 of this position
	}
	decoded := FECDecode(encoded, 3)
	if !bytes.Equal(decoded, payload) {
		t.Errorf("majority vote failed to correct single-copy corruption")
	}
}

// TestFEC_BitwiseVoteAcrossCopies verifies the vote is per bit: different
// copies may be wrong in different bits of the same position and the byte
// still decodes.
func TestFEC_BitwiseVoteAcrossCopies(t *testing.T) {
	payload := []byte{0b10110010}
	encoded := FECEncode(payload, 3)
	encoded[0] ^= 0b00000001 // copy 1: bit 0 wrong
	encoded[1] ^= 0b10000000 // copy 2: bit 7 wrong
	decoded := FECDecode(encoded, 3)
	if len(decoded) != 1 || decoded[0] != payload[0] {
		t.Errorf("decoded %08b, want %08b", decoded, payload[0])
	}
}

// TestFEC_DiscardsPartialTrailingGroup verifies a truncated final group is
// dropped rather than mis-decoded.
func TestFEC_DiscardsPartialTrailingGroup(t *testing.T) {
	encoded := FECEncode([]byte{1, 2}, 3)
	decoded := FECDecode(encoded[:len(encoded)-1], 3)
	if len(decoded) != 1 || decoded[0] != 1 {
		t.Errorf("decoded %v, want [1]", decoded)
	}
}
