// Package modem turns link-frame bytes into 16-bit mono PCM and back. The
// Modulator and Demodulator are pure sample/byte functions; everything that
// touches an audio device lives in internal/audio.
package modem

import "fmt"

// Modulation selectors.
const (
	ModulationLegacy    = "legacy"
	ModulationRobustV1  = "robust-v1"
	ModulationPcoipSafe = "pcoip-safe"
	ModulationAuto      = "auto"
)

// SampleRate is the fixed PCM rate of the audio path.
const SampleRate = 48000

// Mode fixes the physical parameters of one modulation profile: the carrier
// set, symbol duration, preamble and sync words, and how many symbol errors
// the sync search tolerates.
type Mode struct {
	Name             string
	Carriers         []float64
	SamplesPerSymbol int
	// BitsPerSymbol is 1 for 2-FSK, 2 for 4-FSK.
	BitsPerSymbol int
	// SymbolBits maps carrier index to the bit pattern it encodes. The
	// 4-FSK profiles map adjacent tones to patterns two bits apart where
	// the alphabet allows, so a one-tone slip corrupts a full vote group
	// instead of a single bit.
	SymbolBits []byte
	Amplitude  int

	PreamblePairs  int
	StartSync      []int
	EndSync        []int
	StartGateTail  int
	StartMaxErrors int
	EndMaxErrors   int
}

var (
	startSync4 = []int{0, 1, 3, 2, 0, 2, 3, 1, 1, 3, 0, 2, 2, 0, 1, 3}
	endSync4   = []int{3, 2, 0, 1, 3, 1, 0, 2, 2, 0, 3, 1, 1, 3, 2, 0}

	startSync2 = []int{0, 1, 1, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0, 1, 1, 0}
	endSync2   = []int{1, 0, 0, 1, 0, 1, 1, 0, 0, 1, 1, 0, 1, 0, 0, 1}
)

var modes = map[string]Mode{
	// Every mode keeps an integer number of carrier cycles per symbol
	// period, so the Goertzel bins are orthogonal and a clean tone never
	// leaks into a neighbor's detector.
	ModulationLegacy: {
		Name:             ModulationLegacy,
		Carriers:         []float64{1200, 2400},
		SamplesPerSymbol: 40, // 1200 baud at 48 kHz
		BitsPerSymbol:    1,
		SymbolBits:       []byte{0, 1},
		Amplitude:        9000,
		PreamblePairs:    16,
		StartSync:        startSync2,
		EndSync:          endSync2,
		StartGateTail:    8,
		StartMaxErrors:   1,
		EndMaxErrors:     1,
	},
	ModulationRobustV1: {
		Name:             ModulationRobustV1,
		Carriers:         []float64{1200, 2400, 3600, 4800},
		SamplesPerSymbol: 40, // 1200 baud
		BitsPerSymbol:    2,
		SymbolBits:       []byte{0b00, 0b11, 0b01, 0b10},
		Amplitude:        9000,
		PreamblePairs:    32,
		StartSync:        startSync4,
		EndSync:          endSync4,
		StartGateTail:    16,
		StartMaxErrors:   2,
		EndMaxErrors:     1,
	},
	ModulationPcoipSafe: {
		// Carriers sit above the band OPUS treats as core speech, and the
		// shorter symbol trades margin for throughput on channels that
		// turned out stable.
		Name:             ModulationPcoipSafe,
		Carriers:         []float64{1500, 3000, 4500, 6000},
		SamplesPerSymbol: 32, // 1500 baud
		BitsPerSymbol:    2,
		SymbolBits:       []byte{0b00, 0b11, 0b01, 0b10},
		Amplitude:        13000,
		PreamblePairs:    8,
		StartSync:        startSync4,
		EndSync:          endSync4,
		StartGateTail:    8,
		StartMaxErrors:   3,
		EndMaxErrors:     2,
	},
}

// ModeFor resolves a concrete modulation name. Auto is not a mode; the
// transport resolves it to a downgrade ladder first.
func ModeFor(name string) (Mode, error) {
	m, ok := modes[name]
	if !ok {
		return Mode{}, fmt.Errorf("unsupported audio modulation %q", name)
	}
	return m, nil
}

// NormalizeModulation validates a selector, defaulting empty to auto.
func NormalizeModulation(value string) (string, error) {
	switch value {
	case "":
		return ModulationAuto, nil
	case ModulationAuto, ModulationLegacy, ModulationRobustV1, ModulationPcoipSafe:
		return value, nil
	default:
		return "", fmt.Errorf("unsupported audio modulation %q (supported: auto, robust-v1, pcoip-safe, legacy)", value)
	}
}

// DowngradeLadder returns the transmit modes auto mode walks through, best
// first. A fixed selector yields a single-entry ladder.
func DowngradeLadder(selector string) []string {
	if selector == ModulationAuto {
		return []string{ModulationPcoipSafe, ModulationRobustV1, ModulationLegacy}
	}
	return []string{selector}
}

// preamble returns the symbol alternation used for lock: lowest and highest
// carrier repeated PreamblePairs times.
func (m Mode) preamble() []int {
	top := len(m.Carriers) - 1
	out := make([]int, 0, m.PreamblePairs*2)
	for i := 0; i < m.PreamblePairs; i++ {
		out = append(out, 0, top)
	}
	return out
}

// startGate is the pattern the demodulator hunts for: the preamble tail
// followed by the start sync word.
func (m Mode) startGate() []int {
	pre := m.preamble()
	tail := m.StartGateTail
	if tail > len(pre) {
		tail = len(pre)
	}
	gate := append([]int{}, pre[len(pre)-tail:]...)
	return append(gate, m.StartSync...)
}
