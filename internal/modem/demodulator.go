package modem

import (
	"encoding/binary"
	"math"
)

// silenceSymbol marks a block whose band energy sits at the noise floor; it
// never matches a sync pattern.
const silenceSymbol = -1

// Stats counts demodulator progress for the diag log line.
type Stats struct {
	SyncHits       int
	BurstsDecoded  int
	DecodeFailures int
}

// Demodulator recovers byte bursts from a PCM stream: a Goertzel bank per
// carrier, per-symbol argmax, a running energy floor to squelch silence,
// and a tolerant search for the mode's sync words.
type Demodulator struct {
	mode    Mode
	coeffs  []float64
	gate    []int
	stats   Stats
	samples []byte
	symbols []int

	floor  float64
	absMin float64
}

// NewDemodulator creates a demodulator for the given mode.
func NewDemodulator(mode Mode) *Demodulator {
	coeffs := make([]float64, len(mode.Carriers))
	for i, freq := range mode.Carriers {
		coeffs[i] = 2 * math.Cos(2*math.Pi*freq/float64(SampleRate))
	}
	// A tone at 2% of full scale over one symbol period still clears this;
	// idle-channel hiss does not.
	peak := 0.02 * 32768 * float64(mode.SamplesPerSymbol) / 2
	return &Demodulator{
		mode:   mode,
		coeffs: coeffs,
		gate:   mode.startGate(),
		absMin: peak * peak,
	}
}

// Stats returns a snapshot of the progress counters.
func (d *Demodulator) Stats() Stats { return d.stats }

// Feed consumes little-endian PCM16 and returns the payload byte bursts of
// every complete, sync-delimited transmission found so far.
func (d *Demodulator) Feed(pcm []byte) [][]byte {
	d.samples = append(d.samples, pcm...)
	d.sliceSymbols()

	var bursts [][]byte
	for {
		start := findPattern(d.symbols, d.gate, 0, d.mode.StartMaxErrors)
		if start < 0 {
			// Keep enough tail for a gate spanning the feed boundary.
			keep := len(d.gate) * 2
			if keep < 256 {
				keep = 256
			}
			if len(d.symbols) > keep {
				d.symbols = append(d.symbols[:0], d.symbols[len(d.symbols)-keep:]...)
			}
			break
		}

		dataStart := start + len(d.gate)
		end := findPattern(d.symbols, d.mode.EndSync, dataStart, d.mode.EndMaxErrors)
		if end < 0 {
			// Transmission still in flight.
			d.symbols = append(d.symbols[:0], d.symbols[start:]...)
			break
		}

		d.stats.SyncHits++
		burst := d.decodeSymbols(d.symbols[dataStart:end])
		d.symbols = append(d.symbols[:0], d.symbols[end+len(d.mode.EndSync):]...)
		if burst == nil {
			d.stats.DecodeFailures++
			continue
		}
		d.stats.BurstsDecoded++
		bursts = append(bursts, burst)
	}
	return bursts
}

// sliceSymbols consumes whole symbol periods from the sample buffer.
func (d *Demodulator) sliceSymbols() {
	symbolBytes := d.mode.SamplesPerSymbol * 2
	for len(d.samples) >= symbolBytes {
		block := d.samples[:symbolBytes]
		d.samples = d.samples[symbolBytes:]
		d.symbols = append(d.symbols, d.detectSymbol(block))
	}
	if len(d.samples) > 0 {
		d.samples = append([]byte(nil), d.samples...)
	}
}

// detectSymbol runs the Goertzel bank over one symbol period and picks the
// strongest carrier, or silence when the band energy hugs the floor.
func (d *Demodulator) detectSymbol(block []byte) int {
	n := len(block) / 2
	samples := make([]float64, n)
	for i := 0; i < n; i++ {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(block[2*i:])))
	}

	best, bestPower, total := 0, math.Inf(-1), 0.0
	for idx, coeff := range d.coeffs {
		power := goertzelPower(samples, coeff)
		total += power
		if power > bestPower {
			bestPower = power
			best = idx
		}
	}

	threshold := d.absMin
	if 6*d.floor > threshold {
		threshold = 6 * d.floor
	}
	if total <= threshold {
		// The floor only rises on blocks already judged quiet, so a stream
		// that is all signal never squelches itself.
		if d.floor == 0 || total < d.floor {
			d.floor = total
		} else {
			d.floor = 0.9*d.floor + 0.1*total
		}
		return silenceSymbol
	}
	return best
}

// decodeSymbols maps carrier indices back to bits and packs bytes. A
// silence symbol inside a burst aborts the decode.
func (d *Demodulator) decodeSymbols(symbols []int) []byte {
	if len(symbols) == 0 {
		return nil
	}
	per := d.mode.BitsPerSymbol
	bits := make([]byte, 0, len(symbols)*per)
	for _, sym := range symbols {
		if sym < 0 || sym >= len(d.mode.SymbolBits) {
			return nil
		}
		pattern := d.mode.SymbolBits[sym]
		for b := per - 1; b >= 0; b-- {
			bits = append(bits, (pattern>>b)&1)
		}
	}
	out := bytesFromBits(bits)
	if len(out) == 0 {
		return nil
	}
	return out
}

// findPattern locates pattern in symbols at or after start, tolerating up
// to maxErrors mismatches. Returns -1 when absent.
func findPattern(symbols, pattern []int, start, maxErrors int) int {
	if len(pattern) == 0 || start < 0 {
		return -1
	}
	last := len(symbols) - len(pattern)
	for idx := start; idx <= last; idx++ {
		errors := 0
		for p, want := range pattern {
			if symbols[idx+p] != want {
				errors++
				if errors > maxErrors {
					break
				}
			}
		}
		if errors <= maxErrors {
			return idx
		}
	}
	return -1
}

func goertzelPower(samples []float64, coeff float64) float64 {
	var sPrev, sPrev2 float64
	for _, v := range samples {
		s := v + coeff*sPrev - sPrev2
		sPrev2 = sPrev
		sPrev = s
	}
	return sPrev2*sPrev2 + sPrev*sPrev - coeff*sPrev*sPrev2
}
