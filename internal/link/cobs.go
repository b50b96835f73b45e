// Package link implements the byte-framing and reliability layer shared by
// the serial and audio-modem transports: COBS delimiting, marker-run frame
// boundaries, CRC32 integrity, and an ARQ with per-frame acknowledgement.
package link

import "errors"

var ErrCOBS = errors.New("malformed COBS data")

// COBSEncode stuffs data so the result contains no 0x00 byte.
func COBSEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2+len(data)/254)
	codeIdx := 0
	out = append(out, 0)
	code := byte(1)
	for _, b := range data {
		if b == 0 {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIdx] = code
			codeIdx = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIdx] = code
	return out
}

// COBSDecode reverses COBSEncode. Any embedded zero byte or truncated block
// is reported as ErrCOBS.
func COBSDecode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCOBS
	}
	out := make([]byte, 0, len(data))
	idx := 0
	for idx < len(data) {
		code := data[idx]
		if code == 0 {
			return nil, ErrCOBS
		}
		idx++
		count := int(code) - 1
		if idx+count > len(data) {
			return nil, ErrCOBS
		}
		for i := 0; i < count; i++ {
			if data[idx+i] == 0 {
				return nil, ErrCOBS
			}
		}
		out = append(out, data[idx:idx+count]...)
		idx += count
		if code != 0xFF && idx < len(data) {
			out = append(out, 0)
		}
	}
	return out, nil
}
