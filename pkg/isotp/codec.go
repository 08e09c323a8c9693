package isotp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/halden/govcan/pkg/can"
)

func frameTypeOf(b byte) frameType { return frameType(b >> 4) }

// effectiveCapacity is how many payload bytes fit in a single CAN frame
// once the extended-addressing byte (if any) is accounted for.
func effectiveCapacity(cfg config) int {
	return cfg.maxDLen - cfg.addrOffset()
}

// stripAddress removes and validates the extended-addressing byte from a
// received frame's payload, if one is configured.
func stripAddress(cfg config, raw []byte) ([]byte, error) {
	if cfg.extAddress == nil {
		return raw, nil
	}
	if len(raw) < 1 || raw[0] != *cfg.extAddress {
		return nil, fmt.Errorf("%w: extended address mismatch", ErrMalformedFrame)
	}
	return raw[1:], nil
}

// assemble builds the wire bytes for a CAN frame: prefix the extended
// address (if configured), append the ISO-TP header+data, then pad per
// config.
func assemble(cfg config, hdrAndData []byte) []byte {
	out := make([]byte, 0, cfg.maxDLen)
	if cfg.extAddress != nil {
		out = append(out, *cfg.extAddress)
	}
	out = append(out, hdrAndData...)
	if pad, ok := cfg.padByte(); ok {
		target := 8
		if cfg.fd {
			target = can.NextValidDataLength(len(out))
		}
		for len(out) < target {
			out = append(out, pad)
		}
	}
	return out
}

// encodeSingleFrame returns nil, false if body does not fit in a Single
// Frame under cfg (including its escape form).
func encodeSingleFrame(cfg config, body []byte) ([]byte, bool) {
	capacity := effectiveCapacity(cfg)
	if len(body) <= 7 && len(body) <= capacity-1 {
		hdr := []byte{byte(typeSingle)<<4 | byte(len(body))}
		return append(hdr, body...), true
	}
	if cfg.fd && len(body) <= capacity-2 {
		hdr := []byte{byte(typeSingle) << 4, byte(len(body))}
		return append(hdr, body...), true
	}
	return nil, false
}

func decodeSingleFrame(cfg config, raw []byte) ([]byte, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("%w: empty single frame", ErrMalformedFrame)
	}
	lenNibble := int(raw[0] & 0x0F)
	if lenNibble != 0 {
		if len(raw) < 1+lenNibble {
			return nil, fmt.Errorf("%w: single frame shorter than declared length", ErrMalformedFrame)
		}
		return raw[1 : 1+lenNibble], nil
	}
	if !cfg.fd {
		return nil, fmt.Errorf("%w: zero-length single frame nibble outside CAN-FD", ErrMalformedFrame)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: truncated single frame escape", ErrMalformedFrame)
	}
	L := int(raw[1])
	if len(raw) < 2+L {
		return nil, fmt.Errorf("%w: single frame escape shorter than declared length", ErrMalformedFrame)
	}
	return raw[2 : 2+L], nil
}

// encodeFirstFrame returns the header+data for a First Frame carrying as
// much of body as fits.
func encodeFirstFrame(cfg config, totalLen uint32, body []byte) []byte {
	capacity := effectiveCapacity(cfg)
	if totalLen <= 0xFFF {
		hdr := []byte{byte(typeFirst)<<4 | byte((totalLen>>8)&0x0F), byte(totalLen & 0xFF)}
		n := capacity - 2
		if n > len(body) {
			n = len(body)
		}
		return append(hdr, body[:n]...)
	}
	hdr := make([]byte, 6)
	hdr[0] = byte(typeFirst) << 4
	hdr[1] = 0x00
	binary.BigEndian.PutUint32(hdr[2:6], totalLen)
	n := capacity - 6
	if n > len(body) {
		n = len(body)
	}
	return append(hdr, body[:n]...)
}

func decodeFirstFrame(cfg config, raw []byte) (totalLen uint32, firstChunk []byte, err error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("%w: truncated first frame", ErrMalformedFrame)
	}
	full := effectiveCapacity(cfg)
	lenNibble := raw[0] & 0x0F
	if lenNibble != 0 || raw[1] != 0 {
		totalLen = uint32(lenNibble)<<8 | uint32(raw[1])
		if len(raw) != full {
			return 0, nil, fmt.Errorf("%w: first frame not full length", ErrMalformedFrame)
		}
		return totalLen, raw[2:], nil
	}
	if !cfg.fd {
		return 0, nil, fmt.Errorf("%w: zero-length first frame outside CAN-FD", ErrMalformedFrame)
	}
	if len(raw) < 6 {
		return 0, nil, fmt.Errorf("%w: truncated first frame escape", ErrMalformedFrame)
	}
	totalLen = binary.BigEndian.Uint32(raw[2:6])
	if len(raw) != full {
		return 0, nil, fmt.Errorf("%w: first frame escape not full length", ErrMalformedFrame)
	}
	return totalLen, raw[6:], nil
}

func encodeConsecutiveFrame(seq uint8, chunk []byte) []byte {
	hdr := []byte{byte(typeConsecutive)<<4 | (seq & 0x0F)}
	return append(hdr, chunk...)
}

func decodeConsecutiveFrame(raw []byte) (seq uint8, chunk []byte, err error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("%w: empty consecutive frame", ErrMalformedFrame)
	}
	return raw[0] & 0x0F, raw[1:], nil
}

func encodeFlowControl(status FlowStatus, bs uint8, stMinByte byte) []byte {
	return []byte{byte(typeFlowControl)<<4 | byte(status), bs, stMinByte}
}

func decodeFlowControl(raw []byte) (status FlowStatus, bs uint8, stmin time.Duration, err error) {
	if len(raw) < 3 {
		return 0, 0, 0, fmt.Errorf("%w: truncated flow control", ErrFlowControl)
	}
	fs := raw[0] & 0x0F
	if fs > 2 {
		return 0, 0, 0, fmt.Errorf("%w: unknown flow status %#x", ErrFlowControl, fs)
	}
	bs = raw[1]
	stByte := raw[2]
	switch {
	case stByte <= 0x7F:
		stmin = time.Duration(stByte) * time.Millisecond
	case stByte >= 0xF1 && stByte <= 0xF9:
		stmin = time.Duration(stByte-0xF0) * 100 * time.Microsecond
	default:
		return 0, 0, 0, fmt.Errorf("%w: invalid STmin encoding %#x", ErrMalformedFrame, stByte)
	}
	return FlowStatus(fs), bs, stmin, nil
}

// encodeSTmin converts a duration back into wire STmin encoding, rounding
// down to the nearest representable value; positive durations under 100µs
// encode as 100µs.
func encodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0x00
	case d < time.Millisecond:
		us := d / (100 * time.Microsecond)
		if us < 1 {
			us = 1
		}
		if us > 9 {
			us = 9
		}
		return 0xF0 + byte(us)
	case d > 127*time.Millisecond:
		return 0x7F
	default:
		return byte(d / time.Millisecond)
	}
}
