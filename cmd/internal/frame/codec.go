// Package frame implements the browser-style framed message protocol spoken on the
// desktop channel: the HTTP upgrade handshake and single-frame encode/decode.
//
// Inbound frames are expected to be masked by the client; outbound frames are never masked.
// The decoder works on one read buffer at a time and does not reassemble frames that
// arrive split across reads.
package frame

import (
	"encoding/binary"
	"math"
	"strings"
	"unicode/utf8"
)

// Opcode identifies the frame kind carried in the low nibble of the first header byte.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80
	lenMask = 0x7F

	len16Marker = 126
	len64Marker = 127
)

// Frame is one decoded wire frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// IsControl reports whether the frame is a close, ping, or pong.
func (f Frame) IsControl() bool { return f.Opcode >= OpClose }

// Text returns the payload as UTF-8 text; invalid sequences become U+FFFD.
func (f Frame) Text() string {
	if utf8.Valid(f.Payload) {
		return string(f.Payload)
	}
	return strings.ToValidUTF8(string(f.Payload), "\uFFFD")
}

// Decode decodes the frame at the start of buf and returns its payload as text.
func Decode(buf []byte) (string, error) {
	f, _, err := DecodeFrame(buf)
	if err != nil {
		return "", err
	}
	return f.Text(), nil
}

// DecodeFrame decodes the frame at the start of buf. It returns the number of bytes the
// frame occupied so callers can continue with any frames coalesced behind it.
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < 2 {
		return Frame{}, 0, ErrTruncated
	}

	f := Frame{
		Fin:    buf[0]&finBit != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&maskBit != 0,
	}

	n := uint64(buf[1] & lenMask)
	off := 2
	switch n {
	case len16Marker:
		if len(buf) < off+2 {
			return Frame{}, 0, ErrTruncated
		}
		n = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case len64Marker:
		if len(buf) < off+8 {
			return Frame{}, 0, ErrTruncated
		}
		n = binary.BigEndian.Uint64(buf[off:])
		off += 8
		if n > uint64(math.MaxInt-off-4) {
			return Frame{}, 0, ErrTooLarge
		}
	}

	var key [4]byte
	if f.Masked {
		if len(buf) < off+4 {
			return Frame{}, 0, ErrTruncated
		}
		copy(key[:], buf[off:off+4])
		off += 4
	}

	if uint64(len(buf)-off) < n {
		return Frame{}, 0, ErrTruncated
	}

	end := off + int(n)
	f.Payload = make([]byte, int(n))
	copy(f.Payload, buf[off:end])
	if f.Masked {
		Mask(key, f.Payload)
	}
	return f, end, nil
}

// HeaderSize returns the full header length, extended length and mask key included, announced
// by the second header byte of a frame.
func HeaderSize(b1 byte) int {
	n := 2
	switch b1 & lenMask {
	case len16Marker:
		n += 2
	case len64Marker:
		n += 8
	}
	if b1&maskBit != 0 {
		n += 4
	}
	return n
}

// PayloadLength parses only the header at the start of buf and returns the announced
// payload length. It is used to reject oversized frames before buffering them.
func PayloadLength(buf []byte) (uint64, error) {
	if len(buf) < 2 {
		return 0, ErrTruncated
	}
	n := uint64(buf[1] & lenMask)
	switch n {
	case len16Marker:
		if len(buf) < 4 {
			return 0, ErrTruncated
		}
		return uint64(binary.BigEndian.Uint16(buf[2:])), nil
	case len64Marker:
		if len(buf) < 10 {
			return 0, ErrTruncated
		}
		return binary.BigEndian.Uint64(buf[2:]), nil
	}
	return n, nil
}

// Encode encodes text as a single unmasked text frame.
func Encode(text string) []byte {
	return EncodeFrame(OpText, []byte(text))
}

// EncodeFrame encodes payload as a single final, unmasked frame with the given opcode.
func EncodeFrame(op Opcode, payload []byte) []byte {
	n := len(payload)

	var out []byte
	switch {
	case n < len16Marker:
		out = make([]byte, 2, 2+n)
		out[1] = byte(n)
	case n < 1<<16:
		out = make([]byte, 4, 4+n)
		out[1] = len16Marker
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10, 10+n)
		out[1] = len64Marker
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out[0] = finBit | byte(op&0x0F)
	return append(out, payload...)
}

// Mask XORs payload in place with key. Masking is its own inverse.
func Mask(key [4]byte, payload []byte) {
	for i := range payload {
		payload[i] ^= key[i%4]
	}
}
