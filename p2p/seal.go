package p2p

import (
	"encoding/binary"
	"errors"
)

// Frame layout: a 4-byte magic token followed by the big-endian length of the
// payload that follows the 8-byte header.
const (
	frameHeaderSize = 8
	maxFramePayload = 1 << 24
)

var frameMagic = [4]byte{0x22, 0x40, 0x08, 0x91}

var (
	ErrFrameTooShort = errors.New("p2p: buffer shorter than frame header")
	ErrBadFrameMagic = errors.New("p2p: bad frame magic")
	ErrFrameTooLarge = errors.New("p2p: frame payload exceeds limit")
)

// Seal stamps the framing header onto b in place. The first eight bytes of b
// are reserved for the header; the payload length recorded is len(b)-8.
func Seal(b []byte) error {
	if len(b) < frameHeaderSize {
		return ErrFrameTooShort
	}
	copy(b[:4], frameMagic[:])
	binary.BigEndian.PutUint32(b[4:8], uint32(len(b)-frameHeaderSize))
	return nil
}

// parseFrameHeader validates the magic token and returns the payload length.
func parseFrameHeader(hdr []byte) (uint32, error) {
	if len(hdr) < frameHeaderSize {
		return 0, ErrFrameTooShort
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] || hdr[2] != frameMagic[2] || hdr[3] != frameMagic[3] {
		return 0, ErrBadFrameMagic
	}
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > maxFramePayload {
		return 0, ErrFrameTooLarge
	}
	return n, nil
}
