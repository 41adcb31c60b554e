package p2p

import (
	"bytes"
	"testing"
)

func TestSealStampsHeader(t *testing.T) {
	buf := make([]byte, 42)
	if err := Seal(buf); err != nil {
		t.Fatalf("seal: %v", err)
	}
	want := []byte{0x22, 0x40, 0x08, 0x91, 0x00, 0x00, 0x00, 0x22}
	if !bytes.Equal(buf[:8], want) {
		t.Fatalf("header = %x, want %x", buf[:8], want)
	}
}

func TestSealLengthTracksBuffer(t *testing.T) {
	for _, size := range []int{8, 9, 100, 4096} {
		buf := make([]byte, size)
		if err := Seal(buf); err != nil {
			t.Fatalf("seal size %d: %v", size, err)
		}
		n, err := parseFrameHeader(buf[:8])
		if err != nil {
			t.Fatalf("parse size %d: %v", size, err)
		}
		if int(n) != size-8 {
			t.Fatalf("size %d: payload length = %d, want %d", size, n, size-8)
		}
	}
}

func TestSealRejectsShortBuffer(t *testing.T) {
	if err := Seal(make([]byte, 7)); err != ErrFrameTooShort {
		t.Fatalf("err = %v, want ErrFrameTooShort", err)
	}
}

func TestParseFrameHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	if err := Seal(buf); err != nil {
		t.Fatalf("seal: %v", err)
	}
	buf[0] = 0x23
	if _, err := parseFrameHeader(buf[:8]); err != ErrBadFrameMagic {
		t.Fatalf("err = %v, want ErrBadFrameMagic", err)
	}
}
