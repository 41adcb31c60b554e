package crypto

import (
	"bytes"
	"testing"
)

func TestKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	raw := key.Bytes()
	if len(raw) != 32 {
		t.Fatalf("secret length = %d, want 32", len(raw))
	}
	restored, err := PrivateKeyFromBytes(raw)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(restored.Bytes(), raw) {
		t.Fatal("secret did not round-trip")
	}
	if !bytes.Equal(restored.PubKey().Bytes(), key.PubKey().Bytes()) {
		t.Fatal("public key did not round-trip")
	}
}

func TestPublicKeyEncoding(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pub := key.PubKey().Bytes()
	if len(pub) != 65 || pub[0] != 0x04 {
		t.Fatalf("public key encoding = %d bytes, first %#x; want 65 bytes with 0x04 prefix", len(pub), pub[0])
	}
}

func TestSecretIsZero(t *testing.T) {
	if !SecretIsZero(make([]byte, 32)) {
		t.Fatal("all-zero secret not detected")
	}
	b := make([]byte, 32)
	b[31] = 1
	if SecretIsZero(b) {
		t.Fatal("non-zero secret flagged")
	}
	if SecretIsZero(make([]byte, 16)) {
		t.Fatal("mis-sized input treated as zero secret")
	}
}

func TestKeccak256KnownVector(t *testing.T) {
	// keccak256("") per the original Keccak submission.
	got := Keccak256(nil)
	want := []byte{
		0xc5, 0xd2, 0x46, 0x01, 0x86, 0xf7, 0x23, 0x3c,
		0x92, 0x7e, 0x7d, 0xb2, 0xdc, 0xc7, 0x03, 0xc0,
		0xe5, 0x00, 0xb6, 0x53, 0xca, 0x82, 0x27, 0x3b,
		0x7b, 0xfa, 0xd8, 0x04, 0x5d, 0x85, 0xa4, 0x70,
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("keccak256(\"\") = %x", got)
	}
}
