package logging

import "testing"

func TestMaskFieldRedactsSensitiveKeys(t *testing.T) {
	attr := MaskField("peer_id", "0xabcdef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("value = %q, want %q", attr.Value.String(), RedactedValue)
	}
}

func TestMaskFieldKeepsAllowlistedKeys(t *testing.T) {
	attr := MaskField("reason", "ping timeout")
	if attr.Value.String() != "ping timeout" {
		t.Fatalf("allowlisted value = %q, want passthrough", attr.Value.String())
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("peer_id", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value = %q, want empty", attr.Value.String())
	}
}

func TestRedactionAllowlistSorted(t *testing.T) {
	keys := RedactionAllowlist()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("allowlist not sorted at %d: %v", i, keys)
		}
	}
}
