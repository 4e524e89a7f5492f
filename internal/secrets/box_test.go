package secrets

import (
	"bytes"
	"strings"
	"testing"
)

func testKey() []byte { return bytes.Repeat([]byte{0x42}, 32) }

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, plain := range []string{"", "refresh-token-xyz", "multi\nline\ntoken", "ünïcode"} {
		ct, err := box.Seal(plain)
		if err != nil {
			t.Fatalf("Seal(%q): %v", plain, err)
		}
		if !strings.HasPrefix(ct, "enc:") {
			t.Errorf("Seal(%q) missing tag: %q", plain, ct)
		}
		got, err := box.Open(ct)
		if err != nil {
			t.Fatalf("Open(%q): %v", ct, err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestOpenLegacyPlaintext(t *testing.T) {
	box, err := New(testKey())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// A token written before encryption was enabled has no tag and must pass
	// through unchanged.
	got, err := box.Open("legacy-plaintext-token")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != "legacy-plaintext-token" {
		t.Errorf("legacy passthrough = %q", got)
	}
}

func TestPlaintextMode(t *testing.T) {
	var box *Box // no key configured

	ct, err := box.Seal("token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if ct != "token" {
		t.Errorf("plaintext mode Seal = %q, want passthrough", ct)
	}

	if _, err := box.Open("enc:abcdef"); err == nil {
		t.Error("Open of encrypted value without key should fail")
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	if _, err := New([]byte("short")); err == nil {
		t.Error("expected error for short key")
	}
	if box, err := New(nil); err != nil || box != nil {
		t.Errorf("empty key should mean plaintext mode, got box=%v err=%v", box, err)
	}
}

func TestSealProducesFreshNonce(t *testing.T) {
	box, _ := New(testKey())
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Error("two seals of the same plaintext must differ")
	}
}
