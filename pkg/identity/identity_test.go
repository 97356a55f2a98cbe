package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateProducesStableLengthID(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(kp.ID) != IDLength {
		t.Fatalf("expected %d byte ID, got %d", IDLength, len(kp.ID))
	}
	if kp.ID.IsZero() {
		t.Fatalf("generated ID should not be all-zero")
	}
}

func TestDistanceSymmetryAndSelf(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dab := Distance(a.ID, b.ID)
	dba := Distance(b.ID, a.ID)
	if dab != dba {
		t.Fatalf("distance not symmetric: %x vs %x", dab, dba)
	}

	daa := Distance(a.ID, a.ID)
	if daa != ([IDLength]byte{}) {
		t.Fatalf("dist(a,a) should be zero, got %x", daa)
	}
}

func TestLeadingZeroBits(t *testing.T) {
	var d [IDLength]byte
	if LeadingZeroBits(d) != IDLength*8 {
		t.Fatalf("all-zero distance should have %d leading zero bits", IDLength*8)
	}

	d[0] = 0x01
	if got := LeadingZeroBits(d); got != 7 {
		t.Fatalf("expected 7 leading zero bits, got %d", got)
	}

	d[0] = 0x80
	if got := LeadingZeroBits(d); got != 0 {
		t.Fatalf("expected 0 leading zero bits, got %d", got)
	}
}

func TestLoadOrGenerateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (create): %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate (reload): %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("reloaded identity should derive the same NodeID: %x vs %x", first.ID, second.ID)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected key file to exist: %v", err)
	}
}

func TestTargetIDTruncatesAndPads(t *testing.T) {
	key := HashKey([]byte("hello"))
	target := TargetID(key[:])
	if len(target) != IDLength {
		t.Fatalf("expected %d bytes, got %d", IDLength, len(target))
	}
	for i := 0; i < IDLength; i++ {
		if target[i] != key[i] {
			t.Fatalf("target_id should match key's first %d bytes", IDLength)
		}
	}

	short := TargetID([]byte{0x01, 0x02})
	if short[0] != 0x01 || short[1] != 0x02 {
		t.Fatalf("short key should be copied into the low-index bytes")
	}
	for i := 2; i < IDLength; i++ {
		if short[i] != 0 {
			t.Fatalf("short key should be zero-padded, byte %d = %x", i, short[i])
		}
	}
}
