package keycodec

import (
	"strings"
	"testing"
)

func TestNormalizeHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{
			name: "lowercase hex passes through",
			in:   strings.Repeat("ab", 32),
			want: strings.Repeat("ab", 32),
		},
		{
			name: "uppercase hex is lowercased",
			in:   strings.Repeat("AB", 32),
			want: strings.Repeat("ab", 32),
		},
		{
			name:    "wrong length hex is rejected",
			in:      strings.Repeat("ab", 31),
			wantErr: true,
		},
		{
			name:    "non-hex garbage is rejected",
			in:      strings.Repeat("zz", 32),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %q, nil; want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// TestRegroupRoundTrip exercises the law from spec.md §8: for every
// 32-byte hex key, regrouping its bytes into 5-bit values and back again
// yields the original bytes. This stands in for a real npub fixture,
// since constructing one requires encoding (not implemented here; the
// core only decodes).
func TestRegroupRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}

	fiveBit := make([]int, 0, 52)
	var acc uint32
	var bits uint
	for _, b := range key {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			fiveBit = append(fiveBit, int((acc>>bits)&0x1f))
		}
	}
	if bits > 0 {
		fiveBit = append(fiveBit, int((acc<<(5-bits))&0x1f))
	}

	back, err := regroup(fiveBit, 5, 8)
	if err != nil {
		t.Fatalf("regroup: %v", err)
	}
	if len(back) < 32 {
		t.Fatalf("regroup produced %d bytes, want at least 32", len(back))
	}
	for i := 0; i < 32; i++ {
		if back[i] != key[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, back[i], key[i])
		}
	}
}

func TestDecodeNpubTooShort(t *testing.T) {
	_, err := Normalize("npub1abc")
	if err == nil {
		t.Fatal("expected error for too-short npub body")
	}
}

func TestDecodeNpubInvalidCharacter(t *testing.T) {
	// "1" is not in the bech32 charset used here.
	body := "1" + strings.Repeat("q", 57) + "111111"
	_, err := Normalize("npub1" + body)
	if err == nil {
		t.Fatal("expected error for invalid npub character")
	}
}

func TestNeitherHexNorNpub(t *testing.T) {
	_, err := Normalize("not-a-key-at-all")
	if err == nil {
		t.Fatal("expected BAD_KEY error")
	}
}
