package identity

import (
	"errors"
	"strings"
	"testing"
)

const (
	phrase12 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	phrase24 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"
)

func TestGenerateProducesTwelveWordPhrase(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if n := len(strings.Fields(id.Mnemonic)); n != 12 {
		t.Fatalf("expected 12 words, got %d", n)
	}

	again, err := FromMnemonic(id.Mnemonic)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if again.Address != id.Address {
		t.Fatalf("address not reproducible from phrase: %s vs %s", again.Address, id.Address)
	}
}

func TestAddressIsDerivedFromPrivateKey(t *testing.T) {
	id, err := FromMnemonic(phrase12)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if !strings.HasPrefix(id.Address, "0x") || len(id.Address) != 66 {
		t.Fatalf("unexpected address format %q", id.Address)
	}

	for _, in := range []string{id.PrivateKeyHex(), "0x" + id.PrivateKeyHex(), strings.ToUpper(id.PrivateKeyHex())} {
		legacy, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("FromPrivateKeyHex(%q) failed: %v", in[:8], err)
		}
		if legacy.Address != id.Address {
			t.Fatalf("address mismatch: %s vs %s", legacy.Address, id.Address)
		}
		if legacy.Mnemonic != "" {
			t.Fatal("legacy identity should have no phrase")
		}
	}
}

func TestParse(t *testing.T) {
	valid, err := FromMnemonic(phrase12)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"twelve words", phrase12, false},
		{"twelve words messy whitespace", "  " + strings.ReplaceAll(strings.ToUpper(phrase12), " ", "\n ") + " ", false},
		{"twenty four words", phrase24, false},
		{"hex key", valid.PrivateKeyHex(), false},
		{"bad checksum", strings.Repeat("abandon ", 12), true},
		{"thirteen words", phrase12 + " abandon", true},
		{"short hex", "0xdeadbeef", true},
		{"not hex", strings.Repeat("zz", 64), true},
		{"empty", "   ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected *ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestFromPrivateKeyHexRejectsMismatchedPublicHalf(t *testing.T) {
	id, err := FromMnemonic(phrase12)
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	tampered := id.PrivateKeyHex()[:64] + strings.Repeat("00", 32)
	if _, err := FromPrivateKeyHex(tampered); err == nil {
		t.Fatal("expected mismatched public half to be rejected")
	}
}
