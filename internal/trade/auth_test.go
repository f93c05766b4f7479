package trade

import (
	"strings"
	"testing"
)

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	b, _ := GenerateAPIKey()
	if a == b {
		t.Error("keys must be unique")
	}
	if !strings.HasPrefix(a, "ahk_") || strings.ContainsAny(a, "+/=") {
		t.Errorf("expected url-safe ahk_ key, got %q", a)
	}
}

func TestHashAPIKey(t *testing.T) {
	// sha256("abc")
	const want = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := HashAPIKey("abc"); got != want {
		t.Errorf("HashAPIKey = %s, want %s", got, want)
	}
}
