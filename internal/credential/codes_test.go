package credential

import (
	"strings"
	"testing"
)

func TestDisplayCodeFormat(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := newDisplayCode()
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != 7 || code[4] != '-' {
			t.Fatalf("unexpected code format: %q", code)
		}
		for _, c := range strings.ReplaceAll(code, "-", "") {
			if !strings.ContainsRune(codeAlphabet, c) {
				t.Fatalf("character %q outside alphabet in %q", c, code)
			}
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	cases := map[string]string{
		"AB7K-39":   "AB7K39",
		"ab7k-39":   "AB7K39",
		" ab7k 39 ": "AB7K39",
		"AB7K39":    "AB7K39",
	}
	for in, want := range cases {
		if got := NormalizeCode(in); got != want {
			t.Fatalf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHashCodeInsensitive(t *testing.T) {
	if HashCode("ab7k-39") != HashCode("AB7K 39") {
		t.Fatal("equivalent spellings must hash identically")
	}
	if HashCode("AB7K-39") == HashCode("AB7K-38") {
		t.Fatal("distinct codes must not collide")
	}
	if len(HashCode("AB7K-39")) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashCode("AB7K-39"))
	}
}

func TestSecretEntropy(t *testing.T) {
	a, err := newSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("secrets must not repeat")
	}
	// 32 bytes base64url without padding.
	if len(a) != 43 {
		t.Fatalf("secret length = %d, want 43", len(a))
	}
}
