package keygen

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestGenerateFormats(t *testing.T) {
	tests := []struct {
		format  string
		pattern string
	}{
		{FormatCompact, `^GAME-[A-F0-9]{12}$`},
		{FormatStandard, `^GAME-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`},
		{FormatExtended, `^GAME-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`},
	}

	for _, tt := range tests {
		key, err := Generate("game", tt.format)
		if err != nil {
			t.Fatalf("Generate(%q): %v", tt.format, err)
		}
		if !regexp.MustCompile(tt.pattern).MatchString(key) {
			t.Errorf("Generate(%q) = %q, want match for %q", tt.format, key, tt.pattern)
		}
		// Generated keys must themselves pass custom-key validation.
		if err := ValidateCustom(key); err != nil {
			t.Errorf("generated key %q fails ValidateCustom: %v", key, err)
		}
	}
}

func TestGenerateNoPrefix(t *testing.T) {
	key, err := Generate("", FormatStandard)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.HasPrefix(key, "-") {
		t.Errorf("key %q should not start with a dash", key)
	}
	if len(key) != 14 { // three groups of 4 plus two dashes
		t.Errorf("key %q length = %d, want 14", key, len(key))
	}
}

func TestGenerateUnknownFormat(t *testing.T) {
	if _, err := Generate("X", "fancy"); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestGenerateBadPrefix(t *testing.T) {
	if _, err := Generate("bad prefix!", FormatCompact); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for bad prefix, got %v", err)
	}
}

func TestGenerateUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		key, err := Generate("T", FormatExtended)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key generated: %q", key)
		}
		seen[key] = true
	}
}

func TestNewServerKey(t *testing.T) {
	key, err := NewServerKey()
	if err != nil {
		t.Fatalf("NewServerKey: %v", err)
	}
	if !regexp.MustCompile(`^sk_[a-f0-9]{48}$`).MatchString(key) {
		t.Errorf("server key %q has unexpected shape", key)
	}

	other, _ := NewServerKey()
	if key == other {
		t.Error("two server keys should never collide")
	}
}

func TestValidateCustom(t *testing.T) {
	valid := []string{"MYKEY-1234", "ABCD1234", "A-B-C-D-1-2-3-4"}
	for _, k := range valid {
		if err := ValidateCustom(k); err != nil {
			t.Errorf("ValidateCustom(%q): unexpected error %v", k, err)
		}
	}

	invalid := []string{"short", "lowercase-key", "HAS SPACE", "UNDER_SCORE", "ümläut99"}
	for _, k := range invalid {
		if err := ValidateCustom(k); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateCustom(%q): expected ErrInvalidKey, got %v", k, err)
		}
	}
}
