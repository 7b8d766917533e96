// Package keygen produces license keys and server keys from a cryptographically
// secure random source, and validates user-supplied custom keys.
package keygen

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Supported license key formats.
const (
	FormatCompact  = "compact"  // PREFIX-1A2B3C4D5E6F
	FormatStandard = "standard" // PREFIX-1A2B-3C4D-5E6F
	FormatExtended = "extended" // PREFIX-1A2B-3C4D-5E6F-7A8B
)

var (
	// ErrInvalidFormat is returned for an unknown format name.
	ErrInvalidFormat = errors.New("invalid key format")
	// ErrInvalidKey is returned when a custom key fails format validation.
	ErrInvalidKey = errors.New("invalid custom key")
)

// keyCharset is the alphabet for grouped key segments. Keys stay within
// [A-Z0-9-] so generated keys always pass custom-key validation.
const keyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MinCustomKeyLength is the minimum accepted length for user-supplied keys.
const MinCustomKeyLength = 8

// Generate produces a new license key with the given prefix and format.
// The prefix is upper-cased and may be empty. Uniqueness is not guaranteed
// here; the store's unique index is the authority and callers retry on the
// (cryptographically unlikely) collision.
func Generate(prefix, format string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix != "" {
		if err := checkCharset(prefix); err != nil {
			return "", fmt.Errorf("%w: prefix %q", ErrInvalidKey, prefix)
		}
	}

	var body string
	switch format {
	case FormatCompact, "":
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		body = strings.ToUpper(hex.EncodeToString(b))
	case FormatStandard:
		groups, err := randomGroups(3, 4)
		if err != nil {
			return "", err
		}
		body = strings.Join(groups, "-")
	case FormatExtended:
		groups, err := randomGroups(4, 4)
		if err != nil {
			return "", err
		}
		body = strings.Join(groups, "-")
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidFormat, format)
	}

	if prefix == "" {
		return body, nil
	}
	return prefix + "-" + body, nil
}

// NewServerKey generates a raw server key for boundary authentication:
// "sk_" plus 48 hex characters. The caller hashes it for storage and shows
// the raw value exactly once.
func NewServerKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate server key: %w", err)
	}
	return "sk_" + hex.EncodeToString(b), nil
}

// ValidateCustom checks a user-supplied license key: at least
// MinCustomKeyLength characters, restricted to [A-Z0-9-]. Uniqueness against
// stored keys is enforced by the store inside the insert transaction.
func ValidateCustom(key string) error {
	if len(key) < MinCustomKeyLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrInvalidKey, MinCustomKeyLength)
	}
	if err := checkCharset(key); err != nil {
		return err
	}
	return nil
}

func checkCharset(key string) error {
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("%w: character %q not in [A-Z0-9-]", ErrInvalidKey, r)
		}
	}
	return nil
}

// randomGroups returns count groups of length chars drawn uniformly from
// keyCharset. Rejection sampling keeps the distribution unbiased.
func randomGroups(count, length int) ([]string, error) {
	groups := make([]string, count)
	var sb strings.Builder

	// Largest multiple of len(keyCharset) below 256; bytes at or above it are
	// rejected to avoid modulo bias.
	limit := byte(256 - 256%len(keyCharset))

	buf := make([]byte, 32)
	for g := range groups {
		sb.Reset()
		for sb.Len() < length {
			if _, err := rand.Read(buf); err != nil {
				return nil, fmt.Errorf("generate key: %w", err)
			}
			for _, b := range buf {
				if b >= limit {
					continue
				}
				sb.WriteByte(keyCharset[int(b)%len(keyCharset)])
				if sb.Len() == length {
					break
				}
			}
		}
		groups[g] = sb.String()
	}
	return groups, nil
}
