// Package pairing turns human-shareable secrets into transport addresses.
//
// A hosting device mints a short code with RandomCode, shows it to the user,
// and rebinds its transport identity to DeriveAddress(code). The joining
// device derives the same address from the typed code and dials it. No
// registry is involved: the derivation is a pure function of the code.
//
// The derived address is a SHA-256 digest truncated to 16 bytes and hex
// encoded. The truncation is a format constraint of the addressing scheme;
// the address is not meant to hide the code.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	// CodeLength is the number of characters in a pairing code.
	CodeLength = 8

	// Alphabet is the 32-symbol set codes are drawn from. It leaves out
	// 0, 1, I and O which are easy to misread.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// AddressBytes is the number of digest bytes kept in a derived address.
	AddressBytes = 16
)

var (
	ErrInvalidSecret = errors.New("invalid secret")
	ErrInvalidToken  = errors.New("invalid token")
)

// Normalize uppercases s and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Validate reports whether s, after normalization, has the shape of a code:
// exactly CodeLength ASCII letters or digits.
func Validate(s string) error {
	n := Normalize(s)
	if len(n) != CodeLength {
		return fmt.Errorf("%w: must be %d characters, got %d", ErrInvalidSecret, CodeLength, len(n))
	}
	for i := 0; i < len(n); i++ {
		c := n[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidSecret, c)
		}
	}
	return nil
}

// DeriveAddress maps a pairing code to the address the hosting side binds to.
// The code is normalized first, so "7k3m9qxp" and " 7K3M9QXP " agree.
func DeriveAddress(secret string) (string, error) {
	if err := Validate(secret); err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(Normalize(secret)))
	return hex.EncodeToString(sum[:AddressBytes]), nil
}

// RandomCode draws length characters uniformly from Alphabet using the
// operating system's CSPRNG.
func RandomCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("%w: length must be positive", ErrInvalidSecret)
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random code: %w", err)
	}

	// 256 is a multiple of 32, so masking keeps the draw uniform.
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = Alphabet[int(b)&(len(Alphabet)-1)]
	}
	return string(out), nil
}

// ParseToken accepts an address typed, pasted or scanned by the user. It
// trims whitespace and rejects empty input; the address itself stays opaque.
func ParseToken(s string) (string, error) {
	token := strings.TrimSpace(s)
	if token == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if strings.ContainsAny(token, " \t\r\n") {
		return "", fmt.Errorf("%w: contains whitespace", ErrInvalidToken)
	}
	return token, nil
}
