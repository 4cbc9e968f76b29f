package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters tuned for short-lived OTP codes: cheaper than
// password hashing since codes expire within minutes.
const (
	timeCost    = 1
	memoryCost  = 32 * 1024
	parallelism = 2
	saltLen     = 16
	keyLen      = 32
)

var ErrInvalidHash = errors.New("invalid hash encoding")

// Hasher hashes OTP codes with argon2id plus a service-wide pepper.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper string) *Hasher {
	return &Hasher{pepper: []byte(pepper)}
}

// Hash returns an encoded argon2id hash of code.
func (h *Hasher) Hash(code string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey(h.peppered(code), salt, timeCost, memoryCost, parallelism, keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memoryCost, timeCost, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether code matches the encoded hash. Comparison is
// constant time.
func (h *Hasher) Verify(code, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrInvalidHash
	}

	var mem, iters uint32
	var par uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrInvalidHash
	}

	key := argon2.IDKey(h.peppered(code), salt, iters, mem, par, uint32(len(expected)))

	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

func (h *Hasher) peppered(code string) []byte {
	return append([]byte(code), h.pepper...)
}
