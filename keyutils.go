// keyutils.go: Key and engine ID encoding, zeroization and fingerprinting.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// KeyToHex encodes a key or engine ID as lowercase hexadecimal.
func KeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}

// KeyFromHex decodes hexadecimal key material in the spellings operators
// paste from agent configurations: an optional "0x" prefix and ':', ' ' or
// '-' separators are accepted.
//
// Example:
//
//	engineID, err := usm.KeyFromHex("0x80:00:00:00:01:02:03:04:05")
func KeyFromHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(":", "", " ", "", "-", "").Replace(s)
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, "HEX_DECODE_ERROR", "failed to decode hex key")
	}
	return key, nil
}

// Zeroize overwrites key material with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// GetKeyFingerprint returns a short, non-reversible identifier for a key,
// suitable for logs. It is the first 8 bytes of SHA-256 in hex.
func GetKeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	hash := sha256.Sum256(key)
	return fmt.Sprintf("%016x", hash[:8])
}

// GenerateKey returns size random bytes.
func GenerateKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, goerrors.New("INVALID_KEY_SIZE", "key size must be positive")
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, goerrors.Wrap(err, "KEY_GEN_ERROR", "failed to generate key")
	}
	return key, nil
}
