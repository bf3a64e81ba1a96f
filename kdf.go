// kdf.go: Key derivation for USM: password-to-key, key localization and
// key extension, plus Argon2id derivation of the key-encryption key that
// protects localized keys at rest.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"golang.org/x/crypto/argon2"
)

// passwordToKeyLength is the number of password bytes fed to the hash
// (RFC 3414 A.2, the "megabyte rule").
const passwordToKeyLength = 1048576

// passwordChunk is the amount of expanded password hashed per write.
const passwordChunk = 64

// MinPassphraseLength is the shortest passphrase accepted by configuration
// validation (RFC 3414 §11.2). PasswordToKey itself only rejects empty input.
const MinPassphraseLength = 8

// KeyExtension selects how a localized key is stretched when a privacy
// protocol needs more key material than one hash output.
type KeyExtension int

const (
	// ExtendNone truncates only. Requesting more bytes than the hash
	// produces is an error.
	ExtendNone KeyExtension = iota

	// ExtendHashChain appends H(previous || engineID) until enough bytes
	// exist (RFC 3826 §3.1 as used for AES-192/256).
	ExtendHashChain

	// ExtendReeder appends localize(passwordToKey(previous)), the chaining
	// used by CBC-3DES-EDE and the Cisco AES-192/256 variants.
	ExtendReeder

	// ExtendBlumenthal appends H(key so far), the draft-blumenthal-aes-usm
	// scheme.
	ExtendBlumenthal
)

func (e KeyExtension) String() string {
	switch e {
	case ExtendNone:
		return "none"
	case ExtendHashChain:
		return "hash-chain"
	case ExtendReeder:
		return "reeder"
	case ExtendBlumenthal:
		return "blumenthal"
	}
	return "unknown"
}

// PasswordToKey turns a passphrase into a non-localized key (Ku).
//
// The password is repeated cyclically until exactly 1,048,576 bytes have
// been produced and the whole stream is hashed with h. The result is the
// raw digest. The function is pure: identical inputs always produce the
// identical key, which is what makes RFC 3414 test vectors reproducible.
//
// Parameters:
//   - password: The passphrase bytes (must not be empty)
//   - h: The hash algorithm of the authentication protocol
//
// Returns:
//   - The raw key, h.Size() bytes long
//   - An error wrapping ErrInvalidParameter for empty input or unknown hash
//
// Example:
//
//	ku, err := usm.PasswordToKey([]byte("maplesyrup"), usm.HashSHA1)
//	if err != nil {
//		log.Fatal(err)
//	}
//	kul, _ := usm.LocalizeKey(ku, engineID, usm.HashSHA1)
func PasswordToKey(password []byte, h HashAlgo) ([]byte, error) {
	if len(password) == 0 {
		return nil, invalidParameter("password cannot be empty")
	}
	hf := h.New()
	if hf == nil {
		return nil, invalidParameter("unsupported hash algorithm %s", h)
	}

	chunkBuf := getBuffer(passwordChunk)
	defer putBuffer(chunkBuf)
	chunk := *chunkBuf

	index := 0
	for count := 0; count < passwordToKeyLength; count += passwordChunk {
		for i := range chunk {
			chunk[i] = password[index]
			index++
			if index == len(password) {
				index = 0
			}
		}
		hf.Write(chunk)
	}
	return hf.Sum(nil), nil
}

// LocalizeKey binds a raw key to one engine: H(rawKey || engineID || rawKey).
// The result is h.Size() bytes long.
func LocalizeKey(rawKey, engineID []byte, h HashAlgo) ([]byte, error) {
	if len(rawKey) == 0 {
		return nil, invalidParameter("raw key cannot be empty")
	}
	if len(engineID) == 0 {
		return nil, invalidParameter("engine id cannot be empty")
	}
	hf := h.New()
	if hf == nil {
		return nil, invalidParameter("unsupported hash algorithm %s", h)
	}
	hf.Write(rawKey)
	hf.Write(engineID)
	hf.Write(rawKey)
	return hf.Sum(nil), nil
}

// ExtendKey localizes rawKey to engineID and returns exactly length bytes,
// stretching the localized key with ext when one digest is not enough.
// Shorter requests are plain truncations of the localized key.
func ExtendKey(rawKey, engineID []byte, h HashAlgo, length int, ext KeyExtension) ([]byte, error) {
	if length <= 0 {
		return nil, invalidParameter("key length must be positive")
	}
	localized, err := LocalizeKey(rawKey, engineID, h)
	if err != nil {
		return nil, err
	}
	if length <= len(localized) {
		return localized[:length], nil
	}

	out := make([]byte, 0, length+h.Size())
	out = append(out, localized...)
	prev := localized

	switch ext {
	case ExtendHashChain:
		hf := h.New()
		for len(out) < length {
			hf.Reset()
			hf.Write(prev)
			hf.Write(engineID)
			prev = hf.Sum(nil)
			out = append(out, prev...)
		}
	case ExtendReeder:
		for len(out) < length {
			ku, err := PasswordToKey(prev, h)
			if err != nil {
				return nil, err
			}
			prev, err = LocalizeKey(ku, engineID, h)
			if err != nil {
				return nil, err
			}
			out = append(out, prev...)
		}
	case ExtendBlumenthal:
		hf := h.New()
		for len(out) < length {
			hf.Reset()
			hf.Write(out)
			out = hf.Sum(out)
		}
	default:
		return nil, invalidParameter("%s hash yields %d bytes, %d requested without key extension", h, len(localized), length)
	}
	return out[:length], nil
}

// LocalizePassphrase runs PasswordToKey followed by ExtendKey.
func LocalizePassphrase(passphrase, engineID []byte, h HashAlgo, length int, ext KeyExtension) ([]byte, error) {
	ku, err := PasswordToKey(passphrase, h)
	if err != nil {
		return nil, err
	}
	defer Zeroize(ku)
	return ExtendKey(ku, engineID, h, length, ext)
}

// Default Argon2id parameters for the key-encryption key.
const (
	// DefaultTime is the default number of Argon2id iterations.
	DefaultTime = 3

	// DefaultMemory is the default Argon2id memory usage in MB.
	DefaultMemory = 64

	// DefaultThreads is the default Argon2id parallelism.
	DefaultThreads = 4

	// SealingKeySize is the size of the key-encryption key (AES-256).
	SealingKeySize = 32
)

// KDFParams tunes Argon2id for DeriveSealingKey. Zero fields fall back to
// the defaults above.
type KDFParams struct {
	Time    uint32 `yaml:"time,omitempty"`
	Memory  uint32 `yaml:"memory,omitempty"` // MB
	Threads uint8  `yaml:"threads,omitempty"`
}

// FastKDFParams returns Argon2id parameters for tests and development.
//
// Parameters: Time=1, Memory=8MB, Threads=1
func FastKDFParams() *KDFParams {
	return &KDFParams{Time: 1, Memory: 8, Threads: 1}
}

// DeriveSealingKey derives the 32-byte key-encryption key used to seal
// localized keys in a KeyStore. It is unrelated to USM key derivation and
// uses Argon2id so a stolen store file resists offline guessing.
func DeriveSealingKey(passphrase, salt []byte, params *KDFParams) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, invalidParameter("store passphrase cannot be empty")
	}
	if len(salt) == 0 {
		return nil, invalidParameter("store salt cannot be empty")
	}

	time := uint32(DefaultTime)
	memory := uint32(DefaultMemory * 1024)
	threads := uint8(DefaultThreads)
	if params != nil {
		if params.Time > 0 {
			time = params.Time
		}
		if params.Memory > 0 {
			memory = params.Memory * 1024
		}
		if params.Threads > 0 {
			threads = params.Threads
		}
	}

	return argon2.IDKey(passphrase, salt, time, memory, threads, SealingKeySize), nil
}
