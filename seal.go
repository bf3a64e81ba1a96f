// seal.go: AES-256-GCM sealing of localized keys kept in a KeyStore.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for sealing failures
const (
	ErrCodeSealInit  = "USM_SEAL_INIT"
	ErrCodeNonceGen  = "USM_NONCE_GEN"
	ErrCodeSealShort = "USM_SEALED_SHORT"
	ErrCodeUnseal    = "USM_UNSEAL"
)

// Store metadata entries owned by the sealer.
const (
	metaSealSalt = "seal_salt"
	metaTagKey   = "tag_key"
)

const (
	sealSaltSize = 16
	tagKeySize   = 32
)

// Sealer encrypts key material at rest with AES-256-GCM. It also computes
// keyed tags that let a store detect that the passphrase behind a persisted
// key changed, without storing anything derived from the passphrase alone.
type Sealer struct {
	aead        cipher.AEAD
	tagKey      []byte
	fingerprint string
}

// NewSealer creates a sealer from a 32-byte key-encryption key. The tag key
// is derived from the KEK.
func NewSealer(kek []byte) (*Sealer, error) {
	s, err := newSealer(kek)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, kek)
	mac.Write([]byte("usm credential tag"))
	s.tagKey = mac.Sum(nil)
	return s, nil
}

func newSealer(kek []byte) (*Sealer, error) {
	if len(kek) != SealingKeySize {
		return nil, invalidParameter("sealing key must be %d bytes, got %d", SealingKeySize, len(kek))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeSealInit, "failed to create AES cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeSealInit, "failed to create GCM cipher")
	}
	return &Sealer{aead: aead, fingerprint: GetKeyFingerprint(kek)}, nil
}

// Fingerprint identifies the KEK in logs.
func (s *Sealer) Fingerprint() string {
	return s.fingerprint
}

// Seal returns nonce || ciphertext || tag. aad binds the sealed value to
// its context.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonceBuf := getBuffer(s.aead.NonceSize())
	defer putBuffer(nonceBuf)
	nonce := *nonceBuf

	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeNonceGen, "failed to generate nonce")
	}

	out := make([]byte, 0, len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, aad), nil // #nosec G407 -- nonce is generated from crypto/rand
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, newError(ErrStore, ErrCodeSealShort, "sealed value too short")
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeUnseal, "failed to open sealed value")
	}
	return plaintext, nil
}

// Tag returns a keyed digest of secret, used to tie persisted keys to the
// credentials they were derived from.
func (s *Sealer) Tag(secret []byte) string {
	mac := hmac.New(sha256.New, s.tagKey)
	mac.Write(secret)
	return hex.EncodeToString(mac.Sum(nil)[:16])
}

// OpenSealer derives the sealer of a store from its passphrase. The salt
// and the tag key are created on first use and kept in the store metadata;
// a wrong passphrase is detected because the tag key fails to open.
func OpenSealer(ctx context.Context, store KeyStore, passphrase []byte, params *KDFParams) (*Sealer, error) {
	salt, err := store.Meta(ctx, metaSealSalt, func() ([]byte, error) {
		return GenerateKey(sealSaltSize)
	})
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "failed to load sealing salt")
	}

	kek, err := DeriveSealingKey(passphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer Zeroize(kek)

	s, err := newSealer(kek)
	if err != nil {
		return nil, err
	}

	sealedTag, err := store.Meta(ctx, metaTagKey, func() ([]byte, error) {
		tagKey, err := GenerateKey(tagKeySize)
		if err != nil {
			return nil, err
		}
		defer Zeroize(tagKey)
		return s.Seal(tagKey, []byte(metaTagKey))
	})
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "failed to load tag key")
	}

	tagKey, err := s.Open(sealedTag, []byte(metaTagKey))
	if err != nil {
		richErr := goerrors.Wrap(err, ErrCodeInvalidParameter, "store passphrase does not match")
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, richErr)
	}
	s.tagKey = tagKey
	return s, nil
}

// RotateStorePassphrase re-seals every key in store under a sealer derived
// from newPassphrase with a fresh salt. Keys, salt and tag key are replaced
// in one store transaction; on failure the old passphrase stays valid.
func RotateStorePassphrase(ctx context.Context, store KeyStore, oldPassphrase, newPassphrase []byte, params *KDFParams) (*Sealer, error) {
	from, err := OpenSealer(ctx, store, oldPassphrase, params)
	if err != nil {
		return nil, err
	}

	salt, err := GenerateKey(sealSaltSize)
	if err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "failed to generate sealing salt")
	}
	kek, err := DeriveSealingKey(newPassphrase, salt, params)
	if err != nil {
		return nil, err
	}
	defer Zeroize(kek)

	to, err := newSealer(kek)
	if err != nil {
		return nil, err
	}
	to.tagKey = from.tagKey

	sealedTag, err := to.Seal(to.tagKey, []byte(metaTagKey))
	if err != nil {
		return nil, err
	}

	reseal := func(rec KeyRecord) ([]byte, error) {
		plain, err := from.Open(rec.Sealed, rec.aad())
		if err != nil {
			return nil, err
		}
		defer Zeroize(plain)
		return to.Seal(plain, rec.aad())
	}
	meta := map[string][]byte{
		metaSealSalt: salt,
		metaTagKey:   sealedTag,
	}
	if err := store.ResealKeys(ctx, reseal, meta); err != nil {
		return nil, wrapError(ErrStore, err, ErrCodeStore, "failed to re-seal keys")
	}
	return to, nil
}
