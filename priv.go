// priv.go: Privacy protocols (CBC-DES RFC 3414 §8, CFB128-AES RFC 3826 and
// the widely deployed 3DES-EDE and AES-192/256 extensions).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" // #nosec G502 -- mandated by RFC 3414
	"encoding/binary"
	"strings"
)

// privParamsLength is the length of msgPrivacyParameters for every
// supported protocol.
const privParamsLength = 8

// PrivContext carries the per-message values a privacy protocol mixes into
// its IV: the authoritative engine's boots and time, and the sender's
// local salt counter value.
type PrivContext struct {
	Boots   uint32
	Time    uint32
	Counter uint64
}

// PrivProtocol is a symmetric encryption algorithm with its protocol
// specific IV construction.
//
// The set of implementations is closed: use one of the Priv* variables.
type PrivProtocol interface {
	// Name returns the canonical protocol name, e.g. "AES".
	Name() string
	// OID returns the usmPrivProtocol object identifier. Protocols without
	// a registered identifier return "".
	OID() string
	// KeyLength is the length of the localized privacy key material,
	// including any pre-IV.
	KeyLength() int
	// BlockLength is the cipher block size.
	BlockLength() int
	// Extension is the key extension used when the authentication hash
	// produces fewer than KeyLength bytes.
	Extension() KeyExtension
	// Encrypt returns the ciphertext and msgPrivacyParameters.
	Encrypt(key []byte, pc PrivContext, plaintext []byte) (ciphertext, privParams []byte, err error)
	// Decrypt reverses Encrypt using the engine boots and time carried in
	// the message.
	Decrypt(key []byte, boots, time uint32, privParams, ciphertext []byte) ([]byte, error)

	privProtocol()
}

// Privacy protocol variants.
var (
	PrivNone PrivProtocol = noPriv{}

	PrivDES  PrivProtocol = &desPriv{name: "DES", oid: "1.3.6.1.6.3.10.1.2.2", keyLen: 16}
	Priv3DES PrivProtocol = &desPriv{name: "3DES", oid: "1.3.6.1.4.1.14832.1.1", keyLen: 32, triple: true}

	PrivAES128 PrivProtocol = &aesPriv{name: "AES", oid: "1.3.6.1.6.3.10.1.2.4", keyLen: 16, ext: ExtendNone}
	PrivAES192 PrivProtocol = &aesPriv{name: "AES192", keyLen: 24, ext: ExtendHashChain}
	PrivAES256 PrivProtocol = &aesPriv{name: "AES256", keyLen: 32, ext: ExtendHashChain}

	PrivAES192Blumenthal PrivProtocol = &aesPriv{name: "AES192B", oid: "1.3.6.1.4.1.14832.1.3", keyLen: 24, ext: ExtendBlumenthal}
	PrivAES256Blumenthal PrivProtocol = &aesPriv{name: "AES256B", oid: "1.3.6.1.4.1.14832.1.4", keyLen: 32, ext: ExtendBlumenthal}

	PrivAES192Cisco PrivProtocol = &aesPriv{name: "AES192C", oid: "1.3.6.1.4.1.9.12.6.1.1", keyLen: 24, ext: ExtendReeder}
	PrivAES256Cisco PrivProtocol = &aesPriv{name: "AES256C", oid: "1.3.6.1.4.1.9.12.6.1.2", keyLen: 32, ext: ExtendReeder}
)

var privProtocols = []PrivProtocol{
	PrivNone, PrivDES, Priv3DES,
	PrivAES128, PrivAES192, PrivAES256,
	PrivAES192Blumenthal, PrivAES256Blumenthal,
	PrivAES192Cisco, PrivAES256Cisco,
}

var privAliases = map[string]PrivProtocol{
	"":          PrivNone,
	"NOPRIV":    PrivNone,
	"DESCBC":    PrivDES,
	"3DESEDE":   Priv3DES,
	"TRIPLEDES": Priv3DES,
	"AES128":    PrivAES128,
	"AESCFB":    PrivAES128,
}

// PrivProtocols lists every supported privacy protocol.
func PrivProtocols() []PrivProtocol {
	out := make([]PrivProtocol, len(privProtocols))
	copy(out, privProtocols)
	return out
}

// PrivProtocolByName resolves a protocol from its name or OID, ignoring
// case and dashes. An empty name means PrivNone.
func PrivProtocolByName(name string) (PrivProtocol, error) {
	key := normalizeProtocolName(name)
	if p, ok := privAliases[key]; ok {
		return p, nil
	}
	oid := strings.TrimPrefix(strings.TrimSpace(name), ".")
	for _, p := range privProtocols {
		if key == p.Name() || (p.OID() != "" && oid == p.OID()) {
			return p, nil
		}
	}
	return nil, invalidParameter("unknown privacy protocol %q", name)
}

type noPriv struct{}

func (noPriv) Name() string            { return "NONE" }
func (noPriv) OID() string             { return "1.3.6.1.6.3.10.1.2.1" }
func (noPriv) KeyLength() int          { return 0 }
func (noPriv) BlockLength() int        { return 0 }
func (noPriv) Extension() KeyExtension { return ExtendNone }
func (noPriv) privProtocol()           {}

func (noPriv) Encrypt(_ []byte, _ PrivContext, _ []byte) ([]byte, []byte, error) {
	return nil, nil, invalidParameter("usmNoPrivProtocol cannot encrypt")
}

func (noPriv) Decrypt(_ []byte, _, _ uint32, _, _ []byte) ([]byte, error) {
	return nil, invalidParameter("usmNoPrivProtocol cannot decrypt")
}

// desPriv implements CBC-DES and CBC-3DES-EDE. The localized key is the
// cipher key followed by an 8 byte pre-IV.
type desPriv struct {
	name   string
	oid    string
	keyLen int
	triple bool
}

func (p *desPriv) Name() string     { return p.name }
func (p *desPriv) OID() string      { return p.oid }
func (p *desPriv) KeyLength() int   { return p.keyLen }
func (p *desPriv) BlockLength() int { return des.BlockSize }
func (p *desPriv) privProtocol()    {}
func (p *desPriv) String() string   { return p.name }

func (p *desPriv) Extension() KeyExtension {
	if p.triple {
		return ExtendReeder
	}
	return ExtendNone
}

// checkPrivKey applies the protocol's own key checks, if it has any, to a
// localized key supplied from outside the derivation path.
func checkPrivKey(p PrivProtocol, key []byte) error {
	if c, ok := p.(interface{ checkKey([]byte) error }); ok {
		return c.checkKey(key)
	}
	return nil
}

// checkKey rejects 3DES-EDE keys whose halves collapse the cipher to
// single DES.
func (p *desPriv) checkKey(key []byte) error {
	if !p.triple || len(key) < 24 {
		return nil
	}
	k1, k2, k3 := key[0:8], key[8:16], key[16:24]
	switch {
	case bytes.Equal(k1, k2):
		return invalidParameter("invalid 3DES-EDE key: K1 equals K2")
	case bytes.Equal(k2, k3):
		return invalidParameter("invalid 3DES-EDE key: K2 equals K3")
	case bytes.Equal(k1, k3):
		return invalidParameter("invalid 3DES-EDE key: K1 equals K3")
	}
	return nil
}

func (p *desPriv) block(key []byte) (cipher.Block, []byte, error) {
	if len(key) != p.keyLen {
		return nil, nil, invalidParameter("%s priv key must be %d bytes, got %d", p.name, p.keyLen, len(key))
	}
	cipherKeyLen := p.keyLen - des.BlockSize
	preIV := key[cipherKeyLen:]

	if !p.triple {
		b, err := des.NewCipher(key[:cipherKeyLen])
		if err != nil {
			return nil, nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "failed to create DES cipher")
		}
		return b, preIV, nil
	}

	if err := p.checkKey(key); err != nil {
		return nil, nil, err
	}
	b, err := des.NewTripleDESCipher(key[:cipherKeyLen])
	if err != nil {
		return nil, nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "failed to create 3DES cipher")
	}
	return b, preIV, nil
}

// Encrypt zero-pads plaintext to the block size. The true length travels
// in the enclosing scopedPDU encoding, so Decrypt returns padded data.
func (p *desPriv) Encrypt(key []byte, pc PrivContext, plaintext []byte) ([]byte, []byte, error) {
	b, preIV, err := p.block(key)
	if err != nil {
		return nil, nil, err
	}

	salt := make([]byte, privParamsLength)
	binary.BigEndian.PutUint32(salt[0:4], pc.Boots)
	binary.BigEndian.PutUint32(salt[4:8], uint32(pc.Counter)) // #nosec G115 -- low 32 bits by definition

	iv := make([]byte, des.BlockSize)
	for i := range iv {
		iv[i] = salt[i] ^ preIV[i]
	}

	padded := len(plaintext)
	if r := padded % des.BlockSize; r != 0 || padded == 0 {
		padded += des.BlockSize - r
	}
	ciphertext := make([]byte, padded)
	copy(ciphertext, plaintext)
	cipher.NewCBCEncrypter(b, iv).CryptBlocks(ciphertext, ciphertext)

	return ciphertext, salt, nil
}

func (p *desPriv) Decrypt(key []byte, _, _ uint32, privParams, ciphertext []byte) ([]byte, error) {
	if len(privParams) != privParamsLength {
		return nil, decryptionError("%s privParams must be %d bytes, got %d", p.name, privParamsLength, len(privParams))
	}
	if len(ciphertext) == 0 || len(ciphertext)%des.BlockSize != 0 {
		return nil, decryptionError("%s ciphertext length %d is not a positive multiple of %d", p.name, len(ciphertext), des.BlockSize)
	}
	b, preIV, err := p.block(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, des.BlockSize)
	for i := range iv {
		iv[i] = privParams[i] ^ preIV[i]
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(b, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// aesPriv implements CFB128-AES with the RFC 3826 IV layout for every key
// size; the variants differ only in key extension.
type aesPriv struct {
	name   string
	oid    string
	keyLen int
	ext    KeyExtension
}

func (p *aesPriv) Name() string            { return p.name }
func (p *aesPriv) OID() string             { return p.oid }
func (p *aesPriv) KeyLength() int          { return p.keyLen }
func (p *aesPriv) BlockLength() int        { return aes.BlockSize }
func (p *aesPriv) Extension() KeyExtension { return p.ext }
func (p *aesPriv) privProtocol()           {}
func (p *aesPriv) String() string          { return p.name }

func (p *aesPriv) block(key []byte) (cipher.Block, error) {
	if len(key) != p.keyLen {
		return nil, invalidParameter("%s priv key must be %d bytes, got %d", p.name, p.keyLen, len(key))
	}
	b, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapError(ErrInvalidParameter, err, ErrCodeInvalidParameter, "failed to create AES cipher")
	}
	return b, nil
}

func aesIV(boots, time uint32, salt []byte) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv[0:4], boots)
	binary.BigEndian.PutUint32(iv[4:8], time)
	copy(iv[8:], salt)
	return iv
}

func (p *aesPriv) Encrypt(key []byte, pc PrivContext, plaintext []byte) ([]byte, []byte, error) {
	b, err := p.block(key)
	if err != nil {
		return nil, nil, err
	}

	salt := make([]byte, privParamsLength)
	binary.BigEndian.PutUint64(salt, pc.Counter)

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCFBEncrypter(b, aesIV(pc.Boots, pc.Time, salt)).XORKeyStream(ciphertext, plaintext) //nolint:staticcheck // CFB is mandated by RFC 3826
	return ciphertext, salt, nil
}

func (p *aesPriv) Decrypt(key []byte, boots, time uint32, privParams, ciphertext []byte) ([]byte, error) {
	if len(privParams) != privParamsLength {
		return nil, decryptionError("%s privParams must be %d bytes, got %d", p.name, privParamsLength, len(privParams))
	}
	b, err := p.block(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCFBDecrypter(b, aesIV(boots, time, privParams)).XORKeyStream(plaintext, ciphertext) //nolint:staticcheck // CFB is mandated by RFC 3826
	return plaintext, nil
}
