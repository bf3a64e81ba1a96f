// hash.go: Hash algorithms used by USM key derivation and authentication.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"crypto/md5"  // #nosec G501 -- mandated by RFC 3414
	"crypto/sha1" // #nosec G505 -- mandated by RFC 3414
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// HashAlgo selects the digest function behind an authentication protocol
// and its key derivation.
type HashAlgo int

const (
	HashMD5 HashAlgo = iota + 1
	HashSHA1
	HashSHA224
	HashSHA256
	HashSHA384
	HashSHA512
)

// New returns a fresh hash.Hash, or nil for an unknown algorithm.
func (h HashAlgo) New() hash.Hash {
	switch h {
	case HashMD5:
		return md5.New() // #nosec G401
	case HashSHA1:
		return sha1.New() // #nosec G401
	case HashSHA224:
		return sha256.New224()
	case HashSHA256:
		return sha256.New()
	case HashSHA384:
		return sha512.New384()
	case HashSHA512:
		return sha512.New()
	}
	return nil
}

// Size returns the digest size in bytes, or 0 for an unknown algorithm.
func (h HashAlgo) Size() int {
	switch h {
	case HashMD5:
		return md5.Size
	case HashSHA1:
		return sha1.Size
	case HashSHA224:
		return sha256.Size224
	case HashSHA256:
		return sha256.Size
	case HashSHA384:
		return sha512.Size384
	case HashSHA512:
		return sha512.Size
	}
	return 0
}

// Valid reports whether h names a supported algorithm.
func (h HashAlgo) Valid() bool {
	return h.Size() > 0
}

func (h HashAlgo) String() string {
	switch h {
	case HashMD5:
		return "MD5"
	case HashSHA1:
		return "SHA1"
	case HashSHA224:
		return "SHA224"
	case HashSHA256:
		return "SHA256"
	case HashSHA384:
		return "SHA384"
	case HashSHA512:
		return "SHA512"
	}
	return fmt.Sprintf("HashAlgo(%d)", int(h))
}
