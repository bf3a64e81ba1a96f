// auth.go: Authentication protocols (HMAC family, RFC 3414 §6-7 and RFC 7860).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"crypto/hmac"
	"strings"
)

// AuthProtocol is a message-integrity algorithm operating on a localized key.
//
// The set of implementations is closed: use one of the Auth* variables.
type AuthProtocol interface {
	// Name returns the canonical protocol name, e.g. "SHA256".
	Name() string
	// OID returns the usmAuthProtocol object identifier.
	OID() string
	// Hash returns the digest function used for HMAC and key derivation.
	// AuthNone returns 0.
	Hash() HashAlgo
	// KeyLength is the length of a localized authentication key.
	KeyLength() int
	// DigestLength is the length of msgAuthenticationParameters.
	DigestLength() int
	// Sign returns the truncated HMAC of msg.
	Sign(key, msg []byte) ([]byte, error)
	// Verify reports in constant time whether digest authenticates msg.
	Verify(key, msg, digest []byte) bool

	authProtocol()
}

// Authentication protocol variants.
var (
	AuthNone   AuthProtocol = noAuth{}
	AuthMD5    AuthProtocol = &hmacAuth{name: "MD5", oid: "1.3.6.1.6.3.10.1.1.2", hash: HashMD5, digestLen: 12}
	AuthSHA1   AuthProtocol = &hmacAuth{name: "SHA", oid: "1.3.6.1.6.3.10.1.1.3", hash: HashSHA1, digestLen: 12}
	AuthSHA224 AuthProtocol = &hmacAuth{name: "SHA224", oid: "1.3.6.1.6.3.10.1.1.4", hash: HashSHA224, digestLen: 16}
	AuthSHA256 AuthProtocol = &hmacAuth{name: "SHA256", oid: "1.3.6.1.6.3.10.1.1.5", hash: HashSHA256, digestLen: 24}
	AuthSHA384 AuthProtocol = &hmacAuth{name: "SHA384", oid: "1.3.6.1.6.3.10.1.1.6", hash: HashSHA384, digestLen: 32}
	AuthSHA512 AuthProtocol = &hmacAuth{name: "SHA512", oid: "1.3.6.1.6.3.10.1.1.7", hash: HashSHA512, digestLen: 48}
)

var authProtocols = []AuthProtocol{AuthNone, AuthMD5, AuthSHA1, AuthSHA224, AuthSHA256, AuthSHA384, AuthSHA512}

// AuthProtocols lists every supported authentication protocol.
func AuthProtocols() []AuthProtocol {
	out := make([]AuthProtocol, len(authProtocols))
	copy(out, authProtocols)
	return out
}

// AuthProtocolByName resolves a protocol from its name or OID. Case, dashes
// and an "HMAC" prefix are ignored, so "sha-256" and "HMAC-SHA256" both
// resolve. An empty name means AuthNone.
func AuthProtocolByName(name string) (AuthProtocol, error) {
	key := normalizeProtocolName(name)
	key = strings.TrimPrefix(key, "HMAC")
	switch key {
	case "", "NONE", "NOAUTH":
		return AuthNone, nil
	case "SHA1":
		return AuthSHA1, nil
	}
	for _, p := range authProtocols {
		if key == p.Name() || name == p.OID() || name == "."+p.OID() {
			return p, nil
		}
	}
	return nil, invalidParameter("unknown authentication protocol %q", name)
}

func normalizeProtocolName(name string) string {
	r := strings.NewReplacer("-", "", "_", "", " ", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(name)))
}

type noAuth struct{}

func (noAuth) Name() string      { return "NONE" }
func (noAuth) OID() string       { return "1.3.6.1.6.3.10.1.1.1" }
func (noAuth) Hash() HashAlgo    { return 0 }
func (noAuth) KeyLength() int    { return 0 }
func (noAuth) DigestLength() int { return 0 }
func (noAuth) authProtocol()     {}

func (noAuth) Sign(_, _ []byte) ([]byte, error) {
	return nil, invalidParameter("usmNoAuthProtocol cannot sign")
}

func (noAuth) Verify(_, _, _ []byte) bool { return false }

type hmacAuth struct {
	name      string
	oid       string
	hash      HashAlgo
	digestLen int
}

func (a *hmacAuth) Name() string      { return a.name }
func (a *hmacAuth) OID() string       { return a.oid }
func (a *hmacAuth) Hash() HashAlgo    { return a.hash }
func (a *hmacAuth) KeyLength() int    { return a.hash.Size() }
func (a *hmacAuth) DigestLength() int { return a.digestLen }
func (a *hmacAuth) authProtocol()     {}
func (a *hmacAuth) String() string    { return a.name }

func (a *hmacAuth) Sign(key, msg []byte) ([]byte, error) {
	if len(key) != a.KeyLength() {
		return nil, invalidParameter("%s auth key must be %d bytes, got %d", a.name, a.KeyLength(), len(key))
	}
	mac := hmac.New(a.hash.New, key)
	mac.Write(msg)
	return mac.Sum(nil)[:a.digestLen], nil
}

func (a *hmacAuth) Verify(key, msg, digest []byte) bool {
	if len(digest) != a.digestLen || len(key) != a.KeyLength() {
		return false
	}
	expected, err := a.Sign(key, msg)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, digest)
}

// AuthenticateMessage signs a whole serialized message in place. The
// DigestLength() bytes at offset must be the zeroed authParams placeholder;
// they are overwritten with the digest, which is also returned.
func AuthenticateMessage(p AuthProtocol, key, msg []byte, offset int) ([]byte, error) {
	n := p.DigestLength()
	if n == 0 {
		return nil, invalidParameter("protocol %s does not authenticate", p.Name())
	}
	if offset < 0 || offset+n > len(msg) {
		return nil, invalidParameter("authParams offset %d out of range for %d byte message", offset, len(msg))
	}
	for i := offset; i < offset+n; i++ {
		if msg[i] != 0 {
			return nil, invalidParameter("authParams placeholder at offset %d is not zeroed", offset)
		}
	}
	digest, err := p.Sign(key, msg)
	if err != nil {
		return nil, err
	}
	copy(msg[offset:], digest)
	return digest, nil
}

// VerifyMessage reverses AuthenticateMessage: it zeroes the authParams
// field on a scratch copy of msg and verifies the original digest against
// it. msg is not modified.
func VerifyMessage(p AuthProtocol, key, msg []byte, offset int) bool {
	n := p.DigestLength()
	if n == 0 || offset < 0 || offset+n > len(msg) {
		return false
	}

	scratch := getBuffer(len(msg))
	defer putBuffer(scratch)
	buf := *scratch
	copy(buf, msg)
	clearBuffer(buf[offset : offset+n])

	return p.Verify(key, buf, msg[offset:offset+n])
}
