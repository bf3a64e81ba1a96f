// kdf_test.go: Test cases for key derivation and localization.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm_test

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	usm "github.com/agilira/snmpusm"
)

// rfcEngineID is the engine ID of RFC 3414 A.3.
var rfcEngineID = mustHex("000000000000000000000002")

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// TestPasswordToKey_RFC3414 checks the published Ku and Kul values of
// RFC 3414 A.3.1 and A.3.2, plus the SHA-256 equivalent.
func TestPasswordToKey_RFC3414(t *testing.T) {
	tests := []struct {
		name string
		hash usm.HashAlgo
		ku   string
		kul  string
	}{
		{"MD5", usm.HashMD5,
			"9faf3283884e92834ebc9847d8edd963",
			"526f5eed9fcce26f8964c2930787d82b"},
		{"SHA1", usm.HashSHA1,
			"9fb5cc0381497b3793528939ff788d5d79145211",
			"6695febc9288e36282235fc7151f128497b38f3f"},
		{"SHA256", usm.HashSHA256,
			"ab51014d1e077f6017df2b12bee5f5aa72993177e9bb569c4dff5a4ca0b4afac",
			"8982e0e549e866db361a6b625d84cccc11162d453ee8ce3a6445c2d6776f0f8b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ku, err := usm.PasswordToKey([]byte("maplesyrup"), tt.hash)
			if err != nil {
				t.Fatalf("PasswordToKey() error: %v", err)
			}
			if got := hex.EncodeToString(ku); got != tt.ku {
				t.Errorf("Ku = %s, want %s", got, tt.ku)
			}

			kul, err := usm.LocalizeKey(ku, rfcEngineID, tt.hash)
			if err != nil {
				t.Fatalf("LocalizeKey() error: %v", err)
			}
			if got := hex.EncodeToString(kul); got != tt.kul {
				t.Errorf("Kul = %s, want %s", got, tt.kul)
			}
		})
	}
}

// TestPasswordToKey_Deterministic verifies identical inputs give identical keys
func TestPasswordToKey_Deterministic(t *testing.T) {
	a, _ := usm.PasswordToKey([]byte("maplesyrup1234"), usm.HashSHA1)
	b, _ := usm.PasswordToKey([]byte("maplesyrup1234"), usm.HashSHA1)
	if !bytes.Equal(a, b) {
		t.Error("PasswordToKey is not deterministic")
	}
	c, _ := usm.PasswordToKey([]byte("maplesyrup1235"), usm.HashSHA1)
	if bytes.Equal(a, c) {
		t.Error("Different passwords produced the same key")
	}
}

// TestLocalizeKey_Authtest pins the localized key of the authtest user
func TestLocalizeKey_Authtest(t *testing.T) {
	key, err := usm.LocalizePassphrase([]byte("maplesyrup1234"), mustHex("800000000102030405"), usm.HashSHA1, 20, usm.ExtendNone)
	if err != nil {
		t.Fatalf("LocalizePassphrase() error: %v", err)
	}
	if got, want := hex.EncodeToString(key), "d301e590f7fe66bfc3e7cb308fbe3c74a8eaf126"; got != want {
		t.Errorf("localized key = %s, want %s", got, want)
	}
}

// TestPasswordToKey_InvalidParams covers rejected inputs
func TestPasswordToKey_InvalidParams(t *testing.T) {
	if _, err := usm.PasswordToKey(nil, usm.HashSHA1); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("empty password: got %v, want ErrInvalidParameter", err)
	}
	if _, err := usm.PasswordToKey([]byte("maplesyrup"), usm.HashAlgo(99)); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("unknown hash: got %v, want ErrInvalidParameter", err)
	}
	if _, err := usm.LocalizeKey([]byte{1, 2, 3}, nil, usm.HashSHA1); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("empty engine id: got %v, want ErrInvalidParameter", err)
	}
	if _, err := usm.LocalizeKey(nil, rfcEngineID, usm.HashSHA1); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("empty raw key: got %v, want ErrInvalidParameter", err)
	}
}

// TestPasswordToKey_ShortPassword checks that a one byte password is
// repeated rather than rejected; the minimum length is a config policy.
func TestPasswordToKey_ShortPassword(t *testing.T) {
	key, err := usm.PasswordToKey([]byte("x"), usm.HashMD5)
	if err != nil {
		t.Fatalf("PasswordToKey() error: %v", err)
	}
	if len(key) != 16 {
		t.Errorf("Expected 16 byte key, got %d", len(key))
	}
}

// TestExtendKey_Vectors pins every extension scheme
func TestExtendKey_Vectors(t *testing.T) {
	tests := []struct {
		name string
		hash usm.HashAlgo
		ext  usm.KeyExtension
		want string
	}{
		{"SHA1 hash chain", usm.HashSHA1, usm.ExtendHashChain,
			"6695febc9288e36282235fc7151f128497b38f3f6308f6629699ab0570e78e0d"},
		{"SHA1 reeder", usm.HashSHA1, usm.ExtendReeder,
			"6695febc9288e36282235fc7151f128497b38f3f9b8b6d78936ba6e7d19dfd9c"},
		{"SHA1 blumenthal", usm.HashSHA1, usm.ExtendBlumenthal,
			"6695febc9288e36282235fc7151f128497b38f3f505e07eb9af25568fa1f5dbe"},
		{"MD5 reeder", usm.HashMD5, usm.ExtendReeder,
			"526f5eed9fcce26f8964c2930787d82b79eff44a90650ee0a3a40abfac5acc12"},
		{"MD5 hash chain", usm.HashMD5, usm.ExtendHashChain,
			"526f5eed9fcce26f8964c2930787d82be6f98161a2a8ff7e2c58296d71e1116a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := usm.LocalizePassphrase([]byte("maplesyrup"), rfcEngineID, tt.hash, 32, tt.ext)
			if err != nil {
				t.Fatalf("LocalizePassphrase() error: %v", err)
			}
			if got := hex.EncodeToString(key); got != tt.want {
				t.Errorf("key = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestExtendKey_Truncation checks that short requests are prefixes of the
// localized key whatever the extension.
func TestExtendKey_Truncation(t *testing.T) {
	ku, _ := usm.PasswordToKey([]byte("maplesyrup"), usm.HashSHA1)
	full, _ := usm.LocalizeKey(ku, rfcEngineID, usm.HashSHA1)

	for _, ext := range []usm.KeyExtension{usm.ExtendNone, usm.ExtendHashChain, usm.ExtendReeder, usm.ExtendBlumenthal} {
		key, err := usm.ExtendKey(ku, rfcEngineID, usm.HashSHA1, 16, ext)
		if err != nil {
			t.Fatalf("%s: ExtendKey() error: %v", ext, err)
		}
		if !bytes.Equal(key, full[:16]) {
			t.Errorf("%s: 16 byte key is not a prefix of the localized key", ext)
		}
	}
}

// TestExtendKey_InvalidParams covers rejected extension requests
func TestExtendKey_InvalidParams(t *testing.T) {
	ku, _ := usm.PasswordToKey([]byte("maplesyrup"), usm.HashSHA1)

	if _, err := usm.ExtendKey(ku, rfcEngineID, usm.HashSHA1, 32, usm.ExtendNone); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("no extension: got %v, want ErrInvalidParameter", err)
	}
	if _, err := usm.ExtendKey(ku, rfcEngineID, usm.HashSHA1, 0, usm.ExtendHashChain); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("zero length: got %v, want ErrInvalidParameter", err)
	}
	if _, err := usm.ExtendKey(ku, nil, usm.HashSHA1, 32, usm.ExtendHashChain); !errors.Is(err, usm.ErrInvalidParameter) {
		t.Errorf("empty engine id: got %v, want ErrInvalidParameter", err)
	}
}

// TestDeriveSealingKey covers the Argon2id key-encryption key
func TestDeriveSealingKey(t *testing.T) {
	params := usm.FastKDFParams()
	salt := []byte("0123456789abcdef")

	key, err := usm.DeriveSealingKey([]byte("store-passphrase"), salt, params)
	if err != nil {
		t.Fatalf("DeriveSealingKey() error: %v", err)
	}
	if len(key) != usm.SealingKeySize {
		t.Errorf("Expected key length %d, got %d", usm.SealingKeySize, len(key))
	}

	again, _ := usm.DeriveSealingKey([]byte("store-passphrase"), salt, params)
	if !bytes.Equal(key, again) {
		t.Error("DeriveSealingKey is not deterministic")
	}
	other, _ := usm.DeriveSealingKey([]byte("store-passphrase"), []byte("fedcba9876543210"), params)
	if bytes.Equal(key, other) {
		t.Error("Keys should be different for different salts")
	}

	if _, err := usm.DeriveSealingKey(nil, salt, params); err == nil {
		t.Error("Expected error for empty passphrase")
	}
	if _, err := usm.DeriveSealingKey([]byte("pw"), nil, params); err == nil {
		t.Error("Expected error for empty salt")
	}
}

func BenchmarkPasswordToKey(b *testing.B) {
	password := []byte("maplesyrup")
	for i := 0; i < b.N; i++ {
		if _, err := usm.PasswordToKey(password, usm.HashSHA1); err != nil {
			b.Fatal(err)
		}
	}
}
