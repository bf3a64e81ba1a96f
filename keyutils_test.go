// keyutils_test.go: Tests for key encoding and handling helpers.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	usm "github.com/agilira/snmpusm"
)

func TestKeyFromHex(t *testing.T) {
	want := mustHex("800000000102030405")
	for _, in := range []string{
		"800000000102030405",
		"0x800000000102030405",
		"0X800000000102030405",
		"80:00:00:00:01:02:03:04:05",
		"80 00 00 00 01 02 03 04 05",
		"80-00-00-00-01-02-03-04-05",
		"  800000000102030405\n",
	} {
		got, err := usm.KeyFromHex(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"8", "zz", "0x80:0"} {
		_, err := usm.KeyFromHex(in)
		assert.ErrorIs(t, err, usm.ErrInvalidParameter, in)
	}
}

func TestKeyToHex(t *testing.T) {
	assert.Equal(t, "800000000102030405", usm.KeyToHex(remoteEngine))
	assert.Equal(t, "", usm.KeyToHex(nil))
}

func TestZeroize(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	usm.Zeroize(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
	usm.Zeroize(nil)
}

func TestGetKeyFingerprint(t *testing.T) {
	a := usm.GetKeyFingerprint([]byte("key a"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, usm.GetKeyFingerprint([]byte("key a")))
	assert.NotEqual(t, a, usm.GetKeyFingerprint([]byte("key b")))
	assert.Empty(t, usm.GetKeyFingerprint(nil))
}

func TestGenerateKey(t *testing.T) {
	a, err := usm.GenerateKey(32)
	require.NoError(t, err)
	b, err := usm.GenerateKey(32)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)

	_, err = usm.GenerateKey(0)
	assert.Error(t, err)
}
