// framer_test.go: Tests for the flat message framing.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatFramer_FrameParse(t *testing.T) {
	params := SecurityParameters{
		EngineID:    []byte{0x80, 0, 0, 0, 1, 2, 3, 4, 5},
		EngineBoots: 4,
		EngineTime:  9000,
		UserName:    "authtest",
		AuthParams:  make([]byte, 12),
		PrivParams:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	data := []byte{0xde, 0xad, 0xbe, 0xef}

	wire, offset, err := FlatFramer{}.Frame(AuthPriv, params, data)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 12), wire[offset:offset+12], "offset points at the placeholder")

	msg, err := FlatFramer{}.Parse(wire)
	require.NoError(t, err)
	assert.Equal(t, AuthPriv, msg.Level)
	assert.Equal(t, params, msg.Params)
	assert.Equal(t, data, msg.Data)
	assert.Equal(t, wire, msg.Whole)
	assert.Equal(t, offset, msg.AuthOffset)
	assert.False(t, msg.Report)
}

func TestFlatFramer_Unauthenticated(t *testing.T) {
	wire, _, err := FlatFramer{}.Frame(NoAuthNoPriv, SecurityParameters{}, []byte("discover"))
	require.NoError(t, err)

	msg, err := FlatFramer{}.Parse(wire)
	require.NoError(t, err)
	assert.Zero(t, msg.AuthOffset)
	assert.Empty(t, msg.Params.EngineID)
	assert.Equal(t, []byte("discover"), msg.Data)
}

func TestFlatFramer_Errors(t *testing.T) {
	good, _, err := FlatFramer{}.Frame(AuthNoPriv, SecurityParameters{UserName: "u", AuthParams: make([]byte, 12)}, []byte("x"))
	require.NoError(t, err)

	tests := []struct {
		name string
		wire []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XSM\x01"), good[4:]...)},
		{"truncated", good[:len(good)-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"bad level", func() []byte { w := bytes.Clone(good); w[4] = 9; return w }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FlatFramer{}.Parse(tt.wire)
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}

	_, _, err = FlatFramer{}.Frame(SecurityLevel(0), SecurityParameters{}, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, _, err = FlatFramer{}.Frame(NoAuthNoPriv, SecurityParameters{UserName: strings.Repeat("u", 256)}, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestSecurityLevel(t *testing.T) {
	assert.False(t, NoAuthNoPriv.Authenticated())
	assert.True(t, AuthNoPriv.Authenticated())
	assert.False(t, AuthNoPriv.Encrypted())
	assert.True(t, AuthPriv.Encrypted())
	assert.False(t, SecurityLevel(4).Valid())
	assert.Equal(t, "authPriv", AuthPriv.String())

	for in, want := range map[string]SecurityLevel{
		"noAuthNoPriv": NoAuthNoPriv,
		"AUTHNOPRIV":   AuthNoPriv,
		" authPriv ":   AuthPriv,
		"priv":         AuthPriv,
	} {
		got, err := ParseSecurityLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSecurityLevel("privNoAuth")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}
