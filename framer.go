// framer.go: The message serialization collaborator and a built-in flat
// framing used for loopback and tests.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"encoding/binary"
)

// Framer serializes the security parameters and data of an outgoing message
// and parses incoming ones. Production callers plug in their BER encoder;
// the processor only needs to know where the authParams placeholder lands.
type Framer interface {
	// Frame returns the wire message and the offset of the authParams
	// bytes inside it. params.AuthParams already has its final length.
	Frame(level SecurityLevel, params SecurityParameters, data []byte) (wire []byte, authOffset int, err error)

	// Parse splits a wire message into a Message. Report cannot be known
	// at this layer and is left false.
	Parse(wire []byte) (*Message, error)
}

// flatMagic identifies FlatFramer messages.
var flatMagic = [4]byte{'U', 'S', 'M', 1}

const maxFlatField = 255

// FlatFramer is a compact length-prefixed framing:
//
//	magic(4) level(1)
//	len(1) engineID  boots(4) time(4)
//	len(1) userName  len(1) authParams  len(1) privParams
//	len(4) data
//
// It is not SNMP BER. It exists so the processor is usable end to end
// without an ASN.1 layer.
type FlatFramer struct{}

// Frame implements Framer.
func (FlatFramer) Frame(level SecurityLevel, params SecurityParameters, data []byte) ([]byte, int, error) {
	if !level.Valid() {
		return nil, 0, invalidParameter("invalid security level %d", int(level))
	}
	for name, n := range map[string]int{
		"engine id":   len(params.EngineID),
		"user name":   len(params.UserName),
		"auth params": len(params.AuthParams),
		"priv params": len(params.PrivParams),
	} {
		if n > maxFlatField {
			return nil, 0, invalidParameter("%s too long for flat framing: %d bytes", name, n)
		}
	}

	size := len(flatMagic) + 1 +
		1 + len(params.EngineID) + 8 +
		1 + len(params.UserName) +
		1 + len(params.AuthParams) +
		1 + len(params.PrivParams) +
		4 + len(data)
	wire := make([]byte, 0, size)

	wire = append(wire, flatMagic[:]...)
	wire = append(wire, byte(level))
	wire = append(wire, byte(len(params.EngineID)))
	wire = append(wire, params.EngineID...)
	wire = binary.BigEndian.AppendUint32(wire, params.EngineBoots)
	wire = binary.BigEndian.AppendUint32(wire, params.EngineTime)
	wire = append(wire, byte(len(params.UserName)))
	wire = append(wire, params.UserName...)
	wire = append(wire, byte(len(params.AuthParams)))
	authOffset := len(wire)
	wire = append(wire, params.AuthParams...)
	wire = append(wire, byte(len(params.PrivParams)))
	wire = append(wire, params.PrivParams...)
	wire = binary.BigEndian.AppendUint32(wire, uint32(len(data))) // #nosec G115 -- bounded by memory
	wire = append(wire, data...)

	return wire, authOffset, nil
}

// Parse implements Framer.
func (FlatFramer) Parse(wire []byte) (*Message, error) {
	r := flatReader{buf: wire}

	magic := r.read(len(flatMagic))
	if r.err || [4]byte(magic) != flatMagic {
		return nil, invalidParameter("not a flat USM message")
	}
	level := SecurityLevel(r.readByte())
	engineID := r.read(int(r.readByte()))
	boots := r.readUint32()
	time := r.readUint32()
	user := r.read(int(r.readByte()))
	authLen := int(r.readByte())
	authOffset := r.pos
	authParams := r.read(authLen)
	privParams := r.read(int(r.readByte()))
	data := r.read(int(r.readUint32()))

	if r.err || r.pos != len(wire) {
		return nil, invalidParameter("truncated or oversized flat USM message")
	}
	if !level.Valid() {
		return nil, invalidParameter("invalid security level %d", int(level))
	}

	msg := &Message{
		Level: level,
		Params: SecurityParameters{
			EngineID:    engineID,
			EngineBoots: boots,
			EngineTime:  time,
			UserName:    string(user),
			AuthParams:  authParams,
			PrivParams:  privParams,
		},
		Data:  data,
		Whole: wire,
	}
	if authLen > 0 {
		msg.AuthOffset = authOffset
	}
	return msg, nil
}

type flatReader struct {
	buf []byte
	pos int
	err bool
}

func (r *flatReader) read(n int) []byte {
	if r.err || n < 0 || r.pos+n > len(r.buf) {
		r.err = true
		return nil
	}
	out := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return out
}

func (r *flatReader) readByte() byte {
	b := r.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *flatReader) readUint32() uint32 {
	b := r.read(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
