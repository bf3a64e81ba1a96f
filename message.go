// message.go: Security levels, USM security parameters and the message view
// exchanged with the transport layer.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"fmt"
	"strings"
)

// SecurityLevel is the msgFlags auth/priv combination of a message.
type SecurityLevel int

const (
	NoAuthNoPriv SecurityLevel = iota + 1
	AuthNoPriv
	AuthPriv
)

// Valid reports whether l is one of the three defined levels.
func (l SecurityLevel) Valid() bool {
	return l >= NoAuthNoPriv && l <= AuthPriv
}

// Authenticated reports whether messages at this level carry a digest.
func (l SecurityLevel) Authenticated() bool {
	return l == AuthNoPriv || l == AuthPriv
}

// Encrypted reports whether messages at this level carry ciphertext.
func (l SecurityLevel) Encrypted() bool {
	return l == AuthPriv
}

func (l SecurityLevel) String() string {
	switch l {
	case NoAuthNoPriv:
		return "noAuthNoPriv"
	case AuthNoPriv:
		return "authNoPriv"
	case AuthPriv:
		return "authPriv"
	}
	return fmt.Sprintf("SecurityLevel(%d)", int(l))
}

// ParseSecurityLevel accepts the net-snmp spellings, case-insensitively.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "noauthnopriv", "noauth":
		return NoAuthNoPriv, nil
	case "authnopriv", "auth":
		return AuthNoPriv, nil
	case "authpriv", "priv":
		return AuthPriv, nil
	}
	return 0, invalidParameter("unknown security level %q", s)
}

// SecurityParameters is the UsmSecurityParameters sequence of a message.
type SecurityParameters struct {
	EngineID    []byte
	EngineBoots uint32
	EngineTime  uint32
	UserName    string
	AuthParams  []byte // digest, empty when unauthenticated
	PrivParams  []byte // salt, empty when unencrypted
}

// Message is a received message as handed over by the transport layer.
type Message struct {
	Level  SecurityLevel
	Params SecurityParameters

	// Data is the scopedPDU, or its ciphertext at AuthPriv.
	Data []byte

	// Whole is the complete serialized message the digest covers.
	Whole []byte

	// AuthOffset is the position of the authParams bytes inside Whole. It
	// is required for authenticated messages; a Framer must report it.
	AuthOffset int

	// Report marks a Report-PDU, which is allowed from engines that are
	// not discovered yet.
	Report bool
}
