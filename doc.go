// Package usm implements the core of the SNMPv3 User-based Security Model
// (RFC 3414) with the AES privacy protocols of RFC 3826 and the common
// AES-192/256 extensions.
//
// The package covers:
//   - Password to key derivation and key localization (the megabyte rule),
//     including the hash-chain, Reeder and Blumenthal key extensions
//   - HMAC authentication: MD5-96, SHA-96, SHA-224-128, SHA-256-192,
//     SHA-384-256 and SHA-512-384
//   - Privacy: DES-CBC, 3DES-EDE-CBC and AES-CFB with 128, 192 and 256 bit keys
//   - Engine discovery, timeliness (the 150 second window) and engine boots
//     tracking for remote engines, plus a local authoritative engine
//   - A security processor that protects outgoing scoped PDUs and verifies
//     incoming messages in the order RFC 3414 §3.2 mandates
//   - usmStats counters
//   - Persistent salt counters, sealed localized keys and engine state in
//     SQLite, and external key providers
//
// BER encoding of SNMP messages is left to the caller through the Framer
// interface; FlatFramer is a simple framing for loopback use and tests.
//
// # Quick Start
//
// A manager talking to one agent:
//
//	users := usm.NewUserTable()
//	err := users.Add(usm.Credentials{
//		UserName:       "authtest",
//		Auth:           usm.AuthSHA1,
//		AuthPassphrase: []byte("maplesyrup1234"),
//		Priv:           usm.PrivAES128,
//		PrivPassphrase: []byte("maplesyrup1234"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	proc, err := usm.NewProcessor(users, usm.WithLogger(slog.Default()))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Discover the agent's engine ID, then send protected requests.
//	_, discovery, _ := proc.DiscoveryRequest(nil)
//	// ... send it, receive the report, then:
//	pdu, err := proc.Decode(ctx, reportWire, true)
//
//	_, wire, err := proc.EncodeOutgoing("authtest", engineID, usm.AuthPriv, scopedPDU)
//
// # Key Derivation
//
// Keys are derived from a passphrase once per user and localized once per
// engine. The functions are also usable on their own:
//
//	ku, _ := usm.PasswordToKey([]byte("maplesyrup"), usm.HashSHA1)
//	kul, _ := usm.LocalizeKey(ku, engineID, usm.HashSHA1)
//
//	// 32 bytes of AES-256 key material from a SHA-1 user
//	key, _ := usm.ExtendKey(ku, engineID, usm.HashSHA1, 32, usm.ExtendHashChain)
//
// # Error Handling
//
// Every error wraps one sentinel, so callers dispatch with errors.Is:
//
//	pdu, err := proc.DecodeIncoming(msg)
//	switch {
//	case errors.Is(err, usm.ErrUnknownEngineID):
//		// reply with a usmStatsUnknownEngineIDs report
//	case errors.Is(err, usm.ErrNotInTimeWindow):
//		// reply with a usmStatsNotInTimeWindows report
//	}
//
// The sentinel is joined with a coded error from github.com/agilira/go-errors
// for auditing. KindOf maps an error back to its ErrorKind.
//
// # Salt Counters
//
// DES salts and AES IVs embed a local counter that must never repeat under
// the same key. Without a store the counter starts at a random offset. When
// localized keys are persisted, the counter must persist too:
//
//	store, _ := usm.NewSQLiteStore("usm.db")
//	salt, _ := usm.NewSaltCounter(usm.WithCounterStore(store, "salt", 1024))
//	proc, _ := usm.NewProcessor(users, usm.WithSaltCounter(salt))
//
// Blocks of counter values are reserved and the new high-water mark is
// committed before any value of a block is used, so a crash can skip values
// but never repeat one.
//
// # Security Considerations
//
//   - Digests are compared in constant time
//   - Boots and time are trusted only after the digest verified
//   - Engine clock state is committed only for fully accepted messages
//   - Localized keys at rest are sealed with AES-256-GCM under an Argon2id
//     key-encryption key
//
// MD5, SHA-1, DES and 3DES are provided for interoperability with deployed
// agents.
//
// Copyright (c) 2025 AGILira
// Series: an AGLIra library
// SPDX-License-Identifier: MPL-2.0
package usm
