// stats.go: usmStats counters (RFC 3414 §5, usmStats group).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"sync/atomic"
)

// UsmStats holds the diagnostic counters of a processor. Counters only
// grow; the zero value is ready to use and safe for concurrent use.
type UsmStats struct {
	unsupportedSecLevels atomic.Uint64
	notInTimeWindows     atomic.Uint64
	unknownUserNames     atomic.Uint64
	unknownEngineIDs     atomic.Uint64
	wrongDigests         atomic.Uint64
	decryptionErrors     atomic.Uint64
}

// Stats is a point-in-time copy of UsmStats.
type Stats struct {
	UnsupportedSecLevels uint64 `json:"usmStatsUnsupportedSecLevels"`
	NotInTimeWindows     uint64 `json:"usmStatsNotInTimeWindows"`
	UnknownUserNames     uint64 `json:"usmStatsUnknownUserNames"`
	UnknownEngineIDs     uint64 `json:"usmStatsUnknownEngineIDs"`
	WrongDigests         uint64 `json:"usmStatsWrongDigests"`
	DecryptionErrors     uint64 `json:"usmStatsDecryptionErrors"`
}

// Total is the sum of all counters.
func (s Stats) Total() uint64 {
	return s.UnsupportedSecLevels + s.NotInTimeWindows + s.UnknownUserNames +
		s.UnknownEngineIDs + s.WrongDigests + s.DecryptionErrors
}

// Snapshot returns the current counter values.
func (u *UsmStats) Snapshot() Stats {
	return Stats{
		UnsupportedSecLevels: u.unsupportedSecLevels.Load(),
		NotInTimeWindows:     u.notInTimeWindows.Load(),
		UnknownUserNames:     u.unknownUserNames.Load(),
		UnknownEngineIDs:     u.unknownEngineIDs.Load(),
		WrongDigests:         u.wrongDigests.Load(),
		DecryptionErrors:     u.decryptionErrors.Load(),
	}
}

// Record increments the counter matching kind and returns its new value.
// Kinds without a usmStats counter return 0. An engine that exhausted its
// boots counter is reported as not in time window.
func (u *UsmStats) Record(kind ErrorKind) uint64 {
	switch kind {
	case KindUnsupportedSecurityLevel:
		return u.unsupportedSecLevels.Add(1)
	case KindNotInTimeWindow, KindEngineDesynchronized:
		return u.notInTimeWindows.Add(1)
	case KindUnknownUserName:
		return u.unknownUserNames.Add(1)
	case KindUnknownEngineID:
		return u.unknownEngineIDs.Add(1)
	case KindAuthenticationFailure:
		return u.wrongDigests.Add(1)
	case KindDecryptionError:
		return u.decryptionErrors.Add(1)
	}
	return 0
}
