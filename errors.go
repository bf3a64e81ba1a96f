// errors.go: Error kinds and rich error construction for the USM core.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
)

// Public sentinel errors. Every error returned by this package wraps exactly
// one of them, so callers can dispatch with errors.Is().
var (
	// ErrInvalidParameter is returned for malformed keys, passphrases, engine
	// IDs or protocol selections. On the encode path it signals a caller bug.
	ErrInvalidParameter = errors.New("usm: invalid parameter")

	// ErrUnknownEngineID is returned when a message names an engine that is
	// neither the local engine nor a discovered remote engine.
	ErrUnknownEngineID = errors.New("usm: unknown engine id")

	// ErrUnknownUserName is returned when no credentials exist for a user.
	ErrUnknownUserName = errors.New("usm: unknown user name")

	// ErrUnsupportedSecurityLevel is returned when a user is not configured
	// for the requested security level.
	ErrUnsupportedSecurityLevel = errors.New("usm: unsupported security level")

	// ErrAuthenticationFailure is returned when a message digest does not verify.
	ErrAuthenticationFailure = errors.New("usm: authentication failure")

	// ErrNotInTimeWindow is returned for stale or replayed messages.
	ErrNotInTimeWindow = errors.New("usm: not in time window")

	// ErrDecryptionError is returned when a ciphertext or its privacy
	// parameters are malformed.
	ErrDecryptionError = errors.New("usm: decryption error")

	// ErrEngineDesynchronized is returned once an engine reached the maximum
	// boots value. Only reconfiguration clears it.
	ErrEngineDesynchronized = errors.New("usm: engine desynchronized")

	// ErrStore is returned when a persistent store operation fails.
	ErrStore = errors.New("usm: store error")

	// ErrKeyProvider is returned when an external key provider fails.
	ErrKeyProvider = errors.New("usm: key provider error")
)

// Error codes for rich error handling
const (
	ErrCodeInvalidParameter    = "USM_INVALID_PARAMETER"
	ErrCodeUnknownEngineID     = "USM_UNKNOWN_ENGINE_ID"
	ErrCodeUnknownUserName     = "USM_UNKNOWN_USER_NAME"
	ErrCodeUnsupportedSecLevel = "USM_UNSUPPORTED_SEC_LEVEL"
	ErrCodeWrongDigest         = "USM_WRONG_DIGEST"
	ErrCodeNotInTimeWindow     = "USM_NOT_IN_TIME_WINDOW"
	ErrCodeDecryption          = "USM_DECRYPTION"
	ErrCodeDesynchronized      = "USM_ENGINE_DESYNCHRONIZED"
	ErrCodeStore               = "USM_STORE"
	ErrCodeKeyProvider         = "USM_KEY_PROVIDER"
)

// ErrorKind classifies errors returned by this package.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidParameter
	KindUnknownEngineID
	KindUnknownUserName
	KindUnsupportedSecurityLevel
	KindAuthenticationFailure
	KindNotInTimeWindow
	KindDecryptionError
	KindEngineDesynchronized
	KindStore
	KindKeyProvider
	KindOther
)

var kindNames = map[ErrorKind]string{
	KindNone:                     "none",
	KindInvalidParameter:         "invalidParameter",
	KindUnknownEngineID:          "unknownEngineID",
	KindUnknownUserName:          "unknownUserName",
	KindUnsupportedSecurityLevel: "unsupportedSecurityLevel",
	KindAuthenticationFailure:    "authenticationFailure",
	KindNotInTimeWindow:          "notInTimeWindow",
	KindDecryptionError:          "decryptionError",
	KindEngineDesynchronized:     "engineDesynchronized",
	KindStore:                    "store",
	KindKeyProvider:              "keyProvider",
	KindOther:                    "other",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidParameter, ErrInvalidParameter},
	{KindUnknownEngineID, ErrUnknownEngineID},
	{KindUnknownUserName, ErrUnknownUserName},
	{KindUnsupportedSecurityLevel, ErrUnsupportedSecurityLevel},
	{KindAuthenticationFailure, ErrAuthenticationFailure},
	{KindNotInTimeWindow, ErrNotInTimeWindow},
	{KindDecryptionError, ErrDecryptionError},
	{KindEngineDesynchronized, ErrEngineDesynchronized},
	{KindStore, ErrStore},
	{KindKeyProvider, ErrKeyProvider},
}

// KindOf maps an error returned by this package back to its kind.
// A nil error yields KindNone; foreign errors yield KindOther. When several
// sentinels are wrapped, the outermost one wins: a decryption error caused
// by an invalid key is a decryption error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	queue := []error{err}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		for _, s := range kindSentinels {
			if e == s.err {
				return s.kind
			}
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			queue = append(queue, u.Unwrap()...)
		case interface{ Unwrap() error }:
			if next := u.Unwrap(); next != nil {
				queue = append(queue, next)
			}
		}
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return KindOther
}

// newError builds the two-layer error used throughout the package: the
// public sentinel for errors.Is() and a coded go-errors value for auditing.
func newError(sentinel error, code goerrors.ErrorCode, msg string) error {
	richErr := goerrors.New(code, msg)
	return fmt.Errorf("%w: %w", sentinel, richErr)
}

// wrapError is newError for failures with an underlying cause.
func wrapError(sentinel error, cause error, code goerrors.ErrorCode, msg string) error {
	richErr := goerrors.Wrap(cause, code, msg)
	return fmt.Errorf("%w: %w", sentinel, richErr)
}

func invalidParameter(format string, args ...any) error {
	return newError(ErrInvalidParameter, ErrCodeInvalidParameter, fmt.Sprintf(format, args...))
}

func decryptionError(format string, args ...any) error {
	return newError(ErrDecryptionError, ErrCodeDecryption, fmt.Sprintf(format, args...))
}
