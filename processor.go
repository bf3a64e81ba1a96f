// processor.go: The security processor turning scoped PDUs into protected
// wire messages and back (RFC 3414 §3.1 and §3.2).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package usm

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
)

// Processor applies the User-based Security Model to outgoing and incoming
// messages. Its mutable state lives in the collaborators it is built with,
// so independent sessions get independent processors. A Processor is safe
// for concurrent use.
type Processor struct {
	users   *UserTable
	engines *EngineCache
	salt    *SaltCounter
	local   *LocalEngine
	framer  Framer
	logger  *slog.Logger
	stats   *UsmStats
	clock   Clock
}

// Option configures a Processor.
type Option func(*Processor)

// WithEngineCache shares a remote engine cache with the processor.
func WithEngineCache(c *EngineCache) Option {
	return func(p *Processor) { p.engines = c }
}

// WithSaltCounter sets the local salt counter.
func WithSaltCounter(c *SaltCounter) Option {
	return func(p *Processor) { p.salt = c }
}

// WithLocalEngine makes the processor authoritative for e: messages
// addressed to its engine ID are checked against the local clock.
func WithLocalEngine(e *LocalEngine) Option {
	return func(p *Processor) { p.local = e }
}

// WithLogger sets the structured logger. Key material is never logged.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithFramer sets the message serializer. The default is FlatFramer.
func WithFramer(f Framer) Option {
	return func(p *Processor) { p.framer = f }
}

// WithClock sets the clock of the engine cache the processor creates when
// none is given with WithEngineCache.
func WithClock(c Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithStats shares usmStats counters between processors.
func WithStats(s *UsmStats) Option {
	return func(p *Processor) { p.stats = s }
}

// NewProcessor creates a processor resolving keys from users.
func NewProcessor(users *UserTable, opts ...Option) (*Processor, error) {
	if users == nil {
		return nil, invalidParameter("user table cannot be nil")
	}
	p := &Processor{users: users}
	for _, opt := range opts {
		opt(p)
	}

	if p.engines == nil {
		p.engines = NewEngineCache(p.clock)
	}
	if p.salt == nil {
		salt, err := NewSaltCounter()
		if err != nil {
			return nil, err
		}
		p.salt = salt
	}
	if p.framer == nil {
		p.framer = FlatFramer{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if p.stats == nil {
		p.stats = &UsmStats{}
	}
	return p, nil
}

// Stats returns a snapshot of the usmStats counters.
func (p *Processor) Stats() Stats {
	return p.stats.Snapshot()
}

// Engines returns the remote engine cache.
func (p *Processor) Engines() *EngineCache {
	return p.engines
}

// LocalEngine returns the local authoritative engine, or nil.
func (p *Processor) LocalEngine() *LocalEngine {
	return p.local
}

// Users returns the user table.
func (p *Processor) Users() *UserTable {
	return p.users
}

// EncodeOutgoing protects pdu for userName at engineID. It returns the
// security parameters as placed on the wire and the framed message.
func (p *Processor) EncodeOutgoing(userName string, engineID []byte, level SecurityLevel, pdu []byte) (SecurityParameters, []byte, error) {
	return p.EncodeOutgoingContext(context.Background(), userName, engineID, level, pdu)
}

// EncodeOutgoingContext is EncodeOutgoing with a context for key and salt
// store access.
func (p *Processor) EncodeOutgoingContext(ctx context.Context, userName string, engineID []byte, level SecurityLevel, pdu []byte) (SecurityParameters, []byte, error) {
	if !level.Valid() {
		return SecurityParameters{}, nil, invalidParameter("invalid security level %d", int(level))
	}

	params := SecurityParameters{
		EngineID: cloneBytes(engineID),
		UserName: userName,
	}

	if !level.Authenticated() {
		if userName != "" && !p.users.Has(userName) {
			return SecurityParameters{}, nil, newError(ErrUnknownUserName, ErrCodeUnknownUserName,
				fmt.Sprintf("no credentials for user %q", userName))
		}
		wire, _, err := p.framer.Frame(level, params, pdu)
		if err != nil {
			return SecurityParameters{}, nil, err
		}
		return params, wire, nil
	}

	entry, err := p.users.ResolveContext(ctx, userName, engineID)
	if err != nil {
		return SecurityParameters{}, nil, err
	}
	if !entry.Supports(level) {
		return SecurityParameters{}, nil, newError(ErrUnsupportedSecurityLevel, ErrCodeUnsupportedSecLevel,
			fmt.Sprintf("user %q is not configured for %s", userName, level))
	}

	params.EngineBoots, params.EngineTime = p.outgoingTime(engineID)

	data := pdu
	if level.Encrypted() {
		counter, err := p.salt.NextContext(ctx)
		if err != nil {
			return SecurityParameters{}, nil, err
		}
		pc := PrivContext{Boots: params.EngineBoots, Time: params.EngineTime, Counter: counter}
		if data, params.PrivParams, err = entry.Priv.Encrypt(entry.PrivKey, pc, pdu); err != nil {
			return SecurityParameters{}, nil, err
		}
	}

	params.AuthParams = make([]byte, entry.Auth.DigestLength())
	wire, authOffset, err := p.framer.Frame(level, params, data)
	if err != nil {
		return SecurityParameters{}, nil, err
	}
	if params.AuthParams, err = AuthenticateMessage(entry.Auth, entry.AuthKey, wire, authOffset); err != nil {
		return SecurityParameters{}, nil, err
	}
	return params, wire, nil
}

// outgoingTime picks the boots and time of an outgoing message: the local
// clock when we are authoritative, the estimate of a synchronized remote
// engine otherwise, and zero before synchronization.
func (p *Processor) outgoingTime(engineID []byte) (uint32, uint32) {
	if p.local != nil && p.local.Is(engineID) {
		return p.local.BootsAndTime()
	}
	if boots, t, ok := p.engines.Estimate(engineID); ok {
		return boots, t
	}
	p.engines.Touch(engineID)
	return 0, 0
}

// Decode parses wire with the processor's framer and decodes it.
// report marks a Report-PDU, which only the caller's PDU layer can tell.
func (p *Processor) Decode(ctx context.Context, wire []byte, report bool) ([]byte, error) {
	msg, err := p.framer.Parse(wire)
	if err != nil {
		return nil, err
	}
	msg.Report = report
	return p.DecodeIncomingContext(ctx, msg)
}

// DecodeIncoming verifies msg and returns its scopedPDU. Checks run in the
// order of RFC 3414 §3.2; the first failure increments its usmStats
// counter and discards the message. Engine clock state is committed only
// once every check passed.
func (p *Processor) DecodeIncoming(msg *Message) ([]byte, error) {
	return p.DecodeIncomingContext(context.Background(), msg)
}

// DecodeIncomingContext is DecodeIncoming with a context for key store
// access.
func (p *Processor) DecodeIncomingContext(ctx context.Context, msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, invalidParameter("message cannot be nil")
	}
	if !msg.Level.Valid() {
		return nil, invalidParameter("invalid security level %d", int(msg.Level))
	}
	params := msg.Params
	authoritative := p.local != nil && p.local.Is(params.EngineID)

	if msg.Report && !msg.Level.Authenticated() && !authoritative {
		if _, err := p.HandleDiscoveryReport(msg); err != nil {
			return nil, err
		}
		return msg.Data, nil
	}

	// 1. engine and user
	if !authoritative && !msg.Report && !p.engines.Known(params.EngineID) {
		return nil, p.reject(msg, newError(ErrUnknownEngineID, ErrCodeUnknownEngineID,
			fmt.Sprintf("engine %s is not known", hex.EncodeToString(params.EngineID))))
	}
	if !p.users.Has(params.UserName) {
		return nil, p.reject(msg, newError(ErrUnknownUserName, ErrCodeUnknownUserName,
			fmt.Sprintf("no credentials for user %q", params.UserName)))
	}
	if !msg.Level.Authenticated() {
		return msg.Data, nil
	}

	entry, err := p.users.ResolveContext(ctx, params.UserName, params.EngineID)
	if err != nil {
		switch KindOf(err) {
		case KindUnknownUserName, KindUnknownEngineID:
			return nil, p.reject(msg, newError(ErrUnknownUserName, ErrCodeUnknownUserName,
				fmt.Sprintf("no keys for user %q at engine %s", params.UserName, hex.EncodeToString(params.EngineID))))
		}
		return nil, err
	}

	// 2. security level
	if !entry.Supports(msg.Level) {
		return nil, p.reject(msg, newError(ErrUnsupportedSecurityLevel, ErrCodeUnsupportedSecLevel,
			fmt.Sprintf("user %q is not configured for %s", params.UserName, msg.Level)))
	}

	// 3. digest, before boots and time are trusted
	if err := p.verify(msg, entry); err != nil {
		return nil, p.reject(msg, err)
	}

	// 4. time window
	var update TimeUpdate
	if authoritative {
		err = p.local.Check(params.EngineBoots, params.EngineTime)
	} else {
		update, err = p.engines.Check(params.EngineID, params.EngineBoots, params.EngineTime, msg.Report)
	}
	if err != nil {
		// The digest is verified, so a maximum boots value really came
		// from the engine.
		if !authoritative && params.EngineBoots == MaxEngineBoots {
			p.engines.Latch(params.EngineID)
		}
		return nil, p.reject(msg, err)
	}

	// 5. privacy
	pdu := msg.Data
	if msg.Level.Encrypted() {
		pdu, err = entry.Priv.Decrypt(entry.PrivKey, params.EngineBoots, params.EngineTime, params.PrivParams, msg.Data)
		if err != nil {
			if KindOf(err) != KindDecryptionError {
				err = wrapError(ErrDecryptionError, err, ErrCodeDecryption, "failed to decrypt scoped PDU")
			}
			return nil, p.reject(msg, err)
		}
	}

	// 6. commit
	if !authoritative && p.engines.Commit(update) {
		p.logger.Info("usm: engine clock synchronized",
			"engine_id", hex.EncodeToString(update.EngineID),
			"boots", update.Boots,
			"time", update.Time)
	}
	return pdu, nil
}

func (p *Processor) verify(msg *Message, entry *UserEntry) error {
	params := msg.Params
	n := entry.Auth.DigestLength()
	if len(params.AuthParams) != n {
		return newError(ErrAuthenticationFailure, ErrCodeWrongDigest,
			fmt.Sprintf("authParams must be %d bytes, got %d", n, len(params.AuthParams)))
	}

	// The framer must report where authParams sit; searching Whole for the
	// digest bytes could match an earlier field.
	offset := msg.AuthOffset
	if offset <= 0 || offset+n > len(msg.Whole) || !bytes.Equal(msg.Whole[offset:offset+n], params.AuthParams) {
		return invalidParameter("message does not locate its authParams: offset %d", offset)
	}
	if !VerifyMessage(entry.Auth, entry.AuthKey, msg.Whole, offset) {
		return newError(ErrAuthenticationFailure, ErrCodeWrongDigest,
			fmt.Sprintf("digest mismatch for user %q", params.UserName))
	}
	return nil
}

// reject counts and logs a discarded message.
func (p *Processor) reject(msg *Message, err error) error {
	kind := KindOf(err)
	p.stats.Record(kind)

	level := slog.LevelDebug
	if kind == KindEngineDesynchronized {
		level = slog.LevelWarn
	}
	p.logger.Log(context.Background(), level, "usm: message discarded",
		"user", msg.Params.UserName,
		"engine_id", hex.EncodeToString(msg.Params.EngineID),
		"level", msg.Level.String(),
		"reason", kind.String())
	return err
}

// DiscoveryRequest frames an engine ID discovery request (RFC 3414 §4): a
// noAuthNoPriv message with empty engine ID and user name. The receiving
// engine answers with a report carrying its engine ID.
func (p *Processor) DiscoveryRequest(pdu []byte) (SecurityParameters, []byte, error) {
	return p.EncodeOutgoing("", nil, NoAuthNoPriv, pdu)
}

// HandleDiscoveryReport records the engine ID of an unauthenticated
// discovery report. Its boots and time are not trusted; the engine stays
// Discovered until an authenticated exchange synchronizes it.
func (p *Processor) HandleDiscoveryReport(msg *Message) (EngineState, error) {
	if msg == nil {
		return EngineState{}, invalidParameter("message cannot be nil")
	}
	engineID := msg.Params.EngineID
	if err := ValidateEngineID(engineID); err != nil {
		return EngineState{}, p.reject(msg, newError(ErrUnknownEngineID, ErrCodeUnknownEngineID,
			fmt.Sprintf("discovery report carries an invalid engine id: %v", err)))
	}

	p.engines.MarkDiscovered(engineID)
	st, _ := p.engines.Lookup(engineID)
	p.logger.Debug("usm: engine discovered",
		"engine_id", hex.EncodeToString(engineID),
		"status", st.Status.String())
	return st, nil
}

// ReportParameters returns the security parameters an authoritative engine
// puts in a Report-PDU: its own engine ID, boots and time.
func (p *Processor) ReportParameters(userName string) (SecurityParameters, error) {
	if p.local == nil {
		return SecurityParameters{}, invalidParameter("processor has no local engine")
	}
	boots, t := p.local.BootsAndTime()
	return SecurityParameters{
		EngineID:    p.local.ID(),
		EngineBoots: boots,
		EngineTime:  t,
		UserName:    userName,
	}, nil
}

// SaveEngines persists the remote engine cache.
func (p *Processor) SaveEngines(ctx context.Context, store EngineStore) error {
	return store.SaveEngines(ctx, p.engines.Snapshot())
}

// LoadEngines restores a remote engine cache saved by SaveEngines.
// Restored engines estimate their time from the saved receipt instant.
func (p *Processor) LoadEngines(ctx context.Context, store EngineStore) error {
	states, err := store.LoadEngines(ctx)
	if err != nil {
		return err
	}
	p.engines.Restore(states)
	p.logger.Debug("usm: engine cache restored", "engines", len(states))
	return nil
}
