package main

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
)

// MinerSessionState is C5's per-connection state machine (spec §4.5).
type MinerSessionState int

const (
	SessionConnected MinerSessionState = iota
	SessionLoginPending
	SessionAuthenticated
	SessionMining
	SessionAwaitingBlock
	SessionClosed
	SessionBanned
)

func (s MinerSessionState) String() string {
	switch s {
	case SessionConnected:
		return "CONNECTED"
	case SessionLoginPending:
		return "LOGIN_PENDING"
	case SessionAuthenticated:
		return "AUTHENTICATED"
	case SessionMining:
		return "MINING"
	case SessionAwaitingBlock:
		return "AWAITING_BLOCK"
	case SessionClosed:
		return "CLOSED"
	case SessionBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// MinerSessionConfig carries every session-scoped tunable, all sourced from
// the pool's Config (spec §4.5's timeouts and ban-trigger thresholds).
type MinerSessionConfig struct {
	LoginTimeout          time.Duration
	IdleTimeout           time.Duration // 5 x get_height_interval
	BanTTL                time.Duration
	MaxInvalidSubmissions int
	InvalidWindow         time.Duration
	LoginLinger           time.Duration
	ChainParams           *chaincfg.Params
}

// MinerSession is C5: one goroutine per accepted connection, reading and
// answering packets strictly in order, matching the reactor's rule that a
// single connection's protocol state is only ever touched by its own
// goroutine (spec §5).
type MinerSession struct {
	id       uuid.UUID
	conn     net.Conn
	remoteIP string
	pm       *PoolManager
	bus      *CommandBus
	bans     *BanCache
	registry *SessionRegistry
	notifier *DiscordNotifier
	cfg      MinerSessionConfig

	mu                 sync.Mutex
	state              MinerSessionState
	user               string
	lastActivity       time.Time
	heldTemplate       BlockTemplate
	hasHeldTemplate    bool
	invalidCount       int
	invalidWindowStart time.Time
}

func NewMinerSession(conn net.Conn, remoteIP string, pm *PoolManager, bus *CommandBus, bans *BanCache, registry *SessionRegistry, notifier *DiscordNotifier, cfg MinerSessionConfig) *MinerSession {
	return &MinerSession{
		id:       uuid.New(),
		conn:     conn,
		remoteIP: remoteIP,
		pm:       pm,
		bus:      bus,
		bans:     bans,
		registry: registry,
		notifier: notifier,
		cfg:      cfg,
		state:    SessionConnected,
	}
}

func (s *MinerSession) setState(state MinerSessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *MinerSession) State() MinerSessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NotifyHeightChanged is the pool manager's broadcast hook (SessionRegistry.
// Broadcast). It never pushes a wire message on its own: the wire protocol
// has no server-initiated frame here, so a session only learns its held
// template is obsolete the next time it submits a share or asks for a new
// one. Marking it stale eagerly just avoids one wasted round-trip against a
// template we already know will fail the height check.
func (s *MinerSession) NotifyHeightChanged(height uint32) {
	s.mu.Lock()
	if s.hasHeldTemplate && s.heldTemplate.Height != height {
		s.hasHeldTemplate = false
	}
	s.mu.Unlock()
}

// Run drives the session to completion: LOGIN, then the GET_BLOCK/
// SUBMIT_SHARE loop, until the connection closes, the context is cancelled,
// or the session is banned.
func (s *MinerSession) Run(ctx context.Context) {
	defer s.conn.Close()
	defer s.registry.Remove(s.id)

	reader := NewPacketReader(s.conn)

	if err := s.awaitLogin(ctx, reader); err != nil {
		logger.Warn("miner session login failed", "remote", s.remoteIP, "error", err)
		return
	}

	s.registry.Add(s)
	logger.Info("miner session authenticated", "remote", s.remoteIP, "user", s.user)

	for {
		if ctx.Err() != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		p, err := reader.ReadPacket()
		if err != nil {
			logger.Info("miner session closed", "remote", s.remoteIP, "user", s.user, "error", err)
			return
		}
		s.touch()

		if err := s.handlePacket(ctx, p); err != nil {
			logger.Warn("miner session protocol error", "remote", s.remoteIP, "user", s.user, "error", err)
			return
		}
		if s.State() == SessionBanned {
			return
		}
	}
}

func (s *MinerSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// awaitLogin is the CONNECTED -> LOGIN_PENDING -> AUTHENTICATED transition
// (spec §4.5's LOGIN paragraph). It owns its own deadline separate from the
// steady-state idle timeout.
func (s *MinerSession) awaitLogin(ctx context.Context, reader *PacketReader) error {
	s.setState(SessionLoginPending)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))

	p, err := reader.ReadPacket()
	if err != nil {
		return &TransportError{Op: "read login", Err: err}
	}
	if p.Header != HeaderLogin {
		s.send(Packet{Header: HeaderLoginFail})
		return &ProtocolError{State: "LOGIN_PENDING", Got: p.Header}
	}

	login := strings.TrimSpace(string(p.Payload))
	if err := validateLoginAddress(login, s.cfg.ChainParams); err != nil {
		s.send(Packet{Header: HeaderLoginFail})
		return err
	}

	verdict, err := s.bans.CheckLogin(ctx, login, s.remoteIP)
	if err != nil {
		s.send(Packet{Header: HeaderLoginFail})
		return err
	}
	if verdict.Banned {
		s.send(Packet{Header: HeaderLoginFail})
		s.setState(SessionBanned)
		s.linger()
		return &Banned{Reason: verdict.Reason, ExpiresAt: verdict.ExpiresAt}
	}

	exists, err := s.bus.Submit(ctx, AccountExistsCmd{Address: login})
	if err != nil {
		s.send(Packet{Header: HeaderLoginFail})
		return err
	}
	if !exists.(bool) {
		if _, err := s.bus.Submit(ctx, CreateAccountCmd{Address: login}); err != nil {
			s.send(Packet{Header: HeaderLoginFail})
			return err
		}
	}

	s.mu.Lock()
	s.user = login
	s.mu.Unlock()

	s.send(Packet{Header: HeaderLoginSuccess})
	s.setState(SessionAuthenticated)
	return nil
}

// linger gives a banned peer a brief window to receive LOGIN_FAIL before the
// deferred conn.Close in Run tears the socket down.
func (s *MinerSession) linger() {
	if s.cfg.LoginLinger <= 0 {
		return
	}
	time.Sleep(s.cfg.LoginLinger)
}

// handlePacket implements the AUTHENTICATED/MINING/AWAITING_BLOCK half of
// the state machine: SUBSCRIBE, GET_BLOCK and SUBMIT_SHARE.
func (s *MinerSession) handlePacket(ctx context.Context, p Packet) error {
	switch p.Header {
	case HeaderSubscribe:
		// No wire acknowledgement is defined for SUBSCRIBE; it just marks
		// the session ready to mine. A miner that skips straight to
		// GET_BLOCK subscribes implicitly (see the GET_BLOCK case below).
		if s.State() == SessionAuthenticated {
			s.setState(SessionMining)
		}
		return nil

	case HeaderGetBlock:
		return s.handleGetBlock(ctx)

	case HeaderSubmitShare:
		return s.handleSubmitShare(ctx, p)

	default:
		return &ProtocolError{State: s.State().String(), Got: p.Header}
	}
}

func (s *MinerSession) handleGetBlock(ctx context.Context) error {
	switch s.State() {
	case SessionAuthenticated:
		s.setState(SessionMining) // implicit SUBSCRIBE
	case SessionMining:
	default:
		return &ProtocolError{State: s.State().String(), Got: HeaderGetBlock}
	}

	s.setState(SessionAwaitingBlock)
	tpl, err := s.pm.GetBlockForSession(ctx)
	if err != nil {
		if _, ok := err.(*StaleGeneration); ok {
			logger.Debug("get_block superseded by newer height, miner will retry", "user", s.user)
			s.setState(SessionMining)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		s.setState(SessionMining)
		return err
	}

	s.mu.Lock()
	s.heldTemplate = tpl
	s.hasHeldTemplate = true
	s.mu.Unlock()

	s.setState(SessionMining)
	return s.sendErr(Packet{Header: HeaderBlockData, Payload: tpl.Bytes})
}

func (s *MinerSession) handleSubmitShare(ctx context.Context, p Packet) error {
	switch s.State() {
	case SessionMining, SessionAwaitingBlock:
	default:
		return &ProtocolError{State: s.State().String(), Got: HeaderSubmitShare}
	}

	block, nonce, err := splitSubmitPayload(p.Payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tpl := s.heldTemplate
	haveTpl := s.hasHeldTemplate
	s.mu.Unlock()

	if !haveTpl || tpl.Height != s.pm.CurrentHeight() {
		return s.rejectShare(ctx, "no current template subscribed")
	}

	result := validateShare(block, nonce, s.pm.ShareTarget(tpl), tpl.Difficulty)
	if !result.Accepted {
		return s.rejectShare(ctx, result.RejectedReason)
	}

	s.resetInvalidStreak()
	if _, err := s.bus.Submit(ctx, IncrementShareCmd{Address: s.user}); err != nil {
		logger.Error("increment share", "user", s.user, "error", err)
	}

	if result.IsCandidate {
		logger.Info("block candidate found", "user", s.user, "height", tpl.Height)
		if err := s.pm.SubmitBlockCandidate(ctx, result.Hash, tpl.Height, s.user, block, nonce); err != nil {
			logger.Error("submit block candidate", "user", s.user, "error", err)
		}
		return s.sendErr(Packet{Header: HeaderBlock})
	}
	return s.sendErr(Packet{Header: HeaderAccept})
}

// rejectShare sends REJECT and, once cfg.MaxInvalidSubmissions (default 3)
// invalid submissions fall within the configured sliding window, bans this (user, address) pair
// (spec §4.5).
func (s *MinerSession) rejectShare(ctx context.Context, reason string) error {
	logger.Warn("share rejected", "user", s.user, "remote", s.remoteIP, "reason", reason)
	if err := s.sendErr(Packet{Header: HeaderReject}); err != nil {
		return err
	}

	banned := s.recordInvalidSubmission()
	if !banned {
		return nil
	}

	banReason := "three consecutive invalid submissions"
	expiresAt := time.Now().Add(s.cfg.BanTTL)
	if _, err := s.bus.Submit(ctx, CreateBanCmd{
		User: s.user, Address: s.remoteIP, Reason: banReason, ExpiresAt: expiresAt.Unix(),
	}); err != nil {
		logger.Error("create ban after invalid submissions", "user", s.user, "error", err)
	}
	s.bans.InvalidateLogin(s.user, s.remoteIP)
	s.bans.InvalidateAddress(s.remoteIP)
	s.notifier.NotifyBan(s.user, s.remoteIP, banReason, expiresAt)
	s.setState(SessionBanned)
	return fmt.Errorf("session banned after repeated invalid submissions")
}

// recordInvalidSubmission tracks a sliding window of consecutive invalid
// submissions, resetting the streak once the window elapses. Returns true
// once the streak reaches the configured threshold.
func (s *MinerSession) recordInvalidSubmission() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.invalidCount == 0 || now.Sub(s.invalidWindowStart) > s.cfg.InvalidWindow {
		s.invalidCount = 1
		s.invalidWindowStart = now
	} else {
		s.invalidCount++
	}
	threshold := s.cfg.MaxInvalidSubmissions
	if threshold <= 0 {
		threshold = 3
	}
	return s.invalidCount >= threshold
}

func (s *MinerSession) resetInvalidStreak() {
	s.mu.Lock()
	s.invalidCount = 0
	s.mu.Unlock()
}

func (s *MinerSession) send(p Packet) {
	if err := s.sendErr(p); err != nil {
		logger.Warn("miner session write failed", "user", s.user, "remote", s.remoteIP, "error", err)
	}
}

func (s *MinerSession) sendErr(p Packet) error {
	if _, err := s.conn.Write(p.Encode()); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}
