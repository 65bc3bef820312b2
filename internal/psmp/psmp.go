// Package psmp implements the Participant Stateless Message Protocol
// handshake state machine of spec §4.4: a seven-state per-peer FSM driven
// by TokenRx and Timeout events, with bounded retries, exponential
// backoff, and a cleanup timer once authenticated.
package psmp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/handle"
	"github.com/qeodomain/ddscored/internal/wire"
)

// State is one of the seven FSM states of spec §4.4.
type State int

const (
	// StateRVRI retries identity-validation (spec §4.6's validate_remote_id
	// returned PENDING_RETRY).
	StateRVRI State = iota
	// StateRREQ: initiator must (re)send Request.
	StateRREQ
	// StateWREQ: replier waiting for the initial Request.
	StateWREQ
	// StateRREPLY: replier must (re)send Reply.
	StateRREPLY
	// StateWMSG: awaiting continuation (Reply on initiator, Final on replier).
	StateWMSG
	// StateRHS: process() pending retry.
	StateRHS
	// StateWTO: authenticated, context kept around for retransmits.
	StateWTO
	// StateFailed is terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRVRI:
		return "R_VRI"
	case StateRREQ:
		return "R_REQ"
	case StateWREQ:
		return "W_REQ"
	case StateRREPLY:
		return "R_REPLY"
	case StateWMSG:
		return "W_MSG"
	case StateRHS:
		return "R_HS"
	case StateWTO:
		return "W_TO"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Retry bounds (spec §4.4 table).
const (
	MaxVRIRetries = 3
	MaxReqRetries = 31
	MaxWHSRetries = 8
	MaxRepRetries = 31
	MaxHSRetries  = 31
)

// Timer intervals (spec §4.4).
const (
	IdentityValidationRetry = 200 * time.Millisecond
	HandshakeRequestRetry   = 900 * time.Millisecond
	ReplyRetry              = 900 * time.Millisecond
	WaitInitialRequest      = 4000 * time.Millisecond
	WaitMessage             = 1000 * time.Millisecond
	CleanupTimeout          = 40000 * time.Millisecond
	// WaitFailedTimeout is PSMP_WAIT_FAILED_TO: how long a FAILED
	// participant is ignored before rediscovery may be attempted.
	WaitFailedTimeout = 5 * time.Second
)

// backoffExpMax is the saturation point for W_REQ/W_MSG jitter (spec §4.4:
// "backoff_exp saturates at 3, giving up to 8x jitter").
const backoffExpMax = 3

// jitter multiplies base by 1<<rand(0..backoffExp).
func jitter(base time.Duration, backoffExp int) time.Duration {
	if backoffExp > backoffExpMax {
		backoffExp = backoffExpMax
	}
	shift := 0
	if backoffExp > 0 {
		shift = rand.Intn(backoffExp + 1)
	}
	return base * time.Duration(1<<uint(shift))
}

// ValidateRemoteFunc retries spec §4.6's validate_remote_id from R_VRI.
type ValidateRemoteFunc func() (auth.AuthState, error)

// Authorizer performs spec §4.4's authorization step once a handshake
// reaches OK: peer permissions validation, enabling the remote
// participant, or re-evaluating matches on rehandshake.
type Authorizer interface {
	CheckPeerParticipant(peerGUIDPrefix [12]byte, permissionsCredential []byte, permissionsToken *wire.DataHolder, userData []byte) error
	EnableRemoteParticipant(peerGUIDPrefix [12]byte, kxKey, kxMacKey [32]byte) error
	ReevaluateMatches(peerGUIDPrefix [12]byte) error
}

// Sender transmits a handshake token to the peer (spec §4.4's "send
// Request/Reply/Final"/"resend last token").
type Sender interface {
	SendToken(peerGUIDPrefix [12]byte, msg wire.ParticipantStatelessMessage) error
}

// Handshake is the per-peer FSM instance (spec §3's "Handshake" transient
// state struct).
type Handshake struct {
	mu sync.Mutex

	Handle      handle.Handle
	LocalPrefix [12]byte
	PeerPrefix  [12]byte
	Initiator   bool
	Rehandshake bool

	State State

	Plugin  auth.Plugin
	Session *auth.Session

	LastTx    *wire.DataHolder
	LastTxSeq uint64
	LastRxSeq uint64
	// TxnSeq is the Request's sequence number identifying the transaction
	// (spec §4.4 "sequence-number discipline").
	TxnSeq uint64
	// lastReq is the Request token last received by a replier, kept so
	// R_REPLY's timeout can rerun create_reply.
	lastReq *wire.DataHolder

	RetryCount int
	BackoffExp int

	validateRemote ValidateRemoteFunc
	sender         Sender
	authz          Authorizer

	timer    *time.Timer
	onFailed func(h *Handshake)
	onDone   func(h *Handshake)

	closed bool
}

// Manager owns the process-wide set of in-flight handshakes (spec §3:
// "lives in a process-wide singly-linked list"; a handle.Table plus a
// by-peer index stand in for the linked list).
type Manager struct {
	mu        sync.Mutex
	handles   *handle.Table
	byPeer    map[[12]byte]*Handshake
	ignoreSet map[[12]byte]*time.Timer

	sender Sender
	authz  Authorizer
}

// NewManager creates a Manager.
func NewManager(sender Sender, authz Authorizer) *Manager {
	return &Manager{
		handles:   handle.New(0),
		byPeer:    make(map[[12]byte]*Handshake),
		ignoreSet: make(map[[12]byte]*time.Timer),
		sender:    sender,
		authz:     authz,
	}
}

// IsIgnored reports whether peerPrefix is currently in the post-FAILED
// ignore set (spec §4.4: "added to an ignore set ... after
// PSMP_WAIT_FAILED_TO the participant may be rediscovered").
func (m *Manager) IsIgnored(peerPrefix [12]byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ignored := m.ignoreSet[peerPrefix]
	return ignored
}

func (m *Manager) ignore(peerPrefix [12]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.ignoreSet[peerPrefix]; ok {
		t.Stop()
	}
	m.ignoreSet[peerPrefix] = time.AfterFunc(WaitFailedTimeout, func() {
		m.mu.Lock()
		delete(m.ignoreSet, peerPrefix)
		m.mu.Unlock()
	})
}

// Lookup returns the active Handshake for peerPrefix, if any.
func (m *Manager) Lookup(peerPrefix [12]byte) (*Handshake, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byPeer[peerPrefix]
	return h, ok
}

func (m *Manager) register(h *Handshake) error {
	hd, err := m.handles.Alloc(h)
	if err != nil {
		return err
	}
	h.Handle = hd
	m.mu.Lock()
	m.byPeer[h.PeerPrefix] = h
	m.mu.Unlock()
	return nil
}

func (m *Manager) forget(h *Handshake) {
	m.mu.Lock()
	delete(m.byPeer, h.PeerPrefix)
	m.mu.Unlock()
	m.handles.Free(h.Handle)
}

// StartValidating creates a Handshake parked in R_VRI because prevalidation
// (spec §4.6's validate_remote_id) returned PENDING_RETRY.
func (m *Manager) StartValidating(localPrefix, peerPrefix [12]byte, validate ValidateRemoteFunc) (*Handshake, error) {
	h := m.newHandshake(localPrefix, peerPrefix, false, nil, nil, validate)
	h.State = StateRVRI
	if err := m.register(h); err != nil {
		return nil, err
	}
	h.armTimeout(IdentityValidationRetry)
	return h, nil
}

// StartInitiator creates a Handshake that immediately sends a Request
// (prevalidation returned PENDING_HANDSHAKE_REQ).
func (m *Manager) StartInitiator(localPrefix, peerPrefix [12]byte, plugin auth.Plugin, sess *auth.Session, rehandshake bool) (*Handshake, error) {
	h := m.newHandshake(localPrefix, peerPrefix, true, plugin, sess, nil)
	h.Rehandshake = rehandshake
	h.State = StateRREQ
	if err := m.register(h); err != nil {
		return nil, err
	}
	h.runREQ()
	return h, nil
}

// StartReplier creates a Handshake waiting for the peer's Request
// (prevalidation returned PENDING_CHALLENGE_MSG).
func (m *Manager) StartReplier(localPrefix, peerPrefix [12]byte, plugin auth.Plugin, sess *auth.Session, rehandshake bool) (*Handshake, error) {
	h := m.newHandshake(localPrefix, peerPrefix, false, plugin, sess, nil)
	h.Rehandshake = rehandshake
	h.State = StateWREQ
	if err := m.register(h); err != nil {
		return nil, err
	}
	h.armTimeout(WaitInitialRequest)
	return h, nil
}

func (m *Manager) newHandshake(localPrefix, peerPrefix [12]byte, initiator bool, plugin auth.Plugin, sess *auth.Session, validate ValidateRemoteFunc) *Handshake {
	h := &Handshake{
		LocalPrefix:    localPrefix,
		PeerPrefix:     peerPrefix,
		Initiator:      initiator,
		Plugin:         plugin,
		Session:        sess,
		validateRemote: validate,
		sender:         m.sender,
		authz:          m.authz,
		onFailed: func(hh *Handshake) {
			m.forget(hh)
			m.ignore(hh.PeerPrefix)
		},
		onDone: func(hh *Handshake) {
			m.forget(hh)
		},
	}
	return h
}

// armTimeout schedules OnTimeout to fire after d, cancelling any prior timer.
func (h *Handshake) armTimeout(d time.Duration) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timer = time.AfterFunc(d, h.onTimeoutFired)
}

func (h *Handshake) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *Handshake) onTimeoutFired() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.onTimeoutLocked()
}

// fail transitions to FAILED, notifying the manager so the peer is added
// to the ignore set (spec §4.4 "On FAILED the participant is added to an
// ignore set").
func (h *Handshake) fail() {
	h.State = StateFailed
	h.stopTimer()
	h.closed = true
	if h.Plugin != nil && h.Session != nil {
		h.Plugin.ReleaseSecret(h.Session)
	}
	if h.onFailed != nil {
		h.onFailed(h)
	}
}

func (h *Handshake) done() {
	h.stopTimer()
	h.closed = true
	if h.onDone != nil {
		h.onDone(h)
	}
}

// onTimeoutLocked implements the "On Timeout" column of spec §4.4's table.
func (h *Handshake) onTimeoutLocked() {
	switch h.State {
	case StateRVRI:
		h.RetryCount++
		if h.RetryCount > MaxVRIRetries {
			h.fail()
			return
		}
		state, err := h.validateRemote()
		if err != nil {
			h.fail()
			return
		}
		switch state {
		case auth.StateOK:
			h.authorizeAndFinish(false)
		case auth.StatePendingHandshakeReq:
			h.Initiator = true
			h.State = StateRREQ
			h.RetryCount = 0
			h.runREQLocked()
		case auth.StatePendingChallengeMsg:
			h.State = StateWREQ
			h.RetryCount = 0
			h.armTimeout(WaitInitialRequest)
		default:
			h.armTimeout(IdentityValidationRetry)
		}

	case StateRREQ:
		h.RetryCount++
		if h.RetryCount > MaxReqRetries {
			h.fail()
			return
		}
		h.runREQLocked()

	case StateWREQ:
		h.RetryCount++
		if h.RetryCount > MaxWHSRetries {
			h.fail()
			return
		}
		h.sendPlaceholder()
		h.BackoffExp++
		h.armTimeout(jitter(WaitInitialRequest, h.BackoffExp))

	case StateRREPLY:
		h.RetryCount++
		if h.RetryCount > MaxRepRetries {
			h.fail()
			return
		}
		h.runReplyLocked(h.lastReq)

	case StateWMSG:
		h.RetryCount++
		if h.RetryCount > MaxHSRetries {
			h.fail()
			return
		}
		h.resendLast()
		h.BackoffExp++
		h.armTimeout(jitter(retryForWMSG(h.Initiator), h.BackoffExp))

	case StateRHS:
		h.RetryCount++
		if h.RetryCount > MaxHSRetries {
			h.fail()
			return
		}
		if err := h.Plugin.Process(h.Session); err != nil {
			h.armTimeout(HandshakeRequestRetry)
			return
		}
		h.State = StateWTO
		h.authorizeAndFinish(h.Rehandshake)

	case StateWTO:
		h.done()
	}
}

func retryForWMSG(initiator bool) time.Duration {
	if initiator {
		return HandshakeRequestRetry
	}
	return ReplyRetry
}

func (h *Handshake) sendPlaceholder() {
	msg := wire.ParticipantStatelessMessage{
		MessageIdentity: wire.MessageIdentity{GUIDPrefix: h.LocalPrefix, Sequence: 0},
		MessageClassID:  "WaitHandshake",
	}
	if h.sender != nil {
		h.sender.SendToken(h.PeerPrefix, msg)
	}
}

func (h *Handshake) resendLast() {
	if h.LastTx == nil || h.sender == nil {
		return
	}
	msg := wire.ParticipantStatelessMessage{
		MessageIdentity:        wire.MessageIdentity{GUIDPrefix: h.LocalPrefix, Sequence: h.LastTxSeq},
		RelatedMessageIdentity: wire.MessageIdentity{GUIDPrefix: h.PeerPrefix, Sequence: h.TxnSeq},
		MessageClassID:         h.LastTx.ClassID,
		MessageData:            []wire.DataHolder{*h.LastTx},
	}
	h.sender.SendToken(h.PeerPrefix, msg)
}

// runREQ is the exported-path entry for callers outside the lock.
func (h *Handshake) runREQ() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runREQLocked()
}

func (h *Handshake) runREQLocked() {
	req, err := h.Plugin.CreateReq(h.Session)
	if err != nil {
		h.fail()
		return
	}
	h.TxnSeq++
	h.LastTxSeq = h.TxnSeq
	h.LastTx = req
	h.State = StateWMSG
	h.BackoffExp = 0
	msg := wire.ParticipantStatelessMessage{
		MessageIdentity: wire.MessageIdentity{GUIDPrefix: h.LocalPrefix, Sequence: h.TxnSeq},
		MessageClassID:  req.ClassID,
		MessageData:     []wire.DataHolder{*req},
	}
	if h.sender != nil {
		h.sender.SendToken(h.PeerPrefix, msg)
	}
	h.armTimeout(HandshakeRequestRetry)
}

func (h *Handshake) runReplyLocked(req *wire.DataHolder) {
	reply, err := h.Plugin.CreateReply(h.Session, req)
	if err != nil {
		h.fail()
		return
	}
	h.LastTx = reply
	h.State = StateWMSG
	h.BackoffExp = 0
	msg := wire.ParticipantStatelessMessage{
		MessageIdentity:        wire.MessageIdentity{GUIDPrefix: h.LocalPrefix, Sequence: h.LastTxSeq},
		RelatedMessageIdentity: wire.MessageIdentity{GUIDPrefix: h.PeerPrefix, Sequence: h.TxnSeq},
		MessageClassID:         reply.ClassID,
		MessageData:            []wire.DataHolder{*reply},
	}
	if h.sender != nil {
		h.sender.SendToken(h.PeerPrefix, msg)
	}
	h.armTimeout(ReplyRetry)
}

// OnTokenRx implements the "On matching TokenRx" column of spec §4.4's
// table, including the sequence-number discipline: duplicates (seq <=
// last_seqnr) are dropped, and a replier only restarts a transaction for a
// strictly greater related-sequence (spec §4.4, invariant 5's idempotence).
func (h *Handshake) OnTokenRx(msg wire.ParticipantStatelessMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ddserr.New("psmp.OnTokenRx", ddserr.PreconditionNotMet)
	}
	if msg.MessageIdentity.Sequence <= h.LastRxSeq && h.LastRxSeq != 0 {
		return nil // duplicate/replay, dropped silently
	}
	if len(msg.MessageData) == 0 {
		return ddserr.New("psmp.OnTokenRx", ddserr.BadParameter)
	}
	tok := msg.MessageData[0]

	switch h.State {
	case StateWREQ:
		if tok.ClassID != "HandshakeRequestMessageToken" {
			return nil
		}
		h.LastRxSeq = msg.MessageIdentity.Sequence
		h.TxnSeq = msg.MessageIdentity.Sequence
		h.lastReq = &tok
		h.RetryCount = 0
		h.runReplyLocked(&tok)

	case StateWMSG:
		if h.Initiator {
			if tok.ClassID != "HandshakeReplyMessageToken" {
				return nil
			}
			if msg.RelatedMessageIdentity.Sequence != h.TxnSeq {
				return nil
			}
			h.LastRxSeq = msg.MessageIdentity.Sequence
			final, err := h.Plugin.CreateFinal(h.Session, &tok)
			if err != nil {
				h.fail()
				return err
			}
			h.LastTx = final
			out := wire.ParticipantStatelessMessage{
				MessageIdentity:        wire.MessageIdentity{GUIDPrefix: h.LocalPrefix, Sequence: h.LastTxSeq + 1},
				RelatedMessageIdentity: wire.MessageIdentity{GUIDPrefix: h.PeerPrefix, Sequence: h.TxnSeq},
				MessageClassID:         final.ClassID,
				MessageData:            []wire.DataHolder{*final},
			}
			h.LastTxSeq++
			if h.sender != nil {
				h.sender.SendToken(h.PeerPrefix, out)
			}
			h.State = StateWTO
			h.authorizeAndFinish(h.Rehandshake)
		} else {
			if tok.ClassID != "HandshakeFinalMessageToken" {
				return nil
			}
			if msg.RelatedMessageIdentity.Sequence != h.TxnSeq {
				return nil
			}
			h.LastRxSeq = msg.MessageIdentity.Sequence
			if err := h.Plugin.CheckFinal(h.Session, &tok); err != nil {
				h.fail()
				return err
			}
			h.State = StateWTO
			h.authorizeAndFinish(h.Rehandshake)
		}

	case StateWTO:
		if tok.ClassID == "HandshakeFinalMessageToken" && !h.Initiator {
			h.resendLast()
		}

	default:
		// token arriving in a state that doesn't expect one: ignored.
	}
	return nil
}

func (h *Handshake) authorizeAndFinish(rehandshake bool) {
	kxKey, kxMacKey, err := h.Plugin.GetKx(h.Session)
	if err != nil {
		h.fail()
		return
	}
	if h.authz != nil {
		var cred []byte
		var permTok *wire.DataHolder
		if h.Session != nil {
			if h.Session.PeerIdentity != nil {
				cred = h.Session.PeerIdentity.PermissionsCredential
			}
			permTok = h.Session.PeerPermToken
		}
		if err := h.authz.CheckPeerParticipant(h.PeerPrefix, cred, permTok, nil); err != nil {
			h.fail()
			return
		}
		if rehandshake {
			h.authz.ReevaluateMatches(h.PeerPrefix)
		} else if err := h.authz.EnableRemoteParticipant(h.PeerPrefix, kxKey, kxMacKey); err != nil {
			h.fail()
			return
		}
	}
	h.armTimeout(CleanupTimeout)
}
