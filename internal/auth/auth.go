// Package auth implements the authentication plugin bus of spec §4.3: it
// selects one of several plugins based on the local participant's
// capability mask and the class-id prefix of the peer's identity token,
// and dispatches handshake token construction/validation to it.
package auth

import (
	"bytes"

	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/token"
	"github.com/qeodomain/ddscored/internal/wire"
)

// AuthState is the result of identity prevalidation (spec §4.6's
// validate_remote_id dispatch into one of four follow-up actions).
type AuthState int

const (
	// StateOK means the peer may be enabled immediately without PSMP
	// (the DTLS plugin's only supported outcome).
	StateOK AuthState = iota
	// StatePendingHandshakeReq means the local side must initiate PSMP.
	StatePendingHandshakeReq
	// StatePendingChallengeMsg means the local side waits for the peer
	// to initiate PSMP.
	StatePendingChallengeMsg
	// StatePendingRetry means identity validation itself must be retried
	// (spec §4.4 state R_VRI); never surfaced to the application (§7).
	StatePendingRetry
	// StateFailed means the peer is rejected outright.
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateOK:
		return "OK"
	case StatePendingHandshakeReq:
		return "PENDING_HANDSHAKE_REQ"
	case StatePendingChallengeMsg:
		return "PENDING_CHALLENGE_MSG"
	case StatePendingRetry:
		return "PENDING_RETRY"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Capability is the local participant's authentication capability bitmask
// used to select a plugin (spec §4.3, §9 "capabilities are a small
// bitset").
type Capability uint32

const (
	CapPKIRSA Capability = 1 << iota
	CapDSADH
	CapDTLS
)

// Session is the authentication-plugin-opaque blob carried by a PSMP
// Handshake (spec §3): everything a plugin needs to remember between the
// Request/Reply/Final messages of one transaction. It intentionally has
// no dependency on the psmp FSM package to avoid an import cycle.
type Session struct {
	Initiator      bool
	LocalIdentity  *token.IdentityData
	PeerIdentity   *token.IdentityData
	PeerIDToken    *wire.DataHolder
	PeerPermToken  *wire.DataHolder
	LocalNonce     []byte
	PeerNonce      []byte
	SharedSecret   []byte
	LocalPolicyVer int64
	PeerPolicyVer  int64
	KxKey          [32]byte
	KxMacKey       [32]byte

	// Scratch holds plugin-private per-handshake state (e.g. an
	// ephemeral ECDH key for the DSA-DH plugin) that does not belong in
	// the shared Session shape.
	Scratch map[string]any
}

// Plugin is one authentication-plugin family (spec §4.3): PKI-RSA,
// DSA-DH, or DTLS.
type Plugin interface {
	Name() string
	Capability() Capability
	// ClassIDPrefix is the identity-token class-id prefix this plugin
	// claims, e.g. "DDS:Auth:PKI-RSA:".
	ClassIDPrefix() string

	// CheckLocal may rewrite key so its first six bytes derive
	// deterministically from the subject name hash with the first bit
	// forced to 1, defending against GUID-prefix collisions between
	// secure participants (spec §4.3).
	CheckLocal(identity *token.IdentityData, key []byte) ([]byte, error)

	GetIDToken(identity *token.IdentityData) (*wire.DataHolder, error)
	ValidateRemote(localGUIDPrefix, remoteGUIDPrefix [12]byte, peerIDToken, peerPermToken *wire.DataHolder) (AuthState, error)

	CreateReq(sess *Session) (*wire.DataHolder, error)
	CreateReply(sess *Session, req *wire.DataHolder) (*wire.DataHolder, error)
	CreateFinal(sess *Session, reply *wire.DataHolder) (*wire.DataHolder, error)
	CheckFinal(sess *Session, final *wire.DataHolder) error
	// Process reruns whatever step is pending in R_HS (spec §4.4); most
	// plugins never need it and can return nil.
	Process(sess *Session) error

	// GetKx extracts the two 32-byte KxKeys from the handshake shared
	// secret (spec §4.3).
	GetKx(sess *Session) (kxKey, kxMacKey [32]byte, err error)
	ReleaseSecret(sess *Session)
}

// Bus dispatches to the registered plugins.
type Bus struct {
	plugins []Plugin
}

// NewBus creates a Bus with the given plugins, in priority order.
func NewBus(plugins ...Plugin) *Bus {
	return &Bus{plugins: plugins}
}

// Select picks the plugin matching both the local capability mask and
// the peer identity token's class-id prefix (spec §4.3).
func (b *Bus) Select(localCaps Capability, peerIDToken *wire.DataHolder) (Plugin, error) {
	classID := ""
	if peerIDToken != nil {
		classID = peerIDToken.ClassID
	}
	for _, p := range b.plugins {
		if localCaps&p.Capability() == 0 {
			continue
		}
		if classID != "" && !bytes.HasPrefix([]byte(classID), []byte(p.ClassIDPrefix())) {
			continue
		}
		return p, nil
	}
	return nil, ddserr.New("auth.Select", ddserr.Unsupported)
}
