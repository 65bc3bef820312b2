// Package dsadh implements the DSA-DH authentication plugin family named
// in spec §4.3: same three-message shape as PKI-RSA, but with a
// signature and key-exchange algorithm pair of its own. This
// implementation uses ECDSA P-256 for signatures and ECDH P-256 for the
// key exchange (the teacher's own cmd/root.go already distinguishes
// ecdsa.PrivateKey key types by curve, which is the grounding for using
// the standard library's elliptic-curve primitives here rather than
// classic DSA/finite-field DH).
package dsadh

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/handle"
	"github.com/qeodomain/ddscored/internal/token"
	"github.com/qeodomain/ddscored/internal/wire"
)

// ClassID is the identity token class id for this plugin.
const ClassID = "DDS:Auth:DSA-DH:1.0"

const challengePrefix = "CHALLENGE:"
const nonceLen = 128

type signingKeyPair struct {
	pub  *ecdsa.PublicKey
	priv *ecdsa.PrivateKey
}

// Plugin is the DSA-DH auth.Plugin implementation.
type Plugin struct {
	mu   sync.Mutex
	keys map[handle.Handle]*signingKeyPair
}

// New creates a DSA-DH plugin.
func New() *Plugin {
	return &Plugin{keys: make(map[handle.Handle]*signingKeyPair)}
}

// RegisterLocalKey binds id to a local ECDSA signing key.
func (p *Plugin) RegisterLocalKey(id handle.Handle, priv *ecdsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = &signingKeyPair{pub: &priv.PublicKey, priv: priv}
}

// RegisterRemoteKey binds id to a remote peer's ECDSA public key.
func (p *Plugin) RegisterRemoteKey(id handle.Handle, pub *ecdsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = &signingKeyPair{pub: pub}
}

func (p *Plugin) keyFor(id handle.Handle) (*signingKeyPair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.keys[id]
	if !ok {
		return nil, ddserr.New("dsadh", ddserr.BadParameter)
	}
	return kp, nil
}

func (p *Plugin) Name() string               { return "dsadh" }
func (p *Plugin) Capability() auth.Capability { return auth.CapDSADH }
func (p *Plugin) ClassIDPrefix() string       { return "DDS:Auth:DSA-DH:" }

func (p *Plugin) CheckLocal(identity *token.IdentityData, key []byte) ([]byte, error) {
	if len(key) < 6 {
		return nil, ddserr.New("dsadh.CheckLocal", ddserr.BadParameter)
	}
	cert, err := parseCertificate(identity.IdentityCredential)
	if err != nil {
		return nil, ddserr.Wrap("dsadh.CheckLocal", ddserr.BadParameter, err)
	}
	digest := sha256.Sum256([]byte(cert.Subject.String()))
	out := append([]byte(nil), key...)
	copy(out[:6], digest[:6])
	out[0] |= 0x01
	return out, nil
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, fmt.Errorf("identity credential is not valid PEM")
	}
	return x509.ParseCertificate(blk.Bytes)
}

func (p *Plugin) GetIDToken(identity *token.IdentityData) (*wire.DataHolder, error) {
	if len(identity.IdentityCredential) == 0 {
		return nil, ddserr.New("dsadh.GetIDToken", ddserr.BadParameter)
	}
	digest := sha256.Sum256(identity.IdentityCredential)
	return &wire.DataHolder{ClassID: ClassID, BinaryValue1: digest[:]}, nil
}

func (p *Plugin) ValidateRemote(localGUIDPrefix, remoteGUIDPrefix [12]byte, peerIDToken, peerPermToken *wire.DataHolder) (auth.AuthState, error) {
	if peerIDToken == nil {
		return auth.StateFailed, ddserr.New("dsadh.ValidateRemote", ddserr.BadParameter)
	}
	for i := range localGUIDPrefix {
		if localGUIDPrefix[i] != remoteGUIDPrefix[i] {
			if localGUIDPrefix[i] > remoteGUIDPrefix[i] {
				return auth.StatePendingHandshakeReq, nil
			}
			return auth.StatePendingChallengeMsg, nil
		}
	}
	return auth.StatePendingChallengeMsg, nil
}

func newEphemeralECDH() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

func newNonce() ([]byte, error) {
	n := make([]byte, nonceLen)
	copy(n, challengePrefix)
	if _, err := rand.Read(n[len(challengePrefix):]); err != nil {
		return nil, err
	}
	return n, nil
}

func signECDSA(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, priv, digest[:])
}

func verifyECDSA(pub *ecdsa.PublicKey, msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return ddserr.New("dsadh.verify", ddserr.NotAllowedBySecurity)
	}
	return nil
}

// CreateReq builds the Request: identity credential, DH public key,
// random nonce Na, and local policy version.
func (p *Plugin) CreateReq(sess *auth.Session) (*wire.DataHolder, error) {
	eph, err := newEphemeralECDH()
	if err != nil {
		return nil, err
	}
	if sess.Scratch == nil {
		sess.Scratch = make(map[string]any)
	}
	sess.Scratch["ecdh"] = eph
	na, err := newNonce()
	if err != nil {
		return nil, err
	}
	sess.LocalNonce = na
	return &wire.DataHolder{
		ClassID: "HandshakeRequestMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "c.id", Value: sess.LocalIdentity.IdentityCredential},
			{Name: "challenge", Value: na},
			{Name: "dhkey", Value: eph.PublicKey().Bytes()},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}, nil
}

// CreateReply builds the Reply: identity credential, nonce Nb, our DH
// public key, ECDSA signature of Na, local policy version.
func (p *Plugin) CreateReply(sess *auth.Session, req *wire.DataHolder) (*wire.DataHolder, error) {
	na, ok := req.BinaryProp("challenge")
	if !ok {
		return nil, ddserr.New("dsadh.CreateReply", ddserr.BadParameter)
	}
	sess.PeerNonce = na
	peerDH, ok := req.BinaryProp("dhkey")
	if !ok {
		return nil, ddserr.New("dsadh.CreateReply", ddserr.BadParameter)
	}
	if len(req.LongLongs) > 0 {
		sess.PeerPolicyVer = req.LongLongs[0]
	}

	eph, err := newEphemeralECDH()
	if err != nil {
		return nil, err
	}
	if sess.Scratch == nil {
		sess.Scratch = make(map[string]any)
	}
	sess.Scratch["ecdh"] = eph
	sess.Scratch["peerdh"] = peerDH

	nb, err := newNonce()
	if err != nil {
		return nil, err
	}
	sess.LocalNonce = nb

	kp, err := p.keyFor(sess.LocalIdentity.Handle)
	if err != nil {
		return nil, err
	}
	sig, err := signECDSA(kp.priv, na)
	if err != nil {
		return nil, err
	}

	return &wire.DataHolder{
		ClassID: "HandshakeReplyMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "c.id", Value: sess.LocalIdentity.IdentityCredential},
			{Name: "challenge", Value: nb},
			{Name: "dhkey", Value: eph.PublicKey().Bytes()},
			{Name: "signature", Value: sig},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}, nil
}

func deriveShared(sess *auth.Session, peerDHBytes []byte) error {
	eph, _ := sess.Scratch["ecdh"].(*ecdh.PrivateKey)
	if eph == nil {
		return ddserr.New("dsadh.deriveShared", ddserr.PreconditionNotMet)
	}
	peerPub, err := ecdh.P256().NewPublicKey(peerDHBytes)
	if err != nil {
		return ddserr.Wrap("dsadh.deriveShared", ddserr.BadParameter, err)
	}
	shared, err := eph.ECDH(peerPub)
	if err != nil {
		return ddserr.Wrap("dsadh.deriveShared", ddserr.BadParameter, err)
	}
	digest := sha256.Sum256(shared)
	sess.SharedSecret = digest[:]
	return nil
}

// CreateFinal builds the Final message on the initiator side: derives the
// DH shared secret and signs SHA256(Nb ‖ our_dh_pub).
func (p *Plugin) CreateFinal(sess *auth.Session, reply *wire.DataHolder) (*wire.DataHolder, error) {
	nb, ok := reply.BinaryProp("challenge")
	if !ok {
		return nil, ddserr.New("dsadh.CreateFinal", ddserr.BadParameter)
	}
	peerDH, ok := reply.BinaryProp("dhkey")
	if !ok {
		return nil, ddserr.New("dsadh.CreateFinal", ddserr.BadParameter)
	}
	sig, ok := reply.BinaryProp("signature")
	if !ok {
		return nil, ddserr.New("dsadh.CreateFinal", ddserr.BadParameter)
	}
	peerKP, err := p.keyFor(sess.PeerIdentity.Handle)
	if err != nil {
		return nil, err
	}
	if err := verifyECDSA(peerKP.pub, sess.LocalNonce, sig); err != nil {
		return nil, err
	}
	sess.PeerNonce = nb
	if len(reply.LongLongs) > 0 {
		sess.PeerPolicyVer = reply.LongLongs[0]
	}
	if err := deriveShared(sess, peerDH); err != nil {
		return nil, err
	}

	eph := sess.Scratch["ecdh"].(*ecdh.PrivateKey)
	localKP, err := p.keyFor(sess.LocalIdentity.Handle)
	if err != nil {
		return nil, err
	}
	msg := append(append([]byte(nil), nb...), eph.PublicKey().Bytes()...)
	finalSig, err := signECDSA(localKP.priv, msg)
	if err != nil {
		return nil, err
	}

	return &wire.DataHolder{
		ClassID: "HandshakeFinalMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "dhkey", Value: eph.PublicKey().Bytes()},
			{Name: "signature", Value: finalSig},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}, nil
}

// CheckFinal validates the Final message on the replier side and derives
// the shared secret.
func (p *Plugin) CheckFinal(sess *auth.Session, final *wire.DataHolder) error {
	peerDH, ok := final.BinaryProp("dhkey")
	if !ok {
		return ddserr.New("dsadh.CheckFinal", ddserr.BadParameter)
	}
	sig, ok := final.BinaryProp("signature")
	if !ok {
		return ddserr.New("dsadh.CheckFinal", ddserr.BadParameter)
	}
	peerKP, err := p.keyFor(sess.PeerIdentity.Handle)
	if err != nil {
		return err
	}
	msg := append(append([]byte(nil), sess.LocalNonce...), peerDH...)
	if err := verifyECDSA(peerKP.pub, msg, sig); err != nil {
		return err
	}
	if err := deriveShared(sess, peerDH); err != nil {
		return err
	}
	if len(final.LongLongs) > 0 {
		sess.PeerPolicyVer = final.LongLongs[0]
	}
	return nil
}

func (p *Plugin) Process(sess *auth.Session) error { return nil }

// GetKx extracts the two 32-byte KxKeys from the DH shared secret via
// RFC 5869 HKDF-SHA256, the same construction PKI-RSA uses (spec
// §4.5's KxKey pair never appears on the wire itself, so it does not
// need the spec's bespoke labeled-HMAC session-key derivation).
func (p *Plugin) GetKx(sess *auth.Session) (kxKey, kxMacKey [32]byte, err error) {
	if len(sess.SharedSecret) != 32 {
		return kxKey, kxMacKey, ddserr.New("dsadh.GetKx", ddserr.PreconditionNotMet)
	}
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, sess.SharedSecret, nil, []byte("DDS:Auth:DSA-DH:Kx"))
	if _, err := io.ReadFull(r, out); err != nil {
		return kxKey, kxMacKey, ddserr.Wrap("dsadh.GetKx", ddserr.BadParameter, err)
	}
	copy(kxKey[:], out[:32])
	copy(kxMacKey[:], out[32:])
	return kxKey, kxMacKey, nil
}

func (p *Plugin) ReleaseSecret(sess *auth.Session) {
	for i := range sess.SharedSecret {
		sess.SharedSecret[i] = 0
	}
	sess.SharedSecret = nil
}
