// Package pkirsa implements the PKI-RSA authentication plugin of spec
// §4.3: X.509-PEM-SHA256 identity, three-message RSA-signed-nonce
// handshake.
package pkirsa

import (
	"bytes"
	"crypto/rsa"
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
	"github.com/qeodomain/ddscored/internal/xcrypto"
)

// ClassID is the identity token class id for this plugin (spec §4.3).
const ClassID = "DDS:Auth:PKI-RSA:1.0"

// NonceLen is the fixed nonce length, including the literal "CHALLENGE:"
// prefix in the first ten bytes (spec §6).
const NonceLen = 128

const challengePrefix = "CHALLENGE:"

type keyPair struct {
	pub  *rsa.PublicKey
	priv *rsa.PrivateKey
}

// Plugin is the PKI-RSA auth.Plugin implementation. It is also an
// xcrypto.KeyLocator for its own registered identities.
type Plugin struct {
	xc *xcrypto.Service

	mu   sync.Mutex
	keys map[handle.Handle]*keyPair
}

// New creates a PKI-RSA plugin; the returned plugin owns its own
// xcrypto.Service (constructed with the plugin itself as key locator).
func New() *Plugin {
	p := &Plugin{keys: make(map[handle.Handle]*keyPair)}
	p.xc = xcrypto.New(p)
	return p
}

func (p *Plugin) PublicKey(id handle.Handle) (*rsa.PublicKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.keys[id]
	if !ok {
		return nil, false
	}
	return kp.pub, true
}

func (p *Plugin) PrivateKey(id handle.Handle) (*rsa.PrivateKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kp, ok := p.keys[id]
	if !ok || kp.priv == nil {
		return nil, false
	}
	return kp.priv, true
}

// RegisterLocalKey binds id (the local identity's handle) to a private
// key, enabling SignSHA256/DecryptPrivate for it.
func (p *Plugin) RegisterLocalKey(id handle.Handle, priv *rsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = &keyPair{pub: &priv.PublicKey, priv: priv}
}

// RegisterRemoteKey binds id (a remote peer identity's handle) to the
// public key extracted from its identity credential, enabling
// VerifySHA256/EncryptPublic for it.
func (p *Plugin) RegisterRemoteKey(id handle.Handle, pub *rsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = &keyPair{pub: pub}
}

func (p *Plugin) Name() string               { return "pkirsa" }
func (p *Plugin) Capability() auth.Capability { return auth.CapPKIRSA }
func (p *Plugin) ClassIDPrefix() string       { return "DDS:Auth:PKI-RSA:" }

// CheckLocal rewrites the participant key's first six bytes to derive
// deterministically from the subject name hash, with the first bit
// forced to 1, defending against GUID-prefix collisions between secure
// participants (spec §4.3).
func (p *Plugin) CheckLocal(identity *token.IdentityData, key []byte) ([]byte, error) {
	if len(key) < 6 {
		return nil, ddserr.New("pkirsa.CheckLocal", ddserr.BadParameter)
	}
	cert, err := parseCertificate(identity.IdentityCredential)
	if err != nil {
		return nil, ddserr.Wrap("pkirsa.CheckLocal", ddserr.BadParameter, err)
	}
	digest := sha256.Sum256([]byte(cert.Subject.String()))
	out := append([]byte(nil), key...)
	copy(out[:6], digest[:6])
	out[0] |= 0x01
	return out, nil
}

func (p *Plugin) GetIDToken(identity *token.IdentityData) (*wire.DataHolder, error) {
	if len(identity.IdentityCredential) == 0 {
		return nil, ddserr.New("pkirsa.GetIDToken", ddserr.BadParameter)
	}
	digest := sha256.Sum256(identity.IdentityCredential)
	return &wire.DataHolder{
		ClassID: ClassID,
		StringProps: []wire.StringProperty{
			{Name: "c.id", Value: certSubjectOrEmpty(identity.IdentityCredential)},
		},
		BinaryValue1: digest[:],
	}, nil
}

func certSubjectOrEmpty(pemBytes []byte) string {
	cert, err := parseCertificate(pemBytes)
	if err != nil {
		return ""
	}
	return cert.Subject.String()
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, fmt.Errorf("identity credential is not valid PEM")
	}
	return x509.ParseCertificate(blk.Bytes)
}

// ValidateRemote implements spec §4.6's prevalidation: the participant
// with the lexicographically greater GUID prefix initiates the handshake
// (this is the rule that makes scenario S1 deterministic: B, with prefix
// AA:BB:...:0C, initiates against A's 11:22:...:0C).
func (p *Plugin) ValidateRemote(localGUIDPrefix, remoteGUIDPrefix [12]byte, peerIDToken, peerPermToken *wire.DataHolder) (auth.AuthState, error) {
	if peerIDToken == nil {
		return auth.StateFailed, ddserr.New("pkirsa.ValidateRemote", ddserr.BadParameter)
	}
	if bytes.Compare(localGUIDPrefix[:], remoteGUIDPrefix[:]) > 0 {
		return auth.StatePendingHandshakeReq, nil
	}
	return auth.StatePendingChallengeMsg, nil
}

func verifyCredentialAgainstToken(credential []byte, idToken *wire.DataHolder) error {
	digest := sha256.Sum256(credential)
	if idToken == nil || !bytes.Equal(digest[:], idToken.BinaryValue1) {
		return ddserr.New("pkirsa.verifyCredential", ddserr.NotAllowedBySecurity)
	}
	return nil
}

func newNonce(fill byte, random bool, xc *xcrypto.Service) ([]byte, error) {
	n := make([]byte, NonceLen)
	copy(n, challengePrefix)
	if random {
		r, err := xc.Random(NonceLen - len(challengePrefix))
		if err != nil {
			return nil, err
		}
		copy(n[len(challengePrefix):], r)
		return n, nil
	}
	for i := len(challengePrefix); i < NonceLen; i++ {
		n[i] = fill
	}
	return n, nil
}

// CreateReq builds the Request message: identity-credential property,
// random nonce Na, local policy version (spec §4.3 table).
func (p *Plugin) CreateReq(sess *auth.Session) (*wire.DataHolder, error) {
	nonce, err := newNonce(0, true, p.xc)
	if err != nil {
		return nil, err
	}
	sess.LocalNonce = nonce
	return &wire.DataHolder{
		ClassID: "HandshakeRequestMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "c.id", Value: sess.LocalIdentity.IdentityCredential},
			{Name: "challenge", Value: nonce},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}, nil
}

// CreateReply builds the Reply message: identity-credential property,
// optionally the policy file, nonce Nb, RSA-signed SHA256(Na), local
// policy version (spec §4.3 table).
func (p *Plugin) CreateReply(sess *auth.Session, req *wire.DataHolder) (*wire.DataHolder, error) {
	cred, ok := req.BinaryProp("c.id")
	if !ok {
		return nil, ddserr.New("pkirsa.CreateReply", ddserr.BadParameter)
	}
	if err := verifyCredentialAgainstToken(cred, sess.PeerIDToken); err != nil {
		return nil, err
	}
	na, ok := req.BinaryProp("challenge")
	if !ok {
		return nil, ddserr.New("pkirsa.CreateReply", ddserr.BadParameter)
	}
	sess.PeerNonce = na
	if len(req.LongLongs) > 0 {
		sess.PeerPolicyVer = req.LongLongs[0]
	}

	nb, err := newNonce(0, true, p.xc)
	if err != nil {
		return nil, err
	}
	sess.LocalNonce = nb

	sig, err := p.xc.SignSHA256(sess.LocalIdentity.Handle, na)
	if err != nil {
		return nil, ddserr.Wrap("pkirsa.CreateReply", ddserr.BadParameter, err)
	}

	reply := &wire.DataHolder{
		ClassID: "HandshakeReplyMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "c.id", Value: sess.LocalIdentity.IdentityCredential},
			{Name: "challenge", Value: nb},
			{Name: "signature", Value: sig},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}
	return reply, nil
}

// CreateFinal builds the Final message: RSA-encrypted 32-byte shared
// secret, RSA-signed SHA256(Nb‖encrypted_secret), local policy version
// (spec §4.3 table). On the initiator side CreateFinal first validates the
// Reply itself: it checks the replier's credential against its identity
// token, verifies the Reply's signature over Na, and stores Nb in
// sess.PeerNonce; only then does it produce Final.
func (p *Plugin) CreateFinal(sess *auth.Session, reply *wire.DataHolder) (*wire.DataHolder, error) {
	cred, ok := reply.BinaryProp("c.id")
	if !ok {
		return nil, ddserr.New("pkirsa.CreateFinal", ddserr.BadParameter)
	}
	if err := verifyCredentialAgainstToken(cred, sess.PeerIDToken); err != nil {
		return nil, err
	}
	nb, ok := reply.BinaryProp("challenge")
	if !ok {
		return nil, ddserr.New("pkirsa.CreateFinal", ddserr.BadParameter)
	}
	sig, ok := reply.BinaryProp("signature")
	if !ok {
		return nil, ddserr.New("pkirsa.CreateFinal", ddserr.BadParameter)
	}
	if err := p.xc.VerifySHA256(sess.PeerIdentity.Handle, sess.LocalNonce, sig); err != nil {
		return nil, err
	}
	sess.PeerNonce = nb
	if len(reply.LongLongs) > 0 {
		sess.PeerPolicyVer = reply.LongLongs[0]
	}

	secret, err := p.xc.Random(32)
	if err != nil {
		return nil, err
	}
	sess.SharedSecret = secret

	encSecret, err := p.xc.EncryptPublic(sess.PeerIdentity.Handle, secret)
	if err != nil {
		return nil, err
	}
	sigMsg := append(append([]byte(nil), nb...), encSecret...)
	finalSig, err := p.xc.SignSHA256(sess.LocalIdentity.Handle, sigMsg)
	if err != nil {
		return nil, err
	}

	return &wire.DataHolder{
		ClassID: "HandshakeFinalMessageToken",
		BinaryProps: []wire.BinaryProperty{
			{Name: "secret", Value: encSecret},
			{Name: "signature", Value: finalSig},
		},
		LongLongs: []int64{sess.LocalPolicyVer},
	}, nil
}

// CheckFinal validates the Final message on the replier side and
// recovers the shared secret (spec §4.3).
func (p *Plugin) CheckFinal(sess *auth.Session, final *wire.DataHolder) error {
	encSecret, ok := final.BinaryProp("secret")
	if !ok {
		return ddserr.New("pkirsa.CheckFinal", ddserr.BadParameter)
	}
	sig, ok := final.BinaryProp("signature")
	if !ok {
		return ddserr.New("pkirsa.CheckFinal", ddserr.BadParameter)
	}
	sigMsg := append(append([]byte(nil), sess.LocalNonce...), encSecret...)
	if err := p.xc.VerifySHA256(sess.PeerIdentity.Handle, sigMsg, sig); err != nil {
		return err
	}
	secret, err := p.xc.DecryptPrivate(sess.LocalIdentity.Handle, encSecret)
	if err != nil {
		return ddserr.Wrap("pkirsa.CheckFinal", ddserr.BadParameter, err)
	}
	sess.SharedSecret = secret
	if len(final.LongLongs) > 0 {
		sess.PeerPolicyVer = final.LongLongs[0]
	}
	return nil
}

// Process is unused by PKI-RSA: it never parks in state R_HS because its
// only multi-step validation is identity prevalidation (R_VRI), not
// message processing.
func (p *Plugin) Process(sess *auth.Session) error { return nil }

// GetKx extracts the two 32-byte KxKeys from the handshake shared secret
// via RFC 5869 HKDF-SHA256 (spec §4.5's KxKey pair): unlike the
// wire-pinned session-key derivation in internal/xcrypto, the KxKeys
// never appear on the wire themselves, so the standard extract/expand
// construction applies directly rather than the spec's bespoke labeled
// HMAC scheme.
func (p *Plugin) GetKx(sess *auth.Session) (kxKey, kxMacKey [32]byte, err error) {
	if len(sess.SharedSecret) != 32 {
		return kxKey, kxMacKey, ddserr.New("pkirsa.GetKx", ddserr.PreconditionNotMet)
	}
	out := make([]byte, 64)
	r := hkdf.New(sha256.New, sess.SharedSecret, nil, []byte("DDS:Auth:PKI-RSA:Kx"))
	if _, err := io.ReadFull(r, out); err != nil {
		return kxKey, kxMacKey, ddserr.Wrap("pkirsa.GetKx", ddserr.BadParameter, err)
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
