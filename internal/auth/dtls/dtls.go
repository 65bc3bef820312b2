// Package dtls implements the DTLS authentication plugin family of spec
// §4.3/§9: identity is established by the transport's own DTLS handshake,
// so this plugin never drives the PSMP message exchange — ValidateRemote
// always returns StateOK, and the message-constructor methods are
// Unsupported (DESIGN.md documents this as a deliberate sentinel rather
// than a handle-zero special case).
package dtls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/token"
	"github.com/qeodomain/ddscored/internal/wire"
)

// ClassID is the identity token class id for this plugin.
const ClassID = "DDS:Auth:DTLS:1.0"

// Plugin is the DTLS auth.Plugin implementation. It wraps the peer
// certificate chain verified by the transport's tls.Config, rather than
// running its own challenge/response exchange.
type Plugin struct {
	localCert *tls.Certificate
}

// New creates a DTLS plugin bound to the local certificate the DTLS
// transport presents during its own handshake.
func New(localCert *tls.Certificate) *Plugin {
	return &Plugin{localCert: localCert}
}

func (p *Plugin) Name() string               { return "dtls" }
func (p *Plugin) Capability() auth.Capability { return auth.CapDTLS }
func (p *Plugin) ClassIDPrefix() string       { return "DDS:Auth:DTLS:" }

// CheckLocal follows the same GUID-collision defense as the other
// plugins, rewriting key[0:6] from the certificate subject's hash.
func (p *Plugin) CheckLocal(identity *token.IdentityData, key []byte) ([]byte, error) {
	if len(key) < 6 || p.localCert == nil || len(p.localCert.Certificate) == 0 {
		return nil, ddserr.New("dtls.CheckLocal", ddserr.BadParameter)
	}
	cert, err := x509.ParseCertificate(p.localCert.Certificate[0])
	if err != nil {
		return nil, ddserr.Wrap("dtls.CheckLocal", ddserr.BadParameter, err)
	}
	digest := sha256.Sum256([]byte(cert.Subject.String()))
	out := append([]byte(nil), key...)
	copy(out[:6], digest[:6])
	out[0] |= 0x01
	return out, nil
}

func (p *Plugin) GetIDToken(identity *token.IdentityData) (*wire.DataHolder, error) {
	if len(identity.IdentityCredential) == 0 {
		return nil, ddserr.New("dtls.GetIDToken", ddserr.BadParameter)
	}
	digest := sha256.Sum256(identity.IdentityCredential)
	return &wire.DataHolder{ClassID: ClassID, BinaryValue1: digest[:]}, nil
}

// ValidateRemote trusts the transport: by the time a secure DTLS
// connection exists, the peer's certificate chain has already been
// verified by the handshake, so no further PSMP exchange is required.
func (p *Plugin) ValidateRemote(localGUIDPrefix, remoteGUIDPrefix [12]byte, peerIDToken, peerPermToken *wire.DataHolder) (auth.AuthState, error) {
	if peerIDToken == nil {
		return auth.StateFailed, ddserr.New("dtls.ValidateRemote", ddserr.BadParameter)
	}
	return auth.StateOK, nil
}

func (p *Plugin) CreateReq(sess *auth.Session) (*wire.DataHolder, error) {
	return nil, ddserr.New("dtls.CreateReq", ddserr.Unsupported)
}

func (p *Plugin) CreateReply(sess *auth.Session, req *wire.DataHolder) (*wire.DataHolder, error) {
	return nil, ddserr.New("dtls.CreateReply", ddserr.Unsupported)
}

func (p *Plugin) CreateFinal(sess *auth.Session, reply *wire.DataHolder) (*wire.DataHolder, error) {
	return nil, ddserr.New("dtls.CreateFinal", ddserr.Unsupported)
}

func (p *Plugin) CheckFinal(sess *auth.Session, final *wire.DataHolder) error {
	return ddserr.New("dtls.CheckFinal", ddserr.Unsupported)
}

func (p *Plugin) Process(sess *auth.Session) error {
	return ddserr.New("dtls.Process", ddserr.Unsupported)
}

// GetKx derives no KxKeys: it returns zero keys and Unsupported.
func (p *Plugin) GetKx(sess *auth.Session) (kxKey, kxMacKey [32]byte, err error) {
	return kxKey, kxMacKey, ddserr.New("dtls.GetKx", ddserr.Unsupported)
}

func (p *Plugin) ReleaseSecret(sess *auth.Session) {}
