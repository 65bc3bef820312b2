package psmp

import (
	"sync"
	"testing"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/token"
	"github.com/qeodomain/ddscored/internal/wire"
)

// fakePlugin is a no-crypto auth.Plugin test double that just echoes
// nonces through DataHolder binary props, enough to drive the FSM.
type fakePlugin struct{}

func (fakePlugin) Name() string               { return "fake" }
func (fakePlugin) Capability() auth.Capability { return auth.CapPKIRSA }
func (fakePlugin) ClassIDPrefix() string       { return "fake:" }

func (fakePlugin) CheckLocal(*token.IdentityData, []byte) ([]byte, error) { return nil, nil }

func (fakePlugin) GetIDToken(*token.IdentityData) (*wire.DataHolder, error) { return nil, nil }

func (fakePlugin) ValidateRemote(a, b [12]byte, x, y *wire.DataHolder) (auth.AuthState, error) {
	return auth.StateOK, nil
}

func (fakePlugin) CreateReq(sess *auth.Session) (*wire.DataHolder, error) {
	return &wire.DataHolder{ClassID: "HandshakeRequestMessageToken", BinaryValue1: []byte("Na")}, nil
}

func (fakePlugin) CreateReply(sess *auth.Session, req *wire.DataHolder) (*wire.DataHolder, error) {
	return &wire.DataHolder{ClassID: "HandshakeReplyMessageToken", BinaryValue1: []byte("Nb")}, nil
}

func (fakePlugin) CreateFinal(sess *auth.Session, reply *wire.DataHolder) (*wire.DataHolder, error) {
	sess.SharedSecret = make([]byte, 32)
	return &wire.DataHolder{ClassID: "HandshakeFinalMessageToken"}, nil
}

func (fakePlugin) CheckFinal(sess *auth.Session, final *wire.DataHolder) error {
	sess.SharedSecret = make([]byte, 32)
	return nil
}

func (fakePlugin) Process(sess *auth.Session) error { return nil }

func (fakePlugin) GetKx(sess *auth.Session) (kxKey, kxMacKey [32]byte, err error) {
	return kxKey, kxMacKey, nil
}

func (fakePlugin) ReleaseSecret(sess *auth.Session) {}

type recordingSender struct {
	mu   sync.Mutex
	sent []wire.ParticipantStatelessMessage
}

func (s *recordingSender) SendToken(peer [12]byte, msg wire.ParticipantStatelessMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

type allowAuthorizer struct {
	enabled int
}

func (a *allowAuthorizer) CheckPeerParticipant([12]byte, []byte, *wire.DataHolder, []byte) error {
	return nil
}
func (a *allowAuthorizer) EnableRemoteParticipant([12]byte, [32]byte, [32]byte) error {
	a.enabled++
	return nil
}
func (a *allowAuthorizer) ReevaluateMatches([12]byte) error { return nil }

func TestInitiatorReplierFullHandshake(t *testing.T) {
	sender := &recordingSender{}
	authzA := &allowAuthorizer{}
	authzB := &allowAuthorizer{}
	mgrA := NewManager(sender, authzA)
	mgrB := NewManager(sender, authzB)

	var localA, localB [12]byte
	localA[0] = 0xAA
	localB[0] = 0x11

	plugin := fakePlugin{}
	sessA := &auth.Session{Initiator: true}
	sessB := &auth.Session{Initiator: false}

	hb, err := mgrB.StartReplier(localB, localA, plugin, sessB, false)
	if err != nil {
		t.Fatal(err)
	}
	if hb.State != StateWREQ {
		t.Fatalf("expected replier to start in W_REQ, got %v", hb.State)
	}

	ha, err := mgrA.StartInitiator(localA, localB, plugin, sessA, false)
	if err != nil {
		t.Fatal(err)
	}
	if ha.State != StateWMSG {
		t.Fatalf("expected initiator to move to W_MSG after sending Request, got %v", ha.State)
	}

	req := ha.LastTx
	if err := hb.OnTokenRx(wire.ParticipantStatelessMessage{
		MessageIdentity: wire.MessageIdentity{GUIDPrefix: localA, Sequence: 1},
		MessageClassID:  req.ClassID,
		MessageData:     []wire.DataHolder{*req},
	}); err != nil {
		t.Fatal(err)
	}
	if hb.State != StateWMSG {
		t.Fatalf("expected replier to move to W_MSG after Request, got %v", hb.State)
	}

	reply := hb.LastTx
	if err := ha.OnTokenRx(wire.ParticipantStatelessMessage{
		MessageIdentity:        wire.MessageIdentity{GUIDPrefix: localB, Sequence: 1},
		RelatedMessageIdentity: wire.MessageIdentity{GUIDPrefix: localA, Sequence: 1},
		MessageClassID:         reply.ClassID,
		MessageData:            []wire.DataHolder{*reply},
	}); err != nil {
		t.Fatal(err)
	}
	if ha.State != StateWTO {
		t.Fatalf("expected initiator to reach W_TO after Reply, got %v", ha.State)
	}
	if authzA.enabled != 1 {
		t.Fatalf("expected EnableRemoteParticipant once on initiator, got %d", authzA.enabled)
	}

	final := ha.LastTx
	if err := hb.OnTokenRx(wire.ParticipantStatelessMessage{
		MessageIdentity:        wire.MessageIdentity{GUIDPrefix: localA, Sequence: 2},
		RelatedMessageIdentity: wire.MessageIdentity{GUIDPrefix: localB, Sequence: 1},
		MessageClassID:         final.ClassID,
		MessageData:            []wire.DataHolder{*final},
	}); err != nil {
		t.Fatal(err)
	}
	if hb.State != StateWTO {
		t.Fatalf("expected replier to reach W_TO after Final, got %v", hb.State)
	}
	if authzB.enabled != 1 {
		t.Fatalf("expected EnableRemoteParticipant once on replier, got %d", authzB.enabled)
	}
}

func TestDuplicateTokenIgnored(t *testing.T) {
	sender := &recordingSender{}
	authz := &allowAuthorizer{}
	mgr := NewManager(sender, authz)
	var localA, localB [12]byte
	localB[0] = 0x11
	plugin := fakePlugin{}
	sess := &auth.Session{}
	hb, err := mgr.StartReplier(localB, localA, plugin, sess, false)
	if err != nil {
		t.Fatal(err)
	}
	req := wire.DataHolder{ClassID: "HandshakeRequestMessageToken"}
	msg := wire.ParticipantStatelessMessage{
		MessageIdentity: wire.MessageIdentity{GUIDPrefix: localA, Sequence: 5},
		MessageClassID:  req.ClassID,
		MessageData:     []wire.DataHolder{req},
	}
	if err := hb.OnTokenRx(msg); err != nil {
		t.Fatal(err)
	}
	stateAfterFirst := hb.State
	lastTx := hb.LastTx
	if err := hb.OnTokenRx(msg); err != nil {
		t.Fatal(err)
	}
	if hb.State != stateAfterFirst || hb.LastTx != lastTx {
		t.Fatal("expected duplicate token to leave state and stored secrets unchanged")
	}
}

func TestRetryBoundsMatchProtocolTable(t *testing.T) {
	if MaxVRIRetries != 3 || MaxReqRetries != 31 || MaxWHSRetries != 8 || MaxRepRetries != 31 || MaxHSRetries != 31 {
		t.Fatalf("unexpected retry bounds: VRI=%d REQ=%d WHS=%d REP=%d HS=%d",
			MaxVRIRetries, MaxReqRetries, MaxWHSRetries, MaxRepRetries, MaxHSRetries)
	}
}
