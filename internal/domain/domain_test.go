package domain

import (
	"sync"
	"testing"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/match"
	"github.com/qeodomain/ddscored/internal/rtps"
	"github.com/qeodomain/ddscored/internal/sedp"
	"github.com/qeodomain/ddscored/internal/spdp"
	"github.com/qeodomain/ddscored/internal/token"
	"github.com/qeodomain/ddscored/internal/wire"
)

// fakePlugin is a minimal auth.Plugin that always authenticates
// immediately (no PSMP handshake), used to exercise the StateOK path
// of OnAuthResult and the resulting CTT channel setup.
type fakePlugin struct {
	kxKey, kxMacKey [32]byte
}

func (fakePlugin) Name() string                    { return "fake" }
func (fakePlugin) Capability() auth.Capability      { return auth.CapDTLS }
func (fakePlugin) ClassIDPrefix() string            { return "DDS:Auth:Fake:" }
func (fakePlugin) CheckLocal(*token.IdentityData, []byte) ([]byte, error) { return nil, nil }
func (fakePlugin) GetIDToken(*token.IdentityData) (*wire.DataHolder, error) {
	return &wire.DataHolder{ClassID: "DDS:Auth:Fake:1.0"}, nil
}
func (fakePlugin) ValidateRemote([12]byte, [12]byte, *wire.DataHolder, *wire.DataHolder) (auth.AuthState, error) {
	return auth.StateOK, nil
}
func (fakePlugin) CreateReq(*auth.Session) (*wire.DataHolder, error)             { return nil, nil }
func (fakePlugin) CreateReply(*auth.Session, *wire.DataHolder) (*wire.DataHolder, error) {
	return nil, nil
}
func (fakePlugin) CreateFinal(*auth.Session, *wire.DataHolder) (*wire.DataHolder, error) {
	return nil, nil
}
func (fakePlugin) CheckFinal(*auth.Session, *wire.DataHolder) error { return nil }
func (fakePlugin) Process(*auth.Session) error                     { return nil }
func (p fakePlugin) GetKx(*auth.Session) ([32]byte, [32]byte, error) {
	return p.kxKey, p.kxMacKey, nil
}
func (fakePlugin) ReleaseSecret(*auth.Session) {}

type fakeListener struct {
	matched   int
	revoked   int
}

func (f *fakeListener) OnPublicationMatched([16]byte, [16]byte, int)   { f.matched++ }
func (f *fakeListener) OnSubscriptionMatched([16]byte, [16]byte, int)  { f.matched++ }
func (f *fakeListener) OnOfferedIncompatibleQos([16]byte, match.QosPolicyID)   {}
func (f *fakeListener) OnRequestedIncompatibleQos([16]byte, match.QosPolicyID) {}
func (f *fakeListener) OnInconsistentTopic(string)                            {}
func (f *fakeListener) OnIdentityRevoked([12]byte)                            { f.revoked++ }

func testGUID(b byte) [16]byte {
	var g [16]byte
	for i := range g {
		g[i] = b
	}
	return g
}

func TestCreateWriterMatchesAlreadyDiscoveredReader(t *testing.T) {
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}})

	readerGUID := testGUID(0x02)
	if err := d.OnReaderSample(sedp.DiscoveredEndpoint{
		Endpoint: match.Endpoint{GUID: readerGUID, Topic: "t1"},
	}); err != nil {
		t.Fatalf("OnReaderSample: %v", err)
	}

	writerGUID := testGUID(0x01)
	if err := d.CreateWriter(match.Endpoint{GUID: writerGUID, Topic: "t1"}, false); err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}

	m := d.matcherFor("t1")
	if !m.IsMatched(writerGUID, readerGUID) {
		t.Fatal("expected writer/reader to be matched against the pre-existing discovered reader")
	}
}

func TestCreateReaderMatchesAlreadyDiscoveredWriter(t *testing.T) {
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}})

	writerGUID := testGUID(0x03)
	if err := d.OnWriterSample(sedp.DiscoveredEndpoint{
		Endpoint: match.Endpoint{GUID: writerGUID, Topic: "t2"},
	}); err != nil {
		t.Fatalf("OnWriterSample: %v", err)
	}

	readerGUID := testGUID(0x04)
	if err := d.CreateReader(match.Endpoint{GUID: readerGUID, Topic: "t2"}, false); err != nil {
		t.Fatalf("CreateReader: %v", err)
	}

	m := d.matcherFor("t2")
	if !m.IsMatched(writerGUID, readerGUID) {
		t.Fatal("expected reader/writer to be matched against the pre-existing discovered writer")
	}
}

func TestOnAuthResultStateOKEnablesParticipantAndSendsTokens(t *testing.T) {
	listener := &fakeListener{}
	var kxKey, kxMacKey [32]byte
	kxKey[0], kxMacKey[0] = 0xAA, 0xBB
	plugin := fakePlugin{kxKey: kxKey, kxMacKey: kxMacKey}

	d := New(Config{
		DomainID:    1,
		LocalPrefix: [12]byte{1},
		Capabilities: auth.CapDTLS,
		AuthPlugins: []auth.Plugin{plugin},
		RTPS:        rtps.NoopLayer{},
		Listener:    listener,
	})

	peerPrefix := [12]byte{2}
	d.OnAuthResult(peerPrefix, auth.StateOK, spdp.ParticipantData{GUIDPrefix: peerPrefix})

	p := d.getOrCreatePeer(peerPrefix)
	p.mu.Lock()
	enabled := p.enabled
	crypto := p.crypto
	p.mu.Unlock()
	if !enabled || crypto == nil {
		t.Fatal("expected peer to be enabled with crypto state installed")
	}

	writerGUID := testGUID(0x10)
	copy(writerGUID[:12], peerPrefix[:])
	if err := d.RegisterPeerAndSendTokens(writerGUID, writerGUID); err != nil {
		t.Fatalf("RegisterPeerAndSendTokens: %v", err)
	}
}

func TestRegisterPeerAndSendTokensFailsWithoutEnabledPeer(t *testing.T) {
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}})
	err := d.RegisterPeerAndSendTokens(testGUID(0x20), testGUID(0x21))
	if err == nil {
		t.Fatal("expected an error when the peer has no established crypto state")
	}
}

func TestOnDeleteNotifiesListenerOfRevocation(t *testing.T) {
	listener := &fakeListener{}
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}, Listener: listener})

	peerPrefix := [12]byte{9}
	d.getOrCreatePeer(peerPrefix)
	d.OnDelete(peerPrefix)
	d.notifyQ.Wait()

	if listener.revoked != 1 {
		t.Fatalf("expected exactly one revocation notification, got %d", listener.revoked)
	}
	d.mu.Lock()
	_, stillTracked := d.peers[peerPrefix]
	d.mu.Unlock()
	if stillTracked {
		t.Fatal("expected peer to be removed from the domain's tracking map")
	}
}

func TestEnsureIdentityDedupesConcurrentCallsForSamePeer(t *testing.T) {
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}})
	peerPrefix := [12]byte{7}

	const n = 20
	handles := make(chan uint32, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id, err := d.ensureIdentity(peerPrefix, nil)
			if err != nil {
				t.Errorf("ensureIdentity: %v", err)
				return
			}
			handles <- uint32(id.Handle)
		}()
	}
	wg.Wait()
	close(handles)

	var first uint32
	for h := range handles {
		if first == 0 {
			first = h
		} else if h != first {
			t.Fatalf("expected every concurrent ensureIdentity call to observe the same handle, got %d and %d", first, h)
		}
	}
}

func TestOnDeleteReleasesIdentityAndPermissionsHandles(t *testing.T) {
	d := New(Config{DomainID: 1, RTPS: rtps.NoopLayer{}})
	peerPrefix := [12]byte{8}

	identity, err := d.ensureIdentity(peerPrefix, nil)
	if err != nil {
		t.Fatalf("ensureIdentity: %v", err)
	}
	if _, err := d.ensurePermissions(peerPrefix, identity.Handle, nil); err != nil {
		t.Fatalf("ensurePermissions: %v", err)
	}

	d.OnDelete(peerPrefix)
	d.notifyQ.Wait()

	if got := d.identities.Get(identity.Handle); got != nil {
		t.Fatal("expected identity handle to be released on participant departure")
	}
}

// recordingRTPS wraps rtps.NoopLayer and records every endpoint rebind,
// used to verify OnUpdate's fan-out to a peer's discovered endpoints.
type recordingRTPS struct {
	rtps.NoopLayer
	locatorUpdates []locatorUpdate
	localityUpdates map[[16]byte]bool
}

type locatorUpdate struct {
	ep        [16]byte
	locators  []rtps.Locator
	multicast bool
}

func (r *recordingRTPS) EndpointLocatorsUpdate(ep [16]byte, locators []rtps.Locator, multicast bool) error {
	r.locatorUpdates = append(r.locatorUpdates, locatorUpdate{ep: ep, locators: locators, multicast: multicast})
	return nil
}

func (r *recordingRTPS) EndpointLocalityUpdate(ep [16]byte, local bool) error {
	if r.localityUpdates == nil {
		r.localityUpdates = make(map[[16]byte]bool)
	}
	r.localityUpdates[ep] = local
	return nil
}

func TestOnUpdateRebindsEveryDiscoveredEndpointOfThePeer(t *testing.T) {
	rec := &recordingRTPS{}
	d := New(Config{DomainID: 1, RTPS: rec})

	peerPrefix := [12]byte{5}
	writerGUID := testGUID(0x30)
	copy(writerGUID[:12], peerPrefix[:])
	readerGUID := testGUID(0x31)
	copy(readerGUID[:12], peerPrefix[:])

	if err := d.OnWriterSample(sedp.DiscoveredEndpoint{Endpoint: match.Endpoint{GUID: writerGUID, Topic: "t9"}}); err != nil {
		t.Fatalf("OnWriterSample: %v", err)
	}
	if err := d.OnReaderSample(sedp.DiscoveredEndpoint{Endpoint: match.Endpoint{GUID: readerGUID, Topic: "t9"}}); err != nil {
		t.Fatalf("OnReaderSample: %v", err)
	}

	d.OnUpdate(peerPrefix, spdp.ParticipantData{
		GUIDPrefix: peerPrefix,
		Locators:   map[string][]spdp.Locator{"udp4": {{Addr: "10.0.0.5:7412"}}},
		Local:      true,
	})

	if len(rec.locatorUpdates) != 2 {
		t.Fatalf("expected a locator rebind for both of the peer's endpoints, got %d", len(rec.locatorUpdates))
	}
	if !rec.localityUpdates[writerGUID] || !rec.localityUpdates[readerGUID] {
		t.Fatal("expected a locality update for both of the peer's endpoints")
	}
}
