// Package spdp implements Participant Discovery (spec §4.6): the builtin
// announcer/detector pair that establishes peer participant records,
// drives authentication-state prevalidation, and maintains each peer's
// liveliness lease.
package spdp

import (
	"bytes"
	"sync"
	"time"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/wire"
)

// LeaseDeltaGrace is added to every peer's advertised lease duration
// (spec §6 defaults).
const LeaseDeltaGrace = 10 * time.Second

// Locator is a transport address in one of the families the announcer
// publishes (unicast/multicast, UDP/TCP); opaque to this package.
type Locator struct {
	Family string
	Addr   string
}

// ParticipantData is one SPDP sample (spec §4.6: "locators, builtins
// bitmap, identity and permission tokens when security is enabled,
// liveness counter").
type ParticipantData struct {
	GUIDPrefix       [12]byte
	Locators         map[string][]Locator // keyed by family
	BuiltinsBitmap   uint32
	IdentityToken    *wire.DataHolder
	PermissionsToken *wire.DataHolder
	LivelinessCount  uint32
	LeaseDuration    time.Duration
	Local            bool // true if this peer connects via a local-only transport
	Relay            bool
}

func locatorsEqual(a, b map[string][]Locator) bool {
	if len(a) != len(b) {
		return false
	}
	for fam, la := range a {
		lb, ok := b[fam]
		if !ok || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if la[i] != lb[i] {
				return false
			}
		}
	}
	return true
}

func tokensEqual(a, b *wire.DataHolder) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ClassID == b.ClassID && bytes.Equal(a.BinaryValue1, b.BinaryValue1)
}

// PeerState is the spdp-owned portion of a discovered participant record.
type PeerState struct {
	mu sync.Mutex

	Data     ParticipantData
	PAlive   bool
	timedOut bool

	validateRemote func(peerGUIDPrefix [12]byte, idToken, permToken *wire.DataHolder) (auth.AuthState, error)
	timer          *time.Timer
}

// Effects is the callback surface SPDP drives into the owning domain
// (spec §4.6's New/Update/Delete actions).
type Effects interface {
	// OnAuthResult is called once prevalidation resolves to a concrete
	// outcome (spec §4.6's four-way dispatch); PENDING_RETRY is handled
	// internally by spdp and never reaches this callback.
	OnAuthResult(peerGUIDPrefix [12]byte, state auth.AuthState, data ParticipantData)
	// OnUpdate fires when an existing peer's locators, locality, relay
	// flag or liveliness refreshes (identity-token changes are instead
	// routed through OnDisconnectAndRediscover).
	OnUpdate(peerGUIDPrefix [12]byte, data ParticipantData)
	// OnDisconnectAndRediscover fires when the identity or permissions
	// token changed: spec §4.6 treats this "as disconnect+new".
	OnDisconnectAndRediscover(peerGUIDPrefix [12]byte, data ParticipantData)
	// OnDelete fires on explicit delete or double lease timeout.
	OnDelete(peerGUIDPrefix [12]byte)
}

// Detector owns the set of discovered peer participants for one domain.
type Detector struct {
	mu      sync.Mutex
	local   [12]byte
	peers   map[[12]byte]*PeerState
	effects Effects

	validateRemote func(peerGUIDPrefix [12]byte, idToken, permToken *wire.DataHolder) (auth.AuthState, error)
}

// NewDetector creates a Detector for local participant localPrefix.
func NewDetector(localPrefix [12]byte, effects Effects, validateRemote func([12]byte, *wire.DataHolder, *wire.DataHolder) (auth.AuthState, error)) *Detector {
	return &Detector{
		local:          localPrefix,
		peers:          make(map[[12]byte]*PeerState),
		effects:        effects,
		validateRemote: validateRemote,
	}
}

// Peer looks up a discovered peer's state.
func (d *Detector) Peer(guidPrefix [12]byte) (*PeerState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[guidPrefix]
	return p, ok
}

// OnSample processes one received ALIVE participant sample (spec §4.6).
func (d *Detector) OnSample(sample ParticipantData) {
	if sample.GUIDPrefix == d.local {
		return
	}
	d.mu.Lock()
	p, exists := d.peers[sample.GUIDPrefix]
	if !exists {
		p = &PeerState{validateRemote: d.validateRemote}
		d.peers[sample.GUIDPrefix] = p
	}
	d.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if !exists {
		p.Data = sample
		p.PAlive = true
		p.armLease(sample.GUIDPrefix, d)
		state, err := p.validateRemote(sample.GUIDPrefix, sample.IdentityToken, sample.PermissionsToken)
		if err != nil {
			state = auth.StateFailed
		}
		d.effects.OnAuthResult(sample.GUIDPrefix, state, sample)
		return
	}

	// Update: spec §4.6's per-family locator/locality/relay/token/liveness
	// comparisons.
	identityChanged := !tokensEqual(p.Data.IdentityToken, sample.IdentityToken) ||
		!tokensEqual(p.Data.PermissionsToken, sample.PermissionsToken)
	locatorsChanged := !locatorsEqual(p.Data.Locators, sample.Locators)
	localityChanged := p.Data.Local != sample.Local
	relayChanged := p.Data.Relay != sample.Relay
	livelinessChanged := p.Data.LivelinessCount != sample.LivelinessCount

	p.Data = sample
	p.PAlive = true
	p.armLease(sample.GUIDPrefix, d)

	if identityChanged {
		d.effects.OnDisconnectAndRediscover(sample.GUIDPrefix, sample)
		return
	}
	if locatorsChanged || localityChanged || relayChanged || livelinessChanged {
		d.effects.OnUpdate(sample.GUIDPrefix, sample)
	}
}

// armLease (re)starts the lease timer at Data.LeaseDuration+grace, clearing
// PAlive and arming the double-timeout dead-declaration on expiry (spec
// §4.6: "double-timeout is required to declare the participant dead").
func (p *PeerState) armLease(guidPrefix [12]byte, d *Detector) {
	if p.timer != nil {
		p.timer.Stop()
	}
	lease := p.Data.LeaseDuration + LeaseDeltaGrace
	p.timer = time.AfterFunc(lease, func() {
		p.mu.Lock()
		if !p.PAlive {
			// second consecutive miss: declare dead.
			p.timedOut = true
			p.mu.Unlock()
			d.Delete(guidPrefix)
			return
		}
		p.PAlive = false
		p.mu.Unlock()
		p.armLease(guidPrefix, d)
	})
}

// Delete removes a peer explicitly or via lease double-timeout (spec
// §4.6's Delete/Timeout action).
func (d *Detector) Delete(guidPrefix [12]byte) {
	d.mu.Lock()
	p, ok := d.peers[guidPrefix]
	if ok {
		delete(d.peers, guidPrefix)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	d.effects.OnDelete(guidPrefix)
}

// Announcer periodically publishes the local participant's own sample
// (spec §4.6's "announcer").
type Announcer struct {
	mu       sync.Mutex
	data     ParticipantData
	send     func(ParticipantData) error
	interval time.Duration
	stop     chan struct{}
}

// NewAnnouncer creates an Announcer that calls send every interval.
func NewAnnouncer(data ParticipantData, interval time.Duration, send func(ParticipantData) error) *Announcer {
	return &Announcer{data: data, send: send, interval: interval, stop: make(chan struct{})}
}

// Announce publishes the current sample once, bumping the liveliness
// counter.
func (a *Announcer) Announce() error {
	a.mu.Lock()
	a.data.LivelinessCount++
	snapshot := a.data
	a.mu.Unlock()
	return a.send(snapshot)
}

// UpdateData replaces the announced data (e.g. on local permissions
// change, spec §4.8's "resends SPDP participant data").
func (a *Announcer) UpdateData(data ParticipantData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := a.data.LivelinessCount
	a.data = data
	a.data.LivelinessCount = count
}

// Run starts the periodic announcement loop until Stop is called.
func (a *Announcer) Run() {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Announce()
		case <-a.stop:
			return
		}
	}
}

// Stop ends the announcement loop.
func (a *Announcer) Stop() { close(a.stop) }
