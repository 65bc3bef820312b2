package spdp

import (
	"testing"
	"time"

	"github.com/qeodomain/ddscored/internal/auth"
	"github.com/qeodomain/ddscored/internal/wire"
)

type recordingEffects struct {
	authResults []auth.AuthState
	updates     int
	rediscovers int
	deletes     int
}

func (r *recordingEffects) OnAuthResult(p [12]byte, state auth.AuthState, data ParticipantData) {
	r.authResults = append(r.authResults, state)
}
func (r *recordingEffects) OnUpdate(p [12]byte, data ParticipantData)                { r.updates++ }
func (r *recordingEffects) OnDisconnectAndRediscover(p [12]byte, data ParticipantData) { r.rediscovers++ }
func (r *recordingEffects) OnDelete(p [12]byte)                                       { r.deletes++ }

func TestNewParticipantDispatchesAuthResult(t *testing.T) {
	eff := &recordingEffects{}
	var local, peer [12]byte
	peer[0] = 0xAA
	validate := func([12]byte, *wire.DataHolder, *wire.DataHolder) (auth.AuthState, error) {
		return auth.StatePendingHandshakeReq, nil
	}
	d := NewDetector(local, eff, validate)
	d.OnSample(ParticipantData{GUIDPrefix: peer, LeaseDuration: time.Minute})

	if len(eff.authResults) != 1 || eff.authResults[0] != auth.StatePendingHandshakeReq {
		t.Fatalf("expected one PENDING_HANDSHAKE_REQ dispatch, got %v", eff.authResults)
	}
	if _, ok := d.Peer(peer); !ok {
		t.Fatal("expected peer to be tracked after first sample")
	}
}

func TestIdentityTokenChangeTriggersRediscover(t *testing.T) {
	eff := &recordingEffects{}
	var local, peer [12]byte
	peer[0] = 0xBB
	validate := func([12]byte, *wire.DataHolder, *wire.DataHolder) (auth.AuthState, error) {
		return auth.StateOK, nil
	}
	d := NewDetector(local, eff, validate)
	d.OnSample(ParticipantData{GUIDPrefix: peer, LeaseDuration: time.Minute})
	d.OnSample(ParticipantData{
		GUIDPrefix:    peer,
		LeaseDuration: time.Minute,
		IdentityToken: &wire.DataHolder{ClassID: "new", BinaryValue1: []byte{1}},
	})
	if eff.rediscovers != 1 {
		t.Fatalf("expected exactly one rediscover dispatch, got %d", eff.rediscovers)
	}
}

func TestLivelinessChangeTriggersUpdate(t *testing.T) {
	eff := &recordingEffects{}
	var local, peer [12]byte
	peer[0] = 0xCC
	validate := func([12]byte, *wire.DataHolder, *wire.DataHolder) (auth.AuthState, error) {
		return auth.StateOK, nil
	}
	d := NewDetector(local, eff, validate)
	d.OnSample(ParticipantData{GUIDPrefix: peer, LeaseDuration: time.Minute, LivelinessCount: 1})
	d.OnSample(ParticipantData{GUIDPrefix: peer, LeaseDuration: time.Minute, LivelinessCount: 2})
	if eff.updates != 1 {
		t.Fatalf("expected one update dispatch, got %d", eff.updates)
	}
}
