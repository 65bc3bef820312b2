package ctt

import (
	"bytes"
	"testing"

	"github.com/qeodomain/ddscored/internal/wire"
	"github.com/qeodomain/ddscored/internal/xcrypto"
)

func TestEncodeDecodeTokenRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	hmacID := []byte{1, 2, 3, 4}
	iv := []byte{5, 6, 7, 8}

	sendSK, err := xcrypto.DeriveSession(master, hmacID, iv, 7, 32)
	if err != nil {
		t.Fatal(err)
	}
	kxMacKey := bytes.Repeat([]byte{0x24}, 32)

	sess := NewSendSession(sendSK)
	km := wire.KeyMaterial{
		TransformKind: wire.TransformAES256CTR,
		MasterKeyID:   99,
		MasterKey:     bytes.Repeat([]byte{0x11}, 32),
		HMACKeyID:     1,
	}
	dh, err := EncodeToken(ClassDataWriterCryptoTokens, km, sess, kxMacKey)
	if err != nil {
		t.Fatal(err)
	}

	recv := NewRecvSession(master, hmacID, iv, 32)
	got, err := DecodeToken(dh, recv, kxMacKey)
	if err != nil {
		t.Fatal(err)
	}
	if got.MasterKeyID != km.MasterKeyID || !bytes.Equal(got.MasterKey, km.MasterKey) {
		t.Fatalf("decoded key material mismatch: %+v vs %+v", got, km)
	}
}

func TestDecodeTokenRejectsTamperedHMAC(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)
	sendSK, _ := xcrypto.DeriveSession(master, []byte{1}, []byte{2}, 1, 32)
	kxMacKey := bytes.Repeat([]byte{0x24}, 32)
	sess := NewSendSession(sendSK)
	dh, err := EncodeToken(ClassDataReaderCryptoTokens, wire.KeyMaterial{MasterKey: []byte{1, 2, 3}}, sess, kxMacKey)
	if err != nil {
		t.Fatal(err)
	}
	dh.BinaryValue1[0] ^= 0xFF

	recv := NewRecvSession(master, []byte{1}, []byte{2}, 32)
	if _, err := DecodeToken(dh, recv, kxMacKey); err == nil {
		t.Fatal("expected HMAC verification failure on tampered token")
	}
}

type fakeReceiver struct {
	installed map[[4]byte]wire.KeyMaterial
	local     map[[4]byte]bool
	remote    map[[4]byte]bool
}

func (f *fakeReceiver) LocalEndpoint(id [4]byte) bool  { return f.local[id] }
func (f *fakeReceiver) RemoteEndpoint(p [12]byte, id [4]byte) bool { return f.remote[id] }
func (f *fakeReceiver) InstallWriterTokens(p [12]byte, id [4]byte, km wire.KeyMaterial) error {
	f.installed[id] = km
	return nil
}
func (f *fakeReceiver) InstallReaderTokens(p [12]byte, id [4]byte, km wire.KeyMaterial) error {
	f.installed[id] = km
	return nil
}
func (f *fakeReceiver) InstallParticipantTokens(p [12]byte, data, signing wire.KeyMaterial) error {
	return nil
}

func TestChannelRemembersThenInstallsOnDiscovery(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, 32)
	kxMacKey := bytes.Repeat([]byte{0x02}, 32)
	sendSK, _ := xcrypto.DeriveSession(master, []byte{9}, []byte{9}, 3, 32)
	sess := NewSendSession(sendSK)
	dh, err := EncodeToken(ClassDataWriterCryptoTokens, wire.KeyMaterial{MasterKey: []byte{0xAA}}, sess, kxMacKey)
	if err != nil {
		t.Fatal(err)
	}

	recv := NewRecvSession(master, []byte{9}, []byte{9}, 32)
	receiver := &fakeReceiver{installed: map[[4]byte]wire.KeyMaterial{}, local: map[[4]byte]bool{}, remote: map[[4]byte]bool{}}
	var localPrefix [12]byte
	ch := NewChannel(localPrefix, recv, kxMacKey, receiver)

	var destEP, srcEP [16]byte
	destEP[15] = 7
	srcEP[15] = 8
	msg := wire.ParticipantStatelessMessage{
		DestinationEndpoint: destEP,
		SourceEndpoint:      srcEP,
		MessageClassID:      ClassDataWriterCryptoTokens,
		MessageData:         []wire.DataHolder{*dh},
	}
	var srcPrefix [12]byte
	if err := ch.OnReceive(srcPrefix, msg); err != nil {
		t.Fatal(err)
	}
	entityKey := EntityKey(destEP)
	if _, installed := receiver.installed[entityKey]; installed {
		t.Fatal("expected token to be remembered, not installed, before discovery")
	}

	receiver.local[entityKey] = true
	receiver.remote[EntityKey(srcEP)] = true
	if err := ch.InstallRemembered(srcPrefix, entityKey); err != nil {
		t.Fatal(err)
	}
	if _, installed := receiver.installed[entityKey]; !installed {
		t.Fatal("expected remembered token to be installed after discovery")
	}
}
