package wire

import (
	"bytes"
	"testing"
)

func TestParticipantStatelessMessageRoundTrip(t *testing.T) {
	m := ParticipantStatelessMessage{
		MessageIdentity:        MessageIdentity{Sequence: 7},
		RelatedMessageIdentity: MessageIdentity{Sequence: 3},
		MessageClassID:         "dds.sec.auth",
		MessageData: []DataHolder{
			{
				ClassID:      "DDS:Auth:PKI-RSA:1.0",
				StringProps:  []StringProperty{{Name: "c.id", Value: "CN=test"}},
				BinaryProps:  []BinaryProperty{{Name: "nonce", Value: []byte("CHALLENGE:abc")}},
				BinaryValue1: []byte{1, 2, 3},
				BinaryValue2: []byte{4, 5, 6},
				LongLongs:    []int64{42},
			},
		},
	}
	copy(m.MessageIdentity.GUIDPrefix[:], []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0x0C})
	copy(m.DestinationParticipant[:], bytes.Repeat([]byte{0xAA}, 16))

	enc := m.Encode()
	got, err := DecodeParticipantStatelessMessage(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.MessageClassID != m.MessageClassID {
		t.Fatalf("class id = %q, want %q", got.MessageClassID, m.MessageClassID)
	}
	if got.MessageIdentity.Sequence != 7 || got.RelatedMessageIdentity.Sequence != 3 {
		t.Fatalf("sequence numbers did not round-trip: %+v", got)
	}
	if len(got.MessageData) != 1 || got.MessageData[0].ClassID != "DDS:Auth:PKI-RSA:1.0" {
		t.Fatalf("message data did not round-trip: %+v", got.MessageData)
	}
	if !bytes.Equal(got.MessageData[0].BinaryValue1, []byte{1, 2, 3}) {
		t.Fatalf("binary_value1 did not round-trip")
	}
	if got.DestinationParticipant != m.DestinationParticipant {
		t.Fatalf("destination participant did not round-trip")
	}
}

func TestKeyMaterialRoundTrip(t *testing.T) {
	k := KeyMaterial{
		TransformKind: TransformAES256CTR,
		MasterKeyID:   1234,
		MasterKey:     bytes.Repeat([]byte{0x5A}, 32),
		HMACKeyID:     5678,
		InitVector:    bytes.Repeat([]byte{0x01}, 32),
	}
	enc := k.Encode()
	got, err := DecodeKeyMaterial(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.TransformKind != k.TransformKind || got.MasterKeyID != k.MasterKeyID || got.HMACKeyID != k.HMACKeyID {
		t.Fatalf("scalar fields did not round-trip: %+v", got)
	}
	if !bytes.Equal(got.MasterKey, k.MasterKey) || !bytes.Equal(got.InitVector, k.InitVector) {
		t.Fatalf("key bytes did not round-trip")
	}
}

func TestCryptoTokenRoundTrip(t *testing.T) {
	hdr := CryptoTokenHeader{
		TransformKindID:   uint32(TransformAES256CTR),
		TransactionID:     9812345 * 7,
		TransactionIDEcho: 7,
		SessionID:         7,
		SessionCounter:    3,
	}
	payload := []byte("encrypted-key-material")
	enc := EncodeCryptoToken(hdr, payload)
	gotHdr, gotPayload, err := DecodeCryptoToken(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if gotHdr != hdr {
		// PayloadLength is derived, so compare the rest explicitly.
		if gotHdr.TransformKindID != hdr.TransformKindID ||
			gotHdr.TransactionID != hdr.TransactionID ||
			gotHdr.SessionID != hdr.SessionID {
			t.Fatalf("header did not round-trip: %+v", gotHdr)
		}
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload did not round-trip")
	}
}
