package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TransformKind identifies the StdCrypto plugin's transformation variants
// (spec §6, crypto token wire layout).
type TransformKind uint32

const (
	TransformNone        TransformKind = 0x000
	TransformAES128CTR   TransformKind = 0x100
	TransformAES128HMAC  TransformKind = 0x101
	TransformAES256CTR   TransformKind = 0x200
	TransformAES256HMAC  TransformKind = 0x201
)

// cdrPreamble is the 4-byte header prefixed to the inner KeyMaterial CDR
// encoding; byte[1] encodes endianness (1 = little-endian, 0 = big-endian),
// mirroring the RTPS PL_CDR representation_id convention named in spec §6.
var cdrPreambleLE = [4]byte{0x00, 0x01, 0x00, 0x00}

// KeyMaterial is the inner, CDR-encoded record carried (encrypted) inside
// a crypto token's binary_value1 (spec §3 "Master key", §6 wire layout).
type KeyMaterial struct {
	TransformKind TransformKind
	MasterKeyID   uint32
	MasterKey     []byte // 16 or 32 bytes
	HMACKeyID     uint32
	InitVector    []byte // present iff cipher is enabled
}

// Encode serializes the KeyMaterial with its little-endian CDR preamble.
func (k KeyMaterial) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(cdrPreambleLE[:])
	binary.Write(&buf, binary.LittleEndian, uint32(k.TransformKind))
	binary.Write(&buf, binary.LittleEndian, k.MasterKeyID)
	putBytesLE(&buf, k.MasterKey)
	binary.Write(&buf, binary.LittleEndian, k.HMACKeyID)
	putBytesLE(&buf, k.InitVector)
	return buf.Bytes()
}

func putBytesLE(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func getBytesLE(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DecodeKeyMaterial parses the output of Encode, validating the preamble.
func DecodeKeyMaterial(b []byte) (KeyMaterial, error) {
	var k KeyMaterial
	if len(b) < 4 {
		return k, fmt.Errorf("key material too short")
	}
	if b[1] != 0x01 {
		return k, fmt.Errorf("unsupported key material endianness byte 0x%02x", b[1])
	}
	r := bytes.NewReader(b[4:])
	var tk uint32
	if err := binary.Read(r, binary.LittleEndian, &tk); err != nil {
		return k, err
	}
	k.TransformKind = TransformKind(tk)
	if err := binary.Read(r, binary.LittleEndian, &k.MasterKeyID); err != nil {
		return k, err
	}
	var err error
	if k.MasterKey, err = getBytesLE(r); err != nil {
		return k, err
	}
	if err = binary.Read(r, binary.LittleEndian, &k.HMACKeyID); err != nil {
		return k, err
	}
	if k.InitVector, err = getBytesLE(r); err != nil {
		return k, err
	}
	return k, nil
}

// CryptoTokenHeader is the plaintext header preceding the AES256-CTR
// encrypted KeyMaterial inside binary_value1 (spec §6).
type CryptoTokenHeader struct {
	TransformKindID   uint32
	TransactionID     uint32
	TransactionIDEcho uint32
	SessionID         uint32
	SessionCounter    uint32
	PayloadLength     uint32
}

// EncodeCryptoToken builds binary_value1: header + ciphertext + two
// reserved zero digests (spec §6).
func EncodeCryptoToken(hdr CryptoTokenHeader, ciphertext []byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, hdr.TransformKindID)
	binary.Write(&buf, binary.BigEndian, hdr.TransactionID)
	binary.Write(&buf, binary.BigEndian, hdr.TransactionIDEcho)
	binary.Write(&buf, binary.BigEndian, hdr.SessionID)
	binary.Write(&buf, binary.BigEndian, hdr.SessionCounter)
	binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext)))
	buf.Write(ciphertext)
	binary.Write(&buf, binary.BigEndian, uint32(0))
	binary.Write(&buf, binary.BigEndian, uint32(0))
	return buf.Bytes()
}

// DecodeCryptoToken parses the output of EncodeCryptoToken.
func DecodeCryptoToken(b []byte) (CryptoTokenHeader, []byte, error) {
	var hdr CryptoTokenHeader
	r := bytes.NewReader(b)
	fields := []*uint32{
		&hdr.TransformKindID, &hdr.TransactionID, &hdr.TransactionIDEcho,
		&hdr.SessionID, &hdr.SessionCounter, &hdr.PayloadLength,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return hdr, nil, err
		}
	}
	ciphertext := make([]byte, hdr.PayloadLength)
	if _, err := r.Read(ciphertext); err != nil && hdr.PayloadLength > 0 {
		return hdr, nil, err
	}
	var reserved1, reserved2 uint32
	if err := binary.Read(r, binary.BigEndian, &reserved1); err != nil {
		return hdr, nil, err
	}
	if err := binary.Read(r, binary.BigEndian, &reserved2); err != nil {
		return hdr, nil, err
	}
	return hdr, ciphertext, nil
}
