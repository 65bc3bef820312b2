package xcrypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/qeodomain/ddscored/internal/handle"
)

type fakeKeys struct {
	priv *rsa.PrivateKey
}

func (f *fakeKeys) PublicKey(handle.Handle) (*rsa.PublicKey, bool)  { return &f.priv.PublicKey, true }
func (f *fakeKeys) PrivateKey(handle.Handle) (*rsa.PrivateKey, bool) { return f.priv, true }

func newService(t *testing.T) *Service {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	return New(&fakeKeys{priv: priv})
}

func TestAESCTRCounterAdvances(t *testing.T) {
	s := newService(t)
	key := bytes.Repeat([]byte{0x01}, 32)
	salt := bytes.Repeat([]byte{0x02}, 16)
	msg := bytes.Repeat([]byte{0xAB}, 33) // spans 3 blocks
	ct, newCounter, err := s.AES256CTR(key, salt, 0, msg)
	if err != nil {
		t.Fatal(err)
	}
	if newCounter != 3 {
		t.Fatalf("counter = %d, want 3", newCounter)
	}
	pt, _, err := s.AES256CTR(key, salt, 0, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatal("decrypt did not recover plaintext")
	}
}

func TestCTRStreamMatchesOneShot(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, 16)
	salt := bytes.Repeat([]byte{0x04}, 16)
	msg := []byte("the quick brown fox jumps over the lazy dog, twice over")

	oneShot, counter1, err := New(nil).AES128CTR(key, salt, 0, msg)
	if err != nil {
		t.Fatal(err)
	}

	stream, err := BeginCTRStream(key, salt, 0)
	if err != nil {
		t.Fatal(err)
	}
	var streamed []byte
	for i := 0; i < len(msg); i += 7 {
		end := i + 7
		if end > len(msg) {
			end = len(msg)
		}
		streamed = append(streamed, stream.Update(msg[i:end])...)
	}
	if !bytes.Equal(streamed, oneShot) {
		t.Fatal("chunked stream diverged from one-shot encryption")
	}
	if stream.End() != counter1 {
		t.Fatalf("stream counter = %d, want %d", stream.End(), counter1)
	}
}

func TestSignVerifySHA256RoundTrip(t *testing.T) {
	s := newService(t)
	msg := []byte("sign me")
	sig, err := s.SignSHA256(1, msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.VerifySHA256(1, msg, sig); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if err := s.VerifySHA256(1, []byte("tampered"), sig); err == nil {
		t.Fatal("verify succeeded over tampered message")
	}
}

func TestEncryptDecryptPublicRoundTrip(t *testing.T) {
	s := newService(t)
	secret := bytes.Repeat([]byte{0x5A}, 32)
	ct, err := s.EncryptPublic(1, secret)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := s.DecryptPrivate(1, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pt, secret) {
		t.Fatal("decrypted secret does not match")
	}
}

func TestDeriveSessionDeterministic(t *testing.T) {
	master := bytes.Repeat([]byte{0x11}, 32)
	hmacKeyID := bytes.Repeat([]byte{0x22}, 32)
	iv := bytes.Repeat([]byte{0x33}, 32)

	a, err := DeriveSession(master, hmacKeyID, iv, 7, 32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := DeriveSession(master, hmacKeyID, iv, 7, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Key, b.Key) || !bytes.Equal(a.Salt, b.Salt) || !bytes.Equal(a.HMACKey, b.HMACKey) {
		t.Fatal("derivation is not deterministic for identical inputs")
	}
	c, err := DeriveSession(master, hmacKeyID, iv, 8, 32)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Key, c.Key) {
		t.Fatal("different session ids produced identical keys")
	}
	if a.Counter != 0 {
		t.Fatalf("initial Tx counter = %d, want 0", a.Counter)
	}
}

func TestNeedsRekeyAtThreshold(t *testing.T) {
	sk := SessionKey{Counter: MaxBPSession - 1}
	if !sk.NeedsRekey(1) {
		t.Fatal("expected rekey at threshold")
	}
	sk2 := SessionKey{Counter: 0}
	if sk2.NeedsRekey(1) {
		t.Fatal("unexpected rekey far from threshold")
	}
}
