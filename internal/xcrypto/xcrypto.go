// Package xcrypto implements the crypto primitive service of spec §4.2:
// AES128/256-CTR, HMAC-SHA1/256, RSA sign/verify, SHA256, and the
// AES-CTR/HMAC plugin's session-key derivation. It never reasons about
// handshake or endpoint state; callers (auth plugins, cryptoctx) own that.
package xcrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // spec-mandated legacy signature algorithm option
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/handle"
)

// MaxBPSession is the maximum number of blocks a session key may encrypt
// before a rekey is forced (spec §3 invariants, §4.2).
const MaxBPSession = 2000

// KeyLocator resolves an identity handle to the RSA key material the
// encrypt_public/decrypt_private/sign_sha256/verify_sha256 family needs.
// Satisfied by internal/auth/pkirsa in production and by a test double in
// unit tests.
type KeyLocator interface {
	PublicKey(id handle.Handle) (*rsa.PublicKey, bool)
	PrivateKey(id handle.Handle) (*rsa.PrivateKey, bool)
}

// Service is the crypto primitive service. The zero value is not usable;
// use New.
type Service struct {
	keys KeyLocator
}

// New creates a Service backed by the given key locator.
func New(keys KeyLocator) *Service {
	return &Service{keys: keys}
}

// Random returns n cryptographically random bytes.
func (s *Service) Random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, ddserr.Wrap("xcrypto.Random", ddserr.OutOfResources, err)
	}
	return b, nil
}

// SHA256 returns the SHA-256 digest of msg.
func (s *Service) SHA256(msg []byte) [32]byte {
	return sha256.Sum256(msg)
}

// HMACSHA1 returns HMAC-SHA1(key, msg).
func (s *Service) HMACSHA1(key, msg []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// HMACSHA256 returns HMAC-SHA256(key, msg).
func (s *Service) HMACSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// ivForCounter builds a 16-byte CTR IV from a 12+-byte salt and a 32-bit
// block counter occupying the last four bytes, matching the big-endian
// layout the rest of the DDS-Security/FDO ecosystem uses for AES-CTR.
func ivForCounter(salt []byte, counter uint32) []byte {
	iv := make([]byte, 16)
	copy(iv, salt)
	binary.BigEndian.PutUint32(iv[12:16], counter)
	return iv
}

func blocksFor(n int) uint32 {
	return uint32((n + aes.BlockSize - 1) / aes.BlockSize)
}

// AESCTR encrypts or decrypts (CTR is symmetric) msg under key/salt
// starting at the given block counter, returning the output and the
// counter advanced past the blocks consumed so that chained calls advance
// correctly (spec §4.2).
func (s *Service) AESCTR(key, salt []byte, counter uint32, msg []byte) (out []byte, newCounter uint32, err error) {
	if len(key) != 16 && len(key) != 32 {
		return nil, counter, ddserr.New("xcrypto.AESCTR", ddserr.BadParameter)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, counter, ddserr.Wrap("xcrypto.AESCTR", ddserr.BadParameter, err)
	}
	iv := ivForCounter(salt, counter)
	stream := cipher.NewCTR(block, iv)
	out = make([]byte, len(msg))
	stream.XORKeyStream(out, msg)
	return out, counter + blocksFor(len(msg)), nil
}

// AES128CTR is AESCTR restricted to a 16-byte key, kept as a named entry
// point mirroring spec §4.2's enumerated operation list.
func (s *Service) AES128CTR(key, salt []byte, counter uint32, msg []byte) ([]byte, uint32, error) {
	if len(key) != 16 {
		return nil, counter, ddserr.New("xcrypto.AES128CTR", ddserr.BadParameter)
	}
	return s.AESCTR(key, salt, counter, msg)
}

// AES256CTR is AESCTR restricted to a 32-byte key.
func (s *Service) AES256CTR(key, salt []byte, counter uint32, msg []byte) ([]byte, uint32, error) {
	if len(key) != 32 {
		return nil, counter, ddserr.New("xcrypto.AES256CTR", ddserr.BadParameter)
	}
	return s.AESCTR(key, salt, counter, msg)
}

// CTRStream processes a message as a sequence of chunks (spec §4.2's
// BEGIN→UPDATE*→END streaming abstraction), so fragmented RTPS payloads
// need never be concatenated before encryption or decryption.
type CTRStream struct {
	stream  cipher.Stream
	counter uint32
	n       int
}

// BeginCTRStream starts a streaming AES-CTR operation at the given block
// counter ("BEGIN").
func BeginCTRStream(key, salt []byte, counter uint32) (*CTRStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ddserr.Wrap("xcrypto.BeginCTRStream", ddserr.BadParameter, err)
	}
	iv := ivForCounter(salt, counter)
	return &CTRStream{stream: cipher.NewCTR(block, iv), counter: counter}, nil
}

// Update processes one chunk ("UPDATE"). Chunks need not be block-aligned.
func (c *CTRStream) Update(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	c.stream.XORKeyStream(out, chunk)
	c.n += len(chunk)
	return out
}

// End finalizes the stream ("END") and reports the advanced counter.
func (c *CTRStream) End() uint32 { return c.counter + blocksFor(c.n) }

// EncryptPublic RSA-OAEP-encrypts msg under id's public key.
func (s *Service) EncryptPublic(id handle.Handle, msg []byte) ([]byte, error) {
	pub, ok := s.keys.PublicKey(id)
	if !ok {
		return nil, ddserr.New("xcrypto.EncryptPublic", ddserr.BadParameter)
	}
	out, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
	if err != nil {
		return nil, ddserr.Wrap("xcrypto.EncryptPublic", ddserr.BadParameter, err)
	}
	return out, nil
}

// DecryptPrivate RSA-OAEP-decrypts ciphertext under id's private key.
func (s *Service) DecryptPrivate(id handle.Handle, ciphertext []byte) ([]byte, error) {
	priv, ok := s.keys.PrivateKey(id)
	if !ok {
		return nil, ddserr.New("xcrypto.DecryptPrivate", ddserr.BadParameter)
	}
	out, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return nil, ddserr.Wrap("xcrypto.DecryptPrivate", ddserr.BadParameter, err)
	}
	return out, nil
}

// SignSHA256 signs SHA256(msg) with id's private key (RSASSA-PSS).
func (s *Service) SignSHA256(id handle.Handle, msg []byte) ([]byte, error) {
	priv, ok := s.keys.PrivateKey(id)
	if !ok {
		return nil, ddserr.New("xcrypto.SignSHA256", ddserr.BadParameter)
	}
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		return nil, ddserr.Wrap("xcrypto.SignSHA256", ddserr.BadParameter, err)
	}
	return sig, nil
}

// VerifySHA256 verifies sig over SHA256(msg) against id's public key.
func (s *Service) VerifySHA256(id handle.Handle, msg, sig []byte) error {
	pub, ok := s.keys.PublicKey(id)
	if !ok {
		return ddserr.New("xcrypto.VerifySHA256", ddserr.BadParameter)
	}
	digest := sha256.Sum256(msg)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
		return ddserr.Wrap("xcrypto.VerifySHA256", ddserr.NotAllowedBySecurity, err)
	}
	return nil
}

// SessionKey is the derived per-direction key material of spec §3.
type SessionKey struct {
	ID      uint32
	HMACKey []byte
	Key     []byte
	Salt    []byte
	Counter uint32
}

// DeriveSession implements the StdCrypto session-key derivation of spec
// §4.2: given a master key M, an HMAC key id H, an optional init vector V
// and a session id s, derive the session's HMAC key, encryption key and
// salt. keySize must be 16 or 32 and governs truncation of session.hmac
// and the output key length.
func DeriveSession(master, hmacKeyID, iv []byte, sessionID uint32, keySize int) (SessionKey, error) {
	if keySize != 16 && keySize != 32 {
		return SessionKey{}, ddserr.New("xcrypto.DeriveSession", ddserr.BadParameter)
	}
	if len(master) != keySize {
		return SessionKey{}, ddserr.New("xcrypto.DeriveSession", ddserr.BadParameter)
	}

	var sBuf [4]byte
	binary.BigEndian.PutUint32(sBuf[:], sessionID)

	hmacMsg := append([]byte("SessionHMACKey"), hmacKeyID...)
	hmacMsg = append(hmacMsg, sBuf[:]...)
	sessionHMAC := hmacSHA256(master, hmacMsg)[:keySize]

	keyMsg := append([]byte("SessionKey"), iv...)
	keyMsg = append(keyMsg, sBuf[:]...)
	keyMsg = append(keyMsg, 0x01)
	sessionKey := hmacSHA256(master, keyMsg)
	if len(sessionKey) > keySize {
		sessionKey = sessionKey[:keySize]
	}

	saltMsg := append([]byte("SessionSalt"), iv...)
	saltMsg = append(saltMsg, sBuf[:]...)
	saltMsg = append(saltMsg, 0x00)
	sessionSalt := hmacSHA256(master, saltMsg)[:16]

	return SessionKey{
		ID:      sessionID,
		HMACKey: append([]byte(nil), sessionHMAC...),
		Key:     append([]byte(nil), sessionKey...),
		Salt:    append([]byte(nil), sessionSalt...),
		Counter: 0,
	}, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// NeedsRekey reports whether advancing the session's counter by
// blocksToAdvance would reach or exceed MaxBPSession (spec §8, invariant 4:
// rekey at threshold).
func (sk SessionKey) NeedsRekey(blocksToAdvance uint32) bool {
	return sk.Counter+blocksToAdvance >= MaxBPSession
}
