// Package ctt implements the Crypto Token Transport of spec §4.5: four
// message classes exchanged over a dedicated volatile-secure builtin
// endpoint pair, each carrying a KeyMaterial record AES256-CTR-encrypted
// under the receiver-specific KxKey and HMAC-SHA256-authenticated under
// the KxMacKey.
package ctt

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"

	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/wire"
	"github.com/qeodomain/ddscored/internal/xcrypto"
)

// Message classes (spec §4.5).
const (
	ClassParticipantCryptoTokens = "PARTICIPANT_CRYPTO_TOKENS"
	ClassDataWriterCryptoTokens  = "DATAWRITER_CRYPTO_TOKENS"
	ClassDataReaderCryptoTokens  = "DATAREADER_CRYPTO_TOKENS"
	ClassVolData                 = "VOL_DATA"
)

// EntityKey extracts the last four bytes of a 16-byte GUID, used both as
// the destination-endpoint lookup key and the per-entity "remembered
// tokens" skiplist key (spec §4.5).
func EntityKey(guid [16]byte) [4]byte {
	var k [4]byte
	copy(k[:], guid[12:16])
	return k
}

var allZeroParticipant [16]byte

// symCipher is a KeyLocator-free xcrypto.Service: CTT only ever uses its
// symmetric AES-CTR methods, which never consult the key locator.
var symCipher = xcrypto.New(nil)

// IsBroadcast reports whether a destination-participant key is the
// all-zero broadcast key (spec §4.5: "must match own GUID prefix or the
// broadcast all-zero key").
func IsBroadcast(destParticipant [16]byte) bool { return destParticipant == allZeroParticipant }

// SendSession tracks the per-receiver encrypt-side session key and its
// advancing block counter, so EncodeToken/sendSession state mirrors
// cryptoctx's EncodeSession (spec §4.2/§4.5).
type SendSession struct {
	mu      sync.Mutex
	session xcrypto.SessionKey
}

// NewSendSession wraps a derived session key for outbound token encryption.
func NewSendSession(sk xcrypto.SessionKey) *SendSession {
	return &SendSession{session: sk}
}

// EncodeToken builds a crypto-token DataHolder: AES256-CTR(KeyMaterial)
// under the session key, framed per spec §6's CryptoTokenHeader layout,
// with HMAC-SHA256 under kxMacKey over the whole framed body (header,
// ciphertext and reserved words) carried in binary_value2.
func EncodeToken(classID string, km wire.KeyMaterial, sess *SendSession, kxMacKey []byte) (*wire.DataHolder, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	plain := km.Encode()
	ciphertext, newCounter, err := symCipher.AES256CTR(sess.session.Key, sess.session.Salt, sess.session.Counter, plain)
	if err != nil {
		return nil, ddserr.Wrap("ctt.EncodeToken", ddserr.BadParameter, err)
	}
	sess.session.Counter = newCounter

	hdr := wire.CryptoTokenHeader{
		TransformKindID:   uint32(km.TransformKind),
		TransactionID:     sess.session.ID * 9812345,
		TransactionIDEcho: sess.session.ID,
		SessionID:         sess.session.ID,
		SessionCounter:    newCounter,
	}
	body := wire.EncodeCryptoToken(hdr, ciphertext)
	mac := hmacSHA256(kxMacKey, body)

	return &wire.DataHolder{
		ClassID:      classID,
		BinaryValue1: body,
		BinaryValue2: mac,
	}, nil
}

func hmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// RecvSession tracks the per-sender decrypt-side session, rederiving when
// the header's session id changes (spec §4.5: "Decryption rederives the
// receive session from a new session id carried in the header whenever it
// changes").
type RecvSession struct {
	mu      sync.Mutex
	master  []byte
	hmacID  []byte
	iv      []byte
	keySize int
	current xcrypto.SessionKey
	have    bool
}

// NewRecvSession creates a RecvSession able to derive per-session-id keys
// from a StdCrypto master key (spec §4.2's DeriveSession).
func NewRecvSession(master, hmacID, iv []byte, keySize int) *RecvSession {
	return &RecvSession{master: master, hmacID: hmacID, iv: iv, keySize: keySize}
}

func (r *RecvSession) sessionFor(id uint32) (xcrypto.SessionKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.have && r.current.ID == id {
		return r.current, nil
	}
	sk, err := xcrypto.DeriveSession(r.master, r.hmacID, r.iv, id, r.keySize)
	if err != nil {
		return xcrypto.SessionKey{}, err
	}
	r.current = sk
	r.have = true
	return sk, nil
}

// DecodeToken verifies the HMAC, decrypts the inner KeyMaterial and
// returns it.
func DecodeToken(dh *wire.DataHolder, recv *RecvSession, kxMacKey []byte) (wire.KeyMaterial, error) {
	if !hmac.Equal(hmacSHA256(kxMacKey, dh.BinaryValue1), dh.BinaryValue2) {
		return wire.KeyMaterial{}, ddserr.New("ctt.DecodeToken", ddserr.NotAllowedBySecurity)
	}
	hdr, ciphertext, err := wire.DecodeCryptoToken(dh.BinaryValue1)
	if err != nil {
		return wire.KeyMaterial{}, ddserr.Wrap("ctt.DecodeToken", ddserr.BadParameter, err)
	}
	sk, err := recv.sessionFor(hdr.SessionID)
	if err != nil {
		return wire.KeyMaterial{}, err
	}
	plain, _, err := symCipher.AES256CTR(sk.Key, sk.Salt, hdr.SessionCounter-blocksOf(len(ciphertext)), ciphertext)
	if err != nil {
		return wire.KeyMaterial{}, ddserr.Wrap("ctt.DecodeToken", ddserr.BadParameter, err)
	}
	return wire.DecodeKeyMaterial(plain)
}

func blocksOf(n int) uint32 {
	const blockSize = 16
	return uint32((n + blockSize - 1) / blockSize)
}

// EndpointTokens is the per-entity pending/installed token pair remembered
// before the local endpoint is discovered (spec §4.5).
type EndpointTokens struct {
	Writer *wire.DataHolder
	Reader *wire.DataHolder
}

// Remembered is the participant-scoped "remembered tokens" skiplist
// stand-in, keyed by remote entity id (spec §4.5).
type Remembered struct {
	mu      sync.Mutex
	entries map[[4]byte]*EndpointTokens
}

// NewRemembered creates an empty Remembered set.
func NewRemembered() *Remembered {
	return &Remembered{entries: make(map[[4]byte]*EndpointTokens)}
}

// RememberWriter/RememberReader stash a token for an entity id not yet
// locally known as a discovered endpoint.
func (r *Remembered) RememberWriter(id [4]byte, tok *wire.DataHolder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.Writer = tok
}

func (r *Remembered) RememberReader(id [4]byte, tok *wire.DataHolder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entryLocked(id)
	e.Reader = tok
}

func (r *Remembered) entryLocked(id [4]byte) *EndpointTokens {
	e, ok := r.entries[id]
	if !ok {
		e = &EndpointTokens{}
		r.entries[id] = e
	}
	return e
}

// Take removes and returns the remembered tokens for id, if any, called
// the moment the endpoint is discovered (spec §4.5: "installed the moment
// the endpoint is discovered").
func (r *Remembered) Take(id [4]byte) (*EndpointTokens, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return e, ok
}

// Receiver resolves a local endpoint by entity id and a remote endpoint
// within a source participant, so Dispatch can decide between "install
// now" and "remember" (spec §4.5's reception dispatch).
type Receiver interface {
	LocalEndpoint(entityKey [4]byte) (found bool)
	RemoteEndpoint(sourceParticipant [12]byte, entityKey [4]byte) (found bool)
	InstallWriterTokens(sourceParticipant [12]byte, entityKey [4]byte, km wire.KeyMaterial) error
	InstallReaderTokens(sourceParticipant [12]byte, entityKey [4]byte, km wire.KeyMaterial) error
	InstallParticipantTokens(sourceParticipant [12]byte, data, signing wire.KeyMaterial) error
}

// Channel dispatches received ParticipantStatelessMessage-shaped CTT
// traffic on message_class_id and destination-participant key (spec
// §4.5).
type Channel struct {
	localPrefix [12]byte
	recv        *RecvSession
	kxMacKey    []byte
	remembered  map[[12]byte]*Remembered
	mu          sync.Mutex
	receiver    Receiver
}

// NewChannel creates a Channel for one local domain participant.
func NewChannel(localPrefix [12]byte, recv *RecvSession, kxMacKey []byte, receiver Receiver) *Channel {
	return &Channel{
		localPrefix: localPrefix,
		recv:        recv,
		kxMacKey:    kxMacKey,
		remembered:  make(map[[12]byte]*Remembered),
		receiver:    receiver,
	}
}

func (c *Channel) rememberedFor(sourcePrefix [12]byte) *Remembered {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.remembered[sourcePrefix]
	if !ok {
		r = NewRemembered()
		c.remembered[sourcePrefix] = r
	}
	return r
}

// OnReceive dispatches one ParticipantStatelessMessage per spec §4.5.
func (c *Channel) OnReceive(sourcePrefix [12]byte, msg wire.ParticipantStatelessMessage) error {
	if !IsBroadcast(msg.DestinationParticipant) {
		var want [16]byte
		copy(want[:12], c.localPrefix[:])
		if msg.DestinationParticipant != want {
			return nil // not addressed to us
		}
	}
	if len(msg.MessageData) == 0 {
		return ddserr.New("ctt.OnReceive", ddserr.BadParameter)
	}
	tok := msg.MessageData[0]

	switch msg.MessageClassID {
	case ClassParticipantCryptoTokens:
		if len(msg.MessageData) < 2 {
			return ddserr.New("ctt.OnReceive", ddserr.BadParameter)
		}
		dataKM, err := DecodeToken(&msg.MessageData[0], c.recv, c.kxMacKey)
		if err != nil {
			return err
		}
		signKM, err := DecodeToken(&msg.MessageData[1], c.recv, c.kxMacKey)
		if err != nil {
			return err
		}
		return c.receiver.InstallParticipantTokens(sourcePrefix, dataKM, signKM)

	case ClassDataWriterCryptoTokens, ClassDataReaderCryptoTokens:
		entityKey := EntityKey(msg.DestinationEndpoint)
		km, err := DecodeToken(&tok, c.recv, c.kxMacKey)
		if err != nil {
			return err
		}
		if c.receiver.LocalEndpoint(entityKey) && c.receiver.RemoteEndpoint(sourcePrefix, EntityKey(msg.SourceEndpoint)) {
			if msg.MessageClassID == ClassDataWriterCryptoTokens {
				return c.receiver.InstallWriterTokens(sourcePrefix, entityKey, km)
			}
			return c.receiver.InstallReaderTokens(sourcePrefix, entityKey, km)
		}
		rem := c.rememberedFor(sourcePrefix)
		if msg.MessageClassID == ClassDataWriterCryptoTokens {
			rem.RememberWriter(entityKey, &tok)
		} else {
			rem.RememberReader(entityKey, &tok)
		}
		return nil

	case ClassVolData:
		return nil // opaque extension payload; no core action

	default:
		return ddserr.New("ctt.OnReceive", ddserr.Unsupported)
	}
}

// InstallRemembered is called the moment an endpoint is discovered, to
// flush any tokens received before that point (spec §4.5).
func (c *Channel) InstallRemembered(sourcePrefix [12]byte, entityKey [4]byte) error {
	rem := c.rememberedFor(sourcePrefix)
	tokens, ok := rem.Take(entityKey)
	if !ok {
		return nil
	}
	if tokens.Writer != nil {
		km, err := DecodeToken(tokens.Writer, c.recv, c.kxMacKey)
		if err != nil {
			return err
		}
		if err := c.receiver.InstallWriterTokens(sourcePrefix, entityKey, km); err != nil {
			return err
		}
	}
	if tokens.Reader != nil {
		km, err := DecodeToken(tokens.Reader, c.recv, c.kxMacKey)
		if err != nil {
			return err
		}
		if err := c.receiver.InstallReaderTokens(sourcePrefix, entityKey, km); err != nil {
			return err
		}
	}
	return nil
}
