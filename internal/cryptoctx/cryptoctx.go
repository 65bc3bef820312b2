// Package cryptoctx implements the per-entity crypto context registry and
// the StdCrypto (AES-CTR/HMAC) key block of spec §3/§4.2/§4.5.
package cryptoctx

import (
	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/handle"
	"github.com/qeodomain/ddscored/internal/xcrypto"
)

// DataHashKind enumerates the data_hash / sign_hash / rem_hash algorithms
// of spec §3.
type DataHashKind int

const (
	HashNone DataHashKind = iota
	HashHMACSHA1
	HashHMACSHA256
)

// DataCipherKind enumerates the data_cipher algorithm of spec §3.
type DataCipherKind int

const (
	CipherNone DataCipherKind = iota
	CipherAES128
	CipherAES256
)

// MasterKey is the long-lived key of spec §3: "id (32-bit), 16- or 32-byte
// master key, HMAC key id, optional initialization vector."
type MasterKey struct {
	ID         uint32
	Key        []byte
	HMACKeyID  []byte
	InitVector []byte
}

// EndpointKeyRecord is a per-remote-endpoint slot in a remote
// participant's crypto context, stored before the endpoint is locally
// known so that CTT tokens received early can be "remembered" (spec §4.5).
type EndpointKeyRecord struct {
	WriterTokens []byte // opaque, plugin-specific key material for this endpoint as writer
	ReaderTokens []byte // ... as reader
	Pending      bool   // true until the local endpoint is actually discovered
}

// StdCryptoKeyBlock is the opaque plugin-specific key block of spec §3 for
// the AES-CTR/HMAC plugin.
type StdCryptoKeyBlock struct {
	DataHash   DataHashKind
	DataCipher DataCipherKind
	SignHash   DataHashKind
	RemHash    DataHashKind

	DataMasterKey  MasterKey
	DataSessionKey xcrypto.SessionKey

	TxSigningMasterKey  *MasterKey
	TxSigningSessionKey *xcrypto.SessionKey
	RxSigningMasterKey  *MasterKey
	RxSigningSessionKey *xcrypto.SessionKey

	// KxKeys are present only for remote participants: a pair of 256-bit
	// keys derived from the handshake shared secret (spec §4.3's get_kx).
	KxKey    [32]byte
	KxMacKey [32]byte

	EncodeSession xcrypto.SessionKey
	DecodeSession xcrypto.SessionKey

	// EndpointKeys is the "skiplist of per-endpoint key records keyed by
	// remote entity id" of spec §3; a map stands in for the skiplist.
	EndpointKeys map[[4]byte]*EndpointKeyRecord
}

// ValidateConsistency enforces spec §3's invariant: "data_hash and
// data_cipher are mutually consistent: AES256 implies SHA256 keys; AES128
// implies SHA1 keys; none implies no cipher."
func (b *StdCryptoKeyBlock) ValidateConsistency() error {
	switch b.DataCipher {
	case CipherNone:
		if b.DataHash != HashNone {
			return ddserr.New("cryptoctx.ValidateConsistency", ddserr.BadParameter)
		}
	case CipherAES128:
		if b.DataHash != HashHMACSHA1 {
			return ddserr.New("cryptoctx.ValidateConsistency", ddserr.BadParameter)
		}
	case CipherAES256:
		if b.DataHash != HashHMACSHA256 {
			return ddserr.New("cryptoctx.ValidateConsistency", ddserr.BadParameter)
		}
	}
	return nil
}

// EndpointKey returns (creating if necessary) the record for remote
// entity id.
func (b *StdCryptoKeyBlock) EndpointKey(entityID [4]byte) *EndpointKeyRecord {
	if b.EndpointKeys == nil {
		b.EndpointKeys = make(map[[4]byte]*EndpointKeyRecord)
	}
	rec, ok := b.EndpointKeys[entityID]
	if !ok {
		rec = &EndpointKeyRecord{Pending: true}
		b.EndpointKeys[entityID] = rec
	}
	return rec
}

// Context is a crypto context: a plugin-specific key block bound to an
// owner (participant or endpoint), addressed by handle (spec §3).
type Context struct {
	Plugin     string
	OwnerGUID  [16]byte
	IsEndpoint bool
	Block      *StdCryptoKeyBlock
}

// Registry is the per-domain crypto context registry of spec §4.1/§9:
// "Crypto contexts are addressed by handle but the referenced key
// material is only mutated by the owning domain's thread." Handles start
// at 32 slots and grow by 32 on exhaustion (spec §6 defaults).
type Registry struct {
	handles *handle.Table
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: handle.New(0)}
}

// Register allocates a handle for ctx.
func (r *Registry) Register(ctx *Context) (handle.Handle, error) {
	return r.handles.Alloc(ctx)
}

// Lookup returns the Context for h, or BadParameter if absent.
func (r *Registry) Lookup(h handle.Handle) (*Context, error) {
	v, err := r.handles.Lookup(h)
	if err != nil {
		return nil, err
	}
	return v.(*Context), nil
}

// Release frees h. The crypto context's lifetime follows its owner
// entity (spec §3 Lifecycles); callers must not look it up afterward.
func (r *Registry) Release(h handle.Handle) error {
	return r.handles.Free(h)
}
