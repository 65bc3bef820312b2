// Package rtps mirrors the external RTPS collaborator interface of
// spec §6 exactly: the core never writes to the wire directly, it
// only drives this interface, and a real RTPS transport satisfies it
// from outside this module.
package rtps

import "time"

// Locator is a transport address the RTPS layer resolves and binds.
type Locator struct {
	Family string // "udp4", "udp6", "shm", ...
	Addr   string
	Port   uint16
}

// WriterParams/ReaderParams carry the QoS-relevant fields RTPS needs
// to stand up a proxy; the domain/endpoint QoS record itself lives in
// internal/match.Qos and is translated at the call site.
type WriterParams struct {
	GUID       [16]byte
	Topic      string
	Reliable   bool
	Multicast  bool
}

type ReaderParams struct {
	GUID     [16]byte
	Topic    string
	Reliable bool
}

// Layer is the interface consumed from the RTPS layer (spec §6):
// writer_create/delete, reader_create/delete, matched_reader_add/remove,
// matched_writer_add/remove, endpoint_locators_update, endpoint_locality_update,
// writer_write, writer_unregister, stateless_resend, endpoint_assert,
// peer_reader_crypto_get/set, peer_writer_crypto_get/set, relay_add/remove.
type Layer interface {
	WriterCreate(p WriterParams) error
	WriterDelete(guid [16]byte) error
	ReaderCreate(p ReaderParams) error
	ReaderDelete(guid [16]byte) error

	MatchedReaderAdd(writerGUID, readerGUID [16]byte) error
	MatchedReaderRemove(writerGUID, readerGUID [16]byte) error
	MatchedWriterAdd(readerGUID, writerGUID [16]byte) error
	MatchedWriterRemove(readerGUID, writerGUID [16]byte) error

	EndpointLocatorsUpdate(ep [16]byte, locators []Locator, multicast bool) error
	EndpointLocalityUpdate(ep [16]byte, local bool) error

	WriterWrite(w [16]byte, data []byte, instanceHandle uint64, hashID uint32, timestamp time.Time, dst [16]byte, numDest int) error
	WriterUnregister(w [16]byte, instanceHandle uint64) error

	StatelessResend(peerPrefix [12]byte, payload []byte) error
	EndpointAssert(ep [16]byte) error

	PeerReaderCryptoGet(readerGUID [16]byte) ([]byte, error)
	PeerReaderCryptoSet(readerGUID [16]byte, material []byte) error
	PeerWriterCryptoGet(writerGUID [16]byte) ([]byte, error)
	PeerWriterCryptoSet(writerGUID [16]byte, material []byte) error

	RelayAdd(peerPrefix [12]byte, locators []Locator) error
	RelayRemove(peerPrefix [12]byte) error
}

// NoopLayer is a real, inert Layer implementation: every call
// succeeds and does nothing. It is useful standalone (a domain
// running with no transport attached, e.g. for wire/FSM-only
// integration tests) and as an embeddable base for partial fakes.
type NoopLayer struct{}

var _ Layer = NoopLayer{}

func (NoopLayer) WriterCreate(WriterParams) error { return nil }
func (NoopLayer) WriterDelete([16]byte) error     { return nil }
func (NoopLayer) ReaderCreate(ReaderParams) error { return nil }
func (NoopLayer) ReaderDelete([16]byte) error     { return nil }

func (NoopLayer) MatchedReaderAdd([16]byte, [16]byte) error    { return nil }
func (NoopLayer) MatchedReaderRemove([16]byte, [16]byte) error { return nil }
func (NoopLayer) MatchedWriterAdd([16]byte, [16]byte) error    { return nil }
func (NoopLayer) MatchedWriterRemove([16]byte, [16]byte) error { return nil }

func (NoopLayer) EndpointLocatorsUpdate([16]byte, []Locator, bool) error { return nil }
func (NoopLayer) EndpointLocalityUpdate([16]byte, bool) error           { return nil }

func (NoopLayer) WriterWrite([16]byte, []byte, uint64, uint32, time.Time, [16]byte, int) error {
	return nil
}
func (NoopLayer) WriterUnregister([16]byte, uint64) error { return nil }

func (NoopLayer) StatelessResend([12]byte, []byte) error { return nil }
func (NoopLayer) EndpointAssert([16]byte) error          { return nil }

func (NoopLayer) PeerReaderCryptoGet([16]byte) ([]byte, error)      { return nil, nil }
func (NoopLayer) PeerReaderCryptoSet([16]byte, []byte) error        { return nil }
func (NoopLayer) PeerWriterCryptoGet([16]byte) ([]byte, error)      { return nil, nil }
func (NoopLayer) PeerWriterCryptoSet([16]byte, []byte) error        { return nil }

func (NoopLayer) RelayAdd([12]byte, []Locator) error { return nil }
func (NoopLayer) RelayRemove([12]byte) error         { return nil }
