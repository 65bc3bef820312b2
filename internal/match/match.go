// Package match implements the SEDP matcher of spec §4.7: partition,
// QoS-compatibility, typecode, and access-control checks run for every
// candidate local-writer/discovered-reader or local-reader/discovered-writer
// pair, plus the match/unmatch side effects into RTPS and DCPS.
package match

import (
	"bytes"
)

// QosPolicyID names the overlapping QoS policies compared by the matcher
// (spec §4.7).
type QosPolicyID int

const (
	PolicyReliability QosPolicyID = iota
	PolicyDurability
	PolicyDeadline
	PolicyLiveliness
	PolicyDestinationOrder
	PolicyPresentation
	PolicyOwnership
)

func (p QosPolicyID) String() string {
	switch p {
	case PolicyReliability:
		return "RELIABILITY"
	case PolicyDurability:
		return "DURABILITY"
	case PolicyDeadline:
		return "DEADLINE"
	case PolicyLiveliness:
		return "LIVELINESS"
	case PolicyDestinationOrder:
		return "DESTINATION_ORDER"
	case PolicyPresentation:
		return "PRESENTATION"
	case PolicyOwnership:
		return "OWNERSHIP"
	default:
		return "UNKNOWN"
	}
}

// ReliabilityKind/DurabilityKind/... follow the standard DDS ordering
// where a higher offered value is compatible with any lower-or-equal
// requested value (spec §4.7's "RELIABILITY, DURABILITY, ... compatible").
type Kind int

// Qos is the subset of endpoint QoS the matcher compares (spec §4.7).
type Qos struct {
	Reliability      Kind // 0=BEST_EFFORT, 1=RELIABLE
	Durability       Kind // 0=VOLATILE .. 3=PERSISTENT
	DeadlinePeriodNs int64 // 0 = infinite
	Liveliness       Kind // 0=AUTOMATIC, 1=MANUAL_BY_PARTICIPANT, 2=MANUAL_BY_TOPIC
	LivelinessLeaseNs int64
	DestinationOrder Kind // 0=BY_RECEPTION, 1=BY_SOURCE_TIMESTAMP
	PresentationKind Kind // 0=INSTANCE, 1=TOPIC, 2=GROUP
	PresentationCoherent, PresentationOrdered bool
	Ownership Kind // 0=SHARED, 1=EXCLUSIVE
}

// Endpoint is the matcher-relevant projection of a local or discovered
// endpoint (writer or reader).
type Endpoint struct {
	GUID           [16]byte
	Topic          string
	Partitions     []string
	Qos            Qos
	Typecode       []byte // canonicalized; nil means "not carried"
	PermissionsCredential []byte
}

// Result is the outcome of one candidate-pair evaluation.
type Result struct {
	Matched              bool
	IncompatiblePolicy   QosPolicyID
	IncompatibleQos      bool
	InconsistentTopic    bool
	AccessDenied         bool
}

// AccessChecker is the access-control hook of spec §4.7's "Access-control
// match" step (internal/access.Bus satisfies this directly; internal/domain
// passes its access bus to the matcher).
type AccessChecker interface {
	CheckLocalWriterMatch(remoteCred []byte, topic string, partitions []string) error
	CheckLocalReaderMatch(remoteCred []byte, topic string, partitions []string) error
}

// PartitionsMatch implements spec §4.7's partition-match rule: both lists
// are sets of shell-style glob patterns, and a match is the existence of
// any (A, B) pair with A matching B (in either direction, since either
// side's pattern may be the wildcard).
func PartitionsMatch(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	la, lb := a, b
	if len(la) == 0 {
		la = []string{""}
	}
	if len(lb) == 0 {
		lb = []string{""}
	}
	for _, pa := range la {
		for _, pb := range lb {
			if globMatch(pa, pb) || globMatch(pb, pa) {
				return true
			}
		}
	}
	return false
}

func globMatch(pattern, s string) bool {
	star := -1
	for i, r := range pattern {
		if r == '*' {
			star = i
			break
		}
	}
	if star < 0 {
		return pattern == s
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	if len(s) < len(prefix)+len(suffix) {
		return false
	}
	return s[:len(prefix)] == prefix && s[len(s)-len(suffix):] == suffix
}

// QosCompatible checks every overlapping QoS policy in spec §4.7's fixed
// order, returning the first incompatibility found (since the spec says
// "on first incompatibility, report the specific policy id").
func QosCompatible(writer, reader Qos) (QosPolicyID, bool) {
	if reader.Reliability > writer.Reliability {
		return PolicyReliability, false
	}
	if reader.Durability > writer.Durability {
		return PolicyDurability, false
	}
	if reader.DeadlinePeriodNs != 0 && (writer.DeadlinePeriodNs == 0 || writer.DeadlinePeriodNs > reader.DeadlinePeriodNs) {
		return PolicyDeadline, false
	}
	if reader.Liveliness > writer.Liveliness {
		return PolicyLiveliness, false
	}
	if reader.Liveliness == writer.Liveliness && reader.LivelinessLeaseNs != 0 &&
		(writer.LivelinessLeaseNs == 0 || writer.LivelinessLeaseNs > reader.LivelinessLeaseNs) {
		return PolicyLiveliness, false
	}
	if reader.DestinationOrder > writer.DestinationOrder {
		return PolicyDestinationOrder, false
	}
	if reader.PresentationKind != writer.PresentationKind {
		return PolicyPresentation, false
	}
	if reader.PresentationCoherent && !writer.PresentationCoherent {
		return PolicyPresentation, false
	}
	if reader.PresentationOrdered && !writer.PresentationOrdered {
		return PolicyPresentation, false
	}
	if reader.Ownership != writer.Ownership {
		return PolicyOwnership, false
	}
	return 0, true
}

// TypecodesCompatible implements spec §4.7's typecode-match rule: if both
// sides carry a typecode, it must be byte-for-byte identical after
// canonicalization (canonicalization itself is out of this package's
// scope; callers pass already-canonicalized bytes).
func TypecodesCompatible(writer, reader []byte) bool {
	if writer == nil || reader == nil {
		return true
	}
	return bytes.Equal(writer, reader)
}

// Evaluate runs the full four-step match procedure of spec §4.7 for one
// candidate (writer, reader) pair.
func Evaluate(writer, reader Endpoint, access AccessChecker) Result {
	if !PartitionsMatch(writer.Partitions, reader.Partitions) {
		return Result{Matched: false}
	}
	if policy, ok := QosCompatible(writer.Qos, reader.Qos); !ok {
		return Result{Matched: false, IncompatibleQos: true, IncompatiblePolicy: policy}
	}
	if !TypecodesCompatible(writer.Typecode, reader.Typecode) {
		return Result{Matched: false, InconsistentTopic: true}
	}
	if access != nil {
		if err := access.CheckLocalWriterMatch(reader.PermissionsCredential, writer.Topic, writer.Partitions); err != nil {
			return Result{Matched: false, AccessDenied: true}
		}
		if err := access.CheckLocalReaderMatch(writer.PermissionsCredential, reader.Topic, reader.Partitions); err != nil {
			return Result{Matched: false, AccessDenied: true}
		}
	}
	return Result{Matched: true}
}

// RTPSHook is the subset of the external RTPS interface (spec §6) the
// matcher drives directly on new match / unmatch.
type RTPSHook interface {
	MatchedReaderAdd(writerGUID, readerGUID [16]byte) error
	MatchedReaderRemove(writerGUID, readerGUID [16]byte) error
	MatchedWriterAdd(readerGUID, writerGUID [16]byte) error
	MatchedWriterRemove(readerGUID, writerGUID [16]byte) error
}

// CryptoHook registers/unregisters a matched peer with the crypto plugin
// and sends the resulting tokens over CTT (spec §4.7's "if the local
// endpoint has submessage or payload protection enabled...").
type CryptoHook interface {
	RegisterPeerAndSendTokens(localGUID, peerGUID [16]byte) error
	UnregisterPeer(localGUID, peerGUID [16]byte) error
}

// Listener is the DCPS match-status callback surface (spec §6's
// disc_register(on_match, on_unmatch, on_done)).
type Listener interface {
	OnPublicationMatched(writerGUID, readerGUID [16]byte, countChange int)
	OnSubscriptionMatched(readerGUID, writerGUID [16]byte, countChange int)
	OnOfferedIncompatibleQos(writerGUID [16]byte, policy QosPolicyID)
	OnRequestedIncompatibleQos(readerGUID [16]byte, policy QosPolicyID)
	OnInconsistentTopic(topic string)
}

// Matcher drives Evaluate against every candidate pair and applies the
// RTPS/crypto/listener side effects of spec §4.7's "new match"/"unmatch"
// sequences.
type Matcher struct {
	access   AccessChecker
	rtps     RTPSHook
	crypto   CryptoHook
	listener Listener

	matched map[[32]byte]bool // key = writerGUID||readerGUID, protection enabled or not
}

func pairKey(a, b [16]byte) [32]byte {
	var k [32]byte
	copy(k[:16], a[:])
	copy(k[16:], b[:])
	return k
}

// NewMatcher creates a Matcher for one topic's local/discovered endpoint set.
func NewMatcher(access AccessChecker, rtps RTPSHook, crypto CryptoHook, listener Listener) *Matcher {
	return &Matcher{access: access, rtps: rtps, crypto: crypto, listener: listener, matched: make(map[[32]byte]bool)}
}

// Match evaluates and, on success, wires up the new writer/reader pair; on
// incompatibility it notifies listeners without treating the outcome as
// an error (spec §7: "incompatible QoS generates a listener notification
// but is not itself a failure").
func (m *Matcher) Match(writer, reader Endpoint, protected bool) Result {
	res := Evaluate(writer, reader, m.access)
	key := pairKey(writer.GUID, reader.GUID)

	if !res.Matched {
		if res.IncompatibleQos {
			m.listener.OnOfferedIncompatibleQos(writer.GUID, res.IncompatiblePolicy)
			m.listener.OnRequestedIncompatibleQos(reader.GUID, res.IncompatiblePolicy)
		}
		if res.InconsistentTopic {
			m.listener.OnInconsistentTopic(writer.Topic)
		}
		return res
	}

	if m.matched[key] {
		return res // already matched; idempotent re-run (e.g. endpoint update)
	}
	m.matched[key] = true

	if m.rtps != nil {
		m.rtps.MatchedReaderAdd(writer.GUID, reader.GUID)
		m.rtps.MatchedWriterAdd(reader.GUID, writer.GUID)
	}
	if protected && m.crypto != nil {
		m.crypto.RegisterPeerAndSendTokens(writer.GUID, reader.GUID)
		m.crypto.RegisterPeerAndSendTokens(reader.GUID, writer.GUID)
	}
	m.listener.OnPublicationMatched(writer.GUID, reader.GUID, 1)
	m.listener.OnSubscriptionMatched(reader.GUID, writer.GUID, 1)
	return res
}

// Unmatch reverses Match's sequence (spec §4.7: "disable the QoS
// enforcers, unregister crypto, tear down the proxy, release the peer
// crypto handle, notify DCPS").
func (m *Matcher) Unmatch(writer, reader Endpoint, protected bool) {
	key := pairKey(writer.GUID, reader.GUID)
	if !m.matched[key] {
		return
	}
	delete(m.matched, key)

	if protected && m.crypto != nil {
		m.crypto.UnregisterPeer(writer.GUID, reader.GUID)
		m.crypto.UnregisterPeer(reader.GUID, writer.GUID)
	}
	if m.rtps != nil {
		m.rtps.MatchedReaderRemove(writer.GUID, reader.GUID)
		m.rtps.MatchedWriterRemove(reader.GUID, writer.GUID)
	}
	m.listener.OnPublicationMatched(writer.GUID, reader.GUID, -1)
	m.listener.OnSubscriptionMatched(reader.GUID, writer.GUID, -1)
}

// IsMatched reports whether writer/reader are currently matched.
func (m *Matcher) IsMatched(writer, reader [16]byte) bool {
	return m.matched[pairKey(writer, reader)]
}
