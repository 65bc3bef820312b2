// Package sedp implements Endpoint Discovery (spec §4.7): reception of
// DiscoveredWriterData/DiscoveredReaderData samples, topic
// creation-on-demand, content-filter tracking, and driving the matcher
// against every local counterpart.
package sedp

import (
	"bytes"
	"sync"

	"github.com/qeodomain/ddscored/internal/ddserr"
	"github.com/qeodomain/ddscored/internal/match"
)

// ContentFilter is a discovered reader's filter expression plus its
// compiled parameter cache (spec §4.7: "compare content-filter expression
// and parameters and update filter program and its value cache").
type ContentFilter struct {
	Expression string
	Parameters []string
}

func (f ContentFilter) equal(g ContentFilter) bool {
	if f.Expression != g.Expression || len(f.Parameters) != len(g.Parameters) {
		return false
	}
	for i := range f.Parameters {
		if f.Parameters[i] != g.Parameters[i] {
			return false
		}
	}
	return true
}

// DiscoveredEndpoint is one remote writer or reader announced via SEDP.
type DiscoveredEndpoint struct {
	match.Endpoint
	IsWriter      bool
	ContentFilter *ContentFilter // set only for readers
	Locators      []string
	Protected     bool
}

// TopicCreator creates a locally unknown topic with QoS derived from the
// endpoint announcement (spec §4.7 step 1's "dw2dt/dr2dt mappings").
type TopicCreator interface {
	EnsureTopic(name string, fromEndpoint match.Endpoint, isWriter bool) error
}

// LocatorNotifier is told when a known discovered endpoint's locators
// change, so RTPS proxies rebind (spec §4.7 step 2).
type LocatorNotifier interface {
	NotifyLocatorsChanged(guid [16]byte, locators []string)
}

// LocalCounterparts returns the local writers (for a discovered reader)
// or local readers (for a discovered writer) on the same topic, against
// which the match step must be re-run.
type LocalCounterparts interface {
	LocalWritersFor(topic string) []match.Endpoint
	LocalReadersFor(topic string) []match.Endpoint
}

// Detector tracks discovered endpoints and drives internal/match against
// local counterparts (spec §4.7).
type Detector struct {
	mu sync.Mutex

	endpoints     map[[16]byte]*DiscoveredEndpoint
	matchers      map[string]*match.Matcher    // keyed by topic
	byParticipant map[[12]byte]map[[16]byte]struct{} // peer prefix -> its endpoint GUIDs

	topics    TopicCreator
	locatorNf LocatorNotifier
	local     LocalCounterparts
	newMatcher func(topic string) *match.Matcher
}

// participantPrefix returns the leading 12 bytes of an endpoint GUID,
// the participant it belongs to (spec §6's GUID layout).
func participantPrefix(guid [16]byte) (prefix [12]byte) {
	copy(prefix[:], guid[:12])
	return prefix
}

// NewDetector creates a Detector. newMatcher constructs (or returns a
// cached) Matcher for a topic, so access/RTPS/crypto/listener wiring
// stays owned by the caller (typically internal/domain).
func NewDetector(topics TopicCreator, locatorNf LocatorNotifier, local LocalCounterparts, newMatcher func(topic string) *match.Matcher) *Detector {
	return &Detector{
		endpoints:     make(map[[16]byte]*DiscoveredEndpoint),
		matchers:      make(map[string]*match.Matcher),
		byParticipant: make(map[[12]byte]map[[16]byte]struct{}),
		topics:        topics,
		locatorNf:     locatorNf,
		local:         local,
		newMatcher:    newMatcher,
	}
}

func (d *Detector) matcherFor(topic string) *match.Matcher {
	m, ok := d.matchers[topic]
	if !ok {
		m = d.newMatcher(topic)
		d.matchers[topic] = m
	}
	return m
}

// OnWriterSample processes one DiscoveredWriterData ALIVE sample.
func (d *Detector) OnWriterSample(ep DiscoveredEndpoint) error {
	ep.IsWriter = true
	return d.onSample(ep)
}

// OnReaderSample processes one DiscoveredReaderData ALIVE sample.
func (d *Detector) OnReaderSample(ep DiscoveredEndpoint) error {
	ep.IsWriter = false
	return d.onSample(ep)
}

func (d *Detector) onSample(ep DiscoveredEndpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, known := d.endpoints[ep.GUID]
	if !known {
		if err := d.topics.EnsureTopic(ep.Topic, ep.Endpoint, ep.IsWriter); err != nil {
			return ddserr.Wrap("sedp.onSample", ddserr.NotAllowedBySecurity, err)
		}
		copyEp := ep
		d.endpoints[ep.GUID] = &copyEp

		prefix := participantPrefix(ep.GUID)
		guids, ok := d.byParticipant[prefix]
		if !ok {
			guids = make(map[[16]byte]struct{})
			d.byParticipant[prefix] = guids
		}
		guids[ep.GUID] = struct{}{}

		return d.rematch(&copyEp)
	}

	locatorsChanged := !stringSlicesEqual(existing.Locators, ep.Locators)
	filterChanged := !contentFiltersEqual(existing.ContentFilter, ep.ContentFilter)
	qosChanged := existing.Qos != ep.Qos || !stringSlicesEqual(existing.Partitions, ep.Partitions) ||
		!bytes.Equal(existing.Typecode, ep.Typecode)

	*existing = ep
	if locatorsChanged {
		d.locatorNf.NotifyLocatorsChanged(ep.GUID, ep.Locators)
	}
	if filterChanged || qosChanged || locatorsChanged {
		return d.rematch(existing)
	}
	return nil
}

// OnDispose/OnUnregister (a NOT_ALIVE sample) removes the endpoint and
// unmatches it against every counterpart.
func (d *Detector) OnDispose(guid [16]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.endpoints[guid]
	if !ok {
		return
	}
	delete(d.endpoints, guid)

	prefix := participantPrefix(guid)
	if guids := d.byParticipant[prefix]; guids != nil {
		delete(guids, guid)
		if len(guids) == 0 {
			delete(d.byParticipant, prefix)
		}
	}

	d.unmatchAll(ep)
}

func (d *Detector) unmatchAll(ep *DiscoveredEndpoint) {
	m := d.matcherFor(ep.Topic)
	if ep.IsWriter {
		for _, reader := range d.local.LocalReadersFor(ep.Topic) {
			m.Unmatch(ep.Endpoint, reader, ep.Protected)
		}
	} else {
		for _, writer := range d.local.LocalWritersFor(ep.Topic) {
			m.Unmatch(writer, ep.Endpoint, ep.Protected)
		}
	}
}

// rematch re-runs the match step against every local counterpart on the
// discovered endpoint's topic (spec §4.7 step 2's "re-run the match step
// against every local counterpart").
func (d *Detector) rematch(ep *DiscoveredEndpoint) error {
	m := d.matcherFor(ep.Topic)
	if ep.IsWriter {
		for _, reader := range d.local.LocalReadersFor(ep.Topic) {
			m.Match(ep.Endpoint, reader, ep.Protected)
		}
	} else {
		for _, writer := range d.local.LocalWritersFor(ep.Topic) {
			m.Match(writer, ep.Endpoint, ep.Protected)
		}
	}
	return nil
}

// DiscoveredWriters/DiscoveredReaders return the currently known remote
// endpoints of the given kind on topic, so a newly created local
// counterpart can be matched against endpoints discovered before it
// existed (spec §4.7's match step runs symmetrically regardless of
// which side came second).
func (d *Detector) DiscoveredWriters(topic string) []DiscoveredEndpoint {
	return d.discovered(topic, true)
}

func (d *Detector) DiscoveredReaders(topic string) []DiscoveredEndpoint {
	return d.discovered(topic, false)
}

// EndpointsForParticipant returns every endpoint discovered under
// peerPrefix, so a participant-level update (locators, locality, relay
// status) can be fanned out to each of that peer's endpoints in turn
// (spec §4.6's Update action: "notify all endpoints of the peer so
// their RTPS proxies rebind").
func (d *Detector) EndpointsForParticipant(peerPrefix [12]byte) []DiscoveredEndpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	guids := d.byParticipant[peerPrefix]
	if len(guids) == 0 {
		return nil
	}
	out := make([]DiscoveredEndpoint, 0, len(guids))
	for guid := range guids {
		if ep, ok := d.endpoints[guid]; ok {
			out = append(out, *ep)
		}
	}
	return out
}

func (d *Detector) discovered(topic string, isWriter bool) []DiscoveredEndpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DiscoveredEndpoint
	for _, ep := range d.endpoints {
		if ep.IsWriter == isWriter && ep.Topic == topic {
			out = append(out, *ep)
		}
	}
	return out
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func contentFiltersEqual(a, b *ContentFilter) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.equal(*b)
}
