package sedp

import (
	"testing"

	"github.com/qeodomain/ddscored/internal/match"
)

type fakeTopics struct{ ensured int }

func (f *fakeTopics) EnsureTopic(name string, ep match.Endpoint, isWriter bool) error {
	f.ensured++
	return nil
}

type fakeLocatorNf struct{ changed int }

func (f *fakeLocatorNf) NotifyLocatorsChanged(guid [16]byte, locators []string) { f.changed++ }

type fakeLocal struct {
	writers, readers []match.Endpoint
}

func (f *fakeLocal) LocalWritersFor(topic string) []match.Endpoint { return f.writers }
func (f *fakeLocal) LocalReadersFor(topic string) []match.Endpoint { return f.readers }

func newTestDetector(local *fakeLocal) (*Detector, *fakeTopics, *fakeLocatorNf) {
	topics := &fakeTopics{}
	locatorNf := &fakeLocatorNf{}
	d := NewDetector(topics, locatorNf, local, func(topic string) *match.Matcher {
		return match.NewMatcher(nil, nil, nil, noopListener{})
	})
	return d, topics, locatorNf
}

type noopListener struct{}

func (noopListener) OnPublicationMatched(w, r [16]byte, c int)   {}
func (noopListener) OnSubscriptionMatched(r, w [16]byte, c int)  {}
func (noopListener) OnOfferedIncompatibleQos(w [16]byte, p match.QosPolicyID)   {}
func (noopListener) OnRequestedIncompatibleQos(r [16]byte, p match.QosPolicyID) {}
func (noopListener) OnInconsistentTopic(topic string)            {}

func TestNewWriterSampleCreatesTopicAndMatches(t *testing.T) {
	var rGUID [16]byte
	rGUID[15] = 9
	local := &fakeLocal{readers: []match.Endpoint{{GUID: rGUID, Topic: "Square"}}}
	d, topics, _ := newTestDetector(local)

	var wGUID [16]byte
	wGUID[15] = 1
	err := d.OnWriterSample(DiscoveredEndpoint{Endpoint: match.Endpoint{GUID: wGUID, Topic: "Square"}})
	if err != nil {
		t.Fatal(err)
	}
	if topics.ensured != 1 {
		t.Fatalf("expected topic to be created once, got %d", topics.ensured)
	}
	if !d.matchers["Square"].IsMatched(wGUID, rGUID) {
		t.Fatal("expected discovered writer to be matched with the local reader")
	}
}

func TestLocatorChangeNotifiesAndRematches(t *testing.T) {
	local := &fakeLocal{}
	d, _, locatorNf := newTestDetector(local)
	var wGUID [16]byte
	wGUID[15] = 2
	ep := DiscoveredEndpoint{Endpoint: match.Endpoint{GUID: wGUID, Topic: "T"}, Locators: []string{"udp://1.2.3.4"}}
	if err := d.OnWriterSample(ep); err != nil {
		t.Fatal(err)
	}
	ep.Locators = []string{"udp://5.6.7.8"}
	if err := d.OnWriterSample(ep); err != nil {
		t.Fatal(err)
	}
	if locatorNf.changed != 1 {
		t.Fatalf("expected exactly one locator-change notification, got %d", locatorNf.changed)
	}
}

func TestDisposeUnmatchesAgainstLocalCounterparts(t *testing.T) {
	var rGUID [16]byte
	rGUID[15] = 3
	local := &fakeLocal{readers: []match.Endpoint{{GUID: rGUID, Topic: "T"}}}
	d, _, _ := newTestDetector(local)
	var wGUID [16]byte
	wGUID[15] = 4
	ep := DiscoveredEndpoint{Endpoint: match.Endpoint{GUID: wGUID, Topic: "T"}}
	if err := d.OnWriterSample(ep); err != nil {
		t.Fatal(err)
	}
	d.OnDispose(wGUID)
	if _, known := d.endpoints[wGUID]; known {
		t.Fatal("expected endpoint to be removed after dispose")
	}
}
