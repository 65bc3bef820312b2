package rtps

import "testing"

// Recording wraps NoopLayer and counts matched-reader and matched-writer
// additions; it is defined in this test file for the tests below.
type Recording struct {
	NoopLayer
	MatchedReaderAdds int
	MatchedWriterAdds int
}

func (r *Recording) MatchedReaderAdd(writerGUID, readerGUID [16]byte) error {
	r.MatchedReaderAdds++
	return nil
}

func (r *Recording) MatchedWriterAdd(readerGUID, writerGUID [16]byte) error {
	r.MatchedWriterAdds++
	return nil
}

func TestNoopLayerSatisfiesInterface(t *testing.T) {
	var l Layer = NoopLayer{}
	if err := l.WriterCreate(WriterParams{Topic: "T"}); err != nil {
		t.Fatal(err)
	}
	if err := l.EndpointAssert([16]byte{}); err != nil {
		t.Fatal(err)
	}
}

func TestRecordingCountsMatches(t *testing.T) {
	r := &Recording{}
	var l Layer = r
	l.MatchedReaderAdd([16]byte{1}, [16]byte{2})
	l.MatchedWriterAdd([16]byte{2}, [16]byte{1})
	if r.MatchedReaderAdds != 1 || r.MatchedWriterAdds != 1 {
		t.Fatalf("expected one of each, got %+v", r)
	}
}
