package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MessageIdentity is a source GUID prefix plus monotonic sequence number,
// used both as a message's own identity and as a related-message identity
// pointing back to the transaction's Request (spec §6, §4.4).
type MessageIdentity struct {
	GUIDPrefix [12]byte
	Sequence   uint64
}

// ParticipantStatelessMessage is the shared PSMP / CTT ("volatile secure")
// CDR envelope described in spec §6.
type ParticipantStatelessMessage struct {
	MessageIdentity        MessageIdentity
	RelatedMessageIdentity MessageIdentity
	DestinationParticipant [16]byte
	DestinationEndpoint    [16]byte
	SourceEndpoint         [16]byte
	MessageClassID         string
	MessageData            []DataHolder
}

// order of fields below matches the struct field order exactly; this is a
// length-prefixed encoding (not true RTPS CDR alignment) sufficient for the
// core's own wire round-trip and test harness.

func putString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.BigEndian, uint32(len(s)))
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(b)))
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
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

func putMessageIdentity(buf *bytes.Buffer, id MessageIdentity) {
	buf.Write(id.GUIDPrefix[:])
	binary.Write(buf, binary.BigEndian, id.Sequence)
}

func getMessageIdentity(r *bytes.Reader) (MessageIdentity, error) {
	var id MessageIdentity
	if _, err := r.Read(id.GUIDPrefix[:]); err != nil {
		return id, err
	}
	if err := binary.Read(r, binary.BigEndian, &id.Sequence); err != nil {
		return id, err
	}
	return id, nil
}

func encodeDataHolder(buf *bytes.Buffer, h DataHolder) {
	putString(buf, h.ClassID)
	binary.Write(buf, binary.BigEndian, uint32(len(h.StringProps)))
	for _, p := range h.StringProps {
		putString(buf, p.Name)
		putString(buf, p.Value)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(h.BinaryProps)))
	for _, p := range h.BinaryProps {
		putString(buf, p.Name)
		putBytes(buf, p.Value)
	}
	binary.Write(buf, binary.BigEndian, uint32(len(h.Strings)))
	for _, s := range h.Strings {
		putString(buf, s)
	}
	putBytes(buf, h.BinaryValue1)
	putBytes(buf, h.BinaryValue2)
	binary.Write(buf, binary.BigEndian, uint32(len(h.LongLongs)))
	for _, v := range h.LongLongs {
		binary.Write(buf, binary.BigEndian, v)
	}
}

func decodeDataHolder(r *bytes.Reader) (DataHolder, error) {
	var h DataHolder
	var err error
	if h.ClassID, err = getString(r); err != nil {
		return h, err
	}
	var n uint32
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return h, err
	}
	for i := uint32(0); i < n; i++ {
		name, err := getString(r)
		if err != nil {
			return h, err
		}
		val, err := getString(r)
		if err != nil {
			return h, err
		}
		h.StringProps = append(h.StringProps, StringProperty{Name: name, Value: val})
	}
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return h, err
	}
	for i := uint32(0); i < n; i++ {
		name, err := getString(r)
		if err != nil {
			return h, err
		}
		val, err := getBytes(r)
		if err != nil {
			return h, err
		}
		h.BinaryProps = append(h.BinaryProps, BinaryProperty{Name: name, Value: val})
	}
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return h, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := getString(r)
		if err != nil {
			return h, err
		}
		h.Strings = append(h.Strings, s)
	}
	if h.BinaryValue1, err = getBytes(r); err != nil {
		return h, err
	}
	if h.BinaryValue2, err = getBytes(r); err != nil {
		return h, err
	}
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return h, err
	}
	for i := uint32(0); i < n; i++ {
		var v int64
		if err = binary.Read(r, binary.BigEndian, &v); err != nil {
			return h, err
		}
		h.LongLongs = append(h.LongLongs, v)
	}
	return h, nil
}

// Encode serializes m. Encoding then decoding m must yield the same field
// values (spec §8, round-trip laws).
func (m ParticipantStatelessMessage) Encode() []byte {
	var buf bytes.Buffer
	putMessageIdentity(&buf, m.MessageIdentity)
	putMessageIdentity(&buf, m.RelatedMessageIdentity)
	buf.Write(m.DestinationParticipant[:])
	buf.Write(m.DestinationEndpoint[:])
	buf.Write(m.SourceEndpoint[:])
	putString(&buf, m.MessageClassID)
	binary.Write(&buf, binary.BigEndian, uint32(len(m.MessageData)))
	for _, h := range m.MessageData {
		encodeDataHolder(&buf, h)
	}
	return buf.Bytes()
}

// DecodeParticipantStatelessMessage parses the output of Encode.
func DecodeParticipantStatelessMessage(b []byte) (ParticipantStatelessMessage, error) {
	var m ParticipantStatelessMessage
	r := bytes.NewReader(b)
	var err error
	if m.MessageIdentity, err = getMessageIdentity(r); err != nil {
		return m, fmt.Errorf("message identity: %w", err)
	}
	if m.RelatedMessageIdentity, err = getMessageIdentity(r); err != nil {
		return m, fmt.Errorf("related message identity: %w", err)
	}
	if _, err = r.Read(m.DestinationParticipant[:]); err != nil {
		return m, fmt.Errorf("destination participant: %w", err)
	}
	if _, err = r.Read(m.DestinationEndpoint[:]); err != nil {
		return m, fmt.Errorf("destination endpoint: %w", err)
	}
	if _, err = r.Read(m.SourceEndpoint[:]); err != nil {
		return m, fmt.Errorf("source endpoint: %w", err)
	}
	if m.MessageClassID, err = getString(r); err != nil {
		return m, fmt.Errorf("message class id: %w", err)
	}
	var n uint32
	if err = binary.Read(r, binary.BigEndian, &n); err != nil {
		return m, fmt.Errorf("message data count: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		h, err := decodeDataHolder(r)
		if err != nil {
			return m, fmt.Errorf("message data[%d]: %w", i, err)
		}
		m.MessageData = append(m.MessageData, h)
	}
	return m, nil
}
