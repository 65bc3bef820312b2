// Package wire implements the CDR-ish wire encodings named in spec §6:
// DataHolder, the PSMP/CTT ParticipantStatelessMessage /
// ParticipantVolatileSecureMessage envelope, and the StdCrypto key-material
// and crypto-token layouts. It has no dependency on any other internal
// package so that both the token cache and the protocol state machines can
// sit on top of it.
package wire

// DataHolder is the extensible record carried as the identity token,
// permissions token, and every CTT message_data entry (spec §6).
type DataHolder struct {
	ClassID         string
	StringProps     []StringProperty
	BinaryProps     []BinaryProperty
	Strings         []string
	BinaryValue1    []byte
	BinaryValue2    []byte
	LongLongs       []int64
}

// StringProperty is a key/value string property of a DataHolder.
type StringProperty struct {
	Name  string
	Value string
}

// BinaryProperty is a key/bytes property of a DataHolder.
type BinaryProperty struct {
	Name  string
	Value []byte
}

// Clone returns a deep copy of h so that callers sharing a DataHolder by
// reference (identity/permissions tokens) never observe a mutation made
// through another holder.
func (h *DataHolder) Clone() *DataHolder {
	if h == nil {
		return nil
	}
	c := &DataHolder{ClassID: h.ClassID}
	c.StringProps = append(c.StringProps, h.StringProps...)
	c.BinaryProps = append(c.BinaryProps, h.BinaryProps...)
	c.Strings = append(c.Strings, h.Strings...)
	if h.BinaryValue1 != nil {
		c.BinaryValue1 = append([]byte(nil), h.BinaryValue1...)
	}
	if h.BinaryValue2 != nil {
		c.BinaryValue2 = append([]byte(nil), h.BinaryValue2...)
	}
	c.LongLongs = append(c.LongLongs, h.LongLongs...)
	return c
}

// StringProp returns the value of the named string property, if present.
func (h *DataHolder) StringProp(name string) (string, bool) {
	for _, p := range h.StringProps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// BinaryProp returns the value of the named binary property, if present.
func (h *DataHolder) BinaryProp(name string) ([]byte, bool) {
	for _, p := range h.BinaryProps {
		if p.Name == name {
			return p.Value, true
		}
	}
	return nil, false
}
