// Package nlattr implements the wire-level attribute (NLA) codec described
// in spec.md §4.3: the 4-byte length/type header, its NESTED and
// NET_BYTEORDER flag bits, and 4-byte payload alignment. It knows nothing
// about schemas, tag-to-type maps, or nesting semantics — that belongs to
// package schema, which resolves a Raw attribute's payload against a schema
// node. nlattr only knows how to find the next TLV in a buffer and how to
// frame one for the wire.
package nlattr

import (
	"errors"

	"github.com/m-lab/netlinkit/nlenc"
)

// Header bit layout per spec.md §6.1: the high two bits of the 16-bit
// `type` field carry flags, the low 14 bits carry the tag.
const (
	Nested       uint16 = 0x8000
	NetByteOrder uint16 = 0x4000
	tagMask      uint16 = 0x3fff

	// HeaderLen is the size of the length+type header, before payload.
	HeaderLen = 4
	// Align is the alignment boundary every attribute (header + payload)
	// is padded to.
	Align = 4
)

// ErrTail is returned by Unpack when the buffer holds fewer bytes than a
// full attribute claims to need. Per spec.md §4.3 decode rule 1 this is
// not a hard error: it means the caller has reached the tail of the
// packet (or, when parsing with a save buffer, needs more bytes).
var ErrTail = errors.New("nlattr: incomplete attribute at tail of buffer")

// errZeroLength is returned for a length field below the 4-byte header
// size, which can never describe a valid attribute.
var errZeroLength = errors.New("nlattr: attribute length below header size")

// Raw is one decoded attribute at the wire level: its tag, flags, and
// undecoded payload bytes (payload excludes the header and any trailing
// pad bytes).
type Raw struct {
	Tag          uint16
	Nested       bool
	NetByteOrder bool
	Data         []byte
}

// TypeWord reassembles the 16-bit wire `type` field from Tag and the flag
// bits.
func (r Raw) TypeWord() uint16 {
	t := r.Tag & tagMask
	if r.Nested {
		t |= Nested
	}
	if r.NetByteOrder {
		t |= NetByteOrder
	}
	return t
}

// Unpack reads one attribute at the start of b. It returns the decoded
// attribute, the number of bytes consumed (header + payload, padded to
// Align), and an error. ErrTail signals a truncated tail rather than
// malformed input; callers parsing a full message should treat it as
// "stop, nothing more here" while callers with access to a defragmentation
// buffer should save the remainder and retry once more data arrives.
func Unpack(b []byte) (Raw, int, error) {
	if len(b) < HeaderLen {
		return Raw{}, 0, ErrTail
	}
	length, err := nlenc.Uint16(b[0:2], nlenc.Host)
	if err != nil {
		return Raw{}, 0, err
	}
	if int(length) < HeaderLen {
		return Raw{}, 0, errZeroLength
	}
	if int(length) > len(b) {
		return Raw{}, 0, ErrTail
	}
	typeWord, err := nlenc.Uint16(b[2:4], nlenc.Host)
	if err != nil {
		return Raw{}, 0, err
	}
	payload := b[HeaderLen:length]
	data := make([]byte, len(payload))
	copy(data, payload)

	consumed := nlenc.Align(int(length), Align)
	return Raw{
		Tag:          typeWord & tagMask,
		Nested:       typeWord&Nested != 0,
		NetByteOrder: typeWord&NetByteOrder != 0,
		Data:         data,
	}, consumed, nil
}

// Pack encodes r as a full wire attribute: 4-byte header, payload, and
// zero-filled padding out to the next Align boundary.
func Pack(r Raw) []byte {
	total := nlenc.Align(HeaderLen+len(r.Data), Align)
	b := make([]byte, total)
	nlenc.PutUint16(b[0:2], uint16(HeaderLen+len(r.Data)), nlenc.Host)
	nlenc.PutUint16(b[2:4], r.TypeWord(), nlenc.Host)
	copy(b[HeaderLen:], r.Data)
	// b[HeaderLen+len(r.Data):] is already zero from make().
	return b
}

// Split decodes every complete attribute in b, in order, stopping
// (without error) at the first incomplete tail. It is the direct
// equivalent of vishvananda/netlink's nl.ParseRouteAttr / the teacher's
// ParseRouteAttr, generalized to expose flags as well as the tag.
func Split(b []byte) ([]Raw, error) {
	var attrs []Raw
	for len(b) > 0 {
		a, n, err := Unpack(b)
		if err == ErrTail {
			break
		}
		if err != nil {
			return attrs, err
		}
		attrs = append(attrs, a)
		b = b[n:]
	}
	return attrs, nil
}

// Join encodes a sequence of attributes back to back, each individually
// padded. It is the encode-side mirror of Split.
func Join(attrs []Raw) []byte {
	var out []byte
	for _, a := range attrs {
		out = append(out, Pack(a)...)
	}
	return out
}
