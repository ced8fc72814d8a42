package schema

import (
	"errors"
	"fmt"
	"net"

	"github.com/m-lab/netlinkit/nlenc"
)

// ErrTrailingBytes is returned by DecodeStruct when the input has more
// bytes than the schema accounts for (spec.md §4.2: "The codec rejects a
// trailing-bytes mismatch").
var ErrTrailingBytes = errors.New("schema: trailing bytes after struct")

// StructValue is the decoded, ordered result of a Struct. Offsets are
// never stored on it — they were purely a schema-time concept — only
// field values survive decode.
type StructValue struct {
	fields []Field
	values []any
}

// Get returns the value of the named field and whether it was present
// (it is always present unless name does not match any field).
func (sv *StructValue) Get(name string) (any, bool) {
	for i, f := range sv.fields {
		if f.Name == name {
			return sv.values[i], true
		}
	}
	return nil, false
}

// Lookup implements Resolver so a StructValue's fields (e.g. a message
// body's fields) can serve as Choice discriminator sources too.
func (sv *StructValue) Lookup(name string) (any, bool) {
	return sv.Get(name)
}

// Names returns the field names in schema order.
func (sv *StructValue) Names() []string {
	names := make([]string, len(sv.fields))
	for i, f := range sv.fields {
		names[i] = f.Name
	}
	return names
}

// DecodeStruct decodes b strictly against s: every field is consumed in
// order, and any leftover bytes are an error. This is used for message
// bodies, where the header's declared length tells the caller exactly
// how many bytes belong to the body.
func DecodeStruct(s *Struct, b []byte) (*StructValue, error) {
	sv, n, err := decodeStructPrefix(s, b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, ErrTrailingBytes
	}
	return sv, nil
}

// DecodeStructPrefix decodes s from the front of b and returns the number
// of bytes consumed, tolerating trailing bytes. Kernel structs embedded
// as NLA payloads (e.g. tcp_info under INET_DIAG_INFO) grow new trailing
// fields across kernel versions; a strict length check there would break
// every time the kernel adds a field this schema doesn't yet know about.
func DecodeStructPrefix(s *Struct, b []byte) (*StructValue, int, error) {
	return decodeStructPrefix(s, b)
}

func decodeStructPrefix(s *Struct, b []byte) (*StructValue, int, error) {
	sv := &StructValue{}
	offset := 0
	for _, f := range s.Fields {
		switch n := f.Node.(type) {
		case Pad:
			if offset+n.N > len(b) {
				return nil, 0, fmt.Errorf("schema: struct field %q: %w", f.Name, errShortStruct)
			}
			offset += n.N
		case Prim:
			w := n.Width()
			if w < 0 {
				return nil, 0, fmt.Errorf("schema: struct field %q: primitive has no fixed width", f.Name)
			}
			if offset+w > len(b) {
				return nil, 0, fmt.Errorf("schema: struct field %q: %w", f.Name, errShortStruct)
			}
			v, err := decodePrim(n, b[offset:offset+w])
			if err != nil {
				return nil, 0, fmt.Errorf("schema: struct field %q: %w", f.Name, err)
			}
			sv.fields = append(sv.fields, f)
			sv.values = append(sv.values, v)
			offset += w
		case *Struct:
			nested, consumed, err := decodeStructPrefix(n, b[offset:])
			if err != nil {
				return nil, 0, fmt.Errorf("schema: struct field %q: %w", f.Name, err)
			}
			sv.fields = append(sv.fields, f)
			sv.values = append(sv.values, nested)
			offset += consumed
		default:
			return nil, 0, fmt.Errorf("schema: struct field %q: unsupported node type %T", f.Name, f.Node)
		}
	}
	return sv, offset, nil
}

var errShortStruct = errors.New("buffer shorter than schema")

// EncodeStruct encodes sv's values against s, in field order, producing
// exactly s.Size() bytes (padding included, zero-filled).
func EncodeStruct(s *Struct, sv *StructValue) ([]byte, error) {
	size := s.Size()
	if size < 0 {
		return nil, errors.New("schema: cannot encode a struct with unsized fields")
	}
	b := make([]byte, size)
	offset := 0
	for _, f := range s.Fields {
		switch n := f.Node.(type) {
		case Pad:
			offset += n.N
		case Prim:
			w := n.Width()
			v, ok := sv.Get(f.Name)
			if !ok {
				return nil, fmt.Errorf("schema: missing value for field %q", f.Name)
			}
			if err := encodePrim(n, b[offset:offset+w], v); err != nil {
				return nil, fmt.Errorf("schema: field %q: %w", f.Name, err)
			}
			offset += w
		case *Struct:
			v, ok := sv.Get(f.Name)
			if !ok {
				return nil, fmt.Errorf("schema: missing value for field %q", f.Name)
			}
			nestedSV, ok := v.(*StructValue)
			if !ok {
				return nil, fmt.Errorf("schema: field %q: want *StructValue, got %T", f.Name, v)
			}
			encoded, err := EncodeStruct(n, nestedSV)
			if err != nil {
				return nil, fmt.Errorf("schema: field %q: %w", f.Name, err)
			}
			copy(b[offset:], encoded)
			offset += len(encoded)
		default:
			return nil, fmt.Errorf("schema: field %q: unsupported node type %T", f.Name, f.Node)
		}
	}
	return b, nil
}

// NewStructValue builds a StructValue ready for EncodeStruct from a
// name->value map, in the field order s declares. This is the usual way
// callers build an outgoing message body.
func NewStructValue(s *Struct, values map[string]any) (*StructValue, error) {
	sv := &StructValue{}
	for _, f := range s.Fields {
		if _, isPad := f.Node.(Pad); isPad {
			continue
		}
		v, ok := values[f.Name]
		if !ok {
			return nil, fmt.Errorf("schema: missing value for field %q", f.Name)
		}
		sv.fields = append(sv.fields, f)
		sv.values = append(sv.values, v)
	}
	return sv, nil
}

func decodePrim(p Prim, b []byte) (any, error) {
	switch p.Kind {
	case U8:
		return nlenc.Uint8(b)
	case I8:
		v, err := nlenc.Uint8(b)
		return int8(v), err
	case U16:
		return nlenc.Uint16(b, p.Endian)
	case I16:
		v, err := nlenc.Uint16(b, p.Endian)
		return int16(v), err
	case U32:
		return nlenc.Uint32(b, p.Endian)
	case I32:
		return nlenc.Int32(b, p.Endian)
	case U64:
		return nlenc.Uint64(b, p.Endian)
	case I64:
		return nlenc.Int64(b, p.Endian)
	case FixedBytes:
		return nlenc.Bytes(b, p.Len)
	case CStr:
		return nlenc.CString(b)
	case Hex:
		return nlenc.Hex(b), nil
	case IP4:
		return nlenc.IPv4(b)
	case IP6:
		return nlenc.IPv6(b)
	case HWAddr:
		return nlenc.HardwareAddr(b)
	default:
		return nil, fmt.Errorf("schema: unknown primitive kind %d", p.Kind)
	}
}

func encodePrim(p Prim, b []byte, v any) error {
	switch p.Kind {
	case U8:
		b[0] = v.(uint8)
	case I8:
		b[0] = byte(v.(int8))
	case U16:
		nlenc.PutUint16(b, v.(uint16), p.Endian)
	case I16:
		nlenc.PutUint16(b, uint16(v.(int16)), p.Endian)
	case U32:
		nlenc.PutUint32(b, v.(uint32), p.Endian)
	case I32:
		nlenc.PutInt32(b, v.(int32), p.Endian)
	case U64:
		nlenc.PutUint64(b, v.(uint64), p.Endian)
	case I64:
		nlenc.PutInt64(b, v.(int64), p.Endian)
	case FixedBytes:
		raw, ok := v.([]byte)
		if !ok || len(raw) != p.Len {
			return fmt.Errorf("want %d raw bytes, got %T", p.Len, v)
		}
		copy(b, raw)
	case CStr:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		if len(s)+1 > len(b) {
			return fmt.Errorf("string %q too long for %d-byte field", s, len(b))
		}
		nlenc.PutCString(b, s)
	case IP4:
		ip, ok := v.(net.IP)
		if !ok {
			return fmt.Errorf("want net.IP, got %T", v)
		}
		return nlenc.PutIPv4(b, ip)
	case IP6:
		ip, ok := v.(net.IP)
		if !ok {
			return fmt.Errorf("want net.IP, got %T", v)
		}
		return nlenc.PutIPv6(b, ip)
	case HWAddr:
		hw, ok := v.(net.HardwareAddr)
		if !ok {
			return fmt.Errorf("want net.HardwareAddr, got %T", v)
		}
		return nlenc.PutHardwareAddr(b, hw)
	default:
		return fmt.Errorf("unknown primitive kind %d", p.Kind)
	}
	return nil
}
