// Package schema implements the declarative netlink type system from
// spec.md §3: primitives, C-style structs with explicit padding, the
// attribute (NLA) tree with tag maps and adapters, and polymorphic
// Choice dispatch. A schema is pure data — decoding is a function over
// (schema, bytes, already-decoded siblings), never a method that embeds
// back-references to an enclosing message (see spec.md §9 "Cyclic
// references").
package schema

import "github.com/m-lab/netlinkit/nlenc"

// Node is any schema node: Prim, Pad, *Struct, *AttrMap or AttrMapFunc
// (used as a nested attribute payload), or *Choice.
type Node interface {
	isNode()
}

// PrimKind enumerates the primitive kinds from spec.md §4.1.
type PrimKind int

const (
	U8 PrimKind = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	FixedBytes // bytes(n): opaque, fixed-width
	CStr       // NUL-terminated string; fixed width only inside a Struct
	IP4
	IP6
	HWAddr
	Hex // opaque bytes rendered as colon-separated pairs on display
)

// Prim is a fixed-width (or, for CStr/Hex at the attribute level,
// remainder-of-payload) primitive field.
type Prim struct {
	Kind   PrimKind
	Endian nlenc.Endian
	// Len is the fixed width in bytes for FixedBytes and for CStr/Hex
	// when used as a Struct field. It is ignored for kinds with an
	// intrinsic width (U8..I64, IP4, IP6, HWAddr).
	Len int
}

func (Prim) isNode() {}

// Width returns the on-the-wire byte width of p, or -1 if p has no fixed
// width outside of attribute framing (CStr/Hex with Len == 0, valid only
// as a top-level attribute payload, never as a Struct field).
func (p Prim) Width() int {
	switch p.Kind {
	case U8, I8:
		return 1
	case U16, I16:
		return 2
	case U32, I32:
		return 4
	case U64, I64:
		return 8
	case IP4:
		return 4
	case IP6:
		return 16
	case HWAddr:
		return 6
	case FixedBytes:
		return p.Len
	case CStr, Hex:
		if p.Len > 0 {
			return p.Len
		}
		return -1
	default:
		return -1
	}
}

// Pad represents an `Nx` padding specifier: N bytes of explicit struct
// padding, written as zero and never read back as a value.
type Pad struct {
	N int
}

func (Pad) isNode() {}

// Field is one (name, node) pair of a Struct.
type Field struct {
	Name string
	Node Node
}

// Struct is an ordered, C-compatible tuple of fields (spec.md §3 Struct
// and §4.2). Field offsets are computed purely from the schema by
// summing preceding widths; Pad fields contribute to the offset but
// produce no value.
type Struct struct {
	Fields []Field
}

func (*Struct) isNode() {}

// Size returns the total encoded width of s, or -1 if any field has no
// fixed width. A field without a fixed width is rejected when the struct
// is decoded, DecodeStructPrefix included.
func (s *Struct) Size() int {
	total := 0
	for _, f := range s.Fields {
		switch n := f.Node.(type) {
		case Pad:
			total += n.N
		case Prim:
			w := n.Width()
			if w < 0 {
				return -1
			}
			total += w
		case *Struct:
			w := n.Size()
			if w < 0 {
				return -1
			}
			total += w
		default:
			return -1
		}
	}
	return total
}

// AttrFlags carries the two NLA header flag bits a schema attribute entry
// may declare: whether its payload is itself a nested attribute tree, and
// whether integers inside it use network byte order.
type AttrFlags uint8

const (
	FlagNested AttrFlags = 1 << iota
	FlagNetByteOrder
)

// Choice is a polymorphic attribute whose decode target depends on the
// value of another attribute at the same nesting level (spec.md §3
// Choice, §9 "Dynamic dispatch"). DiscriminatorName names a sibling
// attribute already decoded earlier in the same attribute list (kernels
// always emit the discriminator — e.g. IFLA_INFO_KIND — before the
// attribute it governs — e.g. IFLA_INFO_DATA).
type Choice struct {
	DiscriminatorName string
	// Variants maps the discriminator's decoded string value to the node
	// used to decode this attribute's payload.
	Variants map[string]Node
}

func (*Choice) isNode() {}

// Resolver looks up an already-decoded sibling value by symbolic name.
// *Attrs implements Resolver; it is what Choice consults to pick a
// variant.
type Resolver interface {
	Lookup(name string) (any, bool)
}
