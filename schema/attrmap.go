package schema

import (
	"fmt"

	"github.com/m-lab/netlinkit/metrics"
	"github.com/m-lab/netlinkit/nlattr"
	"github.com/m-lab/netlinkit/nlenc"
)

// AttrSchema is one entry of an AttrMap: the tag it occupies on the wire,
// its symbolic name, the node used to decode its payload, and the flags
// it should be framed with on encode.
type AttrSchema struct {
	Tag   uint16
	Name  string
	Node  Node
	Flags AttrFlags
}

// AttrResolver maps a wire tag to the schema entry that describes it.
// AttrMap implements this directly from a fixed table; AttrMapFunc wraps
// a generator function for sparse or kernel-version-dependent tag spaces
// (spec.md §3 "adapter variant", §9 "Dynamic dispatch").
type AttrResolver interface {
	Resolve(tag uint16) (AttrSchema, bool)
	// ByName returns the schema entry for a symbolic name, used when
	// encoding a message from user-supplied names.
	ByName(name string) (AttrSchema, bool)
}

// AttrMap is an ordered, fixed name->(tag, schema) table. Tags are
// assigned by position starting at 0 unless AttrSchema.Tag is set explicitly;
// most real protocols set every tag explicitly, since kernel enums have
// gaps.
type AttrMap struct {
	entries []AttrSchema
	byTag   map[uint16]AttrSchema
	byName  map[string]AttrSchema
}

// NewAttrMap builds a fixed AttrMap from the given entries. An entry with
// Tag == 0 and a non-zero position is assigned Tag = its index, matching
// spec.md §3's positional-assignment rule; set Tag explicitly to opt out.
func NewAttrMap(entries ...AttrSchema) *AttrMap {
	m := &AttrMap{
		byTag:  make(map[uint16]AttrSchema, len(entries)),
		byName: make(map[string]AttrSchema, len(entries)),
	}
	for i, e := range entries {
		if e.Tag == 0 && i != 0 {
			e.Tag = uint16(i)
		}
		m.entries = append(m.entries, e)
		m.byTag[e.Tag] = e
		m.byName[e.Name] = e
	}
	return m
}

// isNode lets an *AttrMap serve as the Node of a nested attribute (e.g.
// IFLA_LINKINFO's fixed sub-table), not only as a top-level resolver.
func (*AttrMap) isNode() {}

func (m *AttrMap) Resolve(tag uint16) (AttrSchema, bool) {
	e, ok := m.byTag[tag]
	return e, ok
}

func (m *AttrMap) ByName(name string) (AttrSchema, bool) {
	e, ok := m.byName[name]
	return e, ok
}

// Entries returns the map's entries in declaration order.
func (m *AttrMap) Entries() []AttrSchema {
	return m.entries
}

// AttrMapFunc adapts a plain function into an AttrResolver, for families
// whose tags are sparse or generated (spec.md §3 "adapter variant";
// wireguard peer indices are the canonical example in the pyroute2
// source).
type AttrMapFunc struct {
	Resolver func(tag uint16) (AttrSchema, bool)
	ByNameFn func(name string) (AttrSchema, bool)
}

// isNode lets an AttrMapFunc serve as the Node of a nested attribute,
// same as *AttrMap.
func (AttrMapFunc) isNode() {}

func (f AttrMapFunc) Resolve(tag uint16) (AttrSchema, bool) { return f.Resolver(tag) }
func (f AttrMapFunc) ByName(name string) (AttrSchema, bool) {
	if f.ByNameFn == nil {
		return AttrSchema{}, false
	}
	return f.ByNameFn(name)
}

// AttrEntry is one decoded attribute in an Attrs tree: its symbolic name
// (or a hex-fallback name if the tag was unknown), its wire tag, and its
// decoded value.
type AttrEntry struct {
	Name  string
	Tag   uint16
	Value any
}

// Attrs is the decoded attribute tree described in spec.md §3: an
// ordered list (preserving repetition and order) plus keyed lookups by
// name. It implements Resolver so Choice nodes can consult
// already-decoded siblings, and nested Attrs (the value of a Nested
// attribute) can be walked with GetNested.
type Attrs struct {
	entries []AttrEntry
	byName  map[string][]int
}

func newAttrs() *Attrs {
	return &Attrs{byName: make(map[string][]int)}
}

func (a *Attrs) append(name string, tag uint16, value any) {
	a.byName[name] = append(a.byName[name], len(a.entries))
	a.entries = append(a.entries, AttrEntry{Name: name, Tag: tag, Value: value})
}

// Entries returns every decoded attribute in wire order.
func (a *Attrs) Entries() []AttrEntry {
	return a.entries
}

// Get returns the first occurrence of name (spec.md §3 get_attr).
func (a *Attrs) Get(name string) (any, bool) {
	idx, ok := a.byName[name]
	if !ok || len(idx) == 0 {
		return nil, false
	}
	return a.entries[idx[0]].Value, true
}

// GetAll returns every occurrence of name in wire order (spec.md §3
// get_attrs); repeated tags are legal and some kernels use repetition
// positionally (same tag, different meaning by position).
func (a *Attrs) GetAll(name string) []any {
	idx := a.byName[name]
	out := make([]any, len(idx))
	for i, j := range idx {
		out[i] = a.entries[j].Value
	}
	return out
}

// Lookup implements Resolver.
func (a *Attrs) Lookup(name string) (any, bool) {
	return a.Get(name)
}

// GetNested descends through nested attribute maps by name (spec.md §3
// get_nested(a, b, c)). Each intermediate value must be a *Attrs (a
// Nested attribute); the last name is looked up in the final level.
func (a *Attrs) GetNested(path ...string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	cur := a
	for _, name := range path[:len(path)-1] {
		v, ok := cur.Get(name)
		if !ok {
			return nil, false
		}
		nested, ok := v.(*Attrs)
		if !ok {
			return nil, false
		}
		cur = nested
	}
	return cur.Get(path[len(path)-1])
}

// DecodeAttrs decodes every well-formed wire attribute in b against
// resolver, building an Attrs tree incrementally so Choice nodes can
// resolve against siblings already decoded earlier in the same buffer
// (spec.md §4.3 decode rule 3). An unknown tag is kept as an
// UNKNOWN_<tag> entry holding the raw payload, and a payload that fails to
// decode is kept as raw bytes under its symbolic name, rather than
// aborting the whole tree
// (spec.md §7: decoding errors are non-fatal; the rest of the buffer is
// still decoded).
func DecodeAttrs(resolver AttrResolver, b []byte) (*Attrs, error) {
	tree := newAttrs()
	raws, err := nlattr.Split(b)
	if err != nil {
		return tree, err
	}
	for _, raw := range raws {
		schemaEntry, ok := resolver.Resolve(raw.Tag)
		if !ok {
			tree.append(fallbackName(raw.Tag), raw.Tag, raw.Data)
			continue
		}
		val, err := decodeAttrValue(schemaEntry.Node, raw.Data, tree)
		if err != nil {
			// Non-fatal: keep the raw bytes under the symbolic name so
			// the caller can still see the attribute was present.
			tree.append(schemaEntry.Name, raw.Tag, raw.Data)
			continue
		}
		tree.append(schemaEntry.Name, raw.Tag, val)
	}
	return tree, nil
}

func fallbackName(tag uint16) string {
	return fmt.Sprintf("UNKNOWN_%d", tag)
}

func decodeAttrValue(node Node, payload []byte, siblings Resolver) (any, error) {
	switch n := node.(type) {
	case Prim:
		return decodeAttrPrim(n, payload)
	case *AttrMap:
		return DecodeAttrs(n, payload)
	case AttrMapFunc:
		return DecodeAttrs(n, payload)
	case *Struct:
		return DecodeStructPrefix(n, payload)
	case *Choice:
		disc, ok := siblings.Lookup(n.DiscriminatorName)
		if !ok {
			metrics.ChoiceFallbackCount.Inc()
			return nlattrHex(payload), nil
		}
		key := fmt.Sprintf("%v", disc)
		variant, ok := n.Variants[key]
		if !ok {
			metrics.ChoiceFallbackCount.Inc()
			return nlattrHex(payload), nil
		}
		return decodeAttrValue(variant, payload, siblings)
	default:
		return nil, fmt.Errorf("schema: unsupported attribute node type %T", node)
	}
}

// decodeAttrPrim decodes a primitive that sits directly as an attribute
// payload, where length is exactly the NLA payload length (no extra
// trailing-byte checks: the NLA framing already delimited it exactly).
func decodeAttrPrim(p Prim, b []byte) (any, error) {
	if p.Kind == CStr {
		return nlenc.CString(b)
	}
	w := p.Width()
	if w < 0 {
		// Hex with no fixed length: the whole attribute payload,
		// formatted for display (spec.md §4.1 `hex` kind).
		return nlenc.Hex(b), nil
	}
	if w != len(b) {
		// Attribute payload length doesn't match the declared width: a
		// longer payload is decoded from its prefix, a shorter one is an
		// error.
		if w > len(b) {
			return nil, errShortStruct
		}
		b = b[:w]
	}
	return decodePrim(p, b)
}

func nlattrHex(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// EncodeAttrs encodes values (name -> value, or name -> *Attrs-building
// map for nested attributes) against resolver, in the order names is
// given, producing the concatenated wire bytes. A Choice attribute whose
// discriminator cannot be resolved from values is omitted entirely
// (spec.md §4.3 encode rules: "never emit a malformed attribute").
func EncodeAttrs(resolver AttrResolver, order []string, values map[string]any) ([]byte, error) {
	var raws []nlattr.Raw
	for _, name := range order {
		v, ok := values[name]
		if !ok {
			continue
		}
		entry, ok := resolver.ByName(name)
		if !ok {
			return nil, fmt.Errorf("schema: unknown attribute %q", name)
		}
		payload, flags, skip, err := encodeAttrValue(entry.Node, v, values)
		if err != nil {
			return nil, fmt.Errorf("schema: attribute %q: %w", name, err)
		}
		if skip {
			continue
		}
		raws = append(raws, nlattr.Raw{
			Tag:          entry.Tag,
			Nested:       flags&FlagNested != 0,
			NetByteOrder: flags&FlagNetByteOrder != 0,
			Data:         payload,
		})
	}
	return nlattr.Join(raws), nil
}

func encodeAttrValue(node Node, v any, siblings map[string]any) ([]byte, AttrFlags, bool, error) {
	switch n := node.(type) {
	case Prim:
		b, err := encodeAttrPrim(n, v)
		return b, 0, false, err
	case *AttrMap:
		nested, ok := v.(map[string]any)
		if !ok {
			return nil, 0, false, fmt.Errorf("want map[string]any for nested attrs, got %T", v)
		}
		order := make([]string, len(n.entries))
		for i, e := range n.entries {
			order[i] = e.Name
		}
		b, err := EncodeAttrs(n, order, nested)
		return b, FlagNested, false, err
	case *Struct:
		sv, ok := v.(*StructValue)
		if !ok {
			return nil, 0, false, fmt.Errorf("want *StructValue, got %T", v)
		}
		b, err := EncodeStruct(n, sv)
		return b, 0, false, err
	case *Choice:
		disc, ok := siblings[n.DiscriminatorName]
		if !ok {
			return nil, 0, true, nil
		}
		key := fmt.Sprintf("%v", disc)
		variant, ok := n.Variants[key]
		if !ok {
			return nil, 0, true, nil
		}
		return encodeAttrValue(variant, v, siblings)
	default:
		return nil, 0, false, fmt.Errorf("unsupported attribute node type %T", node)
	}
}

func encodeAttrPrim(p Prim, v any) ([]byte, error) {
	switch p.Kind {
	case CStr:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return append([]byte(s), 0), nil
	case Hex, FixedBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("want []byte, got %T", v)
		}
		return b, nil
	default:
		w := p.Width()
		b := make([]byte, w)
		if err := encodePrim(p, b, v); err != nil {
			return nil, err
		}
		return b, nil
	}
}
