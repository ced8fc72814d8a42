package schema

import (
	"net"
	"testing"

	"github.com/m-lab/netlinkit/nlenc"
)

func sampleStruct() *Struct {
	return &Struct{Fields: []Field{
		{Name: "Family", Node: Prim{Kind: U8}},
		{Name: "_pad", Node: Pad{N: 1}},
		{Name: "Index", Node: Prim{Kind: U16, Endian: nlenc.Host}},
		{Name: "Flags", Node: Prim{Kind: U32, Endian: nlenc.Host}},
	}}
}

func TestStructEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleStruct()
	sv, err := NewStructValue(s, map[string]any{
		"Family": uint8(2),
		"Index":  uint16(7),
		"Flags":  uint32(0x1001),
	})
	if err != nil {
		t.Fatalf("NewStructValue() error = %v", err)
	}
	b, err := EncodeStruct(s, sv)
	if err != nil {
		t.Fatalf("EncodeStruct() error = %v", err)
	}
	if len(b) != s.Size() {
		t.Fatalf("EncodeStruct() produced %d bytes, want %d", len(b), s.Size())
	}
	got, err := DecodeStruct(s, b)
	if err != nil {
		t.Fatalf("DecodeStruct() error = %v", err)
	}
	for _, name := range []string{"Family", "Index", "Flags"} {
		want, _ := sv.Get(name)
		have, ok := got.Get(name)
		if !ok || have != want {
			t.Errorf("field %q = %v, want %v", name, have, want)
		}
	}
}

func TestStructPaddingIsZeroedAndSkipped(t *testing.T) {
	s := sampleStruct()
	sv, _ := NewStructValue(s, map[string]any{
		"Family": uint8(1),
		"Index":  uint16(0),
		"Flags":  uint32(0),
	})
	b, err := EncodeStruct(s, sv)
	if err != nil {
		t.Fatalf("EncodeStruct() error = %v", err)
	}
	if b[1] != 0 {
		t.Errorf("pad byte = %d, want 0", b[1])
	}
	// The pad field should not appear as a decoded value.
	got, err := DecodeStruct(s, b)
	if err != nil {
		t.Fatalf("DecodeStruct() error = %v", err)
	}
	if _, ok := got.Get("_pad"); ok {
		t.Errorf("pad field should not be decoded as a value")
	}
}

func TestDecodeStructRejectsTrailingBytes(t *testing.T) {
	s := &Struct{Fields: []Field{{Name: "X", Node: Prim{Kind: U8}}}}
	_, err := DecodeStruct(s, []byte{1, 2, 3})
	if err != ErrTrailingBytes {
		t.Errorf("DecodeStruct() error = %v, want ErrTrailingBytes", err)
	}
}

func TestDecodeStructPrefixTolerateGrowth(t *testing.T) {
	// Simulates a kernel struct (tcp_info-like) that has grown new
	// trailing fields this schema doesn't know about yet.
	s := &Struct{Fields: []Field{
		{Name: "State", Node: Prim{Kind: U8}},
		{Name: "CaState", Node: Prim{Kind: U8}},
	}}
	b := []byte{1, 2, 0xff, 0xff, 0xff, 0xff} // four extra bytes appended
	sv, n, err := DecodeStructPrefix(s, b)
	if err != nil {
		t.Fatalf("DecodeStructPrefix() error = %v", err)
	}
	if n != 2 {
		t.Errorf("consumed = %d, want 2", n)
	}
	state, _ := sv.Get("State")
	if state.(uint8) != 1 {
		t.Errorf("State = %v, want 1", state)
	}
}

func TestNestedStructEncodeDecode(t *testing.T) {
	inner := &Struct{Fields: []Field{{Name: "A", Node: Prim{Kind: U16, Endian: nlenc.Host}}}}
	outer := &Struct{Fields: []Field{
		{Name: "Head", Node: Prim{Kind: U8}},
		{Name: "_pad", Node: Pad{N: 1}},
		{Name: "Inner", Node: inner},
	}}
	innerSV, _ := NewStructValue(inner, map[string]any{"A": uint16(99)})
	outerSV, _ := NewStructValue(outer, map[string]any{
		"Head":  uint8(5),
		"Inner": innerSV,
	})
	b, err := EncodeStruct(outer, outerSV)
	if err != nil {
		t.Fatalf("EncodeStruct() error = %v", err)
	}
	got, err := DecodeStruct(outer, b)
	if err != nil {
		t.Fatalf("DecodeStruct() error = %v", err)
	}
	innerGot, ok := got.Get("Inner")
	if !ok {
		t.Fatalf("Inner field missing")
	}
	innerVal, ok := innerGot.(*StructValue).Get("A")
	if !ok || innerVal.(uint16) != 99 {
		t.Errorf("Inner.A = %v, %v, want 99, true", innerVal, ok)
	}
}

func TestStructWithAddressFields(t *testing.T) {
	s := &Struct{Fields: []Field{
		{Name: "Addr", Node: Prim{Kind: IP4}},
		{Name: "HW", Node: Prim{Kind: HWAddr}},
	}}
	sv, err := NewStructValue(s, map[string]any{
		"Addr": net.IPv4(192, 0, 2, 1).To4(),
		"HW":   net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
	})
	if err != nil {
		t.Fatalf("NewStructValue() error = %v", err)
	}
	b, err := EncodeStruct(s, sv)
	if err != nil {
		t.Fatalf("EncodeStruct() error = %v", err)
	}
	got, err := DecodeStruct(s, b)
	if err != nil {
		t.Fatalf("DecodeStruct() error = %v", err)
	}
	addr, _ := got.Get("Addr")
	if !addr.(net.IP).Equal(net.IPv4(192, 0, 2, 1)) {
		t.Errorf("Addr = %v, want 192.0.2.1", addr)
	}
}
