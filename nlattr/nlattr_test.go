package nlattr

import (
	"testing"

	"github.com/go-test/deep"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  Raw
	}{
		{"plain", Raw{Tag: 3, Data: []byte("eth0")}},
		{"nested", Raw{Tag: 18, Nested: true, Data: []byte{1, 2, 3}}},
		{"net-byteorder", Raw{Tag: 1, NetByteOrder: true, Data: []byte{0x00, 0x50}}},
		{"empty-flag", Raw{Tag: 9, Data: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Pack(tt.raw)
			if len(b)%Align != 0 {
				t.Fatalf("Pack() produced unaligned length %d", len(b))
			}
			got, n, err := Unpack(b)
			if err != nil {
				t.Fatalf("Unpack() error = %v", err)
			}
			if n != len(b) {
				t.Errorf("Unpack() consumed %d, want %d", n, len(b))
			}
			if diff := deep.Equal(got, tt.raw); diff != nil {
				// deep.Equal treats nil and empty []byte differently; Data
				// round-trips as a non-nil empty slice, so a diff is ignored
				// when both Data are empty.
				if len(tt.raw.Data) != 0 || len(got.Data) != 0 {
					t.Error(diff)
				}
			}
		})
	}
}

func TestUnpackPadding(t *testing.T) {
	// length=7 (header+3 bytes of payload) must still consume 8 bytes.
	b := []byte{7, 0, 0, 0, 'a', 'b', 'c', 0}
	a, n, err := Unpack(b)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if n != 8 {
		t.Errorf("Unpack() consumed %d, want 8", n)
	}
	if string(a.Data) != "abc" {
		t.Errorf("Data = %q, want %q", a.Data, "abc")
	}
}

func TestUnpackTail(t *testing.T) {
	// Claims a 20-byte attribute but the buffer only has 6.
	b := []byte{20, 0, 0, 0, 'h', 'i'}
	_, _, err := Unpack(b)
	if err != ErrTail {
		t.Errorf("Unpack() error = %v, want ErrTail", err)
	}
}

func TestUnpackEmptyPayload(t *testing.T) {
	b := Pack(Raw{Tag: 5})
	a, n, err := Unpack(b)
	if err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	if n != 4 {
		t.Errorf("flag attribute should consume exactly 4 bytes, got %d", n)
	}
	if len(a.Data) != 0 {
		t.Errorf("Data = %v, want empty", a.Data)
	}
}

func TestSplitJoinRoundTrip(t *testing.T) {
	attrs := []Raw{
		{Tag: 1, Data: []byte{1, 2}},
		{Tag: 2, Nested: true, Data: []byte{3, 4, 5}},
		{Tag: 3},
	}
	b := Join(attrs)
	got, err := Split(b)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(got) != len(attrs) {
		t.Fatalf("Split() returned %d attrs, want %d", len(got), len(attrs))
	}
	for i := range attrs {
		if got[i].Tag != attrs[i].Tag || got[i].Nested != attrs[i].Nested {
			t.Errorf("attr %d = %+v, want %+v", i, got[i], attrs[i])
		}
	}
}

func TestSplitStopsAtTail(t *testing.T) {
	full := Pack(Raw{Tag: 1, Data: []byte{9}})
	b := append(full, 20, 0, 0, 0, 1, 2)
	got, err := Split(b)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Split() returned %d attrs, want 1 (tail should be silently dropped)", len(got))
	}
}

func TestTypeWordRoundTrip(t *testing.T) {
	r := Raw{Tag: 0x123, Nested: true, NetByteOrder: true}
	tw := r.TypeWord()
	if tw&Nested == 0 || tw&NetByteOrder == 0 {
		t.Fatalf("TypeWord() = %#x missing flags", tw)
	}
	if tw&tagMask != 0x123 {
		t.Fatalf("TypeWord() tag = %#x, want %#x", tw&tagMask, 0x123)
	}
}
