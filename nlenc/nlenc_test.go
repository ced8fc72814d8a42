package nlenc

import (
	"net"
	"testing"

	"github.com/go-test/deep"
)

func TestUint32RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    uint32
		e    Endian
	}{
		{"host-zero", 0, Host},
		{"host-max", 0xffffffff, Host},
		{"network", 0x01020304, Network},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := make([]byte, 4)
			PutUint32(b, tt.v, tt.e)
			got, err := Uint32(b, tt.e)
			if err != nil {
				t.Fatalf("Uint32() error = %v", err)
			}
			if got != tt.v {
				t.Errorf("Uint32() = %#x, want %#x", got, tt.v)
			}
		})
	}
}

func TestUint32TooShort(t *testing.T) {
	_, err := Uint32([]byte{1, 2, 3}, Host)
	if err == nil {
		t.Fatal("expected error decoding 3 bytes as uint32")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != TooShort {
		t.Errorf("got %v, want TooShort DecodeError", err)
	}
}

func TestCStringStopsAtNUL(t *testing.T) {
	b := []byte("eth0\x00garbage")
	s, err := CString(b)
	if err != nil {
		t.Fatalf("CString() error = %v", err)
	}
	if s != "eth0" {
		t.Errorf("CString() = %q, want %q", s, "eth0")
	}
}

func TestCStringNoTerminator(t *testing.T) {
	s, err := CString([]byte("eth0"))
	if err != nil {
		t.Fatalf("CString() error = %v", err)
	}
	if s != "eth0" {
		t.Errorf("CString() = %q, want %q", s, "eth0")
	}
}

func TestHardwareAddrRoundTrip(t *testing.T) {
	want := net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}
	b := make([]byte, 6)
	if err := PutHardwareAddr(b, want); err != nil {
		t.Fatalf("PutHardwareAddr() error = %v", err)
	}
	got, err := HardwareAddr(b)
	if err != nil {
		t.Fatalf("HardwareAddr() error = %v", err)
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
	if got.String() != "de:ad:be:ef:00:01" {
		t.Errorf("String() = %q", got.String())
	}
}

func TestIPv4RoundTrip(t *testing.T) {
	want := net.ParseIP("127.0.0.1").To4()
	b := make([]byte, 4)
	if err := PutIPv4(b, want); err != nil {
		t.Fatalf("PutIPv4() error = %v", err)
	}
	got, err := IPv4(b)
	if err != nil {
		t.Fatalf("IPv4() error = %v", err)
	}
	if got.String() != "127.0.0.1" {
		t.Errorf("IPv4() = %v, want 127.0.0.1", got)
	}
}

func TestIPv6RoundTrip(t *testing.T) {
	want := net.ParseIP("2001:db8::1")
	b := make([]byte, 16)
	if err := PutIPv6(b, want); err != nil {
		t.Fatalf("PutIPv6() error = %v", err)
	}
	got, err := IPv6(b)
	if err != nil {
		t.Fatalf("IPv6() error = %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("IPv6() = %v, want %v", got, want)
	}
}

func TestHex(t *testing.T) {
	got := Hex([]byte{0xde, 0xad, 0xbe, 0xef})
	if got != "de:ad:be:ef" {
		t.Errorf("Hex() = %q", got)
	}
}

func TestAlign(t *testing.T) {
	tests := []struct {
		length, align, want int
	}{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
		{17, 4, 20},
	}
	for _, tt := range tests {
		if got := Align(tt.length, tt.align); got != tt.want {
			t.Errorf("Align(%d, %d) = %d, want %d", tt.length, tt.align, got, tt.want)
		}
	}
}
