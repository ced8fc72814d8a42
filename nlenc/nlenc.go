// Package nlenc implements the primitive codec described in spec.md §4.1:
// fixed-width integers in host or network byte order, byte strings,
// addresses, hardware addresses, and null-terminated strings.
//
// Every function here either encodes a Go value into a byte slice the
// caller already sized correctly, or decodes a byte slice of known size
// into a Go value. Variable-length framing (attribute headers, struct
// padding) lives in nlattr and schema; this package never looks past the
// bytes it was handed.
package nlenc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Endian selects the byte order used to encode or decode an integer.
// Netlink payloads are host-byte-order unless a schema node says
// otherwise (NLA_F_NET_BYTEORDER, or a field the kernel defines as
// network order regardless of the flag, such as inet_diag port numbers).
type Endian int

const (
	// Host is the byte order of the running machine. Linux netlink is
	// little-endian on every architecture this module targets.
	Host Endian = iota
	// Network is big-endian, used for NLA_F_NET_BYTEORDER attributes and
	// a handful of fields the kernel always emits in network order.
	Network
)

func (e Endian) order() binary.ByteOrder {
	if e == Network {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ErrKind enumerates the ways a decode can fail, per spec.md §4.1.
type ErrKind int

const (
	// TooShort means the buffer was shorter than the primitive's fixed width.
	TooShort ErrKind = iota
	// BadUTF8 means a cstr payload was not valid UTF-8 after trimming a NUL.
	BadUTF8
	// BadAddress means an ip4/ip6/hwaddr payload had the wrong width.
	BadAddress
)

func (k ErrKind) String() string {
	switch k {
	case TooShort:
		return "too short"
	case BadUTF8:
		return "bad utf8"
	case BadAddress:
		return "bad address"
	default:
		return "unknown"
	}
}

// DecodeError is returned by every decode function in this package.
// Primitives never retry or partially decode: a DecodeError means the
// caller gets nothing usable back for that field.
type DecodeError struct {
	Kind   ErrKind
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("nlenc: decode error at offset %d: %s", e.Offset, e.Kind)
}

func newDecodeError(kind ErrKind, offset int) error {
	return &DecodeError{Kind: kind, Offset: offset}
}

// Uint16 decodes a 2-byte unsigned integer at offset 0 of b.
func Uint16(b []byte, e Endian) (uint16, error) {
	if len(b) < 2 {
		return 0, newDecodeError(TooShort, 0)
	}
	return e.order().Uint16(b), nil
}

// PutUint16 encodes v into b, which must be at least 2 bytes.
func PutUint16(b []byte, v uint16, e Endian) {
	e.order().PutUint16(b, v)
}

// Uint32 decodes a 4-byte unsigned integer at offset 0 of b.
func Uint32(b []byte, e Endian) (uint32, error) {
	if len(b) < 4 {
		return 0, newDecodeError(TooShort, 0)
	}
	return e.order().Uint32(b), nil
}

// PutUint32 encodes v into b, which must be at least 4 bytes.
func PutUint32(b []byte, v uint32, e Endian) {
	e.order().PutUint32(b, v)
}

// Uint64 decodes an 8-byte unsigned integer at offset 0 of b.
func Uint64(b []byte, e Endian) (uint64, error) {
	if len(b) < 8 {
		return 0, newDecodeError(TooShort, 0)
	}
	return e.order().Uint64(b), nil
}

// PutUint64 encodes v into b, which must be at least 8 bytes.
func PutUint64(b []byte, v uint64, e Endian) {
	e.order().PutUint64(b, v)
}

// Int32 decodes a signed 4-byte integer. Netlink error codes (negated
// errno values in NLMSG_ERROR) are the primary user of this.
func Int32(b []byte, e Endian) (int32, error) {
	u, err := Uint32(b, e)
	if err != nil {
		return 0, err
	}
	return int32(u), nil
}

// PutInt32 encodes v into b, which must be at least 4 bytes.
func PutInt32(b []byte, v int32, e Endian) {
	PutUint32(b, uint32(v), e)
}

// Int64 decodes a signed 8-byte integer.
func Int64(b []byte, e Endian) (int64, error) {
	u, err := Uint64(b, e)
	if err != nil {
		return 0, err
	}
	return int64(u), nil
}

// PutInt64 encodes v into b, which must be at least 8 bytes.
func PutInt64(b []byte, v int64, e Endian) {
	PutUint64(b, uint64(v), e)
}

// Uint8 decodes a single byte. Provided for symmetry; byte order is moot.
func Uint8(b []byte) (uint8, error) {
	if len(b) < 1 {
		return 0, newDecodeError(TooShort, 0)
	}
	return b[0], nil
}

// Bytes returns a copy of the first n bytes of b, the fixed-width
// `bytes(n)` primitive kind.
func Bytes(b []byte, n int) ([]byte, error) {
	if len(b) < n {
		return nil, newDecodeError(TooShort, 0)
	}
	out := make([]byte, n)
	copy(out, b[:n])
	return out, nil
}

// CString reads a NUL-terminated string from b, stopping at the first NUL
// or, if none is found, treating the whole buffer as the string (some
// kernel emitters omit the trailing NUL when the attribute is exactly
// sized).
func CString(b []byte) (string, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// PutCString writes s followed by a single NUL byte into b, which must be
// at least len(s)+1 bytes.
func PutCString(b []byte, s string) {
	copy(b, s)
	b[len(s)] = 0
}

// CStringLen returns the encoded length of s as a NUL-terminated string.
func CStringLen(s string) int {
	return len(s) + 1
}

// errBadHW is returned by PutHardwareAddr when hw is not exactly 6 bytes.
var errBadHW = errors.New("nlenc: hardware address must be 6 bytes")

// HardwareAddr decodes 6 raw bytes into the canonical "xx:xx:xx:xx:xx:xx"
// textual form (net.HardwareAddr's own String method already does this;
// this wrapper exists so callers don't need to think about net at all).
func HardwareAddr(b []byte) (net.HardwareAddr, error) {
	if len(b) != 6 {
		return nil, newDecodeError(BadAddress, 0)
	}
	hw := make(net.HardwareAddr, 6)
	copy(hw, b)
	return hw, nil
}

// PutHardwareAddr writes the 6 raw bytes of hw into b.
func PutHardwareAddr(b []byte, hw net.HardwareAddr) error {
	if len(hw) != 6 {
		return errBadHW
	}
	copy(b, hw)
	return nil
}

// IPv4 decodes 4 raw bytes into a net.IP.
func IPv4(b []byte) (net.IP, error) {
	if len(b) != 4 {
		return nil, newDecodeError(BadAddress, 0)
	}
	ip := make(net.IP, 4)
	copy(ip, b)
	return ip, nil
}

// PutIPv4 writes the 4-byte form of ip into b.
func PutIPv4(b []byte, ip net.IP) error {
	v4 := ip.To4()
	if v4 == nil {
		return newDecodeError(BadAddress, 0)
	}
	copy(b, v4)
	return nil
}

// IPv6 decodes 16 raw bytes into a net.IP.
func IPv6(b []byte) (net.IP, error) {
	if len(b) != 16 {
		return nil, newDecodeError(BadAddress, 0)
	}
	ip := make(net.IP, 16)
	copy(ip, b)
	return ip, nil
}

// PutIPv6 writes the 16-byte form of ip into b.
func PutIPv6(b []byte, ip net.IP) error {
	v6 := ip.To16()
	if v6 == nil {
		return newDecodeError(BadAddress, 0)
	}
	copy(b, v6)
	return nil
}

// Hex renders raw bytes as colon-separated pairs, e.g. "de:ad:be:ef", the
// display form for the `hex` primitive kind (used as the fallback for
// attributes with no known schema).
func Hex(b []byte) string {
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexDigit(c>>4), hexDigit(c&0xf))
	}
	return string(out)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + (n - 10)
}

// Align rounds length up to the next multiple of align, which must be a
// power of two. This is the shared alignment helper behind both NLA
// padding (align=4) and any future struct-level alignment rule.
func Align(length, align int) int {
	return (length + align - 1) &^ (align - 1)
}
