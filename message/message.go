// Package message implements the netlink message type from spec.md §4.4
// (component C4): the 16-byte nlmsghdr, a schema-described body, and an
// attribute tree, plus decode of the NLMSG_ERROR envelope including
// extended ACK attributes.
package message

import (
	"errors"
	"fmt"

	"github.com/m-lab/netlinkit/nlenc"
	"github.com/m-lab/netlinkit/schema"
)

// Standard message types (spec.md §6.2).
const (
	NLMSG_NOOP    uint16 = 1
	NLMSG_ERROR   uint16 = 2
	NLMSG_DONE    uint16 = 3
	NLMSG_OVERRUN uint16 = 4
)

// Standard header flags (spec.md §6.2).
const (
	NLM_F_REQUEST       uint16 = 0x01
	NLM_F_MULTI         uint16 = 0x02
	NLM_F_ACK           uint16 = 0x04
	NLM_F_ECHO          uint16 = 0x08
	NLM_F_DUMP_INTR     uint16 = 0x10
	NLM_F_DUMP_FILTERED uint16 = 0x20

	NLM_F_ROOT   uint16 = 0x100
	NLM_F_MATCH  uint16 = 0x200
	NLM_F_ATOMIC uint16 = 0x400
	NLM_F_DUMP   uint16 = NLM_F_ROOT | NLM_F_MATCH

	NLM_F_REPLACE uint16 = 0x100
	NLM_F_EXCL    uint16 = 0x200
	NLM_F_CREATE  uint16 = 0x400
	NLM_F_APPEND  uint16 = 0x800
)

// Extended ACK attribute tags (NLMSGERR_ATTR_*, linux/netlink.h), used
// inside the payload that follows a struct nlmsgerr when the socket has
// NETLINK_EXT_ACK enabled.
const (
	NLMSGERR_ATTR_MSG  uint16 = 1
	NLMSGERR_ATTR_OFFS uint16 = 2
)

// HeaderLen is the fixed size of a netlink message header.
const HeaderLen = 16

// Header is the 16-byte nlmsghdr (spec.md §3 Msg, §6.1).
type Header struct {
	Length uint32
	Type   uint16
	Flags  uint16
	Seq    uint32
	PID    uint32
}

// Kind distinguishes where decoding of a Message failed, mirroring
// spec.md §7's header-vs-body error taxonomy: a header decode failure
// means the bytes can't even be framed, while a body decode failure
// still yields a usable header and type.
type Kind int

const (
	// KindHeader means the 16-byte header itself couldn't be parsed
	// (buffer shorter than HeaderLen, or Length smaller than HeaderLen).
	KindHeader Kind = iota
	// KindBody means the header parsed fine but the body (struct or
	// attribute tree) did not.
	KindBody
)

// DecodeError reports which stage of decoding a Message failed, matching
// spec.md §7's NetlinkDecodeError / NetlinkHeaderDecodeError distinction.
type DecodeError struct {
	Kind Kind
	Err  error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case KindHeader:
		return fmt.Sprintf("message: header decode failed: %v", e.Err)
	default:
		return fmt.Sprintf("message: body decode failed: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errShortHeader = errors.New("message: buffer shorter than header")

// KernelError wraps the negative errno the kernel returned in an
// NLMSG_ERROR message, along with the human-readable NLMSGERR_ATTR_MSG
// text when the kernel's extended ACK included one (spec.md §7).
type KernelError struct {
	Errno int32
	Msg   string
	// Offset is the byte offset into the original request the kernel
	// points at via NLMSGERR_ATTR_OFFS, or -1 if absent.
	Offset int32
}

func (e *KernelError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("message: kernel error %d: %s", e.Errno, e.Msg)
	}
	return fmt.Sprintf("message: kernel error %d", e.Errno)
}

// Message is one decoded netlink message: its header, its schema-decoded
// body struct (if the caller supplied a body schema), its decoded
// attribute tree (if the caller supplied an attribute map), and — for
// NLMSG_ERROR — the kernel error it carries.
type Message struct {
	Header Header

	// Body holds the fixed-size struct prefix of the message (e.g.
	// ifinfmsg, inet_diag_msg). Nil if no body schema was given.
	Body *schema.StructValue

	// Attrs holds the decoded attribute tree that follows Body. Nil if
	// no attribute map was given; empty if the body schema consumed the
	// whole message.
	Attrs *schema.Attrs

	// KernelErr is set when Header.Type == NLMSG_ERROR and Errno != 0.
	KernelErr *KernelError

	// DecodeErr is set when the header parsed fine but the body or
	// attribute tree did not (spec.md §7: "Attached to the offending
	// message's header (`error` field); parsing of subsequent messages
	// continues"). Body/Attrs may still hold a partial decode.
	DecodeErr *DecodeError

	// raw is the original encoded bytes of this message, including
	// header, kept so an echoed request can be compared or re-sent
	// (spec.md §4.5 marshal "OriginalHeader").
	raw []byte
}

// IsTerminal reports whether m is the last message of its sequence's
// response: either it closes a multipart dump (NLMSG_DONE), it is an ACK
// or error (NLMSG_ERROR), or it never set NLM_F_MULTI in the first place
// (spec.md §4.6 get(seq) termination: "(a) NLMSG_DONE received, (b) a
// single-part message received without NLM_F_MULTI, (c) an NLMSG_ERROR").
func (m *Message) IsTerminal() bool {
	if m.Header.Type == NLMSG_DONE || m.Header.Type == NLMSG_ERROR {
		return true
	}
	return m.Header.Flags&NLM_F_MULTI == 0
}

// OriginalHeader returns the raw bytes of this message as originally
// decoded, header included. For an NLMSG_ERROR message these are the
// error message's own bytes; the echoed request header inside its body
// is not extracted.
func (m *Message) OriginalHeader() []byte {
	return m.raw
}

// GetAttr returns the first occurrence of an attribute by name
// (spec.md §6.3 Message.get_attr).
func (m *Message) GetAttr(name string) (any, bool) {
	if m.Attrs == nil {
		return nil, false
	}
	return m.Attrs.Get(name)
}

// GetAttrs returns every occurrence of an attribute by name
// (spec.md §6.3 Message.get_attrs).
func (m *Message) GetAttrs(name string) []any {
	if m.Attrs == nil {
		return nil
	}
	return m.Attrs.GetAll(name)
}

// GetNested descends through nested attribute maps by name
// (spec.md §6.3 Message.get_nested).
func (m *Message) GetNested(path ...string) (any, bool) {
	if m.Attrs == nil {
		return nil, false
	}
	return m.Attrs.GetNested(path...)
}

// Decode parses b as a single netlink message using bodySchema to decode
// the fixed body prefix and attrMap to decode the attribute tail. Either
// may be nil, in which case that part is skipped (body bytes are left
// undecoded, or treated entirely as the attribute tail).
//
// Per spec.md §7, a body/attribute decode failure is non-fatal: Decode
// still returns a *Message (with Body/Attrs possibly nil) wrapped in a
// *DecodeError, rather than discarding the message. Only a header decode
// failure returns a nil Message.
func Decode(b []byte, bodySchema *schema.Struct, attrMap schema.AttrResolver) (*Message, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, &DecodeError{Kind: KindHeader, Err: errShortHeader}
	}
	length, err := nlenc.Uint32(b[0:4], nlenc.Host)
	if err != nil {
		return nil, 0, &DecodeError{Kind: KindHeader, Err: err}
	}
	if int(length) < HeaderLen || int(length) > len(b) {
		return nil, 0, &DecodeError{Kind: KindHeader, Err: errShortHeader}
	}
	typ, _ := nlenc.Uint16(b[4:6], nlenc.Host)
	flags, _ := nlenc.Uint16(b[6:8], nlenc.Host)
	seq, _ := nlenc.Uint32(b[8:12], nlenc.Host)
	pid, _ := nlenc.Uint32(b[12:16], nlenc.Host)

	consumed := nlenc.Align(int(length), 4)
	if consumed > len(b) {
		consumed = len(b)
	}
	body := b[HeaderLen:length]

	m := &Message{
		Header: Header{Length: length, Type: typ, Flags: flags, Seq: seq, PID: pid},
		raw:    append([]byte{}, b[:length]...),
	}

	if typ == NLMSG_ERROR {
		kerr, err := decodeError(body)
		if err != nil {
			return m, consumed, &DecodeError{Kind: KindBody, Err: err}
		}
		m.KernelErr = kerr
		return m, consumed, nil
	}

	offset := 0
	if bodySchema != nil {
		sv, n, err := schema.DecodeStructPrefix(bodySchema, body)
		if err != nil {
			return m, consumed, &DecodeError{Kind: KindBody, Err: err}
		}
		m.Body = sv
		offset = n
	}
	if attrMap != nil {
		attrs, err := schema.DecodeAttrs(attrMap, body[offset:])
		if err != nil {
			return m, consumed, &DecodeError{Kind: KindBody, Err: err}
		}
		m.Attrs = attrs
	}
	return m, consumed, nil
}

// decodeError parses the nlmsgerr payload: a 4-byte errno followed by an
// echo of the original request header, optionally followed by extended
// ACK attributes (NETLINK_EXT_ACK).
func decodeError(body []byte) (*KernelError, error) {
	if len(body) < 4 {
		return nil, errors.New("message: nlmsgerr payload too short")
	}
	errno, err := nlenc.Int32(body[0:4], nlenc.Host)
	if err != nil {
		return nil, err
	}
	if errno == 0 {
		return nil, nil
	}
	kerr := &KernelError{Errno: errno, Offset: -1}
	// Skip the echoed original header (another HeaderLen bytes), if
	// present, then look for extended ACK attributes.
	if len(body) <= 4+HeaderLen {
		return kerr, nil
	}
	tail := body[4+HeaderLen:]
	attrs, err := schema.DecodeAttrs(extAckResolver{}, tail)
	if err != nil {
		return kerr, nil // extended ack is best-effort, never fatal
	}
	if msg, ok := attrs.Get("NLMSGERR_ATTR_MSG"); ok {
		kerr.Msg, _ = msg.(string)
	}
	if offs, ok := attrs.Get("NLMSGERR_ATTR_OFFS"); ok {
		if v, ok := offs.(uint32); ok {
			kerr.Offset = int32(v)
		}
	}
	return kerr, nil
}

// extAckResolver is a tiny fixed AttrResolver for the two NLMSGERR_ATTR_*
// tags, kept local to this file since no other package needs it.
type extAckResolver struct{}

func (extAckResolver) Resolve(tag uint16) (schema.AttrSchema, bool) {
	switch tag {
	case NLMSGERR_ATTR_MSG:
		return schema.AttrSchema{Tag: tag, Name: "NLMSGERR_ATTR_MSG", Node: schema.Prim{Kind: schema.CStr}}, true
	case NLMSGERR_ATTR_OFFS:
		return schema.AttrSchema{Tag: tag, Name: "NLMSGERR_ATTR_OFFS", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}}, true
	default:
		return schema.AttrSchema{}, false
	}
}

func (extAckResolver) ByName(name string) (schema.AttrSchema, bool) {
	switch name {
	case "NLMSGERR_ATTR_MSG":
		return schema.AttrSchema{Tag: NLMSGERR_ATTR_MSG, Name: name, Node: schema.Prim{Kind: schema.CStr}}, true
	case "NLMSGERR_ATTR_OFFS":
		return schema.AttrSchema{Tag: NLMSGERR_ATTR_OFFS, Name: name, Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}}, true
	default:
		return schema.AttrSchema{}, false
	}
}

// Encode builds the wire bytes for a request: header + body + attributes,
// with Header.Length backpatched to the true encoded size.
func Encode(h Header, bodySchema *schema.Struct, body *schema.StructValue, attrMap schema.AttrResolver, attrOrder []string, attrValues map[string]any) ([]byte, error) {
	var bodyBytes []byte
	if bodySchema != nil && body != nil {
		b, err := schema.EncodeStruct(bodySchema, body)
		if err != nil {
			return nil, fmt.Errorf("message: encode body: %w", err)
		}
		bodyBytes = b
	}
	var attrBytes []byte
	if attrMap != nil {
		b, err := schema.EncodeAttrs(attrMap, attrOrder, attrValues)
		if err != nil {
			return nil, fmt.Errorf("message: encode attrs: %w", err)
		}
		attrBytes = b
	}

	h.Length = uint32(HeaderLen + len(bodyBytes) + len(attrBytes))
	out := make([]byte, nlenc.Align(int(h.Length), 4))
	nlenc.PutUint32(out[0:4], h.Length, nlenc.Host)
	nlenc.PutUint16(out[4:6], h.Type, nlenc.Host)
	nlenc.PutUint16(out[6:8], h.Flags, nlenc.Host)
	nlenc.PutUint32(out[8:12], h.Seq, nlenc.Host)
	nlenc.PutUint32(out[12:16], h.PID, nlenc.Host)
	copy(out[HeaderLen:], bodyBytes)
	copy(out[HeaderLen+len(bodyBytes):], attrBytes)
	return out, nil
}
