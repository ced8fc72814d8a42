// Package genl implements the Generic Netlink controller family
// (genetlink, uapi/linux/genetlink.h): the genlmsghdr that prefixes
// every generic-netlink message body, and CTRL_CMD_GETFAMILY name
// resolution, which every other generic-netlink family (nl80211,
// wireguard, taskstats, ...) depends on to learn its own dynamically
// assigned protocol number.
//
// CTRL_CMD_GETFAMILY answers are demonstrated here via marshal's
// per-sequence SeqParser, the generalization of pyroute2's "custom key"
// dispatch: a caller awaiting one specific reply registers a parser
// keyed by the exact sequence number of its request, sidestepping the
// message-type-keyed msg_map entirely (spec.md §4.5).
package genl

import (
	"fmt"

	"github.com/m-lab/netlinkit/marshal"
	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/nlenc"
	"github.com/m-lab/netlinkit/schema"
)

// GENL_ID_CTRL is the well-known, never-dynamically-assigned protocol
// number of the controller family itself.
const GENL_ID_CTRL uint16 = 0x10

// Controller commands (genetlink.h).
const (
	CTRL_CMD_GETFAMILY uint8 = 3
)

// Controller attributes.
const (
	CTRL_ATTR_FAMILY_ID uint16 = iota + 1
	CTRL_ATTR_FAMILY_NAME
	CTRL_ATTR_VERSION
	CTRL_ATTR_HDRSIZE
	CTRL_ATTR_MAXATTR
	CTRL_ATTR_OPS
	CTRL_ATTR_MCAST_GROUPS
)

// GenlMsgHdrStruct is the 4-byte genlmsghdr: command, version, and two
// reserved bytes, carried immediately after the netlink header and
// before any attributes.
var GenlMsgHdrStruct = &schema.Struct{Fields: []schema.Field{
	{Name: "Cmd", Node: schema.Prim{Kind: schema.U8}},
	{Name: "Version", Node: schema.Prim{Kind: schema.U8}},
	{Name: "_reserved", Node: schema.Pad{N: 2}},
}}

// ControllerAttrMap is the CTRL_ATTR_* tree that follows GenlMsgHdrStruct
// in a controller reply.
var ControllerAttrMap = schema.NewAttrMap(
	schema.AttrSchema{Tag: CTRL_ATTR_FAMILY_ID, Name: "CTRL_ATTR_FAMILY_ID", Node: schema.Prim{Kind: schema.U16, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: CTRL_ATTR_FAMILY_NAME, Name: "CTRL_ATTR_FAMILY_NAME", Node: schema.Prim{Kind: schema.CStr}},
	schema.AttrSchema{Tag: CTRL_ATTR_VERSION, Name: "CTRL_ATTR_VERSION", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: CTRL_ATTR_HDRSIZE, Name: "CTRL_ATTR_HDRSIZE", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: CTRL_ATTR_MAXATTR, Name: "CTRL_ATTR_MAXATTR", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
)

// ControllerFamilySchema decodes any genlmsghdr-prefixed controller
// reply when registered against GENL_ID_CTRL in a marshal.Marshal.
var ControllerFamilySchema = marshal.FamilySchema{Body: GenlMsgHdrStruct, Attrs: ControllerAttrMap}

// BuildGetFamilyRequest constructs the body of a CTRL_CMD_GETFAMILY
// request resolving the generic-netlink family named name (e.g.
// "nl80211", "wireguard").
func BuildGetFamilyRequest(name string) ([]byte, error) {
	hdr, err := schema.NewStructValue(GenlMsgHdrStruct, map[string]any{
		"Cmd":     CTRL_CMD_GETFAMILY,
		"Version": uint8(1),
	})
	if err != nil {
		return nil, err
	}
	b, err := schema.EncodeStruct(GenlMsgHdrStruct, hdr)
	if err != nil {
		return nil, err
	}
	attrs, err := schema.EncodeAttrs(ControllerAttrMap, []string{"CTRL_ATTR_FAMILY_NAME"}, map[string]any{
		"CTRL_ATTR_FAMILY_NAME": name,
	})
	if err != nil {
		return nil, err
	}
	return append(b, attrs...), nil
}

// ResolveFamilyID parses a CTRL_CMD_GETFAMILY reply and returns the
// resolved numeric protocol ID for the requested family.
func ResolveFamilyID(reply *message.Message) (uint16, error) {
	v, ok := reply.GetAttr("CTRL_ATTR_FAMILY_ID")
	if !ok {
		return 0, fmt.Errorf("genl: CTRL_ATTR_FAMILY_ID missing from reply")
	}
	id, ok := v.(uint16)
	if !ok {
		return 0, fmt.Errorf("genl: CTRL_ATTR_FAMILY_ID has unexpected type %T", v)
	}
	return id, nil
}

// NewGetFamilySeqParser returns a marshal.SeqParser that decodes a single
// CTRL_CMD_GETFAMILY reply body using ControllerFamilySchema, suitable
// for RegisterSeqParser keyed on the request's sequence number — the
// "custom key" dispatch path rather than the message-type msg_map.
func NewGetFamilySeqParser() marshal.SeqParser {
	return func(b []byte) (*message.Message, int, error) {
		return message.Decode(b, ControllerFamilySchema.Body, ControllerFamilySchema.Attrs)
	}
}
