// Package rtnl describes the rtnetlink link and address families
// (RTM_NEWLINK/RTM_GETLINK/RTM_NEWADDR and friends, uapi/linux/if_link.h
// and if_addr.h) on top of package schema, including the IFLA_LINKINFO
// polymorphic nested attribute (spec.md §9 Choice dispatch, scenario
// S4).
package rtnl

import (
	"github.com/m-lab/netlinkit/marshal"
	"github.com/m-lab/netlinkit/nlenc"
	"github.com/m-lab/netlinkit/schema"
)

// rtnetlink message types (uapi/linux/rtnetlink.h).
const (
	RTM_NEWLINK uint16 = 16
	RTM_DELLINK uint16 = 17
	RTM_GETLINK uint16 = 18
	RTM_SETLINK uint16 = 19

	RTM_NEWADDR uint16 = 20
	RTM_DELADDR uint16 = 21
	RTM_GETADDR uint16 = 22
)

// IFLA_* attribute tags (if_link.h); not exhaustive, but covers every
// attribute a typical link dump or link-add exercises.
const (
	IFLA_UNSPEC uint16 = iota
	IFLA_ADDRESS
	IFLA_BROADCAST
	IFLA_IFNAME
	IFLA_MTU
	IFLA_LINK
	IFLA_QDISC
	IFLA_STATS
	IFLA_COST
	IFLA_PRIORITY
	IFLA_MASTER
	IFLA_WIRELESS
	IFLA_PROTINFO
	IFLA_TXQLEN
	IFLA_MAP
	IFLA_WEIGHT
	IFLA_OPERSTATE
	IFLA_LINKMODE
	IFLA_LINKINFO
	IFLA_NET_NS_PID
	IFLA_IFALIAS
)

// IFLA_INFO_* tags, nested under IFLA_LINKINFO.
const (
	IFLA_INFO_KIND uint16 = iota + 1
	IFLA_INFO_DATA
	IFLA_INFO_XSTATS
	IFLA_INFO_SLAVE_KIND
	IFLA_INFO_SLAVE_DATA
)

// IFLA_VLAN_* tags, nested under IFLA_INFO_DATA when IFLA_INFO_KIND ==
// "vlan" (spec.md scenario S4).
const (
	IFLA_VLAN_UNSPEC uint16 = iota
	IFLA_VLAN_ID
	IFLA_VLAN_FLAGS
	IFLA_VLAN_EGRESS_QOS
	IFLA_VLAN_INGRESS_QOS
	IFLA_VLAN_PROTOCOL
)

// IFA_* attribute tags (if_addr.h).
const (
	IFA_UNSPEC uint16 = iota
	IFA_ADDRESS
	IFA_LOCAL
	IFA_LABEL
	IFA_BROADCAST
	IFA_ANYCAST
	IFA_CACHEINFO
	IFA_MULTICAST
	IFA_FLAGS
)

// IfInfoMsgStruct is the 16-byte ifinfmsg that opens every
// RTM_*LINK message.
var IfInfoMsgStruct = &schema.Struct{Fields: []schema.Field{
	{Name: "Family", Node: schema.Prim{Kind: schema.U8}},
	{Name: "_pad", Node: schema.Pad{N: 1}},
	{Name: "Type", Node: schema.Prim{Kind: schema.U16, Endian: nlenc.Host}},
	{Name: "Index", Node: schema.Prim{Kind: schema.I32, Endian: nlenc.Host}},
	{Name: "Flags", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	{Name: "Change", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
}}

// IfAddrMsgStruct is the 8-byte ifaddrmsg that opens every RTM_*ADDR
// message (scenario S2).
var IfAddrMsgStruct = &schema.Struct{Fields: []schema.Field{
	{Name: "Family", Node: schema.Prim{Kind: schema.U8}},
	{Name: "Prefixlen", Node: schema.Prim{Kind: schema.U8}},
	{Name: "Flags", Node: schema.Prim{Kind: schema.U8}},
	{Name: "Scope", Node: schema.Prim{Kind: schema.U8}},
	{Name: "Index", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
}}

// vlanInfoAttrMap is the IFLA_INFO_DATA variant for IFLA_INFO_KIND ==
// "vlan" (scenario S4).
var vlanInfoAttrMap = schema.NewAttrMap(
	schema.AttrSchema{Tag: IFLA_VLAN_ID, Name: "IFLA_VLAN_ID", Node: schema.Prim{Kind: schema.U16, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: IFLA_VLAN_FLAGS, Name: "IFLA_VLAN_FLAGS", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: IFLA_VLAN_PROTOCOL, Name: "IFLA_VLAN_PROTOCOL", Node: schema.Prim{Kind: schema.U16, Endian: nlenc.Network}},
)

// dummyInfoAttrMap is the (empty) IFLA_INFO_DATA variant for
// IFLA_INFO_KIND == "dummy": dummy interfaces carry no link-specific
// attributes, but the variant still needs an entry for Choice to
// resolve to instead of falling back to a hex dump.
var dummyInfoAttrMap = schema.NewAttrMap()

// linkInfoAttrMap is the IFLA_LINKINFO nested attribute tree: a fixed
// IFLA_INFO_KIND string, followed by an IFLA_INFO_DATA whose schema
// depends on that string (spec.md §9's "Dynamic dispatch" example).
var linkInfoAttrMap = schema.NewAttrMap(
	schema.AttrSchema{Tag: IFLA_INFO_KIND, Name: "IFLA_INFO_KIND", Node: schema.Prim{Kind: schema.CStr}},
	schema.AttrSchema{Tag: IFLA_INFO_DATA, Name: "IFLA_INFO_DATA", Node: &schema.Choice{
		DiscriminatorName: "IFLA_INFO_KIND",
		Variants: map[string]schema.Node{
			"vlan":  vlanInfoAttrMap,
			"dummy": dummyInfoAttrMap,
		},
	}, Flags: schema.FlagNested},
)

// LinkAttrMap is the IFLA_* attribute tree that follows IfInfoMsgStruct.
var LinkAttrMap = schema.NewAttrMap(
	schema.AttrSchema{Tag: IFLA_ADDRESS, Name: "IFLA_ADDRESS", Node: schema.Prim{Kind: schema.HWAddr}},
	schema.AttrSchema{Tag: IFLA_BROADCAST, Name: "IFLA_BROADCAST", Node: schema.Prim{Kind: schema.HWAddr}},
	schema.AttrSchema{Tag: IFLA_IFNAME, Name: "IFLA_IFNAME", Node: schema.Prim{Kind: schema.CStr}},
	schema.AttrSchema{Tag: IFLA_MTU, Name: "IFLA_MTU", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: IFLA_LINK, Name: "IFLA_LINK", Node: schema.Prim{Kind: schema.I32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: IFLA_QDISC, Name: "IFLA_QDISC", Node: schema.Prim{Kind: schema.CStr}},
	schema.AttrSchema{Tag: IFLA_TXQLEN, Name: "IFLA_TXQLEN", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	schema.AttrSchema{Tag: IFLA_OPERSTATE, Name: "IFLA_OPERSTATE", Node: schema.Prim{Kind: schema.U8}},
	schema.AttrSchema{Tag: IFLA_LINKMODE, Name: "IFLA_LINKMODE", Node: schema.Prim{Kind: schema.U8}},
	schema.AttrSchema{Tag: IFLA_LINKINFO, Name: "IFLA_LINKINFO", Node: linkInfoAttrMap, Flags: schema.FlagNested},
	schema.AttrSchema{Tag: IFLA_IFALIAS, Name: "IFLA_IFALIAS", Node: schema.Prim{Kind: schema.CStr}},
)

// AddrAttrMap is the IFA_* attribute tree that follows IfAddrMsgStruct
// (scenario S2).
var AddrAttrMap = schema.NewAttrMap(
	schema.AttrSchema{Tag: IFA_ADDRESS, Name: "IFA_ADDRESS", Node: schema.Prim{Kind: schema.IP4}},
	schema.AttrSchema{Tag: IFA_LOCAL, Name: "IFA_LOCAL", Node: schema.Prim{Kind: schema.IP4}},
	schema.AttrSchema{Tag: IFA_LABEL, Name: "IFA_LABEL", Node: schema.Prim{Kind: schema.CStr}},
	schema.AttrSchema{Tag: IFA_BROADCAST, Name: "IFA_BROADCAST", Node: schema.Prim{Kind: schema.IP4}},
	schema.AttrSchema{Tag: IFA_FLAGS, Name: "IFA_FLAGS", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
)

// LinkFamilySchema and AddrFamilySchema are what marshal.Register needs
// to decode RTM_*LINK and RTM_*ADDR messages respectively.
var (
	LinkFamilySchema = marshal.FamilySchema{Body: IfInfoMsgStruct, Attrs: LinkAttrMap}
	AddrFamilySchema = marshal.FamilySchema{Body: IfAddrMsgStruct, Attrs: AddrAttrMap}
)

// RegisterAll registers the link and address families' schemas on m for
// every message type they can appear as (new/del/get share one shape on
// the wire in rtnetlink).
func RegisterAll(m *marshal.Marshal) {
	for _, t := range []uint16{RTM_NEWLINK, RTM_DELLINK, RTM_GETLINK, RTM_SETLINK} {
		m.Register(t, LinkFamilySchema)
	}
	for _, t := range []uint16{RTM_NEWADDR, RTM_DELADDR, RTM_GETADDR} {
		m.Register(t, AddrFamilySchema)
	}
}

// BuildGetLinkDumpRequest constructs the body bytes for a full interface
// dump request (spec.md scenario S1): an ifinfmsg with every field zero
// except family, sent with NLM_F_REQUEST|NLM_F_DUMP.
func BuildGetLinkDumpRequest(family uint8) ([]byte, error) {
	sv, err := schema.NewStructValue(IfInfoMsgStruct, map[string]any{
		"Family": family,
		"Type":   uint16(0),
		"Index":  int32(0),
		"Flags":  uint32(0),
		"Change": uint32(0),
	})
	if err != nil {
		return nil, err
	}
	return schema.EncodeStruct(IfInfoMsgStruct, sv)
}
