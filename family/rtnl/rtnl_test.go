package rtnl

import (
	"testing"

	"github.com/m-lab/netlinkit/marshal"
	"github.com/m-lab/netlinkit/nlattr"
	"github.com/m-lab/netlinkit/schema"
)

func TestBuildGetLinkDumpRequestWireBytes(t *testing.T) {
	b, err := BuildGetLinkDumpRequest(0)
	if err != nil {
		t.Fatalf("BuildGetLinkDumpRequest() error = %v", err)
	}
	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	if len(b) != len(want) {
		t.Fatalf("len(b) = %d, want %d", len(b), len(want))
	}
	for i := range want {
		if b[i] != want[i] {
			t.Errorf("b[%d] = %#x, want %#x", i, b[i], want[i])
		}
	}
}

// packAttr builds one raw NLA (tag, payload), 4-byte aligned.
func packAttr(tag uint16, payload []byte) []byte {
	raw := nlattr.Raw{Tag: tag, Data: payload}
	return nlattr.Join([]nlattr.Raw{raw})
}

func packNested(tag uint16, payload []byte) []byte {
	raw := nlattr.Raw{Tag: tag, Nested: true, Data: payload}
	return nlattr.Join([]nlattr.Raw{raw})
}

func TestAddrAttrMapParsesLoopbackAddress(t *testing.T) {
	var body []byte
	body = append(body, packAttr(IFA_ADDRESS, []byte{127, 0, 0, 1})...)
	body = append(body, packAttr(IFA_LABEL, append([]byte("lo"), 0))...)

	attrs, err := schema.DecodeAttrs(AddrAttrMap, body)
	if err != nil {
		t.Fatalf("DecodeAttrs() error = %v", err)
	}
	addr, ok := attrs.Get("IFA_ADDRESS")
	if !ok {
		t.Fatalf("IFA_ADDRESS not found")
	}
	if addr.(interface{ String() string }).String() != "127.0.0.1" {
		t.Errorf("IFA_ADDRESS = %v, want 127.0.0.1", addr)
	}
	label, ok := attrs.Get("IFA_LABEL")
	if !ok || label.(string) != "lo" {
		t.Errorf("IFA_LABEL = %v, want lo", label)
	}
}

func TestLinkInfoVlanChoiceResolution(t *testing.T) {
	vlanData := packAttr(IFLA_VLAN_ID, []byte{0x64, 0x00}) // 100, host order u16
	kind := packAttr(IFLA_INFO_KIND, append([]byte("vlan"), 0))
	data := packNested(IFLA_INFO_DATA, vlanData)
	linkInfo := packNested(IFLA_LINKINFO, append(kind, data...))

	attrs, err := schema.DecodeAttrs(LinkAttrMap, linkInfo)
	if err != nil {
		t.Fatalf("DecodeAttrs() error = %v", err)
	}
	nested, ok := attrs.Get("IFLA_LINKINFO")
	if !ok {
		t.Fatalf("IFLA_LINKINFO not found")
	}
	inner := nested.(*schema.Attrs)
	infoData, ok := inner.Get("IFLA_INFO_DATA")
	if !ok {
		t.Fatalf("IFLA_INFO_DATA not found")
	}
	vlanAttrs := infoData.(*schema.Attrs)
	id, ok := vlanAttrs.Get("IFLA_VLAN_ID")
	if !ok {
		t.Fatalf("IFLA_VLAN_ID not found")
	}
	if id.(uint16) != 100 {
		t.Errorf("IFLA_VLAN_ID = %v, want 100", id)
	}
}

func TestRegisterAllCoversEveryLinkAndAddrType(t *testing.T) {
	m := marshal.New()
	RegisterAll(m)
	for _, typ := range []uint16{RTM_NEWLINK, RTM_DELLINK, RTM_GETLINK, RTM_SETLINK} {
		if _, ok := m.GetPolicyMap(typ); !ok {
			t.Errorf("type %d not registered", typ)
		}
	}
	for _, typ := range []uint16{RTM_NEWADDR, RTM_DELADDR, RTM_GETADDR} {
		if _, ok := m.GetPolicyMap(typ); !ok {
			t.Errorf("type %d not registered", typ)
		}
	}
}
