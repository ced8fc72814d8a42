package message

import (
	"testing"

	"github.com/m-lab/netlinkit/nlenc"
	"github.com/m-lab/netlinkit/schema"
)

func ifinfmsgSchema() *schema.Struct {
	return &schema.Struct{Fields: []schema.Field{
		{Name: "Family", Node: schema.Prim{Kind: schema.U8}},
		{Name: "_pad", Node: schema.Pad{N: 1}},
		{Name: "Type", Node: schema.Prim{Kind: schema.U16, Endian: nlenc.Host}},
		{Name: "Index", Node: schema.Prim{Kind: schema.I32, Endian: nlenc.Host}},
		{Name: "Flags", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
		{Name: "Change", Node: schema.Prim{Kind: schema.U32, Endian: nlenc.Host}},
	}}
}

func ifnameAttrs() *schema.AttrMap {
	return schema.NewAttrMap(
		schema.AttrSchema{Tag: 3, Name: "IFLA_IFNAME", Node: schema.Prim{Kind: schema.CStr}},
	)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	body := ifinfmsgSchema()
	bodyVal, err := schema.NewStructValue(body, map[string]any{
		"Family": uint8(0),
		"Type":   uint16(0),
		"Index":  int32(1),
		"Flags":  uint32(0),
		"Change": uint32(0),
	})
	if err != nil {
		t.Fatalf("NewStructValue() error = %v", err)
	}
	attrMap := ifnameAttrs()
	b, err := Encode(Header{Type: 16, Flags: NLM_F_REQUEST, Seq: 7, PID: 100}, body, bodyVal, attrMap,
		[]string{"IFLA_IFNAME"}, map[string]any{"IFLA_IFNAME": "eth0"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	m, n, err := Decode(b, body, attrMap)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != len(b) {
		t.Errorf("consumed = %d, want %d", n, len(b))
	}
	if m.Header.Seq != 7 || m.Header.Type != 16 {
		t.Errorf("Header = %+v", m.Header)
	}
	name, ok := m.GetAttr("IFLA_IFNAME")
	if !ok || name.(string) != "eth0" {
		t.Errorf("IFLA_IFNAME = %v, %v, want eth0, true", name, ok)
	}
	idx, ok := m.Body.Get("Index")
	if !ok || idx.(int32) != 1 {
		t.Errorf("Index = %v, %v, want 1, true", idx, ok)
	}
}

func TestDecodeShortHeaderIsFatal(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3}, nil, nil)
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != KindHeader {
		t.Fatalf("err = %v, want *DecodeError{Kind: KindHeader}", err)
	}
}

func TestDecodeErrorMessage(t *testing.T) {
	// nlmsgerr: 4-byte header, errno=-19 (ENODEV), echoed original header
	// (16 zero bytes), then NLMSGERR_ATTR_MSG="Interface not found".
	const enodev = -19
	body := make([]byte, 4+HeaderLen)
	nlenc.PutInt32(body[0:4], enodev, nlenc.Host)
	msgAttr := nlattrFor(1, "Interface not found")
	body = append(body, msgAttr...)

	full := make([]byte, HeaderLen+len(body))
	totalLen := uint32(len(full))
	nlenc.PutUint32(full[0:4], totalLen, nlenc.Host)
	nlenc.PutUint16(full[4:6], NLMSG_ERROR, nlenc.Host)
	nlenc.PutUint32(full[8:12], 7, nlenc.Host)
	copy(full[HeaderLen:], body)

	m, _, err := Decode(full, nil, nil)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if m.KernelErr == nil {
		t.Fatalf("KernelErr is nil")
	}
	if m.KernelErr.Errno != enodev {
		t.Errorf("Errno = %d, want %d", m.KernelErr.Errno, enodev)
	}
	if m.KernelErr.Msg != "Interface not found" {
		t.Errorf("Msg = %q, want %q", m.KernelErr.Msg, "Interface not found")
	}
}

// nlattrFor builds one raw NLMSGERR_ATTR_MSG wire attribute.
func nlattrFor(tag uint16, s string) []byte {
	payload := append([]byte(s), 0)
	total := nlenc.Align(4+len(payload), 4)
	b := make([]byte, total)
	nlenc.PutUint16(b[0:2], uint16(4+len(payload)), nlenc.Host)
	nlenc.PutUint16(b[2:4], tag, nlenc.Host)
	copy(b[4:], payload)
	return b
}
