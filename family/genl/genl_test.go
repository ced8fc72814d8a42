package genl

import (
	"testing"

	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/nlattr"
	"github.com/m-lab/netlinkit/nlenc"
)

func TestBuildGetFamilyRequestEncodesName(t *testing.T) {
	b, err := BuildGetFamilyRequest("wireguard")
	if err != nil {
		t.Fatalf("BuildGetFamilyRequest() error = %v", err)
	}
	if len(b) < GenlMsgHdrStruct.Size() {
		t.Fatalf("len(b) = %d, too short for genlmsghdr", len(b))
	}
	if b[0] != CTRL_CMD_GETFAMILY {
		t.Errorf("Cmd = %d, want CTRL_CMD_GETFAMILY", b[0])
	}
	attrs, err := nlattr.Split(b[GenlMsgHdrStruct.Size():])
	if err != nil {
		t.Fatalf("nlattr.Split() error = %v", err)
	}
	if len(attrs) != 1 || attrs[0].Tag != CTRL_ATTR_FAMILY_NAME {
		t.Fatalf("attrs = %+v, want one CTRL_ATTR_FAMILY_NAME", attrs)
	}
	if got := string(attrs[0].Data); got != "wireguard\x00" {
		t.Errorf("CTRL_ATTR_FAMILY_NAME = %q, want %q", got, "wireguard\x00")
	}
}

// frame wraps a genlmsghdr+attrs body in a minimal 16-byte netlink
// header so message.Decode can parse it as a whole message.
func frame(body []byte) []byte {
	full := make([]byte, message.HeaderLen+len(body))
	length := uint32(len(full))
	nlenc.PutUint32(full[0:4], length, nlenc.Host)
	nlenc.PutUint16(full[4:6], GENL_ID_CTRL, nlenc.Host)
	copy(full[message.HeaderLen:], body)
	return full
}

func TestResolveFamilyIDFromReply(t *testing.T) {
	hdr := []byte{CTRL_CMD_GETFAMILY, 1, 0, 0}
	attrs := nlattr.Join([]nlattr.Raw{
		{Tag: CTRL_ATTR_FAMILY_ID, Data: []byte{0x15, 0x00}},
		{Tag: CTRL_ATTR_FAMILY_NAME, Data: append([]byte("wireguard"), 0)},
	})
	body := append(hdr, attrs...)

	msg, _, err := message.Decode(frame(body), GenlMsgHdrStruct, ControllerAttrMap)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	id, err := ResolveFamilyID(msg)
	if err != nil {
		t.Fatalf("ResolveFamilyID() error = %v", err)
	}
	if id != 0x15 {
		t.Errorf("id = %d, want 0x15", id)
	}
}

func TestNewGetFamilySeqParserDecodesBody(t *testing.T) {
	hdr := []byte{CTRL_CMD_GETFAMILY, 1, 0, 0}
	attrs := nlattr.Join([]nlattr.Raw{
		{Tag: CTRL_ATTR_FAMILY_ID, Data: []byte{0x16, 0x00}},
	})
	body := append(hdr, attrs...)
	full := frame(body)

	parser := NewGetFamilySeqParser()
	msg, n, err := parser(full)
	if err != nil {
		t.Fatalf("parser() error = %v", err)
	}
	if n != len(full) {
		t.Errorf("consumed %d bytes, want %d", n, len(full))
	}
	id, err := ResolveFamilyID(msg)
	if err != nil {
		t.Fatalf("ResolveFamilyID() error = %v", err)
	}
	if id != 0x16 {
		t.Errorf("id = %d, want 0x16", id)
	}
}
