package proxy

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netlinkit/message"
)

// SIOCBRADDBR/SIOCBRDELBR (linux/sockios.h) create and destroy a bridge
// device through an ioctl on an AF_INET socket, the only mechanism
// available on kernels old enough to lack RTM_NEWLINK support for
// IFLA_INFO_KIND "bridge".
const (
	siocBrAddBr = 0x89a0
	siocBrDelBr = 0x89a1
)

// NewLegacyBridgeHandler returns a Handler that creates a bridge device
// via the SIOCBRADDBR ioctl instead of RTM_NEWLINK, for kernels that
// predate netlink-based bridge creation (spec.md §4.7's "legacy
// bridge/bond via sysfs" example). It synthesizes a success reply
// without ever sending anything to the kernel over netlink.
func NewLegacyBridgeHandler(bridgeName string) Handler {
	return func(req Request, fwd Forwarder) (Outcome, []*message.Message, error) {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			return Error, nil, fmt.Errorf("proxy: socket: %w", err)
		}
		defer unix.Close(fd)

		var name [unix.IFNAMSIZ]byte
		copy(name[:], bridgeName)
		if err := ioctl(uintptr(fd), siocBrAddBr, uintptr(unsafe.Pointer(&name[0]))); err != nil {
			return Error, nil, fmt.Errorf("proxy: SIOCBRADDBR: %w", err)
		}

		// The kernel never saw a netlink request at all; synthesize the
		// ACK the caller's nlm_request is waiting for rather than
		// forwarding anything.
		synthesized := &message.Message{
			Header: message.Header{
				Type:  message.NLMSG_ERROR,
				Flags: req.Msg.Header.Flags,
				Seq:   req.Msg.Header.Seq,
				PID:   req.Msg.Header.PID,
			},
		}
		return Synthesize, []*message.Message{synthesized}, nil
	}
}

// NewLegacyBridgeDeleteHandler is the SIOCBRDELBR counterpart of
// NewLegacyBridgeHandler.
func NewLegacyBridgeDeleteHandler(bridgeName string) Handler {
	return func(req Request, fwd Forwarder) (Outcome, []*message.Message, error) {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
		if err != nil {
			return Error, nil, fmt.Errorf("proxy: socket: %w", err)
		}
		defer unix.Close(fd)

		var name [unix.IFNAMSIZ]byte
		copy(name[:], bridgeName)
		if err := ioctl(uintptr(fd), siocBrDelBr, uintptr(unsafe.Pointer(&name[0]))); err != nil {
			return Error, nil, fmt.Errorf("proxy: SIOCBRDELBR: %w", err)
		}
		return Synthesize, nil, nil
	}
}
