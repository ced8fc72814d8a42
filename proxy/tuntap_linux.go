package proxy

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netlinkit/message"
)

// Linux ioctl constants for /dev/net/tun device creation (linux/if_tun.h),
// used by NewTunTapHandler since RTM_NEWLINK alone cannot create a tuntap
// character device fd — only the resulting netdevice once the fd is
// opened and configured.
const (
	iffTun       = 0x0001
	iffTap       = 0x0002
	iffNoPI      = 0x1000
	tunSetIffReq = 0x400454ca // TUNSETIFF
)

type ifReq struct {
	Name  [unix.IFNAMSIZ]byte
	Flags uint16
	_     [22]byte // pad to the kernel's struct ifreq size
}

// NewTunTapHandler returns a Handler that intercepts RTM_NEWLINK requests
// creating an IFLA_INFO_KIND "tuntap" device: it opens /dev/net/tun,
// issues TUNSETIFF to create the named tap or tun interface, closes the
// fd (the interface persists without IFF_ONE_QUEUE/IFF_PERSIST handling
// beyond creation), and then forwards the very same RTM_NEWLINK request
// to the kernel so flags/addresses get applied through the normal
// netlink path (spec.md §4.7: "forwards/synthesizes/raises").
func NewTunTapHandler(ifname string, tap bool) Handler {
	return func(req Request, fwd Forwarder) (Outcome, []*message.Message, error) {
		f, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
		if err != nil {
			return Error, nil, fmt.Errorf("proxy: open /dev/net/tun: %w", err)
		}
		defer f.Close()

		var ifr ifReq
		copy(ifr.Name[:], ifname)
		if tap {
			ifr.Flags = iffTap | iffNoPI
		} else {
			ifr.Flags = iffTun | iffNoPI
		}
		if err := ioctl(f.Fd(), tunSetIffReq, uintptr(unsafe.Pointer(&ifr))); err != nil {
			return Error, nil, fmt.Errorf("proxy: TUNSETIFF: %w", err)
		}

		seq, err := fwd.Put(req.Msg.Header, req.Raw[message.HeaderLen:], req.Msg.Header.Flags)
		if err != nil {
			return Error, nil, fmt.Errorf("proxy: forward after tuntap create: %w", err)
		}
		_ = seq
		return Forward, nil, nil
	}
}

func ioctl(fd uintptr, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}
