package nlsock

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/proxy"
)

func TestBindAssignsAutoPortAndEpid(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if err := s.Bind(0, 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if s.epid == 0 {
		t.Errorf("epid was not set after Bind()")
	}
	if s.epid&0x3fffff != s.pid&0x3fffff {
		t.Errorf("epid low bits = %#x, want pid bits %#x", s.epid&0x3fffff, s.pid&0x3fffff)
	}
}

func TestCloseReturnsAutoPortToPool(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Bind(0, 0); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	port := s.port
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Close() must already have returned the port to the pool, so freeing
	// it again is a double free and must fail.
	if err := ports.Free(uint64(port)); err == nil {
		// Free succeeded, so the port was still allocated: Close() did not
		// return it.
		t.Errorf("port %d was still allocated after Close(), expected Close() to have already freed it", port)
	}
}

func TestCompileModeNeverTouchesKernel(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	seq, err := s.Put(message.Header{Type: 16, Seq: 1}, []byte{1, 2, 3, 4}, 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}
	if _, err := s.Put(message.Header{Type: 16, Seq: 2}, []byte{5, 6, 7, 8}, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	compiled := s.Compiled()
	if len(compiled) == 0 {
		t.Fatalf("Compiled() returned no bytes")
	}
	msgs, err := s.marshal.Parse(compiled, "test")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Parse() returned %d messages, want 2 (both puts batched into one buffer)", len(msgs))
	}
}

func TestPutOnClosedSocketFails(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Put(message.Header{Type: 1}, nil, 0); err != SocketClosed {
		t.Errorf("Put() on closed socket error = %v, want SocketClosed", err)
	}
}

func TestGetSurfacesKernelErrorFromTerminalMessage(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	// Seed the backlog directly (as Recv would after parsing a kernel
	// NLMSG_ERROR reply), so Get never touches the real socket.
	s.backlog[9] = []*message.Message{{
		Header:    message.Header{Type: message.NLMSG_ERROR, Seq: 9},
		KernelErr: &message.KernelError{Errno: 19, Msg: "Interface not found"},
	}}

	_, err = s.Get(9, time.Time{})
	var kerr *message.KernelError
	if !errors.As(err, &kerr) {
		t.Fatalf("Get() error = %v, want *message.KernelError", err)
	}
	if kerr.Errno != 19 || kerr.Msg != "Interface not found" {
		t.Errorf("kerr = %+v, want {Errno:19 Msg:%q}", kerr, "Interface not found")
	}
}

func TestGetReturnsNilErrorForPlainAck(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	s.backlog[10] = []*message.Message{{Header: message.Header{Type: message.NLMSG_ERROR, Seq: 10}}}
	msgs, err := s.Get(10, time.Time{})
	if err != nil {
		t.Fatalf("Get() error = %v, want nil for a zero-errno ACK", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Get() returned %d messages, want 1", len(msgs))
	}
}

func TestAllocSeqReturnsDistinctNonZeroValues(t *testing.T) {
	s, err := New(unix.NETLINK_ROUTE)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	a, err := s.AllocSeq()
	if err != nil {
		t.Fatalf("AllocSeq() error = %v", err)
	}
	b, err := s.AllocSeq()
	if err != nil {
		t.Fatalf("AllocSeq() error = %v", err)
	}
	if a == b {
		t.Errorf("AllocSeq() returned %d twice; concurrent requests would collide (spec.md §8 S6)", a)
	}
	if a == 0 || b == 0 {
		t.Errorf("AllocSeq() returned 0, which is reserved for broadcast/unsolicited messages")
	}
}

func TestPutSynthesizeDeliversProxyReplyToBacklog(t *testing.T) {
	p := proxy.New()
	p.Register(unix.NETLINK_ROUTE, 16, func(req proxy.Request, fwd proxy.Forwarder) (proxy.Outcome, []*message.Message, error) {
		return proxy.Synthesize, []*message.Message{
			{Header: message.Header{Type: message.NLMSG_ERROR, Seq: req.Msg.Header.Seq}},
		}, nil
	})
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode(), WithProxy(p))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	seq, err := s.Put(message.Header{Type: 16, Seq: 3}, nil, 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if len(s.Compiled()) != 0 {
		t.Errorf("Compiled() = %d bytes, want 0: a Synthesize outcome must never touch the kernel", len(s.Compiled()))
	}
	msgs, err := s.Get(seq, time.Time{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Header.Type != message.NLMSG_ERROR {
		t.Fatalf("Get() = %v, want one synthesized NLMSG_ERROR", msgs)
	}
}

func TestPutSynthesizeWithNoRepliesStillSynthesizesAck(t *testing.T) {
	p := proxy.New()
	p.Register(unix.NETLINK_ROUTE, 17, func(req proxy.Request, fwd proxy.Forwarder) (proxy.Outcome, []*message.Message, error) {
		return proxy.Synthesize, nil, nil
	})
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode(), WithProxy(p))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	seq, err := s.Put(message.Header{Type: 17, Seq: 4}, nil, 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	msgs, err := s.Get(seq, time.Time{})
	if err != nil {
		t.Fatalf("Get() error = %v, want nil for a synthesized ACK", err)
	}
	if len(msgs) != 1 || !msgs[0].IsTerminal() {
		t.Fatalf("Get() = %v, want a single terminal synthesized ACK", msgs)
	}
}

func TestPutErrorOutcomeSurfacesAsKernelError(t *testing.T) {
	p := proxy.New()
	p.Register(unix.NETLINK_ROUTE, 18, func(req proxy.Request, fwd proxy.Forwarder) (proxy.Outcome, []*message.Message, error) {
		return proxy.Error, nil, fmt.Errorf("boom")
	})
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode(), WithProxy(p))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	seq, err := s.Put(message.Header{Type: 18, Seq: 5}, nil, 0)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err = s.Get(seq, time.Time{})
	var kerr *message.KernelError
	if !errors.As(err, &kerr) {
		t.Fatalf("Get() error = %v, want *message.KernelError", err)
	}
	if kerr.Msg != "boom" {
		t.Errorf("kerr.Msg = %q, want %q", kerr.Msg, "boom")
	}
}

func TestPutForwardOutcomeSendsOnlyThroughForwarder(t *testing.T) {
	p := proxy.New()
	var fwdCalls int
	p.Register(unix.NETLINK_ROUTE, 19, func(req proxy.Request, fwd proxy.Forwarder) (proxy.Outcome, []*message.Message, error) {
		fwdCalls++
		if _, err := fwd.Put(req.Msg.Header, nil, 0); err != nil {
			return proxy.Error, nil, err
		}
		return proxy.Forward, nil, nil
	})
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode(), WithProxy(p))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Put(message.Header{Type: 19, Seq: 6}, []byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if fwdCalls != 1 {
		t.Fatalf("handler invoked %d times, want 1", fwdCalls)
	}
	compiled := s.Compiled()
	if len(compiled) == 0 {
		t.Fatalf("Forward outcome never sent anything through the Forwarder")
	}
	msgs, err := s.marshal.Parse(compiled, "test")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Parse() returned %d messages, want exactly 1 (the handler's own forward, not a duplicate)", len(msgs))
	}
}

func TestPutFallsThroughToKernelWhenNoHandlerMatches(t *testing.T) {
	p := proxy.New() // no handlers registered at all
	s, err := New(unix.NETLINK_ROUTE, WithCompileMode(), WithProxy(p))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if _, err := s.Put(message.Header{Type: 20, Seq: 7}, []byte{9, 9, 9, 9}, 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if len(s.Compiled()) == 0 {
		t.Fatalf("Put() did not fall through to the normal send path when no proxy handler matched")
	}
}
