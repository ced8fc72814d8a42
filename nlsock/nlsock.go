// Package nlsock implements the synchronous netlink socket runtime from
// spec.md §4.6 (component C6): auto-port bind against a process-wide
// pool, send/receive with per-sequence backlog demultiplexing, and a
// compile mode that captures encoded bytes instead of sending them
// (spec.md §8 scenario S5).
package nlsock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/m-lab/netlinkit/addrpool"
	"github.com/m-lab/netlinkit/marshal"
	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/metrics"
	"github.com/m-lab/netlinkit/nlenc"
	"github.com/m-lab/netlinkit/proxy"
)

// portPoolMax is the number of auto-assignable port slots available per
// process (spec.md §4.6: "process-wide pool of 1024 ports").
const portPoolMax = 1024

// ports is the process-wide port pool described in spec.md §9 ("the port
// pool should be an explicit runtime handle, default one per process"):
// one default instance shared by every auto-bound Socket in this process,
// matching the original's module-level `sockets = AddrPool(...)` global.
var ports = addrpool.New(0, portPoolMax-1, addrpool.WithReverse())

// Sentinel errors from spec.md §7's error taxonomy.
var (
	AddressInUse = errors.New("nlsock: address already in use")
	SocketClosed = errors.New("nlsock: socket is closed")
	TimedOut     = errors.New("nlsock: receive timed out")
)

// KernelError is re-exported from package message so callers of this
// package don't need to import message just to type-assert an error.
type KernelError = message.KernelError

// Socket is a single netlink socket bound to one epid (spec.md §3 Port
// reservation, §4.6). It is safe for concurrent use: a mutex serializes
// sends, the backlog map and the parsing of received datagrams, matching
// the original's `with self.lock` sections. The kernel read itself is not
// under the mutex; concurrent readers each receive whole datagrams.
type Socket struct {
	mu sync.Mutex

	family  int
	fd      int
	pid     uint32
	port    uint32
	fixed   bool
	epid    uint32
	groups  uint32
	bound   bool
	closed  bool

	marshal *marshal.Marshal
	backlog map[uint32][]*message.Message

	// seqs is this socket's own sequence-number pool (spec.md §4.8: the
	// address pool "is used for sockets' local ports and for per-socket
	// sequence numbers"), with a ban window so a late reply for a
	// just-retired sequence can't be misrouted to a freshly allocated one.
	seqs *addrpool.Pool

	// proxy, if set, is given first refusal on every outgoing Put
	// (spec.md §4.7 component C7): it can forward, synthesize a reply, or
	// raise an error without the request ever reaching the kernel.
	proxy *proxy.Proxy

	// compile, when true, makes Put append the encoded bytes to
	// compiled instead of calling sendto (spec.md §8 S5: batching
	// multiple puts into one buffer without touching the kernel).
	compile  bool
	compiled []byte
}

// seqPoolMax bounds the per-socket sequence pool (spec.md §4.8's bitmap
// allocator over a fixed range); 16 bits is ample for the number of
// requests any one socket can plausibly have in flight at once.
const seqPoolMax = 1 << 16

// seqBanWindow is the default ban window for freed sequence numbers
// (spec.md §9: "hard-coded to 10 slots in the source... a tunable, not a
// contract").
const seqBanWindow = 10

// Option configures a Socket at construction.
type Option func(*Socket)

// WithMarshal supplies a pre-configured Marshal (message-type registry);
// without this option, New creates an empty one.
func WithMarshal(m *marshal.Marshal) Option {
	return func(s *Socket) { s.marshal = m }
}

// WithCompileMode puts the socket in compile mode: Put never touches the
// kernel, it only appends to an internal buffer retrievable with
// Compiled(). Used to build a single combined buffer from several
// logical requests before sending it in one syscall.
func WithCompileMode() Option {
	return func(s *Socket) { s.compile = true }
}

// WithProxy installs a request-proxy that Put consults before sending
// anything to the kernel (spec.md §4.7). Without this option, Put always
// goes straight to the kernel.
func WithProxy(p *proxy.Proxy) Option {
	return func(s *Socket) { s.proxy = p }
}

// New opens a raw AF_NETLINK socket for the given protocol family
// (spec.md §6.4 environment: NETLINK_ROUTE=0, NETLINK_GENERIC=16, etc.).
// It does not bind; call Bind to reserve a port and start receiving.
func New(family int, opts ...Option) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, family)
	if err != nil {
		return nil, fmt.Errorf("nlsock: socket: %w", err)
	}
	s := &Socket{
		family:  family,
		fd:      fd,
		pid:     uint32(unix.Getpid()) & 0x3fffff,
		marshal: marshal.New(),
		backlog: make(map[uint32][]*message.Message),
		seqs:    addrpool.New(1, seqPoolMax-1, addrpool.WithBanWindow(seqBanWindow)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Marshal returns the socket's message registry, so callers can
// Register/RegisterSeqParser against it before the first Put/Get.
func (s *Socket) Marshal() *marshal.Marshal {
	return s.marshal
}

// Bind reserves a port and binds the socket. If port is non-zero, it is
// used as a fixed port (the caller owns its lifecycle and must not
// expect it to be returned to the pool on Close); if port is zero, Bind
// allocates the next free slot from the process-wide pool, matching
// spec.md §4.6's epid formula epid = (local_port<<22)|(pid&0x3FFFFF).
func (s *Socket) Bind(groups uint32, port uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SocketClosed
	}
	s.groups = groups
	if port != 0 {
		s.port = port
		s.fixed = true
		return s.bindLocked()
	}
	for i := 0; i < portPoolMax; i++ {
		p, err := ports.Alloc()
		if err != nil {
			return fmt.Errorf("nlsock: %w", AddressInUse)
		}
		s.port = uint32(p)
		s.fixed = false
		if err := s.bindLocked(); err != nil {
			ports.Free(p)
			if errors.Is(err, unix.EADDRINUSE) {
				continue
			}
			return err
		}
		metrics.PortPoolOccupancy.Inc()
		return nil
	}
	return AddressInUse
}

func (s *Socket) bindLocked() error {
	s.epid = (s.port << 22) | (s.pid & 0x3fffff)
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: s.epid, Groups: s.groups}
	if err := unix.Bind(s.fd, addr); err != nil {
		return err
	}
	s.bound = true
	return nil
}

// Put encodes and sends one request (or, in compile mode, appends it to
// the compiled buffer), returning the sequence number used so the caller
// can match replies with Get. If a proxy is installed (WithProxy), it is
// given first refusal per spec.md §4.7 before anything reaches the
// kernel: a matching handler can forward the request itself (through the
// Forwarder it is given, which talks straight to the kernel so the
// handler's own forward can't recurse back into the proxy), synthesize a
// reply delivered straight into this sequence's backlog as if the kernel
// had sent it, or fail the request with a synthetic NLMSG_ERROR.
func (s *Socket) Put(h message.Header, body []byte, flags uint16) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, SocketClosed
	}
	h.Flags |= flags | message.NLM_F_REQUEST
	if h.PID == 0 {
		h.PID = s.epid
	}
	b := s.encodeLocked(h, body)

	if s.proxy != nil {
		fam, _ := s.marshal.GetPolicyMap(h.Type)
		msg, _, _ := message.Decode(b, fam.Body, fam.Attrs)
		req := proxy.Request{Protocol: s.family, MsgType: h.Type, Msg: msg, Raw: b}
		outcome, msgs, perr := s.proxy.Handle(req, &kernelForwarder{s})
		switch {
		case errors.Is(perr, proxy.ErrNoHandler):
			// No handler matched this (protocol, msgType); fall through
			// to the normal kernel send path below.
		case outcome == proxy.Forward:
			if perr != nil {
				return 0, perr
			}
			return h.Seq, nil
		case outcome == proxy.Synthesize:
			if len(msgs) == 0 {
				msgs = []*message.Message{ackMessage(h)}
			}
			s.deliverLocked(msgs)
			return h.Seq, nil
		case outcome == proxy.Error:
			s.deliverLocked([]*message.Message{errorMessage(h, perr)})
			return h.Seq, nil
		}
	}

	return s.sendLocked(b, h.Seq)
}

// encodeLocked builds the wire bytes for one request, backpatching
// Header.Length. Must be called with s.mu held.
func (s *Socket) encodeLocked(h message.Header, body []byte) []byte {
	h.Length = uint32(message.HeaderLen + len(body))
	b := make([]byte, message.HeaderLen+len(body))
	nlenc.PutUint32(b[0:4], h.Length, nlenc.Host)
	nlenc.PutUint16(b[4:6], h.Type, nlenc.Host)
	nlenc.PutUint16(b[6:8], h.Flags, nlenc.Host)
	nlenc.PutUint32(b[8:12], h.Seq, nlenc.Host)
	nlenc.PutUint32(b[12:16], h.PID, nlenc.Host)
	copy(b[message.HeaderLen:], body)
	return b
}

// sendLocked writes b to the kernel, or in compile mode appends it to the
// compiled buffer instead. Must be called with s.mu held.
func (s *Socket) sendLocked(b []byte, seq uint32) (uint32, error) {
	if s.compile {
		s.compiled = append(s.compiled, b...)
		return seq, nil
	}
	start := time.Now()
	_, err := unix.Sendto(s.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
	metrics.SyscallTimeHistogram.WithLabelValues(familyLabel(s.family), "sendto").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("nlsock: sendto: %w", err)
	}
	return seq, nil
}

// deliverLocked pushes synthesized/error messages into the backlog as if
// they had arrived from the kernel (spec.md §4.7: a synthesized reply is
// "fed into the socket's backlog under the same sequence as if it had
// come from the kernel"). Must be called with s.mu held.
func (s *Socket) deliverLocked(msgs []*message.Message) {
	for _, m := range msgs {
		s.backlog[m.Header.Seq] = append(s.backlog[m.Header.Seq], m)
	}
}

// kernelForwarder lets a proxy.Handler reach the kernel directly for the
// Forward outcome, bypassing the proxy itself so a handler that forwards
// its own request after doing its own setup (e.g. the tuntap handler's
// ioctl dance) cannot recurse back into the very handler that invoked it.
type kernelForwarder struct{ s *Socket }

func (f *kernelForwarder) Put(h message.Header, body []byte, flags uint16) (uint32, error) {
	s := f.s
	h.Flags |= flags | message.NLM_F_REQUEST
	if h.PID == 0 {
		h.PID = s.epid
	}
	return s.sendLocked(s.encodeLocked(h, body), h.Seq)
}

// ackMessage synthesizes a plain ACK (errno 0) for a Synthesize outcome
// whose handler didn't supply one, so Get(seq) still terminates instead
// of blocking for a reply that will never arrive over the wire
// (spec.md §4.6: "(c) an NLMSG_ERROR with code 0 (ACK)").
func ackMessage(h message.Header) *message.Message {
	return &message.Message{Header: message.Header{Type: message.NLMSG_ERROR, Flags: h.Flags, Seq: h.Seq, PID: h.PID}}
}

// errorMessage synthesizes the NLMSG_ERROR a proxy.Error outcome is
// delivered to the caller as (spec.md §4.7: "delivered to the caller as
// if it were an NLMSG_ERROR").
func errorMessage(h message.Header, err error) *message.Message {
	if err == nil {
		err = errors.New("proxy: handler reported an error")
	}
	return &message.Message{
		Header:    message.Header{Type: message.NLMSG_ERROR, Flags: h.Flags, Seq: h.Seq, PID: h.PID},
		KernelErr: &message.KernelError{Errno: -1, Msg: err.Error(), Offset: -1},
	}
}

// Compiled returns the bytes accumulated by Put calls in compile mode.
func (s *Socket) Compiled() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.compiled...)
}

// Recv reads one batch of messages from the kernel and parses them
// through the socket's Marshal. bufsize <= 0 means use SO_RCVBUF/2, as in
// spec.md §4.6 "get(bufsize, msg_seq)".
func (s *Socket) Recv(bufsize int) ([]*message.Message, error) {
	if bufsize <= 0 {
		rcvbuf, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
		if err != nil {
			return nil, fmt.Errorf("nlsock: getsockopt: %w", err)
		}
		bufsize = rcvbuf / 2
	}
	buf := make([]byte, bufsize)
	start := time.Now()
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	metrics.SyscallTimeHistogram.WithLabelValues(familyLabel(s.family), "recvfrom").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("nlsock: recvfrom: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marshal.Parse(buf[:n], s)
}

// recvWithDeadline is Recv(0) with SO_RCVTIMEO set for the duration of the
// call so a Get with a deadline actually unblocks from the kernel read
// instead of only re-checking the deadline between reads (spec.md §7
// TimedOut must bound the whole wait, not just the polling between
// batches). A zero deadline means block as Recv normally does.
func (s *Socket) recvWithDeadline(deadline time.Time) ([]*message.Message, error) {
	if deadline.IsZero() {
		return s.Recv(0)
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, TimedOut
	}
	tv := unix.NsecToTimeval(remaining.Nanoseconds())
	if err := unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return nil, fmt.Errorf("nlsock: setsockopt: %w", err)
	}
	defer unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{})

	msgs, err := s.Recv(0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return nil, TimedOut
		}
		return nil, err
	}
	return msgs, nil
}

// Get returns every message for seq, blocking on the socket and reading
// further batches until the response is complete (spec.md §4.6: NLMSG_DONE,
// a single-part message without NLM_F_MULTI, or an NLMSG_ERROR) or deadline
// elapses. Messages for other sequences are saved to the backlog for a
// later Get call, matching spec.md §4.6's backlog demux. A partial dump
// accumulated before a timeout is discarded, per spec.md §7's TimedOut
// semantics ("sequence queue discarded"). A non-zero kernel errno on the
// terminal message is returned as a *message.KernelError rather than as
// a silent successful batch (spec.md §4.6/§7, scenario S3).
func (s *Socket) Get(seq uint32, deadline time.Time) ([]*message.Message, error) {
	var out []*message.Message
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, SocketClosed
		}
		if msgs, ok := s.backlog[seq]; ok {
			delete(s.backlog, seq)
			s.mu.Unlock()
			out = append(out, msgs...)
			if len(out) > 0 && out[len(out)-1].IsTerminal() {
				return terminalResult(out)
			}
			continue
		}
		s.mu.Unlock()

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, TimedOut
		}
		msgs, err := s.recvWithDeadline(deadline)
		if errors.Is(err, TimedOut) {
			return nil, TimedOut
		}
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		var matched []*message.Message
		for _, m := range msgs {
			if m.Header.Seq == seq {
				matched = append(matched, m)
			} else {
				s.backlog[m.Header.Seq] = append(s.backlog[m.Header.Seq], m)
			}
		}
		s.mu.Unlock()
		if len(matched) > 0 {
			out = append(out, matched...)
			if out[len(out)-1].IsTerminal() {
				return terminalResult(out)
			}
		}
	}
}

// terminalResult finishes a sequence's completed response: a non-zero
// kernel errno on the final message (spec.md §7 KernelError) is surfaced
// as the call's error instead of being left for the caller to notice
// inside the returned slice.
func terminalResult(out []*message.Message) ([]*message.Message, error) {
	if last := out[len(out)-1]; last.KernelErr != nil {
		return nil, last.KernelErr
	}
	return out, nil
}

// AllocSeq draws a fresh sequence number from this socket's own pool
// (spec.md §4.8 "used for... per-socket sequence numbers"), so concurrent
// requests on one socket never collide on the same sequence (spec.md §8
// scenario S6).
func (s *Socket) AllocSeq() (uint32, error) {
	seq, err := s.seqs.Alloc()
	if err != nil {
		return 0, fmt.Errorf("nlsock: %w", err)
	}
	return uint32(seq), nil
}

// FreeSeq returns seq to the pool once its response has been fully
// consumed, subject to the pool's ban window.
func (s *Socket) FreeSeq(seq uint32) {
	s.seqs.Free(uint64(seq))
}

// NlmRequest is the common put-then-get pattern (spec.md §6.3
// Socket.nlm_request): allocate a fresh sequence number, put, then block
// for its reply (spec.md §4.6: "nlm_request... allocates a fresh sequence
// number, puts, then returns a consumer over get(seq)"). Any Seq set on h
// by the caller is overwritten.
func (s *Socket) NlmRequest(h message.Header, body []byte, flags uint16, timeout time.Duration) ([]*message.Message, error) {
	seq, err := s.AllocSeq()
	if err != nil {
		return nil, err
	}
	defer s.FreeSeq(seq)
	h.Seq = seq
	if _, err := s.Put(h, body, flags); err != nil {
		return nil, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return s.Get(seq, deadline)
}

// Close releases the socket's port back to the process-wide pool (unless
// it was bound to a fixed port), discards any outstanding defragmentation
// buffer, and closes the underlying file descriptor.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.bound && !s.fixed {
		if err := ports.Free(uint64(s.port)); err == nil {
			metrics.PortPoolOccupancy.Dec()
		}
	}
	s.marshal.DiscardBuffer(s)
	return unix.Close(s.fd)
}

func familyLabel(family int) string {
	switch family {
	case unix.NETLINK_ROUTE:
		return "route"
	case unix.NETLINK_GENERIC:
		return "generic"
	case unix.NETLINK_NETFILTER:
		return "netfilter"
	case unix.NETLINK_KOBJECT_UEVENT:
		return "kobject_uevent"
	default:
		return fmt.Sprintf("family_%d", family)
	}
}
