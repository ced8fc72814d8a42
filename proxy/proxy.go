// Package proxy implements the request-proxy layer from spec.md §4.7
// (component C7): a (protocol, msg_type) keyed registry of handlers that
// can forward a request unchanged, synthesize a reply without ever
// reaching the kernel, or raise an error — used to emulate netlink-only
// operations on systems or kernels where the real netlink path doesn't
// exist or doesn't cover the operation. The handlers shipped here create
// and delete bridges through the SIOCBRADDBR/SIOCBRDELBR ioctls and
// create tuntap devices through /dev/net/tun; there is no bond handler
// and no sysfs-based handler.
package proxy

import (
	"errors"
	"fmt"

	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/metrics"
)

// Outcome labels a handler's disposition of a request, used both for the
// Proxy.Handle return value and for the netlinkit_proxy_intercept_total
// metric.
type Outcome string

const (
	Forward    Outcome = "forward"
	Synthesize Outcome = "synthesize"
	Error      Outcome = "error"
)

// Request is what a Handler receives: the message it intercepted and the
// family it arrived on. The Handler is passed a Forwarder alongside it,
// which it can use to still talk to the kernel for the parts of the operation netlink handles fine (e.g.
// creating a bridge's underlying tuntap fd by ioctl, then letting the
// normal RTM_NEWLINK path bring the resulting interface up).
type Request struct {
	Protocol int
	MsgType  uint16
	Msg      *message.Message
	Raw      []byte
}

// Forwarder is the minimal socket surface a Handler needs to still reach
// the kernel for part of a request — satisfied by *nlsock.Socket.
type Forwarder interface {
	Put(h message.Header, body []byte, flags uint16) (uint32, error)
}

// Handler decides what to do with an intercepted request. It returns the
// Outcome it chose; for Synthesize it returns the reply messages, which
// the caller (nlsock.Socket.Put) delivers to the request's backlog, with
// a plain ACK synthesized when none are returned. This package only
// tracks which requests were intercepted and how; what a reply contains
// is family-specific and lives in the handler.
type Handler func(req Request, fwd Forwarder) (Outcome, []*message.Message, error)

// key identifies one (protocol, msg_type) registry entry.
type key struct {
	protocol int
	msgType  uint16
}

// ErrNoHandler is returned by Handle when no handler is registered for
// the (protocol, msg_type) pair; the caller should forward the request
// to the kernel unmodified.
var ErrNoHandler = errors.New("proxy: no handler registered")

// Proxy is the registry described in spec.md §4.7.
type Proxy struct {
	handlers map[key]Handler
}

// New returns an empty Proxy.
func New() *Proxy {
	return &Proxy{handlers: make(map[key]Handler)}
}

// Register installs handler for every request matching (protocol,
// msgType), replacing any handler previously registered for that pair.
func (p *Proxy) Register(protocol int, msgType uint16, handler Handler) {
	p.handlers[key{protocol, msgType}] = handler
}

// Unregister removes the handler for (protocol, msgType), if any.
func (p *Proxy) Unregister(protocol int, msgType uint16) {
	delete(p.handlers, key{protocol, msgType})
}

// Handle looks up and invokes the handler for req, recording the outcome
// in the netlinkit_proxy_intercept_total metric. ErrNoHandler means the
// caller should proceed with its normal (non-proxied) path.
func (p *Proxy) Handle(req Request, fwd Forwarder) (Outcome, []*message.Message, error) {
	h, ok := p.handlers[key{req.Protocol, req.MsgType}]
	if !ok {
		return "", nil, ErrNoHandler
	}
	outcome, msgs, err := h(req, fwd)
	label := string(outcome)
	if err != nil {
		label = string(Error)
	}
	metrics.ProxyInterceptCount.WithLabelValues(fmt.Sprintf("%d", req.Protocol), fmt.Sprintf("%d", req.MsgType), label).Inc()
	return outcome, msgs, err
}
