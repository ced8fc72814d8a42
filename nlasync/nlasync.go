// Package nlasync implements the asynchronous façade from spec.md §4.9
// (component C9): the same logical operations as nlsock, but exposed as
// futures/channels instead of blocking calls, so a single goroutine can
// have many requests in flight without a thread per request. It sends and
// receives through nlsock's Put and Recv and decodes with its Marshal
// (spec.md §9's "sans-I/O" design note), but routes replies to its own
// per-sequence waiters rather than through nlsock's backlog.
package nlasync

import (
	"context"
	"sync"
	"time"

	"github.com/m-lab/netlinkit/message"
	"github.com/m-lab/netlinkit/nlsock"
)

// Result is the outcome of one asynchronous Get: either a batch of
// messages or an error, never both.
type Result struct {
	Msgs []*message.Message
	Err  error
}

// Socket wraps an *nlsock.Socket with a single background reader
// goroutine that demultiplexes incoming messages by sequence number and
// delivers them to whichever Get call is waiting, matching spec.md §5's
// "single-threaded cooperative" front end while still letting the
// underlying kernel socket be read from one dedicated goroutine.
type Socket struct {
	sock *nlsock.Socket

	mu      sync.Mutex
	waiters map[uint32]*pending
	// orphans holds batches dispatch saw for a sequence with no waiter
	// yet, since readLoop calls sock.Recv directly and never sock.Get, so
	// nlsock's own backlog (which only Get populates) never sees these
	// replies. Without this, a reply racing ahead of Put registering its
	// waiter would be dropped on the floor.
	orphans map[uint32][]*message.Message
	done    chan struct{}
	closeMu sync.Once
}

// pending accumulates the messages seen so far for one outstanding
// sequence number, since a dump's NLM_F_MULTI parts usually arrive across
// several separate reads of the underlying socket (spec.md §4.9: the
// consumer only sees the full response once it is complete, never a
// partial multipart batch).
type pending struct {
	ch  chan Result
	acc []*message.Message
}

// New starts the background reader over an already-bound sock. The
// caller remains responsible for sock.Close(); closing the returned
// Socket stops the reader goroutine but does not close sock.
func New(sock *nlsock.Socket) *Socket {
	s := &Socket{
		sock:    sock,
		waiters: make(map[uint32]*pending),
		orphans: make(map[uint32][]*message.Message),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *Socket) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msgs, err := s.sock.Recv(0)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.broadcastError(err)
			return
		}
		s.dispatch(msgs)
	}
}

func (s *Socket) dispatch(msgs []*message.Message) {
	bySeq := make(map[uint32][]*message.Message)
	for _, m := range msgs {
		bySeq[m.Header.Seq] = append(bySeq[m.Header.Seq], m)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, batch := range bySeq {
		p, ok := s.waiters[seq]
		if !ok {
			// No Put has registered a waiter for this sequence yet (it may
			// still be in flight), so hold the batch until one shows up
			// rather than discarding a reply nlsock's own backlog never
			// sees (that backlog is only populated by Socket.Get, which
			// this façade's readLoop bypasses).
			s.orphans[seq] = append(s.orphans[seq], batch...)
			continue
		}
		p.acc = append(p.acc, batch...)
		if p.acc[len(p.acc)-1].IsTerminal() {
			delete(s.waiters, seq)
			s.deliverLocked(p)
		}
	}
}

// deliverLocked sends p's accumulated batch as a Result and closes its
// channel. A non-zero kernel errno on the terminal message is a failed
// request, not a successful empty-ish batch (spec.md §4.6/§7, scenario
// S3): surface it as the Result's error instead of leaving it for the
// caller to notice inside Msgs. Must be called with s.mu held.
func (s *Socket) deliverLocked(p *pending) {
	last := p.acc[len(p.acc)-1]
	if last.KernelErr != nil {
		p.ch <- Result{Err: last.KernelErr}
	} else {
		p.ch <- Result{Msgs: p.acc}
	}
	close(p.ch)
}

func (s *Socket) broadcastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seq, p := range s.waiters {
		p.ch <- Result{Err: err}
		close(p.ch)
		delete(s.waiters, seq)
	}
}

// Put sends a request and returns a channel that will receive exactly
// one Result once a reply with the same sequence number arrives, or the
// request is cancelled via ctx.
func (s *Socket) Put(ctx context.Context, h message.Header, body []byte, flags uint16) (<-chan Result, error) {
	seq, err := s.sock.Put(h, body, flags)
	if err != nil {
		return nil, err
	}
	ch := make(chan Result, 1)
	s.mu.Lock()
	p := &pending{ch: ch}
	if orphaned, ok := s.orphans[seq]; ok {
		// A reply for this sequence already arrived (and was dispatched)
		// before this waiter was registered; adopt it instead of waiting
		// for a batch that will never come again.
		delete(s.orphans, seq)
		p.acc = orphaned
	}
	s.waiters[seq] = p
	if len(p.acc) > 0 && p.acc[len(p.acc)-1].IsTerminal() {
		delete(s.waiters, seq)
		s.deliverLocked(p)
	}
	s.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		select {
		case r := <-ch:
			out <- r
		case <-ctx.Done():
			s.cancel(seq)
			out <- Result{Err: ctx.Err()}
		}
		close(out)
	}()
	return out, nil
}

// cancel removes a waiter without delivering a result, used when ctx is
// cancelled before a reply arrives (spec.md §5 cancellation semantics).
func (s *Socket) cancel(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.waiters[seq]; ok {
		delete(s.waiters, seq)
		close(p.ch)
	}
}

// NlmRequest is the async equivalent of nlsock.Socket.NlmRequest: allocate
// a fresh sequence number from the underlying socket's pool, send, and
// await the reply, honoring ctx for cancellation and timeout (callers
// wanting a fixed deadline should derive ctx with context.WithTimeout).
// Any Seq set on h by the caller is overwritten, matching spec.md §4.6's
// "nlm_request... allocates a fresh sequence number" so concurrent
// requests on one socket never collide (spec.md §8 scenario S6).
func (s *Socket) NlmRequest(ctx context.Context, h message.Header, body []byte, flags uint16) ([]*message.Message, error) {
	seq, err := s.sock.AllocSeq()
	if err != nil {
		return nil, err
	}
	defer s.sock.FreeSeq(seq)
	h.Seq = seq

	ch, err := s.Put(ctx, h, body, flags)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.Msgs, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the background reader goroutine. Any Puts still awaiting a
// reply receive a final Result with SocketClosed.
func (s *Socket) Close() {
	s.closeMu.Do(func() {
		close(s.done)
		s.broadcastError(nlsock.SocketClosed)
	})
}

// WithTimeout is a convenience wrapper around context.WithTimeout, kept
// here so callers don't need a separate import just to set a deadline on
// NlmRequest.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
