// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEchoTimeout is the time a send waits for its echo when neither the
// options nor the context specify a deadline.
const DefaultEchoTimeout = 1 * time.Second

// A PacketConn is a datagram socket. It is satisfied by [*net.UDPConn] and by
// the in-memory connections of the channel package.
//
// The methods of an implementation must be safe for concurrent use by one
// reader and multiple writers. Close must cause a pending ReadFrom to return
// an error.
type PacketConn interface {
	// ReadFrom reads one datagram into p and reports its sender.
	ReadFrom(p []byte) (n int, addr net.Addr, err error)

	// WriteTo sends p as one datagram to addr.
	WriteTo(p []byte, addr net.Addr) (n int, err error)

	// LocalAddr reports the address the socket is bound to.
	LocalAddr() net.Addr

	// Close closes the socket.
	Close() error
}

// A Handler is called for each fresh message bearing the signal it was
// registered for. Handlers run on the receive loop of the communicator, and
// must not block on sends or waits of the same communicator; start a
// goroutine for that.
type Handler func(Event)

// A CallbackID identifies a registered handler.
type CallbackID uint64

// Options are settings for a [Communicator]. A nil *Options provides default
// values.
type Options struct {
	// A label for the communicator, used in logs. If empty, a unique name is
	// generated.
	Name string

	// If set, the communicator is bound to this remote peer: sends with no
	// destination go here, sends to any other address fail, and datagrams from
	// other hosts are discarded.
	Remote net.Addr

	// The default time to wait for an echo. If zero, DefaultEchoTimeout is
	// used. A deadline on the context of a send takes precedence.
	EchoTimeout time.Duration

	// If set, used for log output; otherwise the global zerolog logger.
	Logger *zerolog.Logger

	// If set, activity is recorded here; otherwise in DefaultMetrics.
	Metrics *Metrics
}

func (o *Options) name() string {
	if o == nil || o.Name == "" {
		return "comm-" + uuid.NewString()[:8]
	}
	return o.Name
}

func (o *Options) remote() net.Addr {
	if o == nil {
		return nil
	}
	return o.Remote
}

func (o *Options) echoTimeout() time.Duration {
	if o == nil || o.EchoTimeout <= 0 {
		return DefaultEchoTimeout
	}
	return o.EchoTimeout
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return log.Logger
	}
	return *o.Logger
}

func (o *Options) metrics() *Metrics {
	if o == nil || o.Metrics == nil {
		return DefaultMetrics
	}
	return o.Metrics
}

// A Communicator sends and receives messages on one datagram socket.
//
// Call Start with a socket to start the receive loop, or use [Listen] or
// [Dial] to bind a UDP socket and start in one step. Once started, a
// communicator runs until Close is called. All methods are safe for
// concurrent use by multiple goroutines.
type Communicator struct {
	name        string
	remote      net.Addr
	echoTimeout time.Duration
	log         zerolog.Logger
	metrics     *Metrics

	conn  PacketConn
	tasks *taskgroup.Group
	stop  chan struct{} // closed when the communicator closes

	μ sync.Mutex

	closed   bool
	seq      uint32                  // last outbound sequence number
	pending  map[msgKey]*pendingSend // outbound sends awaiting echo
	sent     map[msgKey][]byte       // last bytes sent, kept after release
	seen     map[msgKey]uint32       // last accepted inbound sequence
	waiters  map[Signal][]*Waiter    // one-shot awaiters
	handlers map[Signal][]callback   // registered callbacks
	nextCB   CallbackID              // last assigned callback ID
}

// msgKey identifies the exchange of a signal with one remote address.
type msgKey struct {
	addr string
	sig  Signal
}

type pendingSend struct {
	data   []byte        // the exact bytes sent
	acked  bool          // guarded by the communicator lock
	echoed chan struct{} // closed when the echo arrives
	done   chan struct{} // closed when the send is released
}

type callback struct {
	id CallbackID
	fn Handler
}

// New constructs a new unstarted communicator with the given options.
func New(opts *Options) *Communicator {
	name := opts.name()
	lg := opts.logger()
	return &Communicator{
		name:        name,
		remote:      opts.remote(),
		echoTimeout: opts.echoTimeout(),
		log:         lg.With().Str("comm", name).Logger(),
		metrics:     opts.metrics(),
		stop:        make(chan struct{}),
		seq:         rand.Uint32(),
		pending:     make(map[msgKey]*pendingSend),
		sent:        make(map[msgKey][]byte),
		seen:        make(map[msgKey]uint32),
		waiters:     make(map[Signal][]*Waiter),
		handlers:    make(map[Signal][]callback),
	}
}

// Start starts the receive loop of c on conn, and returns c. Start does not
// block. The communicator takes ownership of conn and closes it when c is
// closed. Start panics if c was already started or closed.
func (c *Communicator) Start(conn PacketConn) *Communicator {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn != nil {
		panic("communicator is already started")
	} else if c.closed {
		panic("communicator is closed")
	}
	c.conn = conn
	c.tasks = taskgroup.New(nil)
	c.tasks.Go(c.receive)
	return c
}

// Listen binds a UDP socket at ep and returns a started communicator using
// it. The communicator accepts messages from any sender.
func Listen(ep Endpoint, opts *Options) (*Communicator, error) {
	addr, err := ep.UDPAddr()
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(udpNetwork(addr), addr)
	if err != nil {
		return nil, fmt.Errorf("listen %v: %w", ep, err)
	}
	c := New(opts).Start(conn)
	c.log.Info().Stringer("addr", conn.LocalAddr()).Msg("listening")
	return c, nil
}

// Dial binds a UDP socket on an ephemeral port and returns a started
// communicator bound to the remote peer at ep.
func Dial(ep Endpoint, opts *Options) (*Communicator, error) {
	raddr, err := ep.UDPAddr()
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(udpNetwork(raddr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %v: %w", ep, err)
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	o.Remote = raddr
	c := New(&o).Start(conn)
	c.log.Info().Stringer("addr", conn.LocalAddr()).Stringer("remote", raddr).Msg("connected")
	return c, nil
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

// Name reports the name of c.
func (c *Communicator) Name() string { return c.name }

// Remote reports the remote address c is bound to, or nil.
func (c *Communicator) Remote() net.Addr { return c.remote }

// Addr reports the local address of c, or nil if c is not started.
func (c *Communicator) Addr() net.Addr {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Metrics reports the metrics updated by c.
func (c *Communicator) Metrics() *Metrics { return c.metrics }

// Pending reports the number of sends awaiting an echo.
func (c *Communicator) Pending() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.pending)
}

// Close stops the receive loop and closes the socket. All pending sends and
// waits report [ErrClosed]. Close blocks until the receive loop has exited.
// Calling Close more than once is harmless.
func (c *Communicator) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.μ.Lock()
	conn, tasks := c.conn, c.tasks
	c.μ.Unlock()
	if conn == nil {
		return nil // never started
	}
	err := conn.Close()
	tasks.Wait()
	c.log.Debug().Msg("closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// markClosed marks c as closed and reports whether it was not already.
func (c *Communicator) markClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.stop)
	return true
}

// destination resolves the target address of a send.
func (c *Communicator) destination(to net.Addr) (net.Addr, error) {
	if to == nil {
		if c.remote == nil {
			return nil, ErrNoAddress
		}
		return c.remote, nil
	}
	if c.remote != nil && to.String() != c.remote.String() {
		return nil, fmt.Errorf("address %v does not match remote %v", to, c.remote)
	}
	return to, nil
}

// SendAndConfirm sends msg to the peer at to, and blocks until the peer
// echoes it back, ctx ends, or c closes. If to == nil the message is sent to
// the bound remote address. The sequence number of msg is assigned by c.
//
// If ctx has no deadline, the default echo timeout of c applies. If the echo
// does not arrive in time, the error has concrete type [*TimeoutError] with
// phase [PhaseEcho]. SendAndConfirm does not wait for an update, and does not
// retry.
//
// At most one send per signal and address is in flight at a time. A second
// send for the same pair waits for the first to finish before sending.
func (c *Communicator) SendAndConfirm(ctx context.Context, msg Message, to net.Addr) error {
	to, err := c.destination(to)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.echoTimeout)
		defer cancel()
	}

	key := msgKey{addr: to.String(), sig: msg.Signal}
	p, err := c.acquire(ctx, key, msg)
	if err != nil {
		return err
	}
	defer c.release(key, p)

	c.metrics.PendingSends.Inc()
	defer c.metrics.PendingSends.Dec()

	if err := c.write(p.data, to); err != nil {
		return fmt.Errorf("send %v: %w", msg.Signal, err)
	}

	select {
	case <-p.echoed:
		c.metrics.Echoes.Inc()
		return nil
	case <-c.stop:
		if isDone(p.echoed) {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		if isDone(p.echoed) {
			return nil
		}
		err := waitError(ctx, PhaseEcho, msg.Signal, key.addr)
		var terr *TimeoutError
		if errors.As(err, &terr) {
			c.metrics.ConfirmTimeouts.Inc()
			c.log.Warn().Stringer("signal", msg.Signal).Str("to", key.addr).Msg("no echo received")
		}
		return err
	}
}

// acquire waits until no other send for key is in flight, then registers a
// new pending send for msg and returns it.
func (c *Communicator) acquire(ctx context.Context, key msgKey, msg Message) (*pendingSend, error) {
	for {
		c.μ.Lock()
		if c.closed {
			c.μ.Unlock()
			return nil, ErrClosed
		} else if c.conn == nil {
			c.μ.Unlock()
			return nil, errors.New("communicator is not started")
		}
		cur, busy := c.pending[key]
		if !busy {
			c.seq++
			if c.seq == 0 {
				c.seq++ // zero means "no sequence" on the wire
			}
			msg.Seq = c.seq
			data, err := Encode(msg)
			if err != nil {
				c.μ.Unlock()
				return nil, err
			}
			p := &pendingSend{
				data:   data,
				echoed: make(chan struct{}),
				done:   make(chan struct{}),
			}
			c.pending[key] = p
			c.sent[key] = data
			c.μ.Unlock()
			return p, nil
		}
		c.μ.Unlock()

		select {
		case <-cur.done:
			// The slot is free; try again.
		case <-c.stop:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, waitError(ctx, PhaseEcho, msg.Signal, key.addr)
		}
	}
}

// release removes the pending send p for key and wakes any send waiting for
// the same key.
func (c *Communicator) release(key msgKey, p *pendingSend) {
	c.μ.Lock()
	if c.pending[key] == p {
		delete(c.pending, key)
	}
	c.μ.Unlock()
	close(p.done)
}

func (c *Communicator) write(data []byte, to net.Addr) error {
	if _, err := c.conn.WriteTo(data, to); err != nil {
		return err
	}
	c.metrics.DatagramsSent.Inc()
	return nil
}

// Expect registers a one-shot waiter for the next fresh message bearing sig.
// If from != nil, only a message from that address satisfies the waiter.
// Register the waiter before sending the message that triggers the update,
// so that an early update is not missed.
func (c *Communicator) Expect(sig Signal, from net.Addr) *Waiter {
	w := &Waiter{c: c, sig: sig, ch: make(chan Event, 1)}
	if from != nil {
		w.from = from.String()
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	if !c.closed {
		c.waiters[sig] = append(c.waiters[sig], w)
	}
	return w
}

// OnEvent blocks until the next fresh message bearing sig arrives from any
// sender, ctx ends, or c closes. If ctx ends by deadline the error has
// concrete type [*TimeoutError] with phase [PhaseUpdate].
//
// Every concurrent call to OnEvent for the same signal receives the same
// event.
func (c *Communicator) OnEvent(ctx context.Context, sig Signal) (Event, error) {
	return c.Expect(sig, nil).Wait(ctx)
}

// A Waiter awaits a single event. Use [Communicator.Expect] to create one.
type Waiter struct {
	c    *Communicator
	sig  Signal
	from string // "" matches any sender
	ch   chan Event
}

// Signal reports the signal w is waiting for.
func (w *Waiter) Signal() Signal { return w.sig }

// Wait blocks until the event for w arrives, ctx ends, or the communicator
// closes. Wait should be called at most once.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	defer w.Stop()
	select {
	case evt := <-w.ch:
		return evt, nil
	case <-w.c.stop:
		if evt, ok := w.poll(); ok {
			return evt, nil
		}
		return Event{}, ErrClosed
	case <-ctx.Done():
		if evt, ok := w.poll(); ok {
			return evt, nil
		}
		return Event{}, waitError(ctx, PhaseUpdate, w.sig, w.from)
	}
}

func (w *Waiter) poll() (Event, bool) {
	select {
	case evt := <-w.ch:
		return evt, true
	default:
		return Event{}, false
	}
}

// Stop unregisters w. It is safe to call Stop after the event was delivered.
func (w *Waiter) Stop() {
	c := w.c
	c.μ.Lock()
	defer c.μ.Unlock()
	ws := slices.DeleteFunc(c.waiters[w.sig], func(v *Waiter) bool { return v == w })
	if len(ws) == 0 {
		delete(c.waiters, w.sig)
	} else {
		c.waiters[w.sig] = ws
	}
}

// AssignCallback registers h to be called for each fresh message bearing
// sig, and returns an ID that can be passed to ClearCallbacks to remove it.
func (c *Communicator) AssignCallback(sig Signal, h Handler) CallbackID {
	if h == nil {
		panic("nil handler")
	}
	c.μ.Lock()
	defer c.μ.Unlock()
	c.nextCB++
	c.handlers[sig] = append(c.handlers[sig], callback{id: c.nextCB, fn: h})
	return c.nextCB
}

// ClearCallbacks removes the handlers with the given IDs registered for sig.
// If no IDs are given, all handlers for sig are removed.
func (c *Communicator) ClearCallbacks(sig Signal, ids ...CallbackID) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if len(ids) == 0 {
		delete(c.handlers, sig)
		return
	}
	hs := slices.DeleteFunc(c.handlers[sig], func(cb callback) bool {
		return slices.Contains(ids, cb.id)
	})
	if len(hs) == 0 {
		delete(c.handlers, sig)
	} else {
		c.handlers[sig] = hs
	}
}

// receive is the receive loop. It exits when the socket fails or closes.
func (c *Communicator) receive() error {
	buf := make([]byte, MaxDatagramSize+1)
	for {
		n, addr, err := c.conn.ReadFrom(buf)
		if err != nil {
			if isDone(c.stop) {
				return nil
			} else if errors.Is(err, net.ErrClosed) {
				// The socket was closed out from under us.
				c.log.Error().Err(err).Msg("socket closed")
				c.markClosed()
				return err
			}
			c.log.Warn().Err(err).Msg("read failed")
			continue
		}
		c.metrics.DatagramsReceived.Inc()
		if n > MaxDatagramSize {
			c.metrics.drop(dropOversize)
			c.log.Warn().Stringer("from", addr).Int("size", n).Msg("dropped oversize datagram")
			continue
		}
		c.dispatch(bytes.Clone(buf[:n]), addr)
	}
}

// messageKind classifies an inbound message.
type messageKind int

const (
	kindFresh     messageKind = iota // a new message: echo and deliver
	kindEcho                         // the echo of a pending send
	kindDuplicate                    // a repeat of a message already accepted
	kindLateEcho                     // an echo of a send no longer pending
)

// dispatch routes one inbound datagram.
func (c *Communicator) dispatch(data []byte, addr net.Addr) {
	if c.remote != nil && !sameHost(addr, c.remote) {
		c.metrics.drop(dropForeign)
		c.log.Warn().Stringer("from", addr).Bytes("data", data).Msg("ignoring datagram from unexpected host")
		return
	}
	msg, err := Decode(data)
	if err != nil {
		var terr *TruncationError
		if errors.As(err, &terr) {
			c.metrics.drop(dropTruncate)
		} else {
			c.metrics.drop(dropDecode)
		}
		c.log.Warn().Err(err).Stringer("from", addr).Bytes("data", data).Msg("dropped message")
		return
	}
	c.log.Debug().Stringer("from", addr).Bytes("data", data).Msg("received")

	key := msgKey{addr: addr.String(), sig: msg.Signal}
	switch c.classify(key, data, msg) {
	case kindEcho:
		// The pending send was resolved by classify.

	case kindDuplicate:
		c.metrics.drop(dropDup)
		c.echo(data, addr)

	case kindLateEcho:
		// Echoing this would start the peer echoing it back.
		c.metrics.drop(dropLateEcho)
		c.log.Debug().Stringer("from", addr).Bytes("data", data).Msg("dropped late echo")

	case kindFresh:
		c.echo(data, addr)
		c.deliver(Event{Message: msg, Addr: addr})
	}
}

// classify reports the kind of msg received with the given key. If it is an
// echo, the corresponding pending send is resolved. A copy of the last bytes
// sent with key that does not resolve a send is a late or repeated echo. If it is fresh, it is
// recorded so that a retransmission can be recognized.
func (c *Communicator) classify(key msgKey, data []byte, msg Message) messageKind {
	c.μ.Lock()
	defer c.μ.Unlock()
	if p, ok := c.pending[key]; ok && !p.acked && bytes.Equal(p.data, data) {
		p.acked = true
		close(p.echoed)
		return kindEcho
	}
	if bytes.Equal(c.sent[key], data) {
		return kindLateEcho
	}
	if msg.Seq != 0 {
		if last, ok := c.seen[key]; ok && last == msg.Seq {
			return kindDuplicate
		}
		c.seen[key] = msg.Seq
	}
	return kindFresh
}

// echo sends data back to addr as an acknowledgement.
func (c *Communicator) echo(data []byte, addr net.Addr) {
	if err := c.write(data, addr); err != nil {
		c.log.Warn().Err(err).Stringer("to", addr).Msg("echo failed")
	}
}

// deliver resolves the waiters matching evt and invokes the handlers
// registered for its signal.
func (c *Communicator) deliver(evt Event) {
	from := evt.Addr.String()

	c.μ.Lock()
	var keep []*Waiter
	for _, w := range c.waiters[evt.Signal] {
		if w.from == "" || w.from == from {
			w.ch <- evt // buffered, and each waiter is resolved once
		} else {
			keep = append(keep, w)
		}
	}
	if len(keep) == 0 {
		delete(c.waiters, evt.Signal)
	} else {
		c.waiters[evt.Signal] = keep
	}
	hs := slices.Clone(c.handlers[evt.Signal])
	c.μ.Unlock()

	c.metrics.EventsDelivered.Inc()
	for _, h := range hs {
		c.invoke(h, evt)
	}
}

// invoke calls a handler, recovering from a panic.
func (c *Communicator) invoke(cb callback, evt Event) {
	defer func() {
		if x := recover(); x != nil {
			c.metrics.CallbacksFailed.Inc()
			c.log.Error().Stringer("signal", evt.Signal).Uint64("callback", uint64(cb.id)).
				Msgf("callback panicked (recovered): %v", x)
		}
	}()
	cb.fn(evt)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
