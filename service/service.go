// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package service wraps a single remote peer with the lifecycle operations of
// an experiment.
//
// Each operation sends a signal to the peer, waits for the peer to echo it,
// and then waits for the peer to report completion with an update bearing
// the same signal:
//
//	svc := service.New("cam", comm, addr, nil)
//	evt, err := svc.Start(ctx, "2022-01-01_1_subject", nil)
//
// A failure has concrete type [*Error], which reports whether the peer did
// not receive the signal or received it but did not complete the work.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/rigcom"
)

// DefaultUpdateTimeout is the time to wait for an update when the options do
// not specify one.
const DefaultUpdateTimeout = 10 * time.Second

// Options are settings for a [Service]. A nil *Options provides default
// values.
type Options struct {
	// The time to wait for an update after the echo. If zero,
	// DefaultUpdateTimeout is used. If negative, the wait is bounded only by
	// the context.
	UpdateTimeout time.Duration
}

func (o *Options) updateTimeout() time.Duration {
	if o == nil || o.UpdateTimeout == 0 {
		return DefaultUpdateTimeout
	}
	return o.UpdateTimeout
}

// A Service is a named remote peer reached through a communicator.
type Service struct {
	Name string

	comm    *rigcom.Communicator
	addr    net.Addr
	timeout time.Duration

	μ   sync.Mutex
	ref string // reference of the current experiment, set by Start
}

// New constructs a service for the peer at addr, reached through c. If addr
// is nil, the remote address of c is used.
func New(name string, c *rigcom.Communicator, addr net.Addr, opts *Options) *Service {
	if addr == nil {
		addr = c.Remote()
	}
	return &Service{
		Name:    name,
		comm:    c,
		addr:    addr,
		timeout: opts.updateTimeout(),
	}
}

// Communicator returns the communicator used by s.
func (s *Service) Communicator() *rigcom.Communicator { return s.comm }

// Addr returns the address of the peer.
func (s *Service) Addr() net.Addr { return s.addr }

// FromPeer reports whether addr is the address of the peer.
func (s *Service) FromPeer(addr net.Addr) bool {
	return s.addr != nil && addr != nil && addr.String() == s.addr.String()
}

// Reference reports the experiment reference recorded by the last successful
// Start, or "" if there is none.
func (s *Service) Reference() string {
	s.μ.Lock()
	defer s.μ.Unlock()
	return s.ref
}

func (s *Service) setReference(ref string) {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.ref = ref
}

func (s *Service) String() string { return fmt.Sprintf("%s@%v", s.Name, s.addr) }

// Init signals the peer to initialize.
func (s *Service) Init(ctx context.Context, data any) (rigcom.Event, error) {
	return s.Signal(ctx, rigcom.SignalInit, "", data)
}

// Start signals the peer to begin the experiment with the given reference.
// On success the reference is recorded and sent with later teardown signals.
func (s *Service) Start(ctx context.Context, ref string, data any) (rigcom.Event, error) {
	return s.Signal(ctx, rigcom.SignalStart, ref, data)
}

// Stop signals the peer to stop the experiment.
func (s *Service) Stop(ctx context.Context, data any) (rigcom.Event, error) {
	return s.Signal(ctx, rigcom.SignalStop, s.Reference(), data)
}

// Interrupt signals the peer to abandon the experiment.
func (s *Service) Interrupt(ctx context.Context, data any) (rigcom.Event, error) {
	return s.Signal(ctx, rigcom.SignalInterrupt, s.Reference(), data)
}

// Cleanup signals the peer to clean up after the experiment. On success the
// recorded reference is cleared.
func (s *Service) Cleanup(ctx context.Context, data any) (rigcom.Event, error) {
	return s.Signal(ctx, rigcom.SignalCleanup, s.Reference(), data)
}

// Status queries the status of the peer.
func (s *Service) Status(ctx context.Context) (rigcom.Status, error) {
	evt, err := s.Signal(ctx, rigcom.SignalStatus, "", nil)
	if err != nil {
		return rigcom.StatusUnknown, err
	}
	return DecodeStatus(evt)
}

// DecodeStatus returns the status carried by a status update. An update with
// no data reports [rigcom.StatusUnknown].
func DecodeStatus(evt rigcom.Event) (rigcom.Status, error) {
	if len(evt.Data) == 0 {
		return rigcom.StatusUnknown, nil
	}
	var st rigcom.Status
	if err := json.Unmarshal(evt.Data, &st); err != nil {
		return rigcom.StatusUnknown, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Alyx sends a database token to the peer. It waits for the echo, but not
// for an update.
func (s *Service) Alyx(ctx context.Context, token any) error {
	msg, err := rigcom.NewMessage(rigcom.SignalAlyx, "", token)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	if err := s.comm.SendAndConfirm(ctx, msg, s.addr); err != nil {
		return &Error{Service: s.Name, Signal: rigcom.SignalAlyx, Phase: rigcom.PhaseEcho, Err: err}
	}
	return nil
}

// RequestAlyx asks the peer for its database token and returns the data of
// its reply.
func (s *Service) RequestAlyx(ctx context.Context) (json.RawMessage, error) {
	evt, err := s.Signal(ctx, rigcom.SignalAlyx, "", nil)
	if err != nil {
		return nil, err
	}
	return evt.Data, nil
}

// Signal sends sig to the peer with the given reference and data, and waits
// for the echo and then the update.
func (s *Service) Signal(ctx context.Context, sig rigcom.Signal, ref string, data any) (rigcom.Event, error) {
	c, err := s.Prepare(sig, ref, data)
	if err != nil {
		return rigcom.Event{}, err
	}
	defer c.Stop()
	if err := c.Send(ctx); err != nil {
		return rigcom.Event{}, err
	}
	return c.Wait(ctx)
}

// Prepare constructs a call for sig and registers the wait for its update,
// but does not send anything. The caller must call Stop on the result when
// it is no longer needed.
func (s *Service) Prepare(sig rigcom.Signal, ref string, data any) (*Call, error) {
	msg, err := rigcom.NewMessage(sig, ref, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name, err)
	}
	return &Call{s: s, msg: msg, w: s.comm.Expect(sig, s.addr)}, nil
}

// A Call is a signal to a service, in progress.
type Call struct {
	s   *Service
	msg rigcom.Message
	w   *rigcom.Waiter
}

// Service returns the service c was prepared for.
func (c *Call) Service() *Service { return c.s }

// Send sends the signal and waits for the peer to echo it.
func (c *Call) Send(ctx context.Context) error {
	if err := c.s.comm.SendAndConfirm(ctx, c.msg, c.s.addr); err != nil {
		return &Error{Service: c.s.Name, Signal: c.msg.Signal, Phase: rigcom.PhaseEcho, Err: err}
	}
	return nil
}

// Wait waits for the update from the peer. If the update reports that the
// work failed, Wait returns the event along with an error wrapping the
// [rigcom.ErrorData].
func (c *Call) Wait(ctx context.Context) (rigcom.Event, error) {
	if c.s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.s.timeout)
		defer cancel()
	}
	evt, err := c.w.Wait(ctx)
	if err != nil {
		return rigcom.Event{}, &Error{Service: c.s.Name, Signal: c.msg.Signal, Phase: rigcom.PhaseUpdate, Err: err}
	}
	if ed, ok := evt.Failure(); ok {
		return evt, &Error{Service: c.s.Name, Signal: c.msg.Signal, Phase: rigcom.PhaseUpdate, Err: ed}
	}
	switch c.msg.Signal {
	case rigcom.SignalStart:
		c.s.setReference(c.msg.Reference)
	case rigcom.SignalCleanup:
		c.s.setReference("")
	}
	return evt, nil
}

// Stop discards the wait for the update, if it is still pending.
func (c *Call) Stop() { c.w.Stop() }

// Error is the concrete type of errors reported by a [Service].
type Error struct {
	Service string
	Signal  rigcom.Signal
	Phase   rigcom.WaitPhase // PhaseEcho: not received; PhaseUpdate: not completed
	Err     error
}

func (e *Error) Error() string {
	what := "not received"
	if e.Phase == rigcom.PhaseUpdate {
		what = "received but not completed"
	}
	return fmt.Sprintf("%s: %v %s: %v", e.Service, e.Signal, what, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *Error) Unwrap() error { return e.Err }

// Received reports whether the peer acknowledged the signal.
func (e *Error) Received() bool { return e.Phase == rigcom.PhaseUpdate }

// IsRemote reports whether err reports work that the peer acknowledged and
// then reported as failed.
func IsRemote(err error) bool {
	var ed rigcom.ErrorData
	return errors.As(err, &ed)
}
