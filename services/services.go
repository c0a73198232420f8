// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package services dispatches lifecycle signals to a set of named peers and
// collects their results.
//
// Signals of the start phase (INIT, START) are dispatched to the peers in the
// order they were registered, and signals of the teardown phase (STOP,
// INTERRUPT, CLEANUP) in the reverse order, so that the last peer started is
// the first one stopped. In [Sequential] mode each peer completes before the
// next is signalled. In [Concurrent] mode all peers are signalled at once,
// and their updates are awaited together.
//
// A failure of one peer does not stop the dispatch to the others. Every peer
// has exactly one entry in the [Results] of a dispatch.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/creachadair/rigcom"
	"github.com/creachadair/rigcom/service"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout is the per-peer update timeout when the options do not
// specify one.
const DefaultTimeout = 10 * time.Second

// Mode selects how a signal is dispatched to the peers.
type Mode int

const (
	Concurrent Mode = iota // signal all peers at once
	Sequential             // signal each peer after the previous one completes
)

func (m Mode) String() string {
	switch m {
	case Concurrent:
		return "concurrent"
	case Sequential:
		return "sequential"
	default:
		return fmt.Sprintf("mode %d", int(m))
	}
}

// ParseMode parses the name of a mode, without regard to case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "concurrent":
		return Concurrent, nil
	case "sequential":
		return Sequential, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Options are settings for a [Services]. A nil *Options provides default
// values.
type Options struct {
	// How signals are dispatched. The default is Concurrent.
	Mode Mode

	// The time to wait for each peer's update. If zero, DefaultTimeout is
	// used. If negative, waits are bounded only by the context and the
	// timeout of each service.
	Timeout time.Duration

	// If set, used for log output; otherwise the global zerolog logger.
	Logger *zerolog.Logger

	// If non-nil, a database token sent to any peer that requests one with an
	// ALYX message carrying no data. The token must be encodable as JSON.
	Token any
}

func (o *Options) mode() Mode {
	if o == nil {
		return Concurrent
	}
	return o.Mode
}

func (o *Options) timeout() time.Duration {
	if o == nil || o.Timeout == 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

func (o *Options) token() any {
	if o == nil {
		return nil
	}
	return o.Token
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return log.Logger
	}
	return *o.Logger
}

// Services is an ordered collection of uniquely named peers.
type Services struct {
	mode    Mode
	timeout time.Duration
	log     zerolog.Logger
	peers   []*service.Service
	byName  map[string]int

	// Token replies, if Options.Token is set.
	stopToken func()
	tokens    *taskgroup.Group
	cancel    context.CancelFunc
}

// New constructs a collection of the given peers. It reports an error if any
// peer has an empty or duplicate name.
func New(peers []*service.Service, opts *Options) (*Services, error) {
	s := &Services{
		mode:    opts.mode(),
		timeout: opts.timeout(),
		log:     opts.logger(),
		peers:   slices.Clone(peers),
		byName:  make(map[string]int),
	}
	for i, p := range peers {
		if p.Name == "" {
			return nil, fmt.Errorf("service %d has no name", i)
		} else if _, ok := s.byName[p.Name]; ok {
			return nil, fmt.Errorf("duplicate service name %q", p.Name)
		}
		s.byName[p.Name] = i
	}
	if tok := opts.token(); tok != nil {
		s.serveToken(tok)
	}
	return s, nil
}

// serveToken registers a callback that sends tok to each peer that asks for
// it. Replies run outside the receive loop, since a send waits for its echo.
func (s *Services) serveToken(tok any) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.tokens = taskgroup.New(nil)
	s.stopToken = s.AssignServiceCallback(rigcom.SignalAlyx, func(p *service.Service, e rigcom.Event) {
		if len(e.Data) != 0 {
			return // a token reply, not a request
		}
		s.log.Debug().Str("service", p.Name).Msg("token requested")
		s.tokens.Go(func() error {
			if err := p.Alyx(ctx, tok); err != nil {
				s.log.Warn().Err(err).Str("service", p.Name).Msg("token not delivered")
			}
			return nil
		})
	})
}

// Mode reports the dispatch mode of s.
func (s *Services) Mode() Mode { return s.mode }

// Len reports the number of peers in s.
func (s *Services) Len() int { return len(s.peers) }

// Names returns the names of the peers in registration order.
func (s *Services) Names() []string {
	names := make([]string, len(s.peers))
	for i, p := range s.peers {
		names[i] = p.Name
	}
	return names
}

// Service returns the peer with the given name, or nil.
func (s *Services) Service(name string) *service.Service {
	if i, ok := s.byName[name]; ok {
		return s.peers[i]
	}
	return nil
}

// Init signals all peers to initialize.
func (s *Services) Init(ctx context.Context, data any) *Results {
	return s.Signal(ctx, rigcom.SignalInit, "", data)
}

// Start signals all peers to begin the experiment with the given reference.
func (s *Services) Start(ctx context.Context, ref string, data any) *Results {
	return s.Signal(ctx, rigcom.SignalStart, ref, data)
}

// Stop signals all peers to stop the experiment.
func (s *Services) Stop(ctx context.Context, data any) *Results {
	return s.Signal(ctx, rigcom.SignalStop, "", data)
}

// Interrupt signals all peers to abandon the experiment.
func (s *Services) Interrupt(ctx context.Context, data any) *Results {
	return s.Signal(ctx, rigcom.SignalInterrupt, "", data)
}

// Cleanup signals all peers to clean up after the experiment.
func (s *Services) Cleanup(ctx context.Context, data any) *Results {
	return s.Signal(ctx, rigcom.SignalCleanup, "", data)
}

// Status queries the status of all peers. Use [Results.Status] to read the
// status of each one.
func (s *Services) Status(ctx context.Context) *Results {
	return s.Signal(ctx, rigcom.SignalStatus, "", nil)
}

// Alyx sends a database token to every peer, and waits only for the echoes.
func (s *Services) Alyx(ctx context.Context, token any) *Results {
	res := s.newResults(rigcom.SignalAlyx)
	g := taskgroup.New(nil)
	for i, p := range s.peers {
		g.Go(func() error {
			res.entries[i].Err = p.Alyx(ctx, token)
			return nil
		})
	}
	g.Wait()
	return s.logResults(res)
}

// Signal dispatches sig to all peers with the given data. For teardown
// signals with an empty ref, each peer sends the reference of the experiment
// it last started. Signal blocks until every peer has completed or failed.
func (s *Services) Signal(ctx context.Context, sig rigcom.Signal, ref string, data any) *Results {
	res := s.newResults(sig)
	order := s.order(sig)
	s.log.Info().Stringer("signal", sig).Stringer("mode", s.mode).Strs("order", res.names(order)).Msg("dispatch")

	calls := make([]*service.Call, len(s.peers))
	defer func() {
		for _, c := range calls {
			if c != nil {
				c.Stop()
			}
		}
	}()

	// Register the wait for every update before anything is sent.
	for _, i := range order {
		c, err := s.peers[i].Prepare(sig, s.reference(i, sig, ref), data)
		if err != nil {
			res.entries[i].Err = err
			continue
		}
		calls[i] = c
	}

	if s.mode == Sequential {
		for _, i := range order {
			if calls[i] != nil {
				res.entries[i].Event, res.entries[i].Err = s.complete(ctx, calls[i])
			}
		}
		return s.logResults(res)
	}

	// Concurrent: all sends, then all waits.
	g := taskgroup.New(nil)
	for _, i := range order {
		if c := calls[i]; c != nil {
			g.Go(func() error {
				if err := c.Send(ctx); err != nil {
					res.entries[i].Err = err
					calls[i] = nil
					c.Stop()
				}
				return nil
			})
		}
	}
	g.Wait()
	for _, i := range order {
		if c := calls[i]; c != nil {
			g.Go(func() error {
				res.entries[i].Event, res.entries[i].Err = s.wait(ctx, c)
				return nil
			})
		}
	}
	g.Wait()
	return s.logResults(res)
}

// complete sends c and waits for its update.
func (s *Services) complete(ctx context.Context, c *service.Call) (rigcom.Event, error) {
	if err := c.Send(ctx); err != nil {
		return rigcom.Event{}, err
	}
	return s.wait(ctx, c)
}

func (s *Services) wait(ctx context.Context, c *service.Call) (rigcom.Event, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	return c.Wait(ctx)
}

// reference returns the reference to send to peer i with sig.
func (s *Services) reference(i int, sig rigcom.Signal, ref string) string {
	if ref == "" && sig.Phase() == rigcom.PhaseTeardown {
		return s.peers[i].Reference()
	}
	return ref
}

// order returns the indexes of the peers in the order sig is dispatched.
func (s *Services) order(sig rigcom.Signal) []int {
	idx := make([]int, len(s.peers))
	for i := range idx {
		idx[i] = i
	}
	if sig.Phase() == rigcom.PhaseTeardown {
		slices.Reverse(idx)
	}
	return idx
}

// AwaitAll waits for an update bearing sig from every peer, without sending
// anything. Each wait is bounded by the timeout of s.
func (s *Services) AwaitAll(ctx context.Context, sig rigcom.Signal) *Results {
	res := s.newResults(sig)
	ws := make([]*rigcom.Waiter, len(s.peers))
	for i, p := range s.peers {
		ws[i] = p.Communicator().Expect(sig, p.Addr())
	}
	g := taskgroup.New(nil)
	for i, w := range ws {
		g.Go(func() error {
			wctx := ctx
			if s.timeout > 0 {
				var cancel context.CancelFunc
				wctx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			evt, err := w.Wait(wctx)
			if err != nil {
				err = &service.Error{Service: s.peers[i].Name, Signal: sig, Phase: rigcom.PhaseUpdate, Err: err}
			}
			res.entries[i].Event, res.entries[i].Err = evt, err
			return nil
		})
	}
	g.Wait()
	return s.logResults(res)
}

// AssignServiceCallback registers h to be called for each message bearing
// sig from any of the peers, with the peer it came from. It returns a
// function that removes the callback.
func (s *Services) AssignServiceCallback(sig rigcom.Signal, h func(*service.Service, rigcom.Event)) (remove func()) {
	type reg struct {
		c  *rigcom.Communicator
		id rigcom.CallbackID
	}
	regs := make([]reg, len(s.peers))
	for i, p := range s.peers {
		c := p.Communicator()
		regs[i] = reg{c: c, id: c.AssignCallback(sig, func(e rigcom.Event) {
			if p.FromPeer(e.Addr) {
				h(p, e)
			}
		})}
	}
	return func() {
		for _, r := range regs {
			r.c.ClearCallbacks(sig, r.id)
		}
	}
}

// AssignCallback registers h to be called for each message bearing sig from
// any of the peers. It returns a function that removes the callback.
func (s *Services) AssignCallback(sig rigcom.Signal, h rigcom.Handler) (remove func()) {
	return s.AssignServiceCallback(sig, func(_ *service.Service, e rigcom.Event) { h(e) })
}

// ClearCallbacks removes every callback for sig from the communicators of
// the peers, including callbacks not assigned through s.
func (s *Services) ClearCallbacks(sig rigcom.Signal) {
	for _, c := range s.comms() {
		c.ClearCallbacks(sig)
	}
}

// Close closes the communicators of all the peers. Token replies still in
// progress are abandoned.
func (s *Services) Close() error {
	if s.stopToken != nil {
		s.stopToken()
		s.cancel()
		s.tokens.Wait()
	}
	var errs []error
	for _, c := range s.comms() {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// comms returns the distinct communicators used by the peers.
func (s *Services) comms() []*rigcom.Communicator {
	var out []*rigcom.Communicator
	for _, p := range s.peers {
		if c := p.Communicator(); !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Services) newResults(sig rigcom.Signal) *Results {
	res := &Results{signal: sig, entries: make([]Result, len(s.peers)), index: s.byName}
	for i, p := range s.peers {
		res.entries[i].Name = p.Name
	}
	return res
}

func (s *Services) logResults(res *Results) *Results {
	for _, e := range res.entries {
		if e.Err != nil {
			s.log.Warn().Err(e.Err).Str("service", e.Name).Stringer("signal", res.signal).Msg("service failed")
		}
	}
	s.log.Debug().Stringer("signal", res.signal).Int("failed", len(res.Failed())).Msg("dispatch complete")
	return res
}

// A Result is the outcome of a signal for one peer.
type Result struct {
	Name  string
	Event rigcom.Event // the update, if one arrived
	Err   error        // nil on success
}

// Results are the outcomes of a signal for all peers, in registration order.
type Results struct {
	signal  rigcom.Signal
	entries []Result
	index   map[string]int
}

// Signal reports the signal the results are for.
func (r *Results) Signal() rigcom.Signal { return r.signal }

// Len reports the number of entries in r.
func (r *Results) Len() int { return len(r.entries) }

// All returns all the results in registration order.
func (r *Results) All() []Result { return slices.Clone(r.entries) }

// Get returns the result for the named peer.
func (r *Results) Get(name string) (Result, bool) {
	i, ok := r.index[name]
	if !ok {
		return Result{}, false
	}
	return r.entries[i], true
}

// Data returns the data of the update from the named peer, or nil.
func (r *Results) Data(name string) json.RawMessage {
	res, _ := r.Get(name)
	return res.Event.Data
}

// Status returns the status reported by the named peer in reply to a status
// query. A peer that failed reports [rigcom.StatusUnknown].
func (r *Results) Status(name string) rigcom.Status {
	res, ok := r.Get(name)
	if !ok || res.Err != nil {
		return rigcom.StatusUnknown
	}
	st, err := service.DecodeStatus(res.Event)
	if err != nil {
		return rigcom.StatusUnknown
	}
	return st
}

// Failed returns the names of the peers that failed, in registration order.
func (r *Results) Failed() []string {
	var out []string
	for _, e := range r.entries {
		if e.Err != nil {
			out = append(out, e.Name)
		}
	}
	return out
}

// Err returns the errors of all the peers that failed, joined, or nil if no
// peer failed.
func (r *Results) Err() error {
	var errs []error
	for _, e := range r.entries {
		errs = append(errs, e.Err)
	}
	return errors.Join(errs...)
}

func (r *Results) names(order []int) []string {
	out := make([]string, len(order))
	for i, j := range order {
		out[i] = r.entries[j].Name
	}
	return out
}
