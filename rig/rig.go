// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package rig implements the responding side of the lifecycle protocol.
//
// A [Rig] listens on a communicator for signals, runs the [Action] registered
// for each one, and then reports completion to the sender with an update
// bearing the same signal and reference. If the action fails, the update
// carries a [rigcom.ErrorData] describing the failure.
//
// Lifecycle actions (INIT, START, STOP, INTERRUPT, CLEANUP) run one at a time
// in order of arrival. Other actions run as soon as they arrive, so that a
// status query is answered while a long action is in progress.
package rig

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/creachadair/rigcom"
	"github.com/creachadair/taskgroup"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// An Action performs the work requested by a signal. The result, if not nil,
// is marshaled as JSON and sent as the data of the update.
type Action func(ctx context.Context, evt rigcom.Event) (any, error)

// Options are settings for a [Rig]. A nil *Options provides default values.
type Options struct {
	// If set, used for log output; otherwise the global zerolog logger.
	Logger *zerolog.Logger
}

// A Rig responds to signals received by a communicator.
type Rig struct {
	comm   *rigcom.Communicator
	log    zerolog.Logger
	tasks  *taskgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	μ       sync.Mutex
	actions map[rigcom.Signal]Action
	ids     map[rigcom.Signal]rigcom.CallbackID
	status  rigcom.Status
	token   json.RawMessage
	last    chan struct{} // closed when the last lifecycle action finishes
	closed  bool
}

// New constructs a rig that responds to signals received by c. The rig
// answers STATUS and ALYX until other actions are registered for them.
func New(c *rigcom.Communicator, opts *Options) *Rig {
	lg := log.Logger
	if opts != nil && opts.Logger != nil {
		lg = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Rig{
		comm:    c,
		log:     lg.With().Str("rig", c.Name()).Logger(),
		tasks:   taskgroup.New(nil),
		ctx:     ctx,
		cancel:  cancel,
		actions: make(map[rigcom.Signal]Action),
		ids:     make(map[rigcom.Signal]rigcom.CallbackID),
		status:  rigcom.StatusConnected,
	}
	r.Handle(rigcom.SignalStatus, r.reportStatus)
	r.Handle(rigcom.SignalAlyx, r.exchangeToken)
	return r
}

// Handle registers a to run when sig is received, replacing any previous
// action for sig, and returns r to permit chaining. If a == nil, the action
// for sig is removed.
func (r *Rig) Handle(sig rigcom.Signal, a Action) *Rig {
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.closed {
		return r
	}
	if id, ok := r.ids[sig]; ok {
		r.comm.ClearCallbacks(sig, id)
		delete(r.ids, sig)
		delete(r.actions, sig)
	}
	if a != nil {
		r.actions[sig] = a
		r.ids[sig] = r.comm.AssignCallback(sig, r.dispatch)
	}
	return r
}

// Status reports the current status of the rig.
func (r *Rig) Status() rigcom.Status {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.status
}

// Token reports the last database token received, or nil.
func (r *Rig) Token() json.RawMessage {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.token
}

// SetToken sets the database token reported in reply to a token request.
func (r *Rig) SetToken(token json.RawMessage) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.token = token
}

// Close stops responding to signals, cancels running actions, and waits for
// them to finish. It does not close the communicator.
func (r *Rig) Close() error {
	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		return nil
	}
	r.closed = true
	for sig, id := range r.ids {
		r.comm.ClearCallbacks(sig, id)
	}
	r.μ.Unlock()

	r.cancel()
	return r.tasks.Wait()
}

// dispatch is the communicator callback for every handled signal. It runs on
// the receive loop, so the work is done in a separate task.
func (r *Rig) dispatch(evt rigcom.Event) {
	r.μ.Lock()
	defer r.μ.Unlock()
	a, ok := r.actions[evt.Signal]
	if !ok || r.closed {
		return
	}
	if evt.Signal.Phase() == rigcom.PhaseNone {
		r.tasks.Go(func() error { r.run(a, evt); return nil })
		return
	}

	prev, done := r.last, make(chan struct{})
	r.last = done
	r.tasks.Go(func() error {
		defer close(done)
		if prev != nil {
			select {
			case <-prev:
			case <-r.ctx.Done():
				return nil
			}
		}
		r.run(a, evt)
		return nil
	})
}

// run performs a and sends the resulting update to the sender of evt.
func (r *Rig) run(a Action, evt rigcom.Event) {
	lg := r.log.With().Stringer("signal", evt.Signal).Stringer("from", evt.Addr).Logger()
	lg.Debug().Str("ref", evt.Reference).Msg("running action")

	ctx := context.WithValue(r.ctx, eventContextKey{}, evt)
	result, err := r.invoke(ctx, a, evt)
	lifecycle := evt.Signal.Phase() != rigcom.PhaseNone
	if err != nil {
		lg.Warn().Err(err).Msg("action failed")
		if lifecycle {
			r.setStatus(rigcom.StatusFailed)
		}
		result = rigcom.ErrorData{Message: err.Error()}
	} else if lifecycle {
		r.μ.Lock()
		r.status = rigcom.StatusAfter(r.status, evt.Signal)
		r.μ.Unlock()
	}

	// Some signals, such as a token delivery, are confirmed by the echo alone.
	if _, ok := result.(noUpdate); ok {
		return
	}
	msg, merr := rigcom.NewMessage(evt.Signal, evt.Reference, result)
	if merr != nil {
		lg.Warn().Err(merr).Msg("invalid action result")
		msg, _ = rigcom.NewMessage(evt.Signal, evt.Reference, rigcom.ErrorData{Message: merr.Error()})
	}
	if err := r.comm.SendAndConfirm(r.ctx, msg, evt.Addr); err != nil {
		lg.Error().Err(err).Msg("update not confirmed")
		return
	}
	lg.Debug().Msg("update confirmed")
}

// invoke calls a, converting a panic into an error.
func (r *Rig) invoke(ctx context.Context, a Action, evt rigcom.Event) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("action panicked: %v", x)
		}
	}()
	return a(ctx, evt)
}

func (r *Rig) setStatus(st rigcom.Status) {
	r.μ.Lock()
	defer r.μ.Unlock()
	r.status = st
}

// noUpdate is the result of an action that sends no update.
type noUpdate struct{}

func (r *Rig) reportStatus(context.Context, rigcom.Event) (any, error) {
	return r.Status(), nil
}

// exchangeToken stores a token sent by the controller, or replies with the
// stored token if the request carries no data.
func (r *Rig) exchangeToken(_ context.Context, evt rigcom.Event) (any, error) {
	if len(evt.Data) != 0 {
		r.SetToken(evt.Data)
		return noUpdate{}, nil
	}
	if tok := r.Token(); tok != nil {
		return tok, nil
	}
	return nil, nil
}

// eventContextKey is a context key for the event passed to an action.
type eventContextKey struct{}

// ContextEvent returns the event that triggered the action whose context is
// ctx. It reports false if ctx has no associated event.
func ContextEvent(ctx context.Context) (rigcom.Event, bool) {
	evt, ok := ctx.Value(eventContextKey{}).(rigcom.Event)
	return evt, ok
}

// Func adapts a function that accepts parameters of type P and returns a
// result of type R to an Action. The data of the signal are decoded as JSON
// into P; a signal with no data yields the zero P.
func Func[P, R any](f func(context.Context, P) (R, error)) Action {
	return func(ctx context.Context, evt rigcom.Event) (any, error) {
		var p P
		if len(evt.Data) != 0 {
			if err := json.Unmarshal(evt.Data, &p); err != nil {
				return nil, fmt.Errorf("decode %v data: %w", evt.Signal, err)
			}
		}
		return f(ctx, p)
	}
}

// ParamError adapts a function that accepts parameters of type P and returns
// only an error to an Action. The update carries no data.
func ParamError[P any](f func(context.Context, P) error) Action {
	return Func(func(ctx context.Context, p P) (any, error) { return nil, f(ctx, p) })
}

// Acknowledge is an Action that completes at once with no data.
func Acknowledge(context.Context, rigcom.Event) (any, error) { return nil, nil }
