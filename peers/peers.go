// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing peers.
package peers

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/rigcom"
	"github.com/creachadair/rigcom/channel"
	"github.com/creachadair/rigcom/rig"
	"github.com/creachadair/rigcom/service"
	"github.com/rs/zerolog"
)

// Options are settings for a [Local] set of peers. A nil *Options provides
// default values.
type Options struct {
	Logger        *zerolog.Logger // passed to every communicator and rig
	EchoTimeout   time.Duration   // passed to every communicator
	UpdateTimeout time.Duration   // passed to every service
}

// Local is a controller and a set of rigs connected by an in-memory network,
// suitable for testing.
type Local struct {
	Network    *channel.Network
	Controller *rigcom.Communicator

	// Services are the rigs as seen by the controller, in the order named.
	Services []*service.Service

	rigs  map[string]*rig.Rig
	comms []*rigcom.Communicator // rig communicators
}

// NewLocal creates a controller and one rig for each of the given names. The
// controller listens at 10.0.0.1:11001 and the rig at position i listens at
// 10.0.1.(i+1):11002. Each rig acknowledges every lifecycle signal.
func NewLocal(opts *Options, names ...string) *Local {
	var o Options
	if opts != nil {
		o = *opts
	}
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			panic(fmt.Sprintf("duplicate rig name %q", name))
		}
		seen[name] = true
	}
	net := new(channel.Network)
	loc := &Local{
		Network: net,
		Controller: rigcom.New(&rigcom.Options{
			Name:        "controller",
			Logger:      o.Logger,
			EchoTimeout: o.EchoTimeout,
			Metrics:     rigcom.NewMetrics(nil),
		}).Start(net.MustListen("10.0.0.1:11001")),
		rigs: make(map[string]*rig.Rig),
	}
	for i, name := range names {
		c := rigcom.New(&rigcom.Options{
			Name:        name,
			Logger:      o.Logger,
			EchoTimeout: o.EchoTimeout,
			Metrics:     rigcom.NewMetrics(nil),
		}).Start(net.MustListen(fmt.Sprintf("10.0.1.%d:11002", i+1)))
		r := rig.New(c, &rig.Options{Logger: o.Logger})
		for _, sig := range []rigcom.Signal{
			rigcom.SignalInit, rigcom.SignalStart, rigcom.SignalStop,
			rigcom.SignalInterrupt, rigcom.SignalCleanup, rigcom.SignalInfo,
		} {
			r.Handle(sig, rig.Acknowledge)
		}
		loc.comms = append(loc.comms, c)
		loc.rigs[name] = r
		loc.Services = append(loc.Services, service.New(name, loc.Controller, c.Addr(),
			&service.Options{UpdateTimeout: o.UpdateTimeout}))
	}
	return loc
}

// Rig returns the rig with the given name, or nil.
func (p *Local) Rig(name string) *rig.Rig { return p.rigs[name] }

// RigComm returns the communicator of the rig with the given name, or nil.
func (p *Local) RigComm(name string) *rigcom.Communicator {
	for _, c := range p.comms {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Stop shuts down the rigs and all the communicators, and blocks until they
// have exited.
func (p *Local) Stop() error {
	var errs []error
	for _, r := range p.rigs {
		errs = append(errs, r.Close())
	}
	for _, c := range p.comms {
		errs = append(errs, c.Close())
	}
	errs = append(errs, p.Controller.Close())
	return errors.Join(errs...)
}
