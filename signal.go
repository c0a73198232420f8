// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"fmt"
	"strconv"
	"strings"
)

// Signal is a lifecycle or status code exchanged between peers.
type Signal int

const (
	SignalStatus    Signal = 1  // Report or query rig status
	SignalInfo      Signal = 2  // Experiment information
	SignalAlyx      Signal = 3  // Database token exchange
	SignalInit      Signal = 10 // Experiment is initializing
	SignalStart     Signal = 20 // Experiment has begun
	SignalStop      Signal = 30 // Experiment has stopped
	SignalCleanup   Signal = 40 // Experiment cleanup has begun
	SignalInterrupt Signal = 50 // Experiment was interrupted
)

var signalNames = map[Signal]string{
	SignalStatus:    "STATUS",
	SignalInfo:      "INFO",
	SignalAlyx:      "ALYX",
	SignalInit:      "INIT",
	SignalStart:     "START",
	SignalStop:      "STOP",
	SignalCleanup:   "CLEANUP",
	SignalInterrupt: "INTERRUPT",
}

// Signals returns all known signals in ascending numeric order.
func Signals() []Signal {
	return []Signal{
		SignalStatus, SignalInfo, SignalAlyx,
		SignalInit, SignalStart, SignalStop, SignalCleanup, SignalInterrupt,
	}
}

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool { _, ok := signalNames[s]; return ok }

func (s Signal) String() string {
	if name, ok := signalNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SIGNAL:%d", int(s))
}

// Phase describes the order in which a signal is dispatched to a set of
// peers.
type Phase int

const (
	PhaseNone     Phase = iota // no ordering constraint
	PhaseStart                 // dispatch in registration order
	PhaseTeardown              // dispatch in reverse registration order
)

// Phase reports the dispatch phase of s. The last peer started is the first
// one stopped.
func (s Signal) Phase() Phase {
	switch s {
	case SignalInit, SignalStart:
		return PhaseStart
	case SignalStop, SignalInterrupt, SignalCleanup:
		return PhaseTeardown
	default:
		return PhaseNone
	}
}

// ParseSignal parses a signal name or number. Names are matched without
// regard to case or surrounding space, and may carry the "EXP" prefix used by
// older peers, so "init", " EXPINIT" and "10" all denote [SignalInit]. The
// legacy name "END" denotes [SignalStop].
func ParseSignal(s string) (Signal, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(name); err == nil {
		if sig := Signal(n); sig.Valid() {
			return sig, nil
		}
		return 0, fmt.Errorf("unknown signal number %d", n)
	}
	name = strings.TrimPrefix(name, "EXP")
	switch name {
	case "END":
		return SignalStop, nil
	case "INTERUPT": // sic, as spelled by older peers
		return SignalInterrupt, nil
	}
	for sig, sname := range signalNames {
		if sname == name {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Signal) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid signal %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using [ParseSignal].
func (s *Signal) UnmarshalText(text []byte) error {
	sig, err := ParseSignal(string(text))
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

// Status is the state of a rig as reported in the data of a status update.
type Status int

const (
	StatusUnknown Status = iota
	StatusConnected
	StatusInitialized
	StatusRunning
	StatusStopped
	StatusSuccess
	StatusFailed
)

var statusNames = [...]string{
	StatusUnknown:     "UNKNOWN",
	StatusConnected:   "CONNECTED",
	StatusInitialized: "INITIALIZED",
	StatusRunning:     "RUNNING",
	StatusStopped:     "STOPPED",
	StatusSuccess:     "SUCCESS",
	StatusFailed:      "FAILED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("STATUS:%d", int(s))
}

// StatusAfter reports the status a rig reaches once it has completed the
// work for sig, given its current status.
func StatusAfter(cur Status, sig Signal) Status {
	switch sig {
	case SignalInit:
		return StatusInitialized
	case SignalStart:
		return StatusRunning
	case SignalStop, SignalInterrupt:
		return StatusStopped
	case SignalCleanup:
		return StatusSuccess
	}
	return cur
}

// ParseStatus parses a status name, without regard to case.
func ParseStatus(s string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, sname := range statusNames {
		if sname == name {
			return Status(i), nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler using [ParseStatus].
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
