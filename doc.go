// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package rigcom implements a lifecycle signalling protocol for coordinating
// experiment rigs over UDP.
//
// A controller sends lifecycle signals (init, start, stop, cleanup, status) to
// one or more rigs. Each message is acknowledged by an echo: the receiver
// immediately sends the same bytes back to the sender. This is the only
// reliability mechanism; the transport itself may drop or reorder datagrams.
// When the work triggered by a signal is done, the rig sends an update, a new
// message carrying the same signal and an optional result payload.
//
// # Messages
//
// A [Message] is encoded as a compact JSON array:
//
//	[signal, reference, data, seq]
//
// for example
//
//	[20,"2022-01-01_1_subject",{"foo":"bar"},7]
//
// The reference and data may be null. The sequence number is omitted when it
// is zero. Use [Encode] and [Decode] to convert between the two forms. Decode
// reports a [*TruncationError] for input that ends before the array is
// complete and a [*DecodeError] for any other malformed input.
//
// # Communicators
//
// The core type defined by this package is the [Communicator]. A communicator
// owns one datagram socket and runs a receive loop that echoes inbound
// messages, matches echoes to pending sends, and delivers fresh messages to
// callbacks and waiters.
//
// To listen on a local endpoint and talk to any number of peers:
//
//	ep, err := rigcom.ParseEndpoint("udp://0.0.0.0", rigcom.RoleRig, nil)
//	...
//	c, err := rigcom.Listen(ep, &rigcom.Options{Name: "rig"})
//
// To talk to a single remote peer:
//
//	ep, err := rigcom.ParseEndpoint("rig-1.local", rigcom.RoleRig, nil)
//	...
//	c, err := rigcom.Dial(ep, &rigcom.Options{Name: "main"})
//
// Listen and Dial are named for what they do locally. The wire format does
// not carry a role, so a communicator created either way can talk to any
// other.
//
// To send a signal and wait for its echo, use [Communicator.SendAndConfirm].
// To wait for the next update bearing a signal, use [Communicator.OnEvent],
// or [Communicator.Expect] to register the waiter before sending. To observe
// every update, register a [Handler] with [Communicator.AssignCallback].
//
// Closing a communicator resolves every pending send and wait with
// [ErrClosed].
//
// # Metrics
//
// Communicators record activity counters in a [Metrics] value. By default all
// communicators share [DefaultMetrics], which is registered with the default
// Prometheus registry. Use [NewMetrics] to create a separate set.
package rigcom
