// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rigcom

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestSameHost(t *testing.T) {
	udp := func(s string) net.Addr { return net.UDPAddrFromAddrPort(netip.MustParseAddrPort(s)) }
	tests := []struct {
		a, b net.Addr
		want bool
	}{
		{udp("10.0.0.1:1"), udp("10.0.0.1:2"), true},
		{udp("10.0.0.1:1"), udp("10.0.0.2:1"), false},
		{udp("[::ffff:10.0.0.1]:1"), udp("10.0.0.1:5"), true},
		{udp("[::1]:1"), udp("127.0.0.1:1"), false},
	}
	for _, tc := range tests {
		if got := sameHost(tc.a, tc.b); got != tc.want {
			t.Errorf("sameHost(%v, %v): got %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestPreferIPv4(t *testing.T) {
	ips := []netip.Addr{
		netip.MustParseAddr("fe80::1"),
		netip.MustParseAddr("::ffff:192.168.1.5"),
		netip.MustParseAddr("10.0.0.1"),
	}
	if got, ok := preferIPv4(ips); !ok || got != netip.MustParseAddr("192.168.1.5") {
		t.Errorf("preferIPv4: got (%v, %v), want 192.168.1.5", got, ok)
	}
	if got, ok := preferIPv4(ips[:1]); !ok || got != ips[0] {
		t.Errorf("preferIPv4 v6 only: got (%v, %v), want %v", got, ok, ips[0])
	}
	if got, ok := preferIPv4(nil); ok {
		t.Errorf("preferIPv4 empty: got %v, want none", got)
	}
}

func TestOptionDefaults(t *testing.T) {
	var opts *Options
	if got := opts.echoTimeout(); got != DefaultEchoTimeout {
		t.Errorf("Echo timeout: got %v, want %v", got, DefaultEchoTimeout)
	}
	if got := opts.metrics(); got != DefaultMetrics {
		t.Errorf("Metrics: got %p, want DefaultMetrics", got)
	}
	if a, b := opts.name(), opts.name(); a == b {
		t.Errorf("Generated names are not unique: %q", a)
	}
	set := &Options{Name: "x", EchoTimeout: time.Minute}
	if set.name() != "x" || set.echoTimeout() != time.Minute {
		t.Errorf("Options: got (%q, %v), want (x, 1m)", set.name(), set.echoTimeout())
	}
}
