// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/creachadair/rigcom"
	"github.com/creachadair/rigcom/internal/config"
	"github.com/creachadair/rigcom/services"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const testConfig = `
name = "bench-2"
echo_timeout = "250ms"
mode = "Sequential"

[[services]]
name = "camera"
addr = "udp://10.0.1.5"

[[services]]
name = " sound "
addr = "10.0.1.6:12000"
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rigcom.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0600); err != nil {
		t.Fatalf("Write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Config{
		Name:          "bench-2",
		Listen:        "0.0.0.0",
		EchoTimeout:   250 * time.Millisecond,
		UpdateTimeout: services.DefaultTimeout,
		Mode:          services.Sequential,
		Services: []config.Service{
			{Name: "camera", Addr: "udp://10.0.1.5"},
			{Name: "sound", Addr: "10.0.1.6:12000"},
		},
	}
	if diff := cmp.Diff(cfg, want); diff != "" {
		t.Errorf("Config (-got, +want):\n%s", diff)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load of a missing file: got nil, want error")
	}
}

func TestDefault(t *testing.T) {
	cfg, err := config.Parse("")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(cfg, config.Default()); diff != "" {
		t.Errorf("Empty config (-got, +want):\n%s", diff)
	}
	if cfg.EchoTimeout != rigcom.DefaultEchoTimeout {
		t.Errorf("EchoTimeout: got %v, want %v", cfg.EchoTimeout, rigcom.DefaultEchoTimeout)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"Syntax", `name = `, "parse config"},
		{"UnknownKey", `colour = "red"`, "unknown config key"},
		{"BadDuration", `echo_timeout = "soon"`, "echo_timeout"},
		{"NegativeDuration", `update_timeout = "-1s"`, "must be positive"},
		{"BadMode", `mode = "parallel"`, "unknown mode"},
		{"BadListen", `listen = "tcp://0.0.0.0"`, "unsupported scheme"},
		{"NoName", "[[services]]\naddr = \"10.0.0.1\"", "missing name"},
		{"NoAddr", "[[services]]\nname = \"cam\"", "missing host"},
		{"Duplicate", "[[services]]\nname = \"cam\"\naddr = \"10.0.0.1\"\n" +
			"[[services]]\nname = \"cam\"\naddr = \"10.0.0.2\"", "duplicate name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := config.Parse(tc.text)
			if err == nil {
				t.Fatalf("Parse: got %+v, want error", cfg)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse: got error %v, want %q", err, tc.want)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Services = []config.Service{
		{Name: "a", Addr: "127.0.0.1:12001"},
		{Name: "b", Addr: "localhost:12002"},
	}
	lg := zerolog.New(zerolog.NewTestWriter(t))
	svcs, err := cfg.Open(&lg)
	if err != nil {
		t.Skipf("Open: %v", err) // e.g., no loopback in a sandbox
	}
	defer svcs.Close()

	if diff := cmp.Diff(svcs.Names(), []string{"a", "b"}); diff != "" {
		t.Errorf("Names (-got, +want):\n%s", diff)
	}
	if got := svcs.Service("b").Addr().String(); got != "127.0.0.1:12002" {
		t.Errorf("Address of b: got %q, want 127.0.0.1:12002", got)
	}
	if svcs.Service("a").Communicator() != svcs.Service("b").Communicator() {
		t.Error("Services do not share a communicator")
	}
}
