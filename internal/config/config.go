// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package config loads the TOML configuration of a controller.
//
// A configuration file looks like:
//
//	name = "bench-2"
//	listen = "udp://0.0.0.0:11001"
//	echo_timeout = "1s"
//	update_timeout = "30s"
//	mode = "sequential"
//
//	[[services]]
//	name = "camera"
//	addr = "udp://10.0.1.5"
//
//	[[services]]
//	name = "sound"
//	addr = "10.0.1.6:11002"
//
// Keys that are not set keep their default values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/rigcom"
	"github.com/creachadair/rigcom/service"
	"github.com/creachadair/rigcom/services"
	"github.com/rs/zerolog"
)

// Config is the configuration of a controller and the services it drives.
type Config struct {
	Name          string        // the name of the controller communicator
	Listen        string        // the endpoint where the controller listens
	EchoTimeout   time.Duration // how long to wait for each echo
	UpdateTimeout time.Duration // how long to wait for each update
	Mode          services.Mode // how signals are dispatched
	Services      []Service
}

// A Service names a remote rig.
type Service struct {
	Name string
	Addr string // an endpoint URI, see rigcom.ParseEndpoint
}

// Default returns the default configuration, with no services.
func Default() Config {
	return Config{
		Name:          "controller",
		Listen:        "0.0.0.0",
		EchoTimeout:   rigcom.DefaultEchoTimeout,
		UpdateTimeout: services.DefaultTimeout,
		Mode:          services.Concurrent,
	}
}

type fileConfig struct {
	Name          string        `toml:"name"`
	Listen        string        `toml:"listen"`
	EchoTimeout   string        `toml:"echo_timeout"`
	UpdateTimeout string        `toml:"update_timeout"`
	Mode          string        `toml:"mode"`
	Services      []fileService `toml:"services"`
}

type fileService struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// Load reads the configuration file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse parses a configuration from TOML text.
func Parse(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	if keys := meta.Undecoded(); len(keys) != 0 {
		return Config{}, fmt.Errorf("unknown config key %q", keys[0].String())
	}
	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			cfg.Name = v
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("echo_timeout") {
		d, err := parseTimeout(raw.EchoTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse echo_timeout: %w", err)
		}
		cfg.EchoTimeout = d
	}
	if meta.IsDefined("update_timeout") {
		d, err := parseTimeout(raw.UpdateTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse update_timeout: %w", err)
		}
		cfg.UpdateTimeout = d
	}
	if meta.IsDefined("mode") {
		m, err := services.ParseMode(raw.Mode)
		if err != nil {
			return Config{}, fmt.Errorf("parse mode: %w", err)
		}
		cfg.Mode = m
	}
	for _, s := range raw.Services {
		cfg.Services = append(cfg.Services, Service{
			Name: strings.TrimSpace(s.Name),
			Addr: strings.TrimSpace(s.Addr),
		})
	}
	return cfg, cfg.Validate()
}

func parseTimeout(s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	} else if d <= 0 {
		return 0, fmt.Errorf("timeout %v must be positive", d)
	}
	return d, nil
}

// Validate reports an error if c is not usable. It does not resolve
// addresses.
func (c Config) Validate() error {
	var errs []error
	if _, err := rigcom.ParseEndpoint(c.Listen, rigcom.RoleController, noResolve); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}
	seen := make(map[string]bool)
	for i, s := range c.Services {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("service %d: missing name", i+1))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("service %d: duplicate name %q", i+1, s.Name))
		}
		seen[s.Name] = true
		if _, err := rigcom.ParseEndpoint(s.Addr, rigcom.RoleRig, noResolve); err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

var noResolve = &rigcom.ResolveOptions{NoResolve: true, AllowAnyPort: true}

// Open starts a controller communicator listening at c.Listen and returns
// the configured services, which share it. Closing the result closes the
// communicator.
func (c Config) Open(lg *zerolog.Logger) (*services.Services, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	lep, err := rigcom.ParseEndpoint(c.Listen, rigcom.RoleController, &rigcom.ResolveOptions{AllowAnyPort: true})
	if err != nil {
		return nil, err
	}
	eps := make([]rigcom.Endpoint, len(c.Services))
	for i, s := range c.Services {
		eps[i], err = rigcom.ParseEndpoint(s.Addr, rigcom.RoleRig, nil)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", s.Name, err)
		}
	}

	comm, err := rigcom.Listen(lep, &rigcom.Options{
		Name:        c.Name,
		EchoTimeout: c.EchoTimeout,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	peers := make([]*service.Service, len(c.Services))
	for i, s := range c.Services {
		addr, err := eps[i].UDPAddr()
		if err != nil {
			comm.Close()
			return nil, fmt.Errorf("service %q: %w", s.Name, err)
		}
		peers[i] = service.New(s.Name, comm, addr, &service.Options{UpdateTimeout: c.UpdateTimeout})
	}
	svcs, err := services.New(peers, &services.Options{
		Mode:    c.Mode,
		Timeout: c.UpdateTimeout,
		Logger:  lg,
	})
	if err != nil {
		comm.Close()
		return nil, err
	}
	return svcs, nil
}
