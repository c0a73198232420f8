// Program rigcom is a command-line utility for driving and emulating rigs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/rigcom"
	"github.com/creachadair/rigcom/internal/config"
	"github.com/creachadair/rigcom/internal/logging"
	"github.com/creachadair/rigcom/rig"
	"github.com/creachadair/rigcom/service"
	"github.com/creachadair/rigcom/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var flags = struct {
	Metrics string `flag:"metrics,Serve Prometheus metrics at this address"`
}{}

var serveFlags = struct {
	Addr string `flag:"addr,Listen for signals at this endpoint"`
	Name string `flag:"name,Name of the rig"`
}{Addr: "0.0.0.0", Name: "rig"}

var sendFlags = struct {
	Timeout time.Duration `flag:"timeout,Time to wait for the update"`
}{Timeout: service.DefaultUpdateTimeout}

func main() {
	logging.ConfigureRuntime()
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for driving and emulating rigs.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &flags)
		},
		Init: func(env *command.Env) error {
			return startMetrics(flags.Metrics)
		},
		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--addr host:port] [--name name]",
				Help: `Run a rig that completes every lifecycle signal.

The rig listens for signals until interrupted. It reports its status in
reply to STATUS, and its name, status, and uptime in reply to INFO.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &serveFlags)
				},
				Run: runServe,
			},
			{
				Name:  "send",
				Usage: "<addr> <signal> [ref] [json]",
				Help: `Send a signal to the rig at addr and print its update.

The signal is a name (e.g., START) or a number. The optional json argument
is sent as the data of the signal.`,
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &sendFlags)
				},
				Run: runSend,
			},
			{
				Name:  "run",
				Usage: "<config.toml> <signal> [ref]",
				Help:  "Send a signal to every service in the configuration file.",
				Run:   runRun,
			},
			{
				Name:  "status",
				Usage: "<config.toml>",
				Help:  "Query the status of every service in the configuration file.",
				Run:   runStatus,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func startMetrics(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments: %q", env.Args)
	}
	ep, err := rigcom.ParseEndpoint(serveFlags.Addr, rigcom.RoleRig, nil)
	if err != nil {
		return err
	}
	comm, err := rigcom.Listen(ep, &rigcom.Options{Name: serveFlags.Name})
	if err != nil {
		return err
	}
	defer comm.Close()

	started := time.Now()
	r := rig.New(comm, nil)
	defer r.Close()
	for _, sig := range []rigcom.Signal{
		rigcom.SignalInit, rigcom.SignalStart, rigcom.SignalStop,
		rigcom.SignalInterrupt, rigcom.SignalCleanup,
	} {
		r.Handle(sig, rig.Acknowledge)
	}
	r.Handle(rigcom.SignalInfo, func(context.Context, rigcom.Event) (any, error) {
		return rigInfo{
			Name:   serveFlags.Name,
			Status: r.Status(),
			Uptime: time.Since(started).Round(time.Second).String(),
		}, nil
	})

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

type rigInfo struct {
	Name   string        `json:"name"`
	Status rigcom.Status `json:"status"`
	Uptime string        `json:"uptime"`
}

func runSend(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 4 {
		return env.Usagef("wrong number of arguments")
	}
	ep, err := rigcom.ParseEndpoint(env.Args[0], rigcom.RoleRig, nil)
	if err != nil {
		return err
	}
	sig, err := rigcom.ParseSignal(env.Args[1])
	if err != nil {
		return err
	}
	var ref string
	if len(env.Args) > 2 {
		ref = env.Args[2]
	}
	var data any
	if len(env.Args) > 3 {
		if !json.Valid([]byte(env.Args[3])) {
			return fmt.Errorf("invalid JSON data: %q", env.Args[3])
		}
		data = json.RawMessage(env.Args[3])
	}

	comm, err := rigcom.Dial(ep, nil)
	if err != nil {
		return err
	}
	defer comm.Close()

	ctx, cancel := signalContext()
	defer cancel()
	svc := service.New(ep.HostPort(), comm, nil, &service.Options{UpdateTimeout: sendFlags.Timeout})
	if sig == rigcom.SignalAlyx && data != nil {
		return svc.Alyx(ctx, data)
	}
	evt, err := svc.Signal(ctx, sig, ref, data)
	if err != nil {
		return err
	}
	fmt.Println(evt)
	return nil
}

func openConfig(path string) (*services.Services, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Open(nil)
}

func runRun(env *command.Env) error {
	if len(env.Args) < 2 || len(env.Args) > 3 {
		return env.Usagef("wrong number of arguments")
	}
	sig, err := rigcom.ParseSignal(env.Args[1])
	if err != nil {
		return err
	}
	var ref string
	if len(env.Args) > 2 {
		ref = env.Args[2]
	}
	svcs, err := openConfig(env.Args[0])
	if err != nil {
		return err
	}
	defer svcs.Close()

	ctx, cancel := signalContext()
	defer cancel()
	res := svcs.Signal(ctx, sig, ref, nil)

	tw := tabwriter.NewWriter(os.Stdout, 4, 0, 2, ' ', 0)
	for _, r := range res.All() {
		switch {
		case r.Err != nil:
			fmt.Fprintf(tw, "%s\tFAILED\t%v\n", r.Name, r.Err)
		case r.Event.Data != nil:
			fmt.Fprintf(tw, "%s\tOK\t%s\n", r.Name, r.Event.Data)
		default:
			fmt.Fprintf(tw, "%s\tOK\t\n", r.Name)
		}
	}
	tw.Flush()
	if failed := res.Failed(); len(failed) != 0 {
		return fmt.Errorf("%v failed for %d of %d services", sig, len(failed), res.Len())
	}
	return nil
}

func runStatus(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("wrong number of arguments")
	}
	svcs, err := openConfig(env.Args[0])
	if err != nil {
		return err
	}
	defer svcs.Close()

	ctx, cancel := signalContext()
	defer cancel()
	res := svcs.Status(ctx)

	tw := tabwriter.NewWriter(os.Stdout, 4, 0, 2, ' ', 0)
	for _, r := range res.All() {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\t%v\t%v\n", r.Name, rigcom.StatusUnknown, r.Err)
		} else {
			fmt.Fprintf(tw, "%s\t%v\t\n", r.Name, res.Status(r.Name))
		}
	}
	return tw.Flush()
}
