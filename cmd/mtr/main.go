// Copyright (c) 2023 Marin Atanasov Nikolov <dnaeon@gmail.com>
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
//  1. Redistributions of source code must retain the above copyright
//     notice, this list of conditions and the following disclaimer
//     in this position and unchanged.
//  2. Redistributions in binary form must reproduce the above copyright
//     notice, this list of conditions and the following disclaimer in the
//     documentation and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE AUTHOR(S) ``AS IS'' AND ANY EXPRESS OR
// IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES
// OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE DISCLAIMED.
// IN NO EVENT SHALL THE AUTHOR(S) BE LIABLE FOR ANY DIRECT, INDIRECT,
// INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING, BUT
// NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR SERVICES; LOSS OF USE,
// DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER CAUSED AND ON ANY
// THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT
// (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE OF
// THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Command mtr is the CLI entry point: flag parsing, logging, and the
// text observer wired around the session controller. Argument parsing,
// report formatting and sparkline rendering are deliberately thin: the
// core this binary drives is the probe session engine in
// internal/session.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dnaeon/mtr-engine/internal/session"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := session.Default()
	var fieldNames string
	intervalSeconds := cfg.Interval.Seconds()

	cmd := &cobra.Command{
		Use:   "mtr [flags] target",
		Short: "Continuously probe every hop to a target and report live RTT/loss statistics",
		Args:  cobra.ExactArgs(1),
	}
	flags := cmd.Flags()
	flags.IntVar(&cfg.Count, "count", cfg.Count, "number of rounds before exit (0 = run until cancelled)")
	flags.Float64Var(&intervalSeconds, "interval", intervalSeconds, "seconds between rounds")
	flags.IntVar(&cfg.MaxHops, "max-hops", cfg.MaxHops, "upper bound on TTL")
	flags.BoolVar(&cfg.Numeric, "numeric", cfg.Numeric, "disable reverse DNS")
	flags.BoolVar(&cfg.Report, "report", cfg.Report, "batch mode: run count rounds, print a report, and exit")
	flags.StringVar(&fieldNames, "fields", "", "ordered comma-separated subset of: hop,host,loss,sent,last,avg,ema,jitter,jitter-avg,best,worst,graph")
	flags.BoolVar(&cfg.ShowAll, "show-all", cfg.ShowAll, "equivalent to every column")
	flags.StringVar(&cfg.Protocol, "protocol", cfg.Protocol, "icmp (required; udp/tcp acknowledged but out of scope)")
	flags.BoolVar(&cfg.Simulate, "simulate", cfg.Simulate, "use the simulated backend")
	flags.BoolVar(&cfg.ForceSimulate, "force-simulate", cfg.ForceSimulate, "use the simulated backend even when raw privileges are available")

	exitCode := 0
	cmd.RunE = func(_ *cobra.Command, posArgs []string) error {
		cfg.Target = posArgs[0]
		if fieldNames != "" {
			cfg.Fields = parseFields(fieldNames)
		}
		cfg.Interval = time.Duration(intervalSeconds * float64(time.Second))

		log := newLogger()
		defer log.Sync() //nolint:errcheck

		ctrl, err := session.New(cfg, log.Sugar())
		if err != nil {
			exitCode = 3
			return err
		}

		obs := session.NewTextObserver(os.Stdout, cfg.ResolveFields(), cfg.Numeric)
		var last lastSnapshotObserver
		if cfg.Report {
			ctrl.AddObserver(&last)
		} else {
			ctrl.AddObserver(obs)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return watchSignals(gctx, cancel) })
		group.Go(func() error {
			// cancel unblocks watchSignals once the run finishes on its
			// own (e.g. count rounds completed) rather than by signal.
			defer cancel()
			return ctrl.Run(ctx)
		})

		runErr := group.Wait()
		if cfg.Report {
			if snapshot := last.get(); snapshot != nil {
				obs.Publish(snapshot)
			}
		}

		exitCode = session.ExitCode(runErr)
		if exitCode != 0 {
			return runErr
		}
		return nil
	}
	cmd.SilenceUsage = true

	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil && exitCode == 0 {
		exitCode = 3
	}
	if exitCode != 0 {
		fmt.Fprintln(os.Stderr, "mtr:", cmd.ErrOrStderr())
	}
	return exitCode
}

// watchSignals cancels the run on SIGINT/SIGTERM.
func watchSignals(ctx context.Context, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

// newLogger builds the zap logger whose level is read once at startup
// from the MTR_LOG environment variable (e.g. "debug", "warn").
func newLogger() *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(os.Getenv("MTR_LOG"))

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

func parseFields(raw string) []session.Field {
	parts := strings.Split(raw, ",")
	out := make([]session.Field, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, session.Field(p))
		}
	}
	return out
}

// lastSnapshotObserver backs "report" batch mode: it silently tracks
// the most recent snapshot instead of rendering every round, so the
// caller can print exactly one table after the run completes.
type lastSnapshotObserver struct {
	mu   sync.Mutex
	snap []session.HopView
}

func (l *lastSnapshotObserver) Publish(snapshot []session.HopView) {
	cp := make([]session.HopView, len(snapshot))
	copy(cp, snapshot)
	l.mu.Lock()
	l.snap = cp
	l.mu.Unlock()
}

func (l *lastSnapshotObserver) get() []session.HopView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}
