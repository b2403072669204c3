// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Command hakuhost runs haku's control plane: the state store, target
// resolver, dispatcher, heartbeat monitor, task coordinator, its HTTP
// API, and the SSH relay, all in one process (spec.md §1, §6).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/coordinator"
	"github.com/codepr/haku/internal/dispatch"
	"github.com/codepr/haku/internal/heartbeat"
	"github.com/codepr/haku/internal/idgen"
	"github.com/codepr/haku/internal/logging"
	"github.com/codepr/haku/internal/relay"
	"github.com/codepr/haku/internal/resolver"
	"github.com/codepr/haku/internal/runnerclient"
	"github.com/codepr/haku/internal/store"
)

func main() {
	var (
		httpAddr      = flag.String("http-addr", ":7780", "address the coordinator's HTTP API listens on")
		sshAddr       = flag.String("ssh-relay-addr", ":2222", "address the SSH relay listens on")
		dataDir       = flag.String("data-dir", "./data", "directory holding the embedded state database")
		sharedRoot    = flag.String("shared-root", "./shared", "shared-storage root for environment archives and task logs")
		logLevel      = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON       = flag.Bool("log-json", false, "emit structured JSON logs instead of console format")
		heartbeatSweep = flag.Duration("heartbeat-sweep-interval", 5*time.Second, "how often the heartbeat monitor sweeps the node list")
		heartbeatTimeout = flag.Duration("heartbeat-timeout", 20*time.Second, "how long a node may stay silent before it's marked offline")
		runnerTimeout = flag.Duration("runner-attempt-timeout", 10*time.Second, "per-attempt timeout for host-to-runner HTTP calls")
		dispatchRetries     = flag.Int("dispatch-retries", 5, "max dispatch attempts before a task is marked failed")
		dispatchBackoffBase = flag.Duration("dispatch-backoff-base", 500*time.Millisecond, "dispatch retry backoff starting duration")
		dispatchBackoffMax  = flag.Duration("dispatch-backoff-max", 30*time.Second, "dispatch retry backoff ceiling")
		gcArchives    = flag.Bool("gc-archives", false, "on startup, remove superseded environment archives from shared-root, keeping only the newest per name")
	)
	flag.Parse()

	log := logging.New(logging.Config{Level: logging.Level(*logLevel), JSON: *logJSON})
	log = logging.WithComponent(log, "hakuhost")

	if err := run(log, hostConfig{
		httpAddr:         *httpAddr,
		sshAddr:          *sshAddr,
		dataDir:          *dataDir,
		sharedRoot:       *sharedRoot,
		heartbeatSweep:   *heartbeatSweep,
		heartbeatTimeout: *heartbeatTimeout,
		runnerTimeout:    *runnerTimeout,
		dispatch: dispatch.Config{
			MaxRetries:     *dispatchRetries,
			BackoffBase:    *dispatchBackoffBase,
			BackoffCeiling: *dispatchBackoffMax,
			SharedRoot:     *sharedRoot,
		},
		gcArchives: *gcArchives,
	}); err != nil {
		log.Fatal().Err(err).Msg("hakuhost: fatal error")
	}
}

type hostConfig struct {
	httpAddr         string
	sshAddr          string
	dataDir          string
	sharedRoot       string
	heartbeatSweep   time.Duration
	heartbeatTimeout time.Duration
	runnerTimeout    time.Duration
	dispatch         dispatch.Config
	gcArchives       bool
}

func run(log zerolog.Logger, cfg hostConfig) error {
	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.sharedRoot, 0o755); err != nil {
		return err
	}

	if cfg.gcArchives {
		if err := gcSupersededArchives(cfg.sharedRoot, log); err != nil {
			log.Warn().Err(err).Msg("hakuhost: archive gc failed, continuing")
		}
	}

	st, err := store.Open(cfg.dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ids := idgen.NewGenerator()
	runners := runnerclient.New(cfg.runnerTimeout)

	res := resolver.New(st, ids, logging.WithComponent(log, "resolver"))
	disp := dispatch.New(st, runners, cfg.dispatch, logging.WithComponent(log, "dispatcher"))
	hbMonitor := heartbeat.New(st, heartbeat.Config{SweepInterval: cfg.heartbeatSweep, Timeout: cfg.heartbeatTimeout}, logging.WithComponent(log, "heartbeat-monitor"))
	coord := coordinator.New(st, res, disp, runners, logging.WithComponent(log, "coordinator"))

	httpServer := coordinator.NewServer(cfg.httpAddr, coord, hbMonitor, logging.WithComponent(log, "http"))

	sshRelay, err := relay.Listen(cfg.sshAddr, st, logging.WithComponent(log, "ssh-relay"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("hakuhost: shutdown signal received")
		cancel()
	}()

	hbMonitor.Start()
	defer hbMonitor.Stop()

	relayErrCh := make(chan error, 1)
	go func() {
		relayErrCh <- sshRelay.Serve()
	}()
	go func() {
		<-ctx.Done()
		sshRelay.Close()
	}()

	log.Info().Str("http_addr", cfg.httpAddr).Str("ssh_relay_addr", cfg.sshAddr).Msg("hakuhost: started")

	var result *multierror.Error
	if err := httpServer.Run(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := <-relayErrCh; err != nil && ctx.Err() == nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// gcSupersededArchives removes every environment archive under
// sharedRoot except the newest per name, freeing shared storage that
// accumulates as images are re-saved over the life of a cluster
// (SPEC_FULL.md's supplemented archive-GC feature).
func gcSupersededArchives(sharedRoot string, log zerolog.Logger) error {
	entries, err := os.ReadDir(sharedRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	newest := map[string]struct {
		ts   int64
		path string
	}{}
	stale := []string{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name, ts, ok := splitArchiveName(entry.Name())
		if !ok {
			continue
		}
		path := filepath.Join(sharedRoot, entry.Name())
		if prev, exists := newest[name]; exists {
			if ts > prev.ts {
				stale = append(stale, prev.path)
				newest[name] = struct {
					ts   int64
					path string
				}{ts, path}
			} else {
				stale = append(stale, path)
			}
			continue
		}
		newest[name] = struct {
			ts   int64
			path string
		}{ts, path}
	}

	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			log.Warn().Str("path", path).Err(err).Msg("hakuhost: archive gc failed to remove file")
			continue
		}
		log.Info().Str("path", path).Msg("hakuhost: archive gc removed superseded archive")
	}
	return nil
}

// splitArchiveName parses the "<name>.<timestamp>.<ext>" convention
// internal/envsync reads on the runner side.
func splitArchiveName(filename string) (name string, ts int64, ok bool) {
	first := strings.Index(filename, ".")
	if first < 0 {
		return "", 0, false
	}
	rest := filename[first+1:]
	second := strings.Index(rest, ".")
	if second < 0 {
		return "", 0, false
	}
	parsed, err := strconv.ParseInt(rest[:second], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return filename[:first], parsed, true
}
