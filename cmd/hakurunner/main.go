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

// Command hakurunner runs haku's node-local agent: it samples resource
// inventory, registers and sends heartbeats to the host, and launches
// tasks through the Docker engine (or the systemd-unit fallback) on
// dispatch (spec.md §4.8).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/engine"
	"github.com/codepr/haku/internal/envsync"
	"github.com/codepr/haku/internal/inventory"
	"github.com/codepr/haku/internal/logging"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/runneragent"
)

func main() {
	var (
		listenAddr  = flag.String("listen-addr", ":7790", "address this runner's HTTP control surface binds")
		advertise   = flag.String("advertise-endpoint", "", "this node's endpoint as reachable from the host (defaults to listen-addr)")
		hostURL     = flag.String("host-url", "http://localhost:7780", "base URL of the haku host coordinator")
		hostname    = flag.String("hostname", "", "this node's hostname (defaults to os.Hostname())")
		sharedRoot  = flag.String("shared-root", "./shared", "shared-storage root for environment archives and task logs")
		heartbeatEvery = flag.Duration("heartbeat-interval", 5*time.Second, "how often to post a heartbeat to the host")
		hostTimeout = flag.Duration("host-attempt-timeout", 10*time.Second, "per-attempt timeout for runner-to-host HTTP calls")
		noFallback  = flag.Bool("disable-fallback", false, "refuse container_env_name=NONE orders instead of connecting to systemd")
		numaFlag    = flag.String("numa-topology", "", "override NUMA topology as \"domain:core,core,...;domain:core,...\"; default is a single domain spanning all cores")
		gpuFlag     = flag.String("gpus", "", "static GPU inventory as \"id:model:driver:total_bytes,...\" (no NVML binding; telemetry stays zero until a future integration populates it)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logJSON     = flag.Bool("log-json", false, "emit structured JSON logs instead of console format")
	)
	flag.Parse()

	log := logging.New(logging.Config{Level: logging.Level(*logLevel), JSON: *logJSON})
	log = logging.WithComponent(log, "hakurunner")

	name := *hostname
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("hakurunner: cannot determine hostname")
		}
		name = h
	}
	endpoint := *advertise
	if endpoint == "" {
		endpoint = "http://" + name + *listenAddr
	}

	gpus, err := parseGPUs(*gpuFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("hakurunner: invalid -gpus flag")
	}

	if err := run(log, runnerConfig{
		listenAddr:     *listenAddr,
		endpoint:       endpoint,
		hostURL:        *hostURL,
		hostname:       name,
		sharedRoot:     *sharedRoot,
		disableFallback: *noFallback,
		heartbeatEvery: *heartbeatEvery,
		hostTimeout:    *hostTimeout,
		numaOverride:   parseNuma(*numaFlag),
		gpus:           gpus,
	}); err != nil {
		log.Fatal().Err(err).Msg("hakurunner: fatal error")
	}
}

type runnerConfig struct {
	listenAddr      string
	endpoint        string
	hostURL         string
	hostname        string
	sharedRoot      string
	disableFallback bool
	heartbeatEvery  time.Duration
	hostTimeout     time.Duration
	numaOverride    []model.NumaDomain
	gpus            []model.GPU
}

func run(log zerolog.Logger, cfg runnerConfig) error {
	if err := os.MkdirAll(cfg.sharedRoot, 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("hakurunner: shutdown signal received")
		cancel()
	}()

	eng, err := engine.NewDockerEngine(logging.WithComponent(log, "engine"))
	if err != nil {
		return err
	}
	defer eng.Close()

	var fallback engine.Engine
	if !cfg.disableFallback {
		fb, err := engine.NewSystemdEngine(ctx, logging.WithComponent(log, "fallback-engine"))
		if err != nil {
			log.Warn().Err(err).Msg("hakurunner: systemd fallback unavailable; container_env_name=NONE orders will be rejected")
		} else {
			fallback = fb
			defer fallback.Close()
		}
	}

	syncer := envsync.New(cfg.sharedRoot, eng)
	host := runneragent.NewHostHTTPClient(cfg.hostURL, cfg.hostTimeout)
	agent := runneragent.New(eng, fallback, syncer, host, logging.WithComponent(log, "agent"))

	collector := inventory.NewCollector()
	snap, err := collector.Sample(ctx)
	if err != nil {
		return err
	}
	if len(cfg.numaOverride) > 0 {
		snap.Numa = cfg.numaOverride
	}

	if err := host.RegisterWithRetry(ctx, runneragent.RegisterRequest{
		Hostname: cfg.hostname,
		Endpoint: cfg.endpoint,
		Snapshot: snap,
		GPUs:     cfg.gpus,
	}, logging.WithComponent(log, "registration")); err != nil {
		return err
	}
	log.Info().Str("hostname", cfg.hostname).Str("endpoint", cfg.endpoint).Msg("hakurunner: registered")

	go host.HeartbeatLoop(ctx, cfg.hostname, cfg.heartbeatEvery, collector, logging.WithComponent(log, "heartbeat"))

	httpServer := runneragent.NewServer(cfg.listenAddr, agent, logging.WithComponent(log, "http"))
	return httpServer.Run(ctx)
}


// parseNuma parses "domain:core,core,...;domain:core,..." into explicit
// NUMA domains, for multi-socket runners where inventory's single-domain
// default topology would be wrong.
func parseNuma(raw string) []model.NumaDomain {
	if raw == "" {
		return nil
	}
	var domains []model.NumaDomain
	for _, group := range strings.Split(raw, ";") {
		parts := strings.SplitN(group, ":", 2)
		if len(parts) != 2 {
			continue
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		var cores []int
		for _, c := range strings.Split(parts[1], ",") {
			if c == "" {
				continue
			}
			n, err := strconv.Atoi(c)
			if err != nil {
				continue
			}
			cores = append(cores, n)
		}
		domains = append(domains, model.NumaDomain{NumaID: id, Cores: cores})
	}
	return domains
}

// parseGPUs parses "id:model:driver:total_bytes,..." static GPU
// inventory entries, since no NVML binding is wired in (see inventory.go).
func parseGPUs(raw string) ([]model.GPU, error) {
	if raw == "" {
		return nil, nil
	}
	var gpus []model.GPU
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, &parseError{entry}
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, &parseError{entry}
		}
		totalMem, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, &parseError{entry}
		}
		gpus = append(gpus, model.GPU{
			GPUID:         id,
			Model:         parts[1],
			DriverVersion: parts[2],
			TotalMemory:   totalMem,
		})
	}
	return gpus, nil
}

type parseError struct{ entry string }

func (e *parseError) Error() string { return "malformed gpu entry: " + e.entry }
