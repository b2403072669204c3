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

package runneragent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/codepr/haku/internal/inventory"
	"github.com/codepr/haku/internal/model"
	"github.com/codepr/haku/internal/wire"
)

// HostHTTPClient implements HostClient against the host's control
// surface over plain net/http, mirroring internal/runnerclient's style
// on the opposite side of the wire.
type HostHTTPClient struct {
	hostURL string
	http    *http.Client
}

func NewHostHTTPClient(hostURL string, timeout time.Duration) *HostHTTPClient {
	return &HostHTTPClient{hostURL: hostURL, http: &http.Client{Timeout: timeout}}
}

func (c *HostHTTPClient) IngestStatus(ctx context.Context, req wire.StatusIngestRequest) error {
	return c.postJSON(ctx, "/status", req)
}

// RegisterRequest describes this node's static identity and topology,
// used once at startup and again whenever the retry loop is restarted.
type RegisterRequest struct {
	Hostname string
	Endpoint string
	Snapshot inventory.Snapshot
	GPUs     []model.GPU
}

// Register posts this node's identity once. Callers use RegisterWithRetry
// for the backoff loop spec.md §4.8 requires at startup.
func (c *HostHTTPClient) Register(ctx context.Context, req RegisterRequest) error {
	numa := make([]wire.NumaDomain, 0, len(req.Snapshot.Numa))
	for _, d := range req.Snapshot.Numa {
		numa = append(numa, wire.NumaDomain{NumaID: d.NumaID, Cores: d.Cores, MemoryBytes: d.MemoryBytes})
	}
	gpus := make([]wire.GPU, 0, len(req.GPUs))
	for _, g := range req.GPUs {
		gpus = append(gpus, wire.GPU{GPUID: g.GPUID, Model: g.Model, DriverVersion: g.DriverVersion, TotalMemory: g.TotalMemory})
	}
	return c.postJSON(ctx, "/register", wire.RegisterNodeRequest{
		Hostname:    req.Hostname,
		Endpoint:    req.Endpoint,
		TotalCores:  req.Snapshot.TotalCores,
		TotalMemory: req.Snapshot.TotalMemory,
		Numa:        numa,
		GPUs:        gpus,
	})
}

// RegisterWithRetry retries Register with exponential backoff (base 1s,
// ceiling 30s) until it succeeds or ctx is cancelled, per spec.md §4.8's
// "retrying with backoff until success".
func (c *HostHTTPClient) RegisterWithRetry(ctx context.Context, req RegisterRequest, log zerolog.Logger) error {
	const base = time.Second
	const ceiling = 30 * time.Second
	for attempt := 0; ; attempt++ {
		if err := c.Register(ctx, req); err == nil {
			return nil
		} else {
			log.Warn().Int("attempt", attempt+1).Err(err).Msg("runneragent: registration failed, retrying")
		}
		backoff := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
		if backoff > ceiling {
			backoff = ceiling
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Heartbeat posts a liveness ping with the live resource/GPU telemetry
// snapshot (spec.md §4.7).
func (c *HostHTTPClient) Heartbeat(ctx context.Context, hostname string, snap inventory.Snapshot, gpuTelemetry []model.GPUTelemetry) error {
	telemetry := make([]wire.GPUTelemetry, 0, len(gpuTelemetry))
	for _, t := range gpuTelemetry {
		telemetry = append(telemetry, wire.GPUTelemetry{
			GPUID: t.GPUID, UtilizationPct: t.UtilizationPct, MemoryUsedBytes: t.MemoryUsedBytes,
			TemperatureC: t.TemperatureC, PowerWatts: t.PowerWatts,
		})
	}
	return c.postJSON(ctx, "/heartbeat", wire.HeartbeatRequest{
		Hostname: hostname, CPUPercent: snap.CPUPercent, MemPercent: snap.MemPercent, GPUTelemetry: telemetry,
	})
}

// HeartbeatLoop sends a heartbeat every interval until ctx is cancelled;
// sampling errors are logged and skipped rather than terminating the
// loop, since a single bad sample shouldn't look like a dead node.
func (c *HostHTTPClient) HeartbeatLoop(ctx context.Context, hostname string, interval time.Duration, collector *inventory.Collector, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap, err := collector.Sample(ctx)
			if err != nil {
				log.Error().Err(err).Msg("runneragent: resource sample failed")
				continue
			}
			if err := c.Heartbeat(ctx, hostname, snap, nil); err != nil {
				log.Warn().Err(err).Msg("runneragent: heartbeat post failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *HostHTTPClient) postJSON(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.hostURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("host responded %d", resp.StatusCode)
	}
	return nil
}
