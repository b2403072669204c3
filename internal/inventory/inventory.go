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

// Package inventory is the runner-side Resource Inventory: it samples
// local CPU, memory and NUMA topology. The runner agent reports core
// count, total memory and NUMA topology at registration; each heartbeat
// carries only the CPU and memory percentages, not the NUMA topology
// (spec.md §4.3's sibling, the node-topology half of §3.1).
package inventory

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/codepr/haku/internal/model"
)

// Snapshot is one point-in-time read of the node's resource state.
type Snapshot struct {
	TotalCores  int
	TotalMemory int64
	CPUPercent  float64
	MemPercent  float64
	Numa        []model.NumaDomain
}

// Collector samples host resource usage via gopsutil. GPU enumeration
// is intentionally not part of this type: no NVML binding is wired into
// haku's dependency set (see DESIGN.md), so GPU inventory is supplied
// out of band by whatever static configuration the runner is started
// with, and only its live telemetry fields are left for a future NVML
// integration to populate.
type Collector struct{}

func NewCollector() *Collector { return &Collector{} }

// Sample reads instantaneous CPU and memory utilization and reports the
// machine's logical core count and total memory.
func (c *Collector) Sample(ctx context.Context) (Snapshot, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, err
	}
	cpuPercent := 0.0
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		TotalCores:  runtime.NumCPU(),
		TotalMemory: int64(vmem.Total),
		CPUPercent:  cpuPercent,
		MemPercent:  vmem.UsedPercent,
		Numa:        c.numaTopology(),
	}, nil
}

// numaTopology always reports a single domain spanning every logical
// core; it does not read the host's NUMA layout from sysfs. A
// multi-socket runner overrides this by passing an explicit topology at
// startup (see cmd/hakurunner's -numa-topology flag).
func (c *Collector) numaTopology() []model.NumaDomain {
	cores := make([]int, runtime.NumCPU())
	for i := range cores {
		cores[i] = i
	}
	return []model.NumaDomain{{NumaID: 0, Cores: cores}}
}
