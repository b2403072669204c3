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

// Package resolver implements the Target Resolver & Admission Controller
// (spec.md §4.4): parsing target strings, checking them against a
// consistent store snapshot, and materializing one task per target that
// passes.
package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/codepr/haku/internal/model"
)

// ParseTarget parses one target string per the grammar:
//
//	target   := hostname
//	          | hostname ':' numa_id
//	          | hostname ':' ':' gpu_list
//	gpu_list := integer (',' integer)*
func ParseTarget(raw string) (model.TargetSpec, error) {
	spec := model.TargetSpec{Raw: raw}

	if strings.Contains(raw, "::") {
		parts := strings.SplitN(raw, "::", 2)
		spec.Hostname = parts[0]
		if spec.Hostname == "" {
			return spec, fmt.Errorf("empty hostname in target %q", raw)
		}
		gpuStrs := strings.Split(parts[1], ",")
		gpus := make([]int, 0, len(gpuStrs))
		for _, g := range gpuStrs {
			id, err := strconv.Atoi(strings.TrimSpace(g))
			if err != nil {
				return spec, fmt.Errorf("invalid gpu id %q in target %q", g, raw)
			}
			gpus = append(gpus, id)
		}
		spec.GPUs = gpus
		return spec, nil
	}

	if idx := strings.IndexByte(raw, ':'); idx >= 0 {
		spec.Hostname = raw[:idx]
		if spec.Hostname == "" {
			return spec, fmt.Errorf("empty hostname in target %q", raw)
		}
		numaStr := raw[idx+1:]
		numaID, err := strconv.Atoi(numaStr)
		if err != nil {
			return spec, fmt.Errorf("invalid numa id %q in target %q", numaStr, raw)
		}
		spec.NumaID = &numaID
		return spec, nil
	}

	spec.Hostname = raw
	if spec.Hostname == "" {
		return spec, fmt.Errorf("empty target string")
	}
	return spec, nil
}
