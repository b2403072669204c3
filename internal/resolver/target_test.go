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

package resolver

import "testing"

func TestParseTargetHostnameOnly(t *testing.T) {
	spec, err := ParseTarget("node-a")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if spec.Hostname != "node-a" || spec.NumaID != nil || spec.GPUs != nil {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestParseTargetWithNuma(t *testing.T) {
	spec, err := ParseTarget("node-a:1")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if spec.Hostname != "node-a" || spec.NumaID == nil || *spec.NumaID != 1 {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestParseTargetWithGPUList(t *testing.T) {
	spec, err := ParseTarget("node-a::0,1,2")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if spec.Hostname != "node-a" || len(spec.GPUs) != 3 || spec.GPUs[2] != 2 {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestParseTargetRejectsEmptyHostname(t *testing.T) {
	cases := []string{"", ":1", "::0,1"}
	for _, raw := range cases {
		if _, err := ParseTarget(raw); err == nil {
			t.Errorf("ParseTarget(%q) expected error, got none", raw)
		}
	}
}

func TestParseTargetRejectsMalformedNuma(t *testing.T) {
	if _, err := ParseTarget("node-a:notanumber"); err == nil {
		t.Errorf("expected error for non-numeric numa id")
	}
}

func TestParseTargetRejectsMalformedGPUList(t *testing.T) {
	if _, err := ParseTarget("node-a::0,x"); err == nil {
		t.Errorf("expected error for non-numeric gpu id")
	}
}
