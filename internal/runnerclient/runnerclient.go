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

// Package runnerclient is the host-side HTTP client used by the
// dispatcher to reach a runner's control surface.
package runnerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/codepr/haku/internal/wire"
)

// Client is a thin wrapper over net/http with the per-attempt dispatch
// timeout baked in, matching spec.md §9's cancellation note.
type Client struct {
	http *http.Client
}

func New(attemptTimeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: attemptTimeout}}
}

func (c *Client) Dispatch(ctx context.Context, endpoint string, order wire.DispatchOrder) (wire.DispatchAck, error) {
	var ack wire.DispatchAck
	if err := c.postJSON(ctx, endpoint+"/run", order, &ack); err != nil {
		return wire.DispatchAck{}, err
	}
	return ack, nil
}

func (c *Client) Kill(ctx context.Context, endpoint string, taskID int64) error {
	return c.postJSON(ctx, endpoint+"/kill", wire.LifecycleRequest{TaskID: taskID}, nil)
}

func (c *Client) Pause(ctx context.Context, endpoint string, taskID int64) error {
	return c.postJSON(ctx, endpoint+"/pause", wire.LifecycleRequest{TaskID: taskID}, nil)
}

func (c *Client) Resume(ctx context.Context, endpoint string, taskID int64) error {
	return c.postJSON(ctx, endpoint+"/resume", wire.LifecycleRequest{TaskID: taskID}, nil)
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
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
		return fmt.Errorf("runner responded %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
