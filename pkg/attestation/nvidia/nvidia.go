/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package nvidia calls the NVIDIA Remote Attestation Service (NRAS) to
// verify GPU attestation evidence.
package nvidia

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sony/gobreaker"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// DefaultAttestURL is the production NRAS GPU attestation endpoint.
const DefaultAttestURL = "https://nras.attestation.nvidia.com/v3/attest/gpu"

// Evidence is one GPU's attestation evidence entry.
type Evidence struct {
	Certificate string `json:"certificate"`
	Evidence    string `json:"evidence"`
}

// Request is the NRAS attestation request body.
type Request struct {
	Nonce        string     `json:"nonce"`
	EvidenceList []Evidence `json:"evidence_list"`
	Arch         string     `json:"arch"`
}

// Verdict is the NRAS response. The overall token attests the whole
// submission; per-GPU detail arrives in the divergent claims list.
type Verdict struct {
	OverallResult bool              `json:"overall_result,omitempty"`
	JWTToken      string            `json:"jwt_token,omitempty"`
	Detached      map[string]any    `json:"detached_claims,omitempty"`
	Raw           map[string]any    `json:"-"`
}

// Client posts evidence to NRAS. A circuit breaker sheds load when the
// service degrades instead of stalling verification workers.
type Client struct {
	rc      *resty.Client
	url     string
	breaker *gobreaker.CircuitBreaker
	logger  logr.Logger
}

// NewClient creates an NRAS client. An empty url selects the production
// endpoint.
func NewClient(url string, timeout time.Duration, logger logr.Logger) *Client {
	if url == "" {
		url = DefaultAttestURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rc := resty.NewWithClient(cleanhttp.DefaultPooledClient()).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &Client{
		rc:  rc,
		url: url,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "nvidia-nras",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: logger.WithName("nvidia"),
	}
}

// Attest submits {nonce, evidence_list, arch} and returns the verdict.
func (c *Client) Attest(ctx context.Context, nonce string, evidence []Evidence, arch string) (*Verdict, error) {
	if arch == "" {
		arch = "HOPPER"
	}
	body := Request{Nonce: nonce, EvidenceList: evidence, Arch: arch}

	res, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.rc.R().
			SetContext(ctx).
			SetBody(body).
			Post(c.url)
		if err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "posting GPU evidence to NRAS", err)
		}
		if resp.IsError() {
			return nil, errkind.Newf(errkind.UpstreamUnavailable,
				"NRAS returned %d: %s", resp.StatusCode(), resp.String())
		}
		var verdict Verdict
		if err := json.Unmarshal(resp.Body(), &verdict); err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "parsing NRAS response", err)
		}
		return &verdict, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "NRAS circuit open", err)
		}
		return nil, err
	}

	verdict := res.(*Verdict)
	c.logger.V(1).Info("NRAS attestation completed",
		"nonce", nonce,
		"gpus", len(evidence),
		"overall_result", verdict.OverallResult)
	return verdict, nil
}

// Attested reports whether the verdict vouches for the evidence. NRAS v3
// responses carry either the boolean or a JWT whose presence implies success.
func (v *Verdict) Attested() bool {
	if v == nil {
		return false
	}
	if v.OverallResult {
		return true
	}
	return v.JWTToken != ""
}

// String summarises the verdict for data-object fields.
func (v *Verdict) String() string {
	return fmt.Sprintf("overall_result=%t", v.Attested())
}
