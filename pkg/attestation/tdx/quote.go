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

// Package tdx decodes and verifies Intel TDX quotes through the bundled
// command-line verifier, and replays event logs into RTMR values.
package tdx

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"

	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// Quote carries the measurement registers decoded from a TDX quote.
type Quote struct {
	MRTD       string `json:"mr_td"`
	RTMR0      string `json:"rtmr0"`
	RTMR1      string `json:"rtmr1"`
	RTMR2      string `json:"rtmr2"`
	RTMR3      string `json:"rtmr3"`
	ReportData string `json:"report_data"`
	MrSeam     string `json:"mr_seam"`
	TDAttributes string `json:"td_attributes"`
	XFAM       string `json:"xfam"`
	FMSPC      string `json:"fmspc,omitempty"`
}

// RTMR returns register i (0..3).
func (q *Quote) RTMR(i int) string {
	switch i {
	case 0:
		return q.RTMR0
	case 1:
		return q.RTMR1
	case 2:
		return q.RTMR2
	case 3:
		return q.RTMR3
	}
	return ""
}

// VerifyResult is the outcome of a signature verification.
type VerifyResult struct {
	Verified  bool   `json:"verified"`
	TCBStatus string `json:"tcb_status"`
	Advisories []string `json:"advisory_ids,omitempty"`
	Quote     Quote  `json:"quote"`
}

// Tool runs the external dstack quote verifier. Quote material is written to
// a per-call temp directory so concurrent runs never share files. A small
// semaphore bounds the number of subprocesses in flight.
type Tool struct {
	binPath string
	logger  logr.Logger
	sem     chan struct{}
}

// NewTool creates a quote tool runner. maxProcs bounds concurrent
// subprocess invocations; values below 1 default to 4.
func NewTool(binPath string, maxProcs int, logger logr.Logger) *Tool {
	if maxProcs < 1 {
		maxProcs = 4
	}
	return &Tool{
		binPath: binPath,
		logger:  logger.WithName("tdx-tool"),
		sem:     make(chan struct{}, maxProcs),
	}
}

// Decode runs `decode --hex <file>` on a hex-encoded quote and parses the
// JSON emitted on stdout.
func (t *Tool) Decode(ctx context.Context, quoteHex string) (*Quote, error) {
	var q Quote
	if err := t.run(ctx, quoteHex, &q, "decode", "--hex"); err != nil {
		return nil, err
	}
	return &q, nil
}

// DecodeFMSPC runs `decode --hex --fmspc <file>` to additionally extract the
// platform FMSPC from the quote's certification data.
func (t *Tool) DecodeFMSPC(ctx context.Context, quoteHex string) (*Quote, error) {
	var q Quote
	if err := t.run(ctx, quoteHex, &q, "decode", "--hex", "--fmspc"); err != nil {
		return nil, err
	}
	return &q, nil
}

// Verify runs `verify --hex <file>`: full signature and TCB verification
// against the Intel PCS collateral bundled with the tool.
func (t *Tool) Verify(ctx context.Context, quoteHex string) (*VerifyResult, error) {
	var res VerifyResult
	if err := t.run(ctx, quoteHex, &res, "verify", "--hex"); err != nil {
		return nil, err
	}
	return &res, nil
}

func (t *Tool) run(ctx context.Context, quoteHex string, out any, args ...string) error {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	dir, err := os.MkdirTemp("", "tdx-quote-*")
	if err != nil {
		return errkind.Wrap(errkind.Internal, "creating quote temp dir", err)
	}
	defer os.RemoveAll(dir)

	file := filepath.Join(dir, "quote.hex")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(quoteHex)), 0o600); err != nil {
		return errkind.Wrap(errkind.Internal, "writing quote file", err)
	}

	cmd := exec.CommandContext(ctx, t.binPath, append(args, file)...)
	cmd.Dir = dir
	stdout, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		stderr := ""
		if ok := asExitError(err, &exitErr); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		t.logger.Error(err, "quote tool failed", "args", args, "stderr", stderr)
		return errkind.Wrap(errkind.UpstreamUnavailable,
			fmt.Sprintf("quote tool %s failed: %s", args[0], stderr), err)
	}

	if err := json.Unmarshal(stdout, out); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "parsing quote tool output", err)
	}
	return nil
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// ReportDataMatchesCert reports whether a quote's report data embeds the
// certificate public key: report_data == sha512(cert_pubkey). Comparison is
// case-insensitive on hex, tolerating an 0x prefix on either side.
func ReportDataMatchesCert(reportData string, certPubkey []byte) bool {
	sum := sha512.Sum512(certPubkey)
	want := hex.EncodeToString(sum[:])
	got := strings.TrimPrefix(strings.ToLower(reportData), "0x")
	return strings.EqualFold(got, want)
}
