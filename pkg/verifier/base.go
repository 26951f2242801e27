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

package verifier

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-logr/logr"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/onchain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// base carries the state and checks shared by every chain position. The
// concrete verifiers embed it and add their own discovery and extras.
type base struct {
	kind     dataobject.Kind
	name     string
	contract string
	chainID  uint64
	endpoint string

	// expectedKmsID is the KMS contract governing the application set; the
	// source-code check asserts the app contract acknowledges it. Empty
	// skips the governance comparison (legacy registries).
	expectedKmsID string

	meta   Metadata
	deps   Deps
	logger logr.Logger

	cache resultCache

	mu   sync.Mutex
	info *appinfo.Info
}

func newBase(kind dataobject.Kind, name, contract, endpoint string, chainID uint64, expectedKmsID string, meta Metadata, deps Deps) base {
	if meta == nil {
		meta = Metadata{}
	}
	return base{
		kind:          kind,
		name:          name,
		contract:      contract,
		chainID:       chainID,
		endpoint:      endpoint,
		expectedKmsID: expectedKmsID,
		meta:          meta,
		deps:          deps,
		logger:        deps.Logger.WithName(string(kind) + "-verifier"),
	}
}

func (b *base) Kind() dataobject.Kind { return b.kind }

func (b *base) Metadata() Metadata { return b.meta }

func (b *base) objID(suffix string) dataobject.ObjectID {
	return dataobject.ObjectID(fmt.Sprintf("%s-%s", b.kind, suffix))
}

// fetchInfo retrieves the component's published evidence once per run and
// registers the main data object.
func (b *base) fetchInfo(ctx context.Context) (*appinfo.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.info != nil {
		return b.info, nil
	}
	info, err := b.deps.Info.GetInfo(ctx, b.endpoint)
	if err != nil {
		return nil, err
	}
	b.info = info

	b.deps.Collector.Register(b.objID("main"), dataobject.DataObject{
		Name:        b.name,
		Description: fmt.Sprintf("Live attestation evidence published by the %s", b.name),
		Kind:        b.kind,
		Fields: map[string]any{
			"app_id":      info.AppID,
			"instance_id": info.InstanceID,
			"app_cert":    info.AppCert,
			"device_id":   info.DeviceID,
			"endpoint":    b.endpoint,
			"contract_address": b.contract,
		},
	})
	return info, nil
}

// VerifyHardware checks the TDX quote signature and the report-data binding
// to the published certificate, registering the quote and CPU objects.
func (b *base) VerifyHardware(ctx context.Context) error {
	return b.cache.do("hardware", func() error { return b.verifyHardware(ctx) })
}

func (b *base) verifyHardware(ctx context.Context) error {
	info, err := b.fetchInfo(ctx)
	if err != nil {
		return err
	}

	res, err := b.deps.Quotes.Verify(ctx, info.Quote)
	if err != nil {
		return err
	}

	b.deps.Collector.Register(b.objID("quote"), dataobject.DataObject{
		Name:        b.name + " TDX quote",
		Description: "Signed attestation evidence emitted by the TEE",
		Kind:        b.kind,
		Fields: map[string]any{
			"mrtd":        res.Quote.MRTD,
			"rtmr0":       res.Quote.RTMR0,
			"rtmr1":       res.Quote.RTMR1,
			"rtmr2":       res.Quote.RTMR2,
			"rtmr3":       res.Quote.RTMR3,
			"report_data": res.Quote.ReportData,
			"tcb_status":  res.TCBStatus,
		},
	})

	status := "verified"
	var failure error
	if !res.Verified {
		status = "failed"
		failure = errkind.Newf(errkind.HardwareInvalid, "%s quote signature verification failed (tcb %s)", b.kind, res.TCBStatus)
	} else {
		pub, certErr := certPublicKey(info.AppCert)
		if certErr != nil {
			status = "failed"
			failure = errkind.Wrap(errkind.HardwareInvalid, "parsing published certificate", certErr)
		} else if !tdx.ReportDataMatchesCert(res.Quote.ReportData, pub) {
			status = "failed"
			failure = errkind.Newf(errkind.HardwareInvalid, "%s quote report data does not match certificate fingerprint", b.kind)
		}
	}

	b.deps.Collector.Register(b.objID("cpu"), dataobject.DataObject{
		Name:        b.name + " CPU",
		Description: "Hardware platform attested by the quote",
		Kind:        b.kind,
		Fields: map[string]any{
			"manufacturer":        "Intel Corporation",
			"model":               "Intel TDX",
			"security_feature":    "Trusted Execution Environment (TDX)",
			"verification_status": status,
		},
	})
	b.deps.Collector.LinkMeasuredBy(b.objID("quote"), b.objID("cpu"), dataobject.FieldLink{})

	return failure
}

// VerifyOperatingSystem replays the event log into RTMR values and compares
// them against the quote's registers.
func (b *base) VerifyOperatingSystem(ctx context.Context) error {
	return b.cache.do("os", func() error { return b.verifyOperatingSystem(ctx) })
}

func (b *base) verifyOperatingSystem(ctx context.Context) error {
	info, err := b.fetchInfo(ctx)
	if err != nil {
		return err
	}
	quote, err := b.deps.Quotes.Decode(ctx, info.Quote)
	if err != nil {
		return err
	}

	replayed, err := tdx.ReplayAll(info.TCBInfo.EventLog)
	if err != nil {
		return errkind.Wrap(errkind.OsMismatch, "replaying event log", err)
	}

	osID := b.objID("os")
	for i := 0; i < 4; i++ {
		entries := eventsForIMR(info.TCBInfo.EventLog, i)
		raw, _ := json.Marshal(entries)
		logID := dataobject.EventLogIMR(b.kind, i)
		b.deps.Collector.Register(logID, dataobject.DataObject{
			Name:        fmt.Sprintf("%s event log IMR%d", b.name, i),
			Description: "Ordered measurement events whose replay reproduces the register",
			Kind:        b.kind,
			Fields:      map[string]any{"event_log": string(raw)},
			Calculations: []dataobject.Calculation{
				{Inputs: []string{"event_log"}, Func: dataobject.CalcReplayRTMR, Outputs: []string{fmt.Sprintf("rtmr%d", i)}},
			},
		})
		b.deps.Collector.LinkMeasuredBy(logID, osID, dataobject.FieldLink{
			SourceCalcOutput: fmt.Sprintf("rtmr%d", i),
			SelfField:        fmt.Sprintf("rtmr%d", i),
		})
	}

	b.deps.Collector.Register(osID, dataobject.DataObject{
		Name:        b.name + " operating system",
		Description: "Measured boot state reproduced from the event log",
		Kind:        b.kind,
		Fields: map[string]any{
			"mrtd":      quote.MRTD,
			"rtmr0":     quote.RTMR0,
			"rtmr1":     quote.RTMR1,
			"rtmr2":     quote.RTMR2,
			"rtmr3":     quote.RTMR3,
			"vm_config": info.VMConfig,
		},
		Calculations: []dataobject.Calculation{
			{Inputs: []string{"vm_config"}, Func: dataobject.CalcSHA384, Outputs: []string{"rtmr0"}},
			{Inputs: []string{"kernel", "cmdline", "initrd"}, Func: dataobject.CalcSHA384, Outputs: []string{"rtmr1"}},
			{Inputs: []string{"rootfs"}, Func: dataobject.CalcSHA384, Outputs: []string{"rtmr2"}},
		},
		// Boot artifacts are not downloaded during a run; the rtmr1/rtmr2
		// calculations declare them so the graph records what would replay
		// those registers.
		AbsentFields: []string{"kernel", "cmdline", "initrd", "rootfs"},
	})
	b.deps.Collector.LinkMeasuredBy(b.objID("quote"), osID, dataobject.FieldLink{})

	if hash := info.TCBInfo.OSImageHash; hash != "" {
		b.deps.Collector.Register(b.objID("os-code"), dataobject.DataObject{
			Name:        b.name + " OS source",
			Description: "Reproducible build linking the OS image to its source",
			Kind:        b.kind,
			Fields: map[string]any{
				"repo":          "https://github.com/Dstack-TEE/meta-dstack",
				"version":       b.meta.Str("dstack_version"),
				"os_image_hash": hash,
			},
			Calculations: []dataobject.Calculation{
				{Inputs: []string{"repo", "version"}, Func: dataobject.CalcReproducibleBuild, Outputs: []string{"os_image_hash"}},
			},
		})
		b.deps.Collector.LinkMeasuredBy(b.objID("os-code"), osID, dataobject.FieldLink{
			SourceCalcOutput: "os_image_hash",
		})
	}

	for i := 0; i < 4; i++ {
		if !hexEqual(replayed[i], quote.RTMR(i)) {
			return errkind.Newf(errkind.OsMismatch,
				"%s rtmr%d replay mismatch: event log yields %s, quote holds %s",
				b.kind, i, replayed[i], quote.RTMR(i))
		}
	}
	return nil
}

// VerifySourceCode hashes the compose file, checks it against the RTMR3
// event log and the on-chain registry.
func (b *base) VerifySourceCode(ctx context.Context) error {
	return b.cache.do("sourceCode", func() error { return b.verifySourceCode(ctx) })
}

func (b *base) verifySourceCode(ctx context.Context) error {
	info, err := b.fetchInfo(ctx)
	if err != nil {
		return err
	}

	compose := info.ComposeFile()
	if compose == "" {
		return errkind.Newf(errkind.UpstreamUnavailable, "%s did not publish a compose file", b.kind)
	}
	sum := sha256.Sum256([]byte(compose))
	composeHash := hex.EncodeToString(sum[:])

	codeID := b.objID("code")
	b.deps.Collector.Register(codeID, dataobject.DataObject{
		Name:        b.name + " source code",
		Description: "Deployment manifest and its registry-acknowledged hash",
		Kind:        b.kind,
		Fields: map[string]any{
			"compose_file": compose,
			"compose_hash": composeHash,
		},
		Calculations: []dataobject.Calculation{
			{Inputs: []string{"compose_file"}, Func: dataobject.CalcSHA256, Outputs: []string{"compose_hash"}},
		},
	})
	b.deps.Collector.LinkMeasuredBy(b.objID("os"), codeID, dataobject.FieldLink{
		SourceField: "rtmr3",
		SelfField:   "compose_hash",
	})

	recorded, ok := tdx.FindEvent(info.TCBInfo.EventLog, "compose-hash")
	if !ok || !hexEqual(recorded, composeHash) {
		return errkind.Newf(errkind.RegistryMismatch,
			"%s compose hash %s not recorded in the RTMR3 event log", b.kind, composeHash)
	}

	hash32, err := onchain.ParseHash32(composeHash)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "packing compose hash", err)
	}
	contract := common.HexToAddress(b.contract)
	allowed, err := b.deps.Registry.AllowedComposeHash(ctx, b.chainID, contract, hash32)
	if err != nil {
		return err
	}
	if !allowed {
		return errkind.Newf(errkind.RegistryMismatch,
			"registry %s does not allow compose hash %s", b.contract, composeHash)
	}

	if b.expectedKmsID != "" {
		kmsID, err := b.deps.Registry.AllowedKmsID(ctx, b.chainID, contract)
		if err != nil {
			return err
		}
		if !kmsIDMatches(kmsID, b.expectedKmsID) {
			return errkind.Newf(errkind.RegistryMismatch,
				"registry %s is governed by kms %x, expected %s", b.contract, kmsID, b.expectedKmsID)
		}
	}
	return nil
}

func eventsForIMR(entries []tdx.EventLogEntry, imr int) []tdx.EventLogEntry {
	var out []tdx.EventLogEntry
	for _, e := range entries {
		if e.IMR == imr {
			out = append(out, e)
		}
	}
	return out
}

// certPublicKey extracts the DER-encoded SubjectPublicKeyInfo from a PEM
// certificate.
func certPublicKey(certPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return cert.RawSubjectPublicKeyInfo, nil
}

func hexEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(strings.ToLower(a), "0x"), strings.TrimPrefix(strings.ToLower(b), "0x"))
}

// kmsIDMatches compares a bytes32 KMS id against the expected KMS contract
// address (left-padded into the low 20 bytes).
func kmsIDMatches(id [32]byte, kmsContract string) bool {
	want := strings.TrimPrefix(strings.ToLower(kmsContract), "0x")
	got := hex.EncodeToString(id[:])
	if len(want) == 40 {
		return strings.EqualFold(got[24:], want)
	}
	return hexEqual(got, want)
}
