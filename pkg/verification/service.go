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

// Package verification orchestrates a full verification run: discovery,
// the KMS -> gateway -> app verifier chain, relationship wiring, and the
// final report.
package verification

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

// Config bundles the shared adapters a Service composes into per-run verifier
// chains. All adapters are safe for concurrent use.
type Config struct {
	Discoverer  verifier.Discoverer
	Quotes      verifier.QuoteTool
	GPU         verifier.GPUAttestor
	Registry    verifier.RegistryReader
	Info        verifier.InfoFetcher
	Prober      verifier.DomainProber
	CTRetention time.Duration
	Logger      logr.Logger
}

// Service runs verifications. It is stateless between runs; each run owns a
// fresh collector, so concurrent Verify calls never share mutable state.
type Service struct {
	cfg Config
	log logr.Logger
}

// NewService creates a verification service.
func NewService(cfg Config) *Service {
	return &Service{cfg: cfg, log: cfg.Logger.WithName("verification")}
}

// ReportError is one failed check, identified by its stable error code.
type ReportError struct {
	Component string `json:"component"`
	Check     string `json:"check"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Report is the outcome of a verification run. DataObjects holds the
// measurement graph; Success is true only when every selected check passed.
type Report struct {
	DataObjects []dataobject.DataObject `json:"data_objects"`
	Errors      []ReportError           `json:"errors,omitempty"`
	Success     bool                    `json:"success"`
	CompletedAt string                  `json:"completed_at"`
}

type step struct {
	name    string
	enabled bool
	run     func(context.Context) error
}

// Verify runs the selected checks against the configured target. Discovery
// or chain-construction failure aborts with an error; individual check
// failures are recorded in the report and the run continues.
func (s *Service) Verify(ctx context.Context, appCfg verifier.AppConfig, flags Flags) (*Report, error) {
	si, err := verifier.Discover(ctx, s.cfg.Discoverer, appCfg)
	if err != nil {
		return nil, err
	}

	collector := dataobject.NewCollector()
	chain, err := verifier.BuildChain(appCfg, si, verifier.Deps{
		Quotes:      s.cfg.Quotes,
		GPU:         s.cfg.GPU,
		Registry:    s.cfg.Registry,
		Info:        s.cfg.Info,
		Prober:      s.cfg.Prober,
		Collector:   collector,
		Logger:      s.cfg.Logger,
		CTRetention: s.cfg.CTRetention,
	})
	if err != nil {
		return nil, err
	}

	var errs []ReportError
	for _, v := range chain {
		steps := []step{
			{"hardware", flags.Hardware, v.VerifyHardware},
			{"operating_system", flags.OperatingSystem, v.VerifyOperatingSystem},
			{"source_code", flags.SourceCode, v.VerifySourceCode},
		}
		if dv, ok := v.(verifier.DomainVerifier); ok {
			steps = append(steps,
				step{"tee_controlled_key", flags.TeeControlledKey, dv.VerifyTeeControlledKey},
				step{"certificate_key", flags.CertificateKey, dv.VerifyCertificateKey},
				step{"dns_caa", flags.DnsCAA, dv.VerifyDNSCAA},
				step{"ct_log", flags.CTLog, dv.VerifyCTLog},
			)
		}
		for _, st := range steps {
			if !st.enabled {
				continue
			}
			if err := st.run(ctx); err != nil {
				if kindErr := ctx.Err(); kindErr != nil {
					return nil, errkind.Wrap(errkind.DeadlineExceeded, "verification interrupted", kindErr)
				}
				s.log.Info("check failed",
					"component", string(v.Kind()),
					"check", st.name,
					"code", string(errkind.KindOf(err)),
					"error", err.Error())
				errs = append(errs, ReportError{
					Component: string(v.Kind()),
					Check:     st.name,
					Code:      string(errkind.KindOf(err)),
					Message:   err.Error(),
				})
			}
		}
	}

	collector.ConfigureRelationships(crossComponentEdges(si.LegacyShape()))

	report := &Report{
		DataObjects: collector.Snapshot(),
		Errors:      errs,
		Success:     len(errs) == 0,
		CompletedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := dataobject.Validate(report.DataObjects); err != nil {
		return nil, errkind.Wrap(errkind.Internal, "report graph is inconsistent", err)
	}
	return report, nil
}

// crossComponentEdges wires the fixed trust edges between chain positions:
// the KMS registry names the gateway, and the KMS CA key signs the gateway
// and app certificates. Legacy registries lack the field-level getters, so
// the edges degrade to object level.
func crossComponentEdges(legacy bool) []dataobject.Relationship {
	if legacy {
		return []dataobject.Relationship{
			{Source: dataobject.KmsMain, Target: dataobject.GatewayMain},
			{Source: dataobject.KmsMain, Target: dataobject.AppMain},
		}
	}
	return []dataobject.Relationship{
		{Source: dataobject.KmsMain, Target: dataobject.GatewayMain, SourceField: "gateway_app_id", TargetField: "app_id"},
		{Source: dataobject.KmsMain, Target: dataobject.GatewayMain, SourceField: "cert_pubkey", TargetField: "app_cert"},
		{Source: dataobject.KmsMain, Target: dataobject.AppMain, SourceField: "cert_pubkey", TargetField: "app_cert"},
	}
}
