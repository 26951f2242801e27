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

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

// RedpillVerifier verifies a GPU-backed model-serving application. Beyond
// the common checks it attests the GPU through the NVIDIA service.
type RedpillVerifier struct {
	base
	model string
}

// NewRedpillVerifier builds the app verifier for a served model.
func NewRedpillVerifier(contractAddress, model, endpoint string, si *appinfo.SystemInfo, meta Metadata, deps Deps) *RedpillVerifier {
	return &RedpillVerifier{
		base: newBase(
			dataobject.KindApp,
			"confidential AI app",
			contractAddress,
			endpoint,
			si.KmsInfo.ChainID,
			si.KmsInfo.ContractAddress,
			meta,
			deps,
		),
		model: model,
	}
}

// Model returns the served model this verifier targets.
func (v *RedpillVerifier) Model() string { return v.model }

// VerifyHardware runs the common TDX checks and then attests the GPU.
func (v *RedpillVerifier) VerifyHardware(ctx context.Context) error {
	if err := v.base.VerifyHardware(ctx); err != nil {
		return err
	}
	return v.cache.do("gpu", func() error { return v.verifyGPU(ctx) })
}

func (v *RedpillVerifier) verifyGPU(ctx context.Context) error {
	req, err := v.deps.Info.GetGPUEvidence(ctx, v.endpoint)
	if err != nil {
		return err
	}
	verdict, err := v.deps.GPU.Attest(ctx, req.Nonce, req.EvidenceList, req.Arch)
	if err != nil {
		return err
	}

	v.deps.Collector.Register(dataobject.AppGPUQuote, dataobject.DataObject{
		Name:        "GPU attestation quote",
		Description: "Evidence submitted to the NVIDIA attestation service",
		Kind:        dataobject.KindApp,
		Fields: map[string]any{
			"nonce":  req.Nonce,
			"arch":   req.Arch,
			"gpus":   len(req.EvidenceList),
			"result": verdict.String(),
		},
	})

	status := "verified"
	if !verdict.Attested() {
		status = "failed"
	}
	v.deps.Collector.Register(dataobject.AppGPU, dataobject.DataObject{
		Name:        "application GPU",
		Description: "GPU attested through the NVIDIA attestation service",
		Kind:        dataobject.KindApp,
		Fields: map[string]any{
			"manufacturer":        "NVIDIA Corporation",
			"model":               req.Arch,
			"verification_status": status,
		},
	})
	v.deps.Collector.LinkMeasuredBy(dataobject.AppGPUQuote, dataobject.AppGPU, dataobject.FieldLink{})

	if !verdict.Attested() {
		return errkind.Newf(errkind.HardwareInvalid, "NVIDIA attestation rejected GPU evidence for model %s", v.model)
	}
	return nil
}

// PhalaCloudVerifier verifies a domain-based cloud application. The common
// capability set applies unchanged; the app exposes no GPU.
type PhalaCloudVerifier struct {
	base
	domain string
}

// NewPhalaCloudVerifier builds the app verifier for a deployed domain.
func NewPhalaCloudVerifier(contractAddress, appDomain, endpoint string, si *appinfo.SystemInfo, meta Metadata, deps Deps) *PhalaCloudVerifier {
	return &PhalaCloudVerifier{
		base: newBase(
			dataobject.KindApp,
			"Phala Cloud app",
			contractAddress,
			endpoint,
			si.KmsInfo.ChainID,
			si.KmsInfo.ContractAddress,
			meta,
			deps,
		),
		domain: appDomain,
	}
}

// Domain returns the deployed domain this verifier targets.
func (v *PhalaCloudVerifier) Domain() string { return v.domain }
