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
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
)

// KmsVerifier verifies the key-management service at the root of the chain.
// The legacy flag selects the pre-0.5 registry shape, whose contract lacks
// the field-level getters; enrichment of kms-main is then skipped and
// relationship wiring degrades to object level.
type KmsVerifier struct {
	base
	legacy bool
}

// NewKmsVerifier builds the KMS verifier from discovered system info.
func NewKmsVerifier(si *appinfo.SystemInfo, meta Metadata, deps Deps) *KmsVerifier {
	return &KmsVerifier{
		base: newBase(
			dataobject.KindKms,
			"dstack KMS",
			si.KmsInfo.ContractAddress,
			si.KmsInfo.URL,
			si.KmsInfo.ChainID,
			"", // the KMS registry is not governed by another KMS
			meta,
			deps,
		),
		legacy: si.LegacyShape(),
	}
}

// Legacy reports whether the on-chain registry uses the pre-0.5 shape.
func (v *KmsVerifier) Legacy() bool { return v.legacy }

func (v *KmsVerifier) VerifyHardware(ctx context.Context) error {
	v.enrich(ctx)
	return v.base.VerifyHardware(ctx)
}

func (v *KmsVerifier) VerifyOperatingSystem(ctx context.Context) error {
	v.enrich(ctx)
	return v.base.VerifyOperatingSystem(ctx)
}

func (v *KmsVerifier) VerifySourceCode(ctx context.Context) error {
	v.enrich(ctx)
	return v.base.VerifySourceCode(ctx)
}

// enrich reads the registry bindings (gateway app id and the TEE-held CA
// public key) into kms-main. Best effort: a registry outage here should not
// sink the step that triggered it, the checks themselves will report it.
func (v *KmsVerifier) enrich(ctx context.Context) {
	if v.legacy {
		return
	}
	_ = v.cache.do("enrich", func() error {
		contract := common.HexToAddress(v.contract)
		fields := map[string]any{}

		if gwID, err := v.deps.Registry.GatewayAppID(ctx, v.chainID, contract); err == nil {
			fields["gateway_app_id"] = gwID
		} else {
			v.logger.V(1).Info("could not read gateway app id from registry", "error", err.Error())
		}
		if info, err := v.deps.Registry.KmsInfo(ctx, v.chainID, contract); err == nil {
			fields["cert_pubkey"] = "0x" + hex.EncodeToString(info.CAPubkey)
			fields["k256_pubkey"] = "0x" + hex.EncodeToString(info.K256Pubkey)
		} else {
			v.logger.V(1).Info("could not read kms info from registry", "error", err.Error())
		}

		if len(fields) > 0 {
			v.deps.Collector.Register(v.objID("main"), dataobject.DataObject{
				Name:   v.name,
				Kind:   v.kind,
				Fields: fields,
			})
		}
		return nil
	})
}
