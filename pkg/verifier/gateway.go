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
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/domain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
)

const defaultCTRetention = 90 * 24 * time.Hour

// GatewayVerifier verifies the TEE-controlled reverse proxy and the trust
// chain of its guarded domain: TEE-bound signing key, live certificate key,
// CAA issuance restriction, and CT-log history.
type GatewayVerifier struct {
	base
	guardedDomain  string
	acmeIssuer     string
	acmeAccountURI string
}

var _ DomainVerifier = (*GatewayVerifier)(nil)

// NewGatewayVerifier builds the gateway verifier. guardedDomain is the
// wildcard base domain the gateway terminates TLS for.
func NewGatewayVerifier(si *appinfo.SystemInfo, guardedDomain string, meta Metadata, deps Deps) *GatewayVerifier {
	contract := si.KmsInfo.GatewayAppID
	if contract != "" && !strings.HasPrefix(contract, "0x") {
		contract = "0x" + contract
	}
	v := &GatewayVerifier{
		base: newBase(
			dataobject.KindGateway,
			"dstack gateway",
			contract,
			si.KmsInfo.GatewayAppURL,
			si.KmsInfo.ChainID,
			si.KmsInfo.ContractAddress,
			meta,
			deps,
		),
		guardedDomain: guardedDomain,
	}
	v.acmeIssuer = v.meta.Str("acme_issuer")
	if v.acmeIssuer == "" {
		v.acmeIssuer = "letsencrypt.org"
	}
	v.acmeAccountURI = v.meta.Str("acme_account_uri")
	return v
}

// GuardedDomain returns the domain whose trust the gateway vouches for.
func (v *GatewayVerifier) GuardedDomain() string { return v.guardedDomain }

// VerifyTeeControlledKey asserts the gateway's certificate signing key is
// bound into its TEE quote via the report data.
func (v *GatewayVerifier) VerifyTeeControlledKey(ctx context.Context) error {
	return v.cache.do("teeControlledKey", func() error {
		info, err := v.fetchInfo(ctx)
		if err != nil {
			return err
		}
		quote, err := v.deps.Quotes.Decode(ctx, info.Quote)
		if err != nil {
			return err
		}
		pub, err := certPublicKey(info.AppCert)
		if err != nil {
			return errkind.Wrap(errkind.DomainUntrusted, "parsing gateway certificate", err)
		}
		if !tdx.ReportDataMatchesCert(quote.ReportData, pub) {
			return errkind.New(errkind.DomainUntrusted,
				"gateway certificate key is not bound to the TEE quote report data")
		}
		v.deps.Collector.Register(v.objID("main"), dataobject.DataObject{
			Kind:   v.kind,
			Fields: map[string]any{"cert_pubkey": info.AppCert},
		})
		return nil
	})
}

// VerifyCertificateKey asserts the certificate served live on the guarded
// domain carries the TEE-bound public key.
func (v *GatewayVerifier) VerifyCertificateKey(ctx context.Context) error {
	return v.cache.do("certificateKey", func() error {
		info, err := v.fetchInfo(ctx)
		if err != nil {
			return err
		}
		teePub, err := certPublicKey(info.AppCert)
		if err != nil {
			return errkind.Wrap(errkind.DomainUntrusted, "parsing gateway certificate", err)
		}
		live, err := v.deps.Prober.LiveCertificate(ctx, v.guardedDomain)
		if err != nil {
			return err
		}
		if !bytes.Equal(live.RawSubjectPublicKeyInfo, teePub) {
			return errkind.Newf(errkind.DomainUntrusted,
				"live certificate on %s does not carry the TEE-bound key", v.guardedDomain)
		}
		v.deps.Collector.Register(v.objID("main"), dataobject.DataObject{
			Kind: v.kind,
			Fields: map[string]any{
				"live_cert_serial":    live.SerialNumber.Text(16),
				"live_cert_not_after": live.NotAfter.UTC().Format(time.RFC3339),
			},
		})
		return nil
	})
}

// VerifyDNSCAA asserts the domain's CAA records restrict issuance to the
// gateway-controlled ACME account.
func (v *GatewayVerifier) VerifyDNSCAA(ctx context.Context) error {
	return v.cache.do("dnsCAA", func() error {
		records, err := v.deps.Prober.LookupCAA(ctx, v.guardedDomain)
		if err != nil {
			return err
		}
		values := make([]string, 0, len(records))
		for _, r := range records {
			values = append(values, r.Tag+" "+r.Value)
		}
		v.deps.Collector.Register(v.objID("main"), dataobject.DataObject{
			Kind:   v.kind,
			Fields: map[string]any{"dns_caa": values},
		})
		if !domain.RestrictsIssuance(records, v.acmeIssuer, v.acmeAccountURI) {
			return errkind.Newf(errkind.DomainUntrusted,
				"CAA records for %s do not restrict issuance to the gateway account", v.guardedDomain)
		}
		return nil
	})
}

// VerifyCTLog asserts the live certificate appears in the CT log and that no
// unexpected issuer shows up within the retention window.
func (v *GatewayVerifier) VerifyCTLog(ctx context.Context) error {
	return v.cache.do("ctLog", func() error {
		retention := v.deps.CTRetention
		if retention <= 0 {
			retention = defaultCTRetention
		}
		live, err := v.deps.Prober.LiveCertificate(ctx, v.guardedDomain)
		if err != nil {
			return err
		}
		entries, err := v.deps.Prober.CTLogEntries(ctx, v.guardedDomain, time.Now().Add(-retention))
		if err != nil {
			return err
		}

		liveSerial := live.SerialNumber.Text(16)
		found := false
		for _, e := range entries {
			if !strings.Contains(strings.ToLower(e.IssuerName), strings.ToLower(issuerOrg(v.acmeIssuer))) {
				return errkind.Newf(errkind.DomainUntrusted,
					"unexpected issuer %q for %s in CT log", e.IssuerName, v.guardedDomain)
			}
			if hexEqual(e.SerialNumber, liveSerial) {
				found = true
			}
		}
		if !found {
			return errkind.Newf(errkind.DomainUntrusted,
				"live certificate serial %s for %s not found in CT log", liveSerial, v.guardedDomain)
		}
		v.deps.Collector.Register(v.objID("main"), dataobject.DataObject{
			Kind:   v.kind,
			Fields: map[string]any{"ct_log_entries": len(entries)},
		})
		return nil
	})
}

// issuerOrg maps a CAA issuer domain to the organisation string CT logs
// record, e.g. "letsencrypt.org" -> "let's encrypt".
func issuerOrg(issuer string) string {
	switch issuer {
	case "letsencrypt.org":
		return "let's encrypt"
	default:
		if i := strings.Index(issuer, "."); i > 0 {
			return issuer[:i]
		}
		return issuer
	}
}
