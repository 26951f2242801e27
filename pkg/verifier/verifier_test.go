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

package verifier_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/dstack-tee/dstack-verifier/pkg/attestation/appinfo"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/domain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/nvidia"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/onchain"
	"github.com/dstack-tee/dstack-verifier/pkg/attestation/tdx"
	"github.com/dstack-tee/dstack-verifier/pkg/dataobject"
	"github.com/dstack-tee/dstack-verifier/pkg/errkind"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

func TestVerifier(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Verifier Chain Suite")
}

const (
	kmsContract     = "0x1111111111111111111111111111111111111111"
	appContract     = "0x2222222222222222222222222222222222222222"
	gatewayAppID    = "3333333333333333333333333333333333333333"
	guardedDomain   = "app.example.com"
	composeManifest = "services:\n  app:\n    image: dstack/app:1.0\n"
)

type fakeQuotes struct {
	quote       *tdx.Quote
	verified    bool
	verifyCalls int
}

func (f *fakeQuotes) Decode(context.Context, string) (*tdx.Quote, error) {
	q := *f.quote
	return &q, nil
}

func (f *fakeQuotes) Verify(context.Context, string) (*tdx.VerifyResult, error) {
	f.verifyCalls++
	q := *f.quote
	return &tdx.VerifyResult{Verified: f.verified, TCBStatus: "UpToDate", Quote: q}, nil
}

type fakeGPU struct {
	verdict *nvidia.Verdict
}

func (f *fakeGPU) Attest(context.Context, string, []nvidia.Evidence, string) (*nvidia.Verdict, error) {
	return f.verdict, nil
}

type fakeRegistry struct {
	denyHash     bool
	kmsID        [32]byte
	gatewayAppID string
	kmsInfo      *onchain.KmsInfo
}

func (f *fakeRegistry) AllowedComposeHash(context.Context, uint64, common.Address, [32]byte) (bool, error) {
	return !f.denyHash, nil
}

func (f *fakeRegistry) AllowedKmsID(context.Context, uint64, common.Address) ([32]byte, error) {
	return f.kmsID, nil
}

func (f *fakeRegistry) GatewayAppID(context.Context, uint64, common.Address) (string, error) {
	return f.gatewayAppID, nil
}

func (f *fakeRegistry) KmsInfo(context.Context, uint64, common.Address) (*onchain.KmsInfo, error) {
	return f.kmsInfo, nil
}

type fakeInfo struct {
	info      *appinfo.Info
	gpuReq    *nvidia.Request
	endpoints []string
}

func (f *fakeInfo) GetInfo(_ context.Context, endpoint string) (*appinfo.Info, error) {
	f.endpoints = append(f.endpoints, endpoint)
	return f.info, nil
}

func (f *fakeInfo) GetGPUEvidence(context.Context, string) (*nvidia.Request, error) {
	return f.gpuReq, nil
}

type fakeProber struct {
	caa     []domain.CAARecord
	entries []domain.CTEntry
	cert    *x509.Certificate
}

func (f *fakeProber) LookupCAA(context.Context, string) ([]domain.CAARecord, error) {
	return f.caa, nil
}

func (f *fakeProber) CTLogEntries(context.Context, string, time.Time) ([]domain.CTEntry, error) {
	return f.entries, nil
}

func (f *fakeProber) LiveCertificate(context.Context, string) (*x509.Certificate, error) {
	return f.cert, nil
}

func extend(reg, digest []byte) []byte {
	h := sha512.New384()
	h.Write(reg)
	h.Write(digest)
	return h.Sum(nil)
}

func selfSigned(serial int64) (string, *x509.Certificate) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: guardedDomain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).NotTo(HaveOccurred())
	pemStr := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return pemStr, cert
}

type fixture struct {
	si        *appinfo.SystemInfo
	cfg       verifier.AppConfig
	deps      verifier.Deps
	quotes    *fakeQuotes
	registry  *fakeRegistry
	info      *fakeInfo
	prober    *fakeProber
	gpu       *fakeGPU
	collector *dataobject.Collector
}

// newFixture builds a self-consistent target: event-log replay matches the
// quote registers, report data matches the published certificate, and the
// compose hash is both recorded in the log and allowed on-chain.
func newFixture() *fixture {
	certPEM, cert := selfSigned(0x1b2d)

	reportSum := sha512.Sum512(cert.RawSubjectPublicKeyInfo)
	composeSum := sha256.Sum256([]byte(composeManifest))
	composeHash := hex.EncodeToString(composeSum[:])

	digest := func(s string) string {
		d := sha512.Sum384([]byte(s))
		return hex.EncodeToString(d[:])
	}
	events := []tdx.EventLogEntry{
		{IMR: 0, EventType: 1, Digest: digest("firmware"), Event: ""},
		{IMR: 1, EventType: 1, Digest: digest("kernel"), Event: ""},
		{IMR: 2, EventType: 1, Digest: digest("rootfs"), Event: ""},
		{IMR: 3, EventType: 134217729, Digest: digest("compose-hash:" + composeHash), Event: "compose-hash", EventPayload: composeHash},
	}
	replay := func(imr int) string {
		reg := make([]byte, 48)
		for _, e := range events {
			if e.IMR != imr {
				continue
			}
			raw, _ := hex.DecodeString(e.Digest)
			reg = extend(reg, raw)
		}
		return hex.EncodeToString(reg)
	}

	quote := &tdx.Quote{
		MRTD:       digest("mrtd"),
		RTMR0:      replay(0),
		RTMR1:      replay(1),
		RTMR2:      replay(2),
		RTMR3:      replay(3),
		ReportData: hex.EncodeToString(reportSum[:]),
	}

	si := &appinfo.SystemInfo{AppURL: "https://" + guardedDomain}
	si.KmsInfo.ContractAddress = kmsContract
	si.KmsInfo.ChainID = 8453
	si.KmsInfo.GatewayAppID = gatewayAppID
	si.KmsInfo.GatewayAppURL = "https://gateway.example.com"
	si.KmsInfo.URL = "https://kms.example.com"
	si.KmsInfo.Version = "0.5.3"

	var kmsID [32]byte
	copy(kmsID[12:], common.HexToAddress(kmsContract).Bytes())

	f := &fixture{
		si:  si,
		cfg: verifier.AppConfig{ContractAddress: appContract, Domain: guardedDomain},
		quotes: &fakeQuotes{
			quote:    quote,
			verified: true,
		},
		registry: &fakeRegistry{
			kmsID:        kmsID,
			gatewayAppID: gatewayAppID,
			kmsInfo: &onchain.KmsInfo{
				K256Pubkey: []byte{0x04, 0x01},
				CAPubkey:   []byte{0x04, 0x02},
			},
		},
		info: &fakeInfo{
			info: &appinfo.Info{
				AppID:      "a1b2c3",
				InstanceID: "i-0001",
				AppCert:    certPEM,
				Quote:      "0xdeadbeef",
				TCBInfo: appinfo.TCBInfo{
					Mrtd:        quote.MRTD,
					Rtmr0:       quote.RTMR0,
					Rtmr1:       quote.RTMR1,
					Rtmr2:       quote.RTMR2,
					Rtmr3:       quote.RTMR3,
					OSImageHash: digest("os-image"),
					AppCompose:  composeManifest,
					EventLog:    events,
				},
				VMConfig: `{"cpu_count":4}`,
			},
			gpuReq: &nvidia.Request{
				Nonce:        "6e6f6e6365",
				EvidenceList: []nvidia.Evidence{{Certificate: "cert", Evidence: "payload"}},
				Arch:         "HOPPER",
			},
		},
		prober: &fakeProber{
			caa: []domain.CAARecord{{Tag: "issue", Value: "letsencrypt.org"}},
			entries: []domain.CTEntry{
				{ID: 1, IssuerName: "C=US, O=Let's Encrypt, CN=R11", SerialNumber: "1b2d"},
			},
			cert: cert,
		},
		gpu:       &fakeGPU{verdict: &nvidia.Verdict{OverallResult: true, JWTToken: "token"}},
		collector: dataobject.NewCollector(),
	}
	f.deps = verifier.Deps{
		Quotes:    f.quotes,
		GPU:       f.gpu,
		Registry:  f.registry,
		Info:      f.info,
		Prober:    f.prober,
		Collector: f.collector,
		Logger:    logr.Discard(),
	}
	return f
}

func (f *fixture) chain() []verifier.Verifier {
	chain, err := verifier.BuildChain(f.cfg, f.si, f.deps)
	Expect(err).NotTo(HaveOccurred())
	return chain
}

func snapshotFields(c *dataobject.Collector, id dataobject.ObjectID) map[string]any {
	for _, obj := range c.Snapshot() {
		if obj.ID == id {
			return obj.Fields
		}
	}
	return nil
}

var _ = Describe("AppConfig", func() {
	It("rejects a config with neither model nor domain", func() {
		err := verifier.AppConfig{ContractAddress: appContract}.Validate()
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})

	It("rejects a config with both model and domain", func() {
		err := verifier.AppConfig{ContractAddress: appContract, Model: "m", Domain: "d"}.Validate()
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})

	It("rejects a config without a contract address", func() {
		err := verifier.AppConfig{Model: "m"}.Validate()
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})

	It("accepts each of the two variants", func() {
		Expect(verifier.AppConfig{ContractAddress: appContract, Model: "m"}.Validate()).To(Succeed())
		Expect(verifier.AppConfig{ContractAddress: appContract, Domain: "d"}.Validate()).To(Succeed())
	})
})

var _ = Describe("BuildChain", func() {
	It("orders the chain KMS, gateway, app", func() {
		f := newFixture()
		chain := f.chain()
		Expect(chain).To(HaveLen(3))
		Expect(chain[0].Kind()).To(Equal(dataobject.KindKms))
		Expect(chain[1].Kind()).To(Equal(dataobject.KindGateway))
		Expect(chain[2].Kind()).To(Equal(dataobject.KindApp))
	})

	It("guards the configured domain for a phala_cloud app", func() {
		f := newFixture()
		chain := f.chain()
		gw, ok := chain[1].(*verifier.GatewayVerifier)
		Expect(ok).To(BeTrue())
		Expect(gw.GuardedDomain()).To(Equal(guardedDomain))
	})

	It("guards the gateway host for a redpill app", func() {
		f := newFixture()
		f.cfg = verifier.AppConfig{ContractAddress: appContract, Model: "phala/llama-3"}
		chain := f.chain()
		gw := chain[1].(*verifier.GatewayVerifier)
		Expect(gw.GuardedDomain()).To(Equal("gateway.example.com"))
		_, ok := chain[2].(*verifier.RedpillVerifier)
		Expect(ok).To(BeTrue())
	})

	It("fails when no application endpoint can be located", func() {
		f := newFixture()
		f.cfg = verifier.AppConfig{ContractAddress: appContract, Model: "phala/llama-3"}
		f.si.AppURL = ""
		_, err := verifier.BuildChain(f.cfg, f.si, f.deps)
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})
})

var _ = Describe("Chain verification", func() {
	var (
		f   *fixture
		ctx context.Context
	)

	BeforeEach(func() {
		f = newFixture()
		ctx = context.Background()
	})

	It("passes every check for a consistent target", func() {
		for _, v := range f.chain() {
			Expect(v.VerifyHardware(ctx)).To(Succeed())
			Expect(v.VerifyOperatingSystem(ctx)).To(Succeed())
			Expect(v.VerifySourceCode(ctx)).To(Succeed())
		}

		Expect(snapshotFields(f.collector, dataobject.KmsMain)).To(HaveKey("app_id"))
		Expect(snapshotFields(f.collector, dataobject.GatewayQuote)).To(HaveKey("rtmr3"))
		Expect(snapshotFields(f.collector, dataobject.AppCPU)).To(HaveKeyWithValue("verification_status", "verified"))
		Expect(snapshotFields(f.collector, dataobject.AppCode)).To(HaveKey("compose_hash"))
	})

	It("declares undownloaded boot artifacts absent on the OS object", func() {
		for _, v := range f.chain() {
			Expect(v.VerifyHardware(ctx)).To(Succeed())
			Expect(v.VerifyOperatingSystem(ctx)).To(Succeed())
		}

		for _, obj := range f.collector.Snapshot() {
			if obj.ID != dataobject.AppOS {
				continue
			}
			Expect(obj.AbsentFields).To(ContainElements("kernel", "cmdline", "initrd", "rootfs"))
		}
		Expect(dataobject.Validate(f.collector.Snapshot())).To(Succeed())
	})

	It("memoises each capability per run", func() {
		chain := f.chain()
		Expect(chain[2].VerifyHardware(ctx)).To(Succeed())
		Expect(chain[2].VerifyHardware(ctx)).To(Succeed())
		Expect(f.quotes.verifyCalls).To(Equal(1))
	})

	It("reports HardwareInvalid when the quote signature fails", func() {
		f.quotes.verified = false
		chain := f.chain()
		err := chain[2].VerifyHardware(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.HardwareInvalid))
		Expect(snapshotFields(f.collector, dataobject.AppCPU)).To(HaveKeyWithValue("verification_status", "failed"))
	})

	It("reports HardwareInvalid when report data is not bound to the certificate", func() {
		f.quotes.quote.ReportData = "00"
		chain := f.chain()
		err := chain[2].VerifyHardware(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.HardwareInvalid))
	})

	It("reports OsMismatch when a register disagrees with the event-log replay", func() {
		f.quotes.quote.RTMR0 = "00"
		chain := f.chain()
		err := chain[2].VerifyOperatingSystem(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.OsMismatch))
	})

	It("reports RegistryMismatch when the compose hash is not in the RTMR3 log", func() {
		log := f.info.info.TCBInfo.EventLog
		f.info.info.TCBInfo.EventLog = log[:3]
		chain := f.chain()
		err := chain[2].VerifySourceCode(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.RegistryMismatch))
	})

	It("reports RegistryMismatch when the registry rejects the compose hash", func() {
		f.registry.denyHash = true
		chain := f.chain()
		err := chain[2].VerifySourceCode(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.RegistryMismatch))
	})

	It("reports RegistryMismatch when the app acknowledges a different KMS", func() {
		f.registry.kmsID = [32]byte{}
		chain := f.chain()
		err := chain[2].VerifySourceCode(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.RegistryMismatch))
	})
})

var _ = Describe("KmsVerifier enrichment", func() {
	It("reads registry bindings into kms-main on a current registry", func() {
		f := newFixture()
		kms := f.chain()[0].(*verifier.KmsVerifier)
		Expect(kms.Legacy()).To(BeFalse())
		Expect(kms.VerifyHardware(context.Background())).To(Succeed())

		fields := snapshotFields(f.collector, dataobject.KmsMain)
		Expect(fields).To(HaveKeyWithValue("gateway_app_id", gatewayAppID))
		Expect(fields).To(HaveKeyWithValue("cert_pubkey", "0x0402"))
		Expect(fields).To(HaveKeyWithValue("k256_pubkey", "0x0401"))
	})

	It("skips enrichment for a legacy registry", func() {
		f := newFixture()
		f.si.KmsInfo.Version = "0.3.6"
		kms := f.chain()[0].(*verifier.KmsVerifier)
		Expect(kms.Legacy()).To(BeTrue())
		Expect(kms.VerifyHardware(context.Background())).To(Succeed())

		fields := snapshotFields(f.collector, dataobject.KmsMain)
		Expect(fields).NotTo(HaveKey("gateway_app_id"))
	})
})

var _ = Describe("GatewayVerifier domain trust", func() {
	var (
		f   *fixture
		gw  *verifier.GatewayVerifier
		ctx context.Context
	)

	BeforeEach(func() {
		f = newFixture()
		gw = f.chain()[1].(*verifier.GatewayVerifier)
		ctx = context.Background()
	})

	It("passes all four domain checks for a consistent target", func() {
		Expect(gw.VerifyTeeControlledKey(ctx)).To(Succeed())
		Expect(gw.VerifyCertificateKey(ctx)).To(Succeed())
		Expect(gw.VerifyDNSCAA(ctx)).To(Succeed())
		Expect(gw.VerifyCTLog(ctx)).To(Succeed())
	})

	It("reports DomainUntrusted when the live certificate carries a foreign key", func() {
		_, other := selfSigned(0x1b2d)
		f.prober.cert = other
		err := gw.VerifyCertificateKey(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.DomainUntrusted))
	})

	It("reports DomainUntrusted when no CAA records restrict issuance", func() {
		f.prober.caa = nil
		err := gw.VerifyDNSCAA(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.DomainUntrusted))
	})

	It("reports DomainUntrusted when the live serial is missing from the CT log", func() {
		f.prober.entries = []domain.CTEntry{
			{ID: 2, IssuerName: "C=US, O=Let's Encrypt, CN=R11", SerialNumber: "ffff"},
		}
		err := gw.VerifyCTLog(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.DomainUntrusted))
	})

	It("reports DomainUntrusted when an unexpected issuer appears in the CT log", func() {
		f.prober.entries = append(f.prober.entries, domain.CTEntry{
			ID: 3, IssuerName: "C=US, O=Example CA", SerialNumber: "abcd",
		})
		err := gw.VerifyCTLog(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.DomainUntrusted))
	})
})

var _ = Describe("RedpillVerifier GPU attestation", func() {
	var (
		f   *fixture
		app *verifier.RedpillVerifier
		ctx context.Context
	)

	BeforeEach(func() {
		f = newFixture()
		f.cfg = verifier.AppConfig{ContractAddress: appContract, Model: "phala/llama-3"}
		app = f.chain()[2].(*verifier.RedpillVerifier)
		ctx = context.Background()
	})

	It("registers the GPU objects on a successful attestation", func() {
		Expect(app.VerifyHardware(ctx)).To(Succeed())

		gpu := snapshotFields(f.collector, dataobject.AppGPU)
		Expect(gpu).To(HaveKeyWithValue("verification_status", "verified"))
		Expect(gpu).To(HaveKeyWithValue("manufacturer", "NVIDIA Corporation"))
		Expect(snapshotFields(f.collector, dataobject.AppGPUQuote)).To(HaveKeyWithValue("arch", "HOPPER"))
	})

	It("reports HardwareInvalid when the NVIDIA service rejects the evidence", func() {
		f.gpu.verdict = &nvidia.Verdict{}
		err := app.VerifyHardware(ctx)
		Expect(errkind.KindOf(err)).To(Equal(errkind.HardwareInvalid))
		Expect(snapshotFields(f.collector, dataobject.AppGPU)).To(HaveKeyWithValue("verification_status", "failed"))
	})
})
