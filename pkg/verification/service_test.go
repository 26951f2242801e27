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

package verification_test

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
	"github.com/dstack-tee/dstack-verifier/pkg/verification"
	"github.com/dstack-tee/dstack-verifier/pkg/verifier"
)

func TestVerification(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Verification Service Suite")
}

const (
	kmsContract = "0x1111111111111111111111111111111111111111"
	appContract = "0x2222222222222222222222222222222222222222"
	appDomain   = "app.example.com"
	manifest    = "services:\n  app:\n    image: dstack/app:1.0\n"
)

type stubDiscoverer struct {
	si  *appinfo.SystemInfo
	err error
}

func (s *stubDiscoverer) ForModel(context.Context, string) (*appinfo.SystemInfo, error) {
	return s.si, s.err
}

func (s *stubDiscoverer) ForDomain(context.Context, string) (*appinfo.SystemInfo, error) {
	return s.si, s.err
}

type stubQuotes struct {
	quote    *tdx.Quote
	verified bool
}

func (s *stubQuotes) Decode(context.Context, string) (*tdx.Quote, error) {
	q := *s.quote
	return &q, nil
}

func (s *stubQuotes) Verify(context.Context, string) (*tdx.VerifyResult, error) {
	q := *s.quote
	return &tdx.VerifyResult{Verified: s.verified, TCBStatus: "UpToDate", Quote: q}, nil
}

type stubRegistry struct{ kmsID [32]byte }

func (s *stubRegistry) AllowedComposeHash(context.Context, uint64, common.Address, [32]byte) (bool, error) {
	return true, nil
}

func (s *stubRegistry) AllowedKmsID(context.Context, uint64, common.Address) ([32]byte, error) {
	return s.kmsID, nil
}

func (s *stubRegistry) GatewayAppID(context.Context, uint64, common.Address) (string, error) {
	return "3333333333333333333333333333333333333333", nil
}

func (s *stubRegistry) KmsInfo(context.Context, uint64, common.Address) (*onchain.KmsInfo, error) {
	return &onchain.KmsInfo{CAPubkey: []byte{0x04, 0x02}, K256Pubkey: []byte{0x04, 0x01}}, nil
}

type stubInfo struct{ info *appinfo.Info }

func (s *stubInfo) GetInfo(context.Context, string) (*appinfo.Info, error) {
	return s.info, nil
}

func (s *stubInfo) GetGPUEvidence(context.Context, string) (*nvidia.Request, error) {
	return &nvidia.Request{Nonce: "00", EvidenceList: []nvidia.Evidence{{Evidence: "e"}}, Arch: "HOPPER"}, nil
}

type stubGPU struct{}

func (stubGPU) Attest(context.Context, string, []nvidia.Evidence, string) (*nvidia.Verdict, error) {
	return &nvidia.Verdict{OverallResult: true}, nil
}

type stubProber struct {
	cert     *x509.Certificate
	caaCalls int
	ctCalls  int
}

func (p *stubProber) LookupCAA(context.Context, string) ([]domain.CAARecord, error) {
	p.caaCalls++
	return []domain.CAARecord{{Tag: "issue", Value: "letsencrypt.org"}}, nil
}

func (p *stubProber) CTLogEntries(context.Context, string, time.Time) ([]domain.CTEntry, error) {
	p.ctCalls++
	return []domain.CTEntry{
		{ID: 1, IssuerName: "C=US, O=Let's Encrypt, CN=R11", SerialNumber: p.cert.SerialNumber.Text(16)},
	}, nil
}

func (p *stubProber) LiveCertificate(context.Context, string) (*x509.Certificate, error) {
	return p.cert, nil
}

type harness struct {
	svc    *verification.Service
	quotes *stubQuotes
	prober *stubProber
	disc   *stubDiscoverer
	cfg    verifier.AppConfig
}

func newHarness() *harness {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	Expect(err).NotTo(HaveOccurred())
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(0x77aa),
		Subject:      pkix.Name{CommonName: appDomain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	Expect(err).NotTo(HaveOccurred())
	cert, err := x509.ParseCertificate(der)
	Expect(err).NotTo(HaveOccurred())
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))

	composeSum := sha256.Sum256([]byte(manifest))
	composeHash := hex.EncodeToString(composeSum[:])
	digest := func(s string) string {
		d := sha512.Sum384([]byte(s))
		return hex.EncodeToString(d[:])
	}
	events := []tdx.EventLogEntry{
		{IMR: 0, EventType: 1, Digest: digest("firmware")},
		{IMR: 1, EventType: 1, Digest: digest("kernel")},
		{IMR: 2, EventType: 1, Digest: digest("rootfs")},
		{IMR: 3, EventType: 134217729, Digest: digest(composeHash), Event: "compose-hash", EventPayload: composeHash},
	}
	replayed, err := tdx.ReplayAll(events)
	Expect(err).NotTo(HaveOccurred())

	reportSum := sha512.Sum512(cert.RawSubjectPublicKeyInfo)
	quote := &tdx.Quote{
		MRTD:       digest("mrtd"),
		RTMR0:      replayed[0],
		RTMR1:      replayed[1],
		RTMR2:      replayed[2],
		RTMR3:      replayed[3],
		ReportData: hex.EncodeToString(reportSum[:]),
	}

	si := &appinfo.SystemInfo{AppURL: "https://" + appDomain}
	si.KmsInfo.ContractAddress = kmsContract
	si.KmsInfo.ChainID = 8453
	si.KmsInfo.GatewayAppID = "3333333333333333333333333333333333333333"
	si.KmsInfo.GatewayAppURL = "https://gateway.example.com"
	si.KmsInfo.URL = "https://kms.example.com"
	si.KmsInfo.Version = "0.5.3"

	var kmsID [32]byte
	copy(kmsID[12:], common.HexToAddress(kmsContract).Bytes())

	h := &harness{
		quotes: &stubQuotes{quote: quote, verified: true},
		prober: &stubProber{cert: cert},
		disc:   &stubDiscoverer{si: si},
		cfg:    verifier.AppConfig{ContractAddress: appContract, Domain: appDomain},
	}
	h.svc = verification.NewService(verification.Config{
		Discoverer: h.disc,
		Quotes:     h.quotes,
		GPU:        stubGPU{},
		Registry:   &stubRegistry{kmsID: kmsID},
		Info: &stubInfo{info: &appinfo.Info{
			AppID:      "a1b2c3",
			InstanceID: "i-0001",
			AppCert:    certPEM,
			Quote:      "0xdeadbeef",
			TCBInfo: appinfo.TCBInfo{
				Mrtd:       quote.MRTD,
				Rtmr0:      quote.RTMR0,
				Rtmr1:      quote.RTMR1,
				Rtmr2:      quote.RTMR2,
				Rtmr3:      quote.RTMR3,
				AppCompose: manifest,
				EventLog:   events,
			},
		}},
		Prober: h.prober,
		Logger: logr.Discard(),
	})
	return h
}

func findObject(objs []dataobject.DataObject, id dataobject.ObjectID) *dataobject.DataObject {
	for i := range objs {
		if objs[i].ID == id {
			return &objs[i]
		}
	}
	return nil
}

var _ = Describe("ParseFlags", func() {
	It("parses the all selector", func() {
		f, err := verification.ParseFlags("all")
		Expect(err).NotTo(HaveOccurred())
		Expect(f).To(Equal(verification.DefaultFlags()))
	})

	It("parses the fast selector", func() {
		f, err := verification.ParseFlags("fast")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.DnsCAA).To(BeFalse())
		Expect(f.CTLog).To(BeFalse())
		Expect(f.Hardware).To(BeTrue())
	})

	It("parses a comma-separated list", func() {
		f, err := verification.ParseFlags("hardware, os")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Hardware).To(BeTrue())
		Expect(f.OperatingSystem).To(BeTrue())
		Expect(f.SourceCode).To(BeFalse())
	})

	It("rejects unknown flag names", func() {
		_, err := verification.ParseFlags("hardware,bogus")
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})
})

var _ = Describe("Service.Verify", func() {
	var (
		h   *harness
		ctx context.Context
	)

	BeforeEach(func() {
		h = newHarness()
		ctx = context.Background()
	})

	It("produces a successful report for a consistent target", func() {
		report, err := h.svc.Verify(ctx, h.cfg, verification.DefaultFlags())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Success).To(BeTrue())
		Expect(report.Errors).To(BeEmpty())
		Expect(report.CompletedAt).NotTo(BeEmpty())

		Expect(findObject(report.DataObjects, dataobject.KmsMain)).NotTo(BeNil())
		Expect(findObject(report.DataObjects, dataobject.GatewayQuote)).NotTo(BeNil())
		Expect(findObject(report.DataObjects, dataobject.AppCode)).NotTo(BeNil())
	})

	It("wires the cross-component trust edges", func() {
		report, err := h.svc.Verify(ctx, h.cfg, verification.DefaultFlags())
		Expect(err).NotTo(HaveOccurred())

		gw := findObject(report.DataObjects, dataobject.GatewayMain)
		Expect(gw).NotTo(BeNil())
		var fromKms []string
		for _, m := range gw.MeasuredBy {
			if m.ObjectID == dataobject.KmsMain {
				fromKms = append(fromKms, m.SourceField)
			}
		}
		Expect(fromKms).To(ContainElements("gateway_app_id", "cert_pubkey"))

		app := findObject(report.DataObjects, dataobject.AppMain)
		Expect(app).NotTo(BeNil())
		Expect(app.MeasuredBy).To(ContainElement(HaveField("ObjectID", dataobject.KmsMain)))
	})

	It("degrades trust edges to object level for a legacy registry", func() {
		h.disc.si.KmsInfo.Version = "0.3.6"
		report, err := h.svc.Verify(ctx, h.cfg, verification.FastFlags())
		Expect(err).NotTo(HaveOccurred())

		gw := findObject(report.DataObjects, dataobject.GatewayMain)
		Expect(gw).NotTo(BeNil())
		for _, m := range gw.MeasuredBy {
			if m.ObjectID == dataobject.KmsMain {
				Expect(m.SourceField).To(BeEmpty())
			}
		}
	})

	It("records failed checks and keeps going", func() {
		h.quotes.verified = false
		report, err := h.svc.Verify(ctx, h.cfg, verification.DefaultFlags())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Success).To(BeFalse())

		var components []string
		for _, e := range report.Errors {
			Expect(e.Code).To(Equal(string(errkind.HardwareInvalid)))
			Expect(e.Check).To(Equal("hardware"))
			components = append(components, e.Component)
		}
		Expect(components).To(ConsistOf("kms", "gateway", "app"))

		Expect(findObject(report.DataObjects, dataobject.AppCode)).NotTo(BeNil())
	})

	It("skips the slow domain lookups under fast flags", func() {
		_, err := h.svc.Verify(ctx, h.cfg, verification.FastFlags())
		Expect(err).NotTo(HaveOccurred())
		Expect(h.prober.caaCalls).To(BeZero())
		Expect(h.prober.ctCalls).To(BeZero())
	})

	It("aborts when discovery fails", func() {
		h.disc.si = nil
		h.disc.err = errkind.New(errkind.UpstreamUnavailable, "gateway unreachable")
		_, err := h.svc.Verify(ctx, h.cfg, verification.DefaultFlags())
		Expect(errkind.KindOf(err)).To(Equal(errkind.UpstreamUnavailable))
	})

	It("aborts on an invalid app config", func() {
		_, err := h.svc.Verify(ctx, verifier.AppConfig{}, verification.DefaultFlags())
		Expect(errkind.KindOf(err)).To(Equal(errkind.ConfigInvalid))
	})
})
