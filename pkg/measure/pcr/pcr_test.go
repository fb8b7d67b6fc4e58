package pcr

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-tpm/tpm2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/pesign"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "PCR test Suite")
}

var pcrSigner *pesign.PCRSigner

var _ = BeforeSuite(func() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	Expect(err).ToNot(HaveOccurred())

	tmpDir, err := os.MkdirTemp("", "pcr")
	Expect(err).ToNot(HaveOccurred())
	DeferCleanup(func() {
		Expect(os.RemoveAll(tmpDir)).ToNot(HaveOccurred())
	})

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	keyPath := filepath.Join(tmpDir, "private.pem")
	Expect(os.WriteFile(keyPath, keyPEM, 0o600)).To(Succeed())

	pcrSigner, err = pesign.NewPCRSigner(keyPath)
	Expect(err).ToNot(HaveOccurred())
})

var _ = Describe("PCR tests", func() {
	Describe("Digest", func() {
		It("Starts zeroed", func() {
			d := NewDigest(crypto.SHA256)
			Expect(d.Hash()).To(Equal(make([]byte, 32)))
		})

		It("Extends deterministically", func() {
			a := NewDigest(crypto.SHA256)
			b := NewDigest(crypto.SHA256)

			a.Extend([]byte("event"))
			b.Extend([]byte("event"))

			Expect(a.Hash()).To(Equal(b.Hash()))
		})

		It("Is order sensitive", func() {
			a := NewDigest(crypto.SHA256)
			b := NewDigest(crypto.SHA256)

			a.Extend([]byte("first"))
			a.Extend([]byte("second"))
			b.Extend([]byte("second"))
			b.Extend([]byte("first"))

			Expect(a.Hash()).ToNot(Equal(b.Hash()))
		})
	})

	Describe("CreateSelector", func() {
		It("Sets the bit for the kernel image PCR", func() {
			selector, err := CreateSelector([]int{constants.KernelImagePCR})
			Expect(err).ToNot(HaveOccurred())
			Expect(selector).To(Equal([]byte{0x00, 0x08, 0x00}))
		})

		It("Rejects out-of-range PCR indexes", func() {
			_, err := CreateSelector([]int{24})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("CalculateBankData", func() {
		sections := map[constants.Section][]byte{
			constants.CMDLine:    []byte("root=LABEL=BOOT"),
			constants.KernelHash: []byte("0123456789abcdef0123456789abcdef"),
		}

		It("Selects the requested PCR", func() {
			bank, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, pcrSigner)
			Expect(err).ToNot(HaveOccurred())
			Expect(bank.PCRs).To(Equal([]int{constants.KernelImagePCR}))
		})

		It("Produces a verifiable policy signature", func() {
			bank, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, pcrSigner)
			Expect(err).ToNot(HaveOccurred())

			policy, err := hex.DecodeString(bank.Pol)
			Expect(err).ToNot(HaveOccurred())

			sig, err := base64.StdEncoding.DecodeString(bank.Sig)
			Expect(err).ToNot(HaveOccurred())

			err = rsa.VerifyPKCS1v15(pcrSigner.PublicRSAKey(), crypto.SHA256, policy, sig)
			Expect(err).ToNot(HaveOccurred())
		})

		It("Is deterministic in the policy for the same sections", func() {
			first, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, pcrSigner)
			Expect(err).ToNot(HaveOccurred())

			second, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, pcrSigner)
			Expect(err).ToNot(HaveOccurred())

			Expect(first.Pol).To(Equal(second.Pol))
			Expect(first.PKFP).To(Equal(second.PKFP))
		})

		It("Changes the policy when a section changes", func() {
			first, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, pcrSigner)
			Expect(err).ToNot(HaveOccurred())

			changed := map[constants.Section][]byte{
				constants.CMDLine:    []byte("root=LABEL=OTHER"),
				constants.KernelHash: sections[constants.KernelHash],
			}

			second, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, changed, pcrSigner)
			Expect(err).ToNot(HaveOccurred())

			Expect(first.Pol).ToNot(Equal(second.Pol))
		})

		It("Rejects a nil signer", func() {
			_, err := CalculateBankData(constants.KernelImagePCR, tpm2.TPMAlgSHA256, sections, nil)
			Expect(err).To(HaveOccurred())
		})
	})
})
