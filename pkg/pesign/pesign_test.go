package pesign

import (
	"bytes"
	"debug/pe"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/perigee-os/trustboot/internal/petest"
	"github.com/perigee-os/trustboot/pkg/keystore"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Pesign test Suite")
}

var _ = Describe("Pesign tests", func() {
	var sbSigner *Signer
	var keyPair *keystore.KeyPair
	var tmpDir string

	BeforeEach(func() {
		var err error

		keyPair, err = keystore.NewKeyPair("Test Signing Key")
		Expect(err).ToNot(HaveOccurred())

		tmpDir, err = os.MkdirTemp("", "pesign")
		Expect(err).ToNot(HaveOccurred())

		Expect(keyPair.Save(tmpDir, "sb")).To(Succeed())

		sb, err := NewSecureBootSigner(
			filepath.Join(tmpDir, "sb.pem"),
			filepath.Join(tmpDir, "sb.key"),
		)
		Expect(err).ToNot(HaveOccurred())

		sbSigner, err = NewSigner(sb)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tmpDir)).ToNot(HaveOccurred())
	})

	Describe("SignData", func() {
		It("Produces a signature that verifies against the certificate", func() {
			signed, err := sbSigner.SignData(petest.Stub())
			Expect(err).ToNot(HaveOccurred())

			ok, err := VerifyData(signed, keyPair.Cert)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("Does not verify against an unrelated certificate", func() {
			signed, err := sbSigner.SignData(petest.Stub())
			Expect(err).ToNot(HaveOccurred())

			other, err := keystore.NewKeyPair("Unrelated Key")
			Expect(err).ToNot(HaveOccurred())

			ok, _ := VerifyData(signed, other.Cert)
			Expect(ok).To(BeFalse())
		})

		It("Returns the whole signed PE binary", func() {
			unsigned := petest.Stub()

			signed, err := sbSigner.SignData(unsigned)
			Expect(err).ToNot(HaveOccurred())

			// still a PE image with its sections intact, now carrying
			// the certificate table
			Expect(bytes.HasPrefix(signed, []byte("MZ"))).To(BeTrue())
			Expect(len(signed) > len(unsigned)).To(BeTrue())

			parsed, err := pe.NewFile(bytes.NewReader(signed))
			Expect(err).ToNot(HaveOccurred())
			defer parsed.Close()

			Expect(parsed.Section(".text")).ToNot(BeNil())
		})

		It("Rejects garbage input", func() {
			_, err := sbSigner.SignData([]byte("not a PE file"))
			Expect(err).To(MatchError(ErrSigning))
		})
	})

	Describe("Sign", func() {
		It("Signs a file on disk", func() {
			input := filepath.Join(tmpDir, "file.efi")
			output := filepath.Join(tmpDir, "file.signed.efi")

			Expect(os.WriteFile(input, petest.Stub(), 0o644)).To(Succeed())
			Expect(sbSigner.Sign(input, output)).To(Succeed())

			signed, err := os.ReadFile(output)
			Expect(err).ToNot(HaveOccurred())

			ok, err := VerifyData(signed, keyPair.Cert)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})
	})

	Describe("NewSecureBootSigner", func() {
		It("Fails on missing material", func() {
			_, err := NewSecureBootSigner(
				filepath.Join(tmpDir, "missing.pem"),
				filepath.Join(tmpDir, "sb.key"),
			)
			Expect(err).To(MatchError(ErrSigning))

			_, err = NewSecureBootSigner(
				filepath.Join(tmpDir, "sb.pem"),
				filepath.Join(tmpDir, "missing.key"),
			)
			Expect(err).To(MatchError(ErrSigning))
		})
	})

	Describe("NewPCRSigner", func() {
		It("Loads a PEM key", func() {
			signer, err := NewPCRSigner(filepath.Join(tmpDir, "sb.key"))
			Expect(err).ToNot(HaveOccurred())
			Expect(signer.PublicRSAKey().Equal(&keyPair.Key.PublicKey)).To(BeTrue())
		})

		It("Fails on a missing key", func() {
			_, err := NewPCRSigner(filepath.Join(tmpDir, "missing.key"))
			Expect(err).To(MatchError(ErrSigning))
		})
	})
})
