package assemble

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"debug/pe"
	"encoding/json"
	"encoding/pem"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliergopher/cpio"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/perigee-os/trustboot/internal/petest"
	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/pesign"
	"github.com/perigee-os/trustboot/pkg/types"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Assemble test Suite")
}

var _ = Describe("Assemble tests", func() {
	var tmpDir string
	var stubPath, kernelPath, initrdPath string
	var kernel, initrd []byte

	BeforeEach(func() {
		var err error

		tmpDir, err = os.MkdirTemp("", "assemble")
		Expect(err).ToNot(HaveOccurred())

		kernel = []byte("fake kernel contents")
		initrd = []byte("fake initrd contents")

		stubPath = filepath.Join(tmpDir, "stub.efi")
		kernelPath = filepath.Join(tmpDir, "vmlinuz")
		initrdPath = filepath.Join(tmpDir, "initrd")

		Expect(os.WriteFile(stubPath, petest.Stub(), 0o644)).To(Succeed())
		Expect(os.WriteFile(kernelPath, kernel, 0o644)).To(Succeed())
		Expect(os.WriteFile(initrdPath, initrd, 0o644)).To(Succeed())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tmpDir)).ToNot(HaveOccurred())
	})

	newBuilder := func() *Builder {
		return &Builder{
			StubPath:      stubPath,
			KernelPath:    kernelPath,
			InitrdPath:    initrdPath,
			Cmdline:       "root=LABEL=BOOT ro",
			Name:          "testos",
			Version:       "1.2.3",
			KernelESPPath: "\\EFI\\trustboot\\kernel-0011223344556677.efi",
			InitrdESPPath: "\\EFI\\trustboot\\initrd-8899aabbccddeeff.efi",
		}
	}

	Describe("appendSections", func() {
		It("Appends readable sections", func() {
			out, err := appendSections(petest.Stub(), []rawSection{
				{name: constants.CMDLine, data: []byte("console=ttyS0")},
				{name: constants.KernelPath, data: []byte("\\EFI\\foo")},
			})
			Expect(err).ToNot(HaveOccurred())

			data, err := ReadSection(out, constants.CMDLine)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("console=ttyS0")))

			data, err = ReadSection(out, constants.KernelPath)
			Expect(err).ToNot(HaveOccurred())
			Expect(data).To(Equal([]byte("\\EFI\\foo")))
		})

		It("Updates the COFF section count", func() {
			src := petest.Stub()

			before, err := pe.NewFile(bytes.NewReader(src))
			Expect(err).ToNot(HaveOccurred())

			out, err := appendSections(src, []rawSection{
				{name: constants.CMDLine, data: []byte("x")},
			})
			Expect(err).ToNot(HaveOccurred())

			after, err := pe.NewFile(bytes.NewReader(out))
			Expect(err).ToNot(HaveOccurred())
			Expect(after.NumberOfSections).To(Equal(before.NumberOfSections + 1))
		})

		It("Leaves the source image untouched", func() {
			src := petest.Stub()
			orig := make([]byte, len(src))
			copy(orig, src)

			_, err := appendSections(src, []rawSection{
				{name: constants.CMDLine, data: []byte("x")},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(src).To(Equal(orig))
		})

		It("Rejects overlong section names", func() {
			_, err := appendSections(petest.Stub(), []rawSection{
				{name: ".waytoolongname", data: []byte("x")},
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("InjectSecrets", func() {
		It("Returns the initrd unchanged without secrets", func() {
			out, err := InjectSecrets(initrd, nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(Equal(initrd))
		})

		It("Appends a parseable cpio archive", func() {
			secretPath := filepath.Join(tmpDir, "secret")
			Expect(os.WriteFile(secretPath, []byte("hunter2"), 0o600)).To(Succeed())

			out, err := InjectSecrets(initrd, types.SecretsManifest{
				"/etc/keys/root.key": secretPath,
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(bytes.HasPrefix(out, initrd)).To(BeTrue())

			reader := cpio.NewReader(bytes.NewReader(out[len(initrd):]))

			var names []string
			var contents []byte

			for {
				hdr, err := reader.Next()
				if err == io.EOF {
					break
				}
				Expect(err).ToNot(HaveOccurred())

				names = append(names, hdr.Name)

				if hdr.Name == "etc/keys/root.key" {
					contents, err = io.ReadAll(reader)
					Expect(err).ToNot(HaveOccurred())
				}
			}

			Expect(names).To(Equal([]string{"etc", "etc/keys", "etc/keys/root.key"}))
			Expect(contents).To(Equal([]byte("hunter2")))
		})

		It("Fails on an unreadable secret source", func() {
			_, err := InjectSecrets(initrd, types.SecretsManifest{
				"/etc/keys/root.key": filepath.Join(tmpDir, "missing"),
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Assemble", func() {
		It("Embeds the payload references and hashes", func() {
			image, err := newBuilder().Assemble()
			Expect(err).ToNot(HaveOccurred())

			kernelHash := sha256.Sum256(kernel)
			initrdHash := sha256.Sum256(initrd)

			Expect(image.Kernel).To(Equal(kernel))
			Expect(image.KernelHash).To(Equal(kernelHash[:]))
			Expect(image.Initrd).To(Equal(initrd))
			Expect(image.InitrdHash).To(Equal(initrdHash[:]))

			for section, want := range map[constants.Section][]byte{
				constants.CMDLine:    []byte("root=LABEL=BOOT ro"),
				constants.KernelPath: []byte("\\EFI\\trustboot\\kernel-0011223344556677.efi"),
				constants.KernelHash: kernelHash[:],
				constants.InitrdPath: []byte("\\EFI\\trustboot\\initrd-8899aabbccddeeff.efi"),
				constants.InitrdHash: initrdHash[:],
			} {
				data, err := ReadSection(image.Data, section)
				Expect(err).ToNot(HaveOccurred())
				Expect(data).To(Equal(want))
			}
		})

		It("Generates an os-release section", func() {
			image, err := newBuilder().Assemble()
			Expect(err).ToNot(HaveOccurred())

			data, err := ReadSection(image.Data, constants.OSRel)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(data)).To(ContainSubstring("testos"))
			Expect(string(data)).To(ContainSubstring("1.2.3"))
		})

		It("Produces distinct initrds for distinct secrets", func() {
			secretA := filepath.Join(tmpDir, "a")
			secretB := filepath.Join(tmpDir, "b")
			Expect(os.WriteFile(secretA, []byte("aaa"), 0o600)).To(Succeed())
			Expect(os.WriteFile(secretB, []byte("bbb"), 0o600)).To(Succeed())

			builderA := newBuilder()
			builderA.Secrets = types.SecretsManifest{"/etc/secret": secretA}

			builderB := newBuilder()
			builderB.Secrets = types.SecretsManifest{"/etc/secret": secretB}

			imageA, err := builderA.Assemble()
			Expect(err).ToNot(HaveOccurred())

			imageB, err := builderB.Assemble()
			Expect(err).ToNot(HaveOccurred())

			Expect(imageA.InitrdHash).ToNot(Equal(imageB.InitrdHash))

			hashA, err := ReadSection(imageA.Data, constants.InitrdHash)
			Expect(err).ToNot(HaveOccurred())

			hashB, err := ReadSection(imageB.Data, constants.InitrdHash)
			Expect(err).ToNot(HaveOccurred())

			Expect(hashA).ToNot(Equal(hashB))
		})

		It("Fails without producing an image when the kernel is missing", func() {
			builder := newBuilder()
			builder.KernelPath = filepath.Join(tmpDir, "missing")

			image, err := builder.Assemble()
			Expect(err).To(MatchError(ErrAssembly))
			Expect(image).To(BeNil())
		})

		It("Fails when the stub is missing", func() {
			builder := newBuilder()
			builder.StubPath = filepath.Join(tmpDir, "missing")

			_, err := builder.Assemble()
			Expect(err).To(MatchError(ErrAssembly))
		})

		It("Embeds the PCR policy sections when a signer is configured", func() {
			key, err := rsa.GenerateKey(rand.Reader, 2048)
			Expect(err).ToNot(HaveOccurred())

			keyPath := filepath.Join(tmpDir, "pcr.key")
			keyPEM := pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(key),
			})
			Expect(os.WriteFile(keyPath, keyPEM, 0o600)).To(Succeed())

			signer, err := pesign.NewPCRSigner(keyPath)
			Expect(err).ToNot(HaveOccurred())

			builder := newBuilder()
			builder.PCRSigner = signer

			image, err := builder.Assemble()
			Expect(err).ToNot(HaveOccurred())

			pkey, err := ReadSection(image.Data, constants.PCRPKey)
			Expect(err).ToNot(HaveOccurred())

			block, _ := pem.Decode(pkey)
			Expect(block).ToNot(BeNil())

			sig, err := ReadSection(image.Data, constants.PCRSig)
			Expect(err).ToNot(HaveOccurred())

			var pcrData types.PCRData
			Expect(json.Unmarshal(sig, &pcrData)).To(Succeed())
			Expect(pcrData.SHA256).ToNot(BeEmpty())
		})

		It("Skips the PCR policy sections without a signer", func() {
			image, err := newBuilder().Assemble()
			Expect(err).ToNot(HaveOccurred())

			_, err = ReadSection(image.Data, constants.PCRSig)
			Expect(err).To(HaveOccurred())
		})
	})
})
