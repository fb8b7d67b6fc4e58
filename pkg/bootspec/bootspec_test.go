package bootspec

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/perigee-os/trustboot/pkg/types"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bootspec test Suite")
}

var _ = Describe("Bootspec tests", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error

		tmpDir, err = os.MkdirTemp("", "bootspec")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tmpDir)).ToNot(HaveOccurred())
	})

	write := func(name, contents string) string {
		p := filepath.Join(tmpDir, name)
		Expect(os.WriteFile(p, []byte(contents), 0o644)).To(Succeed())

		return p
	}

	Describe("Load", func() {
		It("Parses a full descriptor", func() {
			p := write("gen-7.json", `{
				"generation": 7,
				"kernel": "/nix/store/abc/vmlinuz",
				"initrd": "/nix/store/abc/initrd",
				"cmdline": "root=LABEL=BOOT ro",
				"version": "24.05",
				"secrets": {"/etc/key": "/var/lib/key"},
				"specialisations": [
					{"name": "debug", "cmdline": "root=LABEL=BOOT debug"}
				]
			}`)

			generation, err := Load(p)
			Expect(err).ToNot(HaveOccurred())
			Expect(generation).To(Equal(types.Generation{
				Number:     7,
				KernelPath: "/nix/store/abc/vmlinuz",
				InitrdPath: "/nix/store/abc/initrd",
				Cmdline:    "root=LABEL=BOOT ro",
				Version:    "24.05",
				Secrets:    types.SecretsManifest{"/etc/key": "/var/lib/key"},
				Specialisations: []types.Specialisation{
					{Name: "debug", Cmdline: "root=LABEL=BOOT debug"},
				},
			}))
		})

		It("Rejects unknown fields", func() {
			p := write("gen.json", `{"generation": 1, "kernel": "/k", "initrd": "/i", "bogus": true}`)

			_, err := Load(p)
			Expect(err).To(MatchError(ErrDescriptor))
		})

		It("Rejects a missing kernel or initrd", func() {
			p := write("gen.json", `{"generation": 1, "initrd": "/i"}`)

			_, err := Load(p)
			Expect(err).To(MatchError(ErrDescriptor))

			p = write("gen2.json", `{"generation": 1, "kernel": "/k"}`)

			_, err = Load(p)
			Expect(err).To(MatchError(ErrDescriptor))
		})

		It("Rejects non-positive generation numbers", func() {
			p := write("gen.json", `{"generation": 0, "kernel": "/k", "initrd": "/i"}`)

			_, err := Load(p)
			Expect(err).To(MatchError(ErrDescriptor))
		})

		It("Rejects duplicate specialisation names", func() {
			p := write("gen.json", `{
				"generation": 1, "kernel": "/k", "initrd": "/i",
				"specialisations": [{"name": "a"}, {"name": "a"}]
			}`)

			_, err := Load(p)
			Expect(err).To(MatchError(ErrDescriptor))
		})

		It("Fails on a missing file", func() {
			_, err := Load(filepath.Join(tmpDir, "missing.json"))
			Expect(err).To(MatchError(ErrDescriptor))
		})
	})

	Describe("LoadAll", func() {
		It("Returns the generations sorted by number", func() {
			write("b.json", `{"generation": 3, "kernel": "/k3", "initrd": "/i3"}`)
			write("a.json", `{"generation": 1, "kernel": "/k1", "initrd": "/i1"}`)
			write("c.json", `{"generation": 2, "kernel": "/k2", "initrd": "/i2"}`)

			generations, err := LoadAll(tmpDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(generations).To(HaveLen(3))
			Expect(generations[0].Number).To(Equal(1))
			Expect(generations[1].Number).To(Equal(2))
			Expect(generations[2].Number).To(Equal(3))
		})

		It("Rejects duplicate generation numbers across descriptors", func() {
			write("a.json", `{"generation": 1, "kernel": "/k", "initrd": "/i"}`)
			write("b.json", `{"generation": 1, "kernel": "/k", "initrd": "/i"}`)

			_, err := LoadAll(tmpDir)
			Expect(err).To(MatchError(ErrDescriptor))
		})

		It("Returns nothing for an empty directory", func() {
			generations, err := LoadAll(tmpDir)
			Expect(err).ToNot(HaveOccurred())
			Expect(generations).To(BeEmpty())
		})
	})
})
