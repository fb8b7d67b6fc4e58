package utils

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/types"
)

func TestSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Utils test Suite")
}

var _ = Describe("Utils tests", func() {
	Describe("SectionsData", func() {
		var sections []types.ImageSection
		var expectedSections map[constants.Section][]byte

		BeforeEach(func() {
			// the signature section is not measured and should not
			// appear in the output
			sections = []types.ImageSection{
				{
					Name:    constants.CMDLine,
					Data:    []byte("root=LABEL=BOOT"),
					Measure: true,
					Append:  true,
				},
				{
					Name:    constants.KernelHash,
					Data:    []byte("0123456789abcdef"),
					Measure: true,
					Append:  true,
				},
				{
					Name:   constants.PCRSig,
					Data:   []byte("{}"),
					Append: true,
				},
			}

			expectedSections = map[constants.Section][]byte{
				constants.CMDLine:    []byte("root=LABEL=BOOT"),
				constants.KernelHash: []byte("0123456789abcdef"),
			}
		})

		It("Returns the measured sections only", func() {
			Expect(SectionsData(sections)).To(Equal(expectedSections))
		})

		It("Returns nil when nothing is measured", func() {
			Expect(SectionsData(nil)).To(BeNil())
			Expect(SectionsData([]types.ImageSection{{Name: constants.PCRSig}})).To(BeNil())
		})
	})

	Describe("ESP paths", func() {
		It("Converts to backslash form", func() {
			Expect(ToESPPath("EFI/Linux/generation-1.efi")).To(Equal("\\EFI\\Linux\\generation-1.efi"))
			Expect(ToESPPath("/EFI/Linux/generation-1.efi")).To(Equal("\\EFI\\Linux\\generation-1.efi"))
		})

		It("Converts back to slash form", func() {
			Expect(FromESPPath("\\EFI\\Linux\\generation-1.efi")).To(Equal("EFI/Linux/generation-1.efi"))
		})

		It("Round-trips", func() {
			path := "EFI/trustboot/kernel-0011223344556677.efi"
			Expect(FromESPPath(ToESPPath(path))).To(Equal(path))
		})
	})
})
