// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package assemble builds the per-generation bootable image: a stub PE
// binary with the kernel/initrd references, their content hashes, the kernel
// command line and the release metadata embedded as sections.
package assemble

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/measure"
	"github.com/perigee-os/trustboot/pkg/types"
	"github.com/perigee-os/trustboot/pkg/utils"
)

// ErrAssembly is returned when a required input is missing or unreadable.
// Assembly never produces a partial image.
var ErrAssembly = errors.New("assembly failed")

// Image is an assembled (unsigned) bootable image together with the payloads
// it references.
type Image struct {
	// Data is the unsigned PE image.
	Data []byte

	// Kernel payload and its content hash as embedded in the image.
	Kernel     []byte
	KernelHash []byte

	// Initrd payload (secrets already injected) and its content hash.
	Initrd     []byte
	InitrdHash []byte
}

// Builder assembles one bootable image.
type Builder struct {
	// Source options.
	//
	// Path to the base stub binary the sections are appended to.
	StubPath string
	// Path to the kernel image.
	KernelPath string
	// Path to the initrd image.
	InitrdPath string
	// Kernel cmdline.
	Cmdline string
	// os-release file; generated from Name/Version when empty.
	OSRelease string
	// Name and version for the generated os-release.
	Name    string
	Version string
	// Secrets to inject into the initrd copy before hashing.
	Secrets types.SecretsManifest

	// ESP paths (backslash-separated) the stub loads the payloads from.
	KernelESPPath string
	InitrdESPPath string

	// PCR signer; policy sections are skipped when nil.
	PCRSigner types.RSAKey

	Logger *slog.Logger

	// fields initialized during assembly
	sections []types.ImageSection
	image    *Image
}

// Assemble builds the image.
//
// The process is as follows:
//   - build the metadata sections (os-release, cmdline)
//   - read the kernel, inject secrets into a copy of the initrd, and embed
//     the payload paths with their content hashes
//   - measure the sections and append the signed PCR policy (when enabled)
//   - append the generated sections to the stub binary.
func (b *Builder) Assemble() (*Image, error) {
	if b.Logger == nil {
		b.Logger = slog.Default()
	}

	b.sections = nil
	b.image = &Image{}

	for _, generateSection := range []func() error{
		b.generateOSRel,
		b.generateCmdline,
		b.generateKernelRefs,
		b.generateInitrdRefs,
		b.generatePCRPublicKey,
		// measure sections last
		b.generatePCRSig,
	} {
		if err := generateSection(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAssembly, err)
		}
	}

	stub, err := os.ReadFile(b.StubPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading stub: %w", ErrAssembly, err)
	}

	adds := make([]rawSection, 0, len(b.sections))

	for _, section := range b.sections {
		if !section.Append {
			continue
		}

		adds = append(adds, rawSection{name: section.Name, data: section.Data})
	}

	b.image.Data, err = appendSections(stub, adds)
	if err != nil {
		return nil, fmt.Errorf("%w: appending sections: %w", ErrAssembly, err)
	}

	b.Logger.Debug("Assembled image",
		"sections", len(adds),
		"kernel", b.KernelESPPath,
		"initrd", b.InitrdESPPath)

	return b.image, nil
}

func (b *Builder) addSection(name constants.Section, data []byte) {
	b.sections = append(b.sections, types.ImageSection{
		Name:    name,
		Data:    data,
		Measure: true,
		Append:  true,
	})
}

func (b *Builder) generateOSRel() error {
	var (
		osRelease []byte
		err       error
	)

	if b.OSRelease != "" {
		b.Logger.Debug("Using existing os-release", "path", b.OSRelease)

		osRelease, err = os.ReadFile(b.OSRelease)
		if err != nil {
			return fmt.Errorf("reading os-release: %w", err)
		}
	} else {
		b.Logger.Debug("Generating a new os-release")

		name := b.Name
		if name == "" {
			name = constants.Name
		}

		osRelease, err = constants.OSReleaseFor(name, b.Version)
		if err != nil {
			return err
		}
	}

	b.addSection(constants.OSRel, osRelease)

	return nil
}

func (b *Builder) generateCmdline() error {
	b.Logger.Debug("Using cmdline", "cmdline", b.Cmdline)

	b.addSection(constants.CMDLine, []byte(b.Cmdline))

	return nil
}

func (b *Builder) generateKernelRefs() error {
	if b.KernelESPPath == "" {
		return fmt.Errorf("no kernel ESP path configured")
	}

	kernel, err := os.ReadFile(b.KernelPath)
	if err != nil {
		return fmt.Errorf("reading kernel: %w", err)
	}

	hash := sha256.Sum256(kernel)

	b.image.Kernel = kernel
	b.image.KernelHash = hash[:]

	b.addSection(constants.KernelPath, []byte(b.KernelESPPath))
	b.addSection(constants.KernelHash, hash[:])

	return nil
}

func (b *Builder) generateInitrdRefs() error {
	if b.InitrdESPPath == "" {
		return fmt.Errorf("no initrd ESP path configured")
	}

	initrd, err := os.ReadFile(b.InitrdPath)
	if err != nil {
		return fmt.Errorf("reading initrd: %w", err)
	}

	initrd, err = InjectSecrets(initrd, b.Secrets)
	if err != nil {
		return fmt.Errorf("injecting secrets: %w", err)
	}

	hash := sha256.Sum256(initrd)

	b.image.Initrd = initrd
	b.image.InitrdHash = hash[:]

	b.addSection(constants.InitrdPath, []byte(b.InitrdESPPath))
	b.addSection(constants.InitrdHash, hash[:])

	return nil
}

func (b *Builder) generatePCRPublicKey() error {
	if b.PCRSigner == nil {
		return nil
	}

	b.Logger.Debug("Getting public PCR key")

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(b.PCRSigner.PublicRSAKey())
	if err != nil {
		return err
	}

	publicKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  constants.PEMTypeRSAPublic,
		Bytes: publicKeyBytes,
	})

	b.addSection(constants.PCRPKey, publicKeyPEM)

	return nil
}

func (b *Builder) generatePCRSig() error {
	if b.PCRSigner == nil {
		return nil
	}

	b.Logger.Info("Generating PCR measurements", "pcr", constants.KernelImagePCR)

	pcrData, err := measure.GenerateSignedPCR(utils.SectionsData(b.sections), b.PCRSigner, constants.KernelImagePCR, b.Logger)
	if err != nil {
		return err
	}

	pcrSignatureData, err := json.Marshal(pcrData)
	if err != nil {
		return err
	}

	b.sections = append(b.sections, types.ImageSection{
		Name:   constants.PCRSig,
		Data:   pcrSignatureData,
		Append: true,
	})

	return nil
}
