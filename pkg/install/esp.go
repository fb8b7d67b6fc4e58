// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"

	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/types"
)

// BootEntry is one bootable image to publish: a generation, or one of its
// specialisations.
type BootEntry struct {
	Generation     types.Generation
	Specialisation *types.Specialisation
}

// Name encodes the generation number and the optional specialisation name.
// A specialisation is lexically distinguishable from its parent and carries
// a strictly greater sort key.
func (e BootEntry) Name() string {
	if e.Specialisation == nil {
		return fmt.Sprintf("generation-%d", e.Generation.Number)
	}

	return fmt.Sprintf("generation-%d-specialisation-%s", e.Generation.Number, e.Specialisation.Name)
}

// ImageFile is the image file name under the image directory.
func (e BootEntry) ImageFile() string {
	return e.Name() + ".efi"
}

// ImagePath is the ESP-relative path of the published image.
func (e BootEntry) ImagePath() string {
	return path.Join(constants.ImageDir, e.ImageFile())
}

// SortKey orders entries the way downstream "most recent = highest" tooling
// expects: by generation number, with each specialisation after its parent.
func (e BootEntry) SortKey() string {
	name := ""
	if e.Specialisation != nil {
		name = e.Specialisation.Name
	}

	return fmt.Sprintf("%010d-%s", e.Generation.Number, name)
}

// Cmdline resolves the effective kernel command line for the entry.
func (e BootEntry) Cmdline() string {
	if e.Specialisation != nil && e.Specialisation.Cmdline != "" {
		return e.Specialisation.Cmdline
	}

	return e.Generation.Cmdline
}

// Secrets resolves the effective secrets manifest for the entry.
func (e BootEntry) Secrets() types.SecretsManifest {
	if e.Specialisation != nil && e.Specialisation.Secrets != nil {
		return e.Specialisation.Secrets
	}

	return e.Generation.Secrets
}

// KernelArtifact is the ESP-relative path of the published kernel.
func (e BootEntry) KernelArtifact() string {
	return path.Join(constants.ArtifactDir, "kernel-"+artifactID(e.Generation.KernelPath, nil)+".efi")
}

// InitrdArtifact is the ESP-relative path of the published initrd. Distinct
// secret-sets map to distinct artifacts, so specialisations never alias each
// other's initrd.
func (e BootEntry) InitrdArtifact() string {
	return path.Join(constants.ArtifactDir, "initrd-"+artifactID(e.Generation.InitrdPath, e.Secrets())+".efi")
}

// artifactID derives a stable identifier from the payload source and the
// secrets manifest shape. It deliberately does not address the content: a
// content change at the same source refreshes the artifact in place, keeping
// existing loader entries pointing at a valid path.
func artifactID(source string, secrets types.SecretsManifest) string {
	h := sha256.New()
	h.Write([]byte(source))

	for _, dest := range secrets.SortedPaths() {
		fmt.Fprintf(h, "\x00%s=%s", dest, secrets[dest])
	}

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// plan expands the generations into the ordered publish sequence: each
// generation strictly before its specialisations, generations in ascending
// number order.
func plan(generations []types.Generation) []BootEntry {
	sorted := make([]types.Generation, len(generations))
	copy(sorted, generations)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Number < sorted[j].Number
	})

	var entries []BootEntry

	for _, generation := range sorted {
		entries = append(entries, BootEntry{Generation: generation})

		specialisations := make([]types.Specialisation, len(generation.Specialisations))
		copy(specialisations, generation.Specialisations)

		sort.Slice(specialisations, func(i, j int) bool {
			return specialisations[i].Name < specialisations[j].Name
		})

		for i := range specialisations {
			entries = append(entries, BootEntry{
				Generation:     generation,
				Specialisation: &specialisations[i],
			})
		}
	}

	return entries
}
