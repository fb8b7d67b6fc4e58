// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package constants holds the shared definitions for the boot image layout,
// the EFI variable contract and the ESP directory structure.
package constants

import (
	"bytes"
	"strings"
	"text/template"
)

// Section is a name of a PE file section (UEFI binary).
type Section string

const (
	// Name of the project, used for StubInfo and the generated os-release.
	Name = "trustboot"

	PEMTypeRSAPublic = "PUBLIC KEY"

	// KernelImagePCR is the PCR the static image sections are measured into.
	KernelImagePCR = 11

	OSReleaseTemplate = `NAME="{{ .Name }}"
ID={{ .ID }}
VERSION_ID={{ .Version }}
PRETTY_NAME="{{ .Name }} ({{ .Version }})"
`

	// List of section names embedded into the bootable image.
	OSRel      Section = ".osrel"
	CMDLine    Section = ".cmdline"
	KernelPath Section = ".kernelp"
	KernelHash Section = ".kernelh"
	InitrdPath Section = ".initrdp"
	InitrdHash Section = ".initrdh"
	PCRPKey    Section = ".pcrpkey"
	PCRSig     Section = ".pcrsig"
)

// EFI variable names published by the stub and consumed by downstream tooling.
const (
	LoaderDevicePartUUID  = "LoaderDevicePartUUID"
	LoaderImageIdentifier = "LoaderImageIdentifier"
	LoaderFirmwareInfo    = "LoaderFirmwareInfo"
	LoaderFirmwareType    = "LoaderFirmwareType"
	StubInfo              = "StubInfo"
	StubFeatures          = "StubFeatures"
	StubPcrKernelImage    = "StubPcrKernelImage"
)

// Well-known vendor GUIDs.
const (
	// LoaderGUID is the vendor GUID the Loader*/Stub* variables live under.
	LoaderGUID = "4a67b082-0a4c-41cf-b6c7-440b29bb8c4f"
	// GlobalVariableGUID holds SecureBoot, SetupMode, PK and KEK.
	GlobalVariableGUID = "8be4df61-93ca-11d2-aa0d-00e098032b8c"
	// ImageSecurityDatabaseGUID holds db and dbx.
	ImageSecurityDatabaseGUID = "d719b2cb-3d3a-4596-a3bc-dad00e67656f"
)

// Feature bits published in the StubFeatures bitmask.
const (
	FeatureReportBootPartition uint64 = 1 << 0
	FeaturePayloadHashes       uint64 = 1 << 1
	FeatureTPMMeasurement      uint64 = 1 << 2
	FeatureEnforcementPolicy   uint64 = 1 << 3
)

// ESP layout.
const (
	// ArtifactDir holds the published kernel-<id>.efi / initrd-<id>.efi files.
	ArtifactDir = "EFI/trustboot"
	// ImageDir holds the combined bootable image per generation.
	ImageDir = "EFI/Linux"
	// LoaderConfPath is the loader configuration, overwritten wholesale.
	LoaderConfPath = "loader/loader.conf"
)

// OrderedSections returns the static sections measured into the PCR, in
// measurement order. The .pcrsig section is omitted since it carries the
// measurement itself.
func OrderedSections() []Section {
	// DO NOT REARRANGE
	return []Section{
		OSRel,
		CMDLine,
		KernelPath,
		KernelHash,
		InitrdPath,
		InitrdHash,
		PCRPKey,
	}
}

// OSReleaseFor returns the contents of /etc/os-release for a given name and version.
func OSReleaseFor(name, version string) ([]byte, error) {
	data := struct {
		Name    string
		ID      string
		Version string
	}{
		Name:    name,
		ID:      strings.ToLower(name),
		Version: version,
	}

	tmpl, err := template.New("").Parse(OSReleaseTemplate)
	if err != nil {
		return nil, err
	}

	var writer bytes.Buffer

	err = tmpl.Execute(&writer, data)
	if err != nil {
		return nil, err
	}

	return writer.Bytes(), nil
}
