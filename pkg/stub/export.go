// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"unicode/utf16"

	"github.com/perigee-os/trustboot/internal/common"
	"github.com/perigee-os/trustboot/pkg/constants"
	"github.com/perigee-os/trustboot/pkg/efivars"
)

// BootInfo identifies the booted image and firmware for the exported status
// variables.
type BootInfo struct {
	// PartUUID of the partition the image was loaded from.
	PartUUID string
	// ImageIdentifier is the ESP-relative path of the booted image.
	ImageIdentifier string
	// FirmwareInfo is the firmware vendor/revision string.
	FirmwareInfo string
	// FirmwareType is e.g. "uefi".
	FirmwareType string
}

// Features returns the StubFeatures bitmask. It is non-zero by construction:
// payload hash checking and the enforcement policy are always compiled in.
func Features(measured bool) uint64 {
	features := constants.FeatureReportBootPartition |
		constants.FeaturePayloadHashes |
		constants.FeatureEnforcementPolicy

	if measured {
		features |= constants.FeatureTPMMeasurement
	}

	return features
}

// ExportVariables publishes the boot-lifetime status variables under the
// loader vendor GUID. These are advisory: consumers must tolerate their
// absence, and export failures never block the handoff.
func ExportVariables(store efivars.Store, info BootInfo, measured bool) error {
	attrs := efivars.BootServiceAccess | efivars.RuntimeAccess

	strings := []struct {
		name  string
		value string
	}{
		{constants.LoaderDevicePartUUID, info.PartUUID},
		{constants.LoaderImageIdentifier, info.ImageIdentifier},
		{constants.LoaderFirmwareInfo, info.FirmwareInfo},
		{constants.LoaderFirmwareType, info.FirmwareType},
		{constants.StubInfo, constants.Name + " " + common.GetVersion()},
	}

	if measured {
		strings = append(strings, struct {
			name  string
			value string
		}{constants.StubPcrKernelImage, strconv.Itoa(constants.KernelImagePCR)})
	}

	for _, v := range strings {
		if v.value == "" {
			continue
		}

		variable := efivars.Variable{Name: v.name, GUID: constants.LoaderGUID}

		if err := store.Set(variable, attrs, utf16Bytes(v.value)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrVariableExport, v.name, err)
		}
	}

	featuresValue := make([]byte, 8)
	binary.LittleEndian.PutUint64(featuresValue, Features(measured))

	featuresVar := efivars.Variable{Name: constants.StubFeatures, GUID: constants.LoaderGUID}

	if err := store.Set(featuresVar, attrs, featuresValue); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrVariableExport, constants.StubFeatures, err)
	}

	return nil
}

// utf16Bytes encodes a string as NUL-terminated UTF-16LE, the encoding EFI
// string variables use.
func utf16Bytes(s string) []byte {
	encoded := utf16.Encode([]rune(s))

	out := make([]byte, 0, 2*len(encoded)+2)

	for _, r := range encoded {
		out = binary.LittleEndian.AppendUint16(out, r)
	}

	return binary.LittleEndian.AppendUint16(out, 0)
}
