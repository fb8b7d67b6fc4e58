// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package assemble

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/perigee-os/trustboot/pkg/constants"
)

// rawSection is a section to be appended to the PE file.
type rawSection struct {
	name constants.Section
	data []byte
}

const (
	coffSectionEntrySize = 40

	// IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ
	sectionCharacteristics = 0x40000040

	// offsets within the PE32+ optional header
	offSizeOfImage   = 56
	offSizeOfHeaders = 60
	offCheckSum      = 64
)

func align(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// appendSections returns a copy of the PE32+ image in src with the given
// sections appended. Section data is placed at the end of the file; virtual
// addresses continue after the last existing section, both respecting the
// image's alignment. The section table must have room left in the headers,
// which UEFI stub binaries reserve for exactly this purpose.
func appendSections(src []byte, adds []rawSection) ([]byte, error) {
	if len(adds) == 0 {
		return src, nil
	}

	peFile, err := pe.NewFile(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parsing PE file: %w", err)
	}

	header, ok := peFile.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errors.New("image is not a PE32+ binary")
	}

	fileAlignment := uint64(header.FileAlignment)
	sectionAlignment := uint64(header.SectionAlignment)

	// locate the section table through the COFF header
	if len(src) < 0x40 {
		return nil, errors.New("image too short")
	}

	peOffset := uint64(binary.LittleEndian.Uint32(src[0x3c:]))
	coffOffset := peOffset + 4
	optOffset := coffOffset + 20

	numSections := uint64(binary.LittleEndian.Uint16(src[coffOffset+2:]))
	optSize := uint64(binary.LittleEndian.Uint16(src[coffOffset+16:]))

	tableOffset := optOffset + optSize
	tableEnd := tableOffset + numSections*coffSectionEntrySize
	newTableEnd := tableEnd + uint64(len(adds))*coffSectionEntrySize

	// the grown table must stay within the headers and clear of section data
	if newTableEnd > uint64(header.SizeOfHeaders) {
		return nil, fmt.Errorf("no room in section table for %d extra sections", len(adds))
	}

	for _, s := range peFile.Sections {
		if s.Size > 0 && uint64(s.Offset) < newTableEnd {
			return nil, fmt.Errorf("section %s data overlaps the grown section table", s.Name)
		}
	}

	// first free virtual address after the existing sections
	var baseVMA uint64

	for _, s := range peFile.Sections {
		if end := uint64(s.VirtualAddress) + uint64(s.VirtualSize); end > baseVMA {
			baseVMA = end
		}
	}

	baseVMA = align(baseVMA, sectionAlignment)

	out := make([]byte, align(uint64(len(src)), fileAlignment), align(uint64(len(src)), fileAlignment)+uint64(len(adds))*fileAlignment)
	copy(out, src)

	for i, add := range adds {
		if len(add.name) > 8 {
			return nil, fmt.Errorf("section name %q longer than 8 bytes", add.name)
		}

		rawOffset := uint64(len(out))
		rawSize := align(uint64(len(add.data)), fileAlignment)

		entry := make([]byte, coffSectionEntrySize)
		copy(entry[0:8], add.name)
		binary.LittleEndian.PutUint32(entry[8:], uint32(len(add.data)))   // VirtualSize
		binary.LittleEndian.PutUint32(entry[12:], uint32(baseVMA))        // VirtualAddress
		binary.LittleEndian.PutUint32(entry[16:], uint32(rawSize))        // SizeOfRawData
		binary.LittleEndian.PutUint32(entry[20:], uint32(rawOffset))      // PointerToRawData
		binary.LittleEndian.PutUint32(entry[36:], sectionCharacteristics) // Characteristics

		copy(out[tableEnd+uint64(i)*coffSectionEntrySize:], entry)

		out = append(out, add.data...)
		out = append(out, make([]byte, rawSize-uint64(len(add.data)))...)

		baseVMA = align(baseVMA+uint64(len(add.data)), sectionAlignment)
	}

	binary.LittleEndian.PutUint16(out[coffOffset+2:], uint16(numSections)+uint16(len(adds)))
	binary.LittleEndian.PutUint32(out[optOffset+offSizeOfImage:], uint32(align(baseVMA, sectionAlignment)))

	// stale checksum would fail strict loaders; signing recomputes it, and a
	// zero value is treated as "not set"
	binary.LittleEndian.PutUint32(out[optOffset+offCheckSum:], 0)

	return out, nil
}

// ReadSection extracts a named section's contents from a PE image, trimmed
// to its virtual size.
func ReadSection(image []byte, name constants.Section) ([]byte, error) {
	peFile, err := pe.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("parsing PE file: %w", err)
	}

	section := peFile.Section(string(name))
	if section == nil {
		return nil, fmt.Errorf("section %s not found", name)
	}

	data, err := section.Data()
	if err != nil {
		return nil, err
	}

	if uint64(section.VirtualSize) < uint64(len(data)) {
		data = data[:section.VirtualSize]
	}

	return data, nil
}
