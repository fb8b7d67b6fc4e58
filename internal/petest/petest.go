// Package petest builds a minimal PE32+ binary for tests, so no binary
// fixtures have to be checked in.
package petest

import "encoding/binary"

const (
	fileAlignment    = 0x200
	sectionAlignment = 0x1000
	sizeOfHeaders    = 0x400
)

// Stub returns a minimal but well-formed x86-64 EFI application: DOS header,
// COFF header, PE32+ optional header and a single .text section. The header
// area leaves room for additional section table entries.
func Stub() []byte {
	image := make([]byte, sizeOfHeaders+fileAlignment)

	// DOS header
	copy(image[0:2], "MZ")
	binary.LittleEndian.PutUint32(image[0x3c:], 0x40) // e_lfanew

	// PE signature
	peOffset := 0x40
	copy(image[peOffset:], "PE\x00\x00")

	// COFF header
	coff := peOffset + 4
	binary.LittleEndian.PutUint16(image[coff:], 0x8664)     // Machine: x86-64
	binary.LittleEndian.PutUint16(image[coff+2:], 1)        // NumberOfSections
	binary.LittleEndian.PutUint16(image[coff+16:], 240)     // SizeOfOptionalHeader
	binary.LittleEndian.PutUint16(image[coff+18:], 0x0022)  // Characteristics

	// PE32+ optional header
	opt := coff + 20
	binary.LittleEndian.PutUint16(image[opt:], 0x20b)                  // Magic
	binary.LittleEndian.PutUint32(image[opt+4:], fileAlignment)        // SizeOfCode
	binary.LittleEndian.PutUint32(image[opt+16:], sectionAlignment)    // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(image[opt+20:], sectionAlignment)    // BaseOfCode
	binary.LittleEndian.PutUint64(image[opt+24:], 0x140000000)         // ImageBase
	binary.LittleEndian.PutUint32(image[opt+32:], sectionAlignment)    // SectionAlignment
	binary.LittleEndian.PutUint32(image[opt+36:], fileAlignment)       // FileAlignment
	binary.LittleEndian.PutUint16(image[opt+48:], 6)                   // MajorSubsystemVersion
	binary.LittleEndian.PutUint32(image[opt+56:], 2*sectionAlignment)  // SizeOfImage
	binary.LittleEndian.PutUint32(image[opt+60:], sizeOfHeaders)       // SizeOfHeaders
	binary.LittleEndian.PutUint16(image[opt+68:], 10)                  // Subsystem: EFI application
	binary.LittleEndian.PutUint64(image[opt+72:], 0x100000)            // SizeOfStackReserve
	binary.LittleEndian.PutUint64(image[opt+80:], 0x1000)              // SizeOfStackCommit
	binary.LittleEndian.PutUint64(image[opt+88:], 0x100000)            // SizeOfHeapReserve
	binary.LittleEndian.PutUint64(image[opt+96:], 0x1000)              // SizeOfHeapCommit
	binary.LittleEndian.PutUint32(image[opt+108:], 16)                 // NumberOfRvaAndSizes

	// section table: single .text section backed by the trailing page
	section := opt + 240
	copy(image[section:], ".text\x00\x00\x00")
	binary.LittleEndian.PutUint32(image[section+8:], fileAlignment)     // VirtualSize
	binary.LittleEndian.PutUint32(image[section+12:], sectionAlignment) // VirtualAddress
	binary.LittleEndian.PutUint32(image[section+16:], fileAlignment)    // SizeOfRawData
	binary.LittleEndian.PutUint32(image[section+20:], sizeOfHeaders)    // PointerToRawData
	binary.LittleEndian.PutUint32(image[section+36:], 0x60000020)       // code, read, execute

	// a single ret so the section is not all zeroes
	image[sizeOfHeaders] = 0xc3

	return image
}
