// Package elfpatch classifies caller-supplied ELF files as vmlinux,
// kernel module, or other, and patches a module's section headers with
// their runtime load addresses before the file is handed to the debug
// info indexer.
//
// debug/elf is used for all ELF structure parsing (section name/flag
// enumeration, build-ID note extraction). Its section headers are
// read-only and it discards the raw section-header-table geometry once
// parsed, so the patcher that rewrites sh_addr re-reads the handful of
// ELF identification/header fields it needs directly from the file and
// writes the new address with os.File.WriteAt at a computed byte offset
// rather than reconstructing the file through a writer.
package elfpatch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/coredbg/lkdiscover/internal/dkind"
)

// Kind classifies a caller-supplied ELF file.
type Kind int

const (
	// KindOther is any ELF that is neither vmlinux nor a kernel module.
	// It is reported to the indexer as-is, at address range [0, 0].
	KindOther Kind = iota
	KindVmlinux
	KindModule
)

func (k Kind) String() string {
	switch k {
	case KindVmlinux:
		return "vmlinux"
	case KindModule:
		return "module"
	default:
		return "other"
	}
}

const (
	sectionInitText    = ".init.text"
	sectionThisModule  = ".gnu.linkonce.this_module"
	gnuBuildIDNoteName = "GNU\x00"
	ntGNUBuildID       = uint32(3)
)

// Classify inspects f's sections and returns the caller-supplied ELF's
// Kind: vmlinux has .init.text and lacks
// .gnu.linkonce.this_module; a module has .gnu.linkonce.this_module;
// anything else is "other".
func Classify(f *elf.File) Kind {
	hasInitText := f.Section(sectionInitText) != nil
	hasThisModule := f.Section(sectionThisModule) != nil

	switch {
	case hasThisModule:
		return KindModule
	case hasInitText:
		return KindVmlinux
	default:
		return KindOther
	}
}

// BuildID extracts the GNU build-ID from f's NOTE sections, scanning
// each one the same way the kernel-walk and live build-ID extractors
// scan their note blobs. Returns nil, nil if the file carries no
// build-ID.
func BuildID(f *elf.File) ([]byte, error) {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("elfpatch: %w: reading note section %q: %v", dkind.Other, sec.Name, err)
		}
		id, err := scanGNUBuildID(data)
		if err != nil {
			return nil, fmt.Errorf("elfpatch: %w: scanning note section %q: %v", dkind.Other, sec.Name, err)
		}
		if id != nil {
			return id, nil
		}
	}
	return nil, nil
}

func align4(n int) int { return (n + 3) &^ 3 }

func scanGNUBuildID(data []byte) ([]byte, error) {
	pos := 0
	for pos+12 <= len(data) {
		nameSize := int(binary.LittleEndian.Uint32(data[pos : pos+4]))
		descSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		noteType := binary.LittleEndian.Uint32(data[pos+8 : pos+12])
		pos += 12

		namePadded := align4(nameSize)
		if namePadded < 0 || pos+namePadded > len(data) {
			return nil, fmt.Errorf("note name overruns section")
		}
		name := string(data[pos : pos+nameSize])
		pos += namePadded

		descPadded := align4(descSize)
		if descPadded < 0 || pos+descPadded > len(data) {
			return nil, fmt.Errorf("note descriptor overruns section")
		}
		desc := data[pos : pos+descSize]
		pos += descPadded

		if name == gnuBuildIDNoteName && noteType == ntGNUBuildID && len(desc) > 0 {
			out := make([]byte, len(desc))
			copy(out, desc)
			return out, nil
		}
	}
	return nil, nil
}

// SectionAddress is one (name, runtime load address) pair to patch into
// an on-disk ELF's section headers.
type SectionAddress struct {
	Name    string
	Address uint64
}

// PatchSections, given the open backing file for ef and a set of live
// section addresses, overwrites sh_addr for every
// ALLOC-flagged section whose name matches an entry in addrs. Sections
// present on disk but not named in addrs are left unchanged; names in
// addrs matching no ALLOC section on disk are silently ignored, since a
// target's live section set can outgrow the prebuilt module image (e.g.
// per-CPU duplicated sections).
//
// file must be the same file ef was parsed from, opened read-write.
func PatchSections(file *os.File, ef *elf.File, addrs []SectionAddress) error {
	geom, err := readHeaderGeometry(file)
	if err != nil {
		return fmt.Errorf("elfpatch: %w: reading ELF header: %v", dkind.Other, err)
	}

	allocByName := make(map[string]int, len(ef.Sections))
	for i, sec := range ef.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		allocByName[sec.Name] = i
	}

	for _, a := range addrs {
		idx, ok := allocByName[a.Name]
		if !ok {
			continue
		}
		if err := geom.writeSHAddr(file, idx, a.Address); err != nil {
			return fmt.Errorf("elfpatch: %w: patching section %q: %v", dkind.OS, a.Name, err)
		}
	}
	return nil
}

// headerGeometry holds the raw section-header-table layout fields debug/elf
// parses but does not expose on *elf.File, needed to compute the absolute
// byte offset of a given section's sh_addr field.
type headerGeometry struct {
	is64      bool
	bo        binary.ByteOrder
	shoff     int64
	shentsize int64
}

const (
	elfIdentSize = 16
	elfClass64   = 2
	elfData2LSB  = 1
)

func readHeaderGeometry(file *os.File) (headerGeometry, error) {
	ident := make([]byte, elfIdentSize)
	if _, err := file.ReadAt(ident, 0); err != nil {
		return headerGeometry{}, fmt.Errorf("reading e_ident: %w", err)
	}
	if string(ident[:4]) != "\x7fELF" {
		return headerGeometry{}, fmt.Errorf("not an ELF file")
	}
	is64 := ident[4] == elfClass64
	var bo binary.ByteOrder = binary.BigEndian
	if ident[5] == elfData2LSB {
		bo = binary.LittleEndian
	}

	var shoff int64
	var shentsize int64
	if is64 {
		hdr := make([]byte, 64-elfIdentSize)
		if _, err := file.ReadAt(hdr, elfIdentSize); err != nil {
			return headerGeometry{}, fmt.Errorf("reading ELF64 header: %w", err)
		}
		// e_shoff is at byte 40 of the Ehdr64, i.e. offset 24 within hdr
		// (40 - elfIdentSize). e_shentsize is at byte 58 (offset 42).
		shoff = int64(bo.Uint64(hdr[24:32]))
		shentsize = int64(bo.Uint16(hdr[42:44]))
	} else {
		hdr := make([]byte, 52-elfIdentSize)
		if _, err := file.ReadAt(hdr, elfIdentSize); err != nil {
			return headerGeometry{}, fmt.Errorf("reading ELF32 header: %w", err)
		}
		// e_shoff is at byte 32 of Ehdr32 (offset 16 within hdr);
		// e_shentsize at byte 46 (offset 30).
		shoff = int64(bo.Uint32(hdr[16:20]))
		shentsize = int64(bo.Uint16(hdr[30:32]))
	}

	return headerGeometry{is64: is64, bo: bo, shoff: shoff, shentsize: shentsize}, nil
}

// writeSHAddr overwrites the sh_addr field of the idx'th section header.
func (g headerGeometry) writeSHAddr(file *os.File, idx int, addr uint64) error {
	entryOff := g.shoff + int64(idx)*g.shentsize
	var addrFieldOff int64
	buf := make([]byte, 8)
	if g.is64 {
		addrFieldOff = entryOff + 16 // sh_name, sh_type, sh_flags (8) precede sh_addr
		g.bo.PutUint64(buf, addr)
	} else {
		addrFieldOff = entryOff + 12 // sh_name, sh_type, sh_flags (4) precede sh_addr
		g.bo.PutUint32(buf[:4], uint32(addr))
		buf = buf[:4]
	}
	if _, err := file.WriteAt(buf, addrFieldOff); err != nil {
		return fmt.Errorf("writing sh_addr at offset %d: %w", addrFieldOff, err)
	}
	return nil
}
