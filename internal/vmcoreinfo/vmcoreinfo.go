// Package vmcoreinfo parses the Linux kernel's VMCOREINFO descriptor,
// which exposes the handful of runtime parameters (kernel release, page
// size, KASLR slide, swapper page-table root) needed before anything else
// in the target can be interpreted.
package vmcoreinfo

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/coredbg/lkdiscover/internal/dkind"
	"github.com/coredbg/lkdiscover/internal/target"
)

// Info is the parsed VMCOREINFO record. After a successful Parse or
// ReadFallback call, OSRelease, PageSize, and SwapperPgDir are always set;
// KASLROffset and PgtableL5Enabled default to their zero values when the
// descriptor omits them.
type Info struct {
	OSRelease          string
	PageSize           uint64
	KASLROffset        uint64
	SwapperPgDir       uint64
	PgtableL5Enabled   bool
}

const (
	prefixOSRelease   = "OSRELEASE="
	prefixPageSize    = "PAGESIZE="
	prefixKASLR       = "KERNELOFFSET="
	prefixSwapperPg   = "SYMBOL(swapper_pg_dir)="
	prefixPgtableL5   = "NUMBER(pgtable_l5_enabled)="

	// maxOSReleaseLen mirrors the kernel's NEW_UTS_LEN bound on the
	// release string carried in VMCOREINFO.
	maxOSReleaseLen = 64
)

// Parse consumes a VMCOREINFO descriptor's raw key=value text body and
// returns the parsed record. It fails if any required field (osrelease,
// page_size, swapper_pg_dir) is missing, if a numeric field overflows, or
// if osrelease exceeds the kernel's release-string bound. Unknown lines
// are ignored.
func Parse(desc []byte) (*Info, error) {
	var info Info
	var haveOSRelease, havePageSize, haveSwapperPg bool

	scanner := bufio.NewScanner(strings.NewReader(string(desc)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, prefixOSRelease):
			v := strings.TrimPrefix(line, prefixOSRelease)
			if len(v) == 0 {
				return nil, fmt.Errorf("vmcoreinfo: %w: empty OSRELEASE", dkind.Other)
			}
			if len(v) > maxOSReleaseLen {
				return nil, fmt.Errorf("vmcoreinfo: %w: OSRELEASE exceeds %d bytes", dkind.Overflow, maxOSReleaseLen)
			}
			info.OSRelease = v
			haveOSRelease = true

		case strings.HasPrefix(line, prefixPageSize):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, prefixPageSize), 10, 64)
			if err != nil {
				return nil, overflowOrOther("PAGESIZE", err)
			}
			info.PageSize = v
			havePageSize = true

		case strings.HasPrefix(line, prefixKASLR):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, prefixKASLR), 16, 64)
			if err != nil {
				return nil, overflowOrOther("KERNELOFFSET", err)
			}
			info.KASLROffset = v

		case strings.HasPrefix(line, prefixSwapperPg):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, prefixSwapperPg), 16, 64)
			if err != nil {
				return nil, overflowOrOther("swapper_pg_dir", err)
			}
			info.SwapperPgDir = v
			haveSwapperPg = true

		case strings.HasPrefix(line, prefixPgtableL5):
			v, err := strconv.ParseUint(strings.TrimPrefix(line, prefixPgtableL5), 10, 64)
			if err != nil {
				return nil, overflowOrOther("pgtable_l5_enabled", err)
			}
			info.PgtableL5Enabled = v != 0

		default:
			// Unrecognized lines (other VMCOREINFO keys this module does
			// not need) are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("vmcoreinfo: %w: scanning descriptor: %v", dkind.Other, err)
	}

	if !haveOSRelease {
		return nil, fmt.Errorf("vmcoreinfo: %w: missing OSRELEASE", dkind.Other)
	}
	if !havePageSize {
		return nil, fmt.Errorf("vmcoreinfo: %w: missing PAGESIZE", dkind.Other)
	}
	if !haveSwapperPg {
		return nil, fmt.Errorf("vmcoreinfo: %w: missing SYMBOL(swapper_pg_dir)", dkind.Other)
	}
	if info.SwapperPgDir == 0 {
		return nil, fmt.Errorf("vmcoreinfo: %w: swapper_pg_dir is zero", dkind.Other)
	}

	return &info, nil
}

func overflowOrOther(field string, err error) error {
	if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
		return fmt.Errorf("vmcoreinfo: %w: %s: %v", dkind.Overflow, field, err)
	}
	return fmt.Errorf("vmcoreinfo: %w: %s: %v", dkind.Other, field, err)
}

// ELF note constants used by the fallback path. VMCOREINFO is embedded as
// a single ELF note with a fixed, well-known name and size.
const (
	noteNameSize     = 11 // "VMCOREINFO" + NUL
	noteHeaderSize   = 12 // n_namesz, n_descsz, n_type (3 x u32)
	noteNamePadded   = 12 // noteNameSize rounded up to 4-byte alignment
	noteDescOffset   = noteHeaderSize + noteNamePadded
	noteName         = "VMCOREINFO\x00"
)

// ReadFallback implements the fallback path: it parses the address/size
// pair in sysVMCoreInfo (the contents of the on-host /sys/kernel/vmcoreinfo
// file, formatted "%hex_address %hex_size"), reads that many bytes from
// the target's physical memory via reader, validates the result as a
// VMCOREINFO ELF note, and parses its descriptor.
func ReadFallback(reader target.Reader, sysVMCoreInfo []byte) (*Info, error) {
	addr, size, err := parseVMCoreInfoLocation(sysVMCoreInfo)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if err := reader.ReadMemory(buf, addr, true); err != nil {
		return nil, fmt.Errorf("vmcoreinfo: %w: reading %d bytes at physical 0x%x: %v", dkind.OS, size, addr, err)
	}

	return parseNote(buf)
}

func parseVMCoreInfoLocation(line []byte) (addr, size uint64, err error) {
	fields := strings.Fields(string(line))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("vmcoreinfo: %w: malformed /sys/kernel/vmcoreinfo line %q", dkind.Other, line)
	}
	addr, err = strconv.ParseUint(fields[0], 16, 64)
	if err != nil {
		return 0, 0, overflowOrOther("vmcoreinfo address", err)
	}
	size, err = strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return 0, 0, overflowOrOther("vmcoreinfo size", err)
	}
	return addr, size, nil
}

// parseNote validates buf as a VMCOREINFO ELF note and parses its
// descriptor. The note framing is: n_namesz=11, n_descsz, n_type, then the
// 4-byte-padded name "VMCOREINFO\0", then the descriptor bytes.
func parseNote(buf []byte) (*Info, error) {
	if len(buf) < noteDescOffset {
		return nil, fmt.Errorf("vmcoreinfo: %w: note too short for header", dkind.Other)
	}

	nameSize := readU32Native(buf[0:4])
	descSize := readU32Native(buf[4:8])

	if nameSize != noteNameSize {
		return nil, fmt.Errorf("vmcoreinfo: %w: unexpected note n_namesz %d, want %d", dkind.Other, nameSize, noteNameSize)
	}
	gotName := string(buf[noteHeaderSize : noteHeaderSize+noteNameSize])
	if gotName != noteName {
		return nil, fmt.Errorf("vmcoreinfo: %w: unexpected note name %q", dkind.Other, gotName)
	}

	descEnd := noteDescOffset + int(descSize)
	if descSize > uint32(len(buf)) || descEnd > len(buf) {
		return nil, fmt.Errorf("vmcoreinfo: %w: descriptor of size %d does not fit in %d-byte read", dkind.Other, descSize, len(buf))
	}

	return Parse(buf[noteDescOffset:descEnd])
}

// readU32Native decodes a native-endian 32-bit value. The VMCOREINFO note
// fallback reads memory belonging to the same architecture this process
// runs on (the target memory reader always returns bytes in target byte
// order, which for the VMCOREINFO note path is native since the note
// header itself, unlike the depmod trie, carries no explicit endianness
// marker).
func readU32Native(b []byte) uint32 {
	return binary.NativeEndian.Uint32(b)
}
