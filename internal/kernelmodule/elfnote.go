package kernelmodule

import (
	"encoding/binary"
	"fmt"

	"github.com/coredbg/lkdiscover/internal/dkind"
)

const (
	gnuBuildIDName = "GNU\x00"
	ntGNUBuildID   = 3
)

// align4 rounds n up to the next multiple of 4, the padding alignment
// every field of an ELF note observes.
func align4(n int) int {
	return (n + 3) &^ 3
}

// scanGNUBuildID scans data as a sequence of ELF notes and returns the
// descriptor bytes of the first GNU NT_GNU_BUILD_ID note with a non-empty
// descriptor. If bigEndian is true, the three u32 header fields of each
// note are interpreted big-endian (the kernel-walk backend must swap when
// the target's endianness differs from the host's). Returns (nil, nil) if
// no such note is found; this is not an error, it simply means the file
// or note blob carried no build-ID.
func scanGNUBuildID(data []byte, bigEndian bool) ([]byte, error) {
	order := binary.ByteOrder(binary.LittleEndian)
	if bigEndian {
		order = binary.BigEndian
	}

	pos := 0
	for pos+12 <= len(data) {
		nameSize := int(order.Uint32(data[pos : pos+4]))
		descSize := int(order.Uint32(data[pos+4 : pos+8]))
		noteType := order.Uint32(data[pos+8 : pos+12])
		pos += 12

		namePadded := align4(nameSize)
		if pos+namePadded > len(data) {
			return nil, fmt.Errorf("kernelmodule: %w: note name overruns buffer", dkind.Other)
		}
		name := string(data[pos : pos+nameSize])
		pos += namePadded

		descPadded := align4(descSize)
		if pos+descPadded > len(data) {
			return nil, fmt.Errorf("kernelmodule: %w: note descriptor overruns buffer", dkind.Other)
		}
		desc := data[pos : pos+descSize]
		pos += descPadded

		if name == gnuBuildIDName && noteType == ntGNUBuildID && len(desc) > 0 {
			out := make([]byte, len(desc))
			copy(out, desc)
			return out, nil
		}
	}
	return nil, nil
}
