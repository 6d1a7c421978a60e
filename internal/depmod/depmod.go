// Package depmod parses depmod's modules.dep.bin: a memory-mapped,
// little-endian binary radix trie mapping a kernel module's base name to
// its path relative to /lib/modules/<release>/ and its dependencies.
package depmod

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coredbg/lkdiscover/internal/binbuf"
	"github.com/coredbg/lkdiscover/internal/dkind"
)

const (
	magic   = 0xb007f457
	version = 0x0002_0001

	// Tagged-offset flag bits, reproduced from depmod's own
	// index_node_offset encoding (the high nibble of the 32-bit tagged
	// offset). Equivalent to "the top 4 bits carry flags PREFIX=0x8,
	// VALUES=0x4, CHILDS=0x2" stated as absolute 32-bit masks.
	nodeOffsetMask = 0x0fffffff
	nodeChilds     = 0x20000000
	nodeValues     = 0x40000000
	nodePrefix     = 0x80000000
)

// State is the lifecycle state of an Index:
// StateUninit -> StateMapped -> StateClosed. Lookups run in StateMapped;
// there is no separate state for an index that has served a lookup.
type State int

const (
	StateUninit State = iota
	StateMapped
	StateClosed
)

// Index is a memory-mapped depmod binary trie. Construct with Open; call
// Close exactly once to release the mapping. Once Close has been called
// (or Open failed validation) the Index is inert.
type Index struct {
	path       string
	data       []byte
	state      State
	rootOffset uint32
}

// Open maps path read-only, validates its header, and returns a ready
// Index. On any failure the mapping (if established) is released before
// returning.
//
// Immediately after the 8-byte magic/version header sits a single 32-bit
// tagged offset naming the root node, using the same tagged-offset
// encoding as every other node reference in the trie; Open reads and
// caches it so Find always starts from a real node reference rather than
// a bare file offset with implicitly-zero flags.
func Open(path string) (*Index, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("depmod: %w: open %q: %v", dkind.OS, path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("depmod: %w: stat %q: %v", dkind.OS, path, err)
	}
	size := fi.Size()
	if size < 12 {
		return nil, fmt.Errorf("depmod: %w: %q is %d bytes, too small for header", dkind.Other, path, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("depmod: %w: mmap %q: %v", dkind.OS, path, err)
	}

	idx := &Index{path: path, data: data, state: StateMapped}

	buf := binbuf.New(path, data, true) // little-endian header
	gotMagic, err := buf.U32()
	if err != nil {
		idx.Close()
		return nil, err
	}
	gotVersion, err := buf.U32()
	if err != nil {
		idx.Close()
		return nil, err
	}
	if gotMagic != magic || gotVersion != version {
		idx.Close()
		return nil, fmt.Errorf("depmod: %w: %q bad header: magic=%#x version=%#x", dkind.Other, path, gotMagic, gotVersion)
	}

	rootOffset, err := buf.U32()
	if err != nil {
		idx.Close()
		return nil, fmt.Errorf("depmod: %w: reading root offset: %v", dkind.Other, err)
	}
	idx.rootOffset = rootOffset

	return idx, nil
}

// Close unmaps the index. It is safe to call more than once.
func (idx *Index) Close() error {
	if idx.state == StateClosed {
		return nil
	}
	idx.state = StateClosed
	if idx.data == nil {
		return nil
	}
	err := unix.Munmap(idx.data)
	idx.data = nil
	return err
}

// Find looks up name in the trie and returns the relative module path
// (e.g. "kernel/drivers/foo.ko.xz") and its depmod priority. A well-formed
// miss returns ("", 0, nil); malformed trie data returns a non-nil error.
func (idx *Index) Find(name string) (string, uint32, error) {
	if idx.state != StateMapped {
		return "", 0, fmt.Errorf("depmod: %w: index not mapped", dkind.Other)
	}

	offset := idx.rootOffset
	remaining := name

	for {
		nodeOffset := offset & nodeOffsetMask
		flags := offset &^ nodeOffsetMask

		pos := int(nodeOffset)
		if pos < 0 || pos > len(idx.data) {
			return "", 0, fmt.Errorf("depmod: %w: node offset %#x out of bounds", dkind.Other, nodeOffset)
		}
		buf := binbuf.New(idx.path, idx.data, true)
		if err := buf.Seek(pos); err != nil {
			return "", 0, fmt.Errorf("depmod: %w: %v", dkind.Other, err)
		}

		if flags&nodePrefix != 0 {
			prefix, err := buf.CString()
			if err != nil {
				return "", 0, fmt.Errorf("depmod: %w: reading prefix: %v", dkind.Other, err)
			}
			if !strings.HasPrefix(remaining, prefix) {
				return "", 0, nil
			}
			remaining = remaining[len(prefix):]
		}

		if flags&nodeChilds != 0 {
			first, err := buf.U8()
			if err != nil {
				return "", 0, fmt.Errorf("depmod: %w: reading child range: %v", dkind.Other, err)
			}
			last, err := buf.U8()
			if err != nil {
				return "", 0, fmt.Errorf("depmod: %w: reading child range: %v", dkind.Other, err)
			}

			if remaining != "" {
				c := remaining[0]
				if c < first || c > last {
					return "", 0, nil
				}
				childIdx := int(c - first)
				childTableStart := buf.Pos()
				childOffsetPos := childTableStart + childIdx*4
				cbuf := binbuf.New(idx.path, idx.data, true)
				if err := cbuf.Seek(childOffsetPos); err != nil {
					return "", 0, fmt.Errorf("depmod: %w: %v", dkind.Other, err)
				}
				childOffset, err := cbuf.U32()
				if err != nil {
					return "", 0, fmt.Errorf("depmod: %w: reading child offset: %v", dkind.Other, err)
				}
				if childOffset == 0 {
					return "", 0, nil
				}
				remaining = remaining[1:]
				offset = childOffset
				continue
			}

			// remaining is empty: fall through to the value list, which
			// sits right after the child table.
			if err := buf.Skip((int(last) - int(first) + 1) * 4); err != nil {
				return "", 0, fmt.Errorf("depmod: %w: %v", dkind.Other, err)
			}
		} else if remaining != "" {
			// No child table but characters remain: this node cannot
			// match the rest of the name.
			return "", 0, nil
		}

		if remaining != "" {
			// Name not exhausted and no child table consumed it above.
			return "", 0, nil
		}

		if flags&nodeValues == 0 {
			return "", 0, nil
		}

		count, err := buf.U32()
		if err != nil {
			return "", 0, fmt.Errorf("depmod: %w: reading value count: %v", dkind.Other, err)
		}
		if count == 0 {
			// depmod should never emit an empty value list, but kmod's
			// own reader treats count=0 as a miss rather than malformed;
			// match that.
			return "", 0, nil
		}

		priority, err := buf.U32() // priority of the first (winning) record
		if err != nil {
			return "", 0, fmt.Errorf("depmod: %w: reading priority: %v", dkind.Other, err)
		}
		rest, err := buf.CString()
		if err != nil {
			return "", 0, fmt.Errorf("depmod: %w: reading value record: %v", dkind.Other, err)
		}
		path, ok := splitValueRecord(rest)
		if !ok {
			return "", 0, fmt.Errorf("depmod: %w: value record missing ':' delimiter", dkind.Other)
		}
		return path, priority, nil
	}
}

// splitValueRecord returns the path up to the first ':' delimiter
// (module_deps follow, separated by ':', and are not needed by this
// module).
func splitValueRecord(rest string) (path string, ok bool) {
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return rest, false
	}
	return rest[:idx], true
}
