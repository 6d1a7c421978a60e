package kernelmodule

import (
	"fmt"
	"path/filepath"

	"github.com/coredbg/lkdiscover/internal/hostproc"
	"github.com/coredbg/lkdiscover/internal/target"
)

// ExtractLiveBuildID finds a module's GNU build-ID by scanning every file
// in /sys/module/<name>/notes/ as a stream of ELF notes. Returns nil,
// nil if no build-ID note is found anywhere in the directory.
func ExtractLiveBuildID(sysModuleDir, moduleName string) ([]byte, error) {
	dir := filepath.Join(sysModuleDir, moduleName, "notes")
	names, err := hostproc.ReadDirRegularFiles(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		data, err := hostproc.ReadFileBytes(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		id, err := scanGNUBuildID(data, false)
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: scanning notes file %q: %w", name, err)
		}
		if id != nil {
			return id, nil
		}
	}
	return nil, nil
}

// ExtractKernelWalkBuildID finds a module's GNU build-ID by iterating
// module->notes_attrs->attrs[0..notes] and reading each attribute's note
// bytes out of target memory. targetBigEndian must reflect the target
// kernel's byte order so the note header fields can be swapped when it
// differs from the host's.
func ExtractKernelWalkBuildID(mod target.Object, reader target.Reader, targetBigEndian bool) ([]byte, error) {
	notesAttrs, _, err := tryMemberDereference(mod, "notes_attrs")
	if err != nil {
		if target.IsLookupMiss(err) {
			// Some kernel configurations omit notes_attrs entirely
			// (CONFIG_KALLSYMS disabled, etc.); treat as "no build-id".
			return nil, nil
		}
		return nil, fmt.Errorf("kernelmodule: module->notes_attrs: %w", err)
	}

	nObj, err := notesAttrs.Member("notes")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: notes_attrs->notes: %w", err)
	}
	n, err := nObj.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: reading notes_attrs->notes: %w", err)
	}

	attrs, err := notesAttrs.Member("attrs")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: notes_attrs->attrs: %w", err)
	}

	for i := uint64(0); i < n; i++ {
		entry, err := attrs.Subscript(i)
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: notes_attrs->attrs[%d]: %w", i, err)
		}

		privateObj, err := entry.Member("private")
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: attrs[i].private: %w", err)
		}
		addr, err := privateObj.ReadUnsigned()
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: reading attrs[i].private: %w", err)
		}

		sizeObj, err := entry.Member("size")
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: attrs[i].size: %w", err)
		}
		size, err := sizeObj.ReadUnsigned()
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: reading attrs[i].size: %w", err)
		}

		buf := make([]byte, size)
		if err := reader.ReadMemory(buf, addr, false); err != nil {
			return nil, fmt.Errorf("kernelmodule: reading note bytes at 0x%x: %w", addr, err)
		}

		id, err := scanGNUBuildID(buf, targetBigEndian)
		if err != nil {
			return nil, fmt.Errorf("kernelmodule: scanning notes_attrs->attrs[%d]: %w", i, err)
		}
		if id != nil {
			return id, nil
		}
	}
	return nil, nil
}
