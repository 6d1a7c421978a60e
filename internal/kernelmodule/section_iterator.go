package kernelmodule

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coredbg/lkdiscover/internal/dkind"
	"github.com/coredbg/lkdiscover/internal/hostproc"
	"github.com/coredbg/lkdiscover/internal/target"
)

// Section is one entry produced by the section iterator: a section name
// and its runtime load address, scoped to a single LoadedModule.
type Section struct {
	Name    string
	Address uint64
}

type sectionBackend interface {
	next() (Section, error)
}

// SectionIterator enumerates a module's sections via whichever backend it
// was constructed with, mirroring ModuleIterator's two-backend shape.
type SectionIterator struct {
	backend sectionBackend
	done    bool
}

// NewLiveSectionIterator lists /sys/module/<name>/sections/ and reads
// each entry's single hex address.
func NewLiveSectionIterator(sysModuleDir, moduleName string) (*SectionIterator, error) {
	dir := filepath.Join(sysModuleDir, moduleName, "sections")
	names, err := hostproc.ReadDirRegularFiles(dir)
	if err != nil {
		return nil, err
	}
	return &SectionIterator{backend: &liveSectionBackend{dir: dir, names: names}}, nil
}

// NewKernelWalkSectionIterator iterates module->sect_attrs->attrs[i] via
// the typed-object collaborator.
func NewKernelWalkSectionIterator(mod target.Object) (*SectionIterator, error) {
	sectAttrs, _, err := tryMemberDereference(mod, "sect_attrs")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: module->sect_attrs: %w", err)
	}
	nObj, err := sectAttrs.Member("nsections")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: sect_attrs->nsections: %w", err)
	}
	n, err := nObj.ReadUnsigned()
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: reading nsections: %w", err)
	}
	attrs, err := sectAttrs.Member("attrs")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: sect_attrs->attrs: %w", err)
	}
	return &SectionIterator{backend: &kernelWalkSectionBackend{attrs: attrs, n: n}}, nil
}

// Next returns the next section. At exhaustion it returns an error
// wrapping dkind.Stop.
func (it *SectionIterator) Next() (Section, error) {
	if it.done {
		return Section{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
	}
	s, err := it.backend.next()
	if err != nil {
		if dkind.Is(err, dkind.Stop) {
			it.done = true
		}
		return Section{}, err
	}
	return s, nil
}

// --- live backend ---

type liveSectionBackend struct {
	dir   string
	names []string
	pos   int
}

func (b *liveSectionBackend) next() (Section, error) {
	for b.pos < len(b.names) {
		name := b.names[b.pos]
		b.pos++

		raw, err := hostproc.ReadFileTrimmed(filepath.Join(b.dir, name))
		if err != nil {
			return Section{}, err
		}
		raw = strings.TrimPrefix(raw, "0x")
		addr, err := strconv.ParseUint(raw, 16, 64)
		if err != nil {
			return Section{}, fmt.Errorf("kernelmodule: %w: parsing section address in %q: %v", dkind.Other, name, err)
		}
		return Section{Name: name, Address: addr}, nil
	}
	return Section{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
}

// --- kernel-walk backend ---

type kernelWalkSectionBackend struct {
	attrs target.Object
	n     uint64
	i     uint64
}

func (b *kernelWalkSectionBackend) next() (Section, error) {
	if b.i >= b.n {
		return Section{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
	}
	entry, err := b.attrs.Subscript(b.i)
	if err != nil {
		return Section{}, fmt.Errorf("kernelmodule: sect_attrs->attrs[%d]: %w", b.i, err)
	}
	b.i++

	addrObj, err := entry.Member("address")
	if err != nil {
		return Section{}, fmt.Errorf("kernelmodule: attrs[i].address: %w", err)
	}
	addr, err := addrObj.ReadUnsigned()
	if err != nil {
		return Section{}, fmt.Errorf("kernelmodule: reading attrs[i].address: %w", err)
	}

	name, err := readSectionName(entry)
	if err != nil {
		return Section{}, err
	}

	return Section{Name: name, Address: addr}, nil
}

// readSectionName implements the battr.attr.name (kernel >= 5.8) vs name
// (older kernels) fallback.
func readSectionName(entry target.Object) (string, error) {
	battr, err := entry.Member("battr")
	if err == nil {
		attr, err := battr.Member("attr")
		if err != nil {
			return "", fmt.Errorf("kernelmodule: battr.attr: %w", err)
		}
		nameObj, err := attr.Member("name")
		if err != nil {
			return "", fmt.Errorf("kernelmodule: battr.attr.name: %w", err)
		}
		return nameObj.ReadCString()
	}
	if !target.IsLookupMiss(err) {
		return "", fmt.Errorf("kernelmodule: attrs[i].battr: %w", err)
	}

	nameObj, err := entry.Member("name")
	if err != nil {
		return "", fmt.Errorf("kernelmodule: attrs[i].name: %w", err)
	}
	return nameObj.ReadCString()
}
