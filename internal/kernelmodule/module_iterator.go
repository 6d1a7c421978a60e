// Package kernelmodule implements the polymorphic module and section
// iterators, and the GNU build-ID extractor, each able to walk either the
// live host's /proc and /sys filesystem state or a target kernel's own
// struct module linked list via typed reads. The two backends share only
// their output contract, modeled as a tagged variant rather than an
// inheritance hierarchy.
package kernelmodule

import (
	"errors"
	"fmt"

	"github.com/coredbg/lkdiscover/internal/dkind"
	"github.com/coredbg/lkdiscover/internal/hostproc"
	"github.com/coredbg/lkdiscover/internal/target"
)

// LoadedModule is one module reported by the iterator: its name and
// in-memory address range. Valid only until the next Next() call. Object
// is the underlying struct module typed-object handle when the iterator
// is running the kernel-walk backend, and nil for the live backend;
// callers needing to construct a per-module section or build-ID iterator
// use it to select which constructor to call.
type LoadedModule struct {
	Name   string
	Start  uint64
	End    uint64
	Object target.Object
}

// moduleBackend is the shared contract both iterator implementations
// satisfy. next returns dkind.Stop (wrapped) when exhausted.
type moduleBackend interface {
	next() (LoadedModule, error)
}

// ModuleIterator enumerates loaded kernel modules via whichever backend
// it was constructed with. State machine: FRESH -> ACTIVE -> (STOP |
// ERROR); ACTIVE is re-entered on every Next call, with no backtracking.
type ModuleIterator struct {
	backend moduleBackend
	done    bool
}

// NewLiveModuleIterator constructs a ModuleIterator over /proc/modules.
func NewLiveModuleIterator(procModulesPath string) (*ModuleIterator, error) {
	lines, err := hostproc.ReadProcModules(procModulesPath)
	if err != nil {
		return nil, err
	}
	return &ModuleIterator{backend: &liveModuleBackend{lines: lines}}, nil
}

// NewKernelWalkModuleIterator constructs a ModuleIterator that walks the
// target's struct module linked list via the typed-object collaborator.
// The caller must have already ensured vmlinux debug info is loaded,
// since struct module and the "modules" list_head symbol must be
// resolvable; the discovery coordinator's pre-iteration flush takes care
// of that.
func NewKernelWalkModuleIterator(obj target.Collaborator) (*ModuleIterator, error) {
	head, err := obj.FindObject("modules", target.KindVariable)
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: resolving \"modules\" list head: %w", err)
	}
	headAddr, err := head.AddressOf()
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: address of \"modules\": %w", err)
	}

	next, _, err := tryMemberDereference(head, "next")
	if err != nil {
		return nil, fmt.Errorf("kernelmodule: reading modules.next: %w", err)
	}

	return &ModuleIterator{backend: &kernelWalkModuleBackend{
		obj:      obj,
		headAddr: headAddr,
		node:     next,
	}}, nil
}

// Next returns the next loaded module. When iteration is exhausted it
// returns an error wrapping dkind.Stop; callers should check
// errors.Is(err, dkind.Stop) and treat it as normal termination, never as
// a user-visible failure or log line.
func (it *ModuleIterator) Next() (LoadedModule, error) {
	if it.done {
		return LoadedModule{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
	}
	m, err := it.backend.next()
	if err != nil {
		if errors.Is(err, dkind.Stop) {
			it.done = true
		}
		return LoadedModule{}, err
	}
	return m, nil
}

// --- live backend ---

type liveModuleBackend struct {
	lines []hostproc.ModulesLine
	pos   int
}

func (b *liveModuleBackend) next() (LoadedModule, error) {
	if b.pos >= len(b.lines) {
		return LoadedModule{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
	}
	l := b.lines[b.pos]
	b.pos++
	return LoadedModule{Name: l.Name, Start: l.Start, End: l.Start + l.Size}, nil
}

// --- kernel-walk backend ---

type kernelWalkModuleBackend struct {
	obj      target.Collaborator
	headAddr uint64
	node     target.Object
}

func (b *kernelWalkModuleBackend) next() (LoadedModule, error) {
	addr, err := b.node.AddressOf()
	if err != nil {
		return LoadedModule{}, fmt.Errorf("kernelmodule: address of list node: %w", err)
	}
	if addr == b.headAddr {
		return LoadedModule{}, fmt.Errorf("kernelmodule: %w", dkind.Stop)
	}

	mod, err := b.obj.ContainerOf(b.node, "module", "list")
	if err != nil {
		return LoadedModule{}, fmt.Errorf("kernelmodule: container_of(struct module, list): %w", err)
	}

	start, end, err := readModuleCoreLayout(mod)
	if err != nil {
		return LoadedModule{}, err
	}

	nameObj, err := mod.Member("name")
	if err != nil {
		return LoadedModule{}, fmt.Errorf("kernelmodule: module->name: %w", err)
	}
	name, err := nameObj.ReadCString()
	if err != nil {
		return LoadedModule{}, fmt.Errorf("kernelmodule: reading module name: %w", err)
	}

	// Advance to the next node for the following call.
	next, _, err := tryMemberDereference(b.node, "next")
	if err != nil {
		return LoadedModule{}, fmt.Errorf("kernelmodule: reading list node.next: %w", err)
	}
	b.node = next

	return LoadedModule{Name: name, Start: start, End: end, Object: mod}, nil
}

// readModuleCoreLayout resolves a module's load range version-tolerantly:
// module->core_layout.{base,size} on modern kernels, falling
// back to module->{module_core,core_size} on kernels that predate the
// core_layout struct. Any error other than a lookup miss on core_layout
// itself propagates.
func readModuleCoreLayout(mod target.Object) (start, end uint64, err error) {
	layout, _, err := tryMembers(mod, "core_layout")
	if err == nil {
		baseObj, err := layout.Member("base")
		if err != nil {
			return 0, 0, fmt.Errorf("kernelmodule: core_layout.base: %w", err)
		}
		base, err := baseObj.ReadUnsigned()
		if err != nil {
			return 0, 0, fmt.Errorf("kernelmodule: reading core_layout.base: %w", err)
		}
		sizeObj, err := layout.Member("size")
		if err != nil {
			return 0, 0, fmt.Errorf("kernelmodule: core_layout.size: %w", err)
		}
		size, err := sizeObj.ReadUnsigned()
		if err != nil {
			return 0, 0, fmt.Errorf("kernelmodule: reading core_layout.size: %w", err)
		}
		return base, base + size, nil
	}
	if !target.IsLookupMiss(err) {
		return 0, 0, fmt.Errorf("kernelmodule: module->core_layout: %w", err)
	}

	// Fallback: older kernels carry module_core/core_size directly.
	baseObj, err := mod.Member("module_core")
	if err != nil {
		return 0, 0, fmt.Errorf("kernelmodule: module->module_core: %w", err)
	}
	base, err := baseObj.ReadUnsigned()
	if err != nil {
		return 0, 0, fmt.Errorf("kernelmodule: reading module_core: %w", err)
	}
	sizeObj, err := mod.Member("core_size")
	if err != nil {
		return 0, 0, fmt.Errorf("kernelmodule: module->core_size: %w", err)
	}
	size, err := sizeObj.ReadUnsigned()
	if err != nil {
		return 0, 0, fmt.Errorf("kernelmodule: reading core_size: %w", err)
	}
	return base, base + size, nil
}
