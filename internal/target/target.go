// Package target defines the contracts for the two external
// collaborators the discovery core reads a target kernel through: the
// raw memory reader and the typed-object accessor that dereferences
// kernel structs out of debug information. Both are implemented by the
// surrounding debugger, never here; this module only consumes them.
package target

import (
	"errors"

	"github.com/coredbg/lkdiscover/internal/dkind"
)

// Reader reads raw bytes out of the target's memory. Virtual reads are
// issued by the kernel-walk module backend; the VMCOREINFO fallback
// issues physical reads.
type Reader interface {
	// ReadMemory fills dst with len(dst) bytes starting at address.
	// physical selects the target's physical address space instead of
	// the kernel virtual one. A short read is an error.
	ReadMemory(dst []byte, address uint64, physical bool) error
}

// Kind selects the namespace a Collaborator.FindObject lookup searches.
type Kind int

const (
	// KindVariable resolves a global variable, e.g. the kernel's
	// "modules" list head.
	KindVariable Kind = iota
	// KindConstant resolves an enumerator or macro-like constant.
	KindConstant
	// KindFunction resolves a function symbol.
	KindFunction
)

// Type is an opaque handle on a type resolved from the target's debug
// information. The discovery core never inspects types structurally; it
// only passes them back to the collaborator that produced them.
type Type interface {
	// Name returns the type's name as spelled in the debug info.
	Name() string
}

// Object is a typed value located in the target: a variable, a struct
// member, an array element. Every accessor that can miss on a given
// kernel version fails with an error carrying dkind.Lookup, which
// IsLookupMiss recovers; all other failures are real errors and must
// propagate.
type Object interface {
	// Member resolves a struct or union member by name.
	Member(name string) (Object, error)

	// MemberDereference follows a pointer-typed value and resolves a
	// member of the pointed-to struct in one step, the typed-object
	// equivalent of C's "->".
	MemberDereference(name string) (Object, error)

	// Subscript resolves element index of an array or pointer.
	Subscript(index uint64) (Object, error)

	// AddressOf returns the object's address in the target.
	AddressOf() (uint64, error)

	// Read copies the object's raw bytes into dst.
	Read(dst []byte) error

	// ReadUnsigned reads the object as an unsigned integer, widened to
	// 64 bits.
	ReadUnsigned() (uint64, error)

	// ReadCString reads the object as a NUL-terminated C string.
	ReadCString() (string, error)
}

// Collaborator is the typed-object accessor rooted in the target's
// loaded debug information. It becomes usable for kernel structs only
// after vmlinux has been reported and the indexer flushed; the
// discovery coordinator's ordering guarantees take care of that.
type Collaborator interface {
	// FindType resolves a named type, e.g. "struct module".
	FindType(name string) (Type, error)

	// FindObject resolves a named global of the given kind.
	FindObject(name string, kind Kind) (Object, error)

	// ContainerOf recovers the enclosing struct from a pointer to one
	// of its members, the typed-object equivalent of the kernel's
	// container_of macro. member must point at the named member of
	// containerType.
	ContainerOf(member Object, containerType, memberName string) (Object, error)
}

// IsLookupMiss reports whether err is the recoverable "member or symbol
// absent" signal. The version-tolerant fallback sites (core_layout vs
// module_core, battr vs direct name) catch exactly this and try the
// alternate member; every other error kind propagates untouched.
func IsLookupMiss(err error) bool {
	return errors.Is(err, dkind.Lookup)
}
