// Package indexer defines the contract for the debug-info indexer that
// consumes the ELF files this module discovers. The indexer itself is
// implemented by the surrounding debugger, never here.
package indexer

import "debug/elf"

// Indexer receives discovered ELF files and load-address ranges and is
// responsible for loading type and symbol information out of them. All
// methods are called from a single goroutine per discovery run; an
// Indexer implementation need not be safe for concurrent use by this
// module's own code (callers running several discovery runs concurrently
// are responsible for their own serialization).
type Indexer interface {
	// ReportELF hands the indexer a classified ELF file. On success the
	// indexer assumes ownership of f and elf and the caller must not use
	// or close either again. isNew reports whether this is the first time
	// the indexer has seen debug info for name. ReportELF returns an
	// error only when the indexer wants to abort the entire discovery
	// run (a fatal condition); recoverable per-file problems should be
	// surfaced through ReportError instead, by the caller, not by
	// returning an error here.
	ReportELF(path string, f ReleasableFile, elf *elf.File, start, end uint64, name string) (isNew bool, err error)

	// ReportError records a non-fatal problem discovered while processing
	// path. cause may be nil.
	ReportError(path string, message string, cause error)

	// Flush instructs the indexer to finish loading everything reported
	// so far before any further reads of target memory are attempted —
	// required before the kernel-walk module iterator can resolve
	// "struct module".
	Flush() error

	// IsIndexed reports whether the indexer already holds debug
	// information for the named module.
	IsIndexed(name string) bool

	// LoadMain reports whether the caller wants vmlinux debug info
	// loaded at all.
	LoadMain() bool

	// LoadDefault reports whether the coordinator may fall back to
	// depmod/standard system paths for modules with no caller-supplied
	// candidate file.
	LoadDefault() bool
}

// ReleasableFile is the minimal file handle surface ReportELF needs to
// take ownership of: something closeable. *os.File satisfies this.
type ReleasableFile interface {
	Close() error
}
