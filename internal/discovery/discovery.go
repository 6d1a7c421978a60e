// Package discovery implements the coordinator that ties together
// VMCOREINFO parsing, the module/section/build-ID iterators, the depmod
// index, and the ELF section patcher into a single discovery run:
// classify caller-supplied candidate files, key modules by build-ID,
// walk the loaded-module list, match or fall back to depmod, and report
// everything to the indexer collaborator.
package discovery

import (
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"

	"github.com/coredbg/lkdiscover/internal/decisionlog"
	"github.com/coredbg/lkdiscover/internal/depmod"
	"github.com/coredbg/lkdiscover/internal/dkind"
	"github.com/coredbg/lkdiscover/internal/elfpatch"
	"github.com/coredbg/lkdiscover/internal/indexer"
	"github.com/coredbg/lkdiscover/internal/kernelmodule"
	"github.com/coredbg/lkdiscover/internal/resolvecache"
	"github.com/coredbg/lkdiscover/internal/target"
)

// CandidateFile is a caller-supplied ELF file awaiting a matching loaded
// module, or already matched and ready to be patched and reported.
// Ownership of File and ELF transfers to the Indexer on a successful
// report, at which point both fields are nilled to prevent double
// release.
type CandidateFile struct {
	Path    string
	File    *os.File
	ELF     *elf.File
	BuildID []byte

	// Next chains CandidateFiles sharing the same build-ID, in the order
	// they were classified.
	Next *CandidateFile
}

// Close releases File if still owned by this CandidateFile. It is a
// no-op once ownership has transferred to the indexer.
func (cf *CandidateFile) Close() error {
	if cf.File == nil {
		return nil
	}
	err := cf.File.Close()
	cf.File = nil
	cf.ELF = nil
	return err
}

// Params configures a Discovery coordinator. Collaborator and Reader may
// be nil only when IsLiveTarget is true and the live fast path ends up
// selected for the whole run (the kernel-walk backends are never
// constructed in that case); passing a live target with the live fast
// path disabled still requires both.
type Params struct {
	Indexer      indexer.Indexer
	Collaborator target.Collaborator
	Reader       target.Reader

	OSRelease       string
	SysModuleDir    string // default "/sys/module"
	ProcModulesPath string // default "/proc/modules"
	DepmodPath      string

	// IsLiveTarget reports whether this run targets a live running
	// kernel (as opposed to a captured crash image). Crash images always
	// use the kernel-walk backends regardless of UseLiveFastPath.
	IsLiveTarget bool
	// UseLiveFastPath overrides DRGN_USE_PROC_AND_SYS_MODULES when
	// non-nil; nil defers to the environment.
	UseLiveFastPath *bool
	// TargetBigEndian is consulted only by the kernel-walk build-ID
	// extractor, to byte-swap ELF note header fields when the target's
	// endianness differs from the host's.
	TargetBigEndian bool

	Logger *slog.Logger
	// DecisionLog, when non-nil, receives a tamper-evident record of
	// every match/fallback/leftover decision this run makes.
	DecisionLog *decisionlog.Logger
	// ResolveCache, when non-nil, is consulted before walking the depmod
	// trie for a module with no caller-supplied candidate, and updated
	// whenever that walk resolves a new debug path.
	ResolveCache *resolvecache.Cache
}

// Discovery is a single discovery run's coordinator. It is not safe for
// concurrent use; a run executes single-threaded and cooperatively.
type Discovery struct {
	idx    indexer.Indexer
	collab target.Collaborator
	reader target.Reader
	logger *slog.Logger

	osRelease       string
	sysModuleDir    string
	procModulesPath string
	depmodPath      string

	live            bool
	targetBigEndian bool

	depmodIndex     *depmod.Index
	depmodAttempted bool

	buildIDs map[string]*CandidateFile
	// buildIDOrder remembers the order build-ID keys were first inserted,
	// so leftover reporting is deterministic across runs on the same
	// fixture instead of following Go's randomized map iteration.
	buildIDOrder []string

	decisionLog *decisionlog.Logger
	cache       *resolvecache.Cache
}

// record appends d to the decision log if one was configured; it is a
// no-op otherwise, and logging failures are reported through the main
// logger rather than aborting the run (the decision log is an audit
// trail, not load-bearing for discovery correctness).
func (d *Discovery) record(dec decisionlog.Decision) {
	if d.decisionLog == nil {
		return
	}
	if _, err := d.decisionLog.Record(dec); err != nil {
		d.logger.Warn("decision log append failed", "kind", dec.Kind, "error", err)
	}
}

// New constructs a Discovery coordinator and resolves the live-fast-path
// decision once, up front.
func New(p Params) *Discovery {
	sysModuleDir := p.SysModuleDir
	if sysModuleDir == "" {
		sysModuleDir = "/sys/module"
	}
	procModulesPath := p.ProcModulesPath
	if procModulesPath == "" {
		procModulesPath = "/proc/modules"
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Discovery{
		idx:             p.Indexer,
		collab:          p.Collaborator,
		reader:          p.Reader,
		logger:          logger,
		osRelease:       p.OSRelease,
		sysModuleDir:    sysModuleDir,
		procModulesPath: procModulesPath,
		depmodPath:      p.DepmodPath,
		live:            p.IsLiveTarget && resolveUseLiveFastPath(p.UseLiveFastPath),
		targetBigEndian: p.TargetBigEndian,
		buildIDs:        make(map[string]*CandidateFile),
		decisionLog:     p.DecisionLog,
		cache:           p.ResolveCache,
	}
}

func resolveUseLiveFastPath(override *bool) bool {
	if override != nil {
		return *override
	}
	v, ok := os.LookupEnv("DRGN_USE_PROC_AND_SYS_MODULES")
	if !ok {
		return true
	}
	return v != "0"
}

// Close releases the depmod mapping, if one was opened during the run.
func (d *Discovery) Close() error {
	if d.depmodIndex == nil {
		return nil
	}
	err := d.depmodIndex.Close()
	d.depmodIndex = nil
	return err
}

// Run performs one discovery pass over candidatePaths, classifying each,
// then iterating the target's loaded modules and matching, patching, and
// reporting them.
func (d *Discovery) Run(candidatePaths []string) error {
	vmlinuxNew, err := d.classify(candidatePaths)
	if err != nil {
		return err
	}

	// Vmlinux precedence: flush before the kernel-walk backend needs
	// struct module type information. Not required on the live fast
	// path, which never consults the typed-object collaborator.
	if vmlinuxNew && !d.live {
		if err := d.idx.Flush(); err != nil {
			return fmt.Errorf("discovery: %w: flushing indexer before module iteration: %v", dkind.Other, err)
		}
		d.record(decisionlog.Decision{Kind: decisionlog.KindVmlinuxFlush})
	}

	it, err := d.newModuleIterator()
	if err != nil {
		return err
	}

	for {
		m, err := it.Next()
		if err != nil {
			if dkind.Is(err, dkind.Stop) {
				break
			}
			// Iterator errors propagate immediately and terminate
			// iteration.
			return fmt.Errorf("discovery: module iteration: %w", err)
		}
		if err := d.handleModule(m); err != nil {
			return err
		}
	}

	return d.reportUnloadedLeftovers()
}

func (d *Discovery) newModuleIterator() (*kernelmodule.ModuleIterator, error) {
	if d.live {
		return kernelmodule.NewLiveModuleIterator(d.procModulesPath)
	}
	return kernelmodule.NewKernelWalkModuleIterator(d.collab)
}

// classify opens and classifies every candidate path, reporting vmlinux
// and "other" kinds immediately and chaining modules into the build-ID
// map. It returns whether any vmlinux candidate was newly reported.
func (d *Discovery) classify(paths []string) (vmlinuxNew bool, err error) {
	sawVmlinux := false

	for _, path := range paths {
		f, ef, openErr := openELF(path)
		if openErr != nil {
			d.idx.ReportError(path, "opening candidate ELF", openErr)
			continue
		}

		switch elfpatch.Classify(ef) {
		case elfpatch.KindVmlinux:
			sawVmlinux = true
			if !d.idx.LoadMain() {
				f.Close()
				continue
			}
			isNew, rErr := d.idx.ReportELF(path, f, ef, 0, 0, "kernel")
			if rErr != nil {
				return vmlinuxNew, fmt.Errorf("discovery: reporting vmlinux candidate %q: %w", path, rErr)
			}
			if isNew {
				vmlinuxNew = true
			}

		case elfpatch.KindModule:
			buildID, bErr := elfpatch.BuildID(ef)
			if bErr != nil || len(buildID) == 0 {
				d.idx.ReportError(path, "module candidate has no usable build-id", bErr)
				f.Close()
				continue
			}
			d.addCandidate(&CandidateFile{Path: path, File: f, ELF: ef, BuildID: buildID})

		default:
			_, rErr := d.idx.ReportELF(path, f, ef, 0, 0, path)
			if rErr != nil {
				return vmlinuxNew, fmt.Errorf("discovery: reporting candidate %q: %w", path, rErr)
			}
		}
	}

	// Default vmlinux loading is gated on LoadMain alone: LoadDefault
	// governs only the per-module depmod fallback. Skip it when a
	// vmlinux candidate is pending from this pass or the indexer
	// already holds debug info for the kernel from an earlier run.
	if d.idx.LoadMain() && !sawVmlinux && !d.idx.IsIndexed("kernel") {
		isNew, err := d.loadDefaultVmlinux()
		if err != nil {
			d.idx.ReportError("kernel", "loading default vmlinux", err)
		} else if isNew {
			vmlinuxNew = true
		}
	}

	return vmlinuxNew, nil
}

func (d *Discovery) loadDefaultVmlinux() (bool, error) {
	for _, candidate := range vmlinuxCandidatePaths(d.osRelease) {
		f, ef, err := openELF(candidate)
		if err != nil {
			continue
		}
		isNew, err := d.idx.ReportELF(candidate, f, ef, 0, 0, "kernel")
		if err != nil {
			return false, fmt.Errorf("reporting default vmlinux %q: %w", candidate, err)
		}
		return isNew, nil
	}
	return false, fmt.Errorf("%w: could not find vmlinux for %q", dkind.NotFound, d.osRelease)
}

func (d *Discovery) addCandidate(cf *CandidateFile) {
	key := string(cf.BuildID)
	head, ok := d.buildIDs[key]
	if !ok {
		d.buildIDs[key] = cf
		d.buildIDOrder = append(d.buildIDOrder, key)
		return
	}
	n := head
	for n.Next != nil {
		n = n.Next
	}
	n.Next = cf
}

// handleModule matches one loaded module: a build-ID chain hit is
// patched and reported; otherwise the depmod fallback runs.
func (d *Discovery) handleModule(m kernelmodule.LoadedModule) error {
	buildID, err := d.extractBuildID(m)
	if err != nil {
		d.idx.ReportError(m.Name, "extracting build-id", err)
		buildID = nil
	}

	if len(buildID) > 0 {
		if chain, ok := d.buildIDs[string(buildID)]; ok {
			delete(d.buildIDs, string(buildID))
			return d.patchAndReportChain(chain, m)
		}
	}

	if !d.idx.LoadDefault() || d.idx.IsIndexed(m.Name) {
		return nil
	}
	return d.tryDepmodFallback(m)
}

func (d *Discovery) extractBuildID(m kernelmodule.LoadedModule) ([]byte, error) {
	if d.live {
		return kernelmodule.ExtractLiveBuildID(d.sysModuleDir, m.Name)
	}
	return kernelmodule.ExtractKernelWalkBuildID(m.Object, d.reader, d.targetBigEndian)
}

func (d *Discovery) collectSections(m kernelmodule.LoadedModule) ([]elfpatch.SectionAddress, error) {
	var (
		it  *kernelmodule.SectionIterator
		err error
	)
	if d.live {
		it, err = kernelmodule.NewLiveSectionIterator(d.sysModuleDir, m.Name)
	} else {
		it, err = kernelmodule.NewKernelWalkSectionIterator(m.Object)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: constructing section iterator for %q: %w", m.Name, err)
	}

	var out []elfpatch.SectionAddress
	for {
		s, err := it.Next()
		if err != nil {
			if dkind.Is(err, dkind.Stop) {
				break
			}
			return nil, fmt.Errorf("discovery: iterating sections of %q: %w", m.Name, err)
		}
		out = append(out, elfpatch.SectionAddress{Name: s.Name, Address: s.Address})
	}
	return out, nil
}

// patchAndReportChain patches and reports every CandidateFile chained
// under a matched build-ID, in insertion order.
func (d *Discovery) patchAndReportChain(chain *CandidateFile, m kernelmodule.LoadedModule) error {
	sections, err := d.collectSections(m)
	if err != nil {
		return err
	}

	for cf := chain; cf != nil; cf = cf.Next {
		if err := elfpatch.PatchSections(cf.File, cf.ELF, sections); err != nil {
			d.idx.ReportError(cf.Path, "patching sections", err)
			cf.Close()
			continue
		}

		f, ef := cf.File, cf.ELF
		cf.File, cf.ELF = nil, nil
		if _, err := d.idx.ReportELF(cf.Path, f, ef, m.Start, m.End, m.Name); err != nil {
			return fmt.Errorf("discovery: reporting matched candidate %q: %w", cf.Path, err)
		}
		d.record(decisionlog.Decision{
			Kind:       decisionlog.KindBuildIDMatch,
			ModuleName: m.Name,
			Path:       cf.Path,
			BuildID:    fmt.Sprintf("%x", cf.BuildID),
			Start:      m.Start,
			End:        m.End,
		})
	}
	return nil
}

// tryDepmodFallback consults the resolve cache first, then lazily opens
// the depmod index, looks up the module's relative path, and tries the
// standard debug-file candidate templates in order.
func (d *Discovery) tryDepmodFallback(m kernelmodule.LoadedModule) error {
	if d.cache != nil {
		if path, ok, err := d.cache.LookupByName(context.Background(), m.Name); err == nil && ok {
			if f, ef, openErr := openELF(path); openErr == nil {
				sections, err := d.collectSections(m)
				if err != nil {
					f.Close()
					return err
				}
				if err := elfpatch.PatchSections(f, ef, sections); err == nil {
					if _, err := d.idx.ReportELF(path, f, ef, m.Start, m.End, m.Name); err != nil {
						return fmt.Errorf("discovery: reporting cached module %q: %w", path, err)
					}
					d.record(decisionlog.Decision{
						Kind: decisionlog.KindDepmodFallback, ModuleName: m.Name, Path: path,
						Start: m.Start, End: m.End, Reason: "resolve cache hit",
					})
					return nil
				}
				f.Close()
			}
		}
	}

	idx, err := d.ensureDepmodIndex()
	if err != nil {
		// depmod disabled for the remainder of the run; already logged and
		// recorded in ensureDepmodIndex.
		return nil
	}

	relPath, _, err := idx.Find(m.Name)
	if err != nil {
		d.idx.ReportError(m.Name, "depmod lookup failed", err)
		d.record(decisionlog.Decision{Kind: decisionlog.KindDepmodFallback, ModuleName: m.Name, Reason: err.Error()})
		return nil
	}
	if relPath == "" {
		d.idx.ReportError(m.Name, "could not find module in depmod", nil)
		d.record(decisionlog.Decision{Kind: decisionlog.KindDepmodFallback, ModuleName: m.Name, Reason: "not found in depmod"})
		return nil
	}

	pathWithoutExt, ext := stripCompSuffix(relPath)
	for _, candidate := range moduleCandidatePaths(d.osRelease, pathWithoutExt, ext) {
		f, ef, openErr := openELF(candidate)
		if openErr != nil {
			continue
		}

		sections, err := d.collectSections(m)
		if err != nil {
			f.Close()
			return err
		}
		if err := elfpatch.PatchSections(f, ef, sections); err != nil {
			d.idx.ReportError(candidate, "patching sections", err)
			f.Close()
			return nil
		}
		if _, err := d.idx.ReportELF(candidate, f, ef, m.Start, m.End, m.Name); err != nil {
			return fmt.Errorf("discovery: reporting default module %q: %w", candidate, err)
		}
		if d.cache != nil {
			if err := d.cache.StoreByName(context.Background(), m.Name, candidate); err != nil {
				d.logger.Warn("resolve cache store failed", "module", m.Name, "error", err)
			}
		}
		d.record(decisionlog.Decision{
			Kind:       decisionlog.KindDepmodFallback,
			ModuleName: m.Name,
			Path:       candidate,
			Start:      m.Start,
			End:        m.End,
		})
		return nil
	}

	d.idx.ReportError(m.Name, "no debug file found at any candidate path", nil)
	d.record(decisionlog.Decision{Kind: decisionlog.KindDepmodFallback, ModuleName: m.Name, Reason: "no candidate path opened"})
	return nil
}

func (d *Discovery) ensureDepmodIndex() (*depmod.Index, error) {
	if d.depmodIndex != nil {
		return d.depmodIndex, nil
	}
	if d.depmodAttempted {
		return nil, fmt.Errorf("discovery: depmod previously failed to open")
	}
	d.depmodAttempted = true

	idx, err := depmod.Open(d.depmodPath)
	if err != nil {
		d.logger.Warn("depmod index unavailable; disabling for remainder of run",
			"path", d.depmodPath, "error", err)
		d.record(decisionlog.Decision{Kind: decisionlog.KindDepmodDisabled, Path: d.depmodPath, Reason: err.Error()})
		return nil, err
	}
	d.depmodIndex = idx
	return idx, nil
}

// reportUnloadedLeftovers reports any build-ID chain still present after
// iteration: caller-supplied files the target never loaded, handed to the
// indexer at address zero so their types still resolve.
func (d *Discovery) reportUnloadedLeftovers() error {
	for _, key := range d.buildIDOrder {
		chain, ok := d.buildIDs[key]
		if !ok {
			// Matched during iteration and already reported.
			continue
		}
		for cf := chain; cf != nil; {
			next := cf.Next
			if cf.File != nil {
				f, ef := cf.File, cf.ELF
				cf.File, cf.ELF = nil, nil
				if _, err := d.idx.ReportELF(cf.Path, f, ef, 0, 0, cf.Path); err != nil {
					return fmt.Errorf("discovery: reporting unloaded candidate %q: %w", cf.Path, err)
				}
				d.record(decisionlog.Decision{
					Kind:    decisionlog.KindUnloadedLeftover,
					Path:    cf.Path,
					BuildID: fmt.Sprintf("%x", cf.BuildID),
				})
			}
			cf = next
		}
		delete(d.buildIDs, key)
	}
	return nil
}

func openELF(path string) (*os.File, *elf.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("discovery: %w: opening %q: %v", dkind.OS, path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("discovery: %w: parsing ELF %q: %v", dkind.Other, path, err)
	}
	return f, ef, nil
}
