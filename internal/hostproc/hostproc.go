// Package hostproc implements the live fast path filesystem reads this
// module needs when the target is the host's own running kernel:
// /proc/modules, /sys/module/<name>/sections/, and
// /sys/module/<name>/notes/. Directory entries are walked with raw
// openat(2)/getdents-backed reads via golang.org/x/sys/unix; sysfs
// commonly reports d_type as DT_UNKNOWN, so every entry needs an
// explicit fstatat(2) anyway and a higher-level walker buys nothing.
package hostproc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/coredbg/lkdiscover/internal/dkind"
)

// ModulesLine is one parsed line of /proc/modules:
// "NAME SIZE REFCNT USERS STATE ADDRESS ...".
type ModulesLine struct {
	Name  string
	Size  uint64
	Start uint64
}

// ReadProcModules reads and parses /proc/modules in its entirety. Lines
// that do not match the expected shape are skipped silently, since the
// live kernel writes this file in a fixed kernel-controlled format; a
// file in which no line parses yields an empty slice and a nil error.
// Only open and read failures are returned as errors.
func ReadProcModules(path string) ([]ModulesLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hostproc: %w: open %q: %v", dkind.OS, path, err)
	}
	defer f.Close()

	var lines []ModulesLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		addrField := strings.TrimPrefix(fields[5], "0x")
		start, err := strconv.ParseUint(addrField, 16, 64)
		if err != nil {
			continue
		}
		lines = append(lines, ModulesLine{Name: fields[0], Size: size, Start: start})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("hostproc: %w: scanning %q: %v", dkind.OS, path, err)
	}
	return lines, nil
}

// ReadDirRegularFiles lists the regular files directly inside dir (e.g.
// /sys/module/NAME/sections/). Directory entries are read via raw
// getdents(2) (golang.org/x/sys/unix.ReadDirent + ParseDirent); since
// getdents on many filesystems (including sysfs) reports d_type as
// DT_UNKNOWN, every entry is resolved with an explicit fstatat(2).
func ReadDirRegularFiles(dir string) ([]string, error) {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("hostproc: %w: open %q: %v", dkind.OS, dir, err)
	}
	defer unix.Close(fd)

	var names []string
	buf := make([]byte, 8192)
	for {
		n, err := unix.ReadDirent(fd, buf)
		if err != nil {
			return nil, fmt.Errorf("hostproc: %w: getdents %q: %v", dkind.OS, dir, err)
		}
		if n == 0 {
			break
		}
		_, _, entryNames := unix.ParseDirent(buf[:n], -1, nil)
		for _, name := range entryNames {
			if name == "." || name == ".." {
				continue
			}
			var st unix.Stat_t
			if err := unix.Fstatat(fd, name, &st, 0); err != nil {
				return nil, fmt.Errorf("hostproc: %w: fstatat %q/%q: %v", dkind.OS, dir, name, err)
			}
			if st.Mode&unix.S_IFMT == unix.S_IFREG {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// ReadFileTrimmed reads the full contents of path and returns it with
// surrounding whitespace trimmed, the shape every sysfs single-value
// attribute file (sections/*, vmcoreinfo) takes.
func ReadFileTrimmed(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hostproc: %w: read %q: %v", dkind.OS, path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadFileBytes reads the full contents of path without trimming, for
// binary-framed files such as /sys/module/NAME/notes/*.
func ReadFileBytes(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hostproc: %w: read %q: %v", dkind.OS, path, err)
	}
	return b, nil
}
