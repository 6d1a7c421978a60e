package discovery

import (
	"fmt"
	"strings"
)

// compressionSuffixes lists the extensions stripped before trying the
// standard debug-file candidate paths.
var compressionSuffixes = []string{".gz", ".xz"}

// stripCompSuffix splits path into its base and a trailing compression
// extension, if any. When path carries neither suffix, ext is "".
func stripCompSuffix(path string) (base, ext string) {
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix), suffix
		}
	}
	return path, ""
}

// moduleCandidatePaths lists the debug-file locations tried for a module
// resolved through depmod: the stripped-extension debug path, its .debug
// sibling, and the standard module path with the original extension
// reattached.
func moduleCandidatePaths(osRelease, pathWithoutExt, ext string) []string {
	return []string{
		fmt.Sprintf("/usr/lib/debug/lib/modules/%s/%s", osRelease, pathWithoutExt),
		fmt.Sprintf("/usr/lib/debug/lib/modules/%s/%s.debug", osRelease, pathWithoutExt),
		fmt.Sprintf("/lib/modules/%s/%s%s", osRelease, pathWithoutExt, ext),
	}
}

// vmlinuxCandidatePaths lists the standard locations a distribution
// installs a debug vmlinux image. The files under /usr/lib/debug should
// always have debug information, so those come first.
func vmlinuxCandidatePaths(osRelease string) []string {
	return []string{
		fmt.Sprintf("/usr/lib/debug/boot/vmlinux-%s", osRelease),
		fmt.Sprintf("/usr/lib/debug/lib/modules/%s/vmlinux", osRelease),
		fmt.Sprintf("/boot/vmlinux-%s", osRelease),
		fmt.Sprintf("/lib/modules/%s/build/vmlinux", osRelease),
		fmt.Sprintf("/lib/modules/%s/vmlinux", osRelease),
	}
}
