package discovery

import "testing"

func TestStripCompSuffix(t *testing.T) {
	tests := []struct {
		in, wantBase, wantExt string
	}{
		{"kernel/drivers/foo.ko.xz", "kernel/drivers/foo.ko", ".xz"},
		{"kernel/drivers/foo.ko.gz", "kernel/drivers/foo.ko", ".gz"},
		{"kernel/drivers/foo.ko", "kernel/drivers/foo.ko", ""},
	}
	for _, tt := range tests {
		base, ext := stripCompSuffix(tt.in)
		if base != tt.wantBase || ext != tt.wantExt {
			t.Errorf("stripCompSuffix(%q) = (%q, %q), want (%q, %q)", tt.in, base, ext, tt.wantBase, tt.wantExt)
		}
	}
}

// A depmod hit for kernel/drivers/foo.ko.xz strips .xz and tries the
// debug path without the extension first.
func TestModuleCandidatePaths(t *testing.T) {
	base, ext := stripCompSuffix("kernel/drivers/foo.ko.xz")
	got := moduleCandidatePaths("6.1.0-amd64", base, ext)
	want := []string{
		"/usr/lib/debug/lib/modules/6.1.0-amd64/kernel/drivers/foo.ko",
		"/usr/lib/debug/lib/modules/6.1.0-amd64/kernel/drivers/foo.ko.debug",
		"/lib/modules/6.1.0-amd64/kernel/drivers/foo.ko.xz",
	}
	if len(got) != len(want) {
		t.Fatalf("moduleCandidatePaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("moduleCandidatePaths()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVmlinuxCandidatePaths(t *testing.T) {
	got := vmlinuxCandidatePaths("6.1.0-amd64")
	want := []string{
		"/usr/lib/debug/boot/vmlinux-6.1.0-amd64",
		"/usr/lib/debug/lib/modules/6.1.0-amd64/vmlinux",
		"/boot/vmlinux-6.1.0-amd64",
		"/lib/modules/6.1.0-amd64/build/vmlinux",
		"/lib/modules/6.1.0-amd64/vmlinux",
	}
	if len(got) != len(want) {
		t.Fatalf("vmlinuxCandidatePaths() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("vmlinuxCandidatePaths()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
