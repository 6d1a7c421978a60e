package vmcoreinfo_test

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/coredbg/lkdiscover/internal/vmcoreinfo"
)

// A descriptor carrying every recognized key except
// NUMBER(pgtable_l5_enabled) parses completely, with that flag defaulted.
func TestParse_FullDescriptor(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=4096\nKERNELOFFSET=1a000000\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n"

	info, err := vmcoreinfo.Parse([]byte(desc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if info.OSRelease != "6.1.0" {
		t.Errorf("OSRelease = %q, want %q", info.OSRelease, "6.1.0")
	}
	if info.PageSize != 4096 {
		t.Errorf("PageSize = %d, want 4096", info.PageSize)
	}
	if info.KASLROffset != 0x1a000000 {
		t.Errorf("KASLROffset = %#x, want %#x", info.KASLROffset, 0x1a000000)
	}
	if info.SwapperPgDir != 0xffffffff81c0a000 {
		t.Errorf("SwapperPgDir = %#x, want %#x", info.SwapperPgDir, uint64(0xffffffff81c0a000))
	}
	if info.PgtableL5Enabled {
		t.Error("PgtableL5Enabled = true, want false (absent from descriptor)")
	}
}

// A descriptor missing PAGESIZE fails with an error naming the key.
func TestParse_MissingRequiredField(t *testing.T) {
	_, err := vmcoreinfo.Parse([]byte("OSRELEASE=6.1.0\n"))
	if err == nil {
		t.Fatal("Parse() with missing PAGESIZE: want error, got nil")
	}
	if !strings.Contains(err.Error(), "PAGESIZE") {
		t.Errorf("error %q does not mention PAGESIZE", err.Error())
	}
}

func TestParse_MissingOSRelease(t *testing.T) {
	_, err := vmcoreinfo.Parse([]byte("PAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n"))
	if err == nil {
		t.Fatal("expected error for missing OSRELEASE")
	}
}

func TestParse_ZeroSwapperPgDirRejected(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=0\n"
	if _, err := vmcoreinfo.Parse([]byte(desc)); err == nil {
		t.Fatal("expected error for swapper_pg_dir == 0")
	}
}

func TestParse_UnknownLinesIgnored(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ff\nNUMBER(made_up_thing)=1\n"
	info, err := vmcoreinfo.Parse([]byte(desc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if info.OSRelease != "6.1.0" {
		t.Errorf("OSRelease = %q", info.OSRelease)
	}
}

func TestParse_PgtableL5Enabled(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ff\nNUMBER(pgtable_l5_enabled)=1\n"
	info, err := vmcoreinfo.Parse([]byte(desc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !info.PgtableL5Enabled {
		t.Error("PgtableL5Enabled = false, want true")
	}
}

func TestParse_OverflowPageSize(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=99999999999999999999999999\nSYMBOL(swapper_pg_dir)=ff\n"
	if _, err := vmcoreinfo.Parse([]byte(desc)); err == nil {
		t.Fatal("expected overflow error for PAGESIZE")
	}
}

// fakeReader implements target.Reader over an in-memory "physical address
// space" keyed by address.
type fakeReader struct {
	mem map[uint64][]byte
}

func (f *fakeReader) ReadMemory(dst []byte, address uint64, physical bool) error {
	if !physical {
		panic("fallback path must only issue physical reads")
	}
	src, ok := f.mem[address]
	if !ok || len(src) < len(dst) {
		panic("address not provisioned in fixture")
	}
	copy(dst, src)
	return nil
}

func buildVMCoreInfoNote(desc string) []byte {
	buf := make([]byte, 24+len(desc))
	binary.LittleEndian.PutUint32(buf[0:4], 11)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(desc)))
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	copy(buf[12:], "VMCOREINFO\x00")
	copy(buf[24:], desc)
	return buf
}

func TestReadFallback(t *testing.T) {
	desc := "OSRELEASE=6.1.0\nPAGESIZE=4096\nSYMBOL(swapper_pg_dir)=ffffffff81c0a000\n"
	note := buildVMCoreInfoNote(desc)

	const physAddr = 0x1000
	reader := &fakeReader{mem: map[uint64][]byte{physAddr: note}}

	locationLine := []byte("1000 " + hex(len(note)))
	info, err := vmcoreinfo.ReadFallback(reader, locationLine)
	if err != nil {
		t.Fatalf("ReadFallback() error = %v", err)
	}
	if info.OSRelease != "6.1.0" {
		t.Errorf("OSRelease = %q", info.OSRelease)
	}
}

func hex(n int) string {
	const digits = "0123456789abcdef"
	if n == 0 {
		return "0"
	}
	var out []byte
	for n > 0 {
		out = append([]byte{digits[n%16]}, out...)
		n /= 16
	}
	return string(out)
}
