package decisionlog_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coredbg/lkdiscover/internal/decisionlog"
)

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "decisions.log")
}

func openLogger(t *testing.T, path string) *decisionlog.Logger {
	t.Helper()
	l, err := decisionlog.Open(path)
	if err != nil {
		t.Fatalf("decisionlog.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustAppend(t *testing.T, l *decisionlog.Logger, payload string) decisionlog.Entry {
	t.Helper()
	e, err := l.Append(json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return e
}

func TestAppend_SingleEntry(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustAppend(t, l, `{"kind":"build_id_match"}`)

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != decisionlog.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp must not be zero")
	}
}

func TestAppend_MultipleEntries_Chain(t *testing.T) {
	l := openLogger(t, tmpLog(t))

	payloads := []string{
		`{"kind":"build_id_match","module_name":"foo"}`,
		`{"kind":"depmod_fallback","module_name":"bar"}`,
		`{"kind":"unloaded_leftover","path":"/tmp/baz.ko"}`,
	}

	entries := make([]decisionlog.Entry, len(payloads))
	for i, p := range payloads {
		entries[i] = mustAppend(t, l, p)
	}

	if entries[0].PrevHash != decisionlog.GenesisHash {
		t.Errorf("entry[0].prev_hash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EventHash {
			t.Errorf("entry[%d].prev_hash = %q, want entry[%d].event_hash = %q",
				i, entries[i].PrevHash, i-1, entries[i-1].EventHash)
		}
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry[%d].seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestRecord_RoundTripsDecision(t *testing.T) {
	l := openLogger(t, tmpLog(t))

	e, err := l.Record(decisionlog.Decision{
		Kind:       decisionlog.KindBuildIDMatch,
		ModuleName: "foo",
		Path:       "/tmp/foo.ko",
		BuildID:    "deadbeef",
		Start:      0x1000,
		End:        0x2000,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var got decisionlog.Decision
	if err := json.Unmarshal(e.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.Kind != decisionlog.KindBuildIDMatch || got.ModuleName != "foo" || got.Path != "/tmp/foo.ko" {
		t.Errorf("round-tripped decision = %+v", got)
	}
	if got.Start != 0x1000 || got.End != 0x2000 {
		t.Errorf("round-tripped range = [%d, %d]", got.Start, got.End)
	}
}

func TestAppend_NilPayload(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e, err := l.Append(nil)
	if err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if string(e.Payload) != "null" {
		t.Errorf("payload = %q, want %q", string(e.Payload), "null")
	}
}

func TestOpen_ResumeExistingChain(t *testing.T) {
	path := tmpLog(t)

	l1 := openLogger(t, path)
	mustAppend(t, l1, `{"kind":"vmlinux_flush"}`)
	e2 := mustAppend(t, l1, `{"kind":"depmod_disabled"}`)
	if err := l1.Close(); err != nil {
		t.Fatalf("l1.Close: %v", err)
	}

	l2 := openLogger(t, path)
	e3 := mustAppend(t, l2, `{"kind":"unloaded_leftover"}`)

	if e3.PrevHash != e2.EventHash {
		t.Errorf("e3.prev_hash = %q, want e2.event_hash = %q", e3.PrevHash, e2.EventHash)
	}
	if e3.Seq != 3 {
		t.Errorf("e3.seq = %d, want 3", e3.Seq)
	}
}

func TestVerify_EmptyFile(t *testing.T) {
	path := tmpLog(t)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	entries, err := decisionlog.Verify(path)
	if err != nil {
		t.Fatalf("Verify(empty): %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

func TestVerify_ValidChain(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	for i := 0; i < 5; i++ {
		mustAppend(t, l, `{"kind":"build_id_match"}`)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := decisionlog.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(entries) != 5 {
		t.Errorf("Verify returned %d entries, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EventHash {
			t.Errorf("entries[%d].prev_hash breaks chain", i)
		}
	}
}

func TestVerify_DetectsModifiedPayload(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	mustAppend(t, l, `{"module_name":"original"}`)
	mustAppend(t, l, `{"module_name":"second"}`)
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := strings.Replace(string(data), `"original"`, `"tampered"`, 1)
	if err := os.WriteFile(path, []byte(corrupted), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := decisionlog.Verify(path); err == nil {
		t.Fatal("Verify: expected error on tampered payload, got nil")
	}
}
