package runlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestColumns(t *testing.T) {
	got := Columns(2, 3)
	want := []string{"culture 1", "culture 2", "phage_vial 1", "phage_vial 2", "phage_vial 3"}
	if len(got) != len(want) {
		t.Fatalf("Columns = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "od.tsv")
	w := NewTSV(path, []string{"culture 1", "phage_vial 1"})

	at := time.Unix(1700000000, 0)
	rec := func(t0 time.Time, a, b float64) Record {
		return Record{Time: t0, Values: []float64{a, b}}
	}
	if err := w.Append([]Record{rec(at, 0.31, 0.12)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// A second append, as from the next cycle flush, must not repeat
	// the header.
	if err := w.Append([]Record{rec(at.Add(2*time.Minute), 0.29, 0.13)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("file has %d lines, want 3:\n%s", len(lines), data)
	}
	if lines[0] != "time\tculture 1\tphage_vial 1" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "1700000000.0\t0.31\t0.12" {
		t.Errorf("first row = %q", lines[1])
	}
	if lines[2] != "1700000120.0\t0.29\t0.13" {
		t.Errorf("second row = %q", lines[2])
	}
}

func TestAppendEmptyIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "od.tsv")
	w := NewTSV(path, []string{"culture 1"})
	if err := w.Append(nil); err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("empty append created the file")
	}
}

func TestAppendRejectsColumnMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "od.tsv")
	w := NewTSV(path, []string{"culture 1", "culture 2"})
	err := w.Append([]Record{{Time: time.Unix(0, 0), Values: []float64{1}}})
	if err == nil {
		t.Fatal("short record accepted")
	}
}
