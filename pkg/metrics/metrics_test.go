package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObservePass("ready", 0, time.Unix(1700000000, 0))
	m.ObservePass("error", 1, time.Unix(1700000100, 0))
	m.ObservePass("error", 2, time.Unix(1700000200, 0))
	m.AddDownloaded(4096)
	m.AddDownloaded(-1)

	path := filepath.Join(t.TempDir(), "deltaota.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(raw)

	for _, want := range []string{
		`deltaota_passes_total{result="ready"} 1`,
		`deltaota_passes_total{result="error"} 2`,
		`deltaota_download_bytes_total 4096`,
		`deltaota_consecutive_failures 2`,
		"deltaota_last_pass_timestamp_seconds ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestWriteTextfile_EmptyPath(t *testing.T) {
	if err := New().WriteTextfile(""); err != nil {
		t.Errorf("WriteTextfile(\"\") = %v", err)
	}
}
