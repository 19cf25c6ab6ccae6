package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleManifest = `{
  "version": 1,
  "in": {"name": "omni-9.0-20240101-dev.zip",
         "size_official": 100, "md5_official": "AAAA",
         "size_store": 110, "md5_store": "bbbb",
         "size_store_signed": 120, "md5_store_signed": "cccc"},
  "update": {"name": "omni-9.0-20240102-dev.update",
             "size": 10, "md5": "dddd", "size_applied": 12, "md5_applied": "eeee"},
  "signature": {"name": "omni-9.0-20240102-dev.sign",
                "size": 5, "md5": "ffff", "size_applied": 6, "md5_applied": "0000"},
  "out": {"name": "omni-9.0-20240102-dev.zip",
          "size_official": 101, "md5_official": "1111",
          "size_store": 111, "md5_store": "2222",
          "size_store_signed": 121, "md5_store_signed": "3333"}
}`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest), true)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.SchemaVersion != 1 || !m.Revoked {
		t.Errorf("unexpected header: %+v", m)
	}
	if m.In.Official().Checksum != "aaaa" {
		t.Errorf("checksums should be lower-cased, got %q", m.In.Official().Checksum)
	}
	if m.Update.Variant != Delta || m.Out.Variant != Full {
		t.Error("variants not assigned")
	}
	if got := m.Update.Applied().Size; got != 12 {
		t.Errorf("update applied size = %d, want 12", got)
	}
	if got := m.Out.StoreSigned().Size; got != 121 {
		t.Errorf("out store_signed size = %d, want 121", got)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "<html>404</html>"},
		{"missing version", strings.Replace(sampleManifest, `"version": 1,`, "", 1)},
		{"missing out", `{"version":1}`},
		{"missing applied", strings.Replace(sampleManifest, `"size_applied": 12, `, "", 1)},
		{"missing store_signed", strings.Replace(sampleManifest, `"size_store_signed": 120, `, "", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.raw), false); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) (string, ContentDescriptor) {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	sum := md5.Sum(data)
	return p, ContentDescriptor{Size: int64(len(data)), Checksum: hex.EncodeToString(sum[:])}
}

func TestMatch(t *testing.T) {
	dir := t.TempDir()
	path, d := writeFile(t, dir, "image.zip", []byte("hello image"))
	wrongSum := ContentDescriptor{Size: d.Size, Checksum: strings.Repeat("0", 32)}
	other := ContentDescriptor{Size: d.Size + 1, Checksum: d.Checksum}

	tests := []struct {
		name            string
		set             *FileSet
		path            string
		requireChecksum bool
		wantOK          bool
		wantLabel       Label
	}{
		{"absent file", NewFull("x", d, d, d), filepath.Join(dir, "nope"), true, false, ""},
		{"no size match", NewFull("x", other, other, other), path, false, false, ""},
		{"size only", NewFull("x", other, wrongSum, d), path, false, true, LabelStore},
		{"checksum differs", NewFull("x", wrongSum, wrongSum, wrongSum), path, true, false, ""},
		{"checksum picks later slot", NewFull("x", wrongSum, other, d), path, true, true, LabelStoreSigned},
		{"official first", NewFull("x", d, d, d), path, true, true, LabelOfficial},
		{"delta applied", NewDelta("x", other, d), path, true, true, LabelApplied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slot, ok := tt.set.Match(tt.path, tt.requireChecksum, nil)
			if ok != tt.wantOK {
				t.Fatalf("Match ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && slot.Label != tt.wantLabel {
				t.Errorf("Match label = %s, want %s", slot.Label, tt.wantLabel)
			}
		})
	}
}

func TestFileMD5_Progress(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 3*ChunkSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	path, d := writeFile(t, dir, "big", data)

	var events []int64
	sum, err := FileMD5(path, func(_ float64, current, total int64) {
		if total != d.Size {
			t.Errorf("total = %d, want %d", total, d.Size)
		}
		events = append(events, current)
	})
	if err != nil {
		t.Fatalf("FileMD5: %v", err)
	}
	if sum != d.Checksum || len(sum) != 32 {
		t.Errorf("FileMD5 = %s, want %s", sum, d.Checksum)
	}
	if len(events) < 2 || events[0] != 0 || events[len(events)-1] != d.Size {
		t.Errorf("expected start and completion events, got %v", events)
	}
}

func TestResolution(t *testing.T) {
	f := NewDelta("a.update", ContentDescriptor{}, ContentDescriptor{})
	if f.IsResolved() {
		t.Fatal("new set must start unresolved")
	}
	f.Resolve("/data/a.update")
	if f.Resolved() != "/data/a.update" {
		t.Errorf("Resolved = %q", f.Resolved())
	}
	f.ClearResolution()
	if f.IsResolved() {
		t.Error("ClearResolution did not clear")
	}
}
