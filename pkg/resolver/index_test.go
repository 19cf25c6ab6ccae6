package resolver

import (
	"context"
	"testing"

	"github.com/fly-io/deltaota/pkg/errors"
)

func TestBuildIndex_Matches(t *testing.T) {
	idx := BuildIndex{Device: "oneplus7", AndroidVersion: "9.0", ImageExt: ".zip"}

	tests := []struct {
		name string
		want bool
	}{
		{"omni-9.0-20240101-oneplus7-WEEKLY.zip", true},
		{"omni-10-20240101-oneplus7-WEEKLY.zip", true},
		{"omni-8.1-20240101-oneplus7-WEEKLY.zip", false},
		{"omni-9.0-20240101-pixel3-WEEKLY.zip", false},
		{"omni-9.0-20240101-oneplus7-WEEKLY.zip.md5sum", false},
		{"omni-beta-20240101-oneplus7.zip", false},
		{"oneplus7.zip", false},
	}
	for _, tt := range tests {
		if got := idx.Matches(tt.name); got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBuildIndex_NewestFullBuild(t *testing.T) {
	const url = "https://ota.example.com/builds.json"
	idx := BuildIndex{Device: "oneplus7", AndroidVersion: "9.0", ImageExt: ".zip"}

	f := mapFetcher{url: []byte(`{
		"./oneplus7": [
			{"filename": "./oneplus7/omni-9.0-20240101-oneplus7-WEEKLY.zip", "timestamp": 100},
			{"filename": "./oneplus7/omni-9.0-20240108-oneplus7-WEEKLY.zip", "timestamp": 300},
			{"filename": "./oneplus7/omni-8.1-20240201-oneplus7-WEEKLY.zip", "timestamp": 900}
		],
		"./pixel3": [
			{"filename": "./pixel3/omni-9.0-20240301-pixel3-WEEKLY.zip", "timestamp": 999}
		]
	}`)}

	got, err := idx.NewestFullBuild(context.Background(), f, url, 1<<20)
	if err != nil {
		t.Fatalf("NewestFullBuild: %v", err)
	}
	if got != "omni-9.0-20240108-oneplus7-WEEKLY.zip" {
		t.Errorf("NewestFullBuild = %q", got)
	}

	other := BuildIndex{Device: "fairphone", AndroidVersion: "9.0", ImageExt: ".zip"}
	if _, err := other.NewestFullBuild(context.Background(), f, url, 1<<20); errors.KindOf(err) != errors.KindUnsupportedVersion {
		t.Errorf("no matching build: KindOf = %q", errors.KindOf(err))
	}
	if _, err := idx.NewestFullBuild(context.Background(), mapFetcher{}, url, 1<<20); errors.KindOf(err) != errors.KindDownloadFailed {
		t.Errorf("unreachable index: KindOf = %q", errors.KindOf(err))
	}
}
