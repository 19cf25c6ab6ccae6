package resolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/version"
)

type indexEntry struct {
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
}

// BuildIndex selects full builds published for a device.
type BuildIndex struct {
	Device         string
	AndroidVersion string
	ImageExt       string
}

// Matches reports whether fileName is an image for this device whose version
// segment is at least AndroidVersion.
func (b BuildIndex) Matches(fileName string) bool {
	if !strings.HasSuffix(fileName, b.ImageExt) || !strings.Contains(fileName, b.Device) {
		return false
	}
	parts := strings.Split(fileName, "-")
	if len(parts) < 2 {
		return false
	}
	fileVersion, err := version.ParseDotted(parts[1])
	if err != nil {
		return false
	}
	current, err := version.ParseDotted(b.AndroidVersion)
	if err != nil {
		return false
	}
	return fileVersion.Compare(current) >= 0
}

// NewestFullBuild fetches the index at url and returns the matching build with
// the greatest timestamp. An unreachable index is a download failure; an index
// with no matching build means this device runs an unsupported version.
func (b BuildIndex) NewestFullBuild(ctx context.Context, fetcher Fetcher, url string, limit int64) (string, error) {
	raw, err := fetcher.FetchBytes(ctx, url, limit)
	if err != nil {
		if errors.IsCancelled(err) {
			return "", err
		}
		slog.Error("build_index_fetch_failed", "url", url, "error", err)
		return "", errors.New(errors.KindDownloadFailed, err)
	}
	if len(raw) == 0 {
		slog.Error("build_index_empty", "url", url)
		return "", errors.Newf(errors.KindDownloadFailed, "%s: empty build index", url)
	}

	var index map[string][]indexEntry
	if err := json.Unmarshal(raw, &index); err != nil {
		slog.Warn("build_index_malformed", "url", url, "error", err)
		return "", errors.New(errors.KindUnsupportedVersion, errors.Wrap(err, "malformed build index"))
	}

	var (
		newest   string
		newestTS int64
	)
	for _, entry := range index["./"+b.Device] {
		name := path.Base(entry.Filename)
		if b.Matches(name) && entry.Timestamp > newestTS {
			newest = name
			newestTS = entry.Timestamp
		}
	}

	if newest == "" {
		slog.Warn("build_index_no_match", "url", url, "device", b.Device, "android_version", b.AndroidVersion)
		return "", errors.Newf(errors.KindUnsupportedVersion, "no build for %s at or above %s", b.Device, b.AndroidVersion)
	}

	slog.Info("build_index_newest", "device", b.Device, "build", newest, "timestamp", newestTS)
	return newest, nil
}
