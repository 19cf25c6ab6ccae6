// Package space estimates how much storage a pass needs and how much is free.
package space

import (
	"fmt"
	"log/slog"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/manifest"
)

// BlockSize approximates filesystem allocation granularity.
const BlockSize = 256 * 1024

// SizeOnDisk rounds size up to a whole number of blocks.
func SizeOnDisk(size int64) int64 {
	if size <= 0 {
		return 0
	}
	blocks := size / BlockSize
	if size%BlockSize > 0 {
		blocks++
	}
	return blocks * BlockSize
}

// RequiredBytes is a conservative estimate of the storage a pass needs.
//
// Full path: the final image, unless it is already resolved.
// Delta path: every unresolved update payload, the last signature payload
// when signatures are applied, and three times the largest applied payload to
// cover both temp slots plus the output.
func RequiredBytes(chain manifest.Chain, wantFull, applySignature bool) int64 {
	last := chain.Last()
	if last == nil {
		return 0
	}

	if wantFull {
		if last.Out.IsResolved() {
			return 0
		}
		return SizeOnDisk(last.Out.Official().Size)
	}

	var required int64
	for _, m := range chain {
		if !m.Update.IsResolved() {
			required += SizeOnDisk(m.Update.Update().Size)
		}
	}
	if applySignature && !last.Signature.IsResolved() {
		required += SizeOnDisk(last.Signature.Update().Size)
	}

	var biggest int64
	for _, m := range chain {
		biggest = max(biggest, SizeOnDisk(m.Update.Applied().Size))
	}
	return required + 3*biggest
}

// DeltaDownloadSize sums the update payloads (and the final signature when
// applied) that still need downloading.
func DeltaDownloadSize(chain manifest.Chain, applySignature bool) int64 {
	var total int64
	for _, m := range chain {
		if !m.Update.IsResolved() {
			total += m.Update.Update().Size
		}
	}
	if last := chain.Last(); last != nil && applySignature && !last.Signature.IsResolved() {
		total += last.Signature.Update().Size
	}
	return total
}

// FullDownloadSize is the size of the official final image.
func FullDownloadSize(chain manifest.Chain) int64 {
	if last := chain.Last(); last != nil {
		return last.Out.Official().Size
	}
	return 0
}

// Check fails with KindInsufficientSpace when free is below required.
func Check(path string, required int64, free FreeFunc) error {
	if required <= 0 {
		return nil
	}
	available, err := free(path)
	if err != nil {
		slog.Error("free_space_probe_failed", "path", path, "error", err)
		return errors.Wrap(err, "failed to probe free space")
	}
	slog.Info("space_check", "path", path, "required", required, "free", available)
	if available < required {
		return errors.New(errors.KindInsufficientSpace,
			fmt.Errorf("need %d bytes in %s, %d available", required, path, available))
	}
	return nil
}

// FreeFunc reports the bytes available to an unprivileged writer at path.
type FreeFunc func(path string) (int64, error)
