package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/progress"
	"github.com/fly-io/deltaota/pkg/security"
	"github.com/fly-io/deltaota/pkg/space"
)

// ChunkSize is the read size while streaming to disk.
const ChunkSize = 256 * 1024

// Downloader streams remote artifacts to disk.
type Downloader struct {
	source    Source
	validator *security.Validator
	freeSpace space.FreeFunc

	received atomic.Int64
}

// NewDownloader creates a downloader. freeSpace is consulted by the
// size-probing variant only.
func NewDownloader(source Source, validator *security.Validator, freeSpace space.FreeFunc) *Downloader {
	return &Downloader{
		source:    source,
		validator: validator,
		freeSpace: freeSpace,
	}
}

// Received returns the bytes written to disk since the downloader was made.
func (d *Downloader) Received() int64 {
	return d.received.Load()
}

// Download streams url into dest, replacing any existing file.
//
// With a non-empty expectedMD5 the body length must be known and the digest
// is compared once the stream ends; a mismatch returns false with a nil error
// and leaves dest for the caller to delete. Cancellation via ctx is checked
// between chunks and returns errors.ErrCancelled, also leaving the partial
// file in place.
func (d *Downloader) Download(ctx context.Context, url, dest, expectedMD5 string, fn progress.Func) (bool, error) {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		slog.Error("download_remove_existing_failed", "path", dest, "error", err)
		return false, errors.Wrap(err, "failed to remove existing file")
	}

	slog.Info("download_start", "url", url, "dest", dest)
	body, length, err := d.source.Open(ctx, url)
	if err != nil {
		return false, err
	}
	defer body.Close()

	if expectedMD5 != "" && length < 0 {
		slog.Error("download_unknown_length", "url", url)
		return false, errors.Newf(errors.KindDownloadFailed, "%s: checksum-verified download needs a known length", url)
	}
	if length >= 0 {
		if err := d.validator.ValidateArtifactSize(length); err != nil {
			return false, errors.New(errors.KindDownloadFailed, err)
		}
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Error("download_create_failed", "path", dest, "error", err)
		if os.IsPermission(err) {
			return false, errors.New(errors.KindPermissionDenied, err)
		}
		return false, errors.New(errors.KindDownloadFailed, err)
	}
	defer f.Close()

	var h hash.Hash
	if expectedMD5 != "" {
		h = md5.New()
	}

	th := progress.NewThrottle(fn)
	th.Update(0, length)

	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if ctx.Err() != nil {
			slog.Info("download_cancelled", "url", url, "received", written)
			return false, errors.ErrCancelled
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				slog.Error("download_write_failed", "path", dest, "error", err)
				return false, errors.New(errors.KindDownloadFailed, err)
			}
			if h != nil {
				h.Write(buf[:n])
			}
			written += int64(n)
			d.received.Add(int64(n))
			th.Update(written, length)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return false, errors.ErrCancelled
			}
			slog.Error("download_read_failed", "url", url, "received", written, "error", rerr)
			return false, errors.New(errors.KindDownloadFailed, rerr)
		}
	}
	th.Done(written, length)

	if length >= 0 && written != length {
		slog.Error("download_truncated", "url", url, "received", written, "expected", length)
		return false, errors.Newf(errors.KindDownloadFailed, "%s: received %d of %d bytes", url, written, length)
	}

	if err := f.Sync(); err != nil {
		return false, errors.New(errors.KindDownloadFailed, err)
	}

	if h != nil {
		sum := hex.EncodeToString(h.Sum(nil))
		if sum != strings.ToLower(expectedMD5) {
			slog.Error("download_checksum_mismatch", "url", url, "expected", expectedMD5, "actual", sum)
			return false, nil
		}
	}

	slog.Info("download_complete", "url", url, "dest", dest, "bytes", written)
	return true, nil
}

// DownloadUnknownSize probes the length first, checks it against the free
// space at dest's directory, then behaves like Download.
func (d *Downloader) DownloadUnknownSize(ctx context.Context, url, dest, expectedMD5 string, fn progress.Func) (bool, error) {
	length, err := d.source.Probe(ctx, url)
	if err != nil {
		return false, err
	}
	if err := d.validator.ValidateArtifactSize(length); err != nil {
		return false, errors.New(errors.KindDownloadFailed, err)
	}
	if err := space.Check(filepath.Dir(dest), space.SizeOnDisk(length), d.freeSpace); err != nil {
		return false, err
	}
	return d.Download(ctx, url, dest, expectedMD5, fn)
}

// FetchBytes reads a small resource fully into memory. Bodies larger than limit
// are rejected.
func (d *Downloader) FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error) {
	body, _, err := d.source.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(body, limit+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrCancelled
		}
		return nil, errors.New(errors.KindDownloadFailed, err)
	}
	if n > limit {
		slog.Warn("fetch_too_large", "url", url, "limit", limit)
		return nil, errors.Newf(errors.KindDownloadFailed, "%s: body exceeds %d bytes", url, limit)
	}
	return buf.Bytes(), nil
}

// FetchMD5Sum reads an md5sum sidecar and returns its first token.
func (d *Downloader) FetchMD5Sum(ctx context.Context, url string) (string, error) {
	raw, err := d.FetchBytes(ctx, url, 4096)
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", errors.Newf(errors.KindDownloadFailed, "%s: empty md5sum", url)
	}
	sum := strings.ToLower(fields[0])
	if len(sum) != 32 {
		return "", errors.New(errors.KindDownloadFailed, fmt.Errorf("%s: malformed md5sum %q", url, fields[0]))
	}
	return sum, nil
}

// Probe returns the remote size of url without downloading it.
func (d *Downloader) Probe(ctx context.Context, url string) (int64, error) {
	return d.source.Probe(ctx, url)
}
