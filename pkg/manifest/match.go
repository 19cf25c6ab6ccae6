package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"os"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/progress"
)

// ChunkSize is the read size used while hashing.
const ChunkSize = 256 * 1024

// Match reports which slot the file at path currently is. Slots are tried in
// order and a slot matches when the size is equal and, with requireChecksum,
// the MD5 is equal too. The file is hashed at most once.
//
// An absent or unreadable file matches nothing.
func (f *FileSet) Match(path string, requireChecksum bool, fn progress.Func) (Slot, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Slot{}, false
	}
	size := info.Size()

	var sum string
	for _, s := range f.slots {
		if s.Size != size {
			continue
		}
		if !requireChecksum {
			return s, true
		}
		if sum == "" {
			sum, err = FileMD5(path, fn)
			if err != nil {
				slog.Warn("match_checksum_failed", "path", path, "error", err)
				return Slot{}, false
			}
		}
		if sum == s.Checksum {
			return s, true
		}
	}
	return Slot{}, false
}

// FileMD5 streams path in ChunkSize reads and returns its lower-case hex MD5.
// fn is called at start and at completion, and throttled in between.
func FileMD5(path string, fn progress.Func) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to open file for checksum")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrap(err, "failed to stat file for checksum")
	}
	total := info.Size()

	th := progress.NewThrottle(fn)
	th.Update(0, total)

	h := md5.New()
	buf := make([]byte, ChunkSize)
	var done int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			done += int64(n)
			th.Update(done, total)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", errors.Wrap(rerr, "failed to read file for checksum")
		}
	}
	th.Done(done, total)

	return hex.EncodeToString(h.Sum(nil)), nil
}
