package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/security"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func sum(b []byte) string {
	s := md5.Sum(b)
	return hex.EncodeToString(s[:])
}

func newServer(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newDownloader(free int64) *Downloader {
	src := NewHTTPSource(5*time.Second, 5*time.Second)
	return NewDownloader(src, security.NewValidator(1<<30, 256), func(string) (int64, error) {
		return free, nil
	})
}

func TestDownload_VerifiesChecksum(t *testing.T) {
	data := payload(3*ChunkSize + 11)
	srv := newServer(t, map[string][]byte{"/a.update": data})
	dl := newDownloader(1 << 40)
	dest := filepath.Join(t.TempDir(), "a.update")

	var last int64
	ok, err := dl.Download(context.Background(), srv.URL+"/a.update", dest, sum(data), func(_ float64, current, total int64) {
		if total != int64(len(data)) {
			t.Errorf("total = %d, want %d", total, len(data))
		}
		last = current
	})
	if err != nil || !ok {
		t.Fatalf("Download = %v, %v", ok, err)
	}
	if last != int64(len(data)) {
		t.Errorf("final progress = %d, want %d", last, len(data))
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, data) {
		t.Error("content differs")
	}
	if dl.Received() != int64(len(data)) {
		t.Errorf("Received = %d", dl.Received())
	}
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	data := payload(1000)
	srv := newServer(t, map[string][]byte{"/a.update": data})
	dl := newDownloader(1 << 40)
	dest := filepath.Join(t.TempDir(), "a.update")

	ok, err := dl.Download(context.Background(), srv.URL+"/a.update", dest, sum([]byte("other")), nil)
	if err != nil {
		t.Fatalf("mismatch must not be an I/O error: %v", err)
	}
	if ok {
		t.Fatal("mismatch reported as success")
	}
}

func TestDownload_ReplacesExisting(t *testing.T) {
	data := payload(10)
	srv := newServer(t, map[string][]byte{"/x": data})
	dest := filepath.Join(t.TempDir(), "x")
	os.WriteFile(dest, payload(5000), 0644)

	if ok, err := newDownloader(1<<40).Download(context.Background(), srv.URL+"/x", dest, "", nil); !ok || err != nil {
		t.Fatalf("Download = %v, %v", ok, err)
	}
	got, _ := os.ReadFile(dest)
	if len(got) != len(data) {
		t.Errorf("old content survived: %d bytes", len(got))
	}
}

func TestDownload_NotFound(t *testing.T) {
	srv := newServer(t, nil)
	_, err := newDownloader(1<<40).Download(context.Background(), srv.URL+"/missing", filepath.Join(t.TempDir(), "m"), "", nil)
	if errors.KindOf(err) != errors.KindDownloadFailed {
		t.Fatalf("KindOf = %q, want download_failed", errors.KindOf(err))
	}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected ErrNotFound in chain")
	}
}

// cancelSource cancels after the first chunk has been handed out.
type cancelSource struct {
	data   []byte
	cancel context.CancelFunc
}

type cancelReader struct {
	r      io.Reader
	cancel context.CancelFunc
}

func (c *cancelReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.cancel()
	return n, err
}

func (s *cancelSource) Open(context.Context, string) (io.ReadCloser, int64, error) {
	return io.NopCloser(&cancelReader{r: bytes.NewReader(s.data), cancel: s.cancel}), int64(len(s.data)), nil
}

func (s *cancelSource) Probe(context.Context, string) (int64, error) {
	return int64(len(s.data)), nil
}

func TestDownload_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	data := payload(4 * ChunkSize)
	dl := NewDownloader(&cancelSource{data: data, cancel: cancel}, security.NewValidator(1<<30, 256), nil)
	dest := filepath.Join(t.TempDir(), "partial")

	ok, err := dl.Download(ctx, "mem://x", dest, sum(data), nil)
	if ok || !errors.IsCancelled(err) {
		t.Fatalf("Download = %v, %v; want cancelled", ok, err)
	}
	info, statErr := os.Stat(dest)
	if statErr != nil {
		t.Fatalf("partial file should be left for the caller: %v", statErr)
	}
	if info.Size() >= int64(len(data)) {
		t.Errorf("expected a partial file, got %d bytes", info.Size())
	}
}

func TestDownload_StalledBodyTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.Write(payload(1024))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	dl := NewDownloader(NewHTTPSource(time.Second, 200*time.Millisecond), security.NewValidator(1<<30, 256), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	ok, err := dl.Download(ctx, srv.URL+"/slow.update", filepath.Join(t.TempDir(), "slow.update"), "", nil)
	if ok || errors.KindOf(err) != errors.KindDownloadFailed {
		t.Fatalf("Download = %v, %v; want download failure", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stalled download took %v to fail", elapsed)
	}
	if ctx.Err() != nil {
		t.Error("failure came from the caller's deadline")
	}
}

func TestDownloadUnknownSize_ChecksFreeSpace(t *testing.T) {
	data := payload(1000)
	srv := newServer(t, map[string][]byte{"/full.zip": data})
	dest := filepath.Join(t.TempDir(), "full.zip")

	_, err := newDownloader(100).DownloadUnknownSize(context.Background(), srv.URL+"/full.zip", dest, sum(data), nil)
	if errors.KindOf(err) != errors.KindInsufficientSpace {
		t.Fatalf("KindOf = %q, want insufficient space", errors.KindOf(err))
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("nothing should be written when space is short")
	}

	ok, err := newDownloader(1<<40).DownloadUnknownSize(context.Background(), srv.URL+"/full.zip", dest, sum(data), nil)
	if !ok || err != nil {
		t.Fatalf("DownloadUnknownSize = %v, %v", ok, err)
	}
}

func TestFetchBytesAndMD5Sum(t *testing.T) {
	srv := newServer(t, map[string][]byte{
		"/small":           []byte("{}"),
		"/big":             payload(2048),
		"/full.zip.md5sum": []byte("0123456789ABCDEF0123456789abcdef  full.zip\n"),
	})
	dl := newDownloader(1 << 40)
	ctx := context.Background()

	if b, err := dl.FetchBytes(ctx, srv.URL+"/small", 1024); err != nil || string(b) != "{}" {
		t.Errorf("FetchBytes small = %q, %v", b, err)
	}
	if _, err := dl.FetchBytes(ctx, srv.URL+"/big", 1024); err == nil {
		t.Error("FetchBytes should reject oversize bodies")
	}
	s, err := dl.FetchMD5Sum(ctx, srv.URL+"/full.zip.md5sum")
	if err != nil || s != "0123456789abcdef0123456789abcdef" {
		t.Errorf("FetchMD5Sum = %q, %v", s, err)
	}
}

func TestRouterAndSplitURL(t *testing.T) {
	r := &Router{}
	if _, _, err := r.Open(context.Background(), "s3://bucket/key"); errors.KindOf(err) != errors.KindDownloadFailed {
		t.Errorf("router without S3 source: %v", err)
	}

	bucket, key, err := SplitURL("s3://ota-mirror/deltas/a.delta")
	if err != nil || bucket != "ota-mirror" || key != "deltas/a.delta" {
		t.Errorf("SplitURL = %q, %q, %v", bucket, key, err)
	}
	if _, _, err := SplitURL("s3://bucket-only"); err == nil {
		t.Error("SplitURL should need a key")
	}
}
