package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/manifest"
	"github.com/fly-io/deltaota/pkg/security"
)

const base = "https://ota.example.com/delta/"

type mapFetcher map[string][]byte

func (f mapFetcher) FetchBytes(_ context.Context, url string, limit int64) ([]byte, error) {
	b, ok := f[url]
	if !ok {
		return nil, errors.Newf(errors.KindDownloadFailed, "%s: not found", url)
	}
	if int64(len(b)) > limit {
		return nil, errors.Newf(errors.KindDownloadFailed, "too large")
	}
	return b, nil
}

func build(i int) string { return fmt.Sprintf("omni-9.0-202401%02d-dev", i) }

type fullSums struct{ official, store, signed string }

func fileFull(name string, size int64, s fullSums) string {
	return fmt.Sprintf(`{"name":%q,"size_official":%d,"md5_official":%q,"size_store":%d,"md5_store":%q,"size_store_signed":%d,"md5_store_signed":%q}`,
		name, size, s.official, size, s.store, size, s.signed)
}

func manifestJSON(from, to int, outSums fullSums) []byte {
	zero := fullSums{"00", "00", "00"}
	return []byte(fmt.Sprintf(`{"version":1,"in":%s,"update":{"name":%q,"size":10,"md5":"aa","size_applied":20,"md5_applied":"bb"},"signature":{"name":%q,"size":5,"md5":"cc","size_applied":6,"md5_applied":"dd"},"out":%s}`,
		fileFull(build(from)+".zip", 100, zero), build(to)+".update", build(to)+".sign", fileFull(build(to)+".zip", 100, outSums)))
}

func newResolver(f Fetcher, maxLinks int) *Resolver {
	return New(f, security.NewValidator(1<<30, maxLinks), base, ".zip", 1<<20)
}

func linked(from, to int) mapFetcher {
	f := mapFetcher{}
	for i := from; i < to; i++ {
		f[base+build(i)+".delta"] = manifestJSON(i, i+1, fullSums{"00", "00", "00"})
	}
	return f
}

func assertContinuous(t *testing.T, chain manifest.Chain) {
	t.Helper()
	seen := map[string]bool{}
	for i, m := range chain {
		if seen[m.Out.Name] {
			t.Errorf("link %d repeats %s", i, m.Out.Name)
		}
		seen[m.Out.Name] = true
		if i > 0 && chain[i-1].Out.Name != m.In.Name {
			t.Errorf("link %d: in %s does not follow out %s", i, m.In.Name, chain[i-1].Out.Name)
		}
	}
}

func TestResolve_WalksUntilMissing(t *testing.T) {
	chain, err := newResolver(linked(1, 4), 256).Resolve(context.Background(), build(1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("len(chain) = %d, want 3", len(chain))
	}
	assertContinuous(t, chain)
	if chain.Last().Out.Name != build(4)+".zip" {
		t.Errorf("last out = %s", chain.Last().Out.Name)
	}
}

func TestResolve_Revoked(t *testing.T) {
	f := linked(1, 2)
	// middle link only published as revoked, final link normal
	f[base+build(2)+".delta_revoked"] = manifestJSON(2, 3, fullSums{"00", "00", "00"})
	f[base+build(3)+".delta"] = manifestJSON(3, 4, fullSums{"00", "00", "00"})
	chain, err := newResolver(f, 256).Resolve(context.Background(), build(1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(chain) != 3 || !chain[1].Revoked {
		t.Fatalf("revoked middle link should be kept, got %v", chain.Names())
	}

	// trailing revoked links are trimmed
	f = linked(1, 2)
	f[base+build(2)+".delta_revoked"] = manifestJSON(2, 3, fullSums{"00", "00", "00"})
	f[base+build(3)+".delta_revoked"] = manifestJSON(3, 4, fullSums{"00", "00", "00"})
	chain, err = newResolver(f, 256).Resolve(context.Background(), build(1))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(chain) != 1 || chain.Last().Revoked {
		t.Fatalf("trailing revoked links not trimmed: %v", chain.Names())
	}
}

func TestResolve_MalformedEndsChain(t *testing.T) {
	f := linked(1, 3)
	f[base+build(3)+".delta"] = []byte("<html>not found</html>")
	chain, err := newResolver(f, 256).Resolve(context.Background(), build(1))
	if err != nil {
		t.Fatalf("malformed manifest must not fail the walk: %v", err)
	}
	if len(chain) != 2 {
		t.Errorf("len(chain) = %d, want 2", len(chain))
	}
}

func TestResolve_Guards(t *testing.T) {
	t.Run("cycle", func(t *testing.T) {
		f := linked(1, 3)
		f[base+build(3)+".delta"] = manifestJSON(3, 1, fullSums{"00", "00", "00"})
		chain, err := newResolver(f, 256).Resolve(context.Background(), build(1))
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 2 {
			t.Errorf("cycle not stopped: %v", chain.Names())
		}
		assertContinuous(t, chain)
	})

	t.Run("length cap", func(t *testing.T) {
		chain, err := newResolver(linked(1, 20), 5).Resolve(context.Background(), build(1))
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 5 {
			t.Errorf("len(chain) = %d, want 5", len(chain))
		}
	})

	t.Run("discontinuous", func(t *testing.T) {
		f := linked(1, 2)
		f[base+build(2)+".delta"] = manifestJSON(7, 8, fullSums{"00", "00", "00"})
		chain, err := newResolver(f, 256).Resolve(context.Background(), build(1))
		if err != nil {
			t.Fatal(err)
		}
		if len(chain) != 1 {
			t.Errorf("discontinuous link accepted: %v", chain.Names())
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := newResolver(linked(1, 3), 256).Resolve(ctx, build(1)); !errors.IsCancelled(err) {
			t.Errorf("err = %v, want cancelled", err)
		}
	})
}

func writeMatching(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatal(err)
	}
	s := md5.Sum(data)
	return hex.EncodeToString(s[:])
}

func TestScanLocal(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 100)
	copy(data, "built from deltas")
	sum := writeMatching(t, dir, build(3)+".zip", data)

	f := linked(1, 2)
	f[base+build(2)+".delta"] = manifestJSON(2, 3, fullSums{"00", "00", sum})
	f[base+build(3)+".delta"] = manifestJSON(3, 4, fullSums{"00", "00", "00"})
	chain, err := newResolver(f, 256).Resolve(context.Background(), build(1))
	if err != nil || len(chain) != 3 {
		t.Fatalf("Resolve = %v, %v", chain.Names(), err)
	}

	t.Run("intermediate match drops prefix", func(t *testing.T) {
		scan := ScanLocal(chain, dir, build(4)+".zip", nil)
		if len(scan.Chain) != 1 || scan.Chain[0].Out.Name != build(4)+".zip" {
			t.Fatalf("remaining = %v", scan.Chain.Names())
		}
		if scan.ReadyPath != "" {
			t.Errorf("ReadyPath = %q, want empty", scan.ReadyPath)
		}

		initial, normalize := FindInitialFile(scan.Chain, dir, scan.Verified, nil)
		if initial != filepath.Join(dir, build(3)+".zip") {
			t.Errorf("initial = %q", initial)
		}
		if !normalize {
			t.Error("a non-store initial file needs normalization")
		}
	})

	t.Run("latest full already built", func(t *testing.T) {
		scan := ScanLocal(chain[:2], dir, build(3)+".zip", nil)
		if len(scan.Chain) != 0 {
			t.Fatalf("remaining = %v", scan.Chain.Names())
		}
		if scan.ReadyPath != filepath.Join(dir, build(3)+".zip") || !scan.ReadySigned {
			t.Errorf("scan = %+v", scan)
		}
	})

	t.Run("no match", func(t *testing.T) {
		scan := ScanLocal(chain, t.TempDir(), build(4)+".zip", nil)
		if len(scan.Chain) != 3 || scan.Verified != "" {
			t.Errorf("scan = %+v", scan)
		}
	})
}

func TestFindInitialFile_Store(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 100)
	sum := writeMatching(t, dir, build(1)+".zip", data)

	m, err := manifest.Parse([]byte(fmt.Sprintf(`{"version":1,"in":%s,"update":{"name":"u","size":1,"md5":"a","size_applied":1,"md5_applied":"a"},"signature":{"name":"s","size":1,"md5":"a","size_applied":1,"md5_applied":"a"},"out":%s}`,
		fileFull(build(1)+".zip", 100, fullSums{"00", sum, "00"}),
		fileFull(build(2)+".zip", 100, fullSums{"00", "00", "00"}))), false)
	if err != nil {
		t.Fatal(err)
	}

	initial, normalize := FindInitialFile(manifest.Chain{m}, dir, "", nil)
	if initial == "" || normalize {
		t.Errorf("FindInitialFile = %q, %v; want store match without normalization", initial, normalize)
	}
	if !m.In.IsResolved() {
		t.Error("initial file should be tagged")
	}

	if got, _ := FindInitialFile(manifest.Chain{m}, t.TempDir(), "", nil); got != "" {
		t.Errorf("missing initial file reported as %q", got)
	}
}
