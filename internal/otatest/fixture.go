// Package otatest builds fabricated update servers and a byte-level patch
// transform for tests.
package otatest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fly-io/deltaota/pkg/manifest"
)

// Device is the device name embedded in every fixture build.
const Device = "testdev"

// NormalizeHeader prefixes the official form of every build. Normalizing
// strips it, yielding the store form deltas are computed against.
const NormalizeHeader = "OFFICIAL-HEADER\n"

// Sum returns the lower-hex MD5 of b.
func Sum(b []byte) string {
	s := md5.Sum(b)
	return hex.EncodeToString(s[:])
}

// Fixture is a linear history of builds 0..n where build 0 is installed.
// Store[i+1] = Store[i] + Update[i] and the signed form of build i+1 is
// Store[i+1] + Signature[i].
type Fixture struct {
	Names     []string
	Store     [][]byte
	Update    [][]byte
	Signature [][]byte
	Revoked   map[int]bool

	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

// BuildName is the image name of build i.
func BuildName(i int) string {
	return fmt.Sprintf("omni-9.0-202401%02d-NIGHTLY-%s.zip", i+1, Device)
}

// NewFixture fabricates n delta links on top of build 0.
func NewFixture(n int) *Fixture {
	f := &Fixture{Revoked: map[int]bool{}}
	base := []byte(fmt.Sprintf("base image content for %s\n", Device))
	for i := 0; i < 300; i++ {
		base = append(base, byte(i))
	}
	f.Names = append(f.Names, BuildName(0))
	f.Store = append(f.Store, base)
	for i := 0; i < n; i++ {
		upd := []byte(strings.Repeat(fmt.Sprintf("delta %d payload;", i), 40+i))
		sig := []byte(fmt.Sprintf("signature block %d", i))
		next := append(append([]byte{}, f.Store[i]...), upd...)
		f.Names = append(f.Names, BuildName(i+1))
		f.Store = append(f.Store, next)
		f.Update = append(f.Update, upd)
		f.Signature = append(f.Signature, sig)
	}
	return f
}

// Links is the number of delta links.
func (f *Fixture) Links() int { return len(f.Update) }

// Latest is the name of the newest build.
func (f *Fixture) Latest() string { return f.Names[len(f.Names)-1] }

// Base strips the image extension.
func Base(name string) string { return strings.TrimSuffix(name, ".zip") }

// Official returns the official form of build i.
func (f *Fixture) Official(i int) []byte {
	return append([]byte(NormalizeHeader), f.Store[i]...)
}

// Signed returns the store_signed form of build i.
func (f *Fixture) Signed(i int) []byte {
	sig := []byte("factory signature")
	if i > 0 {
		sig = f.Signature[i-1]
	}
	return append(append([]byte{}, f.Store[i]...), sig...)
}

// UpdateName and SignatureName name the payloads of link i.
func (f *Fixture) UpdateName(i int) string    { return Base(f.Names[i+1]) + ".update" }
func (f *Fixture) SignatureName(i int) string { return Base(f.Names[i+1]) + ".sign" }

type fileDoc map[string]any

func (f *Fixture) fullDoc(i int) fileDoc {
	off, st, sg := f.Official(i), f.Store[i], f.Signed(i)
	return fileDoc{
		"name":              f.Names[i],
		"size_official":     len(off),
		"md5_official":      Sum(off),
		"size_store":        len(st),
		"md5_store":         Sum(st),
		"size_store_signed": len(sg),
		"md5_store_signed":  Sum(sg),
	}
}

// ManifestJSON renders the manifest for link i.
func (f *Fixture) ManifestJSON(i int) []byte {
	doc := map[string]any{
		"version": 1,
		"in":      f.fullDoc(i),
		"update": fileDoc{
			"name":         f.UpdateName(i),
			"size":         len(f.Update[i]),
			"md5":          Sum(f.Update[i]),
			"size_applied": len(f.Store[i+1]),
			"md5_applied":  Sum(f.Store[i+1]),
		},
		"signature": fileDoc{
			"name":         f.SignatureName(i),
			"size":         len(f.Signature[i]),
			"md5":          Sum(f.Signature[i]),
			"size_applied": len(f.Signed(i + 1)),
			"md5_applied":  Sum(f.Signed(i + 1)),
		},
		"out": f.fullDoc(i + 1),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return raw
}

// Chain parses every link into a manifest chain.
func (f *Fixture) Chain(t testing.TB) manifest.Chain {
	t.Helper()
	var c manifest.Chain
	for i := 0; i < f.Links(); i++ {
		m, err := manifest.Parse(f.ManifestJSON(i), f.Revoked[i])
		if err != nil {
			t.Fatalf("parse fixture manifest %d: %v", i, err)
		}
		c = append(c, m)
	}
	return c
}

// Paths served by Server.
const (
	DeltaPath  = "/delta/"
	UpdatePath = "/update/"
	FullPath   = "/full/"
	IndexPath  = "/builds.json"
)

// Serve publishes the fixture on an httptest server. Manifests, payloads,
// official full builds with md5sum sidecars and the build index are served.
func (f *Fixture) Serve(t testing.TB) *httptest.Server {
	t.Helper()
	f.mu.Lock()
	f.files = map[string][]byte{}
	f.hits = map[string]int{}
	for i := 0; i < f.Links(); i++ {
		suffix := ".delta"
		if f.Revoked[i] {
			suffix = ".delta_revoked"
		}
		f.files[DeltaPath+Base(f.Names[i])+suffix] = f.ManifestJSON(i)
		f.files[UpdatePath+f.UpdateName(i)] = f.Update[i]
		f.files[UpdatePath+f.SignatureName(i)] = f.Signature[i]
	}
	var entries []string
	for i, name := range f.Names {
		f.files[FullPath+name] = f.Official(i)
		f.files[FullPath+name+".md5sum"] = []byte(Sum(f.Official(i)) + "  " + name + "\n")
		entries = append(entries, fmt.Sprintf(`{"filename":"./%s/%s","timestamp":%d}`, Device, name, 1700000000+i))
	}
	f.files[IndexPath] = []byte(fmt.Sprintf(`{"./%s":[%s]}`, Device, strings.Join(entries, ",")))
	f.mu.Unlock()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		data, ok := f.files[r.URL.Path]
		if r.Method == http.MethodGet {
			f.hits[r.URL.Path]++
		}
		f.mu.Unlock()
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

// SetFile replaces or, with nil data, removes a served path.
func (f *Fixture) SetFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data == nil {
		delete(f.files, path)
		return
	}
	f.files[path] = data
}

// Hits counts GET requests for path.
func (f *Fixture) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

// ConcatTransform appends the delta to the source. Normalize strips
// NormalizeHeader.
type ConcatTransform struct {
	// FailOn makes Patch fail when the delta path ends with it.
	FailOn string

	mu    sync.Mutex
	Calls []string
}

func (c *ConcatTransform) record(s string) {
	c.mu.Lock()
	c.Calls = append(c.Calls, s)
	c.mu.Unlock()
}

func (c *ConcatTransform) Patch(_ context.Context, source, delta, out string) error {
	c.record("patch " + delta)
	if c.FailOn != "" && strings.HasSuffix(delta, c.FailOn) {
		os.WriteFile(out, []byte("partial"), 0644)
		return fmt.Errorf("patch tool exited 1")
	}
	src, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	d, err := os.ReadFile(delta)
	if err != nil {
		return err
	}
	return os.WriteFile(out, append(src, d...), 0644)
}

func (c *ConcatTransform) Normalize(_ context.Context, in, out string) error {
	c.record("normalize " + in)
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, []byte(strings.TrimPrefix(string(src), NormalizeHeader)), 0644)
}
