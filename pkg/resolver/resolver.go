// Package resolver walks the server's delta manifests from the installed build
// to the newest one and works out which links are already present locally.
package resolver

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/manifest"
	"github.com/fly-io/deltaota/pkg/progress"
	"github.com/fly-io/deltaota/pkg/security"
)

const (
	deltaSuffix   = ".delta"
	revokedSuffix = ".delta_revoked"
)

// Fetcher reads small remote documents into memory.
type Fetcher interface {
	FetchBytes(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Resolver builds delta chains.
type Resolver struct {
	fetcher         Fetcher
	validator       *security.Validator
	deltaBase       string
	imageExt        string
	maxManifestSize int64
}

// New creates a resolver reading manifests under deltaBase.
func New(fetcher Fetcher, validator *security.Validator, deltaBase, imageExt string, maxManifestSize int64) *Resolver {
	return &Resolver{
		fetcher:         fetcher,
		validator:       validator,
		deltaBase:       deltaBase,
		imageExt:        imageExt,
		maxManifestSize: maxManifestSize,
	}
}

// ManifestURL is where the manifest leaving build base is published.
func (r *Resolver) ManifestURL(base string) string {
	return r.deltaBase + base + deltaSuffix
}

func (r *Resolver) fetch(ctx context.Context, url string, revoked bool) (*manifest.Manifest, error) {
	raw, err := r.fetcher.FetchBytes(ctx, url, r.maxManifestSize)
	if err != nil {
		if errors.IsCancelled(err) {
			return nil, err
		}
		slog.Info("manifest_unavailable", "url", url, "error", err)
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}

	m, err := manifest.Parse(raw, revoked)
	if err != nil {
		slog.Warn("manifest_malformed", "url", url, "error", err)
		return nil, nil
	}
	for _, fs := range []*manifest.FileSet{m.In, m.Update, m.Signature, m.Out} {
		if err := r.validator.ValidateName(fs.Name); err != nil {
			slog.Warn("manifest_rejected", "url", url, "error", err)
			return nil, nil
		}
	}
	return m, nil
}

// Resolve walks manifests starting at the one for current (a build name
// without extension). The walk ends at the first link that is neither
// published nor revoked, at a malformed or discontinuous link, at a repeat,
// or at the configured length cap. Trailing revoked links are trimmed.
func (r *Resolver) Resolve(ctx context.Context, current string) (manifest.Chain, error) {
	slog.Info("chain_resolve_start", "current", current, "base", r.deltaBase)

	var chain manifest.Chain
	seen := map[string]bool{current + r.imageExt: true}
	base := current

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.ErrCancelled
		}
		if limit := r.validator.MaxChainLength(); limit > 0 && len(chain) >= limit {
			slog.Warn("chain_length_cap_reached", "limit", limit, "last", base)
			break
		}

		url := r.ManifestURL(base)
		m, err := r.fetch(ctx, url, false)
		if err != nil {
			return nil, err
		}
		if m == nil {
			m, err = r.fetch(ctx, strings.TrimSuffix(url, deltaSuffix)+revokedSuffix, true)
			if err != nil {
				return nil, err
			}
		}
		if m == nil {
			break
		}

		if prev := chain.Last(); prev != nil && m.In.Name != prev.Out.Name {
			slog.Warn("chain_discontinuous", "expected_in", prev.Out.Name, "got_in", m.In.Name)
			break
		}
		if seen[m.Out.Name] {
			slog.Warn("chain_cycle_detected", "out", m.Out.Name)
			break
		}
		seen[m.Out.Name] = true

		slog.Info("chain_link", "out", m.Out.Name, "revoked", m.Revoked)
		chain = append(chain, m)
		base = strings.TrimSuffix(m.Out.Name, r.imageExt)
	}

	chain = TrimRevoked(chain)
	slog.Info("chain_resolve_complete", "links", len(chain))
	return chain, nil
}

// TrimRevoked drops revoked links from the end of chain.
func TrimRevoked(chain manifest.Chain) manifest.Chain {
	for len(chain) > 0 && chain.Last().Revoked {
		chain = chain[:len(chain)-1]
	}
	return chain
}

// ProgressFor returns the progress callback to use while hashing name.
type ProgressFor func(name string) progress.Func

// Scan is the outcome of matching a chain against local files.
type Scan struct {
	// Chain holds the links that still need to be produced.
	Chain manifest.Chain
	// ReadyPath is set when the newest full build is already on disk.
	ReadyPath string
	// ReadySigned reports whether ReadyPath is the store_signed form.
	ReadySigned bool
	// Verified is the local out file that matched, if any.
	Verified string
}

// ScanLocal walks chain from newest to oldest looking for an out file already
// present under pathBase. The first hit and everything before it is dropped.
// When the hit is latestFull, its path is reported as ready.
func ScanLocal(chain manifest.Chain, pathBase, latestFull string, fn ProgressFor) Scan {
	for i := len(chain) - 1; i >= 0; i-- {
		out := chain[i].Out
		path := filepath.Join(pathBase, out.Name)
		slot, ok := out.Match(path, true, progressFor(fn, out.Name))
		if !ok {
			continue
		}
		out.Resolve(path)
		scan := Scan{Chain: chain[i+1:], Verified: path}
		if out.Name == latestFull {
			scan.ReadyPath = path
			scan.ReadySigned = slot.Label == manifest.LabelStoreSigned
		}
		slog.Info("local_match_found", "path", path, "label", slot.Label, "remaining", len(scan.Chain))
		return scan
	}
	return Scan{Chain: chain}
}

// FindInitialFile locates the file the first link patches from. A path
// already verified by ScanLocal only needs its size checked. The second
// result reports whether the file must be normalized first, which is the case
// for every form but store.
func FindInitialFile(chain manifest.Chain, pathBase, verified string, fn ProgressFor) (string, bool) {
	if len(chain) == 0 {
		return "", false
	}
	in := chain[0].In
	expected := filepath.Join(pathBase, in.Name)

	var (
		slot manifest.Slot
		ok   bool
	)
	if expected == verified {
		slot, ok = in.Match(expected, false, nil)
	}
	if !ok {
		slot, ok = in.Match(expected, true, progressFor(fn, in.Name))
	}
	if !ok {
		slog.Info("initial_file_not_found", "expected", expected)
		return "", false
	}

	in.Resolve(expected)
	needsNormalization := slot.Label != manifest.LabelStore
	slog.Info("initial_file_found", "path", expected, "label", slot.Label, "needs_normalization", needsNormalization)
	return expected, needsNormalization
}

func progressFor(fn ProgressFor, name string) progress.Func {
	if fn == nil {
		return nil
	}
	return fn(name)
}
