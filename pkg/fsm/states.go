package fsm

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fly-io/deltaota/pkg/db"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/manifest"
	"github.com/fly-io/deltaota/pkg/patch"
	"github.com/fly-io/deltaota/pkg/progress"
	"github.com/fly-io/deltaota/pkg/resolver"
	"github.com/fly-io/deltaota/pkg/space"
	"github.com/fly-io/deltaota/pkg/version"
)

// pass is the in-memory working set of one resolution pass.
type pass struct {
	ctx  context.Context
	req  PassRequest
	sink Sink

	state     string
	stepStart time.Time

	prev    db.PipelineState
	working db.PipelineState

	latestFull   string
	chain        manifest.Chain
	verified     string
	initialFile  string
	normalize    bool
	downloadFull bool
	deltaSize    int64
	fullSize     int64
	output       string

	finished bool
	outcome  Outcome
	err      error
}

func (p *pass) enter(state string) {
	p.state = state
	p.stepStart = time.Now()
	p.emit(Status{State: state, Label: state})
}

func (p *pass) emit(s Status) {
	if p.sink == nil {
		return
	}
	s.PassID = p.req.PassID
	if s.State == "" {
		s.State = p.state
	}
	s.ElapsedMs = time.Since(p.stepStart).Milliseconds()
	p.sink(s)
}

func (p *pass) progress(label string) progress.Func {
	return p.progressFrom(label, 0, 0)
}

// progressFrom reports against an overall total, offsetting each file's bytes.
func (p *pass) progressFrom(label string, offset, total int64) progress.Func {
	return func(percent float64, current, t int64) {
		if total > 0 {
			current += offset
			t = total
			percent = progress.Percent(current, t)
		}
		p.emit(Status{Label: label, Percent: percent, Current: current, Total: t})
	}
}

func (p *pass) done(outcome Outcome) {
	p.finished = true
	p.outcome = outcome
}

func (p *pass) fail(err error) error {
	p.finished = true
	p.err = err
	if errors.IsCancelled(err) {
		p.outcome = OutcomeCancelled
		slog.Info("pass_cancelled", "pass_id", p.req.PassID, "state", p.state)
	} else {
		p.outcome = OutcomeError
		slog.Error("pass_failed", "pass_id", p.req.PassID, "state", p.state, "kind", errors.KindOf(err), "error", err)
	}
	return err
}

func (p *pass) cancelled() bool {
	return p.ctx.Err() != nil
}

func (m *Machine) path(name string) string {
	return filepath.Join(m.opts.PathBase, name)
}

func (m *Machine) currentImage() string {
	return m.opts.CurrentVersion + m.opts.ImageExt
}

func (m *Machine) supported() bool {
	for _, tag := range m.opts.OfficialTags {
		if tag != "" && strings.Contains(m.opts.CurrentVersion, tag) {
			return true
		}
	}
	return false
}

// check gates the pass, finds the newest full build and resolves the chain.
func (m *Machine) check(p *pass) error {
	if !m.supported() {
		return p.fail(errors.Newf(errors.KindUnsupportedVersion, "%s is not an official build", m.opts.CurrentVersion))
	}
	if !p.req.Allowed {
		return p.fail(errors.Newf(errors.KindNetworkUnavailable, "not allowed to proceed"))
	}
	if err := os.MkdirAll(m.opts.PathBase, 0755); err != nil {
		if os.IsPermission(err) {
			return p.fail(errors.New(errors.KindPermissionDenied, err))
		}
		return p.fail(errors.Wrap(err, "failed to create artifact directory"))
	}

	idx := resolver.BuildIndex{Device: m.opts.Device, AndroidVersion: m.opts.AndroidVersion, ImageExt: m.opts.ImageExt}
	latestFull, err := idx.NewestFullBuild(p.ctx, m.downloader, m.opts.URLBaseJSON, m.opts.MaxManifestSize)
	if err != nil {
		return p.fail(err)
	}
	if err := m.validator.ValidateName(latestFull); err != nil {
		return p.fail(errors.New(errors.KindDownloadFailed, err))
	}
	p.latestFull = latestFull
	p.working.LatestFullName = latestFull

	chain, err := m.resolver.Resolve(p.ctx, m.opts.CurrentVersion)
	if err != nil {
		return p.fail(err)
	}
	p.chain = chain
	slog.Info("pass_checked", "pass_id", p.req.PassID, "latest_full", latestFull, "links", len(chain))
	return nil
}

// search matches local files, decides between delta and full, and runs the
// space preflight.
func (m *Machine) search(p *pass) error {
	scan := resolver.ScanLocal(p.chain, m.opts.PathBase, p.latestFull, func(name string) progress.Func {
		return p.progress(name)
	})
	p.chain = scan.Chain
	p.verified = scan.Verified

	if len(p.chain) == 0 {
		if scan.ReadyPath != "" {
			slog.Info("ready_artifact_found", "pass_id", p.req.PassID, "path", scan.ReadyPath)
			p.working.ReadyFilename = scan.ReadyPath
			p.working.DeltaSignature = scan.ReadySigned
			p.done(OutcomeReady)
			return nil
		}
		return m.searchFullOnly(p)
	}

	for _, mf := range p.chain {
		m.tagPayload(p, mf.Update)
	}
	last := p.chain.Last()
	if m.opts.ApplySignature {
		m.tagPayload(p, last.Signature)
	}

	p.deltaSize = space.DeltaDownloadSize(p.chain, m.opts.ApplySignature)
	p.fullSize = space.FullDownloadSize(p.chain)
	p.initialFile, p.normalize = resolver.FindInitialFile(p.chain, m.opts.PathBase, p.verified, func(name string) progress.Func {
		return p.progress(name)
	})
	slog.Info("download_sizes", "pass_id", p.req.PassID, "delta", p.deltaSize, "full", p.fullSize, "initial", p.initialFile)

	latestDelta := last.Out.Name
	current := m.currentImage()
	fullPossible := p.latestFull != "" && version.Newer(p.latestFull, current)
	deltaPossible := p.initialFile != "" && version.Newer(latestDelta, current) && latestDelta == p.latestFull
	betterFull := p.deltaSize > p.fullSize || p.latestFull > latestDelta
	p.downloadFull = !deltaPossible || (betterFull && fullPossible)

	slog.Info("update_decision", "pass_id", p.req.PassID,
		"delta_possible", deltaPossible, "full_possible", fullPossible,
		"better_full", betterFull, "download_full", p.downloadFull)

	if !fullPossible && !deltaPossible {
		p.working.LatestFullName = ""
		p.working.LatestDeltaName = ""
		p.done(OutcomeUpToDate)
		return nil
	}
	if p.downloadFull {
		p.working.LatestDeltaName = ""
	} else {
		p.working.LatestDeltaName = latestDelta
	}

	if p.downloadFull {
		if ready, err := m.localFullBuild(p); err != nil {
			return err
		} else if ready {
			return nil
		}
	}

	switch {
	case deltaPossible:
		p.working.DownloadSize = p.deltaSize
	case p.downloadFull:
		p.working.DownloadSize = p.fullSize
	}

	required := space.RequiredBytes(p.chain, p.downloadFull, m.opts.ApplySignature)
	if err := space.Check(m.opts.PathBase, required, m.freeSpace); err != nil {
		return p.fail(err)
	}

	m.stopUnlessDownloading(p)
	return nil
}

// searchFullOnly handles an empty chain: only a full build can help.
func (m *Machine) searchFullOnly(p *pass) error {
	if !version.Newer(p.latestFull, m.currentImage()) {
		slog.Info("no_update_available", "pass_id", p.req.PassID, "latest_full", p.latestFull, "current", m.currentImage())
		p.working.LatestFullName = ""
		p.done(OutcomeUpToDate)
		return nil
	}

	p.downloadFull = true
	if ready, err := m.localFullBuild(p); err != nil || ready {
		return err
	}

	size, err := m.downloader.Probe(p.ctx, m.fullURL(p))
	if err != nil {
		if errors.IsCancelled(err) {
			return p.fail(err)
		}
		slog.Warn("full_size_probe_failed", "pass_id", p.req.PassID, "error", err)
		size = -1
	}
	p.fullSize = size
	p.working.DownloadSize = size

	m.stopUnlessDownloading(p)
	return nil
}

func (m *Machine) stopUnlessDownloading(p *pass) {
	if p.req.Mode == ModeCheck || (p.downloadFull && p.req.Mode != ModeFull) {
		p.done(OutcomeUpdateAvailable)
	}
}

func (m *Machine) fullURL(p *pass) string {
	return m.opts.URLBaseFull + p.latestFull
}

// localFullBuild accepts an already-downloaded full build whose MD5 matches
// the published sum.
func (m *Machine) localFullBuild(p *pass) (bool, error) {
	local := m.path(p.latestFull)
	if _, err := os.Stat(local); err != nil {
		return false, nil
	}
	want, err := m.downloader.FetchMD5Sum(p.ctx, m.fullURL(p)+".md5sum")
	if err != nil {
		if errors.IsCancelled(err) {
			return false, p.fail(err)
		}
		slog.Warn("full_md5sum_unavailable", "pass_id", p.req.PassID, "error", err)
		return false, nil
	}
	got, err := manifest.FileMD5(local, p.progress(p.latestFull))
	if err != nil || got != want {
		slog.Info("full_md5sum_mismatch", "pass_id", p.req.PassID, "path", local)
		return false, nil
	}

	slog.Info("ready_artifact_found", "pass_id", p.req.PassID, "path", local, "kind", "full")
	p.working.ReadyFilename = local
	p.working.DeltaSignature = false
	p.downloadFull = false
	p.done(OutcomeReady)
	return true, nil
}

// tagPayload resolves a delta payload already on disk in its downloaded form.
func (m *Machine) tagPayload(p *pass, fs *manifest.FileSet) {
	local := m.path(fs.Name)
	if slot, ok := fs.Match(local, true, p.progress(fs.Name)); ok && slot.Label == manifest.LabelUpdate {
		fs.Resolve(local)
	}
}

// download fetches whatever the chosen path still lacks.
func (m *Machine) download(p *pass) error {
	if p.downloadFull {
		return m.downloadFull(p)
	}

	var payloads []*manifest.FileSet
	for _, mf := range p.chain {
		payloads = append(payloads, mf.Update)
	}
	if m.opts.ApplySignature {
		payloads = append(payloads, p.chain.Last().Signature)
	}

	var offset int64
	for _, fs := range payloads {
		if fs.IsResolved() {
			continue
		}
		if err := m.fetchPayload(p, fs, offset); err != nil {
			return err
		}
		offset += fs.Update().Size
	}
	p.emit(Status{Label: StateDownloading, Percent: 100, Current: p.deltaSize, Total: p.deltaSize})
	return nil
}

func (m *Machine) fetchPayload(p *pass, fs *manifest.FileSet, offset int64) error {
	dest := m.path(fs.Name)
	want := fs.Update()
	if err := m.validator.ValidateArtifactSize(want.Size); err != nil {
		return p.fail(errors.New(errors.KindDownloadFailed, err))
	}

	ok, err := m.downloader.Download(p.ctx, m.opts.URLBaseUpdate+fs.Name, dest, want.Checksum,
		p.progressFrom(fs.Name, offset, p.deltaSize))
	if err != nil {
		os.Remove(dest)
		return p.fail(err)
	}
	if !ok {
		os.Remove(dest)
		return p.fail(errors.Newf(errors.KindChecksumMismatch, "%s does not match its manifest", fs.Name))
	}
	fs.Resolve(dest)
	return nil
}

func (m *Machine) downloadFull(p *pass) error {
	url := m.fullURL(p)
	sum, err := m.downloader.FetchMD5Sum(p.ctx, url+".md5sum")
	if err != nil {
		if errors.IsCancelled(err) {
			return p.fail(err)
		}
		slog.Warn("full_download_aborted", "pass_id", p.req.PassID, "reason", "md5sum_not_found", "error", err)
		p.done(OutcomeUpdateAvailable)
		return nil
	}

	dest := m.path(p.latestFull)
	ok, err := m.downloader.DownloadUnknownSize(p.ctx, url, dest, sum, p.progress(p.latestFull))
	if err != nil {
		os.Remove(dest)
		return p.fail(err)
	}
	if !ok {
		os.Remove(dest)
		return p.fail(errors.Newf(errors.KindChecksumMismatch, "%s does not match its md5sum", p.latestFull))
	}

	p.working.ReadyFilename = dest
	p.working.DeltaSignature = false
	p.done(OutcomeReady)
	return nil
}

// apply reconstructs the final image.
func (m *Machine) apply(p *pass) error {
	if p.initialFile == "" {
		return p.fail(errors.Newf(errors.KindPatchFailed, "no initial file to patch from"))
	}

	plan := patch.Plan{
		Chain:              p.chain,
		InitialFile:        p.initialFile,
		NeedsNormalization: p.normalize,
		ApplySignature:     m.opts.ApplySignature,
		PathBase:           m.opts.PathBase,
	}
	output, err := m.applier.Apply(p.ctx, plan, p.progress(p.chain.Last().Out.Name))
	if err != nil {
		return p.fail(err)
	}
	p.output = output
	return nil
}

// verify checks the reconstruction and removes the intermediates.
func (m *Machine) verify(p *pass) error {
	last := p.chain.Last()
	slot, ok := last.Out.Match(p.output, true, p.progress(last.Out.Name))
	if !ok {
		os.Remove(p.output)
		return p.fail(errors.Newf(errors.KindChecksumMismatch, "reconstructed %s failed verification", last.Out.Name))
	}
	last.Out.Resolve(p.output)
	slog.Info("final_verification_complete", "pass_id", p.req.PassID, "path", p.output, "label", slot.Label)

	for _, mf := range p.chain {
		m.remove(mf.Update.Name)
		m.remove(mf.Signature.Name)
		if mf != last {
			m.remove(mf.Out.Name)
		}
	}
	return nil
}

func (m *Machine) remove(name string) {
	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		slog.Warn("cleanup_failed", "path", m.path(name), "error", err)
	}
}

// ready records the verified artifact.
func (m *Machine) ready(p *pass) error {
	if p.initialFile != "" && m.validator.ValidateWithin(m.opts.PathBase, p.initialFile) == nil {
		p.working.InitialFile = p.initialFile
	}
	p.working.DeltaSignature = true
	p.working.ReadyFilename = p.output
	p.working.LatestDeltaName = filepath.Base(p.output)
	p.done(OutcomeReady)
	return nil
}
