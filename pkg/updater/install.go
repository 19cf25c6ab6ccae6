package updater

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fly-io/deltaota/pkg/db"
	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/patch"
	"github.com/fly-io/deltaota/pkg/security"
)

// Installer hands the ready artifact to the external flash tool.
type Installer struct {
	store     *db.Store
	validator *security.Validator
	pathBase  string
	command   string
}

// NewInstaller creates an installer running command with the ready file as
// its last argument.
func NewInstaller(store *db.Store, validator *security.Validator, pathBase, command string) *Installer {
	return &Installer{store: store, validator: validator, pathBase: pathBase, command: command}
}

// Install flashes the ready artifact. The retained initial file and a
// previously installed image are removed first. On success the ready file
// becomes the installed file.
func (i *Installer) Install(ctx context.Context) (string, error) {
	fields := strings.Fields(i.command)
	if len(fields) == 0 {
		return "", errors.Newf(errors.KindUnknown, "no install command configured")
	}

	st, err := i.store.Load()
	if err != nil {
		return "", errors.Wrap(err, "failed to load pipeline state")
	}
	ready := st.ReadyFilename
	if ready == "" {
		return "", errors.Newf(errors.KindUnknown, "no ready artifact")
	}
	if err := i.validator.ValidateWithin(i.pathBase, ready); err != nil {
		return "", errors.New(errors.KindPermissionDenied, err)
	}
	if _, err := os.Stat(ready); err != nil {
		return "", errors.Wrap(err, "ready artifact missing")
	}

	for _, stale := range []string{st.InitialFile, st.CurrentFilename} {
		if stale == "" || filepath.Clean(stale) == filepath.Clean(ready) {
			continue
		}
		if i.validator.ValidateWithin(i.pathBase, stale) != nil {
			slog.Warn("install_skip_outside_path_base", "path", stale)
			continue
		}
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			slog.Warn("install_remove_failed", "path", stale, "error", err)
		} else {
			slog.Info("install_removed_stale_image", "path", stale)
		}
	}

	slog.Info("install_start", "path", ready, "command", fields[0])
	cmd := exec.CommandContext(ctx, fields[0], append(fields[1:], ready)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		slog.Error("install_failed", "path", ready, "output", string(out), "error", err)
		return "", errors.Wrap(err, "install command failed")
	}

	st.CurrentFilename = ready
	st.ReadyFilename = ""
	st.InitialFile = ""
	st.DeltaSignature = false
	if err := i.store.Commit(st); err != nil {
		return "", errors.Wrap(err, "failed to record installed image")
	}
	slog.Info("install_complete", "path", ready)
	return ready, nil
}

// Orphans lists leftovers under pathBase that no pass can use again: temp
// slots plus delta and signature payloads the state does not reference.
// Files ending in imageExt are never orphans, since the installed build, a
// resumable out file or a verified full build may sit there without a state key.
func Orphans(pathBase, imageExt string, st db.PipelineState) ([]string, error) {
	keep := map[string]bool{}
	for _, p := range []string{st.ReadyFilename, st.InitialFile, st.CurrentFilename} {
		if p != "" {
			keep[filepath.Clean(p)] = true
		}
	}
	return scan(pathBase, func(path string) bool {
		if keep[path] {
			return false
		}
		base := filepath.Base(path)
		if base == patch.TempSlotA || base == patch.TempSlotB {
			return true
		}
		return imageExt == "" || !strings.HasSuffix(base, imageExt)
	})
}

// Artifacts lists every regular file under pathBase except those in keep.
func Artifacts(pathBase string, keep ...string) ([]string, error) {
	kept := map[string]bool{}
	for _, p := range keep {
		if p != "" {
			kept[filepath.Clean(p)] = true
		}
	}
	return scan(pathBase, func(path string) bool { return !kept[path] })
}

func scan(pathBase string, remove func(path string) bool) ([]string, error) {
	entries, err := os.ReadDir(pathBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read artifact directory")
	}

	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(pathBase, entry.Name())
		if remove(path) {
			paths = append(paths, path)
		}
	}
	return paths, nil
}
