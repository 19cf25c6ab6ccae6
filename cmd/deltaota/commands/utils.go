package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/fly-io/deltaota/internal/config"
	"github.com/fly-io/deltaota/pkg/db"
	"github.com/fly-io/deltaota/pkg/errors"
	appfsm "github.com/fly-io/deltaota/pkg/fsm"
	"github.com/fly-io/deltaota/pkg/patch"
	"github.com/fly-io/deltaota/pkg/resolver"
	"github.com/fly-io/deltaota/pkg/security"
	"github.com/fly-io/deltaota/pkg/space"
	"github.com/fly-io/deltaota/pkg/storage"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(stateDBPath, fsmDBPath, pathBase string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(stateDBPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for check command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create artifact directory
	if pathBase != "" {
		if err := os.MkdirAll(pathBase, 0755); err != nil {
			return errors.Wrap(err, "failed to create artifact directory")
		}
	}

	return nil
}

// pipeline bundles everything a pass needs.
type pipeline struct {
	store      *db.Store
	downloader *storage.Downloader
	machine    *appfsm.Machine
}

func usesS3(cfg *config.Config) bool {
	for _, base := range []string{cfg.URLBaseDelta, cfg.URLBaseUpdate, cfg.URLBaseFull, cfg.URLBaseJSON} {
		if strings.HasPrefix(base, "s3://") {
			return true
		}
	}
	return false
}

func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	store, err := db.NewStore(cfg.StateDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	router := &storage.Router{HTTP: storage.NewHTTPSource(cfg.HTTPConnectTimeout, cfg.HTTPReadTimeout)}
	if usesS3(cfg) {
		s3Source, err := storage.NewS3Source(ctx, cfg.S3Region)
		if err != nil {
			store.Close()
			return nil, errors.Wrap(err, "S3 client failed")
		}
		router.S3 = s3Source
	}

	transform, err := patch.NewExecTransform(cfg.PatchCommand, cfg.NormalizeCommand)
	if err != nil {
		store.Close()
		return nil, errors.Wrap(err, "patch transform unavailable")
	}

	validator := security.NewValidator(cfg.MaxArtifactSize, cfg.MaxChainLength)
	downloader := storage.NewDownloader(router, validator, space.FreeBytes)
	res := resolver.New(downloader, validator, cfg.URLBaseDelta, cfg.ImageExtension, cfg.MaxManifestSize)

	machine := appfsm.NewMachine(store, res, downloader, patch.NewApplier(transform), validator, appfsm.Options{
		Device:          cfg.Device,
		CurrentVersion:  cfg.CurrentVersion,
		AndroidVersion:  cfg.AndroidVersion,
		PathBase:        cfg.PathBase,
		ImageExt:        cfg.ImageExtension,
		URLBaseUpdate:   cfg.URLBaseUpdate,
		URLBaseFull:     cfg.URLBaseFull,
		URLBaseJSON:     cfg.URLBaseJSON,
		ApplySignature:  cfg.ApplySignature,
		OfficialTags:    cfg.OfficialTags,
		MaxManifestSize: cfg.MaxManifestSize,
	}, space.FreeBytes, cfg.FSMMaxRetries)

	return &pipeline{store: store, downloader: downloader, machine: machine}, nil
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := ensureDirectories(cfg.StateDBPath, "", ""); err != nil {
		return nil, err
	}
	store, err := db.NewStore(cfg.StateDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return store, nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatSize(n int64) string {
	if n < 0 {
		return "unknown"
	}
	return humanize.Bytes(uint64(n))
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}

func colorOutcome(outcome string) string {
	switch outcome {
	case string(appfsm.OutcomeReady):
		return color.GreenString(outcome)
	case string(appfsm.OutcomeError), db.PassFailed:
		return color.RedString(outcome)
	case string(appfsm.OutcomeUpdateAvailable), db.PassRunning:
		return color.YellowString(outcome)
	}
	return color.CyanString(outcome)
}
