package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Validator checks server-supplied names and sizes before they touch disk.
type Validator struct {
	maxArtifactSize int64
	maxChainLength  int
}

// NewValidator creates a new security validator
func NewValidator(maxArtifactSize int64, maxChainLength int) *Validator {
	slog.Info("security_validator_init",
		"max_artifact_size_mb", maxArtifactSize/1024/1024,
		"max_chain_length", maxChainLength)

	return &Validator{
		maxArtifactSize: maxArtifactSize,
		maxChainLength:  maxChainLength,
	}
}

// ValidateName checks that a manifest-supplied file name is a plain base
// name. Names are joined onto the artifact directory, so separators and
// traversal are rejected.
func (v *Validator) ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		slog.Error("security_name_validation_failed", "name", name, "reason", "empty_or_dot")
		return fmt.Errorf("security: invalid file name %q", name)
	}

	if filepath.IsAbs(name) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "absolute_path")
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}

	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		slog.Error("security_name_validation_failed", "name", name, "reason", "path_separator")
		return fmt.Errorf("security: path separator in file name: %s", name)
	}

	return nil
}

// ValidateWithin checks that path stays inside base once cleaned.
func (v *Validator) ValidateWithin(base, path string) error {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		slog.Error("security_path_validation_failed", "base", base, "path", path, "reason", "outside_base")
		return fmt.Errorf("security: %s is outside %s", path, base)
	}
	return nil
}

// ValidateArtifactSize checks a declared or advertised artifact size.
// Sizes must be positive and below the configured ceiling.
func (v *Validator) ValidateArtifactSize(size int64) error {
	if size <= 0 {
		slog.Error("security_artifact_size_invalid", "size", size)
		return fmt.Errorf("security: artifact size %d must be positive", size)
	}
	if size >= v.maxArtifactSize {
		slog.Error("security_artifact_size_exceeded",
			"size_mb", size/1024/1024,
			"max_artifact_size_mb", v.maxArtifactSize/1024/1024)
		return fmt.Errorf("security: artifact size %d exceeds max %d", size, v.maxArtifactSize)
	}
	return nil
}

// MaxChainLength returns the configured cap on manifest links per walk.
func (v *Validator) MaxChainLength() int {
	return v.maxChainLength
}
