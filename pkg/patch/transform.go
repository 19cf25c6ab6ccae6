// Package patch rebuilds a target image by running a chain of binary deltas
// through an external patch tool.
package patch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Transform is the opaque patching backend.
type Transform interface {
	// Patch applies delta to source and writes the result to out.
	Patch(ctx context.Context, source, delta, out string) error
	// Normalize rewrites in into the layout deltas were computed against.
	Normalize(ctx context.Context, in, out string) error
}

// ExecTransform shells out to xdelta3 and an optional normalizer.
type ExecTransform struct {
	patchCmd     string
	normalizeCmd string
}

func lookTool(tool string) (string, error) {
	if _, err := os.Stat(tool); err == nil {
		return tool, nil
	}
	loc, err := exec.LookPath(tool)
	if err != nil {
		return "", fmt.Errorf("unable to find %s in the search path", tool)
	}
	return loc, nil
}

// NewExecTransform resolves both tools up front. normalizeCmd may be empty,
// in which case initial files that need normalizing cannot be used.
func NewExecTransform(patchCmd, normalizeCmd string) (*ExecTransform, error) {
	patchLoc, err := lookTool(patchCmd)
	if err != nil {
		return nil, err
	}
	t := &ExecTransform{patchCmd: patchLoc}
	if normalizeCmd != "" {
		if t.normalizeCmd, err = lookTool(normalizeCmd); err != nil {
			return nil, err
		}
	}
	slog.Info("patch_tools_ready", "patch", t.patchCmd, "normalize", t.normalizeCmd)
	return t, nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (t *ExecTransform) Patch(ctx context.Context, source, delta, out string) error {
	return run(ctx, t.patchCmd, "-f", "-d", "-s", source, delta, out)
}

func (t *ExecTransform) Normalize(ctx context.Context, in, out string) error {
	if t.normalizeCmd == "" {
		return fmt.Errorf("no normalize command configured")
	}
	return run(ctx, t.normalizeCmd, in, out)
}
