package patch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fly-io/deltaota/pkg/errors"
	"github.com/fly-io/deltaota/pkg/manifest"
	"github.com/fly-io/deltaota/pkg/progress"
)

// Temp slot names under the artifact directory.
const (
	TempSlotA = "temp1"
	TempSlotB = "temp2"
)

// Plan describes one reconstruction.
type Plan struct {
	Chain              manifest.Chain
	InitialFile        string
	NeedsNormalization bool
	ApplySignature     bool
	PathBase           string
}

// OutputPath is where the final image is written.
func (p Plan) OutputPath() string {
	return filepath.Join(p.PathBase, p.Chain.Last().Out.Name)
}

func (p Plan) payload(fs *manifest.FileSet) string {
	if fs.IsResolved() {
		return fs.Resolved()
	}
	return filepath.Join(p.PathBase, fs.Name)
}

// Applier runs a Plan through a Transform.
type Applier struct {
	transform Transform
	interval  time.Duration
}

// NewApplier creates an applier polling output growth every progress.Interval.
func NewApplier(t Transform) *Applier {
	return &Applier{transform: t, interval: progress.Interval}
}

// Apply rebuilds the chain's final image from the initial file, rotating
// between two temp slots. The slots are always removed. On failure the
// partial output is removed too and a generic patch_failed error is returned.
//
// Steps are not interruptible; ctx cancellation is not honored once a plan
// has started.
func (a *Applier) Apply(ctx context.Context, plan Plan, fn progress.Func) (string, error) {
	if len(plan.Chain) == 0 {
		return "", errors.Newf(errors.KindPatchFailed, "empty chain")
	}
	ctx = context.WithoutCancel(ctx)

	first, last := plan.Chain[0], plan.Chain.Last()
	temps := [2]string{
		filepath.Join(plan.PathBase, TempSlotA),
		filepath.Join(plan.PathBase, TempSlotB),
	}
	defer func() {
		os.Remove(temps[0])
		os.Remove(temps[1])
	}()

	var total int64
	if plan.NeedsNormalization {
		total += first.In.Store().Size
	}
	for _, m := range plan.Chain {
		total += m.Update.Applied().Size
	}
	if plan.ApplySignature {
		total += last.Signature.Applied().Size
	}

	th := progress.NewThrottle(fn)
	th.Update(0, total)

	output := plan.OutputPath()
	fail := func(step string, err error) (string, error) {
		slog.Error("patch_step_failed", "step", step, "error", err)
		os.Remove(output)
		return "", errors.Newf(errors.KindPatchFailed, "reconstruction failed at %s", step)
	}

	var current int64
	slot := 0
	start := time.Now()

	if plan.NeedsNormalization {
		err := a.step(ctx, temps[slot], current, total, th, func(ctx context.Context) error {
			return a.transform.Normalize(ctx, plan.InitialFile, temps[slot])
		})
		if err != nil {
			return fail("normalize", err)
		}
		slot = (slot + 1) % 2
		current += first.In.Store().Size
	}

	for _, m := range plan.Chain {
		in := temps[(slot+1)%2]
		if !plan.NeedsNormalization && m == first {
			in = plan.InitialFile
		}
		out := temps[slot]
		if !plan.ApplySignature && m == last {
			out = output
		}
		delta := plan.payload(m.Update)

		slog.Info("patch_step", "in", in, "delta", delta, "out", out)
		err := a.step(ctx, out, current, total, th, func(ctx context.Context) error {
			return a.transform.Patch(ctx, in, delta, out)
		})
		if err != nil {
			return fail(m.Update.Name, err)
		}
		slot = (slot + 1) % 2
		current += m.Update.Applied().Size
	}

	if plan.ApplySignature {
		in := temps[(slot+1)%2]
		sig := plan.payload(last.Signature)
		slog.Info("patch_step", "in", in, "delta", sig, "out", output)
		err := a.step(ctx, output, current, total, th, func(ctx context.Context) error {
			return a.transform.Patch(ctx, in, sig, output)
		})
		if err != nil {
			return fail(last.Signature.Name, err)
		}
		current += last.Signature.Applied().Size
	}

	th.Done(current, total)
	slog.Info("patch_complete", "output", output, "steps", len(plan.Chain), "elapsed_ms", time.Since(start).Milliseconds())
	return output, nil
}

// step runs op while a poller reports the growing size of out. The poller is
// joined before step returns.
func (a *Applier) step(ctx context.Context, out string, base, total int64, th *progress.Throttle, op func(context.Context) error) error {
	done := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		defer close(done)
		return op(ctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				if info, err := os.Stat(out); err == nil {
					th.Update(base+info.Size(), total)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	return nil
}
