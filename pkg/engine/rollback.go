package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
)

// Reverter undoes externally mutated build-tree state when a run aborts.
// Rollback runs on every abort, independent of which stage failed.
type Reverter interface {
	Revert(ctx context.Context) error
}

// NopReverter is used when the caller manages patch application itself.
type NopReverter struct{}

func (NopReverter) Revert(context.Context) error { return nil }

// PatchReverter unapplies the source patch from the patched tree.
type PatchReverter struct {
	Run       runner.Runner
	Dir       string
	PatchFile string
	Log       *slog.Logger
}

func (p *PatchReverter) Revert(ctx context.Context) error {
	if p.Log != nil {
		p.Log.Info("rolling back patch application", "patch", p.PatchFile, "dir", p.Dir)
	}
	res, err := p.Run.Run(ctx, runner.Cmd{
		Path: "patch",
		Args: []string{"-R", "-p1", "-d", p.Dir, "-i", p.PatchFile},
	})
	if err != nil {
		return err
	}
	if res.Status != 0 {
		return fmt.Errorf("patch -R exited %d: %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
