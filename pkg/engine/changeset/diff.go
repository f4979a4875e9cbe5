package changeset

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kforge/changeset")

// exit status the diff tool uses to signal "no functional difference".
const diffStatusUnchanged = 3

// DiffRequest carries everything the external diff engine needs for one
// object pair.
type DiffRequest struct {
	Original   string // pristine build object
	Patched    string // patched build object
	Terminal   string // owning binary name
	Symtab     string // symbol table dump of the terminal binary
	Ledger     string // symbol ledger path
	ModuleName string // logical patch module name
	Output     string // fragment destination
}

// DiffEngine produces a per-object semantic diff. It is an external
// collaborator; the pipeline only interprets its three-way outcome.
type DiffEngine interface {
	Diff(ctx context.Context, req DiffRequest) (Outcome, error)
}

// ToolDiffEngine invokes the configured diff executable.
type ToolDiffEngine struct {
	Tool string
	Run  runner.Runner
}

func (t *ToolDiffEngine) Diff(ctx context.Context, req DiffRequest) (Outcome, error) {
	res, err := t.Run.Run(ctx, runner.Cmd{
		Path: t.Tool,
		Args: []string{
			req.Original, req.Patched,
			req.Terminal, req.Symtab, req.Ledger,
			req.ModuleName, req.Output,
		},
	})
	if err != nil {
		return OutcomeError, err
	}
	switch res.Status {
	case 0:
		return OutcomeChanged, nil
	case diffStatusUnchanged:
		return OutcomeUnchanged, nil
	default:
		return OutcomeError, fmt.Errorf("diff tool exited %d: %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
}

// DiffConfig wires the diff stage's collaborators and paths.
type DiffConfig struct {
	Engine      DiffEngine
	OrigRoot    string
	PatchedRoot string
	FragDir     string
	LedgerPath  string
	ModuleName  string
	SymtabFor   func(terminal string) string
}

// RunDiffs drives the diff engine over the work list, updating each object
// and the tally. Skipped objects are copied through; diff failures are
// tallied, not returned, so the stage reports all broken objects at once.
func (e *Extractor) RunDiffs(ctx context.Context, cfg DiffConfig, objs []*Object) (Tally, error) {
	ctx, span := tracer.Start(ctx, "changeset.diff")
	defer span.End()

	var tally Tally
	for _, obj := range objs {
		if obj.Outcome == OutcomeSkipped {
			if err := CopyThrough(cfg.PatchedRoot, cfg.FragDir, obj); err != nil {
				return tally, err
			}
			tally.Skipped++
			e.log.Info("object skipped", "object", obj.Path, "rule", obj.SkipRule)
			continue
		}

		out := filepath.Join(cfg.FragDir, strings.ReplaceAll(obj.Path, string(filepath.Separator), "_"))
		outcome, err := cfg.Engine.Diff(ctx, DiffRequest{
			Original:   filepath.Join(cfg.OrigRoot, obj.Path),
			Patched:    filepath.Join(cfg.PatchedRoot, obj.Path),
			Terminal:   obj.Chain.Terminal,
			Symtab:     cfg.SymtabFor(obj.Chain.Terminal),
			Ledger:     cfg.LedgerPath,
			ModuleName: cfg.ModuleName,
			Output:     out,
		})
		obj.Outcome = outcome
		switch outcome {
		case OutcomeChanged:
			obj.Fragment = out
			tally.Changed++
			e.log.Info("object changed", "object", obj.Path, "terminal", obj.Chain.Terminal)
		case OutcomeUnchanged:
			tally.Unchanged++
			e.log.Debug("object unchanged", "object", obj.Path)
		case OutcomeError:
			obj.Err = err
			tally.Errors++
			e.log.Error("object diff failed", "object", obj.Path, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("changed", tally.Changed),
		attribute.Int("unchanged", tally.Unchanged),
		attribute.Int("skipped", tally.Skipped),
		attribute.Int("errors", tally.Errors),
	)
	return tally, nil
}
