package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/assemble"
	"github.com/kforge-dev/kforge/pkg/engine/buildrec"
	"github.com/kforge-dev/kforge/pkg/engine/changeset"
	"github.com/kforge-dev/kforge/pkg/engine/provenance"
	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"github.com/kforge-dev/kforge/pkg/engine/symvers"
	"github.com/kforge-dev/kforge/pkg/engine/validate"
	"lukechampine.com/blake3"
)

// resolveOwners assigns every diffable object its terminal binary by
// walking the patched tree's build records.
func (e *Engine) resolveOwners(ctx context.Context, rc *RunContext) error {
	ctx, span := e.Tracer.Start(ctx, "resolve")
	defer span.End()

	store := buildrec.NewStore(e.cfg.PatchedDir, e.Logger)
	if cache, err := buildrec.OpenIndexCache(e.indexCachePath(), e.treeDigest()); err != nil {
		e.Logger.Warn("record index cache unavailable", "error", err)
	} else {
		store.WithCache(cache)
		defer cache.Close()
	}

	resolver := provenance.NewResolver(store, e.Logger)
	for _, obj := range rc.Objects {
		if obj.Outcome == changeset.OutcomeSkipped {
			continue
		}
		chain, err := resolver.Resolve(ctx, rc.Hints, obj.Path)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", obj.Path, err)
		}
		obj.Chain = chain
		e.Logger.Debug("owner resolved",
			"object", obj.Path,
			"terminal", chain.Terminal,
			"depth", len(chain.Edges),
			"ambiguous", chain.IsAmbiguous())
	}
	return nil
}

// treeDigest keys the record index cache to the target tree's identity:
// the kernel release string and configuration, when available.
func (e *Engine) treeDigest() string {
	h := blake3.New(32, nil)
	for _, rel := range []string{"include/config/kernel.release", ".config"} {
		data, err := os.ReadFile(filepath.Join(e.cfg.PatchedDir, rel))
		if err != nil {
			continue
		}
		h.Write(data)
	}
	h.Write([]byte(e.cfg.PatchedDir))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// compareLedgers loads the pre-patch ledger and, when a post-patch ledger
// exists, surfaces any exported-ABI drift between the builds. Drift is a
// warning: it means the kernel's surface shifted, not that the patch is
// broken. Final-module version checking happens after assembly.
func (e *Engine) compareLedgers(rc *RunContext) error {
	pre, err := symvers.Load(e.cfg.PreLedger)
	if err != nil {
		return err
	}
	rc.preLedger = pre

	if e.cfg.PostLedger == "" {
		return nil
	}
	post, err := symvers.Load(e.cfg.PostLedger)
	if err != nil {
		return err
	}
	rc.Warnings = symvers.Compare(pre, post)
	for _, w := range rc.Warnings {
		e.Logger.Warn("symbol version drift", "symbol", w.Symbol, "field", w.Field, "pre", w.Pre, "post", w.Post)
	}
	return nil
}

// runDiffs stages per-terminal symbol tables and drives the external diff
// engine over the work list.
func (e *Engine) runDiffs(ctx context.Context, rc *RunContext, extractor *changeset.Extractor, name string) (changeset.Tally, error) {
	symtabs, err := e.stageSymtabs(ctx, rc)
	if err != nil {
		return changeset.Tally{}, err
	}

	fragDir := filepath.Join(e.workspace, "fragments")
	if err := os.MkdirAll(fragDir, 0755); err != nil {
		return changeset.Tally{}, err
	}

	return extractor.RunDiffs(ctx, changeset.DiffConfig{
		Engine:      e.diff,
		OrigRoot:    e.cfg.KernelDir,
		PatchedRoot: e.cfg.PatchedDir,
		FragDir:     fragDir,
		LedgerPath:  e.cfg.PreLedger,
		ModuleName:  name,
		SymtabFor:   func(terminal string) string { return symtabs[terminal] },
	}, rc.Objects)
}

// stageSymtabs dumps the symbol table of every terminal binary the work
// list references, once each.
func (e *Engine) stageSymtabs(ctx context.Context, rc *RunContext) (map[string]string, error) {
	if err := os.MkdirAll(e.symtabDir(), 0755); err != nil {
		return nil, err
	}
	nm := e.cfg.Nm
	if nm == "" {
		nm = "nm"
	}

	symtabs := make(map[string]string)
	for _, obj := range rc.Objects {
		if obj.Chain == nil {
			continue
		}
		term := obj.Chain.Terminal
		if _, done := symtabs[term]; done {
			continue
		}

		dest := filepath.Join(e.symtabDir(), strings.ReplaceAll(term, string(filepath.Separator), "_")+".symtab")
		res, err := e.run.Run(ctx, runner.Cmd{Path: nm, Args: []string{e.terminalPath(term)}})
		if err != nil {
			return nil, fmt.Errorf("dump symtab for %s: %w", term, err)
		}
		if res.Status != 0 {
			return nil, fmt.Errorf("nm %s exited %d: %s", term, res.Status, strings.TrimSpace(string(res.Stderr)))
		}
		if err := os.WriteFile(dest, res.Stdout, 0644); err != nil {
			return nil, err
		}
		symtabs[term] = dest
	}
	return symtabs, nil
}

// terminalPath maps a terminal name to its on-disk binary.
func (e *Engine) terminalPath(terminal string) string {
	if terminal == "vmlinux" && e.cfg.VmlinuxPath != "" {
		return e.cfg.VmlinuxPath
	}
	return filepath.Join(e.cfg.PatchedDir, terminal)
}

// validateModule runs the completeness and final version checks against
// the assembled module.
func (e *Engine) validateModule(ctx context.Context, rc *RunContext, caps assemble.Capabilities) error {
	v := validate.New(e.run, e.cfg.Nm, e.Logger)

	kernelDefined := map[string]bool{}
	vmlinux := e.terminalPath("vmlinux")
	if _, err := os.Stat(vmlinux); err == nil {
		kernelDefined, err = v.DefinedSymbols(ctx, vmlinux)
		if err != nil {
			return err
		}
	}

	coreMode := !caps.NativeFramework
	if err := v.Check(ctx, rc.Module.Artifact, rc.preLedger, kernelDefined, coreMode); err != nil {
		return err
	}

	if caps.ModVersions {
		versions, err := v.ModuleVersions(ctx, "", rc.Module.Artifact)
		if err != nil {
			return err
		}
		if err := symvers.ValidateFinal(versions, rc.preLedger); err != nil {
			return err
		}
	}
	return nil
}
