package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kforge-dev/kforge/pkg/config"
	"github.com/kforge-dev/kforge/pkg/engine/assemble"
	"github.com/kforge-dev/kforge/pkg/engine/changeset"
	"github.com/kforge-dev/kforge/pkg/engine/policy"
	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"github.com/kforge-dev/kforge/pkg/history"
	"github.com/kforge-dev/kforge/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the pipeline runtime. One Engine runs one build; the workspace
// is exclusive for the duration.
type Engine struct {
	Logger *slog.Logger
	Tracer trace.Tracer

	cfg       config.Config
	run       runner.Runner
	diff      changeset.DiffEngine
	linker    assemble.FinalLinker
	reverter  Reverter
	store     storage.ArtifactStore
	workspace string
	logPath   string
}

// Option defines a functional configuration override.
type Option func(*Engine)

func WithConfig(cfg config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.Logger = log }
}

func WithRunner(r runner.Runner) Option {
	return func(e *Engine) { e.run = r }
}

func WithDiffEngine(d changeset.DiffEngine) Option {
	return func(e *Engine) { e.diff = d }
}

func WithReverter(r Reverter) Option {
	return func(e *Engine) { e.reverter = r }
}

// WithFinalLinker overrides the kernel-tree-backed module linker.
func WithFinalLinker(l assemble.FinalLinker) Option {
	return func(e *Engine) { e.linker = l }
}

// WithArtifactStore overrides where the finished module is published.
func WithArtifactStore(s storage.ArtifactStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogPath records where the persisted run log lives, for failure
// diagnostics.
func WithLogPath(path string) Option {
	return func(e *Engine) { e.logPath = path }
}

// New initializes the Engine.
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	e := &Engine{
		Logger: slog.Default(),
		Tracer: otel.Tracer("kforge/engine"),
		run:    runner.NewExec(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ws, err := e.cfg.WorkspaceOr()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(ws, 0755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	e.workspace = ws

	if e.diff == nil {
		tool := e.cfg.DiffTool
		if tool == "" {
			tool = "create-diff-object"
		}
		e.diff = &changeset.ToolDiffEngine{Tool: tool, Run: e.run}
	}
	if e.reverter == nil {
		if e.cfg.PatchFile != "" {
			e.reverter = &PatchReverter{Run: e.run, Dir: e.cfg.PatchedDir, PatchFile: e.cfg.PatchFile, Log: e.Logger}
		} else {
			e.reverter = NopReverter{}
		}
	}
	if e.store == nil {
		outDir := e.cfg.OutputDir
		if outDir == "" {
			outDir = "."
		}
		e.store = storage.NewLocalStore(outDir)
	}
	return e, nil
}

// Run executes the full pipeline and returns the result of a successful
// build. Any stage failure aborts the run, rolls back externally mutated
// state, and surfaces one terminating diagnostic.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	ctx, span := e.Tracer.Start(ctx, "pipeline")
	defer span.End()

	lock, err := acquireLock(e.workspace)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	start := time.Now()
	rc := newRunContext()
	res, err := e.pipeline(ctx, rc)
	if err != nil {
		rc.Stage = StageAborted
		e.Logger.Error("pipeline aborted", "stage", string(rc.failedStage), "error", err)
		if rbErr := e.reverter.Revert(ctx); rbErr != nil {
			e.Logger.Error("rollback failed", "error", rbErr)
		}
		if e.logPath != "" {
			return nil, fmt.Errorf("%w (full log: %s)", err, e.logPath)
		}
		return nil, err
	}

	ledger := history.New(history.NewFileBackend(e.historyPath()))
	if err := ledger.Append(history.Entry{
		Timestamp:  start.Unix(),
		Module:     res.Module.Name,
		Mode:       res.Module.Mode,
		Artifact:   res.Artifact,
		Checksum:   res.Module.Checksum,
		Changed:    res.Tally.Changed,
		Unchanged:  res.Tally.Unchanged,
		Skipped:    res.Tally.Skipped,
		Warnings:   res.Warnings,
		DurationMS: time.Since(start).Milliseconds(),
	}); err != nil {
		e.Logger.Warn("could not record build history", "error", err)
	}
	return res, nil
}

// Result is what a successful run hands back to the caller.
type Result struct {
	Module   *assemble.PatchModule
	Artifact string // final copied-out path
	Tally    changeset.Tally
	Warnings int
	Report   string // rendered run summary
}

func (e *Engine) pipeline(ctx context.Context, rc *RunContext) (*Result, error) {
	caps := assemble.Capabilities{
		NativeFramework:     e.cfg.NativeFramework,
		LegacyRelocSections: e.cfg.LegacyRelocSections,
		ModVersions:         e.cfg.ModVersions,
	}
	name := e.cfg.ModuleName()

	// Extracting.
	rc.enter(StageExtracting)
	extractor, err := e.newExtractor()
	if err != nil {
		return nil, err
	}
	objs, err := extractor.Load(e.cfg.ChangedList)
	if err != nil {
		return nil, err
	}
	rc.Objects = objs
	e.Logger.Info("changed-object list loaded", "objects", len(objs))

	// Resolving.
	rc.enter(StageResolving)
	if err := e.resolveOwners(ctx, rc); err != nil {
		return nil, err
	}
	if err := e.compareLedgers(rc); err != nil {
		return nil, err
	}

	// Diffing.
	rc.enter(StageDiffing)
	tally, err := e.runDiffs(ctx, rc, extractor, name)
	if err != nil {
		return nil, err
	}
	rc.Tally = tally
	if err := tally.Check(); err != nil {
		return nil, err
	}

	// Assembling.
	rc.enter(StageAssembling)
	linker := e.linker
	if linker == nil {
		linker = &assemble.KbuildLinker{
			Run:       e.run,
			KernelDir: e.cfg.KernelDir,
			Compiler:  e.cfg.Compiler,
			Linker:    e.cfg.Linker,
			ExtraInc:  e.cfg.ExtraInc,
			ArchFlags: e.cfg.Arch,
			Jobs:      e.cfg.Workers,
		}
	}
	asm := assemble.New(e.run, linker, e.workspace, e.cfg.Linker, e.cfg.Objcopy, e.Logger)
	mod, err := asm.Assemble(ctx, name, rc.Objects, caps)
	if err != nil {
		return nil, err
	}
	rc.Module = mod

	// Validating.
	rc.enter(StageValidating)
	if err := e.validateModule(ctx, rc, caps); err != nil {
		return nil, err
	}

	// Done: only now does the artifact leave the workspace.
	artifact, err := e.copyOut(ctx, mod)
	if err != nil {
		return nil, err
	}
	rc.enter(StageDone)
	e.Logger.Info("build complete", "artifact", artifact)

	return &Result{
		Module:   mod,
		Artifact: artifact,
		Tally:    rc.Tally,
		Warnings: len(rc.Warnings),
		Report:   RenderReport(rc, artifact),
	}, nil
}

func (e *Engine) newExtractor() (*changeset.Extractor, error) {
	rules, err := config.LoadSkipRules(e.cfg.SkipRulesFile)
	if err != nil {
		return nil, err
	}
	var pol *policy.CELEngine
	if len(rules) > 0 {
		pol, err = policy.NewCELEngine(e.Logger)
		if err != nil {
			return nil, err
		}
		if err := pol.Compile(rules); err != nil {
			return nil, err
		}
	}
	return changeset.NewExtractor(e.Logger, pol), nil
}

func (e *Engine) copyOut(ctx context.Context, mod *assemble.PatchModule) (string, error) {
	data, err := os.ReadFile(mod.Artifact)
	if err != nil {
		return "", fmt.Errorf("read module artifact: %w", err)
	}
	if err := e.store.Put(ctx, mod.FileName(), data); err != nil {
		return "", fmt.Errorf("publish module: %w", err)
	}
	outDir := e.cfg.OutputDir
	if outDir == "" {
		outDir = "."
	}
	return filepath.Join(outDir, mod.FileName()), nil
}

// symtabDir is where per-terminal symbol table dumps are staged for the
// diff engine.
func (e *Engine) symtabDir() string {
	return filepath.Join(e.workspace, "symtabs")
}

// indexCachePath locates the persistent record index for this workspace.
func (e *Engine) indexCachePath() string {
	return filepath.Join(e.workspace, "recindex.db")
}

// HistoryPath locates the workspace's build-history ledger.
func HistoryPath(workspace string) string {
	return filepath.Join(workspace, "history.jsonl")
}

func (e *Engine) historyPath() string {
	return HistoryPath(e.workspace)
}
