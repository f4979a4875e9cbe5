package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/changeset"
	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"lukechampine.com/blake3"
)

var tracer = otel.Tracer("kforge/assemble")

var (
	// ErrAmbiguousProvenance indicates a changed object whose ownership
	// chain had more than one candidate parent at some step. Provenance
	// must be unambiguous for every object that is actually patched.
	ErrAmbiguousProvenance = errors.New("ambiguous provenance for changed object")

	// ErrNoFragments indicates assembly was invoked with nothing to merge.
	ErrNoFragments = errors.New("no fragments to assemble")
)

// checksumSection is the metadata section the runtime support module reads
// to verify the loaded patch matches the built one.
const checksumSection = ".kpatch.checksum"

// klpArchSections are the architecture relocation sections rewritten after
// the final link in native framework mode.
var klpArchSections = []string{".klp.arch", ".rela.klp.arch"}

// Capabilities describe what the target kernel supports.
type Capabilities struct {
	// NativeFramework is true when the target kernel carries built-in
	// hot-patch support; false selects the core-module deployment path.
	NativeFramework bool

	// LegacyRelocSections is set on kernels/architectures lacking newer
	// relocation support, requiring uniqueness flags for the special
	// instruction-patching sections during the merge.
	LegacyRelocSections bool

	// ModVersions is true when the kernel enables per-symbol versioning.
	ModVersions bool
}

// PatchModule is the assembled output artifact.
type PatchModule struct {
	Name         string
	Mode         string // "livepatch" or "kpatch"
	Fragments    []string
	MergedObject string
	Artifact     string
	Checksum     string // hex blake3 of the merged object, core-module mode only
}

// FileName returns the deployable module file name, prefixed to indicate
// the deployment mode.
func (m *PatchModule) FileName() string {
	return m.Mode + "-" + m.Name + ".ko"
}

// FinalLinker turns the merged relocatable object into a loadable module.
// The kernel-tree-backed implementation lives behind this interface so the
// merge and packaging logic is testable without a toolchain.
type FinalLinker interface {
	Link(ctx context.Context, mergedObj, dest string) error
}

// Assembler merges diff fragments into one relocatable unit, embeds
// integrity metadata, and drives the final link.
type Assembler struct {
	run     runner.Runner
	log     *slog.Logger
	linker  FinalLinker
	workdir string
	ld      string
	objcopy string
}

func New(run runner.Runner, linker FinalLinker, workdir, ld, objcopy string, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	if ld == "" {
		ld = "ld"
	}
	if objcopy == "" {
		objcopy = "objcopy"
	}
	return &Assembler{run: run, log: log, linker: linker, workdir: workdir, ld: ld, objcopy: objcopy}
}

// Assemble merges the fragments of all emitted objects and produces the
// final patch module. Ambiguity gating happens here, against the objects
// actually emitted as changed, not during resolution.
func (a *Assembler) Assemble(ctx context.Context, name string, objs []*changeset.Object, caps Capabilities) (*PatchModule, error) {
	ctx, span := tracer.Start(ctx, "assemble")
	defer span.End()

	var fragments []string
	for _, obj := range objs {
		if obj.Outcome == changeset.OutcomeChanged && obj.Chain != nil && obj.Chain.IsAmbiguous() {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousProvenance, obj.Path)
		}
		if obj.Fragment != "" {
			fragments = append(fragments, obj.Fragment)
		}
	}
	if len(fragments) == 0 {
		return nil, ErrNoFragments
	}

	mod := &PatchModule{
		Name:      name,
		Mode:      "kpatch",
		Fragments: fragments,
	}
	if caps.NativeFramework {
		mod.Mode = "livepatch"
	}
	span.SetAttributes(
		attribute.String("mode", mod.Mode),
		attribute.Int("fragments", len(fragments)),
	)

	merged := filepath.Join(a.workdir, "patch-"+name+".o")
	if err := a.merge(ctx, merged, fragments, caps); err != nil {
		return nil, err
	}
	mod.MergedObject = merged

	dest := filepath.Join(a.workdir, mod.FileName())
	if caps.NativeFramework {
		if err := a.linker.Link(ctx, merged, dest); err != nil {
			return nil, fmt.Errorf("final link: %w", err)
		}
		if err := a.rewriteSections(ctx, dest, caps); err != nil {
			return nil, err
		}
	} else {
		sum, err := a.embedChecksum(ctx, merged)
		if err != nil {
			return nil, err
		}
		mod.Checksum = sum
		if err := a.linker.Link(ctx, merged, dest); err != nil {
			return nil, fmt.Errorf("final link: %w", err)
		}
	}
	mod.Artifact = dest

	a.log.Info("patch module assembled",
		"module", mod.FileName(),
		"mode", mod.Mode,
		"fragments", len(fragments))
	return mod, nil
}

// merge links all fragments into a single relocatable unit.
func (a *Assembler) merge(ctx context.Context, dest string, fragments []string, caps Capabilities) error {
	args := []string{"-r", "-o", dest}
	if caps.LegacyRelocSections {
		// Older kernels cannot handle merged instruction-patching
		// sections; keep each input's copy distinct.
		args = append(args, "--unique=.parainstructions", "--unique=.altinstructions")
	}
	args = append(args, fragments...)

	res, err := a.run.Run(ctx, runner.Cmd{Path: a.ld, Args: args})
	if err != nil {
		return fmt.Errorf("merge link: %w", err)
	}
	if res.Status != 0 {
		return fmt.Errorf("merge link failed (%d): %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// embedChecksum computes the merged unit's content checksum and embeds it
// as a dedicated metadata section before the final link. The runtime
// loader compares it against the module it is asked to activate.
func (a *Assembler) embedChecksum(ctx context.Context, merged string) (string, error) {
	data, err := os.ReadFile(merged)
	if err != nil {
		return "", fmt.Errorf("read merged object: %w", err)
	}
	sum := blake3.Sum256(data)
	hexSum := fmt.Sprintf("%x", sum)

	sumFile := merged + ".checksum"
	if err := os.WriteFile(sumFile, []byte(hexSum), 0644); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}

	res, err := a.run.Run(ctx, runner.Cmd{
		Path: a.objcopy,
		Args: []string{
			"--add-section", checksumSection + "=" + sumFile,
			"--set-section-flags", checksumSection + "=contents,readonly",
			merged,
		},
	})
	if err != nil {
		return "", fmt.Errorf("embed checksum: %w", err)
	}
	if res.Status != 0 {
		return "", fmt.Errorf("embed checksum failed (%d): %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	return hexSum, nil
}

// rewriteSections post-processes the linked module in native framework
// mode. Kernels with modern relocation support want the klp arch sections
// stripped; legacy mode retains them for the loader to apply.
func (a *Assembler) rewriteSections(ctx context.Context, module string, caps Capabilities) error {
	if caps.LegacyRelocSections {
		return nil
	}
	args := []string{}
	for _, s := range klpArchSections {
		args = append(args, "--remove-section", s)
	}
	args = append(args, module)

	res, err := a.run.Run(ctx, runner.Cmd{Path: a.objcopy, Args: args})
	if err != nil {
		return fmt.Errorf("rewrite sections: %w", err)
	}
	if res.Status != 0 {
		return fmt.Errorf("rewrite sections failed (%d): %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}
