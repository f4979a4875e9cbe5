package changeset

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/policy"
	"github.com/kforge-dev/kforge/pkg/engine/provenance"
)

var (
	// ErrNoChangedObjects indicates the patch produced no object-level
	// change, which is a usage error rather than success.
	ErrNoChangedObjects = errors.New("no functional changes found")

	// ErrDiffErrors indicates at least one per-object diff failed.
	ErrDiffErrors = errors.New("object diff errors")
)

// Outcome classifies one object's diff result.
type Outcome string

const (
	OutcomeChanged   Outcome = "changed"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

// Object is one entry of the changed-object work list as it moves through
// the pipeline.
type Object struct {
	Path     string // relative to the tree root
	Chain    *provenance.Chain
	Outcome  Outcome
	Fragment string // path of the diff output or passthrough copy
	SkipRule string // rule ID for skipped objects; "builtin" for the fixed list
	Err      error
}

// Tally accumulates per-run counts across the diff stage.
type Tally struct {
	Changed   int
	Unchanged int
	Skipped   int
	Errors    int
}

// Check enforces the diff-stage gates: any error is fatal, and so is a
// patch that changed nothing.
func (t Tally) Check() error {
	if t.Errors > 0 {
		return fmt.Errorf("%w: %d objects failed", ErrDiffErrors, t.Errors)
	}
	if t.Changed == 0 {
		return ErrNoChangedObjects
	}
	return nil
}

// builtinSkips are object paths known to confuse the diff engine:
// assembly-origin and generated objects with no patchable content. They
// are copied through unmodified.
var builtinSkips = map[string]bool{
	"init/version.o":               true,
	"kernel/system_certificates.o": true,
	"usr/initramfs_data.o":         true,
	"lib/vdso/vdso.o":              true,
}

// Extractor turns the externally supplied changed-object list into the
// pipeline work list and drives the per-object diff engine.
type Extractor struct {
	log    *slog.Logger
	policy *policy.CELEngine // optional user skip rules, may be nil
}

func NewExtractor(log *slog.Logger, pol *policy.CELEngine) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{log: log, policy: pol}
}

// Load reads the newline-delimited changed-object list and classifies each
// entry as diffable or skipped.
func (e *Extractor) Load(listPath string) ([]*Object, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("open changed-object list: %w", err)
	}
	defer f.Close()

	var objs []*Object
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		path := strings.TrimSpace(sc.Text())
		if path == "" {
			continue
		}
		obj := &Object{Path: filepath.Clean(path)}
		if err := e.classify(obj); err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read changed-object list: %w", err)
	}
	return objs, nil
}

func (e *Extractor) classify(obj *Object) error {
	if builtinSkips[obj.Path] {
		obj.Outcome = OutcomeSkipped
		obj.SkipRule = "builtin"
		return nil
	}
	if e.policy != nil {
		matches, err := e.policy.Match(obj.Path)
		if err != nil {
			return fmt.Errorf("skip policy: %w", err)
		}
		if len(matches) > 0 {
			obj.Outcome = OutcomeSkipped
			obj.SkipRule = matches[0]
		}
	}
	return nil
}

// CopyThrough copies a skipped object's patched build output into the
// fragment directory unmodified.
func CopyThrough(patchedRoot, fragDir string, obj *Object) error {
	src := filepath.Join(patchedRoot, obj.Path)
	dst := filepath.Join(fragDir, strings.ReplaceAll(obj.Path, string(filepath.Separator), "_"))

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy-through %s: %w", obj.Path, err)
	}
	defer in.Close()

	if err := os.MkdirAll(fragDir, 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy-through %s: %w", obj.Path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy-through %s: %w", obj.Path, err)
	}
	obj.Fragment = dst
	return nil
}
