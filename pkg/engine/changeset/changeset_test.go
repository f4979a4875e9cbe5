package changeset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kforge-dev/kforge/pkg/engine/policy"
	"github.com/kforge-dev/kforge/pkg/engine/provenance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "changed_objs")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))
	return path
}

func TestLoadClassifiesBuiltinSkips(t *testing.T) {
	e := NewExtractor(nil, nil)
	objs, err := e.Load(writeList(t, "drivers/net/e1000.o\ninit/version.o\n\n"))
	require.NoError(t, err)
	require.Len(t, objs, 2)

	assert.Equal(t, Outcome(""), objs[0].Outcome)
	assert.Equal(t, OutcomeSkipped, objs[1].Outcome)
	assert.Equal(t, "builtin", objs[1].SkipRule)
}

func TestLoadAppliesUserSkipRules(t *testing.T) {
	pol, err := policy.NewCELEngine(nil)
	require.NoError(t, err)
	require.NoError(t, pol.Compile([]policy.SkipRule{
		{ID: "vdso", Condition: `dir.startsWith("arch/x86/entry/vdso")`},
	}))

	e := NewExtractor(nil, pol)
	objs, err := e.Load(writeList(t, "arch/x86/entry/vdso/vma.o\n"))
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, OutcomeSkipped, objs[0].Outcome)
	assert.Equal(t, "vdso", objs[0].SkipRule)
}

// scriptedDiff returns canned outcomes per object basename.
type scriptedDiff struct {
	outcomes map[string]Outcome
}

func (s *scriptedDiff) Diff(_ context.Context, req DiffRequest) (Outcome, error) {
	out, ok := s.outcomes[filepath.Base(req.Original)]
	if !ok {
		return OutcomeError, errors.New("unexpected object")
	}
	if out == OutcomeChanged {
		if err := os.WriteFile(req.Output, []byte("fragment"), 0644); err != nil {
			return OutcomeError, err
		}
	}
	if out == OutcomeError {
		return OutcomeError, fmt.Errorf("diff tool exited 1")
	}
	return out, nil
}

func chainTo(terminal string) *provenance.Chain {
	return &provenance.Chain{Terminal: terminal}
}

func testDiffConfig(t *testing.T, eng DiffEngine) DiffConfig {
	t.Helper()
	return DiffConfig{
		Engine:      eng,
		OrigRoot:    t.TempDir(),
		PatchedRoot: t.TempDir(),
		FragDir:     filepath.Join(t.TempDir(), "fragments"),
		LedgerPath:  "Module.symvers",
		ModuleName:  "testpatch",
		SymtabFor:   func(string) string { return "symtab" },
	}
}

func TestRunDiffsTallies(t *testing.T) {
	eng := &scriptedDiff{outcomes: map[string]Outcome{
		"a.o": OutcomeChanged,
		"b.o": OutcomeUnchanged,
	}}
	e := NewExtractor(nil, nil)
	objs := []*Object{
		{Path: "drivers/x/a.o", Chain: chainTo("drivers/x/x.ko")},
		{Path: "drivers/x/b.o", Chain: chainTo("drivers/x/x.ko")},
	}

	cfg := testDiffConfig(t, eng)
	require.NoError(t, os.MkdirAll(cfg.FragDir, 0755))
	tally, err := e.RunDiffs(context.Background(), cfg, objs)
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Changed)
	assert.Equal(t, 1, tally.Unchanged)
	assert.Equal(t, OutcomeChanged, objs[0].Outcome)
	assert.NotEmpty(t, objs[0].Fragment)
	assert.Empty(t, objs[1].Fragment)
	assert.NoError(t, tally.Check())
}

func TestRunDiffsNoChangesIsUsageError(t *testing.T) {
	eng := &scriptedDiff{outcomes: map[string]Outcome{"y.o": OutcomeUnchanged}}
	e := NewExtractor(nil, nil)
	objs := []*Object{{Path: "drivers/x/y.o", Chain: chainTo("drivers/x/x.ko")}}

	cfg := testDiffConfig(t, eng)
	require.NoError(t, os.MkdirAll(cfg.FragDir, 0755))
	tally, err := e.RunDiffs(context.Background(), cfg, objs)
	require.NoError(t, err)

	assert.True(t, errors.Is(tally.Check(), ErrNoChangedObjects))
}

func TestRunDiffsErrorsAreFatalRegardlessOfChanges(t *testing.T) {
	eng := &scriptedDiff{outcomes: map[string]Outcome{
		"a.o": OutcomeChanged,
		"b.o": OutcomeError,
	}}
	e := NewExtractor(nil, nil)
	objs := []*Object{
		{Path: "drivers/x/a.o", Chain: chainTo("drivers/x/x.ko")},
		{Path: "drivers/x/b.o", Chain: chainTo("drivers/x/x.ko")},
	}

	cfg := testDiffConfig(t, eng)
	require.NoError(t, os.MkdirAll(cfg.FragDir, 0755))
	tally, err := e.RunDiffs(context.Background(), cfg, objs)
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Changed)
	assert.Equal(t, 1, tally.Errors)
	assert.True(t, errors.Is(tally.Check(), ErrDiffErrors))
	assert.Error(t, objs[1].Err)
}

func TestRunDiffsCopiesSkippedThrough(t *testing.T) {
	patchedRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(patchedRoot, "init"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(patchedRoot, "init/version.o"), []byte("obj"), 0644))

	e := NewExtractor(nil, nil)
	objs := []*Object{{Path: "init/version.o", Outcome: OutcomeSkipped, SkipRule: "builtin"}}

	cfg := testDiffConfig(t, &scriptedDiff{})
	cfg.PatchedRoot = patchedRoot
	tally, err := e.RunDiffs(context.Background(), cfg, objs)
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Skipped)
	data, err := os.ReadFile(objs[0].Fragment)
	require.NoError(t, err)
	assert.Equal(t, "obj", string(data))
}
