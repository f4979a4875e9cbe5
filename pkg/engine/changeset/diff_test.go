package changeset

import (
	"context"
	"testing"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolDiffEngineOutcomes(t *testing.T) {
	req := DiffRequest{
		Original:   "orig/a.o",
		Patched:    "patched/a.o",
		Terminal:   "vmlinux",
		Symtab:     "symtab",
		Ledger:     "Module.symvers",
		ModuleName: "fix",
		Output:     "out/a.o",
	}

	cases := []struct {
		name    string
		status  int
		want    Outcome
		wantErr bool
	}{
		{"changed", 0, OutcomeChanged, false},
		{"unchanged", 3, OutcomeUnchanged, false},
		{"failure", 1, OutcomeError, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := runner.NewFake()
			fake.On("create-diff-object", &runner.Result{Status: tc.status})

			eng := &ToolDiffEngine{Tool: "create-diff-object", Run: fake}
			out, err := eng.Diff(context.Background(), req)
			assert.Equal(t, tc.want, out)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			require.Len(t, fake.Calls, 1)
			assert.Equal(t, []string{
				"orig/a.o", "patched/a.o", "vmlinux", "symtab",
				"Module.symvers", "fix", "out/a.o",
			}, fake.Calls[0].Args)
		})
	}
}
