package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSkipRuleMatching(t *testing.T) {
	e, err := NewCELEngine(nil)
	require.NoError(t, err)

	rules := []SkipRule{
		{ID: "vdso", Condition: `dir.startsWith("arch/x86/entry/vdso")`},
		{ID: "version-obj", Condition: `base == "version.o"`},
	}
	require.NoError(t, e.Compile(rules))

	matches, err := e.Match("arch/x86/entry/vdso/vclock_gettime.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"vdso"}, matches)

	matches, err = e.Match("init/version.o")
	require.NoError(t, err)
	assert.Equal(t, []string{"version-obj"}, matches)

	matches, err = e.Match("drivers/net/e1000.o")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestSkipRuleCompileError(t *testing.T) {
	e, err := NewCELEngine(nil)
	require.NoError(t, err)

	err = e.Compile([]SkipRule{{ID: "broken", Condition: `path ==`}})
	assert.Error(t, err)
}
