package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleName(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit name wins", Config{Name: "hotfix", PatchFile: "cve.patch"}, "hotfix"},
		{"derived from patch file", Config{PatchFile: "/tmp/fix-null-deref.patch"}, "fix_null_deref"},
		{"diff suffix stripped", Config{PatchFile: "cve-2024-1086.diff"}, "cve_2024_1086"},
		{"dots folded", Config{PatchFile: "v6.1.55-fix.patch"}, "v6_1_55_fix"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.ModuleName())
		})
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	cfg := Config{
		KernelDir:   dir,
		PatchedDir:  dir,
		ChangedList: filepath.Join(dir, "changed.txt"),
		PreLedger:   filepath.Join(dir, "Module.symvers"),
		PatchFile:   "fix.patch",
	}
	assert.NoError(t, cfg.Validate())

	t.Run("missing kernel dir", func(t *testing.T) {
		c := cfg
		c.KernelDir = ""
		assert.ErrorContains(t, c.Validate(), "kernel_dir")
	})

	t.Run("kernel dir not a directory", func(t *testing.T) {
		c := cfg
		c.KernelDir = filepath.Join(dir, "nope")
		assert.ErrorContains(t, c.Validate(), "not a directory")
	})

	t.Run("underivable module name", func(t *testing.T) {
		c := cfg
		c.PatchFile = "-.patch"
		assert.ErrorContains(t, c.Validate(), "module name")
	})
}

func TestWorkspaceOr(t *testing.T) {
	cfg := Config{Workspace: "/scratch/ws"}
	ws, err := cfg.WorkspaceOr()
	require.NoError(t, err)
	assert.Equal(t, "/scratch/ws", ws)

	cfg = Config{PatchFile: "fix.patch"}
	ws, err = cfg.WorkspaceOr()
	require.NoError(t, err)
	assert.Contains(t, ws, filepath.Join("kforge", "fix"))
}

func TestLoadProfile(t *testing.T) {
	t.Setenv("KFORGE_TEST_KDIR", "/build/linux-6.1")
	src := `
target {
  kernel_dir      = env.KFORGE_TEST_KDIR
  native_framework = true
  mod_versions     = true
}

toolchain {
  compiler   = "gcc-12"
  diff_tool  = "/opt/kforge/create-diff-object"
  arch_flags = ["-mcmodel=kernel"]
  workers    = 4
}
`
	path := filepath.Join(t.TempDir(), "target.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.NotNil(t, p.Target)
	assert.Equal(t, "/build/linux-6.1", p.Target.KernelDir)
	assert.True(t, p.Target.NativeFramework)

	var cfg Config
	cfg.Compiler = "gcc-13" // explicit flag wins over profile
	p.Apply(&cfg)
	assert.Equal(t, "/build/linux-6.1", cfg.KernelDir)
	assert.Equal(t, "gcc-13", cfg.Compiler)
	assert.Equal(t, "/opt/kforge/create-diff-object", cfg.DiffTool)
	assert.Equal(t, []string{"-mcmodel=kernel"}, cfg.Arch)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.NativeFramework)
	assert.True(t, cfg.ModVersions)
	assert.False(t, cfg.LegacyRelocSections)
}

func TestLoadProfileParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte("target {\n"), 0644))
	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "parse profile")
}

func TestLoadSkipRules(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file returns no rules", func(t *testing.T) {
		rules, err := LoadSkipRules(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("empty path returns no rules", func(t *testing.T) {
		rules, err := LoadSkipRules("")
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("valid rules", func(t *testing.T) {
		path := filepath.Join(dir, "skip.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - id: vdso
    condition: path.startsWith("arch/x86/entry/vdso/")
    reason: vdso objects are not patchable
  - id: early-boot
    condition: dir == "arch/x86/boot"
`), 0644))
		rules, err := LoadSkipRules(path)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "vdso", rules[0].ID)
		assert.Equal(t, "vdso objects are not patchable", rules[0].Reason)
	})

	t.Run("missing condition", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("rules:\n  - id: x\n"), 0644))
		_, err := LoadSkipRules(path)
		assert.ErrorContains(t, err, "missing condition")
	})
}

func TestMergeFillsOnlyUnsetFields(t *testing.T) {
	c := Config{KernelDir: "/flag/linux", Workers: 2}
	c.Merge(&Config{
		KernelDir: "/file/linux",
		DiffTool:  "/opt/create-diff-object",
		Workers:   8,
		Verbose:   true,
	})

	assert.Equal(t, "/flag/linux", c.KernelDir)
	assert.Equal(t, 2, c.Workers)
	assert.Equal(t, "/opt/create-diff-object", c.DiffTool)
	assert.True(t, c.Verbose)
}
