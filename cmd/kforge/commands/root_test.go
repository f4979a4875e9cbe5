package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kforge-dev/kforge/pkg/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetConfigState isolates each test from viper's process-global state
// and from flag values left behind by other tests.
func resetConfigState(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfg = config.Config{}
	// Point away from any real ~/.kforge.yaml.
	cfgFile = filepath.Join(t.TempDir(), "absent.yaml")
}

func TestInitConfigEnvFillsUnsetFields(t *testing.T) {
	resetConfigState(t)
	t.Setenv("KFORGE_KERNEL_DIR", "/build/linux-6.1")
	t.Setenv("KFORGE_MOD_VERSIONS", "true")
	t.Setenv("KFORGE_WORKERS", "4")

	initConfig()

	assert.Equal(t, "/build/linux-6.1", cfg.KernelDir)
	assert.True(t, cfg.ModVersions)
	assert.Equal(t, 4, cfg.Workers)
}

func TestInitConfigFileFillsUnsetFields(t *testing.T) {
	resetConfigState(t)
	path := filepath.Join(t.TempDir(), "kforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"kernel_dir: /cfg/linux\ndiff_tool: /opt/create-diff-object\nworkers: 8\n"), 0644))
	cfgFile = path

	initConfig()

	assert.Equal(t, "/cfg/linux", cfg.KernelDir)
	assert.Equal(t, "/opt/create-diff-object", cfg.DiffTool)
	assert.Equal(t, 8, cfg.Workers)
}

func TestInitConfigFlagsWinOverSources(t *testing.T) {
	resetConfigState(t)
	t.Setenv("KFORGE_KERNEL_DIR", "/env/linux")
	// Parsed flags land in cfg before cobra runs the initializers.
	cfg.KernelDir = "/flag/linux"

	initConfig()

	assert.Equal(t, "/flag/linux", cfg.KernelDir)
}
