// Package config defines the explicit pipeline configuration passed down
// through every stage, replacing ambient environment lookups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the value object the pipeline threads through each stage.
type Config struct {
	// Inputs.
	KernelDir   string `mapstructure:"kernel_dir"`   // pristine configured kernel output tree
	PatchedDir  string `mapstructure:"patched_dir"`  // patched kernel output tree
	PatchFile   string `mapstructure:"patch_file"`   // source patch, used for naming and rollback
	ChangedList string `mapstructure:"changed_list"` // newline-delimited changed-object paths
	PreLedger   string `mapstructure:"pre_ledger"`   // pristine build symbol ledger
	PostLedger  string `mapstructure:"post_ledger"`  // patched build symbol ledger
	VmlinuxPath string `mapstructure:"vmlinux"`      // kernel image for symbol-table lookups

	// Output.
	Name      string `mapstructure:"name"` // module name; derived from PatchFile when empty
	Workspace string `mapstructure:"workspace"`
	OutputDir string `mapstructure:"output_dir"`

	// Toolchain overrides.
	Compiler string   `mapstructure:"compiler"`
	Linker   string   `mapstructure:"linker"`
	Objcopy  string   `mapstructure:"objcopy"`
	Nm       string   `mapstructure:"nm"`
	DiffTool string   `mapstructure:"diff_tool"`
	ExtraInc []string `mapstructure:"extra_includes"`
	Arch     []string `mapstructure:"arch_flags"`

	// Target kernel capabilities.
	NativeFramework     bool `mapstructure:"native_framework"`
	LegacyRelocSections bool `mapstructure:"legacy_reloc_sections"`
	ModVersions         bool `mapstructure:"mod_versions"`

	// Delegated compile stage.
	Workers int `mapstructure:"workers"`

	// Ambient.
	SkipRulesFile string `mapstructure:"skip_rules"`
	ProfileFile   string `mapstructure:"profile"`
	Verbose       bool   `mapstructure:"verbose"`
	JSONLogs      bool   `mapstructure:"json_logs"`
	OtelEndpoint  string `mapstructure:"otel_endpoint"`
	NotifyURL     string `mapstructure:"notify_url"`
}

// Keys lists every config key as it appears in config files and, uppercased
// with the KFORGE_ prefix, in environment variables.
func Keys() []string {
	return []string{
		"kernel_dir", "patched_dir", "patch_file", "changed_list",
		"pre_ledger", "post_ledger", "vmlinux",
		"name", "workspace", "output_dir",
		"compiler", "linker", "objcopy", "nm", "diff_tool",
		"extra_includes", "arch_flags",
		"native_framework", "legacy_reloc_sections", "mod_versions",
		"workers",
		"skip_rules", "profile", "verbose", "json_logs",
		"otel_endpoint", "notify_url",
	}
}

// Merge fills unset fields of c from o. Flags parse before file and
// environment sources are merged, so an explicitly set field always wins.
func (c *Config) Merge(o *Config) {
	setIfEmpty(&c.KernelDir, o.KernelDir)
	setIfEmpty(&c.PatchedDir, o.PatchedDir)
	setIfEmpty(&c.PatchFile, o.PatchFile)
	setIfEmpty(&c.ChangedList, o.ChangedList)
	setIfEmpty(&c.PreLedger, o.PreLedger)
	setIfEmpty(&c.PostLedger, o.PostLedger)
	setIfEmpty(&c.VmlinuxPath, o.VmlinuxPath)
	setIfEmpty(&c.Name, o.Name)
	setIfEmpty(&c.Workspace, o.Workspace)
	setIfEmpty(&c.OutputDir, o.OutputDir)
	setIfEmpty(&c.Compiler, o.Compiler)
	setIfEmpty(&c.Linker, o.Linker)
	setIfEmpty(&c.Objcopy, o.Objcopy)
	setIfEmpty(&c.Nm, o.Nm)
	setIfEmpty(&c.DiffTool, o.DiffTool)
	if len(c.ExtraInc) == 0 {
		c.ExtraInc = o.ExtraInc
	}
	if len(c.Arch) == 0 {
		c.Arch = o.Arch
	}
	c.NativeFramework = c.NativeFramework || o.NativeFramework
	c.LegacyRelocSections = c.LegacyRelocSections || o.LegacyRelocSections
	c.ModVersions = c.ModVersions || o.ModVersions
	if c.Workers == 0 {
		c.Workers = o.Workers
	}
	setIfEmpty(&c.SkipRulesFile, o.SkipRulesFile)
	setIfEmpty(&c.ProfileFile, o.ProfileFile)
	c.Verbose = c.Verbose || o.Verbose
	c.JSONLogs = c.JSONLogs || o.JSONLogs
	setIfEmpty(&c.OtelEndpoint, o.OtelEndpoint)
	setIfEmpty(&c.NotifyURL, o.NotifyURL)
}

// ModuleName returns the logical patch module name: the explicit name when
// set, otherwise derived from the patch file basename. Characters a module
// name cannot carry are folded to underscores.
func (c *Config) ModuleName() string {
	name := c.Name
	if name == "" {
		base := filepath.Base(c.PatchFile)
		name = strings.TrimSuffix(strings.TrimSuffix(base, ".patch"), ".diff")
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Validate checks the required inputs exist before the pipeline starts.
func (c *Config) Validate() error {
	if c.KernelDir == "" {
		return fmt.Errorf("kernel_dir is required")
	}
	if c.PatchedDir == "" {
		return fmt.Errorf("patched_dir is required")
	}
	if c.ChangedList == "" {
		return fmt.Errorf("changed_list is required")
	}
	if c.PreLedger == "" {
		return fmt.Errorf("pre_ledger is required")
	}
	if c.ModuleName() == "" || c.ModuleName() == "_" {
		return fmt.Errorf("cannot derive module name; pass --name")
	}
	for _, dir := range []string{c.KernelDir, c.PatchedDir} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			return fmt.Errorf("not a directory: %s", dir)
		}
	}
	return nil
}

// WorkspaceOr returns the configured workspace or a default under the
// user cache directory.
func (c *Config) WorkspaceOr() (string, error) {
	if c.Workspace != "" {
		return c.Workspace, nil
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	return filepath.Join(cache, "kforge", c.ModuleName()), nil
}
