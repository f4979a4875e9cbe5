package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Profile is the HCL build profile describing one target kernel. Values
// from the profile fill unset Config fields; explicit flags win.
type Profile struct {
	Target    *targetBlock    `hcl:"target,block"`
	Toolchain *toolchainBlock `hcl:"toolchain,block"`
}

type targetBlock struct {
	KernelDir           string `hcl:"kernel_dir"`
	PatchedDir          string `hcl:"patched_dir,optional"`
	Vmlinux             string `hcl:"vmlinux,optional"`
	NativeFramework     bool   `hcl:"native_framework,optional"`
	LegacyRelocSections bool   `hcl:"legacy_reloc_sections,optional"`
	ModVersions         bool   `hcl:"mod_versions,optional"`
}

type toolchainBlock struct {
	Compiler  string   `hcl:"compiler,optional"`
	Linker    string   `hcl:"linker,optional"`
	Objcopy   string   `hcl:"objcopy,optional"`
	Nm        string   `hcl:"nm,optional"`
	DiffTool  string   `hcl:"diff_tool,optional"`
	ExtraInc  []string `hcl:"extra_includes,optional"`
	ArchFlags []string `hcl:"arch_flags,optional"`
	Workers   int      `hcl:"workers,optional"`
}

// LoadProfile parses an HCL build profile. The evaluation context exposes
// `arch` and `env` so profiles can vary paths per machine.
func LoadProfile(path string) (*Profile, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse profile: %s", diags.Error())
	}

	envVars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				envVars[kv[:i]] = cty.StringVal(kv[i+1:])
				break
			}
		}
	}
	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"arch": cty.StringVal(runtime.GOARCH),
			"env":  cty.MapVal(orEmptyMap(envVars)),
		},
	}

	var p Profile
	if diags := gohcl.DecodeBody(file.Body, evalCtx, &p); diags.HasErrors() {
		return nil, fmt.Errorf("decode profile: %s", diags.Error())
	}
	return &p, nil
}

func orEmptyMap(m map[string]cty.Value) map[string]cty.Value {
	if len(m) == 0 {
		return map[string]cty.Value{"_": cty.StringVal("")}
	}
	return m
}

// Apply fills unset Config fields from the profile.
func (p *Profile) Apply(c *Config) {
	if p.Target != nil {
		setIfEmpty(&c.KernelDir, p.Target.KernelDir)
		setIfEmpty(&c.PatchedDir, p.Target.PatchedDir)
		setIfEmpty(&c.VmlinuxPath, p.Target.Vmlinux)
		c.NativeFramework = c.NativeFramework || p.Target.NativeFramework
		c.LegacyRelocSections = c.LegacyRelocSections || p.Target.LegacyRelocSections
		c.ModVersions = c.ModVersions || p.Target.ModVersions
	}
	if p.Toolchain != nil {
		setIfEmpty(&c.Compiler, p.Toolchain.Compiler)
		setIfEmpty(&c.Linker, p.Toolchain.Linker)
		setIfEmpty(&c.Objcopy, p.Toolchain.Objcopy)
		setIfEmpty(&c.Nm, p.Toolchain.Nm)
		setIfEmpty(&c.DiffTool, p.Toolchain.DiffTool)
		if len(c.ExtraInc) == 0 {
			c.ExtraInc = p.Toolchain.ExtraInc
		}
		if len(c.Arch) == 0 {
			c.Arch = p.Toolchain.ArchFlags
		}
		if c.Workers == 0 {
			c.Workers = p.Toolchain.Workers
		}
	}
}

func setIfEmpty(dst *string, val string) {
	if *dst == "" {
		*dst = val
	}
}
