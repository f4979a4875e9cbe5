package assemble

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
)

// KbuildLinker links the merged object into a loadable module through the
// kernel's own module build machinery, so modpost and version metadata are
// generated exactly as the target kernel expects.
type KbuildLinker struct {
	Run       runner.Runner
	KernelDir string // configured kernel output tree
	Compiler  string // CC override, optional
	Linker    string // LD override, optional
	ExtraInc  []string
	ArchFlags []string
	Jobs      int // passthrough worker count for the delegated build
}

const kbuildShim = `obj-m += %s.o
%s-objs := %s
`

// Link stages the merged object next to a generated kbuild shim and runs
// the external module build against the kernel tree.
func (k *KbuildLinker) Link(ctx context.Context, mergedObj, dest string) error {
	stage := filepath.Join(filepath.Dir(dest), "link-stage")
	if err := os.MkdirAll(stage, 0755); err != nil {
		return err
	}

	modName := strings.TrimSuffix(filepath.Base(dest), ".ko")
	input := modName + "_input.o"
	if err := copyFile(mergedObj, filepath.Join(stage, input)); err != nil {
		return err
	}

	shim := fmt.Sprintf(kbuildShim, modName, modName, input)
	if err := os.WriteFile(filepath.Join(stage, "Makefile"), []byte(shim), 0644); err != nil {
		return fmt.Errorf("write kbuild shim: %w", err)
	}

	args := []string{"-C", k.KernelDir, "M=" + stage, "modules"}
	if k.Jobs > 0 {
		args = append(args, "-j"+strconv.Itoa(k.Jobs))
	}
	if k.Compiler != "" {
		args = append(args, "CC="+k.Compiler)
	}
	if k.Linker != "" {
		args = append(args, "LD="+k.Linker)
	}
	var cflags []string
	for _, inc := range k.ExtraInc {
		cflags = append(cflags, "-I"+inc)
	}
	cflags = append(cflags, k.ArchFlags...)
	if len(cflags) > 0 {
		args = append(args, "KCFLAGS="+strings.Join(cflags, " "))
	}

	res, err := k.Run.Run(ctx, runner.Cmd{Path: "make", Args: args})
	if err != nil {
		return err
	}
	if res.Status != 0 {
		return fmt.Errorf("module link failed (%d): %s", res.Status, tail(res.Stderr, 20))
	}

	return copyFile(filepath.Join(stage, modName+".ko"), dest)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return os.WriteFile(dst, data, 0644)
}

// tail returns the last n lines of tool output for diagnostics.
func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
