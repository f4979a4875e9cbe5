package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
)

// ModuleVersions dumps the version checksums the module recorded at
// compile time for its external references. Only meaningful on kernels
// with per-symbol versioning enabled.
func (v *Validator) ModuleVersions(ctx context.Context, modprobe, module string) (map[string]string, error) {
	if modprobe == "" {
		modprobe = "modprobe"
	}
	res, err := v.run.Run(ctx, runner.Cmd{Path: modprobe, Args: []string{"--dump-modversions", module}})
	if err != nil {
		return nil, fmt.Errorf("dump modversions: %w", err)
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("modprobe exited %d: %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}

	versions := make(map[string]string)
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		versions[fields[1]] = strings.TrimPrefix(fields[0], "0x")
	}
	return versions, nil
}
