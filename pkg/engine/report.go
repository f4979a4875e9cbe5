package engine

import (
	"fmt"
	"sort"
	"strings"
)

// RenderReport produces the human-readable run summary printed after a
// successful build.
func RenderReport(rc *RunContext, artifact string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Patch module: %s\n", rc.Module.FileName())
	fmt.Fprintf(&b, "Mode:         %s\n", rc.Module.Mode)
	if rc.Module.Checksum != "" {
		fmt.Fprintf(&b, "Checksum:     %s\n", rc.Module.Checksum)
	}
	fmt.Fprintf(&b, "Artifact:     %s\n", artifact)
	b.WriteString("\n")

	fmt.Fprintf(&b, "Objects: %d changed, %d unchanged, %d skipped\n",
		rc.Tally.Changed, rc.Tally.Unchanged, rc.Tally.Skipped)

	type row struct{ path, terminal, outcome string }
	var rows []row
	for _, obj := range rc.Objects {
		r := row{path: obj.Path, outcome: string(obj.Outcome)}
		if obj.Chain != nil {
			r.terminal = obj.Chain.Terminal
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].path < rows[j].path })
	for _, r := range rows {
		if r.terminal != "" {
			fmt.Fprintf(&b, "  %-10s %s -> %s\n", r.outcome, r.path, r.terminal)
		} else {
			fmt.Fprintf(&b, "  %-10s %s\n", r.outcome, r.path)
		}
	}

	if len(rc.Warnings) > 0 {
		b.WriteString("\nSymbol version drift (informational):\n")
		for _, w := range rc.Warnings {
			fmt.Fprintf(&b, "  %s\n", w.String())
		}
	}
	return b.String()
}
