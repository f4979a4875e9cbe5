package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/runner"
	"github.com/kforge-dev/kforge/pkg/engine/symvers"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kforge/validate")

// ErrUnresolvedSymbol indicates the assembled module references a symbol
// that neither the target kernel nor the support module provides.
var ErrUnresolvedSymbol = errors.New("unresolved symbol in patch module")

// supportSymbols are provided by the separately loaded runtime support
// module. They only exist in core-module mode.
var supportSymbols = map[string]bool{
	"kpatch_register":      true,
	"kpatch_unregister":    true,
	"kpatch_shadow_alloc":  true,
	"kpatch_shadow_free":   true,
	"kpatch_shadow_get":    true,
	"kpatch_checksum_read": true,
}

// Validator cross-checks the assembled module's external references
// against the target kernel's exported surface.
type Validator struct {
	run runner.Runner
	log *slog.Logger
	nm  string
}

func New(run runner.Runner, nm string, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	if nm == "" {
		nm = "nm"
	}
	return &Validator{run: run, log: log, nm: nm}
}

// UndefinedSymbols lists the module's external references.
func (v *Validator) UndefinedSymbols(ctx context.Context, module string) ([]string, error) {
	res, err := v.run.Run(ctx, runner.Cmd{Path: v.nm, Args: []string{"--undefined-only", module}})
	if err != nil {
		return nil, fmt.Errorf("dump undefined symbols: %w", err)
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("nm exited %d: %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	return parseSymbolList(res.Stdout), nil
}

// DefinedSymbols returns the set of symbols a binary defines.
func (v *Validator) DefinedSymbols(ctx context.Context, binary string) (map[string]bool, error) {
	res, err := v.run.Run(ctx, runner.Cmd{Path: v.nm, Args: []string{"--defined-only", binary}})
	if err != nil {
		return nil, fmt.Errorf("dump defined symbols: %w", err)
	}
	if res.Status != 0 {
		return nil, fmt.Errorf("nm exited %d: %s", res.Status, strings.TrimSpace(string(res.Stderr)))
	}
	set := make(map[string]bool)
	for _, s := range parseSymbolList(res.Stdout) {
		set[s] = true
	}
	return set, nil
}

// Check verifies every undefined symbol of the module resolves against the
// kernel's exported symbols (ledger plus the kernel image's symbol table)
// or, in core-module mode only, the fixed support-symbol list.
func (v *Validator) Check(ctx context.Context, module string, ledger *symvers.Ledger, kernelDefined map[string]bool, coreMode bool) error {
	ctx, span := tracer.Start(ctx, "validate.completeness")
	defer span.End()

	undef, err := v.UndefinedSymbols(ctx, module)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("undefined", len(undef)))

	var missing []string
	for _, sym := range undef {
		if ledger != nil {
			if _, ok := ledger.Lookup(sym); ok {
				continue
			}
		}
		if kernelDefined[sym] {
			continue
		}
		if coreMode && supportSymbols[sym] {
			continue
		}
		missing = append(missing, sym)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrUnresolvedSymbol, strings.Join(missing, ", "))
	}

	v.log.Info("completeness check passed", "module", module, "references", len(undef))
	return nil
}

// parseSymbolList parses nm output: optional address column, a type
// letter, then the symbol name. Version suffixes are stripped.
func parseSymbolList(out []byte) []string {
	var syms []string
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[len(fields)-1]
		if i := strings.IndexByte(name, '@'); i > 0 {
			name = name[:i]
		}
		syms = append(syms, name)
	}
	sort.Strings(syms)
	return syms
}
