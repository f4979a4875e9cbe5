package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kforge-dev/kforge/pkg/engine/buildrec"
	"go.opentelemetry.io/otel"
)

// ErrNoOwner indicates no terminal binary could be found for an object.
var ErrNoOwner = errors.New("no owning binary found")

var tracer = otel.Tracer("kforge/provenance")

// vmlinuxAggregates are build aggregation targets that never carry their
// own link record but are defined to fold into the kernel image.
var vmlinuxAggregates = map[string]bool{
	"built-in.a": true,
	"built-in.o": true,
	"lib.a":      true,
	"vmlinux.o":  true,
}

// Resolver walks build records upward to find the terminal binary that
// links a given object.
type Resolver struct {
	store *buildrec.Store
	log   *slog.Logger
}

func NewResolver(store *buildrec.Store, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, log: log}
}

// Resolve maps objectPath (relative to the tree root) to its ownership
// chain. Ambiguity is recorded on the chain, not returned as an error:
// it only matters for objects that end up patched.
func (r *Resolver) Resolve(ctx context.Context, hints *HintCache, objectPath string) (*Chain, error) {
	_, span := tracer.Start(ctx, "provenance.resolve")
	defer span.End()

	chain := &Chain{Object: objectPath}
	current := filepath.Clean(objectPath)
	seen := map[string]bool{current: true}

	for {
		if term, ok := r.terminal(current); ok {
			chain.Terminal = term
			return chain, nil
		}

		parents, err := r.store.FindReferencing(filepath.Dir(current), filepath.Base(current))
		if err != nil {
			return nil, err
		}

		if len(parents) == 0 {
			escalated, aggregated, err := r.escalate(hints, current)
			if err != nil {
				return nil, err
			}
			if aggregated {
				// Aggregation point: folds straight into the kernel image.
				chain.Edges = append(chain.Edges, Edge{Child: current, Parent: "vmlinux", MatchCount: 1})
				chain.Terminal = "vmlinux"
				return chain, nil
			}
			parents = escalated
		}

		edge := Edge{
			Child:      current,
			Parent:     parents[0].ObjectPath,
			MatchCount: len(parents),
			Ambiguous:  len(parents) > 1,
		}
		if edge.Ambiguous {
			r.log.Warn("ambiguous provenance edge",
				"object", current,
				"candidates", len(parents),
				"chosen", edge.Parent)
		}
		chain.Edges = append(chain.Edges, edge)

		if seen[edge.Parent] {
			return nil, fmt.Errorf("%w: record cycle at %s", ErrNoOwner, edge.Parent)
		}
		seen[edge.Parent] = true
		current = edge.Parent
	}
}

// terminal reports whether path names a top-level binary and, if so, its
// terminal name.
func (r *Resolver) terminal(path string) (string, bool) {
	base := filepath.Base(path)
	if base == "vmlinux" {
		return "vmlinux", true
	}
	if strings.HasSuffix(base, ".ko") {
		return path, true
	}
	return "", false
}

// escalate handles the zero-match case: aggregation allow-list first, then
// the directory hint, then a full-tree search. aggregated means the object
// is a known aggregation point owned by vmlinux.
func (r *Resolver) escalate(hints *HintCache, current string) (parents []buildrec.Record, aggregated bool, err error) {
	base := filepath.Base(current)
	if vmlinuxAggregates[base] {
		return nil, true, nil
	}

	dir := filepath.Dir(current)
	if hintDir, ok := hints.Get(dir); ok {
		recs, err := r.store.FindReferencing(hintDir, base)
		if err != nil {
			return nil, false, err
		}
		if len(recs) > 0 {
			sortRecords(recs)
			return recs, false, nil
		}
		// The hint was wrong for this object; drop it and rescan.
		hints.Invalidate(dir)
	}

	r.log.Debug("falling back to full-tree record scan", "object", current)
	recs, err := r.store.FindReferencingTree(base)
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, fmt.Errorf("%w: %s", ErrNoOwner, current)
	}
	sortRecords(recs)
	if len(recs) == 1 {
		hints.Put(dir, recs[0].Dir)
	}
	// Multiple global matches stay ambiguous and never seed the hint cache.
	return recs, false, nil
}

func sortRecords(recs []buildrec.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ObjectPath < recs[j].ObjectPath })
}
