package provenance

// Edge is one resolved parent link in the build graph. MatchCount preserves
// how many candidate parents the record scan produced; anything above one
// marks the edge ambiguous.
type Edge struct {
	Child      string
	Parent     string
	MatchCount int
	Ambiguous  bool
}

// Chain is the ordered path from a compiled object up to the terminal
// binary that links it.
type Chain struct {
	Object   string
	Edges    []Edge
	Terminal string
}

// IsAmbiguous reports whether any edge on the chain had more than one
// candidate parent. An ambiguous chain is only fatal for objects that end
// up in the patch.
func (c *Chain) IsAmbiguous() bool {
	for _, e := range c.Edges {
		if e.Ambiguous {
			return true
		}
	}
	return false
}

// HintCache remembers, per directory, where a full-tree search last found a
// parent, so later lookups in the same area skip the expensive scan. A hint
// that yields zero matches is dropped; kernel build trees are not uniformly
// structured.
type HintCache struct {
	dirs map[string]string
}

func NewHintCache() *HintCache {
	return &HintCache{dirs: make(map[string]string)}
}

func (h *HintCache) Get(dir string) (string, bool) {
	p, ok := h.dirs[dir]
	return p, ok
}

func (h *HintCache) Put(dir, parentDir string) {
	h.dirs[dir] = parentDir
}

func (h *HintCache) Invalidate(dir string) {
	delete(h.dirs, dir)
}
