package buildrec

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Record is one machine-generated build command record, associating a
// compiled target with the command line that produced it.
type Record struct {
	ObjectPath string // target path relative to the tree root
	Dir        string // directory of the record file, relative to the root
	Text       string // link-relevant record text, dependency metadata stripped
}

// Store lazily indexes per-directory build records under a kernel output
// tree. It is read-only for the duration of a pipeline run.
type Store struct {
	root  string
	log   *slog.Logger
	dirs  map[string][]Record // dir -> parsed records, populated on first touch
	cache *IndexCache         // optional persistent index, may be nil
}

func NewStore(root string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		root: root,
		log:  log,
		dirs: make(map[string][]Record),
	}
}

// WithCache attaches a persistent index cache. Records already cached for
// the current tree digest are served without re-reading record files.
func (s *Store) WithCache(c *IndexCache) *Store {
	s.cache = c
	return s
}

// Root returns the tree root the store indexes.
func (s *Store) Root() string {
	return s.root
}

// LoadDir parses every record file in one directory (non-recursive),
// caching the result for the rest of the run.
func (s *Store) LoadDir(dir string) ([]Record, error) {
	dir = filepath.Clean(dir)
	if recs, ok := s.dirs[dir]; ok {
		return recs, nil
	}
	if s.cache != nil {
		if recs, ok := s.cache.Dir(dir); ok {
			s.dirs[dir] = recs
			return recs, nil
		}
	}

	abs := filepath.Join(s.root, dir)
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.dirs[dir] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("read record dir %s: %w", dir, err)
	}

	var recs []Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !isRecordFile(name) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(abs, name))
		if err != nil {
			return nil, fmt.Errorf("read record %s: %w", name, err)
		}
		recs = append(recs, Record{
			ObjectPath: filepath.Join(dir, targetFromRecordName(name)),
			Dir:        dir,
			Text:       stripDependencyMetadata(string(raw)),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ObjectPath < recs[j].ObjectPath })

	s.dirs[dir] = recs
	if s.cache != nil {
		if err := s.cache.PutDir(dir, recs); err != nil {
			s.log.Warn("record cache write failed", "dir", dir, "error", err)
		}
	}
	return recs, nil
}

// FindReferencing returns records in dir whose link text references the
// given object name, excluding the object's own record. Results are in
// lexical target order.
func (s *Store) FindReferencing(dir, objName string) ([]Record, error) {
	recs, err := s.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range recs {
		if filepath.Base(r.ObjectPath) == objName {
			continue
		}
		if referencesObject(r.Text, objName) {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllDirs walks the whole tree once and returns every directory that
// contains record files, relative to the root.
func (s *Store) AllDirs() ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(s.root), "**/.*.cmd")
	if err != nil {
		return nil, fmt.Errorf("scan record tree: %w", err)
	}
	seen := make(map[string]bool)
	var dirs []string
	for _, m := range matches {
		d := filepath.Dir(m)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// FindReferencingTree scans every record directory in the tree for records
// referencing objName. This is the expensive fallback path.
func (s *Store) FindReferencingTree(objName string) ([]Record, error) {
	dirs, err := s.AllDirs()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, d := range dirs {
		recs, err := s.FindReferencing(d, objName)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// isRecordFile reports whether name is a build record file (".<target>.cmd").
func isRecordFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".cmd")
}

// targetFromRecordName maps ".built-in.a.cmd" to "built-in.a".
func targetFromRecordName(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, "."), ".cmd")
}

// stripDependencyMetadata drops record lines that describe dependency
// bookkeeping rather than genuine link inputs. Build systems emit the
// target's source and header dependency lists into the same record file;
// those lines mention object names without implying a link edge.
func stripDependencyMetadata(text string) string {
	var b strings.Builder
	skipping := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if skipping {
			// Dependency lists continue across backslash-terminated lines.
			skipping = strings.HasSuffix(trimmed, "\\")
			continue
		}
		if strings.HasPrefix(trimmed, "deps_") || strings.HasPrefix(trimmed, "source_") {
			skipping = strings.HasSuffix(trimmed, "\\")
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// referencesObject reports whether the record text mentions objName as a
// distinct token. Matching is deliberately permissive about surrounding
// syntax but strict about token boundaries, so "lib.o" does not match
// "zlib.o".
func referencesObject(text, objName string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], objName)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(objName)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		idx = end
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	c := text[i-1]
	return c == ' ' || c == '\t' || c == '/' || c == '=' || c == ':' || c == '\n'
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	c := text[i]
	return c == ' ' || c == '\t' || c == '\n' || c == ';' || c == '\\' || c == ':'
}
