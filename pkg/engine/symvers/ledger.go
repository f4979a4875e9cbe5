package symvers

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

var (
	// ErrMalformedLedger indicates a ledger line with fewer than 4 fields.
	ErrMalformedLedger = errors.New("malformed symbol ledger")

	// ErrVersionConflict indicates the final module was built against a
	// symbol checksum that diverges from the target kernel's ledger.
	ErrVersionConflict = errors.New("symbol version conflict")
)

// Entry is one exported symbol's version record.
type Entry struct {
	CRC        string
	Name       string
	Module     string
	ExportKind string
}

// Ledger is one build's table of exported symbol versions. Symbol names
// are unique within a ledger; a duplicate keeps the first entry.
type Ledger struct {
	Path    string
	entries map[string]Entry
	names   []string
}

// Load parses a symbol ledger file. Lines are whitespace-separated with at
// least four fields: checksum, symbol, owning module, export kind. A
// shorter line is a hard error; extra trailing fields (namespace tags) are
// folded into the export kind.
func Load(path string) (*Ledger, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open symbol ledger: %w", err)
	}
	defer f.Close()

	l := &Ledger{Path: path, entries: make(map[string]Entry)}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineno := 0
	for sc.Scan() {
		lineno++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: %s:%d: %d fields", ErrMalformedLedger, path, lineno, len(fields))
		}
		e := Entry{
			CRC:        strings.TrimPrefix(fields[0], "0x"),
			Name:       fields[1],
			Module:     fields[2],
			ExportKind: strings.Join(fields[3:], " "),
		}
		if _, dup := l.entries[e.Name]; dup {
			continue
		}
		l.entries[e.Name] = e
		l.names = append(l.names, e.Name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read symbol ledger: %w", err)
	}
	return l, nil
}

// Lookup returns the entry for a symbol name.
func (l *Ledger) Lookup(name string) (Entry, bool) {
	e, ok := l.entries[name]
	return e, ok
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Names returns all symbol names in sorted order.
func (l *Ledger) Names() []string {
	out := make([]string, len(l.names))
	copy(out, l.names)
	sort.Strings(out)
	return out
}

// VersionWarning reports drift for one symbol between two builds.
type VersionWarning struct {
	Symbol string
	Field  string // "checksum", "module", or "export"
	Pre    string
	Post   string
}

func (w VersionWarning) String() string {
	return fmt.Sprintf("symbol %s: %s changed (%s -> %s)", w.Symbol, w.Field, w.Pre, w.Post)
}

// Compare reports, for every symbol present in both ledgers, any drift in
// checksum, owning module, or export kind. Drift here means the kernel's
// exported ABI surface shifted between the two builds; it is surfaced but
// not fatal.
func Compare(pre, post *Ledger) []VersionWarning {
	var warnings []VersionWarning
	for _, name := range pre.Names() {
		a := pre.entries[name]
		b, ok := post.entries[name]
		if !ok {
			continue
		}
		if a.CRC != b.CRC {
			warnings = append(warnings, VersionWarning{Symbol: name, Field: "checksum", Pre: a.CRC, Post: b.CRC})
		}
		if a.Module != b.Module {
			warnings = append(warnings, VersionWarning{Symbol: name, Field: "module", Pre: a.Module, Post: b.Module})
		}
		if a.ExportKind != b.ExportKind {
			warnings = append(warnings, VersionWarning{Symbol: name, Field: "export", Pre: a.ExportKind, Post: b.ExportKind})
		}
	}
	return warnings
}

// ValidateFinal checks the assembled module's versioned external references
// against the pre-patch ledger. moduleVersions maps referenced symbol names
// to the checksum recorded in the module at compile time. A checksum that
// diverges from the ledger is fatal: such a module must never be presented
// as loadable against the running kernel. Symbols absent from the ledger
// are left to the completeness check.
func ValidateFinal(moduleVersions map[string]string, pre *Ledger) error {
	names := make([]string, 0, len(moduleVersions))
	for name := range moduleVersions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry, ok := pre.entries[name]
		if !ok {
			continue
		}
		got := strings.TrimPrefix(moduleVersions[name], "0x")
		if got != entry.CRC {
			return fmt.Errorf("%w: %s compiled against %s, kernel exports %s",
				ErrVersionConflict, name, got, entry.CRC)
		}
	}
	return nil
}
