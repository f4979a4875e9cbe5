package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Script maps a command-line prefix to a canned result. The first script
// entry whose key is a prefix of the rendered command wins.
type Script map[string]*Result

// Fake is a scriptable Runner for tests. Unscripted commands succeed with
// empty output unless Strict is set.
type Fake struct {
	mu     sync.Mutex
	Script Script
	Strict bool
	Calls  []Cmd
}

func NewFake() *Fake {
	return &Fake{Script: Script{}}
}

// On registers a canned result for any command whose rendered command line
// starts with prefix.
func (f *Fake) On(prefix string, res *Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Script[prefix] = res
	return f
}

func (f *Fake) Run(_ context.Context, cmd Cmd) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmd)

	line := cmd.String()
	// Longest matching prefix wins, so overlapping scripts stay deterministic.
	var best string
	var bestRes *Result
	for prefix, res := range f.Script {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best, bestRes = prefix, res
		}
	}
	if bestRes != nil {
		return bestRes, nil
	}
	if f.Strict {
		return nil, fmt.Errorf("unscripted command: %s", line)
	}
	return &Result{}, nil
}

// CallLines returns the rendered command lines in invocation order.
func (f *Fake) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, len(f.Calls))
	for i, c := range f.Calls {
		lines[i] = c.String()
	}
	return lines
}
