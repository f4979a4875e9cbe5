package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrWorkspaceBusy indicates another run holds the workspace.
var ErrWorkspaceBusy = errors.New("workspace is locked by another run")

// workspaceLock serializes pipeline runs per workspace. Concurrent runs
// against one workspace would corrupt the staging state, so a second
// invocation fails fast instead.
type workspaceLock struct {
	path string
}

func acquireLock(workspace string) (*workspaceLock, error) {
	path := filepath.Join(workspace, ".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrWorkspaceBusy, path)
		}
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	fmt.Fprintf(f, "%s\n", strconv.Itoa(os.Getpid()))
	f.Close()
	return &workspaceLock{path: path}, nil
}

func (l *workspaceLock) Release() {
	os.Remove(l.path)
}
