package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Cmd describes a single external tool invocation.
type Cmd struct {
	Path string   // executable name or path
	Args []string // arguments, excluding argv[0]
	Dir  string   // working directory; empty means inherit
	Env  []string // extra environment entries appended to the parent env
}

// Result carries the structured outcome of an invocation. Status is the
// process exit code; a nonzero Status is not an error at this layer.
type Result struct {
	Status int
	Stdout []byte
	Stderr []byte
}

// Runner executes external tools. Implementations must be safe to call
// sequentially; the pipeline never invokes a Runner concurrently.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (*Result, error)
}

// Exec is the production Runner backed by os/exec.
type Exec struct{}

func NewExec() *Exec {
	return &Exec{}
}

func (e *Exec) Run(ctx context.Context, cmd Cmd) (*Result, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()
	res := &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Status = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("exec %s: %w", cmd.Path, err)
	}
	return res, nil
}

// String renders the command line for diagnostics.
func (c Cmd) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}
