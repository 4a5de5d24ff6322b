// Package nvcc runs the CUDA compiler on generated modules.
package nvcc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/samcharles93/spikegen/internal/logger"
)

var ErrCompileFailed = errors.New("nvcc compile failed")

// DefaultPath is used when no compiler path is configured.
const DefaultPath = "nvcc"

// Request compiles Dir/Module.cc into Dir/Module.cubin.
type Request struct {
	Dir    string
	Module string
	// Flags is a shell fragment, e.g. the output of Backend.CompilerFlags.
	Flags string
}

// LogPath is where the combined compiler output for req is written.
func (r Request) LogPath() string {
	return filepath.Join(r.Dir, r.Module+".nvcc.log")
}

func (r Request) CubinPath() string {
	return filepath.Join(r.Dir, r.Module+".cubin")
}

type Compiler interface {
	Compile(ctx context.Context, req Request) error
}

// NVCC invokes the nvcc binary through the shell so quoted flags such as
// -Xcompiler "-ffast-math" keep their meaning.
type NVCC struct {
	Path string
	Log  logger.Logger
	// Observe, when set, receives the wall time of every compile.
	Observe func(module string, elapsed time.Duration, err error)
}

func New(path string, log logger.Logger) *NVCC {
	if path == "" {
		path = DefaultPath
	}
	return &NVCC{Path: path, Log: logger.Component(log, "nvcc")}
}

// Command returns the shell command line for req.
func (c *NVCC) Command(req Request) string {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	src := filepath.Join(req.Dir, req.Module)
	return fmt.Sprintf("%s -cubin %s -o %s %s", shellQuote(path), req.Flags, shellQuote(src+".cubin"), shellQuote(src+".cc"))
}

// Compile runs nvcc and writes stdout and stderr to req.LogPath. A non-zero
// exit wraps ErrCompileFailed and carries the tail of the output.
func (c *NVCC) Compile(ctx context.Context, req Request) error {
	if req.Module == "" {
		return fmt.Errorf("nvcc: empty module name")
	}
	line := c.Command(req)
	log := c.Log
	if log == nil {
		log = logger.Discard()
	}
	log.Debug("compiling module", "module", req.Module, "command", line)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = req.Dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if err := os.WriteFile(req.LogPath(), out.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write compiler log: %w", err)
	}
	if runErr != nil {
		runErr = fmt.Errorf("%w: %s: %v\n%s", ErrCompileFailed, req.Module, runErr, tail(out.String(), 20))
	}
	if c.Observe != nil {
		c.Observe(req.Module, elapsed, runErr)
	}
	if runErr != nil {
		return runErr
	}
	log.Debug("compiled module", "module", req.Module, "elapsed", elapsed)
	return nil
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, lines int) string {
	s = strings.TrimRight(s, "\n")
	parts := strings.Split(s, "\n")
	if len(parts) > lines {
		parts = parts[len(parts)-lines:]
	}
	return strings.Join(parts, "\n")
}
