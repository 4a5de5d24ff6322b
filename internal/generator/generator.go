// Package generator turns a finalized network into C++/CUDA sources using a
// backend for every device-specific decision.
package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/spikegen/internal/backend"
	"github.com/samcharles93/spikegen/internal/codegen"
	"github.com/samcharles93/spikegen/internal/logger"
	"github.com/samcharles93/spikegen/internal/metrics"
	"github.com/samcharles93/spikegen/internal/model"
)

// Modules are the generated files that contain device code, in the order
// they are compiled.
var Modules = []string{"neuronUpdate", "synapseUpdate", "init"}

const (
	DefinitionsFile = "definitions.h"
	RunnerFile      = "runner.cc"
)

// File is one generated source.
type File struct {
	Name    string
	Content string
}

// Generator writes the sources for a model into a directory.
type Generator struct {
	Log logger.Logger
}

// Generate is a backend.Generator that uses the default generator.
func Generate(ctx context.Context, m *model.Network, b backend.Backend, outDir string) ([]string, error) {
	return (&Generator{}).Generate(ctx, m, b, outDir)
}

var _ backend.Generator = Generate

// Emit renders every file in memory.
func (g *Generator) Emit(m *model.Network, b backend.Backend) ([]File, error) {
	if err := m.CheckFinalized(); err != nil {
		return nil, err
	}
	h := &handlers{m: m, b: b}

	defs, runner, err := emitRunner(m, b)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	files := []File{
		{Name: DefinitionsFile, Content: defs},
		{Name: RunnerFile, Content: runner},
	}

	modules := []struct {
		name string
		gen  func(os *codegen.Stream) error
	}{
		{Modules[0], func(os *codegen.Stream) error { return b.GenNeuronUpdate(os, m, h.neuronUpdate) }},
		{Modules[1], func(os *codegen.Stream) error { return b.GenSynapseUpdate(os, m, h.synapseUpdate()) }},
		{Modules[2], func(os *codegen.Stream) error { return b.GenInit(os, m, h.init()) }},
	}
	for _, mod := range modules {
		os := codegen.NewStream()
		os.Line("#include \"%s\"", DefinitionsFile)
		os.Blank()
		genSupportCode(os, m, mod.name)
		if err := mod.gen(os); err != nil {
			return nil, fmt.Errorf("%s: %w", mod.name, err)
		}
		files = append(files, File{Name: mod.name + ".cc", Content: os.String()})
	}
	return files, nil
}

// genSupportCode places user support code in a namespace per group so the
// same helper name can appear in several groups.
func genSupportCode(os *codegen.Stream, m *model.Network, module string) {
	emit := func(owner, code string) {
		if code == "" {
			return
		}
		os.Block(fmt.Sprintf("namespace %s_%s", owner, module), func() {
			writeCode(os, code)
		})
		os.Blank()
	}
	switch module {
	case Modules[0]:
		for _, ng := range m.NeuronGroups {
			emit(ng.Name, ng.SupportCode)
		}
	case Modules[1]:
		for _, sg := range m.SynapseGroups {
			emit(sg.Name, sg.SupportCode)
		}
	}
}

// Generate writes every file to outDir and returns the device modules.
// Files are written to a temporary name and renamed so a concurrent
// compiler never sees a partial file.
func (g *Generator) Generate(ctx context.Context, m *model.Network, b backend.Backend, outDir string) ([]string, error) {
	log := g.Log
	if log == nil {
		log = logger.Discard()
	}
	files, err := g.Emit(m, b)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	unlock, err := lockDir(outDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = unlock() }()

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(4)
	for _, f := range files {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return writeFile(filepath.Join(outDir, f.Name), f.Content)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for _, f := range files {
		metrics.AddGeneratedBytes(f.Name, len(f.Content))
	}
	log.Debug("generated sources", "dir", outDir, "files", len(files), "backend", b.Name())
	return append([]string(nil), Modules...), nil
}

func writeFile(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
