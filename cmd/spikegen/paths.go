package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/spikegen/internal/nvcc"
)

const (
	envSpikegenOutDir = "SPIKEGEN_OUT_DIR"
	envSpikegenNvcc   = "SPIKEGEN_NVCC"
)

// resolveOutDir picks the directory generated sources go to. An explicit
// flag wins; otherwise the model gets its own directory under
// $SPIKEGEN_OUT_DIR, or ./out when that is unset.
func resolveOutDir(outFlag, modelName string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		return filepath.Clean(outFlag), nil
	}

	name := strings.TrimSpace(modelName)
	if name == "" || name == "." || strings.ContainsRune(name, filepath.Separator) {
		return "", fmt.Errorf("invalid model name for output directory: %q", modelName)
	}

	root := strings.TrimSpace(os.Getenv(envSpikegenOutDir))
	if root == "" {
		root = filepath.Join(".", "out")
	}
	return filepath.Join(root, name), nil
}

// resolveServeOutDir is the root under which the server writes one
// directory per run.
func resolveServeOutDir(outFlag string) string {
	if s := strings.TrimSpace(outFlag); s != "" {
		return filepath.Clean(s)
	}
	if s := strings.TrimSpace(os.Getenv(envSpikegenOutDir)); s != "" {
		return s
	}
	return filepath.Join(".", "out", "runs")
}

func resolveNvccPath(flag string) string {
	if s := strings.TrimSpace(flag); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(envSpikegenNvcc)); s != "" {
		return s
	}
	return nvcc.DefaultPath
}

// resolveStorePath defaults the sqlite database to the user cache
// directory.
func resolveStorePath(flag string) (string, error) {
	if s := strings.TrimSpace(flag); s != "" {
		return filepath.Clean(s), nil
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("--store-path is required: %w", err)
	}
	return filepath.Join(dir, "spikegen", "tunings.db"), nil
}
