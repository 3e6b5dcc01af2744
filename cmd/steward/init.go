package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/steward/internal/defaults"
)

// runInit prepares a Steward working directory: the data directory and
// an example steward.yaml. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Steward workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// The config may carry backend API keys, so it is owner-only.
	configPath := filepath.Join(dir, "steward.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit steward.yaml to point at your backend, then run: steward serve")
	return nil
}

// writeIfMissing writes content to path only if nothing is there yet,
// reporting what it did to w.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
