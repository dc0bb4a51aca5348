package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/halink/internal/defaults"
)

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if !wrote {
		fmt.Fprintf(w, "%s already exists, leaving it alone\n", configPath)
		return nil
	}
	fmt.Fprintf(w, "wrote %s\n", configPath)
	fmt.Fprintln(w, "Set homeassistant.url and export HOMEASSISTANT_TOKEN, then run: halink -config "+configPath+" states")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist. It reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
