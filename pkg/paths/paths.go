// Package paths resolves the directories the engine writes into and provides
// atomic file writes. Output locations follow OS conventions and can be
// overridden with AIPO_OUTPUT_DIR, AIPO_REPORTS_DIR, and AIPO_TRANSCRIPTS_DIR.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Env var overrides for output locations.
const (
	EnvOutputDir      = "AIPO_OUTPUT_DIR"
	EnvReportsDir     = "AIPO_REPORTS_DIR"
	EnvTranscriptsDir = "AIPO_TRANSCRIPTS_DIR"
)

// Layout holds the resolved output directories for a run.
type Layout struct {
	// Output is the root output directory. Reports, Transcripts, Evidence,
	// Cache, and Sessions default to subdirectories of it.
	Output      string
	Reports     string
	Transcripts string
	Evidence    string
	Cache       string
	Sessions    string
}

// Resolve builds the directory layout. base is the CLI-provided output dir;
// empty means use AIPO_OUTPUT_DIR, then "./aipo-out". Env overrides for
// reports and transcripts beat the derived defaults.
func Resolve(base string) Layout {
	if base == "" {
		base = os.Getenv(EnvOutputDir)
	}
	if base == "" {
		base = "aipo-out"
	}

	l := Layout{
		Output:      base,
		Reports:     filepath.Join(base, "reports"),
		Transcripts: filepath.Join(base, "transcripts"),
		Evidence:    filepath.Join(base, "evidence"),
		Cache:       filepath.Join(base, "cache"),
		Sessions:    filepath.Join(base, "sessions"),
	}
	if v := os.Getenv(EnvReportsDir); v != "" {
		l.Reports = v
	}
	if v := os.Getenv(EnvTranscriptsDir); v != "" {
		l.Transcripts = v
	}
	return l
}

// EnsureAll creates every directory in the layout.
func (l Layout) EnsureAll() error {
	for _, dir := range []string{l.Output, l.Reports, l.Transcripts, l.Evidence, l.Cache, l.Sessions} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by fsync and rename, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	return nil
}
