// Package evidence assembles the tamper-evident artifact bundle for a run:
// a staging directory that artifact writers fill incrementally, a manifest
// with per-file SHA-256 hashes, and a deterministically ordered ZIP archive
// sealed with an atomic rename.
package evidence

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aipo-project/aipo/pkg/models"
	"github.com/aipo-project/aipo/pkg/paths"
	"github.com/aipo-project/aipo/pkg/version"
)

const manifestName = "manifest.json"

// FileEntry is one hashed file in the manifest.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is the evidence pack index. Files lists every non-manifest file in
// the staging tree with its hash; the remaining fields identify the run.
type Manifest struct {
	RunID              string             `json:"run_id"`
	StartedAt          time.Time          `json:"started_at"`
	FinishedAt         time.Time          `json:"finished_at"`
	EngineVersion      string             `json:"engine_version"`
	AdapterFingerprint string             `json:"adapter_fingerprint,omitempty"`
	PolicyHash         string             `json:"policy_hash,omitempty"`
	GateResult         *models.GateResult `json:"gate_result,omitempty"`
	Files              []FileEntry        `json:"files"`
}

// Pack is an evidence bundle under construction.
type Pack struct {
	runID     string
	root      string
	startedAt time.Time
	logger    *slog.Logger
}

// NewPack creates the staging directory for runID under baseDir, with the
// subdirectories artifact writers expect.
func NewPack(baseDir, runID string, logger *slog.Logger) (*Pack, error) {
	if runID == "" {
		return nil, fmt.Errorf("evidence pack requires a run ID")
	}
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Join(baseDir, runID)
	for _, dir := range []string{root, filepath.Join(root, "reports"), filepath.Join(root, "transcripts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create staging directory %s: %w", dir, err)
		}
	}
	return &Pack{
		runID:     runID,
		root:      root,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}, nil
}

// Root returns the staging directory.
func (p *Pack) Root() string { return p.root }

// ReportsDir returns the staging subdirectory for summary.json and junit.xml.
func (p *Pack) ReportsDir() string { return filepath.Join(p.root, "reports") }

// TranscriptsDir returns the staging subdirectory for per-test transcripts.
func (p *Pack) TranscriptsDir() string { return filepath.Join(p.root, "transcripts") }

// AddFile writes data at the given relative path inside the staging tree.
func (p *Pack) AddFile(relPath string, data []byte) error {
	clean := filepath.Clean(relPath)
	if clean == manifestName || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("invalid evidence path %q", relPath)
	}
	return paths.WriteFileAtomic(filepath.Join(p.root, clean), data, 0o644)
}

// Seal walks the staging tree, writes the manifest, and packs everything into
// <runID>.zip next to the staging directory. The archive is written to a temp
// file, synced, and renamed so a crash never leaves a partial pack. Returns
// the archive path.
func (p *Pack) Seal(adapterFingerprint, policyHash string, gateResult *models.GateResult) (string, error) {
	files, err := hashTree(p.root)
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		RunID:              p.runID,
		StartedAt:          p.startedAt,
		FinishedAt:         time.Now().UTC(),
		EngineVersion:      version.Engine,
		AdapterFingerprint: adapterFingerprint,
		PolicyHash:         policyHash,
		GateResult:         gateResult,
		Files:              files,
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}
	manifestData = append(manifestData, '\n')
	if err := paths.WriteFileAtomic(filepath.Join(p.root, manifestName), manifestData, 0o644); err != nil {
		return "", err
	}

	archivePath := filepath.Join(filepath.Dir(p.root), p.runID+".zip")
	if err := p.writeArchive(archivePath, files); err != nil {
		return "", err
	}
	p.logger.Info("Evidence pack sealed",
		"run_id", p.runID, "archive", archivePath, "files", len(files))
	return archivePath, nil
}

// writeArchive packs the manifest plus every hashed file in sorted path order.
// Entries carry a fixed timestamp and no extended attributes, so packing the
// same tree twice yields byte-identical archives.
func (p *Pack) writeArchive(archivePath string, files []FileEntry) error {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "."+filepath.Base(archivePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	zw := zip.NewWriter(tmp)
	names := []string{manifestName}
	for _, f := range files {
		names = append(names, f.Path)
	}
	sort.Strings(names)

	stamp := p.startedAt.Truncate(time.Second)
	for _, name := range names {
		hdr := &zip.FileHeader{
			Name:     filepath.ToSlash(name),
			Method:   zip.Deflate,
			Modified: stamp,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			zw.Close()
			tmp.Close()
			return fmt.Errorf("failed to add %s to archive: %w", name, err)
		}
		src, err := os.Open(filepath.Join(p.root, name))
		if err != nil {
			zw.Close()
			tmp.Close()
			return fmt.Errorf("failed to open %s: %w", name, err)
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			zw.Close()
			tmp.Close()
			return fmt.Errorf("failed to write %s to archive: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmpName, archivePath); err != nil {
		return fmt.Errorf("failed to rename archive to %s: %w", archivePath, err)
	}
	return nil
}

// hashTree returns a sorted FileEntry per regular file under root, excluding
// the manifest itself.
func hashTree(root string) ([]FileEntry, error) {
	var files []FileEntry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifestName {
			return nil
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, FileEntry{Path: rel, SHA256: sum, Size: size})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk staging tree: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
