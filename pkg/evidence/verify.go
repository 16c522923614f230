package evidence

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Verify opens a sealed evidence archive, recomputes every file hash, and
// compares against the embedded manifest. It returns the parsed manifest on
// success and a descriptive error on the first mismatch, missing file, or
// unmanifested extra file.
func Verify(archivePath string) (*Manifest, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", archivePath, err)
	}
	defer r.Close()

	var manifest *Manifest
	hashes := make(map[string]string)
	sizes := make(map[string]int64)

	for _, f := range r.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in archive: %w", f.Name, err)
		}
		if f.Name == manifestName {
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read manifest: %w", err)
			}
			manifest = &Manifest{}
			if err := json.Unmarshal(data, manifest); err != nil {
				return nil, fmt.Errorf("failed to parse manifest: %w", err)
			}
			continue
		}
		h := sha256.New()
		n, err := io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", f.Name, err)
		}
		hashes[f.Name] = hex.EncodeToString(h.Sum(nil))
		sizes[f.Name] = n
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive %s has no %s", archivePath, manifestName)
	}

	for _, entry := range manifest.Files {
		sum, ok := hashes[entry.Path]
		if !ok {
			return nil, fmt.Errorf("manifest lists %s but the archive does not contain it", entry.Path)
		}
		if sum != entry.SHA256 {
			return nil, fmt.Errorf("hash mismatch for %s: manifest %s, archive %s", entry.Path, entry.SHA256, sum)
		}
		if sizes[entry.Path] != entry.Size {
			return nil, fmt.Errorf("size mismatch for %s: manifest %d, archive %d", entry.Path, entry.Size, sizes[entry.Path])
		}
		delete(hashes, entry.Path)
	}
	for name := range hashes {
		return nil, fmt.Errorf("archive contains %s which the manifest does not list", name)
	}
	return manifest, nil
}
