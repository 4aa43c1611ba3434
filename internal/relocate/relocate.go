// Package relocate moves finished results from the scratch area into the
// final output tree. Policy: copy-merge with per-file checksum verification,
// then delete the scratch copy. New files overwrite same-named old files;
// unrelated old files at the destination are left untouched. On any failure
// the scratch copy is retained so no data is lost.
package relocate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Relocate merges the contents of scratchPath into finalPath and removes
// scratchPath on success. Call only after the unit's tool reported success.
func Relocate(scratchPath, finalPath string) error {
	info, err := os.Stat(scratchPath)
	if err != nil {
		return fmt.Errorf("stat scratch: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scratch path %s is not a directory", scratchPath)
	}
	if _, err := os.Stat(finalPath); err == nil {
		log.Warn().Str("dest", finalPath).Msg("destination exists, same-named content will be overwritten")
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("create destination parent: %w", err)
	}

	err = filepath.WalkDir(scratchPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(scratchPath, path)
		if err != nil {
			return err
		}
		dest := filepath.Join(finalPath, rel)
		if d.IsDir() {
			return os.MkdirAll(dest, 0755)
		}
		if _, err := os.Stat(dest); err == nil {
			log.Warn().Str("file", dest).Msg("overwriting existing file")
		}
		return copyVerified(path, dest)
	})
	if err != nil {
		return fmt.Errorf("relocate %s: %w", scratchPath, err)
	}

	if err := os.RemoveAll(scratchPath); err != nil {
		return fmt.Errorf("remove scratch: %w", err)
	}
	log.Info().Str("from", scratchPath).Str("to", finalPath).Msg("results relocated")
	return nil
}

// copyVerified copies src to dst and compares SHA-256 checksums afterwards.
// A mismatched copy is removed before reporting the error.
func copyVerified(src, dst string) error {
	want, err := checksum(src)
	if err != nil {
		return fmt.Errorf("checksum source: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination: %w", err)
	}
	got, err := checksum(dst)
	if err != nil {
		return fmt.Errorf("checksum destination: %w", err)
	}
	if got != want {
		_ = os.Remove(dst)
		return fmt.Errorf("checksum mismatch copying %s: expected %s, got %s", src, want, got)
	}
	return nil
}

func checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
