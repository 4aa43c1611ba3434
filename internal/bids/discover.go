// Package bids inspects BIDS directory trees: session discovery and
// acquisition filename matching. All functions are read-only.
package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

const sessionPrefix = "ses-"

// Session is one discovered subject/session anatomical directory.
// SessionID is empty for session-less (subject-level) layouts.
type Session struct {
	SubjectID    string
	SessionID    string
	AnatDir      string
	HasValidData bool
}

// Discover lists the session subdirectories of root/subjectID that carry a
// non-empty anat directory. When no ses-* subdirectories exist it falls back
// to root/subjectID/anat as a single session-less entry. A missing subject
// directory is a warning, not an error: the batch continues with the rest.
func Discover(root, subjectID string) ([]Session, error) {
	subjectDir := filepath.Join(root, subjectID)
	entries, err := os.ReadDir(subjectDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("subject", subjectID).Str("dir", subjectDir).Msg("subject directory not found, skipping")
			return nil, nil
		}
		return nil, fmt.Errorf("read subject dir: %w", err)
	}

	var sessions []Session
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), sessionPrefix) {
			continue
		}
		anat := filepath.Join(subjectDir, e.Name(), "anat")
		sessions = append(sessions, Session{
			SubjectID:    subjectID,
			SessionID:    e.Name(),
			AnatDir:      anat,
			HasValidData: hasImageFiles(anat),
		})
	}

	if len(sessions) == 0 {
		anat := filepath.Join(subjectDir, "anat")
		return []Session{{
			SubjectID:    subjectID,
			AnatDir:      anat,
			HasValidData: hasImageFiles(anat),
		}}, nil
	}
	return sessions, nil
}

// SortSessions orders sessions lexicographically by session id. Discover
// itself follows filesystem listing order; callers that need reproducible
// job ordering sort explicitly.
func SortSessions(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].SessionID < sessions[j].SessionID
	})
}

func hasImageFiles(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if isImageName(e.Name()) {
			return true
		}
	}
	return false
}

func isImageName(name string) bool {
	return strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz")
}
