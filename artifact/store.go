// Package artifact locates the files the fetch tool writes for a task.
//
// Every file belonging to a task is named "<task id>.<something>" inside one
// output directory: the finished file, the ".part" file yt-dlp writes while a
// download is in progress, fragment files and ".ytdl" resume sidecars.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const extPlaceholder = "%(ext)s"

var ErrInvalidID = errors.New("invalid task id")

type Store struct {
	fs  afero.Fs
	dir string
}

func NewStore(fs afero.Fs, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &Store{fs: fs, dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Template is the yt-dlp output template for a task.
func (s *Store) Template(taskID string) string {
	return filepath.Join(s.dir, taskID+"."+extPlaceholder)
}

// Files lists every artifact carrying the task's id prefix.
func (s *Store) Files(taskID string) ([]string, error) {
	if err := validateID(taskID); err != nil {
		return nil, err
	}
	return afero.Glob(s.fs, filepath.Join(s.dir, taskID+".*"))
}

// Size sums the bytes of the task's media artifacts, partial or final.
func (s *Store) Size(taskID string) (int64, error) {
	files, err := s.Files(taskID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, name := range files {
		if isSidecar(name) {
			continue
		}
		info, err := s.fs.Stat(name)
		if err != nil {
			if os.IsNotExist(err) {
				// renamed from .part to its final name between Glob and Stat
				continue
			}
			return 0, err
		}
		if info.IsDir() {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Final returns the finished output file, if the fetch tool produced one.
func (s *Store) Final(taskID string) (string, bool) {
	files, err := s.Files(taskID)
	if err != nil {
		return "", false
	}
	for _, name := range files {
		if isPartial(name) || isSidecar(name) {
			continue
		}
		return name, true
	}
	return "", false
}

// Remove deletes every artifact of the task. Missing files are not an error.
func (s *Store) Remove(taskID string) error {
	files, err := s.Files(taskID)
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range files {
		if err := s.fs.RemoveAll(name); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateID(taskID string) error {
	if taskID == "" || strings.ContainsAny(taskID, `*?[]\/`) || strings.Contains(taskID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, taskID)
	}
	return nil
}

func isPartial(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".part") ||
		strings.Contains(base, ".part-Frag") ||
		strings.HasSuffix(base, ".temp")
}

func isSidecar(name string) bool {
	return strings.HasSuffix(name, ".ytdl")
}
