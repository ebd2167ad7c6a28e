package producer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResetFailure records one entry that could not be removed.
type ResetFailure struct {
	Path string
	Err  error
}

// ResetError aggregates every deletion failure of a reset. It is the only
// error shape ResetDir returns, so callers can tell I/O trouble apart from
// producer logic failures with errors.As.
type ResetError struct {
	Dir      string
	Failures []ResetFailure
}

func (e *ResetError) Error() string {
	if len(e.Failures) == 1 {
		f := e.Failures[0]
		return fmt.Sprintf("reset %s: %s: %v", e.Dir, f.Path, f.Err)
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Path, f.Err)
	}
	return fmt.Sprintf("reset %s: %d entries could not be removed: %s", e.Dir, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *ResetError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Paths lists the entries that could not be removed.
func (e *ResetError) Paths() []string {
	paths := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		paths[i] = f.Path
	}
	return paths
}

// ResetDir removes every file and subdirectory directly inside dir, leaving
// dir itself in place. Symbolic links are removed as links; their targets are
// never touched. Every failure is collected rather than stopping at the first.
func ResetDir(dir string) error {
	return resetDir(dir, removeEntry)
}

func removeEntry(path string, entry os.DirEntry) error {
	if entry.Type()&os.ModeSymlink != 0 || !entry.IsDir() {
		return os.Remove(path)
	}
	return os.RemoveAll(path)
}

func resetDir(dir string, remove func(string, os.DirEntry) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
				return &ResetError{Dir: dir, Failures: []ResetFailure{{Path: dir, Err: mkErr}}}
			}
			return nil
		}
		return &ResetError{Dir: dir, Failures: []ResetFailure{{Path: dir, Err: err}}}
	}

	var failures []ResetFailure
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if err := remove(path, entry); err != nil {
			failures = append(failures, ResetFailure{Path: path, Err: err})
		}
	}
	if len(failures) > 0 {
		return &ResetError{Dir: dir, Failures: failures}
	}
	return nil
}
