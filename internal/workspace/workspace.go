// Package workspace models the set of locally open workspace folders and
// provides thread-safe filesystem access rooted at each folder.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Folder is one open workspace folder. Name is the display name declared
// when the workspace was opened; Root is the absolute directory path.
type Folder struct {
	Name string
	Root string

	mu *sync.RWMutex
}

// NewFolder creates a workspace folder rooted at the given absolute
// directory.
func NewFolder(name, root string) *Folder {
	return &Folder{Name: name, Root: root, mu: &sync.RWMutex{}}
}

// ReadFile reads a file by relative path.
func (f *Folder) ReadFile(relPath string) ([]byte, error) {
	absPath, err := f.Resolve(relPath)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	return os.ReadFile(absPath)
}

// WriteFile writes content to a file by relative path, creating parent
// directories as needed.
func (f *Folder) WriteFile(relPath string, data []byte) error {
	absPath, err := f.Resolve(relPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", relPath, err)
	}

	return os.WriteFile(absPath, data, 0644)
}

// DeleteFile removes a file by relative path. Returns nil if the file
// does not exist.
func (f *Folder) DeleteFile(relPath string) error {
	absPath, err := f.Resolve(relPath)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err = os.Remove(absPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", relPath, err)
	}
	return nil
}

// Exists reports whether a regular file or directory exists at the
// relative path.
func (f *Folder) Exists(relPath string) (bool, error) {
	absPath, err := f.Resolve(relPath)
	if err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	_, err = os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsFile reports whether the relative path is a regular file. Missing
// paths report false with no error.
func (f *Folder) IsFile(relPath string) (bool, error) {
	absPath, err := f.Resolve(relPath)
	if err != nil {
		return false, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Contains reports whether the absolute path lies inside this folder, and
// if so returns the normalized relative path.
func (f *Folder) Contains(absPath string) (string, bool) {
	if absPath == f.Root {
		return "", false
	}
	prefix := f.Root + string(os.PathSeparator)
	if !strings.HasPrefix(absPath, prefix) {
		return "", false
	}
	return NormalizePath(filepath.ToSlash(strings.TrimPrefix(absPath, prefix))), true
}

// Resolve converts a relative path to an absolute path within the folder,
// rejecting path traversal attempts. Session snapshots carry attacker-
// influenceable relative paths, so every filesystem operation goes
// through this check.
func (f *Folder) Resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty path")
	}
	absPath := filepath.Join(f.Root, filepath.FromSlash(relPath))
	if !strings.HasPrefix(absPath, f.Root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal blocked: %q resolves outside folder %s", relPath, f.Name)
	}
	return absPath, nil
}

// NormalizePath canonicalizes a slash-separated relative path: replaces
// non-breaking spaces with regular spaces, collapses repeated slashes,
// trims leading/trailing slashes, and applies Unicode NFC normalization.
// Call this on every path entering a snapshot so captures from different
// platforms compare equal.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	// Collapse multiple slashes and trim leading/trailing.
	var b strings.Builder
	prevSlash := false
	for _, r := range path {
		if r == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteRune(r)
	}
	path = strings.Trim(b.String(), "/")

	return norm.NFC.String(path)
}
