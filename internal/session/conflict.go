package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

// ConflictDetector decides whether applying an incoming change would
// silently overwrite different local content. Detection is whole-file:
// there is no textual merging, only an "is this destructive" verdict.
type ConflictDetector struct {
	logger *slog.Logger
}

// NewConflictDetector creates a detector.
func NewConflictDetector(logger *slog.Logger) *ConflictDetector {
	return &ConflictDetector{logger: logger}
}

// WouldOverwrite reports whether applying the resolved change would
// destroy a local edit. localChanged is the set of locally-modified
// relative paths in the change's folder: a path not in it has no local
// edit, so applying remote content there is always safe.
func (d *ConflictDetector) WouldOverwrite(ctx context.Context, localChanged map[string]bool, rc ResolvedChange) (bool, error) {
	relPath := rc.Change.RelativeFilePath
	if !localChanged[relPath] {
		return false, nil
	}

	switch rc.Change.Type {
	case ChangeAddition:
		incomingHash, localHash, localExists, err := d.hashBothSides(ctx, rc)
		if err != nil {
			return false, err
		}
		if !localExists {
			// The path is tracked as locally changed but the file is
			// gone: a local deletion the incoming addition would undo.
			return true, nil
		}
		return incomingHash != localHash, nil

	case ChangeDeletion:
		exists, err := rc.Folder.Exists(relPath)
		if err != nil {
			return false, fmt.Errorf("checking %s: %w", relPath, err)
		}
		return exists, nil

	default:
		// Decode validates change types, so this is unreachable for any
		// session that made it this far.
		panic(fmt.Sprintf("unhandled change type %q", rc.Change.Type))
	}
}

// hashBothSides digests the incoming content and the on-disk content
// concurrently and joins before producing a verdict.
func (d *ConflictDetector) hashBothSides(ctx context.Context, rc ResolvedChange) (incomingHash, localHash string, localExists bool, err error) {
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		content, err := rc.Change.DecodeContents()
		if err != nil {
			return err
		}
		incomingHash = ContentHash(content)
		return nil
	})

	g.Go(func() error {
		content, err := rc.Folder.ReadFile(rc.Change.RelativeFilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("reading local %s: %w", rc.Change.RelativeFilePath, err)
		}
		localExists = true
		localHash = ContentHash(content)
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", "", false, err
	}
	return incomingHash, localHash, localExists, nil
}

// ConflictPreview describes one conflicting change for the confirmation
// prompt, with a line diff when both sides are text.
type ConflictPreview struct {
	FolderName       string
	RelativeFilePath string
	Change           Change
	Diff             string
}

// Preview builds a ConflictPreview for a conflicting resolved change.
// The diff is best-effort: binary content or read failures leave it
// empty rather than failing the resume.
func (d *ConflictDetector) Preview(rc ResolvedChange) ConflictPreview {
	p := ConflictPreview{
		FolderName:       rc.Folder.Name,
		RelativeFilePath: rc.Change.RelativeFilePath,
		Change:           rc.Change,
	}
	if rc.Change.Type != ChangeAddition {
		return p
	}

	incoming, err := rc.Change.DecodeContents()
	if err != nil {
		return p
	}
	local, err := rc.Folder.ReadFile(rc.Change.RelativeFilePath)
	if err != nil {
		local = nil
	}
	if !looksTextual(incoming) || !looksTextual(local) {
		return p
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(local), string(incoming), true)
	dmp.DiffCleanupSemantic(diffs)
	p.Diff = dmp.DiffPrettyText(diffs)
	return p
}

func looksTextual(content []byte) bool {
	if len(content) == 0 {
		return true
	}
	if !utf8.Valid(content) {
		return false
	}
	for _, b := range content {
		if b == 0 {
			return false
		}
	}
	return true
}
