package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/nthall/editsync/internal/workspace"
)

// ResourceGroup is one bucket of changed resources reported by a
// repository (index, worktree, untracked, ...). Paths are absolute. A
// resource may legitimately appear in more than one group.
type ResourceGroup struct {
	Name  string
	Paths []string
}

// Repository is one tracked source-control repository, as enumerated by
// the source-control provider.
type Repository interface {
	// Root is the absolute path of the repository worktree.
	Root() string
	// ChangedResources returns the repository's currently
	// modified/added/deleted resources grouped by state.
	ChangedResources(ctx context.Context) ([]ResourceGroup, error)
}

// ChangeSetBuilder captures the uncommitted edits of all tracked
// repositories into portable session folders.
type ChangeSetBuilder struct {
	provider IdentityProvider
	logger   *slog.Logger
}

// NewChangeSetBuilder creates a builder that fetches folder identities
// from the given provider.
func NewChangeSetBuilder(provider IdentityProvider, logger *slog.Logger) *ChangeSetBuilder {
	return &ChangeSetBuilder{provider: provider, logger: logger}
}

// Build scans every repository and produces one session Folder per
// workspace folder that owns changed resources. The second return value
// is the number of resources examined across all repositories: zero
// means there is nothing to store.
//
// Repositories are scanned in parallel into per-repo slots; aggregation
// and identity resolution happen afterwards, so a slow identity lookup
// never stalls the scan fan-out. Identities are resolved once per
// distinct folder.
func (b *ChangeSetBuilder) Build(ctx context.Context, repos []Repository, locals []*workspace.Folder) ([]Folder, int, error) {
	scans := make([][]capture, len(repos))
	counts := make([]int, len(repos))

	g, gctx := errgroup.WithContext(ctx)
	for i, repo := range repos {
		i, repo := i, repo
		g.Go(func() error {
			captures, count, err := b.scanRepository(gctx, repo, locals)
			if err != nil {
				return err
			}
			scans[i] = captures
			counts[i] = count
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	examined := 0
	for _, count := range counts {
		examined += count
	}

	byFolder := make(map[string]*Folder)
	owners := make(map[string]*workspace.Folder)
	var order []string

	for _, captures := range scans {
		for _, c := range captures {
			folder, ok := byFolder[c.owner.Name]
			if !ok {
				folder = &Folder{Name: c.owner.Name}
				byFolder[c.owner.Name] = folder
				owners[c.owner.Name] = c.owner
				order = append(order, c.owner.Name)
			}
			folder.WorkingChanges = append(folder.WorkingChanges, c.change)
		}
	}

	folders := make([]Folder, 0, len(order))
	for _, name := range order {
		identity, err := b.provider.Identify(ctx, owners[name])
		if err != nil {
			return nil, 0, fmt.Errorf("identifying %s: %w", name, err)
		}
		folder := byFolder[name]
		folder.CanonicalIdentity = identity
		folders = append(folders, *folder)
	}
	return folders, examined, nil
}

// capture is one change bound to the workspace folder that owns it.
type capture struct {
	owner  *workspace.Folder
	change Change
}

// scanRepository turns one repository's changed-resource set into
// changes relative to each resource's owning workspace folder.
func (b *ChangeSetBuilder) scanRepository(ctx context.Context, repo Repository, locals []*workspace.Folder) ([]capture, int, error) {
	groups, err := repo.ChangedResources(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("enumerating changes in %s: %w", repo.Root(), err)
	}

	// Union across groups: the same resource can sit in more than one
	// group (staged and unstaged edits to one file) and must be captured
	// once. Sorted for a deterministic snapshot.
	seen := make(map[string]bool)
	var paths []string
	for _, group := range groups {
		for _, path := range group.Paths {
			if seen[path] {
				continue
			}
			seen[path] = true
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	var captures []capture
	examined := 0
	for _, absPath := range paths {
		folder, relPath := owningFolder(locals, absPath)
		if folder == nil {
			b.logger.Info("skipping resource outside any workspace folder",
				slog.String("path", absPath),
			)
			continue
		}
		examined++

		exists, err := folder.Exists(relPath)
		if err != nil {
			return nil, 0, fmt.Errorf("checking %s: %w", relPath, err)
		}
		if !exists {
			captures = append(captures, capture{owner: folder, change: NewDeletion(relPath)})
			continue
		}

		isFile, err := folder.IsFile(relPath)
		if err != nil {
			return nil, 0, fmt.Errorf("checking %s: %w", relPath, err)
		}
		if !isFile {
			b.logger.Debug("skipping non-regular-file resource", slog.String("path", relPath))
			continue
		}

		content, err := folder.ReadFile(relPath)
		if err != nil {
			return nil, 0, fmt.Errorf("reading %s: %w", relPath, err)
		}
		captures = append(captures, capture{owner: folder, change: NewAddition(relPath, content)})
	}

	return captures, examined, nil
}

// owningFolder resolves the workspace folder containing an absolute
// path, in workspace order.
func owningFolder(locals []*workspace.Folder, absPath string) (*workspace.Folder, string) {
	for _, folder := range locals {
		if rel, ok := folder.Contains(absPath); ok {
			return folder, rel
		}
	}
	return nil, ""
}
