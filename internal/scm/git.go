// Package scm enumerates source-control repositories in the open
// workspace and derives canonical folder identities from their remotes.
package scm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nthall/editsync/internal/session"
	"github.com/nthall/editsync/internal/workspace"
)

// Git is the git-backed source-control provider. It implements both
// repository enumeration for the change-set builder and
// session.IdentityProvider for folder matching.
type Git struct {
	logger *slog.Logger
}

// New creates a git provider.
func New(logger *slog.Logger) *Git {
	return &Git{logger: logger}
}

// Repositories returns one repository per workspace folder that is a
// git worktree. Folders without a .git entry are quietly skipped; an
// open workspace folder is not required to be under source control.
func (g *Git) Repositories(ctx context.Context, folders []*workspace.Folder) ([]session.Repository, error) {
	var repos []session.Repository
	for _, folder := range folders {
		if _, err := os.Stat(filepath.Join(folder.Root, ".git")); err != nil {
			if os.IsNotExist(err) {
				g.logger.Debug("folder is not a git repository", slog.String("folder", folder.Name))
				continue
			}
			return nil, fmt.Errorf("checking %s: %w", folder.Name, err)
		}
		repos = append(repos, &repository{root: folder.Root})
	}
	return repos, nil
}

// Identify computes the canonical identity of a folder from its origin
// remote and current branch: "<normalized-remote>#<branch>". Folders
// that are not git repositories, have no origin remote, or are on a
// detached HEAD identify as "<normalized-remote>" or "" (absent).
//
// The identity survives folder renames and relocations because it is
// derived from the remote, not the local path.
func (g *Git) Identify(ctx context.Context, folder *workspace.Folder) (string, error) {
	remote, err := gitOutput(ctx, folder.Root, "remote", "get-url", "origin")
	if err != nil {
		// No remote (or not a repository at all) means no identity, not
		// a failure: the matcher falls back to other folders.
		g.logger.Debug("no canonical identity for folder",
			slog.String("folder", folder.Name),
			slog.String("reason", err.Error()),
		)
		return "", nil
	}

	identity := NormalizeRemoteURL(remote)
	if identity == "" {
		return "", nil
	}

	branch, err := gitOutput(ctx, folder.Root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil || branch == "HEAD" {
		// Detached HEAD: identity is the remote alone.
		return identity, nil
	}
	return identity + "#" + branch, nil
}

// Classify compares two identities that were not byte-equal. Identities
// with the same normalized remote but different branches are a partial
// match: same project, different line of work.
func (g *Git) Classify(ctx context.Context, localIdentity, remoteIdentity string) (session.Classification, error) {
	localRemote, _, _ := strings.Cut(localIdentity, "#")
	remoteRemote, _, _ := strings.Cut(remoteIdentity, "#")
	if localRemote == "" || remoteRemote == "" {
		return session.ClassifyNone, nil
	}
	if localRemote == remoteRemote {
		return session.ClassifyPartial, nil
	}
	return session.ClassifyNone, nil
}

// NormalizeRemoteURL canonicalizes a git remote URL so the same
// repository compares equal across clone styles: scp-like SSH syntax is
// rewritten to https form, the scheme and ".git" suffix are dropped,
// and the host is lowercased.
func NormalizeRemoteURL(raw string) string {
	url := strings.TrimSpace(raw)
	if url == "" {
		return ""
	}

	// scp-like syntax: git@github.com:me/repo.git
	if !strings.Contains(url, "://") {
		if user, rest, found := strings.Cut(url, "@"); found && !strings.Contains(user, "/") {
			url = strings.Replace(rest, ":", "/", 1)
		}
	} else {
		_, url, _ = strings.Cut(url, "://")
		// Drop user info from ssh://git@host/path.
		if at := strings.Index(url, "@"); at != -1 && at < strings.Index(url+"/", "/") {
			url = url[at+1:]
		}
	}

	url = strings.TrimSuffix(url, ".git")
	url = strings.TrimSuffix(url, "/")

	host, path, found := strings.Cut(url, "/")
	if !found {
		return strings.ToLower(url)
	}
	// Strip a port-less ssh ":" artifact and lowercase the host only;
	// repository paths are case-sensitive on most forges.
	return strings.ToLower(host) + "/" + path
}

// repository is one git worktree.
type repository struct {
	root string
}

func (r *repository) Root() string { return r.root }

// ChangedResources parses `git status --porcelain=v1 -z` into resource
// groups. The same file can appear in both the index and worktree
// groups; the builder deduplicates.
func (r *repository) ChangedResources(ctx context.Context) ([]session.ResourceGroup, error) {
	out, err := gitRawOutput(ctx, r.root, "status", "--porcelain=v1", "-z")
	if err != nil {
		return nil, fmt.Errorf("git status in %s: %w", r.root, err)
	}
	return parsePorcelain(r.root, out)
}

// parsePorcelain splits NUL-terminated porcelain v1 records into index,
// worktree, untracked, and unmerged groups of absolute paths. Rename
// and copy records carry a second NUL-terminated origin path, captured
// as part of the index group (the origin no longer exists on disk, so
// the builder records it as a deletion).
func parsePorcelain(root string, out []byte) ([]session.ResourceGroup, error) {
	groups := map[string]*session.ResourceGroup{
		"index":     {Name: "index"},
		"worktree":  {Name: "worktree"},
		"untracked": {Name: "untracked"},
		"unmerged":  {Name: "unmerged"},
	}

	records := strings.Split(string(out), "\x00")
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec == "" {
			continue
		}
		if len(rec) < 4 {
			return nil, fmt.Errorf("malformed status record %q", rec)
		}

		x, y := rec[0], rec[1]
		path := filepath.Join(root, filepath.FromSlash(rec[3:]))

		switch {
		case x == '?' && y == '?':
			addPath(groups["untracked"], path)
		case x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D'):
			addPath(groups["unmerged"], path)
		default:
			if x != ' ' {
				addPath(groups["index"], path)
			}
			if y != ' ' {
				addPath(groups["worktree"], path)
			}
		}

		// Renames and copies are followed by the origin path record.
		if x == 'R' || x == 'C' {
			i++
			if i < len(records) && records[i] != "" {
				addPath(groups["index"], filepath.Join(root, filepath.FromSlash(records[i])))
			}
		}
	}

	result := make([]session.ResourceGroup, 0, len(groups))
	for _, name := range []string{"index", "worktree", "untracked", "unmerged"} {
		if len(groups[name].Paths) > 0 {
			result = append(result, *groups[name])
		}
	}
	return result, nil
}

func addPath(group *session.ResourceGroup, path string) {
	group.Paths = append(group.Paths, path)
}

// gitOutput runs a git command and returns its trimmed stdout.
func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := gitRawOutput(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitRawOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}
