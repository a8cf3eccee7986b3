package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nthall/editsync/internal/workspace"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRepo is a Repository with a fixed changed-resource set.
type fakeRepo struct {
	root   string
	groups []ResourceGroup
	err    error
}

func (f *fakeRepo) Root() string { return f.root }

func (f *fakeRepo) ChangedResources(ctx context.Context) ([]ResourceGroup, error) {
	return f.groups, f.err
}

// testFolder creates a workspace folder in a temp dir with the given
// files.
func testFolder(t *testing.T, name string, files map[string]string) *workspace.Folder {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return workspace.NewFolder(name, dir)
}

func abs(f *workspace.Folder, rel string) string {
	return filepath.Join(f.Root, filepath.FromSlash(rel))
}
