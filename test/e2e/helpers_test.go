package e2e_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nthall/editsync/internal/scm"
	"github.com/nthall/editsync/internal/server"
	"github.com/nthall/editsync/internal/session"
	"github.com/nthall/editsync/internal/store"
	"github.com/nthall/editsync/internal/workspace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness runs an in-process store server and builds clients against
// it. Each test gets its own server and database.
type harness struct {
	t       *testing.T
	syncURL string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.OpenBolt(filepath.Join(t.TempDir(), "sessions.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{Store: st, Logger: quietLogger()}))
	t.Cleanup(srv.Close)

	return &harness{t: t, syncURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"}
}

// machine is one simulated workstation: a workspace folder over a git
// clone, plus a reconciler connected to the shared store.
type machine struct {
	folder *workspace.Folder
	repos  []session.Repository
	rec    *session.Reconciler
	client *store.Client
}

// newMachine wires a reconciler over the given checkout. confirm may be
// nil to decline any conflicting resume.
func (h *harness) newMachine(name, dir string, confirm session.ConfirmFunc) *machine {
	h.t.Helper()
	ctx := context.Background()

	folder := workspace.NewFolder(name, dir)
	git := scm.New(quietLogger())

	repos, err := git.Repositories(ctx, []*workspace.Folder{folder})
	require.NoError(h.t, err)
	require.Len(h.t, repos, 1)

	client, err := store.Dial(ctx, h.syncURL, "", quietLogger())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { client.Close() })

	rec := session.NewReconciler(client, git, []*workspace.Folder{folder}, confirm, quietLogger())

	return &machine{folder: folder, repos: repos, rec: rec, client: client}
}

func acceptAll(context.Context, []session.ConflictPreview) (bool, error) { return true, nil }

// initRepo creates a git repository with committed base files and a
// configured origin remote.
func initRepo(t *testing.T, remote, branch string, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	git(t, dir, "init", "-b", branch)
	git(t, dir, "remote", "add", "origin", remote)

	for rel, body := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	git(t, dir, "add", ".")
	git(t, dir, "commit", "-m", "initial")

	return dir
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writeFile(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

func fileExists(dir, rel string) bool {
	_, err := os.Stat(filepath.Join(dir, rel))
	return err == nil
}
