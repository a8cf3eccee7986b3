// Command editsync captures uncommitted working-directory edits into a
// session snapshot on a remote store, and resumes such snapshots into
// the locally open workspace.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nthall/editsync/internal/config"
	syncerrors "github.com/nthall/editsync/internal/errors"
	"github.com/nthall/editsync/internal/extensions"
	"github.com/nthall/editsync/internal/logging"
	"github.com/nthall/editsync/internal/scm"
	"github.com/nthall/editsync/internal/session"
	"github.com/nthall/editsync/internal/store"
	"github.com/nthall/editsync/internal/workspace"
)

var Version = "dev"

var forcePartials bool

var rootCmd = &cobra.Command{
	Use:          "editsync",
	Short:        "Sync uncommitted edits between machines via a session store",
	Version:      Version,
	SilenceUsage: true,
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Capture local uncommitted edits into a remote session snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runStore(cmd.Context())
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [ref]",
	Short: "Fetch a session snapshot and apply it to the open workspace",
	Long: `Fetch a session snapshot by reference (or the latest one when no
reference is given) and apply its changes to the matching local
workspace folders. Changes that would overwrite local edits are listed
and need explicit confirmation.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := ""
		if len(args) == 1 {
			ref = args[0]
		}
		return runResume(cmd.Context(), ref)
	},
}

var watchExtensionsCmd = &cobra.Command{
	Use:   "watch-extensions",
	Short: "Uninstall extensions referenced by no profile, re-checking on profile changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWatchExtensions(cmd.Context())
	},
}

func init() {
	resumeCmd.Flags().BoolVar(&forcePartials, "force", false,
		"accept partial folder matches (same repository, different branch)")
	rootCmd.AddCommand(storeCmd, resumeCmd, watchExtensionsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// env bundles the wired collaborators shared by store and resume.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	folders []*workspace.Folder
	repos   []session.Repository
	git     *scm.Git
}

func setup(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.Environment)

	cfgFolders, err := cfg.Folders()
	if err != nil {
		return nil, fmt.Errorf("parsing workspace folders: %w", err)
	}
	folders := make([]*workspace.Folder, 0, len(cfgFolders))
	for _, f := range cfgFolders {
		folders = append(folders, workspace.NewFolder(f.Name, f.Path))
	}

	if cfg.StoreURL == "" {
		return nil, fmt.Errorf("EDITSYNC_STORE_URL is not set")
	}

	git := scm.New(logger)
	repos, err := git.Repositories(ctx, folders)
	if err != nil {
		return nil, fmt.Errorf("enumerating repositories: %w", err)
	}

	return &env{cfg: cfg, logger: logger, folders: folders, repos: repos, git: git}, nil
}

// signIn obtains fresh store credentials after a rejected token.
// Overridable for tests.
var signIn = func() (string, error) {
	fmt.Fprint(os.Stderr, "Store rejected the token. Enter a new token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}

// withReconciler dials the store and runs op against a wired
// reconciler. When the store rejects the token, op is queued as a
// pending operation, the sign-in flow runs, and the queue drains once
// the gate completes, re-dialing with the fresh credentials.
func (e *env) withReconciler(ctx context.Context, op func(context.Context, *session.Reconciler) error) error {
	run := func(ctx context.Context) error {
		client, err := store.Dial(ctx, e.cfg.StoreURL, e.cfg.StoreToken, e.logger)
		if err != nil {
			return err
		}
		defer client.Close()
		return op(ctx, session.NewReconciler(client, e.git, e.folders, confirmOnTerminal, e.logger))
	}

	err := run(ctx)
	if !errors.Is(err, syncerrors.ErrUnauthorized) {
		return err
	}

	gate := session.NewSignInGate()
	queue := session.NewPendingQueue(gate)

	var opErr error
	queue.Defer(ctx, func(ctx context.Context) {
		opErr = run(ctx)
	})

	token, err := signIn()
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}
	e.cfg.StoreToken = token
	gate.Complete()

	if err := queue.Drain(ctx); err != nil {
		return err
	}
	if errors.Is(opErr, syncerrors.ErrUnauthorized) {
		return fmt.Errorf("store rejected the token again; check EDITSYNC_STORE_TOKEN")
	}
	return opErr
}

func runStore(ctx context.Context) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}

	return e.withReconciler(ctx, func(ctx context.Context, rec *session.Reconciler) error {
		result, err := rec.Store(ctx, e.repos)
		if err != nil {
			if errors.Is(err, syncerrors.ErrNoWorkspace) {
				return fmt.Errorf("no workspace folders configured; set EDITSYNC_WORKSPACE")
			}
			if errors.Is(err, syncerrors.ErrPayloadTooLarge) {
				return fmt.Errorf("session is too large for the store: %w", err)
			}
			return err
		}

		switch result.Outcome {
		case session.StoreStored:
			fmt.Printf("Stored %d change(s) across %d folder(s).\nReference: %s\n",
				result.Changes, result.Folders, result.Ref)
		case session.StoreNoEdits:
			fmt.Println("No uncommitted edits to store.")
		}

		return nil
	})
}

func runResume(ctx context.Context, ref string) error {
	e, err := setup(ctx)
	if err != nil {
		return err
	}

	return e.withReconciler(ctx, func(ctx context.Context, rec *session.Reconciler) error {
		return resumeWith(ctx, e, rec, ref)
	})
}

func resumeWith(ctx context.Context, e *env, rec *session.Reconciler, ref string) error {
	opts := session.MatchOptions{ApplyPartials: e.cfg.ApplyPartials, Force: forcePartials}

	result, err := rec.Resume(ctx, ref, e.repos, opts)
	if err != nil {
		if errors.Is(err, syncerrors.ErrNoWorkspace) {
			return fmt.Errorf("no workspace folders configured; set EDITSYNC_WORKSPACE")
		}
		return err
	}

	switch result.Outcome {
	case session.ResumeApplied:
		fmt.Printf("Applied %d change(s) from session %s.\n", result.Applied, result.Ref)
	case session.ResumeNothingToResume:
		fmt.Println("Nothing to resume.")
	case session.ResumeVersionRejected:
		return fmt.Errorf("session %s was stored by a newer client version", result.Ref)
	case session.ResumeNoMatchingFolder:
		fmt.Println("No open workspace folder matches the session.")
		printPartialAdvice(result.Partials)
	case session.ResumeDeclined:
		fmt.Println("Resume cancelled; no changes were applied.")
	}

	return nil
}

// printPartialAdvice lists partial matches so the user can re-run with
// --force if the suggestion is right.
func printPartialAdvice(partials []session.PartialMatch) {
	if len(partials) == 0 {
		return
	}
	fmt.Println("Partial matches (same repository, different branch):")
	for _, p := range partials {
		fmt.Printf("  %s -> %s\n", p.RemoteFolder, p.LocalFolder.Root)
	}
	fmt.Println("Re-run with --force to resume into a partial match.")
}

// confirmOnTerminal lists the conflicting changes with their diffs and
// asks for a single yes/no on stdin.
func confirmOnTerminal(_ context.Context, conflicts []session.ConflictPreview) (bool, error) {
	fmt.Printf("%d change(s) would overwrite local edits:\n\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  %s/%s (%s)\n", c.FolderName, c.RelativeFilePath, c.Change.Type)
		if c.Diff != "" {
			fmt.Println(indent(c.Diff, "    "))
		}
	}

	fmt.Print("Apply anyway? [y/N]: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false, scanner.Err()
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))

	return answer == "y" || answer == "yes", nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func runWatchExtensions(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.NewLogger(cfg.Environment)

	if cfg.ProfilesDir == "" || cfg.ExtensionsDir == "" {
		return fmt.Errorf("EDITSYNC_PROFILES_DIR and EDITSYNC_EXTENSIONS_DIR must be set")
	}

	r := extensions.NewReconciler(cfg.ProfilesDir, cfg.ExtensionsDir, logger)

	err = r.Watch(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
