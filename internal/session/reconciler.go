package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	syncerrors "github.com/nthall/editsync/internal/errors"
	"github.com/nthall/editsync/internal/workspace"
)

// Store is the remote session store the reconciler persists snapshots
// to. Payloads are the wire format of §Session verbatim; the store never
// interprets them beyond size checks.
type Store interface {
	// Write persists a session payload and returns its opaque reference.
	// Fails with ErrPayloadTooLarge when the payload exceeds the store's
	// size limit.
	Write(ctx context.Context, payload []byte) (string, error)

	// Read fetches a session payload by reference, or the most recent
	// one when ref is empty. Returns the payload and the resolved
	// reference, or ErrSessionNotFound.
	Read(ctx context.Context, ref string) ([]byte, string, error)

	// Delete removes a session by reference.
	Delete(ctx context.Context, ref string) error
}

// ConfirmFunc asks the user whether conflicting changes may be applied.
// Returning false cancels the resume with zero side effects.
type ConfirmFunc func(ctx context.Context, conflicts []ConflictPreview) (bool, error)

// ResumeOutcome is the terminal state of one resume invocation. The
// expected-empty cases (nothing to resume, no matching folder) are
// outcomes rather than errors: they are reported informationally.
type ResumeOutcome int

const (
	ResumeApplied ResumeOutcome = iota
	ResumeNothingToResume
	ResumeVersionRejected
	ResumeNoMatchingFolder
	ResumeDeclined
)

func (o ResumeOutcome) String() string {
	switch o {
	case ResumeApplied:
		return "applied"
	case ResumeNothingToResume:
		return "nothing to resume"
	case ResumeVersionRejected:
		return "session requires a newer client"
	case ResumeNoMatchingFolder:
		return "no matching workspace folder"
	case ResumeDeclined:
		return "declined"
	default:
		return fmt.Sprintf("ResumeOutcome(%d)", int(o))
	}
}

// StoreOutcome is the terminal state of one store invocation.
type StoreOutcome int

const (
	StoreStored StoreOutcome = iota
	StoreNoEdits
)

func (o StoreOutcome) String() string {
	switch o {
	case StoreStored:
		return "stored"
	case StoreNoEdits:
		return "no edits to store"
	default:
		return fmt.Sprintf("StoreOutcome(%d)", int(o))
	}
}

// ResumeResult reports what one resume did.
type ResumeResult struct {
	Outcome   ResumeOutcome
	Ref       string
	Applied   int
	Conflicts int
	// Partials are advisory partial identity matches surfaced during a
	// non-forced run. The caller may offer a forced re-run with
	// MatchOptions.Force set.
	Partials []PartialMatch
}

// StoreResult reports what one store did.
type StoreResult struct {
	Outcome StoreOutcome
	Ref     string
	Folders int
	Changes int
}

// Reconciler drives the store and resume flows over the injected
// collaborators. One instance serializes its operations: a resume
// triggered at startup and one triggered by command must not interleave,
// so both flows run under the same mutex.
type Reconciler struct {
	store    Store
	matcher  *Matcher
	builder  *ChangeSetBuilder
	detector *ConflictDetector
	locals   []*workspace.Folder
	confirm  ConfirmFunc
	logger   *slog.Logger

	mu sync.Mutex
}

// NewReconciler wires a reconciler over the open workspace folders.
// confirm may be nil, in which case any conflict cancels the resume.
func NewReconciler(store Store, provider IdentityProvider, locals []*workspace.Folder, confirm ConfirmFunc, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:    store,
		matcher:  NewMatcher(provider, logger),
		builder:  NewChangeSetBuilder(provider, logger),
		detector: NewConflictDetector(logger),
		locals:   locals,
		confirm:  confirm,
		logger:   logger,
	}
}

// Store captures the uncommitted edits of all repositories into a fresh
// session snapshot and persists it. Each call produces a wholly new
// snapshot; nothing is diffed against previous stores.
func (r *Reconciler) Store(ctx context.Context, repos []Repository) (*StoreResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.locals) == 0 {
		return nil, syncerrors.ErrNoWorkspace
	}

	folders, examined, err := r.builder.Build(ctx, repos, r.locals)
	if err != nil {
		return nil, fmt.Errorf("building change set: %w", err)
	}
	if examined == 0 {
		r.logger.Info("no edits to store")
		return &StoreResult{Outcome: StoreNoEdits}, nil
	}

	sess := &Session{Version: SupportedVersion, Folders: folders}
	payload, err := sess.Encode()
	if err != nil {
		return nil, err
	}

	ref, err := r.store.Write(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	changes := 0
	for _, f := range folders {
		changes += len(f.WorkingChanges)
	}
	r.logger.Info("session stored",
		slog.String("ref", ref),
		slog.Int("folders", len(folders)),
		slog.Int("changes", changes),
	)
	return &StoreResult{Outcome: StoreStored, Ref: ref, Folders: len(folders), Changes: changes}, nil
}

// Resume fetches a session (by reference, or the latest when ref is
// empty), reconciles it against the open workspace, and applies it under
// confirmation when conflicts exist. The remote snapshot is deleted only
// after every change applied successfully; any earlier exit leaves it in
// place so the resume can be retried.
func (r *Reconciler) Resume(ctx context.Context, ref string, repos []Repository, opts MatchOptions) (*ResumeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.locals) == 0 {
		return nil, syncerrors.ErrNoWorkspace
	}

	payload, resolvedRef, err := r.store.Read(ctx, ref)
	if err != nil {
		if errors.Is(err, syncerrors.ErrSessionNotFound) {
			r.logger.Info("nothing to resume", slog.String("ref", ref))
			return &ResumeResult{Outcome: ResumeNothingToResume, Ref: ref}, nil
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	sess, err := Decode(payload)
	if err != nil {
		if errors.Is(err, syncerrors.ErrVersionUnsupported) {
			r.logger.Warn("session was created by a newer client; upgrade to resume it",
				slog.String("ref", resolvedRef),
			)
			return &ResumeResult{Outcome: ResumeVersionRejected, Ref: resolvedRef}, nil
		}
		return nil, err
	}

	resolved, partials, err := r.resolveFolders(ctx, sess, opts)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		// At least one declared folder has no local counterpart. The
		// whole session is skipped: resuming a subset would strand the
		// rest, since apply success deletes the snapshot.
		r.logger.Info("session folder has no matching workspace folder; skipping resume",
			slog.String("ref", resolvedRef),
			slog.Int("partial_suggestions", len(partials)),
		)
		return &ResumeResult{Outcome: ResumeNoMatchingFolder, Ref: resolvedRef, Partials: partials}, nil
	}

	conflicts, err := r.findConflicts(ctx, resolved, repos)
	if err != nil {
		return nil, err
	}

	if len(conflicts) > 0 {
		ok, err := r.confirmConflicts(ctx, conflicts)
		if err != nil {
			return nil, fmt.Errorf("confirming conflicts: %w", err)
		}
		if !ok {
			r.logger.Info("resume declined", slog.Int("conflicts", len(conflicts)))
			return &ResumeResult{Outcome: ResumeDeclined, Ref: resolvedRef, Conflicts: len(conflicts), Partials: partials}, nil
		}
	}

	// Apply is not transactional: a failure partway leaves a partially
	// applied workspace and an intact remote snapshot for retry.
	applied := 0
	for _, rc := range resolved {
		if err := r.apply(rc); err != nil {
			r.logger.Error("apply failed; remote snapshot kept for retry",
				slog.String("path", rc.Change.RelativeFilePath),
				slog.Int("applied", applied),
				slog.String("error", err.Error()),
			)
			return nil, fmt.Errorf("applying %s: %w", rc.Change.RelativeFilePath, err)
		}
		applied++
	}

	if err := r.store.Delete(ctx, resolvedRef); err != nil {
		// The workspace is fully updated; a stale snapshot is the lesser
		// problem and the next store overwrites the latest pointer.
		r.logger.Warn("deleting resumed session failed",
			slog.String("ref", resolvedRef),
			slog.String("error", err.Error()),
		)
	}

	r.logger.Info("session resumed",
		slog.String("ref", resolvedRef),
		slog.Int("applied", applied),
		slog.Int("conflicts", len(conflicts)),
	)
	return &ResumeResult{
		Outcome:   ResumeApplied,
		Ref:       resolvedRef,
		Applied:   applied,
		Conflicts: len(conflicts),
		Partials:  partials,
	}, nil
}

// resolveFolders matches every declared folder to a local one and binds
// its changes. Folders are independent, so matching runs concurrently;
// the resolved list keeps session order. A nil slice (with nil error)
// means some folder had no match.
func (r *Reconciler) resolveFolders(ctx context.Context, sess *Session, opts MatchOptions) ([]ResolvedChange, []PartialMatch, error) {
	type folderResolution struct {
		local    *workspace.Folder
		partials []PartialMatch
	}
	resolutions := make([]folderResolution, len(sess.Folders))

	g, gctx := errgroup.WithContext(ctx)
	for i, remote := range sess.Folders {
		i, remote := i, remote
		g.Go(func() error {
			local, partials, err := r.matcher.Match(gctx, remote, r.locals, opts)
			if err != nil {
				return err
			}
			resolutions[i] = folderResolution{local: local, partials: partials}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var partials []PartialMatch
	for _, res := range resolutions {
		partials = append(partials, res.partials...)
	}

	var resolved []ResolvedChange
	for i, remote := range sess.Folders {
		local := resolutions[i].local
		if local == nil {
			return nil, partials, nil
		}
		for _, change := range remote.WorkingChanges {
			resolved = append(resolved, ResolvedChange{Folder: local, Change: change})
		}
	}
	return resolved, partials, nil
}

// findConflicts flags every resolved change that would overwrite a local
// edit. The full set is computed before any mutation so confirmation
// covers everything at once.
func (r *Reconciler) findConflicts(ctx context.Context, resolved []ResolvedChange, repos []Repository) ([]ConflictPreview, error) {
	changedByFolder, err := r.localChangedSet(ctx, repos)
	if err != nil {
		return nil, err
	}

	var conflicts []ConflictPreview
	for _, rc := range resolved {
		overwrites, err := r.detector.WouldOverwrite(ctx, changedByFolder[rc.Folder.Name], rc)
		if err != nil {
			return nil, err
		}
		if overwrites {
			conflicts = append(conflicts, r.detector.Preview(rc))
		}
	}
	return conflicts, nil
}

// localChangedSet enumerates the locally changed resources per workspace
// folder, keyed by folder name then relative path.
func (r *Reconciler) localChangedSet(ctx context.Context, repos []Repository) (map[string]map[string]bool, error) {
	changed := make(map[string]map[string]bool)
	for _, repo := range repos {
		groups, err := repo.ChangedResources(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerating changes in %s: %w", repo.Root(), err)
		}
		for _, group := range groups {
			for _, absPath := range group.Paths {
				folder, relPath := owningFolder(r.locals, absPath)
				if folder == nil {
					continue
				}
				if changed[folder.Name] == nil {
					changed[folder.Name] = make(map[string]bool)
				}
				changed[folder.Name][relPath] = true
			}
		}
	}
	return changed, nil
}

func (r *Reconciler) confirmConflicts(ctx context.Context, conflicts []ConflictPreview) (bool, error) {
	if r.confirm == nil {
		return false, nil
	}
	return r.confirm(ctx, conflicts)
}

// apply writes or deletes one resolved change on disk.
func (r *Reconciler) apply(rc ResolvedChange) error {
	switch rc.Change.Type {
	case ChangeAddition:
		content, err := rc.Change.DecodeContents()
		if err != nil {
			return err
		}
		return rc.Folder.WriteFile(rc.Change.RelativeFilePath, content)
	case ChangeDeletion:
		return rc.Folder.DeleteFile(rc.Change.RelativeFilePath)
	default:
		panic(fmt.Sprintf("unhandled change type %q", rc.Change.Type))
	}
}
