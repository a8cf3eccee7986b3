// Package extensions maintains the installed extension set against the
// union of extensions referenced by user profiles. An extension
// referenced by no profile gets uninstalled; everything referenced by
// at least one profile is left alone. The same membership
// reconciliation runs on demand and from a profile-directory watcher.
package extensions

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// debounceInterval batches rapid profile edits into one reconcile run.
const debounceInterval = 500 * time.Millisecond

// Profile is one user profile document. Profiles reference extensions
// by identifier; installed extensions live as directories named by
// that identifier.
type Profile struct {
	Name       string   `yaml:"name"`
	Extensions []string `yaml:"extensions"`
}

// Result summarizes one reconcile run.
type Result struct {
	Profiles   int
	Referenced int
	Removed    []string
}

// Reconciler removes installed extensions that no profile references.
type Reconciler struct {
	profilesDir   string
	extensionsDir string
	logger        *slog.Logger
}

// NewReconciler builds a reconciler over the given directories.
func NewReconciler(profilesDir, extensionsDir string, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		profilesDir:   profilesDir,
		extensionsDir: extensionsDir,
		logger:        logger,
	}
}

// Reconcile loads every profile, computes the union of referenced
// extension identifiers, and uninstalls installed extensions outside
// that union. A missing extensions directory is treated as nothing
// installed.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	referenced, profiles, err := r.referencedExtensions()
	if err != nil {
		return Result{}, err
	}

	entries, err := os.ReadDir(r.extensionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Profiles: profiles, Referenced: len(referenced)}, nil
		}
		return Result{}, fmt.Errorf("reading extensions directory: %w", err)
	}

	result := Result{Profiles: profiles, Referenced: len(referenced)}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if referenced[entry.Name()] {
			continue
		}

		if err := os.RemoveAll(filepath.Join(r.extensionsDir, entry.Name())); err != nil {
			return result, fmt.Errorf("removing extension %s: %w", entry.Name(), err)
		}

		r.logger.Info("removed unreferenced extension", slog.String("extension", entry.Name()))
		result.Removed = append(result.Removed, entry.Name())
	}

	sort.Strings(result.Removed)

	return result, nil
}

// referencedExtensions parses every profile file and unions their
// extension lists. Unparseable profiles are skipped with a warning so
// one bad file cannot trigger a mass uninstall of another profile's
// extensions.
func (r *Reconciler) referencedExtensions() (map[string]bool, int, error) {
	entries, err := os.ReadDir(r.profilesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, 0, nil
		}
		return nil, 0, fmt.Errorf("reading profiles directory: %w", err)
	}

	referenced := make(map[string]bool)
	profiles := 0

	for _, entry := range entries {
		if entry.IsDir() || !isProfileFile(entry.Name()) {
			continue
		}

		path := filepath.Join(r.profilesDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, 0, fmt.Errorf("reading profile %s: %w", entry.Name(), err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			r.logger.Warn("skipping unparseable profile",
				slog.String("profile", entry.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		profiles++
		for _, id := range profile.Extensions {
			if id = strings.TrimSpace(id); id != "" {
				referenced[id] = true
			}
		}
	}

	return referenced, profiles, nil
}

func isProfileFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// Watch reconciles once, then re-reconciles whenever a profile file
// changes. Events are debounced so a burst of edits triggers a single
// run. Blocks until the context is cancelled.
func (r *Reconciler) Watch(ctx context.Context) error {
	if _, err := r.Reconcile(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.profilesDir); err != nil {
		return fmt.Errorf("watching profiles directory: %w", err)
	}

	r.logger.Info("profile watcher started", slog.String("dir", r.profilesDir))

	pending := false

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}
			if isProfileFile(filepath.Base(event.Name)) {
				pending = true
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			r.logger.Warn("profile watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false

			result, err := r.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("profile reconcile failed", slog.String("error", err.Error()))

				continue
			}

			r.logger.Info("profiles reconciled",
				slog.Int("profiles", result.Profiles),
				slog.Int("referenced", result.Referenced),
				slog.Int("removed", len(result.Removed)),
			)
		}
	}
}
