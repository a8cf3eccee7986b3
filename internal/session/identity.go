package session

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nthall/editsync/internal/workspace"
)

// Classification is the identity provider's verdict on a pair of
// identities that are not byte-equal.
type Classification int

const (
	ClassifyNone Classification = iota
	ClassifyPartial
	ClassifyComplete
)

// IdentityProvider computes and compares canonical workspace-folder
// identities. Identities are opaque to the matcher; only the provider
// knows their structure (typically derived from a source-control remote).
type IdentityProvider interface {
	// Identify returns the canonical identity of a local folder, or ""
	// when the folder has none (not under source control, no remote).
	Identify(ctx context.Context, folder *workspace.Folder) (string, error)

	// Classify compares a local identity against a remote canonical
	// identity that did not match byte-for-byte.
	Classify(ctx context.Context, localIdentity, remoteIdentity string) (Classification, error)
}

// MatchOptions are the explicit inputs of one matching run. They are
// parameters rather than matcher state so the same matcher serves both
// the cautious automatic resume and a forced re-run.
type MatchOptions struct {
	// ApplyPartials makes partial identity matches eligible at all.
	ApplyPartials bool
	// Force accepts an eligible partial match as a resolution instead of
	// surfacing it as a suggestion.
	Force bool
}

// PartialMatch is a non-blocking suggestion: a local folder whose
// identity partially matched a remote folder's canonical identity in a
// run that was not forced. The caller may offer a forced re-run.
type PartialMatch struct {
	RemoteFolder string
	LocalFolder  *workspace.Folder
}

// Matcher resolves a remote folder declaration against the locally open
// workspace folders.
type Matcher struct {
	provider IdentityProvider
	logger   *slog.Logger
}

// NewMatcher creates a Matcher backed by the given identity provider.
func NewMatcher(provider IdentityProvider, logger *slog.Logger) *Matcher {
	return &Matcher{provider: provider, logger: logger}
}

// Match finds the local folder a remote folder corresponds to. A nil
// folder with a nil error means no match (a reported skip, not an
// error). Partial matches that were eligible but not forced are returned
// as suggestions alongside the nil folder.
//
// Identity matching is preferred over name matching because identities
// survive folder renames and relocations: name equality is only
// consulted when the remote folder declared no canonical identity, and
// then only as an exact comparison.
func (m *Matcher) Match(ctx context.Context, remote Folder, locals []*workspace.Folder, opts MatchOptions) (*workspace.Folder, []PartialMatch, error) {
	if remote.CanonicalIdentity == "" {
		for _, local := range locals {
			if local.Name == remote.Name {
				m.logger.Debug("matched folder by name", slog.String("folder", remote.Name))
				return local, nil, nil
			}
		}
		return nil, nil, nil
	}

	identities, err := m.localIdentities(ctx, locals)
	if err != nil {
		return nil, nil, err
	}

	var partials []PartialMatch
	for i, local := range locals {
		localID := identities[i]
		if localID == "" {
			continue
		}

		if localID == remote.CanonicalIdentity {
			m.logger.Debug("matched folder by identity",
				slog.String("folder", remote.Name),
				slog.String("local", local.Name),
			)
			return local, nil, nil
		}

		class, err := m.provider.Classify(ctx, localID, remote.CanonicalIdentity)
		if err != nil {
			return nil, nil, fmt.Errorf("classifying identity of %s: %w", local.Name, err)
		}

		switch class {
		case ClassifyComplete:
			return local, nil, nil
		case ClassifyPartial:
			if !opts.ApplyPartials {
				m.logger.Debug("ignoring partial identity match (partials disabled)",
					slog.String("folder", remote.Name),
					slog.String("local", local.Name),
				)
				continue
			}
			if opts.Force {
				m.logger.Info("accepting forced partial identity match",
					slog.String("folder", remote.Name),
					slog.String("local", local.Name),
				)
				return local, nil, nil
			}
			partials = append(partials, PartialMatch{RemoteFolder: remote.Name, LocalFolder: local})
		case ClassifyNone:
		default:
			return nil, nil, fmt.Errorf("unknown identity classification %d", class)
		}
	}

	return nil, partials, nil
}

// localIdentities resolves the identity of every candidate folder.
// Lookups run concurrently (each may shell out to source control) but
// results keep workspace order, which the scan above depends on.
func (m *Matcher) localIdentities(ctx context.Context, locals []*workspace.Folder) ([]string, error) {
	identities := make([]string, len(locals))
	g, gctx := errgroup.WithContext(ctx)
	for i, local := range locals {
		i, local := i, local
		g.Go(func() error {
			id, err := m.provider.Identify(gctx, local)
			if err != nil {
				return fmt.Errorf("identifying %s: %w", local.Name, err)
			}
			identities[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return identities, nil
}
