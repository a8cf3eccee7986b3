// Package session implements capture, storage, and resumption of edit
// sessions: portable snapshots of uncommitted working-directory changes
// across the open workspace folders.
package session

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	syncerrors "github.com/nthall/editsync/internal/errors"
	"github.com/nthall/editsync/internal/workspace"
)

// SupportedVersion is the newest session schema this client understands.
// Snapshots with a greater version are rejected on resume so an older
// client never misreads a newer snapshot.
const SupportedVersion = 1

// ChangeType is a closed two-variant enum. Every consumer switches
// exhaustively over it and fails fast on anything else; an unrecognized
// type in a snapshot is a malformed session, not something to skip.
type ChangeType string

const (
	ChangeAddition ChangeType = "addition"
	ChangeDeletion ChangeType = "deletion"
)

// FileType of a change. Only regular files are captured.
type FileType string

const FileTypeFile FileType = "file"

// Change is one captured working-directory edit. Contents is present iff
// Type is ChangeAddition, and holds the full base64-encoded file content
// (no deltas).
type Change struct {
	Type             ChangeType `json:"type"`
	FileType         FileType   `json:"fileType"`
	RelativeFilePath string     `json:"relativeFilePath"`
	Contents         string     `json:"contents,omitempty"`
}

// NewAddition builds an addition change carrying the full file content.
func NewAddition(relPath string, content []byte) Change {
	return Change{
		Type:             ChangeAddition,
		FileType:         FileTypeFile,
		RelativeFilePath: workspace.NormalizePath(relPath),
		Contents:         base64.StdEncoding.EncodeToString(content),
	}
}

// NewDeletion builds a deletion change.
func NewDeletion(relPath string) Change {
	return Change{
		Type:             ChangeDeletion,
		FileType:         FileTypeFile,
		RelativeFilePath: workspace.NormalizePath(relPath),
	}
}

// DecodeContents returns the raw file content of an addition.
func (c Change) DecodeContents() ([]byte, error) {
	if c.Type != ChangeAddition {
		return nil, fmt.Errorf("change for %s is not an addition", c.RelativeFilePath)
	}
	data, err := base64.StdEncoding.DecodeString(c.Contents)
	if err != nil {
		return nil, fmt.Errorf("decoding contents of %s: %w", c.RelativeFilePath, err)
	}
	return data, nil
}

func (c Change) validate() error {
	switch c.Type {
	case ChangeAddition:
		if c.Contents == "" {
			return fmt.Errorf("addition %s has no contents", c.RelativeFilePath)
		}
	case ChangeDeletion:
		if c.Contents != "" {
			return fmt.Errorf("deletion %s carries contents", c.RelativeFilePath)
		}
	default:
		return fmt.Errorf("unknown change type %q for %s", c.Type, c.RelativeFilePath)
	}
	if c.FileType != FileTypeFile {
		return fmt.Errorf("unsupported file type %q for %s", c.FileType, c.RelativeFilePath)
	}
	if c.RelativeFilePath == "" {
		return fmt.Errorf("change with empty relative path")
	}
	return nil
}

// Folder groups the captured changes of one workspace folder.
// CanonicalIdentity is an opaque identity-provider string (empty when the
// provider could not identify the folder); when present, resume matches
// on it instead of the folder name.
type Folder struct {
	Name              string   `json:"name"`
	CanonicalIdentity string   `json:"canonicalIdentity,omitempty"`
	WorkingChanges    []Change `json:"workingChanges"`
}

// Session is one immutable snapshot of uncommitted edits. It is built
// fresh on every store operation and deleted from the remote store after
// a successful resume.
type Session struct {
	Version int      `json:"version"`
	Folders []Folder `json:"folders"`
}

// Validate checks the per-change invariants across all folders.
func (s *Session) Validate() error {
	for _, f := range s.Folders {
		if f.Name == "" {
			return fmt.Errorf("folder with empty name")
		}
		for _, c := range f.WorkingChanges {
			if err := c.validate(); err != nil {
				return fmt.Errorf("folder %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

// Encode serializes the session to its wire format.
func (s *Session) Encode() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	return data, nil
}

// Decode parses a session payload. The version field is probed before
// full decoding so a payload from a newer client is rejected without
// attempting to interpret a schema this client does not know.
func Decode(data []byte) (*Session, error) {
	version := gjson.GetBytes(data, "version")
	if !version.Exists() {
		return nil, fmt.Errorf("session payload has no version field")
	}
	if version.Int() > SupportedVersion {
		return nil, fmt.Errorf("session version %d: %w", version.Int(), syncerrors.ErrVersionUnsupported)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session: %w", err)
	}
	return &s, nil
}

// ResolvedChange binds a Change to an open local workspace folder during
// resume. Derived per resume run, never persisted.
type ResolvedChange struct {
	Folder *workspace.Folder
	Change Change
}

// AbsPath returns the absolute local path the change applies to.
func (r ResolvedChange) AbsPath() (string, error) {
	return r.Folder.Resolve(r.Change.RelativeFilePath)
}
