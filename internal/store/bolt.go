// Package store provides session store implementations: a bbolt-backed
// store used by the store server (and embeddable for local use), and a
// WebSocket client speaking to a remote store server.
package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	syncerrors "github.com/nthall/editsync/internal/errors"
)

const (
	// storeDirPerm is the permission mode for the store directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the store database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	sessionsBucket = []byte("sessions")
	metaBucket     = []byte("meta")
	latestKey      = []byte("latest")
)

// Bolt is a session store backed by a bbolt database. Payloads are
// stored verbatim keyed by their reference; a latest pointer serves
// reads with an empty reference.
type Bolt struct {
	db *bolt.DB

	// maxPayload rejects writes above this many bytes; zero disables
	// the limit.
	maxPayload int
}

// OpenBolt opens (or creates) a session database at the given path.
func OpenBolt(path string, maxPayload int) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Bolt{db: db, maxPayload: maxPayload}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Write persists a session payload under a fresh reference and moves
// the latest pointer to it.
func (b *Bolt) Write(ctx context.Context, payload []byte) (string, error) {
	if b.maxPayload > 0 && len(payload) > b.maxPayload {
		return "", fmt.Errorf("%d bytes (limit %d): %w", len(payload), b.maxPayload, syncerrors.ErrPayloadTooLarge)
	}

	ref, err := newRef()
	if err != nil {
		return "", err
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Put([]byte(ref), payload); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(latestKey, []byte(ref))
	})
	if err != nil {
		return "", fmt.Errorf("writing session: %w", err)
	}
	return ref, nil
}

// Read fetches a payload by reference, or the latest when ref is empty.
func (b *Bolt) Read(ctx context.Context, ref string) ([]byte, string, error) {
	var payload []byte
	resolved := ref

	err := b.db.View(func(tx *bolt.Tx) error {
		if resolved == "" {
			latest := tx.Bucket(metaBucket).Get(latestKey)
			if latest == nil {
				return syncerrors.ErrSessionNotFound
			}
			resolved = string(latest)
		}

		v := tx.Bucket(sessionsBucket).Get([]byte(resolved))
		if v == nil {
			return syncerrors.ErrSessionNotFound
		}
		payload = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return payload, resolved, nil
}

// Delete removes a session. Deleting the latest session clears the
// latest pointer; older references stay readable.
func (b *Bolt) Delete(ctx context.Context, ref string) error {
	if ref == "" {
		return fmt.Errorf("delete requires a reference")
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(sessionsBucket).Delete([]byte(ref)); err != nil {
			return err
		}
		meta := tx.Bucket(metaBucket)
		if string(meta.Get(latestKey)) == ref {
			return meta.Delete(latestKey)
		}
		return nil
	})
}

// newRef generates an opaque session reference.
func newRef() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("generating reference: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
