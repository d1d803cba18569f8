// Package keystore persists DKIM key bundles in BoltDB.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// CurrentVersion is the schema version written by Put and Import
const CurrentVersion = 2

// legacyVersion is the untyped {selector: {pub, priv}} blob
const legacyVersion = 1

var bucketBundles = []byte("dkim_bundles")

var (
	ErrNotFound           = errors.New("dkim key not found")
	ErrUnsupportedVersion = errors.New("unsupported bundle version")
)

// Entry is one selector's key pair
type Entry struct {
	Public    string    `json:"pub"`
	Private   string    `json:"priv"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Bundle maps selectors to key pairs
type Bundle struct {
	Version int              `json:"version"`
	Keys    map[string]Entry `json:"keys"`
}

func newBundle() *Bundle {
	return &Bundle{Version: CurrentVersion, Keys: make(map[string]Entry)}
}

// Has reports whether selector has a key pair
func (b *Bundle) Has(selector string) bool {
	e, ok := b.Keys[selector]
	return ok && e.Public != ""
}

// Selectors returns the selectors in sorted order
func (b *Bundle) Selectors() []string {
	out := make([]string, 0, len(b.Keys))
	for s := range b.Keys {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Store is a BoltDB-backed bundle store. Every write is a single
// read-modify-write transaction, so concurrent writers of different
// selectors in one bundle do not lose each other's keys.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path and migrates legacy bundles
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBundles)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketBundles, err)
		}
		return migrate(b)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the bundle stored under name, empty if none exists
func (s *Store) Load(_ context.Context, name string) (*Bundle, error) {
	var bundle *Bundle

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		bundle, err = read(tx.Bucket(bucketBundles), name)
		return err
	})

	return bundle, err
}

// Get returns one selector's key pair
func (s *Store) Get(ctx context.Context, name, selector string) (Entry, error) {
	bundle, err := s.Load(ctx, name)
	if err != nil {
		return Entry{}, err
	}
	e, ok := bundle.Keys[selector]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Put stores selector's key pair, replacing any previous pair for it
func (s *Store) Put(_ context.Context, name, selector string, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		bundle, err := read(b, name)
		if err != nil {
			return err
		}
		bundle.Keys[selector] = e
		return write(b, name, bundle)
	})
}

// Delete removes selector from the bundle
func (s *Store) Delete(_ context.Context, name, selector string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		bundle, err := read(b, name)
		if err != nil {
			return err
		}
		if _, ok := bundle.Keys[selector]; !ok {
			return ErrNotFound
		}
		delete(bundle.Keys, selector)
		return write(b, name, bundle)
	})
}

type legacyEntry struct {
	Pub  string `json:"pub"`
	Priv string `json:"priv"`
}

// Export renders the bundle in the legacy {selector: {pub, priv}} shape
func (s *Store) Export(ctx context.Context, name string) ([]byte, error) {
	bundle, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	legacy := make(map[string]legacyEntry, len(bundle.Keys))
	for sel, e := range bundle.Keys {
		legacy[sel] = legacyEntry{Pub: e.Public, Priv: e.Private}
	}
	return json.MarshalIndent(legacy, "", "  ")
}

// Import merges a legacy or versioned bundle into name and returns the
// number of selectors written
func (s *Store) Import(_ context.Context, name string, data []byte) (int, error) {
	incoming, err := decode(data)
	if err != nil {
		return 0, err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBundles)
		bundle, err := read(b, name)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for sel, e := range incoming.Keys {
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now
			}
			bundle.Keys[sel] = e
		}
		return write(b, name, bundle)
	})
	if err != nil {
		return 0, err
	}

	return len(incoming.Keys), nil
}

func read(b *bolt.Bucket, name string) (*Bundle, error) {
	data := b.Get([]byte(name))
	if data == nil {
		return newBundle(), nil
	}
	return decode(data)
}

func write(b *bolt.Bucket, name string, bundle *Bundle) error {
	bundle.Version = CurrentVersion
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to marshal bundle: %w", err)
	}
	if err := b.Put([]byte(name), data); err != nil {
		return fmt.Errorf("failed to store bundle: %w", err)
	}
	return nil
}

// decode accepts the current schema and the legacy untyped blob
func decode(data []byte) (*Bundle, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}

	raw, versioned := head["version"]
	if !versioned {
		return decodeLegacy(head)
	}

	var version int
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, fmt.Errorf("failed to decode bundle version: %w", err)
	}

	switch version {
	case CurrentVersion:
		bundle := newBundle()
		if err := json.Unmarshal(data, bundle); err != nil {
			return nil, fmt.Errorf("failed to decode bundle: %w", err)
		}
		if bundle.Keys == nil {
			bundle.Keys = make(map[string]Entry)
		}
		return bundle, nil
	case legacyVersion:
		delete(head, "version")
		return decodeLegacy(head)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}

func decodeLegacy(head map[string]json.RawMessage) (*Bundle, error) {
	bundle := newBundle()
	for sel, raw := range head {
		var e legacyEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("failed to decode legacy selector %s: %w", sel, err)
		}
		if e.Pub == "" && e.Priv == "" {
			continue
		}
		bundle.Keys[sel] = Entry{Public: e.Pub, Private: e.Priv}
	}
	return bundle, nil
}

// migrate rewrites every legacy bundle in the current schema
func migrate(b *bolt.Bucket) error {
	type pending struct {
		key    []byte
		bundle *Bundle
	}
	var rewrites []pending

	err := b.ForEach(func(k, v []byte) error {
		var head struct {
			Version int `json:"version"`
		}
		if json.Unmarshal(v, &head) == nil && head.Version == CurrentVersion {
			return nil
		}
		bundle, err := decode(v)
		if err != nil {
			return fmt.Errorf("failed to migrate bundle %s: %w", k, err)
		}
		rewrites = append(rewrites, pending{key: append([]byte(nil), k...), bundle: bundle})
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range rewrites {
		if err := write(b, string(p.key), p.bundle); err != nil {
			return err
		}
	}
	return nil
}
