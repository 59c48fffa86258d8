package forkdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/internal/tupleKey"
	"github.com/i5heu/forkdb/pkg/blobStore"
	"github.com/i5heu/forkdb/pkg/fwdb"
	"github.com/i5heu/forkdb/pkg/meta"
)

// Link is a forward reference from a commit to one of its children.
type Link = fwdb.Link

// Entry is a commit hash together with its metadata.
type Entry struct {
	Hash string
	Meta meta.Metadata
}

// Get returns the metadata of a stored commit.
func (db *ForkDB) Get(hash string) (meta.Metadata, error) {
	if err := db.ready(); err != nil {
		return meta.Metadata{}, err
	}
	return db.getMeta(hash)
}

func (db *ForkDB) getMeta(hash string) (meta.Metadata, error) {
	v, err := db.kv.Get(metaKey(hash))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return meta.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return meta.Metadata{}, fmt.Errorf("read metadata of %s: %w", hash, err)
	}
	var m meta.Metadata
	if err := json.Unmarshal(v, &m); err != nil {
		return meta.Metadata{}, fmt.Errorf("decode metadata of %s: %w", hash, err)
	}
	return m, nil
}

// Has reports whether the commit is stored locally.
func (db *ForkDB) Has(hash string) (bool, error) {
	if err := db.ready(); err != nil {
		return false, err
	}
	return db.kv.Has(metaKey(hash))
}

// CreateReadStream returns the body of a commit, without its metadata header.
func (db *ForkDB) CreateReadStream(hash string) (io.ReadCloser, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	r, err := db.blobs.CreateReadStream(hash)
	if errors.Is(err, blobStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: content of %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	_, body, err := meta.SplitEnvelope(r)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("read content of %s: %w", hash, err)
	}
	return readCloser{Reader: body, Closer: r}, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// envelope returns the stored header and body of a commit as sent to peers.
func (db *ForkDB) envelope(hash string) ([]byte, error) {
	data, err := db.blobs.ReadAll(hash)
	if errors.Is(err, blobStore.ErrNotFound) {
		return nil, fmt.Errorf("%w: content of %s", ErrNotFound, hash)
	}
	return data, err
}

// Heads lists the commits of key that are not a parent of any other commit.
func (db *ForkDB) Heads(key string, opts ListOptions) ([]string, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if key == "" {
		key = meta.DefaultKey
	}
	return db.index.Heads(key, opts)
}

// Tails lists the commits of key without parents.
func (db *ForkDB) Tails(key string, opts ListOptions) ([]string, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	if key == "" {
		key = meta.DefaultKey
	}
	tails := []string{}
	err := db.kv.ScanPrefix(tailPrefix(key), opts, func(k, _ []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		hash, err := tupleKey.String(parts, 2)
		if err != nil {
			return err
		}
		tails = append(tails, hash)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tails of %s: %w", key, err)
	}
	return tails, nil
}

// List returns every stored commit ordered by hash.
func (db *ForkDB) List(opts ListOptions) ([]Entry, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	entries := []Entry{}
	err := db.kv.ScanPrefix(metaPrefix(), opts, func(k, v []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		hash, err := tupleKey.String(parts, 1)
		if err != nil {
			return err
		}
		var m meta.Metadata
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("decode metadata of %s: %w", hash, err)
		}
		entries = append(entries, Entry{Hash: hash, Meta: m})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return entries, nil
}

// Keys returns every known document key in order.
func (db *ForkDB) Keys(opts ListOptions) ([]string, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	return db.index.Keys(opts)
}

// EachKey walks the document keys one at a time without collecting them.
// Returning ErrStopIteration from fn ends the walk early.
func (db *ForkDB) EachKey(opts ListOptions, fn func(key string) error) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.index.EachKey(opts, fn)
}

// ErrStopIteration can be returned from EachKey callbacks.
var ErrStopIteration = keyValStore.ErrStopScan

// Links returns the direct children of hash.
func (db *ForkDB) Links(hash string) ([]Link, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	links, err := db.index.Links(hash)
	if links == nil && err == nil {
		links = []Link{}
	}
	return links, err
}
