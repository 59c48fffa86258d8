// Package fwdb keeps the forward-link index of the commit graph: which keys
// exist, which commits are the current heads of a key and which commits point
// at a given parent.
//
// Create never writes by itself. It returns rows that the caller commits in
// the same batch as the commit they describe.
package fwdb

import (
	"errors"
	"fmt"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/internal/tupleKey"
	"github.com/i5heu/forkdb/pkg/meta"
)

const (
	nsKey  = "fwdb-key"
	nsHash = "fwdb-hash"
	nsLink = "fwdb-link"
	nsHead = "fwdb-head"
)

type FwDB struct {
	kv *keyValStore.KeyValStore
}

func New(kv *keyValStore.KeyValStore) *FwDB {
	return &FwDB{kv: kv}
}

// Doc describes one commit for indexing.
type Doc struct {
	Hash string
	Key  string
	Prev []meta.Ref
}

// Link is a forward reference from a parent to one of its children.
type Link struct {
	Hash string
	Key  string
}

// Create returns the rows that add doc to the index. Parents may be unknown
// yet, children may already be indexed.
func (f *FwDB) Create(doc Doc) ([]keyValStore.Row, error) {
	if doc.Hash == "" {
		return nil, errors.New("fwdb: empty hash")
	}
	key := doc.Key
	if key == "" {
		key = meta.DefaultKey
	}

	rows := []keyValStore.Row{
		keyValStore.PutRow(tupleKey.Encode(nsKey, key), nil),
		keyValStore.PutRow(tupleKey.Encode(nsHash, doc.Hash), []byte(key)),
	}

	for _, p := range doc.Prev {
		prevKey, ok, err := f.KeyOf(p.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			prevKey = p.Key
		}
		if prevKey == "" {
			prevKey = key
		}
		rows = append(rows,
			keyValStore.PutRow(tupleKey.Encode(nsLink, p.Hash, doc.Hash), []byte(key)),
			keyValStore.DelRow(tupleKey.Encode(nsHead, prevKey, p.Hash)),
		)
	}

	hasChildren, err := f.hasLinks(doc.Hash)
	if err != nil {
		return nil, err
	}
	if !hasChildren {
		rows = append(rows, keyValStore.PutRow(tupleKey.Encode(nsHead, key, doc.Hash), nil))
	}
	return rows, nil
}

// KeyOf returns the key an indexed commit lives under.
func (f *FwDB) KeyOf(hash string) (string, bool, error) {
	v, err := f.kv.Get(tupleKey.Encode(nsHash, hash))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fwdb: key of %s: %w", hash, err)
	}
	return string(v), true, nil
}

func (f *FwDB) hasLinks(hash string) (bool, error) {
	found := false
	err := f.kv.ScanPrefix(tupleKey.Encode(nsLink, hash), keyValStore.ListOptions{Limit: 1}, func(_, _ []byte) error {
		found = true
		return keyValStore.ErrStopScan
	})
	if err != nil {
		return false, fmt.Errorf("fwdb: links of %s: %w", hash, err)
	}
	return found, nil
}

// Heads lists the commits of key that no other commit names as parent.
func (f *FwDB) Heads(key string, opts keyValStore.ListOptions) ([]string, error) {
	return f.lastElements(tupleKey.Encode(nsHead, key), opts)
}

// Links lists the direct children of hash.
func (f *FwDB) Links(hash string) ([]Link, error) {
	var links []Link
	err := f.kv.ScanPrefix(tupleKey.Encode(nsLink, hash), keyValStore.ListOptions{}, func(k, v []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		child, err := tupleKey.String(parts, 2)
		if err != nil {
			return err
		}
		links = append(links, Link{Hash: child, Key: string(v)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fwdb: links of %s: %w", hash, err)
	}
	return links, nil
}

// EachKey calls fn for every known key in order. Returning
// keyValStore.ErrStopScan from fn ends the walk early.
func (f *FwDB) EachKey(opts keyValStore.ListOptions, fn func(key string) error) error {
	return f.kv.ScanPrefix(tupleKey.Encode(nsKey), opts, func(k, _ []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		key, err := tupleKey.String(parts, 1)
		if err != nil {
			return err
		}
		return fn(key)
	})
}

func (f *FwDB) Keys(opts keyValStore.ListOptions) ([]string, error) {
	keys := []string{}
	err := f.EachKey(opts, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

func (f *FwDB) lastElements(prefix []byte, opts keyValStore.ListOptions) ([]string, error) {
	out := []string{}
	err := f.kv.ScanPrefix(prefix, opts, func(k, _ []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		s, err := tupleKey.String(parts, len(parts)-1)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}
