package forkdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/internal/tupleKey"
	"github.com/i5heu/forkdb/pkg/exchange"
)

// Persisted key layout of the index store.
func idKey() []byte                   { return tupleKey.Encode("_id") }
func seqKey(n uint64) []byte          { return tupleKey.Encode("seq", n) }
func seqPrefix() []byte               { return tupleKey.Encode("seq") }
func seqHashKey(hash string) []byte   { return tupleKey.Encode("seq-hash", hash) }
func seenKey(peer string) []byte      { return tupleKey.Encode("_seen", peer) }
func metaKey(hash string) []byte      { return tupleKey.Encode("meta", hash) }
func metaPrefix() []byte              { return tupleKey.Encode("meta") }
func tailKey(key, hash string) []byte { return tupleKey.Encode("tail", key, hash) }
func tailPrefix(key string) []byte    { return tupleKey.Encode("tail", key) }

func encodeSeq(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func decodeSeq(b []byte) (uint64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

// initialize runs as the first queued task: it loads or creates the replica
// identity and recovers the sequence counter from the highest ledger entry.
func (db *ForkDB) initialize() error {
	if err := db.loadID(); err != nil {
		return err
	}
	return db.recoverSeq()
}

func (db *ForkDB) loadID() error {
	if db.config.ID != "" {
		db.id = db.config.ID
		return nil
	}
	v, err := db.kv.Get(idKey())
	if err == nil {
		db.id = string(v)
		return nil
	}
	if !errors.Is(err, keyValStore.ErrKeyNotFound) {
		return fmt.Errorf("load replica id: %w", err)
	}

	id := uuid.NewString()
	if err := db.kv.Put(idKey(), []byte(id)); err != nil {
		return fmt.Errorf("store replica id: %w", err)
	}
	db.id = id
	db.log.WithField("id", id).Info("created replica id")
	return nil
}

func (db *ForkDB) recoverSeq() error {
	var last uint64
	err := db.kv.ScanPrefix(seqPrefix(), keyValStore.ListOptions{Reverse: true, Limit: 1}, func(k, _ []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		last, err = tupleKey.Uint(parts, 1)
		return err
	})
	if err != nil {
		return fmt.Errorf("recover sequence: %w", err)
	}
	db.seq.Store(last)
	return nil
}

// SeqOf returns the local sequence number assigned to hash.
func (db *ForkDB) SeqOf(hash string) (uint64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	return db.seqOf(hash)
}

func (db *ForkDB) seqOf(hash string) (uint64, error) {
	v, err := db.kv.Get(seqHashKey(hash))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return 0, fmt.Errorf("%w: sequence of %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, err
	}
	n, ok := decodeSeq(v)
	if !ok {
		return 0, fmt.Errorf("corrupt sequence entry for %s", hash)
	}
	return n, nil
}

// scanLedger calls fn for every ledger entry with a sequence above since, in
// order.
func (db *ForkDB) scanLedger(since uint64, fn func(exchange.Advert) error) error {
	ro := keyValStore.RangeOptions{
		Gt: seqKey(since),
		Lt: append(seqPrefix(), 0xFF),
	}
	return db.kv.Scan(ro, func(k, v []byte) error {
		parts, err := tupleKey.Decode(k)
		if err != nil {
			return err
		}
		n, err := tupleKey.Uint(parts, 1)
		if err != nil {
			return err
		}
		return fn(exchange.Advert{Seq: n, Hash: string(v)})
	})
}

// SeenFor returns the highest sequence of peer's ledger known to be
// exchanged.
func (db *ForkDB) SeenFor(peer string) (uint64, error) {
	if err := db.ready(); err != nil {
		return 0, err
	}
	return db.seen.get(peer)
}

// advanceSeen raises the cursor for peer to n in its own queued batch.
func (db *ForkDB) advanceSeen(ctx context.Context, peer string, n uint64) error {
	if err := db.ready(); err != nil {
		return err
	}
	return db.queue.Do(ctx, func() error {
		rows, err := db.seen.rows(peer, n)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := db.kv.Batch(rows); err != nil {
			return fmt.Errorf("%w: seen cursor for %s: %v", ErrBatchFailed, peer, err)
		}
		db.seen.merge(peer, n)
		return nil
	})
}

// seenCache mirrors the persisted seen cursors. Entries are loaded on first
// use and only ever move up, so the cache is never invalidated. Mutations
// happen inside queue tasks, after the batch that persists them committed.
type seenCache struct {
	kv      *keyValStore.KeyValStore
	mu      sync.Mutex
	entries map[string]uint64
}

func newSeenCache(kv *keyValStore.KeyValStore) *seenCache {
	return &seenCache{kv: kv, entries: map[string]uint64{}}
}

func (c *seenCache) get(peer string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(peer)
}

func (c *seenCache) loadLocked(peer string) (uint64, error) {
	if n, ok := c.entries[peer]; ok {
		return n, nil
	}
	v, err := c.kv.Get(seenKey(peer))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		c.entries[peer] = 0
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load seen cursor for %s: %w", peer, err)
	}
	n, _ := decodeSeq(v)
	c.entries[peer] = n
	return n, nil
}

// rows returns the put needed to raise peer's cursor to n, or nothing when
// the cursor already is at least n.
func (c *seenCache) rows(peer string, n uint64) ([]keyValStore.Row, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, err := c.loadLocked(peer)
	if err != nil {
		return nil, err
	}
	if n <= current {
		return nil, nil
	}
	return []keyValStore.Row{keyValStore.PutRow(seenKey(peer), encodeSeq(n))}, nil
}

func (c *seenCache) merge(peer string, n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > c.entries[peer] {
		c.entries[peer] = n
	}
}
