package forkdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/pkg/blobStore"
	"github.com/i5heu/forkdb/pkg/fwdb"
	"github.com/i5heu/forkdb/pkg/meta"
)

// Row is one mutation of the atomic batch a write commits.
type Row = keyValStore.Row

// ListOptions bound listings by the value of their last field.
type ListOptions = keyValStore.ListOptions

func PutRow(key, value []byte) Row { return keyValStore.PutRow(key, value) }
func DelRow(key []byte) Row        { return keyValStore.DelRow(key) }

// Prebatch inspects and extends the rows of a pending write right before they
// are committed. Returning nil rows or an error aborts the write.
type Prebatch func(rows []Row) ([]Row, error)

type WriteOptions struct {
	Prebatch Prebatch
	// Expected, when set, is the hash the content must produce.
	Expected string
}

// Commit describes a commit that was just written.
type Commit struct {
	Hash string
	Key  string
	Seq  uint64
}

type origin string

const (
	originLocal      origin = "local"
	originReplicated origin = "replicated"
)

type writeRequest struct {
	WriteOptions
	origin    origin
	source    any // the session a replicated commit came from
	committed func(Commit)
}

// Write stores body under m and returns the commit hash. The hash covers the
// metadata header and the body, so identical content with identical metadata
// always yields the same hash and is stored once.
//
// Cancelling ctx only has an effect while the write waits for its turn. Once
// its batch started, Write waits for the outcome and reports it.
func (db *ForkDB) Write(ctx context.Context, m meta.Metadata, body io.Reader) (string, error) {
	return db.WriteWith(ctx, m, body, WriteOptions{})
}

func (db *ForkDB) WriteWith(ctx context.Context, m meta.Metadata, body io.Reader, opts WriteOptions) (string, error) {
	commit, err := db.write(ctx, m, body, writeRequest{WriteOptions: opts, origin: originLocal})
	return commit.Hash, err
}

func (db *ForkDB) write(ctx context.Context, m meta.Metadata, body io.Reader, req writeRequest) (Commit, error) {
	if err := db.ready(); err != nil {
		return Commit{}, err
	}
	began := time.Now()

	m.Prev = meta.NormalizeRefs(m.Prev)
	hash, err := db.storeBlob(m, body)
	if err != nil {
		return Commit{}, err
	}
	if req.Expected != "" && req.Expected != hash {
		return Commit{}, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, hash, req.Expected)
	}
	return db.commit(ctx, hash, m, req, began)
}

// writeEnvelope stores a commit received from a peer. The envelope is kept
// byte for byte, so the commit keeps the hash it was created with even when
// its header would encode differently here.
func (db *ForkDB) writeEnvelope(ctx context.Context, data []byte, req writeRequest) (Commit, error) {
	if err := db.ready(); err != nil {
		return Commit{}, err
	}
	began := time.Now()

	if len(data) > db.config.MaxCommitSize {
		return Commit{}, fmt.Errorf("%w: %d bytes", ErrCommitTooLarge, len(data))
	}
	if hash := blobStore.HashBytes(data); req.Expected != "" && req.Expected != hash {
		return Commit{}, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, hash, req.Expected)
	}
	m, _, err := meta.SplitEnvelope(bytes.NewReader(data))
	if err != nil {
		return Commit{}, err
	}
	m.Prev = meta.NormalizeRefs(m.Prev)

	hash, err := db.blobs.WriteAll(data)
	if err != nil {
		return Commit{}, fmt.Errorf("%w: %v", ErrBlobWrite, err)
	}
	return db.commit(ctx, hash, m, req, began)
}

func (db *ForkDB) commit(ctx context.Context, hash string, m meta.Metadata, req writeRequest, began time.Time) (Commit, error) {
	var commit Commit
	err := db.queue.Do(ctx, func() error {
		var err error
		commit, err = db.writeLocked(hash, m, req)
		return err
	})
	if err != nil {
		return Commit{}, err
	}

	writeDuration.Observe(time.Since(began).Seconds())
	return commit, nil
}

func (db *ForkDB) storeBlob(m meta.Metadata, body io.Reader) (string, error) {
	header, err := meta.EncodeHeader(m)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlobWrite, err)
	}
	limit := int64(db.config.MaxCommitSize)
	if int64(len(header)) > limit {
		return "", fmt.Errorf("%w: header of %d bytes", ErrCommitTooLarge, len(header))
	}

	w := db.blobs.CreateWriteStream()
	if _, err := w.Write(header); err != nil {
		w.Abort(err)
		return "", fmt.Errorf("%w: header: %v", ErrBlobWrite, err)
	}
	if body != nil {
		// one byte past the limit tells an oversized body apart
		room := limit - int64(len(header))
		n, err := io.Copy(w, io.LimitReader(body, room+1))
		if err != nil {
			w.Abort(err)
			return "", fmt.Errorf("%w: body: %v", ErrBlobWrite, err)
		}
		if n > room {
			w.Abort(ErrCommitTooLarge)
			return "", fmt.Errorf("%w: more than %d bytes", ErrCommitTooLarge, limit)
		}
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBlobWrite, err)
	}
	return w.Key(), nil
}

// writeLocked builds and commits the batch of one write. It runs on the
// operation queue, so no other write changes the sequence counter meanwhile.
func (db *ForkDB) writeLocked(hash string, m meta.Metadata, req writeRequest) (Commit, error) {
	key := m.KeyOrDefault()

	exists, err := db.kv.Has(metaKey(hash))
	if err != nil {
		return Commit{}, fmt.Errorf("check existing %s: %w", hash, err)
	}
	if exists {
		return db.commitExisting(hash, key, req)
	}

	rows, err := db.index.Create(fwdb.Doc{Hash: hash, Key: key, Prev: m.Prev})
	if err != nil {
		return Commit{}, fmt.Errorf("index rows for %s: %w", hash, err)
	}
	if len(m.Prev) == 0 {
		rows = append(rows, keyValStore.PutRow(tailKey(key, hash), []byte("0")))
	}

	encoded, err := json.Marshal(m)
	if err != nil {
		return Commit{}, fmt.Errorf("encode metadata of %s: %w", hash, err)
	}

	// the counter only moves once the batch holding this number committed
	next := db.seq.Load() + 1
	rows = append(rows,
		keyValStore.PutRow(metaKey(hash), encoded),
		keyValStore.PutRow(seqKey(next), []byte(hash)),
		keyValStore.PutRow(seqHashKey(hash), encodeSeq(next)),
	)

	if req.Prebatch != nil {
		rows, err = runPrebatch(req.Prebatch, rows)
		if err != nil {
			return Commit{}, err
		}
	}

	if err := db.kv.Batch(rows); err != nil {
		return Commit{}, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	db.seq.Store(next)

	commit := Commit{Hash: hash, Key: key, Seq: next}
	if req.committed != nil {
		req.committed(commit)
	}
	db.notify.publish(commitEvent{Commit: commit, source: req.source})
	commitsWritten.WithLabelValues(string(req.origin)).Inc()

	db.log.WithFields(logrus.Fields{
		"hash":   hash,
		"key":    key,
		"seq":    next,
		"origin": req.origin,
	}).Debug("commit written")
	return commit, nil
}

// commitExisting handles a write of a commit that is already stored. No new
// sequence number is used; rows added by the prebatch are still committed.
func (db *ForkDB) commitExisting(hash, key string, req writeRequest) (Commit, error) {
	seq, err := db.seqOf(hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Commit{}, err
	}
	commit := Commit{Hash: hash, Key: key, Seq: seq}

	if req.Prebatch != nil {
		rows, err := runPrebatch(req.Prebatch, []Row{})
		if err != nil {
			return Commit{}, err
		}
		if len(rows) > 0 {
			if err := db.kv.Batch(rows); err != nil {
				return Commit{}, fmt.Errorf("%w: %v", ErrBatchFailed, err)
			}
		}
	}
	if req.committed != nil {
		req.committed(commit)
	}
	return commit, nil
}

func runPrebatch(fn Prebatch, rows []Row) ([]Row, error) {
	out, err := fn(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrebatch, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: hook returned no rows", ErrInvalidPrebatch)
	}
	return out, nil
}
