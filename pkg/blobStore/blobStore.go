// Package blobStore is a content-addressed blob layer. Written bytes are
// hashed with SHA-512, split into content defined chunks and stored lzma
// compressed. The hex hash of the full content is the blob key.
package blobStore

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sync"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/internal/tupleKey"
)

const hashSize = sha512.Size

var (
	ErrNotFound      = errors.New("blobStore: blob not found")
	ErrWriterClosed  = errors.New("blobStore: writer already closed")
	ErrCorruptChunks = errors.New("blobStore: corrupt chunk data")
)

type BlobStore struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewBlobStore(kv *keyValStore.KeyValStore, log *logrus.Logger) *BlobStore {
	if log == nil {
		log = logrus.New()
	}
	return &BlobStore{kv: kv, log: log}
}

// HashBytes returns the key the store assigns to data.
func HashBytes(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

func manifestKey(hexHash string) []byte {
	return tupleKey.Encode("blob", hexHash)
}

func chunkKey(chunkHash []byte) []byte {
	return tupleKey.Encode("blob-chunk", chunkHash)
}

func (b *BlobStore) Has(hexHash string) (bool, error) {
	return b.kv.Has(manifestKey(hexHash))
}

// Writer streams bytes into the store. The blob becomes readable once Close
// returned without error; Key is valid from then on.
type Writer struct {
	store *BlobStore
	pw    *io.PipeWriter
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	key    string
	err    error // set by the chunking goroutine

	hasher   hash.Hash
	manifest []byte
	size     int64
}

func (b *BlobStore) CreateWriteStream() *Writer {
	pr, pw := io.Pipe()
	w := &Writer{
		store:  b,
		pw:     pw,
		done:   make(chan struct{}),
		hasher: sha512.New(),
	}
	go w.consume(pr)
	return w
}

func (w *Writer) consume(pr *io.PipeReader) {
	defer close(w.done)

	bz := chunker.NewBuzhash(io.TeeReader(pr, w.hasher))
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			return
		}
		if err != nil {
			w.err = fmt.Errorf("error reading chunk: %w", err)
			pr.CloseWithError(w.err)
			return
		}

		sum := sha512.Sum512(chunk)
		if err := w.store.putChunk(sum[:], chunk); err != nil {
			w.err = err
			pr.CloseWithError(err)
			return
		}
		w.manifest = append(w.manifest, sum[:]...)
		w.size += int64(len(chunk))
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return 0, ErrWriterClosed
	}
	return w.pw.Write(p)
}

// Close finishes the blob and records its manifest.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	w.mu.Unlock()

	w.pw.Close()
	<-w.done
	if w.err != nil {
		return w.err
	}

	key := hex.EncodeToString(w.hasher.Sum(nil))
	manifest := w.manifest
	if manifest == nil {
		manifest = []byte{}
	}
	if err := w.store.kv.Put(manifestKey(key), manifest); err != nil {
		return fmt.Errorf("write manifest of %s: %w", key, err)
	}

	w.mu.Lock()
	w.key = key
	w.mu.Unlock()

	w.store.log.WithFields(logrus.Fields{
		"hash":   key,
		"chunks": len(manifest) / hashSize,
		"size":   w.size,
	}).Trace("blob written")
	return nil
}

// Abort discards the blob. Chunks already stored stay, they are shared by
// content.
func (w *Writer) Abort(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	if err == nil {
		err = errors.New("blobStore: write aborted")
	}
	w.pw.CloseWithError(err)
	<-w.done
}

func (w *Writer) Key() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key
}

func (b *BlobStore) putChunk(sum []byte, data []byte) error {
	key := chunkKey(sum)
	exists, err := b.kv.Has(key)
	if err != nil {
		return fmt.Errorf("check chunk %x: %w", sum[:8], err)
	}
	if exists {
		return nil
	}

	compressed, err := compressWithLzma(data)
	if err != nil {
		return fmt.Errorf("compress chunk %x: %w", sum[:8], err)
	}
	if err := b.kv.Put(key, compressed); err != nil {
		return fmt.Errorf("store chunk %x: %w", sum[:8], err)
	}
	return nil
}

// WriteAll stores data in one call and returns its key.
func (b *BlobStore) WriteAll(data []byte) (string, error) {
	w := b.CreateWriteStream()
	if _, err := w.Write(data); err != nil {
		w.Abort(err)
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return w.Key(), nil
}

// CreateReadStream replays the bytes stored under hexHash. Chunks are loaded
// one at a time as the stream is read.
func (b *BlobStore) CreateReadStream(hexHash string) (io.ReadCloser, error) {
	manifest, err := b.kv.Get(manifestKey(hexHash))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hexHash)
	}
	if err != nil {
		return nil, err
	}
	if len(manifest)%hashSize != 0 {
		return nil, fmt.Errorf("%w: manifest of %s has %d bytes", ErrCorruptChunks, hexHash, len(manifest))
	}
	return &chunkReader{store: b, manifest: manifest}, nil
}

func (b *BlobStore) ReadAll(hexHash string) ([]byte, error) {
	r, err := b.CreateReadStream(hexHash)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type chunkReader struct {
	store    *BlobStore
	manifest []byte
	current  *bytes.Reader
	closed   bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.ErrClosedPipe
	}
	for {
		if r.current != nil && r.current.Len() > 0 {
			return r.current.Read(p)
		}
		if len(r.manifest) == 0 {
			return 0, io.EOF
		}

		sum := r.manifest[:hashSize]
		r.manifest = r.manifest[hashSize:]
		data, err := r.store.loadChunk(sum)
		if err != nil {
			return 0, err
		}
		r.current = bytes.NewReader(data)
	}
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func (b *BlobStore) loadChunk(sum []byte) ([]byte, error) {
	compressed, err := b.kv.Get(chunkKey(sum))
	if errors.Is(err, keyValStore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: chunk %x missing", ErrCorruptChunks, sum[:8])
	}
	if err != nil {
		return nil, err
	}
	data, err := decompressWithLzma(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: chunk %x: %v", ErrCorruptChunks, sum[:8], err)
	}
	if got := sha512.Sum512(data); !bytes.Equal(got[:], sum) {
		return nil, fmt.Errorf("%w: chunk %x hash mismatch", ErrCorruptChunks, sum[:8])
	}
	return data, nil
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	_, err = w.Write(data)
	if err != nil {
		return nil, err
	}

	err = w.Close()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
