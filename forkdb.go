// Package forkdb is a content-addressed, fork-aware document store. Commits
// are immutable, keyed by the hash of their content, grouped under logical
// keys and linked to their parents. Two stores replicate by exchanging only
// the commits the other side has not seen yet.
package forkdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/internal/opQueue"
	"github.com/i5heu/forkdb/pkg/blobStore"
	"github.com/i5heu/forkdb/pkg/exchange"
	"github.com/i5heu/forkdb/pkg/fwdb"
	workerpool "github.com/i5heu/forkdb/pkg/workerPool"
)

// Config configures a store. Only Paths[0] is used at the moment.
type Config struct {
	// Paths contains data directories. Paths[0]/db holds the index and the
	// ledger, Paths[0]/blob the commit contents.
	Paths []string
	// MinimumFreeGB is checked before the stores are opened.
	MinimumFreeGB uint
	// InMemory keeps everything in memory, Paths is ignored.
	InMemory   bool
	SyncWrites bool
	// ID overrides the persisted replica identity.
	ID string
	// GCInterval runs value log garbage collection periodically when set.
	GCInterval time.Duration
	// MaxCommitSize limits the size of a commit's header plus body. Zero or
	// anything above exchange.MaxEnvelopeSize means exchange.MaxEnvelopeSize,
	// so every commit fits into one response frame.
	MaxCommitSize int
	// Logger is an optional logger. If nil, one logging to stderr at Info
	// level is used.
	Logger *logrus.Logger
	// OnError receives failures of background work nobody waits for. If nil
	// they are logged.
	OnError func(error)
}

type ForkDB struct {
	log    *logrus.Logger
	config Config

	kv     *keyValStore.KeyValStore
	blobKV *keyValStore.KeyValStore
	blobs  *blobStore.BlobStore
	index  *fwdb.FwDB
	queue  *opQueue.Queue
	pool   *workerpool.WorkerPool
	notify *notifier
	seen   *seenCache

	id  string
	seq atomic.Uint64

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	started   atomic.Bool
	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	stopGC    chan struct{}
}

func defaultLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.InfoLevel)
	return log
}

// New constructs a store handle. Call Start before using it.
func New(conf Config) (*ForkDB, error) {
	if len(conf.Paths) == 0 && !conf.InMemory {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.MaxCommitSize <= 0 || conf.MaxCommitSize > exchange.MaxEnvelopeSize {
		conf.MaxCommitSize = exchange.MaxEnvelopeSize
	}
	return &ForkDB{
		log:      conf.Logger,
		config:   conf,
		notify:   newNotifier(),
		sessions: map[*Session]struct{}{},
		stopGC:   make(chan struct{}),
	}, nil
}

// Start opens the stores, then loads the replica identity and recovers the
// sequence counter before any write can run. Only the first call has effect.
func (db *ForkDB) Start(ctx context.Context) error {
	var startErr error
	db.startOnce.Do(func() {
		startErr = db.open()
		if startErr != nil {
			return
		}

		db.queue = opQueue.New(db.reportError)
		if err := db.queue.Do(ctx, db.initialize); err != nil {
			startErr = fmt.Errorf("initialize: %w", err)
			db.shutdown()
			return
		}

		if db.config.GCInterval > 0 {
			go db.garbageCollection(db.config.GCInterval)
		}

		db.started.Store(true)
		db.log.WithFields(logrus.Fields{
			"id":  db.id,
			"seq": db.seq.Load(),
		}).Info("forkdb started")
	})
	return startErr
}

func (db *ForkDB) open() error {
	newStore := func(sub string) (*keyValStore.KeyValStore, error) {
		conf := keyValStore.StoreConfig{
			InMemory:         db.config.InMemory,
			SyncWrites:       db.config.SyncWrites,
			MinimumFreeSpace: int(db.config.MinimumFreeGB),
			Logger:           db.log,
		}
		if !db.config.InMemory {
			conf.Paths = []string{filepath.Join(db.config.Paths[0], sub)}
		}
		return keyValStore.NewKeyValStore(conf)
	}

	kv, err := newStore("db")
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	blobKV, err := newStore("blob")
	if err != nil {
		kv.Close()
		return fmt.Errorf("open blob store: %w", err)
	}

	db.kv = kv
	db.blobKV = blobKV
	db.blobs = blobStore.NewBlobStore(blobKV, db.log)
	db.index = fwdb.New(kv)
	db.seen = newSeenCache(kv)
	db.pool = workerpool.NewWorkerPool(workerpool.Config{})
	return nil
}

// Run starts the store, blocks until ctx is canceled and closes it again.
func (db *ForkDB) Run(ctx context.Context) error {
	if err := db.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.Close(shutdownCtx)
}

// Close waits for queued writes and releases the stores. Close is idempotent.
func (db *ForkDB) Close(ctx context.Context) error {
	var closeErr error
	db.closeOnce.Do(func() {
		db.closed.Store(true)
		close(db.stopGC)

		done := make(chan error, 1)
		go func() {
			db.abortSessions()
			db.notify.close()
			done <- db.shutdown()
		}()
		select {
		case closeErr = <-done:
		case <-ctx.Done():
			closeErr = ctx.Err()
		}
	})
	return closeErr
}

func (db *ForkDB) shutdown() error {
	var err error
	if db.queue != nil {
		if n := db.queue.Len(); n > 0 {
			db.log.WithField("queued", n).Info("finishing queued operations before close")
		}
		db.queue.Close()
	}
	if db.pool != nil {
		db.pool.Close()
	}
	if db.kv != nil {
		if cerr := db.kv.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close index store: %w", cerr))
		}
	}
	if db.blobKV != nil {
		if cerr := db.blobKV.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close blob store: %w", cerr))
		}
	}
	return err
}

func (db *ForkDB) addSession(s *Session) bool {
	db.sessionsMu.Lock()
	defer db.sessionsMu.Unlock()
	if db.closed.Load() {
		return false
	}
	db.sessions[s] = struct{}{}
	return true
}

func (db *ForkDB) removeSession(s *Session) {
	db.sessionsMu.Lock()
	delete(db.sessions, s)
	db.sessionsMu.Unlock()
}

// abortSessions ends running replication sessions and waits for them, so no
// session touches the stores while they close.
func (db *ForkDB) abortSessions() {
	db.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(db.sessions))
	for s := range db.sessions {
		sessions = append(sessions, s)
	}
	db.sessionsMu.Unlock()

	for _, s := range sessions {
		s.cancel(ErrClosed)
	}
	for _, s := range sessions {
		<-s.Done()
	}
}

func (db *ForkDB) ready() error {
	if db.closed.Load() {
		return ErrClosed
	}
	if !db.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// ID returns the replica identity presented to peers.
func (db *ForkDB) ID() string {
	return db.id
}

// Seq returns the sequence number of the latest local commit.
func (db *ForkDB) Seq() uint64 {
	return db.seq.Load()
}

func (db *ForkDB) reportError(err error) {
	if db.config.OnError != nil {
		db.config.OnError(err)
		return
	}
	db.log.WithError(err).Error("background operation failed")
}

func (db *ForkDB) garbageCollection(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			db.queue.PushUnowned(func() error {
				if err := db.kv.Clean(); err != nil {
					return fmt.Errorf("garbage collection of index store: %w", err)
				}
				if err := db.blobKV.Clean(); err != nil {
					return fmt.Errorf("garbage collection of blob store: %w", err)
				}
				return nil
			})
		case <-db.stopGC:
			return
		}
	}
}
