package keyValStore

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/forkdb/internal/tupleKey"
)

var (
	ErrKeyNotFound = errors.New("keyValStore: key not found")
	// ErrStopScan can be returned from a scan callback to end the scan early
	// without an error.
	ErrStopScan = errors.New("keyValStore: stop scan")
)

type StoreConfig struct {
	Paths            []string // absolute path at the moment only first path is supported
	MinimumFreeSpace int      // in GB
	InMemory         bool
	SyncWrites       bool
	Logger           *logrus.Logger
}

type RowType int

const (
	Put RowType = iota
	Del
)

// Row is a single mutation of an atomic batch.
type Row struct {
	Type  RowType
	Key   []byte
	Value []byte
}

func PutRow(key, value []byte) Row {
	return Row{Type: Put, Key: key, Value: value}
}

func DelRow(key []byte) Row {
	return Row{Type: Del, Key: key}
}

// RangeOptions bound an ordered scan. Unset bounds are open.
type RangeOptions struct {
	Gt, Gte []byte
	Lt, Lte []byte
	Reverse bool
	Limit   int
}

// ListOptions narrow a scan below a tuple prefix by the value of the next
// string element.
type ListOptions struct {
	Gt      string
	Lt      string
	Limit   int
	Reverse bool
}

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Paths[0])
		opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	}
	opts = opts.WithSyncWrites(config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{entry: log.WithField("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	if !config.InMemory {
		if err := displayDiskUsage(log, config.Paths); err != nil {
			log.WithError(err).Warn("could not read disk usage")
		}
	}

	return &KeyValStore{
		config:   config,
		log:      log,
		badgerDB: db,
	}, nil
}

func (k *KeyValStore) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %x: %w", key, err)
	}
	return value, nil
}

func (k *KeyValStore) Has(key []byte) (bool, error) {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking key %x: %w", key, err)
	}
	return true, nil
}

func (k *KeyValStore) Put(key []byte, value []byte) error {
	return k.Batch([]Row{PutRow(key, value)})
}

// Batch applies every row in one badger transaction, so either all rows
// become visible or none do.
func (k *KeyValStore) Batch(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, row := range rows {
			atomic.AddUint64(&k.writeCounter, 1)
			var err error
			switch row.Type {
			case Put:
				value := row.Value
				if value == nil {
					value = []byte{}
				}
				err = txn.Set(row.Key, value)
			case Del:
				err = txn.Delete(row.Key)
			default:
				err = fmt.Errorf("unknown row type %d", row.Type)
			}
			if err != nil {
				return fmt.Errorf("row %x: %w", row.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch of %d rows: %w", len(rows), err)
	}
	return nil
}

// Scan visits every key inside the range in order and calls fn with copies of
// key and value.
func (k *KeyValStore) Scan(ro RangeOptions, fn func(key, value []byte) error) error {
	atomic.AddUint64(&k.readCounter, 1)
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = ro.Reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		count := 0
		for it.Seek(seekKey(ro)); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()

			if ro.Reverse {
				if ro.Lt != nil && bytes.Compare(key, ro.Lt) >= 0 {
					continue
				}
				if ro.Gt != nil && bytes.Compare(key, ro.Gt) <= 0 {
					break
				}
				if ro.Gte != nil && bytes.Compare(key, ro.Gte) < 0 {
					break
				}
			} else {
				if ro.Gt != nil && bytes.Equal(key, ro.Gt) {
					continue
				}
				if ro.Lt != nil && bytes.Compare(key, ro.Lt) >= 0 {
					break
				}
				if ro.Lte != nil && bytes.Compare(key, ro.Lte) > 0 {
					break
				}
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
			count++
			if ro.Limit > 0 && count >= ro.Limit {
				return nil
			}
		}
		return nil
	})
	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

func seekKey(ro RangeOptions) []byte {
	if ro.Reverse {
		switch {
		case ro.Lte != nil:
			return ro.Lte
		case ro.Lt != nil:
			return ro.Lt
		}
		// badger seeks to the largest key <= the seek key in reverse mode
		return bytes.Repeat([]byte{0xFF}, 64)
	}
	switch {
	case ro.Gte != nil:
		return ro.Gte
	case ro.Gt != nil:
		return ro.Gt
	}
	return nil
}

// ScanPrefix walks all keys below the tuple prefix, optionally bounded by the
// encoded string element (Gt, Lt) that directly follows the prefix. Longer
// strings sharing the prefix bytes (escaped 0x00) are not part of the range.
func (k *KeyValStore) ScanPrefix(prefix []byte, lo ListOptions, fn func(key, value []byte) error) error {
	ro := RangeOptions{
		Gte:     prefix,
		Lt:      append(append([]byte{}, prefix...), 0xFF),
		Reverse: lo.Reverse,
		Limit:   lo.Limit,
	}
	if lo.Gt != "" {
		// element tags never use 0xFF, so this sorts after the whole subtree
		// of Gt but before any longer string starting with Gt
		ro.Gte = append(append(append([]byte{}, prefix...), tupleKey.Encode(lo.Gt)...), 0xFF)
	}
	if lo.Lt != "" {
		ro.Lt = append(append([]byte{}, prefix...), tupleKey.Encode(lo.Lt)...)
	}
	return k.Scan(ro, fn)
}

func (k *KeyValStore) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&k.readCounter), atomic.LoadUint64(&k.writeCounter)
}

func (k *KeyValStore) Close() error {
	reads, writes := k.Stats()
	k.log.WithFields(logrus.Fields{
		"reads":  reads,
		"writes": writes,
	}).Debug("closing key value store")

	// in-memory badger has no WAL to sync
	if k.config.InMemory {
		return k.badgerDB.Close()
	}
	if err := k.badgerDB.Sync(); err != nil {
		k.log.WithError(err).Warn("error syncing db before close")
	}
	return k.badgerDB.Close()
}

// Clean flattens the LSM tree and reclaims value log space. An in-memory
// store has nothing to reclaim.
func (k *KeyValStore) Clean() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	// flatten the db
	err := k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB Flattened")

	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}

// badgerLogger forwards badger's own logging into logrus. Badger is chatty on
// info level, so that is demoted to debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Tracef(format, args...)
}
