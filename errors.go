package forkdb

import (
	"errors"

	"github.com/i5heu/forkdb/pkg/exchange"
)

var (
	// ErrNotFound is returned when a commit, its metadata or its content is
	// not stored locally.
	ErrNotFound = errors.New("forkdb: not found")
	// ErrMalformedProtocol marks a peer message that could not be parsed or
	// arrived out of order. The session is aborted.
	ErrMalformedProtocol = exchange.ErrMalformed
	// ErrBatchFailed is returned when the atomic batch of a write was
	// rejected. Nothing of the write is visible.
	ErrBatchFailed = errors.New("forkdb: batch failed")
	// ErrBlobWrite is returned when storing the content failed. No index
	// row was built.
	ErrBlobWrite = errors.New("forkdb: blob write failed")
	// ErrInvalidPrebatch is returned when a pre-commit hook failed or
	// returned no rows.
	ErrInvalidPrebatch = errors.New("forkdb: invalid prebatch")
	// ErrHashMismatch is returned when a replicated commit does not hash to
	// the hash it was advertised under.
	ErrHashMismatch = errors.New("forkdb: hash mismatch")

	// ErrSessionClosed is returned by a replication session that ended
	// before both sides exchanged their sync.
	ErrSessionClosed = errors.New("forkdb: session closed before sync")

	// ErrCommitTooLarge is returned when a commit's header and body exceed
	// Config.MaxCommitSize.
	ErrCommitTooLarge = errors.New("forkdb: commit too large")

	ErrNotStarted = errors.New("forkdb: database not started")
	ErrClosed     = errors.New("forkdb: database closed")
)
