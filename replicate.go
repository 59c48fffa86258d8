package forkdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/forkdb/pkg/exchange"
	workerpool "github.com/i5heu/forkdb/pkg/workerPool"
)

const (
	advertBatchSize  = 25
	checkParallelism = 8
)

// hasCommit is the presence check run for advertised commits.
var hasCommit = (*ForkDB).Has

type ReplicateOptions struct {
	// Mode defaults to exchange.ModeSync.
	Mode exchange.Mode
	// Live keeps the session open after the initial exchange and advertises
	// every new local commit to the peer until the session is closed.
	Live bool
	// OnEvent observes the session. It runs on the session goroutine and
	// must not block.
	OnEvent func(Event)
}

type EventType int

const (
	EventHello EventType = iota + 1
	EventSince
	EventAvailable
	EventRequest
	EventResponse
	EventSeen
	EventSync
	EventSettled
)

func (t EventType) String() string {
	switch t {
	case EventHello:
		return "hello"
	case EventSince:
		return "since"
	case EventAvailable:
		return "available"
	case EventRequest:
		return "request"
	case EventResponse:
		return "response"
	case EventSeen:
		return "seen"
	case EventSync:
		return "sync"
	case EventSettled:
		return "settled"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is something that happened in a session, mostly a frame received
// from the peer. Response events carry the outcome of applying the commit.
type Event struct {
	Type   EventType
	Peer   string
	Seq    uint64
	Hashes []string
	Hash   string
	Err    error
}

// Result summarizes a finished session. Errors holds one entry per commit
// that could not be applied; the others still were.
type Result struct {
	Peer      string
	Exchanged []string
	Errors    []error
}

func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

type sessionState int

const (
	stateIdentity sessionState = iota
	stateCursor
	stateExchanging
	stateLive
	stateFinished
)

type recvResult struct {
	frame exchange.Frame
	err   error
}

// advertBatch is one received advertisement. The seen cursor may only move
// to maxSeq once every missing commit of this and all earlier batches landed.
type advertBatch struct {
	maxSeq      uint64
	outstanding int
	trouble     bool
}

type applyJob struct {
	frame   exchange.Frame
	batch   *advertBatch
	advance uint64
}

type presence struct {
	hash  string
	found bool
	err   error
}

// Session replicates with one peer over one transport. All protocol state is
// owned by a single goroutine; the reader, the writer and the workers talk to
// it through channels and mailboxes.
type Session struct {
	db   *ForkDB
	tr   exchange.Transport
	opts ReplicateOptions
	log  *logrus.Entry

	cancel context.CancelCauseFunc

	frames  chan recvResult
	actions chan func() error
	outbox  *mailbox[exchange.Frame]
	checks  *mailbox[[]exchange.Advert]
	applies *mailbox[applyJob]
	answers *mailbox[[]string]

	stop       chan struct{}
	abort      chan struct{}
	writerDone chan struct{}
	closeReq   chan struct{}
	closeOnce  sync.Once
	settledCh  chan struct{}
	done       chan struct{}

	// written by the applier, read everywhere
	frozen atomic.Bool

	// owned by the session goroutine
	state      sessionState
	peer       string
	peerMode   exchange.Mode
	gotSince   bool
	peerEnded  bool
	pending    int
	acks       int
	batches    []*advertBatch
	inFlight   map[string]*advertBatch
	since      uint64
	scanHigh   uint64
	sentSync   bool
	gotSync    bool
	settled    bool
	sub        *mailbox[commitEvent]
	result     Result
	err        error
	workers    sync.WaitGroup
	goroutines *errgroup.Group
}

// Replicate starts a session with the peer at the other end of tr. The
// session owns tr and closes it when it ends.
func (db *ForkDB) Replicate(ctx context.Context, tr exchange.Transport, opts ReplicateOptions) (*Session, error) {
	if err := db.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	s := &Session{
		db:         db,
		tr:         tr,
		opts:       opts,
		log:        db.log.WithField("mode", opts.Mode.String()),
		cancel:     cancel,
		frames:     make(chan recvResult),
		actions:    make(chan func() error),
		outbox:     newMailbox[exchange.Frame](),
		checks:     newMailbox[[]exchange.Advert](),
		applies:    newMailbox[applyJob](),
		answers:    newMailbox[[]string](),
		stop:       make(chan struct{}),
		abort:      make(chan struct{}),
		writerDone: make(chan struct{}),
		closeReq:   make(chan struct{}),
		settledCh:  make(chan struct{}),
		done:       make(chan struct{}),
		pending:    1,
		inFlight:   map[string]*advertBatch{},
	}
	if !db.addSession(s) {
		cancel(ErrClosed)
		return nil, ErrClosed
	}

	s.goroutines = &errgroup.Group{}
	s.goroutines.Go(s.reader)
	s.goroutines.Go(s.writer)
	s.workers.Add(3)
	go s.checker()
	go s.applier(ctx)
	go s.responder()

	replicationSessions.Inc()
	go s.run(ctx)
	return s, nil
}

// Settled is closed once both sides exchanged everything they had when the
// session started.
func (s *Session) Settled() <-chan struct{} {
	return s.settledCh
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ended and returns its result. The error is
// non-nil when the session itself failed; per-commit failures are in
// Result.Errors.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, s.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close ends the session. Closing a session that did not settle yet fails it
// with ErrSessionClosed.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closeReq) })
	<-s.done
	return s.err
}

func (s *Session) run(ctx context.Context) {
	err := s.loop(ctx)
	s.finish(err)

	s.db.removeSession(s)
	replicationSessions.Dec()
	s.cancel(nil)
	close(s.done)
}

func (s *Session) loop(ctx context.Context) error {
	s.send(exchange.Hello(s.db.ID(), s.opts.Mode))

	for {
		var liveReady <-chan struct{}
		if s.state == stateLive {
			liveReady = s.sub.ready()
		}

		select {
		case r := <-s.frames:
			if r.err != nil {
				return s.recvFailed(r.err)
			}
			if err := s.handle(r.frame); err != nil {
				kind := "storage"
				if errors.Is(err, ErrMalformedProtocol) {
					kind = "protocol"
				}
				replicationErrors.WithLabelValues(kind).Inc()
				return err
			}
		case fn := <-s.actions:
			if err := fn(); err != nil {
				return err
			}
		case <-liveReady:
			s.advertiseLive()
		case <-s.closeReq:
			if !s.settled {
				return ErrSessionClosed
			}
			return nil
		case <-ctx.Done():
			return context.Cause(ctx)
		}

		s.progress()
		if s.state == stateFinished {
			return nil
		}
	}
}

func (s *Session) recvFailed(err error) error {
	if errors.Is(err, io.EOF) {
		if s.settled {
			return nil
		}
		return fmt.Errorf("%w: peer hung up", ErrSessionClosed)
	}
	if errors.Is(err, exchange.ErrMalformed) {
		replicationErrors.WithLabelValues("protocol").Inc()
		return err
	}
	replicationErrors.WithLabelValues("transport").Inc()
	return fmt.Errorf("receive: %w", err)
}

func (s *Session) protocolError(f exchange.Frame, reason string) error {
	return fmt.Errorf("%w: %s %s", ErrMalformedProtocol, f.Type, reason)
}

func (s *Session) handle(f exchange.Frame) error {
	if s.state == stateIdentity && f.Type != exchange.FrameHello {
		return s.protocolError(f, "before hello")
	}

	switch f.Type {
	case exchange.FrameHello:
		if s.state != stateIdentity {
			return s.protocolError(f, "repeated")
		}
		return s.onHello(f)

	case exchange.FrameSince:
		if s.gotSince {
			return s.protocolError(f, "repeated")
		}
		return s.onSince(f)

	case exchange.FrameAvailable:
		if !s.gotSince {
			return s.protocolError(f, "before since")
		}
		return s.onAvailable(f)

	case exchange.FrameRequest:
		s.emit(Event{Type: EventRequest, Hashes: f.Hashes})
		if len(f.Hashes) > 0 {
			s.pending += len(f.Hashes)
			s.acks += len(f.Hashes)
			s.answers.put(f.Hashes)
		}

	case exchange.FrameResponse:
		b, ok := s.inFlight[f.Hash]
		if !ok {
			return s.protocolError(f, "for a commit that was not requested")
		}
		delete(s.inFlight, f.Hash)
		s.applies.put(applyJob{frame: f, batch: b})

	case exchange.FrameSeen:
		if s.acks == 0 {
			return s.protocolError(f, "without a response")
		}
		s.acks--
		s.pending--
		if f.Seq > 0 {
			replicationHashes.WithLabelValues("sent").Inc()
		}
		s.emit(Event{Type: EventSeen, Hash: f.Hash, Seq: f.Seq})

	case exchange.FrameSync:
		if s.gotSync {
			return s.protocolError(f, "repeated")
		}
		s.gotSync = true
		s.emit(Event{Type: EventSync, Seq: f.Seq})

	default:
		return s.protocolError(f, "unexpected")
	}
	return nil
}

func (s *Session) onHello(f exchange.Frame) error {
	s.peer = f.ID
	s.peerMode = f.Mode
	s.result.Peer = f.ID
	s.log = s.log.WithFields(logrus.Fields{"peer": f.ID, "peerMode": f.Mode.String()})

	since, err := s.db.seen.get(f.ID)
	if err != nil {
		return err
	}
	s.since = since
	s.state = stateCursor
	s.send(exchange.Since(since))
	s.emit(Event{Type: EventHello, Peer: f.ID})
	s.log.WithField("since", since).Debug("peer identified")
	return nil
}

// onSince advertises the local ledger above the peer's cursor, in batches,
// followed by an empty batch.
func (s *Session) onSince(f exchange.Frame) error {
	s.gotSince = true
	s.emit(Event{Type: EventSince, Seq: f.Seq})

	if s.opts.Live {
		// subscribe first, so no commit falls between the scan and the feed
		s.sub = s.db.notify.subscribe()
	}

	s.scanHigh = f.Seq
	entries := make([]exchange.Advert, 0, advertBatchSize)
	err := s.db.scanLedger(f.Seq, func(a exchange.Advert) error {
		entries = append(entries, a)
		s.scanHigh = a.Seq
		if len(entries) == advertBatchSize {
			s.send(exchange.Available(entries))
			entries = make([]exchange.Advert, 0, advertBatchSize)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	if len(entries) > 0 {
		s.send(exchange.Available(entries))
	}
	s.send(exchange.Available(nil))
	s.state = stateExchanging
	return nil
}

func (s *Session) onAvailable(f exchange.Frame) error {
	if len(f.Entries) == 0 {
		if s.peerEnded {
			return s.protocolError(f, "end repeated")
		}
		s.peerEnded = true
		s.pending--
		return nil
	}

	hashes := make([]string, len(f.Entries))
	for i, a := range f.Entries {
		hashes[i] = a.Hash
	}
	s.emit(Event{Type: EventAvailable, Hashes: hashes})

	// push never pulls; sync never pulls from a pull peer
	if s.opts.Mode == exchange.ModePush {
		return nil
	}
	if s.opts.Mode == exchange.ModeSync && s.peerMode == exchange.ModePull {
		return nil
	}
	s.pending++
	s.checks.put(f.Entries)
	return nil
}

// checked runs on the session goroutine with the presence of every commit of
// one advertised batch.
func (s *Session) checked(batch []exchange.Advert, found []presence) {
	s.pending--
	b := &advertBatch{}
	for _, a := range batch {
		if a.Seq > b.maxSeq {
			b.maxSeq = a.Seq
		}
	}

	var missing []string
	for _, p := range found {
		if p.err != nil {
			// a later commit of this batch must not carry the cursor past it
			b.trouble = true
			s.frozen.Store(true)
			s.recordError(fmt.Errorf("check %s: %w", p.hash, p.err))
			continue
		}
		if p.found {
			continue
		}
		if _, ok := s.inFlight[p.hash]; ok {
			continue
		}
		s.inFlight[p.hash] = b
		b.outstanding++
		missing = append(missing, p.hash)
	}
	s.batches = append(s.batches, b)

	if len(missing) > 0 {
		s.pending += len(missing)
		s.send(exchange.Request(missing))
	}
	s.advanceResolved()
}

type applyOutcome struct {
	hash     string
	seq      uint64
	batch    *advertBatch
	withheld bool
	err      error
}

func (s *Session) applied(o applyOutcome) {
	s.pending--
	o.batch.outstanding--
	switch {
	case o.withheld:
		o.batch.trouble = true
		s.log.WithField("hash", o.hash).Debug("peer withheld commit")
	case o.err != nil:
		o.batch.trouble = true
		s.recordError(o.err)
	default:
		s.result.Exchanged = append(s.result.Exchanged, o.hash)
		replicationHashes.WithLabelValues("received").Inc()
	}
	s.emit(Event{Type: EventResponse, Hash: o.hash, Seq: o.seq, Err: o.err})
	s.advanceResolved()
}

// advanceResolved moves the seen cursor over the fully resolved batches at
// the front. A batch with trouble stops cursor movement for the session.
func (s *Session) advanceResolved() {
	for len(s.batches) > 0 && s.batches[0].outstanding == 0 {
		b := s.batches[0]
		s.batches[0] = nil
		s.batches = s.batches[1:]
		if b.trouble {
			s.frozen.Store(true)
		}
		if s.frozen.Load() {
			continue
		}
		s.pending++
		s.applies.put(applyJob{advance: b.maxSeq})
	}
}

func (s *Session) recordError(err error) {
	s.result.Errors = append(s.result.Errors, err)
	replicationErrors.WithLabelValues("commit").Inc()
	s.log.WithError(err).Warn("replication failed for one commit")
}

// progress sends the sync once nothing is pending and settles the session
// when both syncs crossed.
func (s *Session) progress() {
	if s.state < stateExchanging || s.state == stateFinished {
		return
	}
	if !s.sentSync && s.pending == 0 {
		s.sentSync = true
		s.send(exchange.Sync(s.scanHigh))
	}
	if s.settled || !s.sentSync || !s.gotSync || s.pending != 0 {
		return
	}

	s.settled = true
	close(s.settledCh)
	s.emit(Event{Type: EventSettled, Peer: s.peer})
	s.log.WithFields(logrus.Fields{
		"since":     s.since,
		"exchanged": len(s.result.Exchanged),
		"errors":    len(s.result.Errors),
	}).Info("replication settled")

	if !s.opts.Live {
		s.state = stateFinished
		return
	}
	s.state = stateLive
	s.advertiseLive()
}

// advertiseLive advertises commits created since the ledger scan, except
// those that came from this session.
func (s *Session) advertiseLive() {
	var entries []exchange.Advert
	for _, ev := range s.sub.drain() {
		if ev.source == s || ev.Seq <= s.scanHigh {
			continue
		}
		entries = append(entries, exchange.Advert{Seq: ev.Seq, Hash: ev.Hash})
	}
	for len(entries) > 0 {
		n := min(len(entries), advertBatchSize)
		s.send(exchange.Available(entries[:n]))
		s.scanHigh = entries[n-1].Seq
		entries = entries[n:]
	}
}

func (s *Session) emit(ev Event) {
	if s.opts.OnEvent == nil {
		return
	}
	if ev.Peer == "" {
		ev.Peer = s.peer
	}
	s.opts.OnEvent(ev)
}

func (s *Session) send(f exchange.Frame) {
	s.outbox.put(f)
}

// post hands fn to the session goroutine. It is dropped once the session
// stopped.
func (s *Session) post(fn func() error) {
	select {
	case s.actions <- fn:
	case <-s.stop:
	}
}

// finish tears the goroutines down. A clean end flushes the outbox first.
func (s *Session) finish(err error) {
	s.err = err
	s.state = stateFinished
	close(s.stop)
	if s.sub != nil {
		s.db.notify.unsubscribe(s.sub)
	}

	if err == nil {
		s.outbox.close()
		<-s.writerDone
	} else {
		close(s.abort)
		s.cancel(err)
		s.log.WithError(err).Warn("replication aborted")
	}
	s.tr.Close()

	s.checks.close()
	s.applies.close()
	s.answers.close()
	s.workers.Wait()
	s.goroutines.Wait()
}

// reader keeps draining the transport after the session stopped, so the
// peer's writer never blocks on us.
func (s *Session) reader() error {
	for {
		f, err := s.tr.Recv()
		select {
		case s.frames <- recvResult{frame: f, err: err}:
		case <-s.stop:
		}
		if err != nil {
			return err
		}
	}
}

func (s *Session) writer() error {
	defer close(s.writerDone)
	for {
		f, ok := s.outbox.next(s.abort)
		if !ok {
			return nil
		}
		if err := s.tr.Send(f); err != nil {
			replicationErrors.WithLabelValues("transport").Inc()
			s.post(func() error { return fmt.Errorf("send %s: %w", f.Type, err) })
			return err
		}
	}
}

// checker looks up advertised batches one after another, the commits of a
// batch concurrently.
func (s *Session) checker() {
	defer s.workers.Done()
	for {
		batch, ok := s.checks.next(s.stop)
		if !ok {
			return
		}
		room := workerpool.NewRoom[presence](s.db.pool, checkParallelism)
		for _, a := range batch {
			hash := a.Hash
			room.Go(func() presence {
				found, err := hasCommit(s.db, hash)
				return presence{hash: hash, found: found, err: err}
			})
		}
		found := room.Collect()
		s.post(func() error {
			s.checked(batch, found)
			return nil
		})
	}
}

// applier writes received commits and cursor advances strictly in the order
// they were queued.
func (s *Session) applier(ctx context.Context) {
	defer s.workers.Done()
	for {
		job, ok := s.applies.next(s.stop)
		if !ok {
			return
		}
		if job.batch == nil {
			s.applyAdvance(ctx, job.advance)
			continue
		}
		s.applyResponse(ctx, job)
	}
}

func (s *Session) applyAdvance(ctx context.Context, n uint64) {
	var err error
	if !s.frozen.Load() {
		err = s.db.advanceSeen(ctx, s.peer, n)
		if err != nil {
			s.frozen.Store(true)
		}
	}
	s.post(func() error {
		s.pending--
		if err != nil {
			s.recordError(fmt.Errorf("advance seen cursor to %d: %w", n, err))
		}
		return nil
	})
}

func (s *Session) applyResponse(ctx context.Context, job applyJob) {
	f := job.frame
	outcome := applyOutcome{hash: f.Hash, batch: job.batch}

	if f.Withheld {
		s.frozen.Store(true)
		outcome.withheld = true
		s.send(exchange.Seen(f.Hash, 0))
		s.post(func() error { s.applied(outcome); return nil })
		return
	}

	commit, err := s.applyCommit(ctx, f)
	if err != nil {
		s.frozen.Store(true)
		outcome.err = fmt.Errorf("commit %s: %w", f.Hash, err)
	}
	outcome.seq = commit.Seq
	s.send(exchange.Seen(f.Hash, commit.Seq))
	s.post(func() error { s.applied(outcome); return nil })
}

// applyCommit writes one received commit. Unless the cursor is frozen, the
// peer's sequence of the commit is folded into the same batch.
func (s *Session) applyCommit(ctx context.Context, f exchange.Frame) (Commit, error) {
	peer := s.peer
	folded := false
	req := writeRequest{
		WriteOptions: WriteOptions{
			Expected: f.Hash,
			Prebatch: func(rows []Row) ([]Row, error) {
				if s.frozen.Load() {
					return rows, nil
				}
				seen, err := s.db.seen.rows(peer, f.Seq)
				if err != nil {
					return nil, err
				}
				folded = len(seen) > 0
				return append(rows, seen...), nil
			},
		},
		origin: originReplicated,
		source: s,
		committed: func(Commit) {
			if folded {
				s.db.seen.merge(peer, f.Seq)
			}
		},
	}
	return s.db.writeEnvelope(ctx, f.Data, req)
}

// responder answers requests in the order they arrived. A pull session never
// hands out content.
func (s *Session) responder() {
	defer s.workers.Done()
	for {
		hashes, ok := s.answers.next(s.stop)
		if !ok {
			return
		}
		for _, hash := range hashes {
			s.send(s.answer(hash))
		}
	}
}

func (s *Session) answer(hash string) exchange.Frame {
	if s.opts.Mode == exchange.ModePull {
		return exchange.Withheld(hash)
	}
	seq, err := s.db.SeqOf(hash)
	if err != nil {
		s.log.WithError(err).WithField("hash", hash).Debug("withholding requested commit")
		return exchange.Withheld(hash)
	}
	data, err := s.db.envelope(hash)
	if err != nil {
		s.log.WithError(err).WithField("hash", hash).Warn("withholding unreadable commit")
		return exchange.Withheld(hash)
	}
	if len(data) > exchange.MaxEnvelopeSize || len(data) > s.db.config.MaxCommitSize {
		err := fmt.Errorf("serve commit %s: %w: %d bytes", hash, ErrCommitTooLarge, len(data))
		s.post(func() error {
			s.recordError(err)
			return nil
		})
		return exchange.Withheld(hash)
	}
	return exchange.Response(hash, seq, data)
}
