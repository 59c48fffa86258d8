package forkdb

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/i5heu/forkdb/pkg/blobStore"
	"github.com/i5heu/forkdb/pkg/exchange"
	"github.com/i5heu/forkdb/pkg/meta"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startPair(t *testing.T, a, b *ForkDB, optsA, optsB ReplicateOptions) (*Session, *Session) {
	t.Helper()
	ctx := testContext(t)
	connA, connB := net.Pipe()
	sa, err := a.Replicate(ctx, exchange.NewStreamTransport(connA), optsA)
	require.NoError(t, err)
	sb, err := b.Replicate(ctx, exchange.NewStreamTransport(connB), optsB)
	require.NoError(t, err)
	return sa, sb
}

func replicatePair(t *testing.T, a, b *ForkDB, optsA, optsB ReplicateOptions) (Result, Result) {
	t.Helper()
	sa, sb := startPair(t, a, b, optsA, optsB)

	var ra, rb Result
	g, ctx := errgroup.WithContext(testContext(t))
	g.Go(func() error {
		var err error
		ra, err = sa.Wait(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		rb, err = sb.Wait(ctx)
		return err
	})
	require.NoError(t, g.Wait())
	return ra, rb
}

// eventLog collects session events from the session goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(tp EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == tp {
			n++
		}
	}
	return n
}

func TestReplicate_EndToEnd(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})

	r := writeDoc(t, a, "k", "root body")

	ra, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Equal(t, "b", ra.Peer)
	assert.Equal(t, "a", rb.Peer)
	assert.Empty(t, ra.Exchanged)
	assert.Equal(t, []string{r}, rb.Exchanged)
	assert.NoError(t, rb.Err())

	heads, err := b.Heads("k", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{r}, heads)
	assert.Equal(t, "root body", readBody(t, b, r))

	seqA, err := a.SeqOf(r)
	require.NoError(t, err)
	seen, err := b.SeenFor("a")
	require.NoError(t, err)
	assert.Equal(t, seqA, seen)
}

func TestReplicate_BothDirections(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})

	root := writeDoc(t, a, "doc", "root")
	fromA := writeDoc(t, a, "doc", "from a", root)
	_, _ = replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})

	fromB := writeDoc(t, b, "doc", "from b", root)
	ra, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Equal(t, []string{fromB}, ra.Exchanged)
	assert.Empty(t, rb.Exchanged)

	for _, db := range []*ForkDB{a, b} {
		heads, err := db.Heads("doc", ListOptions{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{fromA, fromB}, heads)
	}
}

func TestReplicate_ManyCommitsInBatches(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})

	prev := writeDoc(t, a, "chain", "0")
	for i := 1; i < 3*advertBatchSize+4; i++ {
		prev = writeDoc(t, a, "chain", strings.Repeat("x", i), prev)
	}

	_, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Len(t, rb.Exchanged, int(a.Seq()))

	heads, err := b.Heads("chain", ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{prev}, heads)

	seen, err := b.SeenFor("a")
	require.NoError(t, err)
	assert.Equal(t, a.Seq(), seen)
}

func TestReplicate_Idempotent(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})

	writeDoc(t, a, "doc", "one")
	writeDoc(t, b, "doc", "two")

	ra, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Len(t, ra.Exchanged, 1)
	assert.Len(t, rb.Exchanged, 1)

	ra, rb = replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Empty(t, ra.Exchanged)
	assert.Empty(t, rb.Exchanged)
	assert.Equal(t, uint64(2), a.Seq())
	assert.Equal(t, uint64(2), b.Seq())

	three := writeDoc(t, a, "doc", "three")
	ra, rb = replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	assert.Empty(t, ra.Exchanged)
	assert.Equal(t, []string{three}, rb.Exchanged)
}

func TestReplicate_PushNeverRequests(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})
	fromA := writeDoc(t, a, "doc", "a")
	fromB := writeDoc(t, b, "doc", "b")

	var seenByB eventLog
	_, rb := replicatePair(t, a, b,
		ReplicateOptions{Mode: exchange.ModePush},
		ReplicateOptions{Mode: exchange.ModeSync, OnEvent: seenByB.record},
	)
	assert.Equal(t, 0, seenByB.count(EventRequest))
	assert.Equal(t, []string{fromA}, rb.Exchanged)

	ok, err := a.Has(fromB)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplicate_PullNeverHandsOutContent(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})
	fromA := writeDoc(t, a, "doc", "a")
	fromB := writeDoc(t, b, "doc", "b")

	var seenByA, seenByB eventLog
	ra, rb := replicatePair(t, a, b,
		ReplicateOptions{Mode: exchange.ModeSync, OnEvent: seenByA.record},
		ReplicateOptions{Mode: exchange.ModePull, OnEvent: seenByB.record},
	)
	// a sync session does not request from a pull peer
	assert.Equal(t, 0, seenByB.count(EventRequest))
	assert.Equal(t, 1, seenByA.count(EventRequest))
	assert.Empty(t, ra.Exchanged)
	assert.Equal(t, []string{fromA}, rb.Exchanged)

	ok, err := a.Has(fromB)
	require.NoError(t, err)
	assert.False(t, ok)
	seen, err := a.SeenFor("b")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seen)
}

func TestReplicate_PullAgainstPullSettles(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})
	writeDoc(t, a, "doc", "a")
	writeDoc(t, b, "doc", "b")

	ra, rb := replicatePair(t, a, b,
		ReplicateOptions{Mode: exchange.ModePull},
		ReplicateOptions{Mode: exchange.ModePull},
	)
	assert.Empty(t, ra.Exchanged)
	assert.Empty(t, rb.Exchanged)
	assert.NoError(t, ra.Err())
	assert.NoError(t, rb.Err())

	// withheld commits keep the cursor where it was
	for _, tc := range []struct {
		db   *ForkDB
		peer string
	}{{a, "b"}, {b, "a"}} {
		seen, err := tc.db.SeenFor(tc.peer)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), seen)
	}
}

func TestReplicate_Live(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})
	first := writeDoc(t, a, "doc", "first")

	sa, sb := startPair(t, a, b, ReplicateOptions{Live: true}, ReplicateOptions{Live: true})
	for _, s := range []*Session{sa, sb} {
		select {
		case <-s.Settled():
		case <-time.After(10 * time.Second):
			t.Fatal("session did not settle")
		}
	}
	has := func(db *ForkDB, hash string) func() bool {
		return func() bool {
			ok, err := db.Has(hash)
			return err == nil && ok
		}
	}
	require.True(t, has(b, first)())

	second := writeDoc(t, a, "doc", "second", first)
	require.Eventually(t, has(b, second), 10*time.Second, 10*time.Millisecond)

	third := writeDoc(t, b, "doc", "third", second)
	require.Eventually(t, has(a, third), 10*time.Second, 10*time.Millisecond)

	require.NoError(t, sa.Close())
	rb, err := sb.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, rb.Exchanged)

	ra, err := sa.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{third}, ra.Exchanged)

	// third came from b, so a never advertised it back
	seqSecond, err := a.SeqOf(second)
	require.NoError(t, err)
	seen, err := b.SeenFor("a")
	require.NoError(t, err)
	assert.Equal(t, seqSecond, seen)
}

func TestReplicate_KeepsEnvelopeBytes(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	b := newTestDB(t, Config{ID: "b"})

	// neither header survives a decode and re-encode unchanged
	structField, err := a.Write(context.Background(), meta.Metadata{
		Key:    "doc",
		Fields: map[string]any{"x": struct{ B, A int }{1, 2}},
	}, strings.NewReader("struct field"))
	require.NoError(t, err)
	badKey, err := a.Write(context.Background(), meta.Metadata{Key: "k\xff"}, strings.NewReader("bad key"))
	require.NoError(t, err)

	_, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	require.NoError(t, rb.Err())
	assert.ElementsMatch(t, []string{structField, badKey}, rb.Exchanged)

	assert.Equal(t, "struct field", readBody(t, b, structField))
	assert.Equal(t, "bad key", readBody(t, b, badKey))
	seen, err := b.SeenFor("a")
	require.NoError(t, err)
	assert.Equal(t, a.Seq(), seen)
}

func TestReplicate_OversizedCommitIsWithheld(t *testing.T) {
	dir := t.TempDir()
	a := newTestDB(t, Config{Paths: []string{dir}})
	small := writeDoc(t, a, "doc", "small")
	big := writeDoc(t, a, "doc", strings.Repeat("big ", 512), small)
	require.NoError(t, a.Close(context.Background()))

	// reopened with a limit the big commit no longer fits into
	a = newTestDB(t, Config{Paths: []string{dir}, MaxCommitSize: 1024})
	b := newTestDB(t, Config{ID: "b"})

	ra, rb := replicatePair(t, a, b, ReplicateOptions{}, ReplicateOptions{})
	require.Len(t, ra.Errors, 1)
	assert.ErrorIs(t, ra.Err(), ErrCommitTooLarge)

	assert.NoError(t, rb.Err())
	assert.Equal(t, []string{small}, rb.Exchanged)
	has, err := b.Has(big)
	require.NoError(t, err)
	assert.False(t, has)

	seqSmall, err := a.SeqOf(small)
	require.NoError(t, err)
	seen, err := b.SeenFor(a.ID())
	require.NoError(t, err)
	assert.Equal(t, seqSmall, seen)
}

// scriptedPeer plays the remote side of a session by hand.
type scriptedPeer struct {
	t      *testing.T
	conn   net.Conn
	tr     *exchange.StreamTransport
	frames chan exchange.Frame
}

func newScriptedPeer(t *testing.T, db *ForkDB, opts ReplicateOptions) (*Session, *scriptedPeer) {
	t.Helper()
	connA, connB := net.Pipe()
	s, err := db.Replicate(testContext(t), exchange.NewStreamTransport(connA), opts)
	require.NoError(t, err)

	p := &scriptedPeer{t: t, conn: connB, tr: exchange.NewStreamTransport(connB), frames: make(chan exchange.Frame, 64)}
	go func() {
		defer close(p.frames)
		for {
			f, err := p.tr.Recv()
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()
	t.Cleanup(func() { p.tr.Close() })
	return s, p
}

func (p *scriptedPeer) send(f exchange.Frame) {
	p.t.Helper()
	require.NoError(p.t, p.tr.Send(f))
}

func (p *scriptedPeer) expect(tp exchange.FrameType) exchange.Frame {
	p.t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(p.t, ok, "connection closed while waiting for %s", tp)
		require.Equal(p.t, tp, f.Type)
		return f
	case <-time.After(10 * time.Second):
		p.t.Fatalf("no %s frame", tp)
	}
	return exchange.Frame{}
}

func TestReplicate_HashMismatchIsReportedPerCommit(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	s, peer := newScriptedPeer(t, a, ReplicateOptions{})

	hello := peer.expect(exchange.FrameHello)
	assert.Equal(t, "a", hello.ID)
	peer.send(exchange.Hello("fake", exchange.ModeSync))
	assert.Equal(t, uint64(0), peer.expect(exchange.FrameSince).Seq)

	peer.send(exchange.Since(0))
	assert.Empty(t, peer.expect(exchange.FrameAvailable).Entries)

	peer.send(exchange.Available([]exchange.Advert{{Seq: 1, Hash: "bogus"}}))
	peer.send(exchange.Available(nil))
	assert.Equal(t, []string{"bogus"}, peer.expect(exchange.FrameRequest).Hashes)

	header, err := meta.EncodeHeader(meta.Metadata{Key: "doc", Prev: []meta.Ref{}})
	require.NoError(t, err)
	peer.send(exchange.Response("bogus", 1, append(header, "body"...)))

	seen := peer.expect(exchange.FrameSeen)
	assert.Equal(t, "bogus", seen.Hash)
	assert.Equal(t, uint64(0), seen.Seq)
	peer.expect(exchange.FrameSync)
	peer.send(exchange.Sync(1))

	res, err := s.Wait(testContext(t))
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Err(), ErrHashMismatch)
	assert.Empty(t, res.Exchanged)

	assert.Equal(t, uint64(0), a.Seq())
	cursor, err := a.SeenFor("fake")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestReplicate_FailedCheckFreezesCursor(t *testing.T) {
	broken := errors.New("lookup failed")
	hasCommit = func(db *ForkDB, hash string) (bool, error) {
		if hash == "unreadable" {
			return false, broken
		}
		return db.Has(hash)
	}
	t.Cleanup(func() { hasCommit = (*ForkDB).Has })

	a := newTestDB(t, Config{ID: "a"})
	s, peer := newScriptedPeer(t, a, ReplicateOptions{})

	header, err := meta.EncodeHeader(meta.Metadata{Key: "doc"})
	require.NoError(t, err)
	envelope := append(header, "ten"...)
	hash := blobStore.HashBytes(envelope)

	peer.expect(exchange.FrameHello)
	peer.send(exchange.Hello("fake", exchange.ModeSync))
	peer.expect(exchange.FrameSince)
	peer.send(exchange.Since(0))
	assert.Empty(t, peer.expect(exchange.FrameAvailable).Entries)

	peer.send(exchange.Available([]exchange.Advert{{Seq: 5, Hash: "unreadable"}, {Seq: 10, Hash: hash}}))
	peer.send(exchange.Available(nil))
	assert.Equal(t, []string{hash}, peer.expect(exchange.FrameRequest).Hashes)

	peer.send(exchange.Response(hash, 10, envelope))
	seen := peer.expect(exchange.FrameSeen)
	assert.Equal(t, hash, seen.Hash)
	assert.Equal(t, uint64(1), seen.Seq)
	peer.expect(exchange.FrameSync)
	peer.send(exchange.Sync(10))

	res, err := s.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []string{hash}, res.Exchanged)
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Err(), broken)

	// seq 5 never landed, so the next session has to start below it
	cursor, err := a.SeenFor("fake")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), cursor)
}

func TestReplicate_ServesRequests(t *testing.T) {
	a := newTestDB(t, Config{ID: "a"})
	hash := writeDoc(t, a, "doc", "body")
	s, peer := newScriptedPeer(t, a, ReplicateOptions{})

	peer.expect(exchange.FrameHello)
	peer.send(exchange.Hello("fake", exchange.ModePull))
	peer.expect(exchange.FrameSince)
	peer.send(exchange.Since(0))

	adverts := peer.expect(exchange.FrameAvailable)
	assert.Equal(t, []exchange.Advert{{Seq: 1, Hash: hash}}, adverts.Entries)
	assert.Empty(t, peer.expect(exchange.FrameAvailable).Entries)

	peer.send(exchange.Available(nil))
	// nothing left to request from us, so the session syncs right away
	peer.expect(exchange.FrameSync)
	peer.send(exchange.Request([]string{hash, "unknown"}))
	resp := peer.expect(exchange.FrameResponse)
	assert.Equal(t, hash, resp.Hash)
	assert.Equal(t, uint64(1), resp.Seq)
	assert.False(t, resp.Withheld)

	m, body, err := meta.SplitEnvelope(strings.NewReader(string(resp.Data)))
	require.NoError(t, err)
	assert.Equal(t, "doc", m.Key)
	rest, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "body", string(rest))

	assert.True(t, peer.expect(exchange.FrameResponse).Withheld)
	peer.send(exchange.Seen(hash, 1))
	peer.send(exchange.Seen("unknown", 0))
	peer.send(exchange.Sync(0))

	_, err = s.Wait(testContext(t))
	require.NoError(t, err)
}

func TestReplicate_MalformedFrames(t *testing.T) {
	tests := []struct {
		name   string
		script func(p *scriptedPeer)
	}{
		{"since before hello", func(p *scriptedPeer) {
			p.send(exchange.Since(0))
		}},
		{"repeated hello", func(p *scriptedPeer) {
			p.send(exchange.Hello("fake", exchange.ModeSync))
			p.send(exchange.Hello("fake", exchange.ModeSync))
		}},
		{"unrequested response", func(p *scriptedPeer) {
			p.send(exchange.Hello("fake", exchange.ModeSync))
			p.send(exchange.Since(0))
			p.send(exchange.Response("nobody-asked", 1, []byte("{}\n")))
		}},
		{"seen without response", func(p *scriptedPeer) {
			p.send(exchange.Hello("fake", exchange.ModeSync))
			p.send(exchange.Since(0))
			p.send(exchange.Seen("x", 1))
		}},
		{"unknown frame type", func(p *scriptedPeer) {
			_, err := p.conn.Write([]byte{0, 0, 0, 99, 0, 0, 0, 0})
			require.NoError(p.t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t, Config{ID: "a"})
			s, peer := newScriptedPeer(t, db, ReplicateOptions{})
			tt.script(peer)

			_, err := s.Wait(testContext(t))
			assert.ErrorIs(t, err, ErrMalformedProtocol)
		})
	}
}

func TestReplicate_CloseBeforeSettle(t *testing.T) {
	db := newTestDB(t, Config{ID: "a"})
	s, peer := newScriptedPeer(t, db, ReplicateOptions{})
	peer.expect(exchange.FrameHello)

	assert.ErrorIs(t, s.Close(), ErrSessionClosed)
}

func TestReplicate_PeerHangsUpBeforeSettle(t *testing.T) {
	db := newTestDB(t, Config{ID: "a"})
	s, peer := newScriptedPeer(t, db, ReplicateOptions{})
	peer.expect(exchange.FrameHello)
	require.NoError(t, peer.tr.Close())

	_, err := s.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestReplicate_StoreCloseAbortsSessions(t *testing.T) {
	db := newTestDB(t, Config{ID: "a"})
	s, peer := newScriptedPeer(t, db, ReplicateOptions{})
	peer.expect(exchange.FrameHello)

	require.NoError(t, db.Close(context.Background()))
	_, err := s.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Replicate(context.Background(), peer.tr, ReplicateOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}
