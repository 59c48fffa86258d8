package forkdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashesOf(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Hash
	}
	return out
}

func TestHistory_LinearChain(t *testing.T) {
	db := newTestDB(t, Config{})
	a := writeDoc(t, db, "doc", "a")
	b := writeDoc(t, db, "doc", "b", a)
	c := writeDoc(t, db, "doc", "c", b)

	w := db.History(c)
	entries, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{c, b, a}, hashesOf(entries))
	assert.Empty(t, w.Branches())
	assert.False(t, w.Next(context.Background()))
}

func TestHistory_MergeEmitsBranches(t *testing.T) {
	db := newTestDB(t, Config{})
	root := writeDoc(t, db, "doc", "root")
	left := writeDoc(t, db, "doc", "left", root)
	right := writeDoc(t, db, "doc", "right", root)
	merge := writeDoc(t, db, "doc", "merge", left, right)

	w := db.History(merge)
	entries, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{merge}, hashesOf(entries))

	branches := w.Branches()
	require.Len(t, branches, 2)

	first, err := branches[0].Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{left, root}, hashesOf(first))

	second, err := branches[1].Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{right, root}, hashesOf(second))
}

func TestFuture_ForkEmitsBranches(t *testing.T) {
	db := newTestDB(t, Config{})
	root := writeDoc(t, db, "doc", "root")
	left := writeDoc(t, db, "doc", "left", root)
	right := writeDoc(t, db, "doc", "right", root)
	merge := writeDoc(t, db, "doc", "merge", left, right)

	w := db.Future(root)
	entries, err := w.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{root}, hashesOf(entries))

	branches := w.Branches()
	require.Len(t, branches, 2)
	var walked [][]string
	for _, b := range branches {
		entries, err := b.Collect(context.Background())
		require.NoError(t, err)
		walked = append(walked, hashesOf(entries))
	}
	assert.ElementsMatch(t, [][]string{{left, merge}, {right, merge}}, walked)
}

func TestWalker_EntryCarriesMetadata(t *testing.T) {
	db := newTestDB(t, Config{})
	a := writeDoc(t, db, "doc", "a")
	b := writeDoc(t, db, "doc", "b", a)

	w := db.History(b)
	require.True(t, w.Next(context.Background()))
	assert.Equal(t, b, w.Entry().Hash)
	assert.Equal(t, []string{a}, w.Entry().Meta.PrevHashes())
}

func TestWalker_MissingCommitFails(t *testing.T) {
	db := newTestDB(t, Config{})

	w := db.History("missing")
	assert.False(t, w.Next(context.Background()))
	assert.ErrorIs(t, w.Err(), ErrNotFound)
}

func TestWalker_KeepsYieldedEntriesOnError(t *testing.T) {
	db := newTestDB(t, Config{})
	// the parent was never stored locally
	child := writeDoc(t, db, "doc", "child", "absent-parent")

	w := db.History(child)
	entries, err := w.Collect(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{child}, hashesOf(entries))
}

func TestWalker_Canceled(t *testing.T) {
	db := newTestDB(t, Config{})
	a := writeDoc(t, db, "doc", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := db.History(a)
	assert.False(t, w.Next(ctx))
	assert.ErrorIs(t, w.Err(), context.Canceled)
}
