package fwdb

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/forkdb/internal/keyValStore"
	"github.com/i5heu/forkdb/pkg/meta"
)

func newTestIndex(t *testing.T) *FwDB {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{InMemory: true, Logger: log})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return New(kv)
}

func add(t *testing.T, f *FwDB, hash, key string, prev ...string) {
	t.Helper()
	refs := make([]meta.Ref, 0, len(prev))
	for _, p := range prev {
		refs = append(refs, meta.Ref{Hash: p})
	}
	rows, err := f.Create(Doc{Hash: hash, Key: key, Prev: refs})
	require.NoError(t, err)
	require.NoError(t, f.kv.Batch(rows))
}

func heads(t *testing.T, f *FwDB, key string) []string {
	t.Helper()
	h, err := f.Heads(key, keyValStore.ListOptions{})
	require.NoError(t, err)
	return h
}

func TestLinearChainHasOneHead(t *testing.T) {
	f := newTestIndex(t)
	add(t, f, "a", "doc")
	add(t, f, "b", "doc", "a")
	add(t, f, "c", "doc", "b")

	assert.Equal(t, []string{"c"}, heads(t, f, "doc"))

	links, err := f.Links("a")
	require.NoError(t, err)
	assert.Equal(t, []Link{{Hash: "b", Key: "doc"}}, links)
}

func TestForkAndMerge(t *testing.T) {
	f := newTestIndex(t)
	add(t, f, "a", "doc")
	add(t, f, "b", "doc", "a")
	add(t, f, "c", "doc", "a")
	assert.Equal(t, []string{"b", "c"}, heads(t, f, "doc"))

	links, err := f.Links("a")
	require.NoError(t, err)
	assert.Len(t, links, 2)

	add(t, f, "d", "doc", "b", "c")
	assert.Equal(t, []string{"d"}, heads(t, f, "doc"))
}

func TestChildBeforeParent(t *testing.T) {
	f := newTestIndex(t)
	add(t, f, "b", "doc", "a")
	add(t, f, "a", "doc")

	assert.Equal(t, []string{"b"}, heads(t, f, "doc"))
}

func TestCrossKeyParent(t *testing.T) {
	f := newTestIndex(t)
	add(t, f, "a", "left")
	add(t, f, "b", "right", "a")

	assert.Empty(t, heads(t, f, "left"))
	assert.Equal(t, []string{"b"}, heads(t, f, "right"))

	key, ok, err := f.KeyOf("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "left", key)

	_, ok, err = f.KeyOf("zzz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	f := newTestIndex(t)
	add(t, f, "a", "beta")
	add(t, f, "b", "alpha")
	add(t, f, "c", "")
	add(t, f, "d", "beta", "a")

	keys, err := f.Keys(keyValStore.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{meta.DefaultKey, "alpha", "beta"}, keys)

	limited, err := f.Keys(keyValStore.ListOptions{Gt: "alpha", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"beta"}, limited)
}

func TestCreateRejectsEmptyHash(t *testing.T) {
	f := newTestIndex(t)
	_, err := f.Create(Doc{Key: "doc"})
	assert.Error(t, err)
}
