package tupleKey

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeDecode(t *testing.T) {
	key := Encode("tail", "doc\x00with-nul", uint64(42))
	parts, err := Decode(key)
	require.NoError(t, err)
	assert.Equal(t, []any{"tail", "doc\x00with-nul", uint64(42)}, parts)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{tagString, 'a'})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{tagUint, 0, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{0x77})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSequenceKeysSortNumerically(t *testing.T) {
	assert.Negative(t, bytes.Compare(Encode("seq", uint64(9)), Encode("seq", uint64(10))))
	assert.Negative(t, bytes.Compare(Encode("seq", uint64(255)), Encode("seq", uint64(256))))
}

func TestStringOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.SliceOfN(rapid.String(), 1, 3).Draw(t, "a")
		b := rapid.SliceOfN(rapid.String(), 1, 3).Draw(t, "b")

		want := compareTuples(a, b)
		got := bytes.Compare(encodeStrings(a), encodeStrings(b))
		if sign(got) != sign(want) {
			t.Fatalf("order mismatch for %q vs %q: encoded %d, tuples %d", a, b, got, want)
		}
	})
}

func TestUintOrderPreserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Uint64().Draw(t, "a")
		b := rapid.Uint64().Draw(t, "b")

		got := bytes.Compare(Encode("seq", a), Encode("seq", b))
		switch {
		case a < b && got >= 0, a > b && got <= 0, a == b && got != 0:
			t.Fatalf("order mismatch for %d vs %d: %d", a, b, got)
		}
	})
}

func encodeStrings(parts []string) []byte {
	anyParts := make([]any, len(parts))
	for i, p := range parts {
		anyParts[i] = p
	}
	return Encode(anyParts...)
}

func compareTuples(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
