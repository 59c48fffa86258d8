package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestCLI_WriteReadAndWalk(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data", dir, "--log-level", "error"}
	run := func(stdin string, args ...string) string {
		return execute(t, stdin, append(append([]string{}, base...), args...)...)
	}

	root := strings.TrimSpace(run("first", "write", "--key", "notes", "--field", "title=hello"))
	require.NotEmpty(t, root)
	child := strings.TrimSpace(run("second", "write", "--key", "notes", "--prev", root))

	assert.Equal(t, "second", run("", "cat", child))
	assert.Contains(t, run("", "meta", root), `"title": "hello"`)
	assert.Equal(t, child+"\n", run("", "heads", "notes"))
	assert.Equal(t, root+"\n", run("", "tails", "notes"))
	assert.Equal(t, "notes\n", run("", "keys"))
	assert.Equal(t, child+" notes\n", run("", "links", root))
	assert.Equal(t, child+" notes\n"+root+" notes\n", run("", "history", child))
	assert.Equal(t, root+"\n", run("", "concestor", child, root))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(run("", "id")), " 2"))
}
