// cmd/service/output_test.go
package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-knowledge-store/internal/model"
)

func TestRender(t *testing.T) {
	at := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	user := model.User{Handle: "octocat", Status: model.StatusComplete, LastIngestedAt: &at, RepoCount: 2}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, "json", user))
		assert.JSONEq(t, `{"handle":"octocat","status":"complete","last_ingested_at":"2024-07-01T12:00:00Z","repo_count":2}`, buf.String())
	})

	t.Run("yaml uses json field names", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, render(&buf, "yaml", user))
		out := buf.String()
		assert.Contains(t, out, "handle: octocat\n")
		assert.Contains(t, out, "repo_count: 2\n")
		assert.Contains(t, out, "status: complete\n")
		assert.False(t, strings.Contains(out, "lastingestedat"))
	})
}

func TestReadQueryInput(t *testing.T) {
	t.Cleanup(func() { queryInput = "" })

	in, err := readQueryInput(strings.NewReader(""), []string{"list_repositories", `{"user":"octocat"}`})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"octocat"}`, string(in))

	in, err = readQueryInput(strings.NewReader(""), []string{"list_repositories"})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(in))

	queryInput = "-"
	in, err = readQueryInput(strings.NewReader(`{"user":"hubot"}`), []string{"list_repositories"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user":"hubot"}`, string(in))

	_, err = readQueryInput(strings.NewReader(""), []string{"list_repositories", `{}`})
	assert.Error(t, err)
}
