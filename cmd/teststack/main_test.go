package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pressly/teststack/internal/cfg"
	"github.com/pressly/teststack/pkg/dockermanage"
	"github.com/stretchr/testify/require"
)

func TestFilterKind(t *testing.T) {
	t.Parallel()

	summaries := []dockermanage.Summary{
		{ID: "a", Kind: "postgres"},
		{ID: "b", Kind: "custom:redis:7"},
		{ID: "c", Kind: "postgres"},
	}
	require.Equal(t, summaries, filterKind(summaries, ""))
	got := filterKind(summaries, "postgres")
	require.Len(t, got, 2)
	require.Equal(t, "c", got[1].ID)
	require.Empty(t, filterKind(summaries, "mysql"))
}

func TestPrintSummaries(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := printSummaries(&buf, []dockermanage.Summary{
		{ID: "0123456789abcdef", Kind: "postgres", Image: "postgres:16-alpine", State: "running"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Equal(t, []string{"ID", "KIND", "IMAGE", "STATE"}, strings.Fields(lines[0]))
	require.Equal(t, []string{"0123456789ab", "postgres", "postgres:16-alpine", "running"}, strings.Fields(lines[1]))
}

func TestRunEnv(t *testing.T) {
	t.Setenv(cfg.KeyEnvFile, "")
	t.Setenv(cfg.KeyHostIP, "0.0.0.0")

	var buf bytes.Buffer
	require.NoError(t, run(t.Context(), "env", &buf))
	require.Contains(t, buf.String(), `TESTSTACK_HOST_IP="0.0.0.0"`)

	require.Error(t, run(t.Context(), "bogus", &buf))
}
