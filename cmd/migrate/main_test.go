package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cmd, err := parseCommand([]string{"up"})
	require.NoError(t, err)
	require.Equal(t, command{name: "up"}, cmd)

	cmd, err = parseCommand([]string{"down"})
	require.NoError(t, err)
	require.Equal(t, command{name: "down", steps: 1}, cmd)

	cmd, err = parseCommand([]string{"down", "3"})
	require.NoError(t, err)
	require.Equal(t, 3, cmd.steps)

	for _, args := range [][]string{nil, {"sideways"}, {"down", "x"}, {"down", "0"}} {
		_, err := parseCommand(args)
		require.Error(t, err, "%v", args)
	}
}

func TestRunRequiresDSN(t *testing.T) {
	t.Setenv("ORBLEDGER_DATABASE_DSN", "")
	err := run([]string{"up"})
	require.ErrorContains(t, err, "-database")
}

func TestRunDownRequiresPath(t *testing.T) {
	err := run([]string{"-database", "postgres://localhost/orbledger", "down"})
	require.ErrorContains(t, err, "-path")
}
