package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"secretariat/internal/task"
)

const dailyRule = `{"unit":"day","interval":1,"time_of_day":"08:30","timezone":"UTC","start_at":"2025-01-01T00:00:00Z"}`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "tasks.db") + "\n" +
		"channels:\n  log:\n    enabled: true\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTaskLifecycle(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "--format", "json", "task", "create",
		"--owner", "cli:me", "--description", "stretch", "--channel", "log:desk", "--rule", dailyRule)
	require.NoError(t, err, out)
	var created task.Task
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, task.StatusActive, created.Status)
	require.NotNil(t, created.NextFireAt)

	out, err = run(t, "--config", cfg, "task", "list", "--owner", "cli:me")
	require.NoError(t, err)
	require.Contains(t, out, created.ID)
	require.Contains(t, out, "every day at 08:30 (UTC)")

	out, err = run(t, "--config", cfg, "task", "preview", created.ID, "-n", "3")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	out, err = run(t, "--config", cfg, "task", "pause", created.ID)
	require.NoError(t, err)
	require.Contains(t, out, "paused")

	out, err = run(t, "--config", cfg, "task", "list", "--owner", "cli:me")
	require.NoError(t, err)
	require.Contains(t, out, created.ID+"  paused")
	out, err = run(t, "--config", cfg, "task", "list", "--owner", "cli:someone-else")
	require.NoError(t, err)
	require.Equal(t, "no reminders", strings.TrimSpace(out))

	_, err = run(t, "--config", cfg, "task", "cancel", created.ID)
	require.NoError(t, err)
	_, err = run(t, "--config", cfg, "task", "resume", created.ID)
	require.ErrorIs(t, err, task.ErrInvalidTransition)
}

func TestTaskCreateRejects(t *testing.T) {
	cfg := writeConfig(t)
	cases := []struct {
		name string
		args []string
	}{
		{"unknown channel", []string{"--channel", "telegram:42", "--rule", dailyRule}},
		{"bad rule", []string{"--channel", "log:desk", "--rule", `{"unit":"hour"}`}},
		{"no rule", []string{"--channel", "log:desk"}},
	}
	for _, tc := range cases {
		args := append([]string{"--config", cfg, "task", "create", "--owner", "cli:me", "--description", "x"}, tc.args...)
		_, err := run(t, args...)
		require.Error(t, err, tc.name)
	}
}

func TestRuleCommand(t *testing.T) {
	t.Parallel()
	out, err := run(t, "rule", "-n", "2", "--rule",
		`{"unit":"month","interval":1,"anchor":{"month_day":"last"},"time_of_day":"09:00","timezone":"UTC","start_at":"2025-01-15T00:00:00Z"}`)
	require.NoError(t, err)
	require.Equal(t, "every month on the last day at 09:00 (UTC)\nFri 2025-01-31 09:00 UTC\nFri 2025-02-28 09:00 UTC", strings.TrimSpace(out))

	_, err = run(t, "--format", "xml", "rule", "--rule", dailyRule)
	require.Error(t, err)
}
