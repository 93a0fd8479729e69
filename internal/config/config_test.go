package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/annosync/internal/record"
	"github.com/roach88/annosync/internal/remote"
	"github.com/roach88/annosync/internal/testutil"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefault_Valid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annosync.yaml")
	writeFile(t, path, `
database: notes.db
filter:
  projectId: p1
retry:
  max_attempts: 5
  initial: 50ms
  retry_on: [network]
dispatch:
  queue: register
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "notes.db", cfg.Database)
	assert.Equal(t, record.Filter{"projectId": "p1"}, cfg.Filter)
	assert.Equal(t, "register", cfg.Dispatch.Queue)
	assert.Equal(t, 8, cfg.Dispatch.Concurrency, "unset keys keep defaults")
	assert.Equal(t, 100, cfg.PageSize)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, p.Backoff.Initial)
	assert.Equal(t, 5*time.Second, p.Backoff.Max)
	assert.Equal(t, []remote.Kind{remote.KindNetwork}, p.RetryOn)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"page size", "page_size: 0", "page_size"},
		{"attempts", "retry: {max_attempts: 0}", "max_attempts"},
		{"kind", "retry: {retry_on: [sometimes]}", "retry_on"},
		{"unknown key", "page_sise: 10", "page_sise"},
		{"nested unknown key", "dispatch: {workers: 4}", "workers"},
		{"duration", "retry: {initial: soon}", "initial"},
		{"bare number duration", "retry: {max: 5000}", "max"},
		{"negative max pages", "max_pages: -1", "max_pages"},
		{"remote scheme", "remote: ftp://host", "remote"},
		{"type", "page_size: ten", "page_size"},
		{"multiplier", "retry: {multiplier: 0.5}", "multiplier"},
		{"concurrency", "dispatch: {concurrency: 0}", "concurrency"},
		{"syntax", "retry: [", "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_ReportsEveryViolation(t *testing.T) {
	_, err := Parse([]byte("page_size: 0\ndispatch: {concurrency: 0}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size")
	assert.Contains(t, err.Error(), "concurrency")
}

func TestParse_AcceptsDurationForms(t *testing.T) {
	cfg, err := Parse([]byte("retry: {initial: 1m30s, max: 2.5s, retry_on: [Timeout, not_found]}"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Retry.Initial)
	assert.Equal(t, 2500*time.Millisecond, cfg.Retry.Max)
}

func TestValidate_ChecksEffectiveConfig(t *testing.T) {
	cfg := Default()
	cfg.Remote = "127.0.0.1:8080"
	cfg.Retry.Initial = -time.Second
	cfg.Retry.Multiplier = 0.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote")
	assert.Contains(t, err.Error(), "initial")
	assert.Contains(t, err.Error(), "multiplier")

	cfg = Default()
	cfg.Remote = "https://sync.example.com"
	cfg.Filter = record.Filter{"projectId": "p1"}
	assert.NoError(t, cfg.Validate())
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annosync.yaml")
	writeFile(t, path, "filter: {projectId: p1}\n")
	initial, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, initial, testutil.DiscardLogger(), func(c Config) { changes <- c })
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, path, "filter: {projectId: p2\n")
	writeFile(t, path, "filter: {projectId: p2}\n")

	select {
	case c := <-changes:
		assert.Equal(t, record.Filter{"projectId": "p2"}, c.Filter)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
