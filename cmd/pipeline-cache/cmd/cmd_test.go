package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j3t/pipeline-cache/internal/cache"
	"github.com/j3t/pipeline-cache/internal/cache/cachetest"
	"github.com/j3t/pipeline-cache/internal/config"
	"github.com/j3t/pipeline-cache/internal/evict"
)

func newTestApp(t *testing.T, threshold int64) *cachetest.MemoryS3 {
	t.Helper()
	clock := cachetest.NewClock(time.UnixMilli(1_700_000_000_000), time.Second)
	store := cachetest.NewMemoryS3("cache", clock.Now)

	a := newApp(config.Config{
		S3Bucket:         "cache",
		SizeThreshold:    threshold,
		EvictionInterval: time.Hour,
	}, zerolog.Nop())
	repo := cache.NewInstrumented(
		cache.NewS3Repository("cache", store, cache.WithClock(clock.Now), cache.WithWindowSize(16)),
		a.metrics, a.latency)
	a.repository = func() (cache.Repository, error) { return repo, nil }

	current = a
	t.Cleanup(func() { current = nil })
	return store
}

// run invokes fn as cmd with the given flags and stdin, returning stdout.
func run(t *testing.T, cmd *cobra.Command, fn func(*cobra.Command, []string) error, flags map[string]string, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	})
	for name, v := range flags {
		require.NoError(t, cmd.Flags().Set(name, v))
	}
	var out, errOut bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetContext(context.Background())
	err := fn(cmd, args)
	return out.String(), err
}

func TestBackupAndRestoreFile(t *testing.T) {
	newTestApp(t, 0)
	dir := t.TempDir()
	want := bytes.Repeat([]byte("gradle-cache "), 20)

	_, err := run(t, backupCmd, runBackup, nil, string(want), "gradle-linux-1")
	require.NoError(t, err)

	target := filepath.Join(dir, "out.tar")
	_, err = run(t, restoreCmd, runRestore, map[string]string{"output": target}, "", "gradle-linux-2", "gradle-linux-")
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestBackupAndRestoreZstd(t *testing.T) {
	store := newTestApp(t, 0)
	dir := t.TempDir()
	src := filepath.Join(dir, "in.tar")
	want := bytes.Repeat([]byte("node_modules/"), 100)
	require.NoError(t, os.WriteFile(src, want, 0o644))

	_, err := run(t, backupCmd, runBackup, map[string]string{"input": src, "zstd": "true"}, "", "npm-1")
	require.NoError(t, err)
	obj, ok := store.Get("npm-1")
	require.True(t, ok)
	assert.Less(t, len(obj.Body), len(want))

	out, err := run(t, restoreCmd, runRestore, map[string]string{"zstd": "true"}, "", "npm-1")
	require.NoError(t, err)
	assert.Equal(t, string(want), out)
}

func TestBackupExistingKeyIsNotAnError(t *testing.T) {
	store := newTestApp(t, 0)

	_, err := run(t, backupCmd, runBackup, nil, "first", "k")
	require.NoError(t, err)
	_, err = run(t, backupCmd, runBackup, nil, "second", "k")
	require.NoError(t, err)

	obj, _ := store.Get("k")
	assert.Equal(t, "first", string(obj.Body))
}

func TestRestoreMiss(t *testing.T) {
	newTestApp(t, 0)
	target := filepath.Join(t.TempDir(), "out.tar")

	_, err := run(t, restoreCmd, runRestore, map[string]string{"output": target}, "", "k", "k-")
	require.NoError(t, err)
	assert.NoFileExists(t, target)

	_, err = run(t, restoreCmd, runRestore, map[string]string{"fail-on-miss": "true"}, "", "k")
	assert.ErrorIs(t, err, errCacheMiss)
}

func TestList(t *testing.T) {
	store := newTestApp(t, 0)
	store.Seed("a/1", []byte("xx"), nil)
	store.Seed("b/1", []byte("yyy"), nil)

	out, err := run(t, listCmd, runList, nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "a/1")
	assert.Contains(t, out, "b/1")

	out, err = run(t, listCmd, runList, nil, "", "b/")
	require.NoError(t, err)
	assert.NotContains(t, out, "a/1")
	assert.Contains(t, out, "3 B")
}

func TestEvictJSON(t *testing.T) {
	store := newTestApp(t, 5)
	store.Seed("old", []byte("0123"), nil)
	store.Seed("new", []byte("0123"), nil)

	out, err := run(t, evictCmd, runEvict, map[string]string{"json": "true"}, "")
	require.NoError(t, err)

	var res evict.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, []string{"old"}, res.Keys)
	assert.Equal(t, []string{"new"}, store.Keys())
}

func TestCheck(t *testing.T) {
	newTestApp(t, 0)

	out, err := run(t, checkCmd, runCheck, nil, "")
	require.NoError(t, err)
	assert.Contains(t, out, "threshold disabled")
}

func TestNewMinioClient(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{endpoint: "localhost:9000", want: "http://localhost:9000"},
		{endpoint: "http://minio:9000", want: "http://minio:9000"},
		{endpoint: "https://s3.example.com", want: "https://s3.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			client, err := newMinioClient(config.Config{
				S3Endpoint:  tt.endpoint,
				S3AccessKey: "a",
				S3SecretKey: "b",
				S3Region:    "us-east-1",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, client.EndpointURL().String())
		})
	}
}
