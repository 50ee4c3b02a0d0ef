package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/goccy/go-json"
	"github.com/mrchypark/lockingfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the root command with a fresh flag and config state.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand(strings.NewReader(stdin), &out, &errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseWait(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"forever", lockingfs.WaitForever},
		{"", lockingfs.WaitForever},
		{"-1s", lockingfs.WaitForever},
		{"0", lockingfs.NoWait},
		{"nowait", lockingfs.NoWait},
		{"250ms", 250 * time.Millisecond},
	}
	for _, tt := range tests {
		got, err := parseWait(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseWait("soon")
	assert.Error(t, err)
}

func TestFileCommands(t *testing.T) {
	root := t.TempDir()
	base := []string{"--root", root, "--backend", "flock", "--lock-dir", t.TempDir()}
	do := func(stdin string, args ...string) string {
		t.Helper()
		out, err := run(t, stdin, append(args, base...)...)
		require.NoError(t, err, args)
		return out
	}

	do("", "write", "docs/a.txt", "--data", "hello")
	assert.Equal(t, "hello", do("", "cat", "docs/a.txt"))

	do("from stdin", "update", "docs/a.txt")
	assert.Equal(t, "from stdin", do("", "cat", "docs/a.txt"))

	_, err := run(t, "", append([]string{"write", "docs/a.txt", "--data", "x"}, base...)...)
	assert.ErrorIs(t, err, lockingfs.ErrFileExists)
	do("", "put", "docs/a.txt", "--data", "replaced")
	assert.Equal(t, "replaced", do("", "cat", "docs/a.txt"))
	do("from stdin", "put", "docs/a.txt")

	do("", "cp", "docs/a.txt", "docs/b.txt")
	do("", "mv", "docs/b.txt", "other/c.txt")
	do("", "chmod", "other/c.txt", "private")

	var meta lockingfs.Metadata
	require.NoError(t, json.Unmarshal([]byte(do("", "stat", "other/c.txt")), &meta))
	assert.Equal(t, "other/c.txt", meta.Path)
	assert.Equal(t, lockingfs.VisibilityPrivate, meta.Visibility)
	assert.Equal(t, int64(len("from stdin")), meta.Size)

	listing := do("", "ls", "-r")
	assert.Contains(t, listing, "docs/a.txt")
	assert.Contains(t, listing, "other/c.txt")
	assert.NotContains(t, listing, "docs/b.txt")

	assert.Equal(t, "from stdin", do("", "pop", "other/c.txt"))
	do("", "mkdir", "empty", "--visibility", "private")
	do("", "rmdir", "empty")
	do("", "rm", "docs/a.txt")

	_, err = os.Stat(filepath.Join(root, "docs", "a.txt"))
	assert.True(t, os.IsNotExist(err))

	_, err = run(t, "", append([]string{"cat", "docs/a.txt"}, base...)...)
	assert.ErrorIs(t, err, lockingfs.ErrFileNotFound)
}

func TestInvalidSettings(t *testing.T) {
	root := t.TempDir()
	_, err := run(t, "", "ls", "--root", root, "--backend", "zookeeper")
	assert.ErrorContains(t, err, "invalid backend")

	_, err = run(t, "", "ls", "--root", root, "--storage", "tape")
	assert.ErrorContains(t, err, "invalid storage")

	_, err = run(t, "", "ls", "--root", root, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")

	_, err = run(t, "", "ls", "--root", root, "--storage", "azure")
	assert.ErrorContains(t, err, "azure-config")

	_, err = run(t, "", "write", "x", "--data", "y", "--root", root, "--visibility", "secret")
	assert.ErrorContains(t, err, "invalid visibility")
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("LOCKINGFS_ROOT", root)
	t.Setenv("LOCKINGFS_BACKEND", "native")

	_, err := run(t, "", "write", "env.txt", "--data", "ok")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(root, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestObjstoreStorage(t *testing.T) {
	root := t.TempDir()
	base := []string{"--storage", "objstore", "--root", root, "--backend", "memory"}

	_, err := run(t, "", append([]string{"write", "dir/blob.txt", "--data", "in a bucket"}, base...)...)
	require.NoError(t, err)
	out, err := run(t, "", append([]string{"cat", "dir/blob.txt"}, base...)...)
	require.NoError(t, err)
	assert.Equal(t, "in a bucket", out)
}

func TestRunStress(t *testing.T) {
	for _, backend := range []string{"flock", "memory", "native"} {
		t.Run(backend, func(t *testing.T) {
			s, err := openSession(context.Background(), settings{
				Storage: "local",
				Root:    t.TempDir(),
				Backend: backend,
				LockDir: t.TempDir(),
				Prefix:  t.Name(),
				Wait:    lockingfs.WaitForever,
			}, log.NewNopLogger())
			require.NoError(t, err)
			defer s.Close()

			report, err := runStress(context.Background(), s.fs, log.NewNopLogger(), stressOptions{
				Workers:    8,
				Ops:        200,
				Paths:      3,
				ReadRatio:  0.3,
				Strategy:   "pool",
				JobTimeout: 10 * time.Second,
				Drain:      time.Minute,
			})
			require.NoError(t, err)
			assert.Zero(t, report.Failures)
			assert.Empty(t, report.Mismatches)
			assert.Equal(t, int64(200), report.Reads+report.Writes)
		})
	}
}

func TestStressCommand(t *testing.T) {
	out, err := run(t, "", "stress", "--root", t.TempDir(), "--backend", "native", "--prefix", t.Name(),
		"--ops", "50", "--workers", "4", "--metrics")
	require.NoError(t, err)
	assert.Contains(t, out, "failures=0")
	assert.Contains(t, out, `lockingfs_lock_acquired_total{fs="native",mode="write"}`)
}

func TestRunStress_RejectsBadOptions(t *testing.T) {
	_, err := runStress(context.Background(), nil, log.NewNopLogger(), stressOptions{Paths: 0, Workers: 1})
	assert.Error(t, err)
	_, err = runStress(context.Background(), nil, log.NewNopLogger(), stressOptions{Paths: 1, Workers: 1, ReadRatio: 2})
	assert.Error(t, err)
}
