package lockingfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceKey(t *testing.T) {
	assert.Equal(t, "04fb9341f03996f1c1f33941a892ef1e11da35e1", ResourceKey("default", "a/b.txt"))
	assert.Len(t, ResourceKey("p", "x"), 40)
	assert.NotEqual(t, ResourceKey("one", "a"), ResourceKey("two", "a"), "prefix namespaces keys")
	assert.NotEqual(t, ResourceKey("a", "b"), ResourceKey("", "a/b"))
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"a/b.txt", "a/b.txt"},
		{"/a/b.txt", "a/b.txt"},
		{"a//b/./c/", "a/b/c"},
		{`a\b\c.txt`, "a/b/c.txt"},
		{"a/b/../c", "a/c"},
		{"a/..", ""},
		{"a/\x00b\tc", "a/bc"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePath_RootViolation(t *testing.T) {
	for _, in := range []string{"..", "../a", "a/../../b", `..\x`} {
		_, err := NormalizePath(in)
		assert.ErrorIs(t, err, ErrRootViolation, in)
	}
}

func TestDetectMimetype(t *testing.T) {
	assert.Contains(t, DetectMimetype("a/index.html", nil), "text/html")
	assert.Equal(t, "application/pdf", DetectMimetype("noext", []byte("%PDF-1.7")))
	assert.Equal(t, "application/octet-stream", DetectMimetype("noext", nil))
}

func TestLockError(t *testing.T) {
	cause := ErrEntryNotFound
	err := NewUnlockFailedError("a/b", cause)

	assert.ErrorIs(t, err, ErrUnlockFailed)
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NotErrorIs(t, err, ErrLockUnavailable)
	assert.Equal(t, `lockingfs: unlock failed at path "a/b": lockingfs: counter entry not found`, err.Error())

	err = NewLockUnavailableError("x", nil)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Equal(t, `lockingfs: lock unavailable at path "x"`, err.Error())
}
