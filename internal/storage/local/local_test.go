package local

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	require.NoError(t, err)
	return b
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	data := []byte("sealed bytes")

	require.NoError(t, b.PutObject(ctx, "files/abc/report.pdf", bytes.NewReader(data), int64(len(data))))

	ok, err := b.ObjectExists(ctx, "files/abc/report.pdf")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, size, err := b.GetObject(ctx, "files/abc/report.pdf", 0, 0)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), size)

	require.NoError(t, b.DeleteObject(ctx, "files/abc/report.pdf"))
	ok, err = b.ObjectExists(ctx, "files/abc/report.pdf")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting again is not an error.
	assert.NoError(t, b.DeleteObject(ctx, "files/abc/report.pdf"))
}

func TestGetObjectRange(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutObject(ctx, "k", bytes.NewReader([]byte("0123456789")), 10))

	rc, size, err := b.GetObject(ctx, "k", 2, 3)
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "234", string(got))
	assert.Equal(t, int64(3), size)
}

func TestCopyObject(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.PutObject(ctx, "files/a/x.txt", bytes.NewReader([]byte("x")), 1))
	require.NoError(t, b.CopyObject(ctx, "files/a/x.txt", "files/b/x.txt"))

	ok, err := b.ObjectExists(ctx, "files/b/x.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyCannotEscapeRoot(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	err := b.PutObject(ctx, "files/x/../../../escape.txt", bytes.NewReader(nil), 0)
	assert.Error(t, err)
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
