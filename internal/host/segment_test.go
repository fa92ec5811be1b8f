package host

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewAnonymousSegment(0, DefaultPageSize)
	require.Error(t, err)

	_, err = NewAnonymousSegment(1<<33, DefaultPageSize)
	require.Error(t, err)

	_, err = NewAnonymousSegment(DefaultPageSize, 3000)
	require.Error(t, err)
}

func TestSegment_WriteMarksDirtyPages(t *testing.T) {
	t.Parallel()

	s, err := NewAnonymousSegment(4*DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, uint(0), s.Dirty().Count())

	// Crosses the boundary between page 1 and page 2.
	n, err := s.WriteAt([]byte{1, 2, 3, 4}, 2*DefaultPageSize-2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	dirty := s.Dirty()
	assert.Equal(t, uint(2), dirty.Count())
	assert.True(t, dirty.Test(1))
	assert.True(t, dirty.Test(2))

	n, err = s.WriteAt(nil, 3*DefaultPageSize+1)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, s.Dirty().Test(3))

	buf := make([]byte, 4)
	_, err = s.ReadAt(buf, 2*DefaultPageSize-2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf)
}

func TestSegment_Bounds(t *testing.T) {
	t.Parallel()

	s, err := NewAnonymousSegment(DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteAt([]byte{1, 2}, DefaultPageSize-1)
	require.Error(t, err)

	_, err = s.WriteAt([]byte{1}, -1)
	require.Error(t, err)

	buf := make([]byte, 8)
	n, err := s.ReadAt(buf, DefaultPageSize-4)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 4, n)

	_, err = s.ReadAt(buf, DefaultPageSize)
	require.ErrorIs(t, err, io.EOF)
}

func TestSegment_CopyDirty(t *testing.T) {
	t.Parallel()

	s, err := NewAnonymousSegment(3*DefaultPageSize+100, DefaultPageSize)
	require.NoError(t, err)
	defer s.Close()

	dst := make([]byte, s.Size())

	_, err = s.WriteAt([]byte{0xaa}, 10)
	require.NoError(t, err)
	_, err = s.WriteAt([]byte{0xbb}, 3*DefaultPageSize+50)
	require.NoError(t, err)

	pages, err := s.copyDirtyTo(dst)
	require.NoError(t, err)
	assert.Equal(t, uint(2), pages)
	assert.Equal(t, byte(0xaa), dst[10])
	assert.Equal(t, byte(0xbb), dst[3*DefaultPageSize+50])
	assert.Equal(t, uint(0), s.Dirty().Count())

	pages, err = s.copyDirtyTo(dst)
	require.NoError(t, err)
	assert.Equal(t, uint(0), pages)
}

func TestFileSegment(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "segment")

	s, err := NewFileSegment(2*DefaultPageSize, DefaultPageSize, path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2*DefaultPageSize), info.Size())

	_, err = s.WriteAt([]byte("shared"), DefaultPageSize)
	require.NoError(t, err)
	require.NoError(t, s.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), content[DefaultPageSize:DefaultPageSize+6])

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = s.WriteAt([]byte{1}, 0)
	require.ErrorIs(t, err, ErrSegmentClosed)
	_, err = s.ReadAt(make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrSegmentClosed)
	require.ErrorIs(t, s.Sync(), ErrSegmentClosed)
}

func TestAnonymousSegment_FileBacked(t *testing.T) {
	t.Parallel()

	s, err := NewAnonymousSegment(DefaultPageSize+10, DefaultPageSize)
	require.NoError(t, err)

	_, err = s.WriteAt([]byte("memfd"), DefaultPageSize+2)
	require.NoError(t, err)

	// Another mapping of the same file sees the write.
	got := make([]byte, 5)
	_, err = s.file.ReadAt(got, DefaultPageSize+2)
	require.NoError(t, err)
	assert.Equal(t, []byte("memfd"), got)

	require.NoError(t, s.Close())
}

func TestSegment_CloseWhileAttached(t *testing.T) {
	t.Parallel()

	s, err := NewAnonymousSegment(DefaultPageSize, DefaultPageSize)
	require.NoError(t, err)

	require.NoError(t, s.attach())
	require.NoError(t, s.attach())

	require.ErrorIs(t, s.Close(), ErrSegmentInUse)
	s.detach()
	require.ErrorIs(t, s.Close(), ErrSegmentInUse)
	s.detach()

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.attach(), ErrSegmentClosed)
}
