package waynefs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayne70211/waynefs"
)

func TestRenameSameDirectory(t *testing.T) {
	fsys := newFS(t)

	st, err := fsys.Create("/a", 0644, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Write(st.Ino, 0, []byte("content"))
	require.NoError(t, err)

	require.NoError(t, fsys.Rename("/a", "/b"))

	_, err = fsys.GetAttr("/a")
	assert.ErrorIs(t, err, waynefs.ErrNotFound)

	got, err := fsys.GetAttr("/b")
	require.NoError(t, err)
	assert.Equal(t, st.Ino, got.Ino)

	buf := make([]byte, 7)
	n, err := fsys.Read(got.Ino, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "content", string(buf[:n]))
}

func TestRenameCrossDirectory(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/src", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Mkdir("/dst", 0755, 0, 0)
	require.NoError(t, err)
	st, err := fsys.Create("/src/f", 0644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fsys.Rename("/src/f", "/dst/g"))

	_, err = fsys.GetAttr("/src/f")
	assert.ErrorIs(t, err, waynefs.ErrNotFound)
	got, err := fsys.GetAttr("/dst/g")
	require.NoError(t, err)
	assert.Equal(t, st.Ino, got.Ino)
}

func TestRenameDirectoryUpdatesDotDot(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/p1", 0755, 0, 0)
	require.NoError(t, err)
	p2, err := fsys.Mkdir("/p2", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Mkdir("/p1/child", 0755, 0, 0)
	require.NoError(t, err)

	before1, _ := fsys.GetAttr("/p1")
	require.EqualValues(t, 3, before1.Nlink)

	require.NoError(t, fsys.Rename("/p1/child", "/p2/child"))

	after1, _ := fsys.GetAttr("/p1")
	after2, _ := fsys.GetAttr("/p2")
	assert.EqualValues(t, 2, after1.Nlink, "old parent lost the child's back reference")
	assert.EqualValues(t, 3, after2.Nlink, "new parent gained the child's back reference")

	entries, err := fsys.ReadDir("/p2/child")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "..", entries[1].Name)
	assert.Equal(t, p2.Ino, entries[1].Ino, ".. must name the new parent")
}

func TestRenameReplacesFile(t *testing.T) {
	fsys := newFS(t)

	a, err := fsys.Create("/a", 0644, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Create("/b", 0644, 0, 0)
	require.NoError(t, err)

	freeBefore := fsys.Statfs().FreeInodes
	require.NoError(t, fsys.Rename("/a", "/b"))

	got, err := fsys.GetAttr("/b")
	require.NoError(t, err)
	assert.Equal(t, a.Ino, got.Ino, "b must now be a's inode")
	assert.Equal(t, freeBefore+1, fsys.Statfs().FreeInodes, "the displaced inode is freed")
}

func TestRenameOntoNonEmptyDirectory(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/a", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Mkdir("/b", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Create("/b/keep", 0644, 0, 0)
	require.NoError(t, err)

	err = fsys.Rename("/a", "/b")
	assert.ErrorIs(t, err, waynefs.ErrNotEmpty)

	// both directories untouched
	_, err = fsys.GetAttr("/a")
	assert.NoError(t, err)
	_, err = fsys.GetAttr("/b/keep")
	assert.NoError(t, err)
}

func TestRenameOntoEmptyDirectory(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/a", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Mkdir("/b", 0755, 0, 0)
	require.NoError(t, err)

	require.NoError(t, fsys.Rename("/a", "/b"))
	_, err = fsys.GetAttr("/a")
	assert.ErrorIs(t, err, waynefs.ErrNotFound)
	st, err := fsys.GetAttr("/b")
	require.NoError(t, err)
	assert.True(t, st.Kind.IsDir())

	// root: self + b, the replaced directory's back reference is gone
	root, _ := fsys.GetAttr("/")
	assert.EqualValues(t, 3, root.Nlink)
}

func TestRenameKindMismatch(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/dir", 0755, 0, 0)
	require.NoError(t, err)
	_, err = fsys.Create("/file", 0644, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, fsys.Rename("/file", "/dir"), waynefs.ErrIsDirectory)
	assert.ErrorIs(t, fsys.Rename("/dir", "/file"), waynefs.ErrNotDirectory)
}

func TestRenameIntoItself(t *testing.T) {
	fsys := newFS(t)

	_, err := fsys.Mkdir("/d", 0755, 0, 0)
	require.NoError(t, err)

	err = fsys.Rename("/d", "/d/sub")
	require.Error(t, err)
	assert.True(t, errors.Is(err, waynefs.ErrInvalid))
}

func TestRenameMissingSource(t *testing.T) {
	fsys := newFS(t)
	assert.ErrorIs(t, fsys.Rename("/nope", "/x"), waynefs.ErrNotFound)
}
