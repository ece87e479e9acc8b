package waynefs

import (
	"context"
	"errors"
	gopath "path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// errno maps the package sentinel errors onto the errnos the kernel
// expects back from a FUSE server.
func errno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExists):
		return syscall.EEXIST
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrNoSpace), errors.Is(err, ErrNoInodes):
		return syscall.ENOSPC
	case errors.Is(err, ErrNameTooLong):
		return syscall.ENAMETOOLONG
	case errors.Is(err, ErrTooManySymlinks):
		return syscall.ELOOP
	case errors.Is(err, ErrInvalid):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// Node bridges one inode into the go-fuse node tree. All operations
// delegate to the path-based operation layer; the node's position in the
// kernel tree supplies the path.
type Node struct {
	fs.Inode
	fsys *Filesystem
}

var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeLinker = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeSymlinker = (*Node)(nil)
var _ fs.NodeReadlinker = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)
var _ fs.NodeFsyncer = (*Node)(nil)

// abs returns this node's absolute path inside the filesystem.
func (n *Node) abs() string {
	return "/" + n.Path(n.Root())
}

func (n *Node) child(name string) string {
	return gopath.Join(n.abs(), name)
}

func caller(ctx context.Context) (uid, gid uint32) {
	if c, ok := fuse.FromContext(ctx); ok {
		return c.Uid, c.Gid
	}
	return 0, 0
}

func fillAttr(st *Stat, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Mode = UnixMode(st.Kind, st.Mode)
	out.Nlink = st.Nlink
	out.Size = st.Size
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Atime = st.Atime
	out.Mtime = st.Mtime
	out.Ctime = st.Ctime
	out.Blocks = (st.Size + 511) / 512
}

func (n *Node) newChild(ctx context.Context, st *Stat) *fs.Inode {
	return n.NewInode(ctx, &Node{fsys: n.fsys}, fs.StableAttr{
		Mode: UnixMode(st.Kind, 0),
		Ino:  uint64(st.Ino),
	})
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, err := n.fsys.GetAttr(n.abs())
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	st, err := n.fsys.Lookup(n.abs(), name)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	out.SetEntryTimeout(time.Second)
	out.SetAttrTimeout(time.Second)
	return n.newChild(ctx, st), 0
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fsys.ReadDir(n.abs())
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{
			Mode: UnixMode(e.Kind, 0),
			Name: e.Name,
			Ino:  uint64(e.Ino),
		})
	}
	return fs.NewListDirStream(out), 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	st, err := n.fsys.Mkdir(n.child(name), uint16(mode&07777), uid, gid)
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	return n.newChild(ctx, st), 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.Rmdir(n.child(name)))
}

func (n *Node) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	uid, gid := caller(ctx)
	st, err := n.fsys.Create(n.child(name), uint16(mode&07777), uid, gid)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	fillAttr(st, &out.Attr)
	n.fsys.Acquire(st.Ino)
	return n.newChild(ctx, st), &handle{fsys: n.fsys, ino: st.Ino}, 0, 0
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	st, err := n.fsys.Open(n.abs())
	if err != nil {
		return nil, 0, errno(err)
	}
	n.fsys.Acquire(st.Ino)
	return &handle{fsys: n.fsys, ino: st.Ino}, 0, 0
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.abs()

	if sz, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(p, sz); err != nil {
			return errno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.Chmod(p, uint16(mode&07777)); err != nil {
			return errno(err)
		}
	}
	uid, hasUid := in.GetUID()
	gid, hasGid := in.GetGID()
	if hasUid || hasGid {
		if !hasUid {
			uid = ^uint32(0)
		}
		if !hasGid {
			gid = ^uint32(0)
		}
		if err := n.fsys.Chown(p, uid, gid); err != nil {
			return errno(err)
		}
	}
	var at, mt *time.Time
	if a, ok := in.GetATime(); ok {
		at = &a
	}
	if m, ok := in.GetMTime(); ok {
		mt = &m
	}
	if at != nil || mt != nil {
		if err := n.fsys.Utimens(p, at, mt); err != nil {
			return errno(err)
		}
	}

	st, err := n.fsys.GetAttr(p)
	if err != nil {
		return errno(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return errno(n.fsys.Rename(n.child(name), np.child(newName)))
}

func (n *Node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*Node)
	if !ok {
		return nil, syscall.EXDEV
	}
	if err := n.fsys.Link(tn.abs(), n.child(name)); err != nil {
		return nil, errno(err)
	}
	st, err := n.fsys.GetAttr(n.child(name))
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	return n.newChild(ctx, st), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.Unlink(n.child(name)))
}

func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, gid := caller(ctx)
	if err := n.fsys.Symlink(target, n.child(name), uid, gid); err != nil {
		return nil, errno(err)
	}
	st, err := n.fsys.GetAttr(n.child(name))
	if err != nil {
		return nil, errno(err)
	}
	fillAttr(st, &out.Attr)
	return n.newChild(ctx, st), 0
}

func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(n.abs())
	if err != nil {
		return nil, errno(err)
	}
	return []byte(target), 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	info := n.fsys.Statfs()
	out.Bsize = info.BlockSize
	out.Blocks = info.TotalBlocks
	out.Bfree = uint64(info.FreeBlocks)
	out.Bavail = uint64(info.FreeBlocks)
	out.Files = uint64(info.TotalInodes)
	out.Ffree = uint64(info.FreeInodes)
	out.NameLen = info.MaxNameLen
	return 0
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	st, err := n.fsys.GetAttr(n.abs())
	if err != nil {
		return errno(err)
	}
	return errno(n.fsys.Fsync(st.Ino))
}

// handle is one open file handle; it pins the inode so unlinked-but-open
// files keep their storage until the last release.
type handle struct {
	fsys *Filesystem
	ino  uint32
}

var _ fs.FileReader = (*handle)(nil)
var _ fs.FileWriter = (*handle)(nil)
var _ fs.FileReleaser = (*handle)(nil)
var _ fs.FileFsyncer = (*handle)(nil)

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fsys.Read(h.ino, uint64(off), dest)
	if err != nil {
		return nil, errno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fsys.Write(h.ino, uint64(off), data)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(n), 0
}

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return errno(h.fsys.Release(h.ino))
}

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return errno(h.fsys.Fsync(h.ino))
}

// Mount serves the filesystem at mountpoint through the kernel FUSE
// driver until the returned server is unmounted.
func Mount(fsys *Filesystem, mountpoint string, debug bool) (*fuse.Server, error) {
	root := &Node{fsys: fsys}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "waynefs",
			Name:   "waynefs",
			Debug:  debug,
		},
	}
	return fs.Mount(mountpoint, root, opts)
}
