package waynefs

import (
	"fmt"
	gopath "path"
	"strings"
	"time"
)

// Stat is the attribute view returned by lookup/getattr.
type Stat struct {
	Ino   uint32
	Kind  Kind
	Mode  uint16
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Size  uint64
	Atime uint64
	Mtime uint64
	Ctime uint64
}

func statOf(ino uint32, in *Inode) *Stat {
	return &Stat{
		Ino:   ino,
		Kind:  in.Kind,
		Mode:  in.Mode,
		Uid:   in.Uid,
		Gid:   in.Gid,
		Nlink: in.Nlink,
		Size:  in.Size,
		Atime: in.Atime,
		Mtime: in.Mtime,
		Ctime: in.Ctime,
	}
}

// StatfsInfo mirrors the superblock counters for statfs.
type StatfsInfo struct {
	BlockSize   uint32
	TotalBlocks uint64
	FreeBlocks  uint32
	TotalInodes uint32
	FreeInodes  uint32
	MaxNameLen  uint32
}

// GetAttr returns the attributes of whatever p resolves to.
func (fs *Filesystem) GetAttr(p string) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	return statOf(ino, in), nil
}

// Lookup resolves name inside parent and returns the child's attributes,
// populating the dentry cache on the way.
func (fs *Filesystem) Lookup(parent, name string) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookupLocked(parent, name)
}

func (fs *Filesystem) lookupLocked(parent, name string) (*Stat, error) {
	_, dir, err := fs.resolve(parent)
	if err != nil {
		return nil, err
	}
	ino, _, err := fs.dirs.Lookup(dir, name)
	if err != nil {
		if err == ErrNotFound {
			if full, nerr := normPath(gopath.Join(parent, name)); nerr == nil {
				fs.dentry.PutNegative(full)
			}
		}
		return nil, err
	}
	in, err := fs.itable.Read(ino)
	if err != nil {
		return nil, err
	}
	if full, nerr := normPath(gopath.Join(parent, name)); nerr == nil {
		fs.dentry.PutPositive(full, ino, in.Kind)
	}
	return statOf(ino, in), nil
}

// ReadDir lists a directory, `.` and `..` included.
func (fs *Filesystem) ReadDir(p string) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	return fs.dirs.List(in)
}

// Statfs reports the post-commit superblock counters.
func (fs *Filesystem) Statfs() StatfsInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return StatfsInfo{
		BlockSize:   fs.sb.BlockSize,
		TotalBlocks: fs.sb.TotalBlocks,
		FreeBlocks:  fs.sb.FreeDataBlocks,
		TotalInodes: fs.sb.InodeCount,
		FreeInodes:  fs.sb.FreeInodes,
		MaxNameLen:  MaxNameLen,
	}
}

// allocInode claims an inode number and initializes its record.
func (fs *Filesystem) allocInode(t *Txn, kind Kind, mode uint16, uid, gid uint32) (uint32, *Inode, error) {
	ino, err := fs.ibitmap.Allocate(t)
	if err != nil {
		return 0, nil, err
	}
	fs.sb.FreeInodes--

	now := uint64(time.Now().Unix())
	in := &Inode{
		Kind:  kind,
		Mode:  mode,
		Uid:   uid,
		Gid:   gid,
		Nlink: 1,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
	if err := fs.itable.Write(t, ino, in); err != nil {
		return 0, nil, err
	}
	return ino, in, nil
}

// freeInode releases an inode and everything it addresses: leaf blocks,
// index blocks, the bitmap bit, and the record itself.
func (fs *Filesystem) freeInode(t *Txn, ino uint32, in *Inode) error {
	if err := fs.bm.Truncate(t, in, 0); err != nil {
		return err
	}
	if err := fs.ibitmap.Free(t, ino); err != nil {
		return err
	}
	fs.sb.FreeInodes++
	return fs.itable.Write(t, ino, &Inode{})
}

// dropLink decrements nlink and either frees the inode, parks it on the
// orphan list while handles stay open, or just writes it back.
func (fs *Filesystem) dropLink(t *Txn, ino uint32, in *Inode, by uint32) error {
	if in.Nlink <= by {
		in.Nlink = 0
	} else {
		in.Nlink -= by
	}
	in.Touch(time.Now(), false)
	if in.Nlink > 0 {
		return fs.itable.Write(t, ino, in)
	}
	if fs.handles[ino] > 0 {
		fs.orphans[ino] = struct{}{}
		return fs.itable.Write(t, ino, in)
	}
	return fs.freeInode(t, ino, in)
}

// Mkdir creates an empty directory.
func (fs *Filesystem) Mkdir(p string, mode uint16, uid, gid uint32) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := normPath(p)
	if err != nil {
		return nil, err
	}
	if p == "/" {
		return nil, ErrExists
	}
	parentPath, name := splitParent(p)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return nil, err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return nil, err
	}
	ino, in, err := fs.mkdirTxn(t, pIno, parent, name, mode, uid, gid)
	if err != nil {
		fs.abort(t)
		return nil, err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return nil, err
	}
	fs.dentry.InvalidateTree(parentPath)
	return statOf(ino, in), nil
}

func (fs *Filesystem) mkdirTxn(t *Txn, pIno uint32, parent *Inode, name string, mode uint16, uid, gid uint32) (uint32, *Inode, error) {
	ino, in, err := fs.allocInode(t, KindDir, mode, uid, gid)
	if err != nil {
		return 0, nil, err
	}
	in.Nlink = 2 // self entry plus the parent's reference
	if err := fs.dirs.InitEmpty(t, in, ino, pIno); err != nil {
		return 0, nil, err
	}
	if err := fs.itable.Write(t, ino, in); err != nil {
		return 0, nil, err
	}
	if err := fs.dirs.Insert(t, parent, name, ino, KindDir); err != nil {
		return 0, nil, err
	}
	parent.Nlink++
	parent.Touch(time.Now(), true)
	if err := fs.itable.Write(t, pIno, parent); err != nil {
		return 0, nil, err
	}
	return ino, in, fs.stageSuper(t)
}

// Rmdir removes an empty directory.
func (fs *Filesystem) Rmdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := normPath(p)
	if err != nil {
		return err
	}
	if p == "/" {
		return ErrInvalid
	}
	parentPath, name := splitParent(p)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return err
	}
	ino, in, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if !in.Kind.IsDir() {
		return ErrNotDirectory
	}
	empty, err := fs.dirs.IsEmpty(in)
	if err != nil {
		return err
	}
	if !empty {
		return ErrNotEmpty
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		if err := fs.dirs.Remove(t, parent, name); err != nil {
			return err
		}
		parent.Nlink--
		parent.Touch(time.Now(), true)
		if err := fs.itable.Write(t, pIno, parent); err != nil {
			return err
		}
		if err := fs.dropLink(t, ino, in, 2); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	fs.dentry.InvalidateTree(parentPath)
	return nil
}

// Create makes an empty regular file.
func (fs *Filesystem) Create(p string, mode uint16, uid, gid uint32) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := normPath(p)
	if err != nil {
		return nil, err
	}
	parentPath, name := splitParent(p)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return nil, err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return nil, err
	}
	var ino uint32
	var in *Inode
	err = func() error {
		if ino, in, err = fs.allocInode(t, KindRegular, mode, uid, gid); err != nil {
			return err
		}
		if err := fs.dirs.Insert(t, parent, name, ino, KindRegular); err != nil {
			return err
		}
		parent.Touch(time.Now(), true)
		if err := fs.itable.Write(t, pIno, parent); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return nil, err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return nil, err
	}
	fs.dentry.InvalidateTree(parentPath)
	return statOf(ino, in), nil
}

// Open validates existence and kind and returns the inode number for the
// handle. The host layer follows symlinks before calling.
func (fs *Filesystem) Open(p string) (*Stat, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, in, err := fs.resolve(p)
	if err != nil {
		return nil, err
	}
	return statOf(ino, in), nil
}

// Acquire registers an open handle on ino.
func (fs *Filesystem) Acquire(ino uint32) {
	fs.mu.Lock()
	fs.handles[ino]++
	fs.mu.Unlock()
}

// Release drops an open handle; the last release of an orphaned inode
// reclaims its storage.
func (fs *Filesystem) Release(ino uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.handles[ino] > 1 {
		fs.handles[ino]--
		return nil
	}
	delete(fs.handles, ino)
	if _, ok := fs.orphans[ino]; !ok {
		return nil
	}
	return fs.reapOrphan(ino)
}

func (fs *Filesystem) reapOrphan(ino uint32) error {
	in, err := fs.itable.Read(ino)
	if err != nil {
		return err
	}
	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	if err := fs.freeInode(t, ino, in); err != nil {
		fs.abort(t)
		return err
	}
	if err := fs.stageSuper(t); err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	delete(fs.orphans, ino)
	return nil
}

// Read copies file bytes at off into p. Holes read as zeros; a read past
// EOF is short.
func (fs *Filesystem) Read(ino uint32, off uint64, p []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.itable.Read(ino)
	if err != nil {
		return 0, err
	}
	if in.Kind.IsDir() {
		return 0, ErrIsDirectory
	}
	return fs.readInodeLocked(in, off, p)
}

func (fs *Filesystem) readInodeLocked(in *Inode, off uint64, p []byte) (int, error) {
	if off >= in.Size {
		return 0, nil
	}
	if off+uint64(len(p)) > in.Size {
		p = p[:in.Size-off]
	}

	b := uint64(fs.sb.BlockSize)
	n := 0
	for len(p) > 0 {
		l := uint32((off + uint64(n)) / b)
		inner := (off + uint64(n)) % b
		phys, err := fs.bm.Resolve(nil, in, l, false)
		if err != nil {
			return n, err
		}
		var chunk int
		if phys == 0 {
			// hole: zero fill
			chunk = int(b - inner)
			if chunk > len(p) {
				chunk = len(p)
			}
			for i := 0; i < chunk; i++ {
				p[i] = 0
			}
		} else {
			buf, err := fs.cache.Get(phys)
			if err != nil {
				return n, err
			}
			chunk = copy(p, buf[inner:])
		}
		p = p[chunk:]
		n += chunk
	}
	return n, nil
}

// Write stores bytes at off, extending the file and allocating blocks as
// needed. Data pages go dirty into the cache and onto the transaction's
// ordered set; only the inode, bitmap, index blocks and the superblock are
// journaled.
func (fs *Filesystem) Write(ino uint32, off uint64, data []byte) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	in, err := fs.itable.Read(ino)
	if err != nil {
		return 0, err
	}
	if in.Kind.IsDir() {
		return 0, ErrIsDirectory
	}
	end := off + uint64(len(data))
	if end > fs.sb.MaxFileSize() {
		return 0, fmt.Errorf("%w: write past maximum file size", ErrInvalid)
	}
	if len(data) == 0 {
		return 0, nil
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return 0, err
	}
	n, err := fs.writeTxn(t, ino, in, off, data)
	if err != nil {
		fs.abort(t)
		return 0, err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return 0, err
	}
	return n, nil
}

func (fs *Filesystem) writeTxn(t *Txn, ino uint32, in *Inode, off uint64, data []byte) (int, error) {
	// a gap between the old end and the write start must read as zeros
	if off > in.Size {
		if err := fs.bm.zeroRange(t, in, in.Size, off); err != nil {
			return 0, err
		}
	}

	b := uint64(fs.sb.BlockSize)
	n := 0
	for n < len(data) {
		pos := off + uint64(n)
		l := uint32(pos / b)
		inner := pos % b

		fresh, err := fs.bm.Resolve(nil, in, l, false)
		if err != nil {
			return n, err
		}
		phys, err := fs.bm.Resolve(t, in, l, true)
		if err != nil {
			return n, err
		}

		var buf []byte
		if fresh == 0 {
			// newly allocated: old device contents are garbage
			buf = fs.cache.GetZero(phys)
		} else if buf, err = fs.cache.Get(phys); err != nil {
			return n, err
		}

		chunk := copy(buf[inner:], data[n:])
		fs.cache.MarkDirty(phys)
		if err := t.AddOrdered(phys); err != nil {
			return n, err
		}
		n += chunk
	}

	end := off + uint64(len(data))
	if end > in.Size {
		in.Size = end
	}
	in.Touch(time.Now(), true)
	if err := fs.itable.Write(t, ino, in); err != nil {
		return n, err
	}
	return n, fs.stageSuper(t)
}

// Truncate resizes a file; see the addressing layer for both directions.
func (fs *Filesystem) Truncate(p string, size uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, in, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if in.Kind.IsDir() {
		return ErrIsDirectory
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		if err := fs.bm.Truncate(t, in, size); err != nil {
			return err
		}
		in.Touch(time.Now(), true)
		if err := fs.itable.Write(t, ino, in); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	return nil
}

// Link creates a hard link to an existing non-directory.
func (fs *Filesystem) Link(oldp, newp string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, in, err := fs.resolve(oldp)
	if err != nil {
		return err
	}
	if in.Kind.IsDir() {
		return ErrIsDirectory
	}
	newp, err = normPath(newp)
	if err != nil {
		return err
	}
	parentPath, name := splitParent(newp)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		if err := fs.dirs.Insert(t, parent, name, ino, in.Kind); err != nil {
			return err
		}
		in.Nlink++
		in.Touch(time.Now(), false)
		if err := fs.itable.Write(t, ino, in); err != nil {
			return err
		}
		parent.Touch(time.Now(), true)
		if err := fs.itable.Write(t, pIno, parent); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	fs.dentry.InvalidateTree(parentPath)
	return nil
}

// Unlink removes a directory entry; the inode goes away with its last
// link once no handle holds it open.
func (fs *Filesystem) Unlink(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := normPath(p)
	if err != nil {
		return err
	}
	ino, in, err := fs.resolve(p)
	if err != nil {
		return err
	}
	if in.Kind.IsDir() {
		return ErrIsDirectory
	}
	parentPath, name := splitParent(p)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		if err := fs.dirs.Remove(t, parent, name); err != nil {
			return err
		}
		parent.Touch(time.Now(), true)
		if err := fs.itable.Write(t, pIno, parent); err != nil {
			return err
		}
		if err := fs.dropLink(t, ino, in, 1); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	fs.dentry.InvalidateTree(parentPath)
	return nil
}

// Symlink stores target as the literal contents of a fresh symlink inode.
func (fs *Filesystem) Symlink(target, p string, uid, gid uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if len(target) == 0 || uint64(len(target)) > uint64(fs.sb.BlockSize) {
		return fmt.Errorf("%w: symlink target length %d", ErrInvalid, len(target))
	}
	p, err := normPath(p)
	if err != nil {
		return err
	}
	parentPath, name := splitParent(p)
	pIno, parent, err := fs.resolve(parentPath)
	if err != nil {
		return err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = func() error {
		ino, in, err := fs.allocInode(t, KindSymlink, 0777, uid, gid)
		if err != nil {
			return err
		}
		phys, err := fs.bm.Resolve(t, in, 0, true)
		if err != nil {
			return err
		}
		buf := fs.cache.GetZero(phys)
		copy(buf, target)
		fs.cache.MarkDirty(phys)
		if err := t.AddOrdered(phys); err != nil {
			return err
		}
		in.Size = uint64(len(target))
		if err := fs.itable.Write(t, ino, in); err != nil {
			return err
		}
		if err := fs.dirs.Insert(t, parent, name, ino, KindSymlink); err != nil {
			return err
		}
		parent.Touch(time.Now(), true)
		if err := fs.itable.Write(t, pIno, parent); err != nil {
			return err
		}
		return fs.stageSuper(t)
	}()
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	fs.dentry.InvalidateTree(parentPath)
	return nil
}

func (fs *Filesystem) readlinkInode(in *Inode) (string, error) {
	if !in.Kind.IsSymlink() {
		return "", ErrInvalid
	}
	buf := make([]byte, in.Size)
	if _, err := fs.readInodeLocked(in, 0, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Readlink returns the stored target of a symlink.
func (fs *Filesystem) Readlink(p string) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, in, err := fs.resolve(p)
	if err != nil {
		return "", err
	}
	return fs.readlinkInode(in)
}

// Rename atomically moves oldp to newp, replacing a regular-file target
// or an empty-directory target, in one transaction across both parents.
func (fs *Filesystem) Rename(oldp, newp string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldp, err := normPath(oldp)
	if err != nil {
		return err
	}
	newp, err = normPath(newp)
	if err != nil {
		return err
	}
	if oldp == "/" || newp == "/" {
		return ErrInvalid
	}
	if newp == oldp {
		return nil
	}
	if strings.HasPrefix(newp, oldp+"/") {
		return ErrInvalid // cannot move a directory under itself
	}

	ino, in, err := fs.resolve(oldp)
	if err != nil {
		return err
	}
	oldParentPath, oldName := splitParent(oldp)
	newParentPath, newName := splitParent(newp)

	opIno, oldParent, err := fs.resolve(oldParentPath)
	if err != nil {
		return err
	}
	npIno := opIno
	newParent := oldParent
	if newParentPath != oldParentPath {
		if npIno, newParent, err = fs.resolve(newParentPath); err != nil {
			return err
		}
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	err = fs.renameTxn(t, ino, in, opIno, oldParent, oldName, npIno, newParent, newName)
	if err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	fs.dentry.InvalidateTree(oldParentPath)
	fs.dentry.InvalidateTree(newParentPath)
	return nil
}

func (fs *Filesystem) renameTxn(t *Txn, ino uint32, in *Inode,
	opIno uint32, oldParent *Inode, oldName string,
	npIno uint32, newParent *Inode, newName string) error {

	now := time.Now()

	// displace an existing target first
	tgtIno, _, err := fs.dirs.Lookup(newParent, newName)
	switch err {
	case nil:
		if tgtIno == ino {
			return nil // hard links to the same inode; POSIX no-op
		}
		tgt, err := fs.itable.Read(tgtIno)
		if err != nil {
			return err
		}
		if tgt.Kind.IsDir() {
			if !in.Kind.IsDir() {
				return ErrIsDirectory
			}
			empty, err := fs.dirs.IsEmpty(tgt)
			if err != nil {
				return err
			}
			if !empty {
				return ErrNotEmpty
			}
			if err := fs.dirs.Remove(t, newParent, newName); err != nil {
				return err
			}
			newParent.Nlink--
			if err := fs.dropLink(t, tgtIno, tgt, 2); err != nil {
				return err
			}
		} else {
			if in.Kind.IsDir() {
				return ErrNotDirectory
			}
			if err := fs.dirs.Remove(t, newParent, newName); err != nil {
				return err
			}
			if err := fs.dropLink(t, tgtIno, tgt, 1); err != nil {
				return err
			}
		}
	case ErrNotFound:
	default:
		return err
	}

	if err := fs.dirs.Remove(t, oldParent, oldName); err != nil {
		return err
	}
	if err := fs.dirs.Insert(t, newParent, newName, ino, in.Kind); err != nil {
		return err
	}

	if in.Kind.IsDir() && opIno != npIno {
		// the moved directory's `..` now names the new parent
		if err := fs.dirs.SetParent(t, in, npIno); err != nil {
			return err
		}
		oldParent.Nlink--
		newParent.Nlink++
	}

	in.Touch(now, false)
	if err := fs.itable.Write(t, ino, in); err != nil {
		return err
	}
	oldParent.Touch(now, true)
	if err := fs.itable.Write(t, opIno, oldParent); err != nil {
		return err
	}
	if npIno != opIno {
		newParent.Touch(now, true)
		if err := fs.itable.Write(t, npIno, newParent); err != nil {
			return err
		}
	}
	return fs.stageSuper(t)
}

// Chmod updates the permission bits.
func (fs *Filesystem) Chmod(p string, mode uint16) error {
	return fs.setattr(p, func(in *Inode) {
		in.Mode = mode & 07777
	})
}

// Chown updates the owner. A value of ^uint32(0) leaves the field alone.
func (fs *Filesystem) Chown(p string, uid, gid uint32) error {
	return fs.setattr(p, func(in *Inode) {
		if uid != ^uint32(0) {
			in.Uid = uid
		}
		if gid != ^uint32(0) {
			in.Gid = gid
		}
	})
}

// Utimens updates access and modification times; nil leaves a field alone.
func (fs *Filesystem) Utimens(p string, atime, mtime *time.Time) error {
	return fs.setattr(p, func(in *Inode) {
		if atime != nil {
			in.Atime = uint64(atime.Unix())
		}
		if mtime != nil {
			in.Mtime = uint64(mtime.Unix())
		}
	})
}

func (fs *Filesystem) setattr(p string, mut func(*Inode)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ino, in, err := fs.resolve(p)
	if err != nil {
		return err
	}

	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	mut(in)
	in.Ctime = uint64(time.Now().Unix())
	if err := fs.itable.Write(t, ino, in); err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	return nil
}

// Fsync commits the open transaction if there is one and returns;
// otherwise it writes back all dirty pages and issues a device barrier.
// Directories get the same treatment as files.
func (fs *Filesystem) Fsync(ino uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if t := fs.journal.Current(); t != nil {
		if err := t.Commit(); err != nil {
			fs.abort(t)
			return err
		}
		return nil
	}
	if err := fs.cache.FlushAll(); err != nil {
		return err
	}
	return fs.dev.Sync()
}
