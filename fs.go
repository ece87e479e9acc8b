package waynefs

import (
	"fmt"
	"os"
	gopath "path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Filesystem is the single process-wide owner of a mounted image: the
// superblock, bitmaps, inode table, page cache, dentry cache and journal
// as one value, created by Open and destroyed by Close. All operations
// dispatch through it.
type Filesystem struct {
	mu sync.Mutex

	dev     BlockDevice
	sb      *Superblock
	cache   *PageCache
	journal *Journal
	ibitmap *Bitmap
	dbitmap *Bitmap
	itable  *InodeTable
	bm      *BlockMap
	dirs    *DirCodec
	dentry  *DentryCache
	log     *logrus.Logger

	// handles counts open file handles per inode; orphans holds inodes
	// whose link count reached zero while still open. Their blocks are
	// reclaimed at final release (or unmount).
	handles map[uint32]int
	orphans map[uint32]struct{}
}

// probeSuperblock reads and validates the superblock straight from the
// image file, before any device or cache exists, to learn the block size.
func probeSuperblock(path string) (*Superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, superblockSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadMagic, err)
	}
	sb := new(Superblock)
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

// Open mounts an image: load the superblock, run journal recovery, and
// wire up the managers. The image is exclusively locked until Close.
func Open(path string, opts ...Option) (*Filesystem, error) {
	probe, err := probeSuperblock(path)
	if err != nil {
		return nil, err
	}

	dev, err := OpenDevice(path, int(probe.BlockSize))
	if err != nil {
		return nil, err
	}

	fs := &Filesystem{
		dev:     dev,
		log:     logrus.StandardLogger(),
		handles: make(map[uint32]int),
		orphans: make(map[uint32]struct{}),
	}
	for _, o := range opts {
		if err := o(fs); err != nil {
			dev.Close()
			return nil, err
		}
	}

	if uint64(dev.Blocks()) != probe.TotalBlocks {
		dev.Close()
		return nil, fmt.Errorf("%w: superblock says %d blocks, image holds %d",
			ErrBadGeometry, probe.TotalBlocks, dev.Blocks())
	}

	fs.cache = NewPageCache(dev)
	fs.journal = NewJournal(dev, fs.cache, fs.log, probe.JournalStart, probe.JournalBlocks)
	if err := fs.journal.Load(); err != nil {
		dev.Close()
		return nil, err
	}
	replayed, err := fs.journal.Recover()
	if err != nil {
		dev.Close()
		return nil, err
	}

	// re-read the superblock through the cache: recovery may have
	// replayed a newer copy over the probed one
	sbBuf, err := fs.cache.Get(superblockNo)
	if err != nil {
		dev.Close()
		return nil, err
	}
	fs.sb = new(Superblock)
	if err := fs.sb.UnmarshalBinary(sbBuf); err != nil {
		dev.Close()
		return nil, err
	}

	sb := fs.sb
	fs.ibitmap = NewBitmap(fs.cache, sb.InodeBitmapStart, sb.InodeBitmapBlocks, sb.InodeCount, sb.BlockSize, ErrNoInodes)
	fs.dbitmap = NewBitmap(fs.cache, sb.DataBitmapStart, sb.DataBitmapBlocks, sb.DataBlocks(), sb.BlockSize, ErrNoSpace)
	fs.itable = NewInodeTable(fs.cache, sb.InodeTableStart, sb.InodeCount, sb.BlockSize)
	fs.bm = NewBlockMap(sb, fs.cache, fs.dbitmap)
	fs.dirs = NewDirCodec(sb, fs.cache, fs.bm)
	fs.dentry = NewDentryCache()

	state := STATE_DIRTY
	if replayed > 0 {
		state |= STATE_RECOVERED
	}
	if err := fs.markState(state); err != nil {
		dev.Close()
		return nil, err
	}

	fs.log.WithFields(logrus.Fields{
		"blocks": sb.TotalBlocks,
		"inodes": sb.InodeCount,
		"state":  sb.State,
	}).Info("waynefs: mounted")
	return fs, nil
}

// markState rewrites the superblock state flags through a transaction.
func (fs *Filesystem) markState(state StateFlags) error {
	t, err := fs.journal.Begin()
	if err != nil {
		return err
	}
	fs.sb.State = state
	if err := fs.stageSuper(t); err != nil {
		fs.abort(t)
		return err
	}
	if err := t.Commit(); err != nil {
		fs.abort(t)
		return err
	}
	return nil
}

// stageSuper serializes the in-memory superblock into its cache block and
// stages it. Cheap enough that allocation paths call it once per
// transaction without bookkeeping.
func (fs *Filesystem) stageSuper(t *Txn) error {
	buf, err := fs.cache.Get(superblockNo)
	if err != nil {
		return err
	}
	if err := fs.sb.encodeInto(buf); err != nil {
		return err
	}
	fs.cache.MarkDirty(superblockNo)
	return t.StageMeta(superblockNo, buf)
}

// abort rolls back a transaction and reloads the superblock from disk,
// since the in-memory counters may have moved with the rolled-back
// allocations.
func (fs *Filesystem) abort(t *Txn) {
	t.Abort()
	if buf, err := fs.cache.Get(superblockNo); err == nil {
		_ = fs.sb.UnmarshalBinary(buf)
	}
}

// Close unmounts: reclaim orphans, flush everything, mark the superblock
// clean, release the image.
func (fs *Filesystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for ino := range fs.orphans {
		if err := fs.reapOrphan(ino); err != nil {
			fs.log.WithError(err).WithField("inode", ino).Error("waynefs: orphan reclaim failed")
		}
	}

	if err := fs.cache.FlushAll(); err != nil {
		fs.dev.Close()
		return err
	}
	if err := fs.markState(STATE_CLEAN); err != nil {
		fs.dev.Close()
		return err
	}
	if err := fs.dev.Sync(); err != nil {
		fs.dev.Close()
		return err
	}
	fs.log.Info("waynefs: unmounted clean")
	return fs.dev.Close()
}

// Superblock returns a copy of the current superblock, for tooling.
func (fs *Filesystem) Superblock() Superblock {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return *fs.sb
}

// normPath cleans p into the canonical absolute form used as dentry key.
func normPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p), nil
}

// splitParent returns the parent path and final component.
func splitParent(p string) (string, string) {
	dir, name := gopath.Split(p)
	if dir != "/" {
		dir = strings.TrimSuffix(dir, "/")
	}
	return dir, name
}

// resolve walks p to an inode number without following symlinks in any
// component (the host layer follows symlinks itself); a symlink in the
// middle of p fails with ErrNotDirectory. Hits in the
// dentry cache are validated against the inode bitmap before use.
func (fs *Filesystem) resolve(p string) (uint32, *Inode, error) {
	p, err := normPath(p)
	if err != nil {
		return 0, nil, err
	}
	if p == "/" {
		in, err := fs.itable.Read(RootInode)
		if err != nil {
			return 0, nil, err
		}
		return RootInode, in, nil
	}

	if ino, kind, ok, neg := fs.dentry.Get(p); ok {
		if neg {
			return 0, nil, ErrNotFound
		}
		if alloc, err := fs.ibitmap.Test(ino); err == nil && alloc {
			if in, err := fs.itable.Read(ino); err == nil && in.Kind == kind {
				return ino, in, nil
			}
		}
		// identity check failed; fall through to a fresh walk
		fs.dentry.InvalidateTree(p)
	}

	cur := uint32(RootInode)
	in, err := fs.itable.Read(cur)
	if err != nil {
		return 0, nil, err
	}

	rest := strings.Split(p[1:], "/")
	walked := ""
	for i, comp := range rest {
		if !in.Kind.IsDir() {
			return 0, nil, ErrNotDirectory
		}
		ino, _, err := fs.dirs.Lookup(in, comp)
		if err != nil {
			if err == ErrNotFound && i == len(rest)-1 {
				fs.dentry.PutNegative(p)
			}
			return 0, nil, err
		}
		walked += "/" + comp
		child, err := fs.itable.Read(ino)
		if err != nil {
			return 0, nil, err
		}
		fs.dentry.PutPositive(walked, ino, child.Kind)
		cur, in = ino, child
	}
	return cur, in, nil
}

// resolveFollow resolves p following symlinks in every component, used by
// the io/fs facade where the kernel is not there to do it.
func (fs *Filesystem) resolveFollow(p string, depth int) (uint32, *Inode, error) {
	if depth <= 0 {
		return 0, nil, ErrTooManySymlinks
	}
	p, err := normPath(p)
	if err != nil {
		return 0, nil, err
	}
	if p == "/" {
		return fs.resolve(p)
	}

	parts := strings.Split(p[1:], "/")
	cur := "/"
	for i, comp := range parts {
		next := gopath.Join(cur, comp)
		ino, in, err := fs.resolve(next)
		if err != nil {
			return 0, nil, err
		}
		if in.Kind.IsSymlink() {
			target, err := fs.readlinkInode(in)
			if err != nil {
				return 0, nil, err
			}
			if !strings.HasPrefix(target, "/") {
				target = gopath.Join(cur, target)
			}
			rest := strings.Join(parts[i+1:], "/")
			return fs.resolveFollow(gopath.Join(target, rest), depth-1)
		}
		if i == len(parts)-1 {
			return ino, in, nil
		}
		cur = next
	}
	return 0, nil, ErrNotFound
}
