package waynefs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io/fs"
	"time"
)

const (
	// maxDirectBlocks is the number of direct pointer slots; slot 10 is
	// the single-indirect pointer and slot 11 the double-indirect one.
	maxDirectBlocks = 10
	singleIndirect  = 10
	doubleIndirect  = 11
)

// Inode is the in-memory form of one on-disk inode record. Direct holds
// the 12 pointer slots; a zero pointer means unallocated (block 0 is the
// superblock and can never belong to a file, so zero is free to mean
// "hole").
type Inode struct {
	Kind  Kind
	_     uint8
	Mode  uint16
	Uid   uint32
	Gid   uint32
	Nlink uint32
	Size  uint64
	Atime uint64
	Mtime uint64
	Ctime uint64

	Direct [12]uint32

	_ [32]byte // reserved, zero on write, ignored on read
}

// FileMode returns the combined fs.FileMode (type + permissions).
func (in *Inode) FileMode() fs.FileMode {
	return UnixToMode(UnixMode(in.Kind, in.Mode))
}

func (in *Inode) ModTime() time.Time {
	return time.Unix(int64(in.Mtime), 0)
}

// Touch updates the inode timestamps. Each mutating operation stamps the
// inodes it changes once, so several writes inside one transaction
// coalesce to a single mtime value.
func (in *Inode) Touch(now time.Time, mtime bool) {
	sec := uint64(now.Unix())
	if mtime {
		in.Mtime = sec
	}
	in.Ctime = sec
}

func (in *Inode) encodeInto(buf []byte) {
	w := new(bytes.Buffer)
	w.Grow(InodeSize)
	_ = binary.Write(w, binary.LittleEndian, in)
	copy(buf, w.Bytes())
}

func (in *Inode) decodeFrom(buf []byte) error {
	return binary.Read(bytes.NewReader(buf[:InodeSize]), binary.LittleEndian, in)
}

// InodeTable reads and writes inode records inside the inode-table region.
// All access goes through the page cache; writes stage the containing
// block into the current transaction.
type InodeTable struct {
	cache     *PageCache
	start     uint32
	count     uint32
	blockSize uint32
}

func NewInodeTable(cache *PageCache, start, count, blockSize uint32) *InodeTable {
	return &InodeTable{
		cache:     cache,
		start:     start,
		count:     count,
		blockSize: blockSize,
	}
}

func (it *InodeTable) locate(ino uint32) (bno uint32, off uint32, err error) {
	if ino == 0 || ino >= it.count {
		return 0, 0, fmt.Errorf("%w: inode %d of %d", ErrInvalid, ino, it.count)
	}
	perBlock := it.blockSize / InodeSize
	return it.start + ino/perBlock, (ino % perBlock) * InodeSize, nil
}

// Read loads inode ino.
func (it *InodeTable) Read(ino uint32) (*Inode, error) {
	bno, off, err := it.locate(ino)
	if err != nil {
		return nil, err
	}
	buf, err := it.cache.Get(bno)
	if err != nil {
		return nil, err
	}
	in := new(Inode)
	if err := in.decodeFrom(buf[off : off+InodeSize]); err != nil {
		return nil, err
	}
	return in, nil
}

// Write stores inode ino and stages the containing table block into t.
func (it *InodeTable) Write(t *Txn, ino uint32, in *Inode) error {
	bno, off, err := it.locate(ino)
	if err != nil {
		return err
	}
	buf, err := it.cache.Get(bno)
	if err != nil {
		return err
	}
	in.encodeInto(buf[off : off+InodeSize])
	it.cache.MarkDirty(bno)
	return t.StageMeta(bno, buf)
}
