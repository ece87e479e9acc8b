package waynefs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// MaxNameLen bounds directory entry names
	MaxNameLen = 255

	// dirEntryHeader is ino u32 + rec_len u16 + name_len u16 + kind u8
	dirEntryHeader = 9

	dirAlign = 4
)

// DirEntry is one decoded directory entry.
type DirEntry struct {
	Name string
	Ino  uint32
	Kind Kind
}

// dirent is the raw on-disk view used while walking a block.
type dirent struct {
	off     uint32 // offset within the block
	ino     uint32
	recLen  uint16
	nameLen uint16
	kind    Kind
}

func alignUp(n uint32) uint32 {
	return (n + dirAlign - 1) &^ (dirAlign - 1)
}

func direntSize(nameLen int) uint32 {
	return alignUp(dirEntryHeader + uint32(nameLen))
}

func checkName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: name contains / or NUL", ErrInvalid)
	}
	return nil
}

// DirCodec encodes and decodes directory entries inside the data blocks of
// a directory inode. Every block of a directory is fully partitioned by
// rec_len runs; an entry with ino 0 is a hole that insertion may reuse.
// Entries never cross block boundaries.
type DirCodec struct {
	sb    *Superblock
	cache *PageCache
	bm    *BlockMap
}

func NewDirCodec(sb *Superblock, cache *PageCache, bm *BlockMap) *DirCodec {
	return &DirCodec{sb: sb, cache: cache, bm: bm}
}

func decodeDirent(buf []byte, off uint32) dirent {
	return dirent{
		off:     off,
		ino:     binary.LittleEndian.Uint32(buf[off : off+4]),
		recLen:  binary.LittleEndian.Uint16(buf[off+4 : off+6]),
		nameLen: binary.LittleEndian.Uint16(buf[off+6 : off+8]),
		kind:    Kind(buf[off+8]),
	}
}

func encodeDirent(buf []byte, off uint32, ino uint32, recLen uint16, name string, kind Kind) {
	binary.LittleEndian.PutUint32(buf[off:off+4], ino)
	binary.LittleEndian.PutUint16(buf[off+4:off+6], recLen)
	binary.LittleEndian.PutUint16(buf[off+6:off+8], uint16(len(name)))
	buf[off+8] = byte(kind)
	n := copy(buf[off+dirEntryHeader:], name)
	for i := off + dirEntryHeader + uint32(n); i < off+uint32(recLen); i++ {
		buf[i] = 0
	}
}

func (dc *DirCodec) direntName(buf []byte, de dirent) string {
	return string(buf[de.off+dirEntryHeader : de.off+dirEntryHeader+uint32(de.nameLen)])
}

// walkBlocks visits every directory block in order. fn returns done to
// stop early.
func (dc *DirCodec) walkBlocks(in *Inode, fn func(l, phys uint32, buf []byte) (bool, error)) error {
	blocks := dc.bm.blocksFor(in.Size)
	for l := uint32(0); l < blocks; l++ {
		phys, err := dc.bm.Resolve(nil, in, l, false)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf, err := dc.cache.Get(phys)
		if err != nil {
			return err
		}
		done, err := fn(l, phys, buf)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// List returns the live entries of a directory in storage order, `.` and
// `..` included.
func (dc *DirCodec) List(in *Inode) ([]DirEntry, error) {
	if !in.Kind.IsDir() {
		return nil, ErrNotDirectory
	}
	var out []DirEntry
	err := dc.walkBlocks(in, func(_, _ uint32, buf []byte) (bool, error) {
		for off := uint32(0); off+dirEntryHeader <= uint32(len(buf)); {
			de := decodeDirent(buf, off)
			if de.recLen == 0 {
				return false, fmt.Errorf("%w: zero-length directory entry", ErrBadGeometry)
			}
			if de.ino != 0 {
				out = append(out, DirEntry{
					Name: dc.direntName(buf, de),
					Ino:  de.ino,
					Kind: de.kind,
				})
			}
			off += uint32(de.recLen)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup finds name in the directory.
func (dc *DirCodec) Lookup(in *Inode, name string) (uint32, Kind, error) {
	if !in.Kind.IsDir() {
		return 0, KindInvalid, ErrNotDirectory
	}
	if err := checkName(name); err != nil {
		return 0, KindInvalid, err
	}
	var foundIno uint32
	var foundKind Kind
	err := dc.walkBlocks(in, func(_, _ uint32, buf []byte) (bool, error) {
		for off := uint32(0); off+dirEntryHeader <= uint32(len(buf)); {
			de := decodeDirent(buf, off)
			if de.recLen == 0 {
				return false, fmt.Errorf("%w: zero-length directory entry", ErrBadGeometry)
			}
			if de.ino != 0 && int(de.nameLen) == len(name) && dc.direntName(buf, de) == name {
				foundIno = de.ino
				foundKind = de.kind
				return true, nil
			}
			off += uint32(de.recLen)
		}
		return false, nil
	})
	if err != nil {
		return 0, KindInvalid, err
	}
	if foundIno == 0 {
		return 0, KindInvalid, ErrNotFound
	}
	return foundIno, foundKind, nil
}

// Insert adds (name, ino, kind) using first fit: a hole big enough, the
// tail slack of a live entry, or a freshly allocated directory block.
// Adjacent holes coalesce during the scan. The directory inode is mutated
// (size, block pointers) when a block is added; the caller writes it back.
func (dc *DirCodec) Insert(t *Txn, in *Inode, name string, ino uint32, kind Kind) error {
	if !in.Kind.IsDir() {
		return ErrNotDirectory
	}
	if err := checkName(name); err != nil {
		return err
	}
	switch _, _, err := dc.Lookup(in, name); err {
	case ErrNotFound:
	case nil:
		return ErrExists
	default:
		return err
	}
	need := direntSize(len(name))

	inserted := false
	err := dc.walkBlocks(in, func(_, phys uint32, buf []byte) (bool, error) {
		for off := uint32(0); off+dirEntryHeader <= uint32(len(buf)); {
			de := decodeDirent(buf, off)
			if de.recLen == 0 {
				return false, fmt.Errorf("%w: zero-length directory entry", ErrBadGeometry)
			}

			if de.ino == 0 {
				// coalesce the following holes into this one
				for next := off + uint32(de.recLen); next+dirEntryHeader <= uint32(len(buf)); {
					nde := decodeDirent(buf, next)
					if nde.ino != 0 || nde.recLen == 0 {
						break
					}
					de.recLen += nde.recLen
					binary.LittleEndian.PutUint16(buf[off+4:off+6], de.recLen)
					next = off + uint32(de.recLen)
				}
				if uint32(de.recLen) >= need {
					dc.claimHole(buf, de, name, ino, kind)
					dc.cache.MarkDirty(phys)
					if err := t.StageMeta(phys, buf); err != nil {
						return false, err
					}
					inserted = true
					return true, nil
				}
			} else {
				used := direntSize(int(de.nameLen))
				if uint32(de.recLen) >= used+need {
					// split the slack off the live entry
					slack := de.recLen - uint16(used)
					binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(used))
					encodeDirent(buf, off+used, ino, slack, name, kind)
					dc.cache.MarkDirty(phys)
					if err := t.StageMeta(phys, buf); err != nil {
						return false, err
					}
					inserted = true
					return true, nil
				}
			}

			off += uint32(de.recLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	// no room: append a directory block
	l := dc.bm.blocksFor(in.Size)
	phys, err := dc.bm.Resolve(t, in, l, true)
	if err != nil {
		return err
	}
	buf := dc.cache.GetZero(phys)
	encodeDirent(buf, 0, ino, uint16(dc.sb.BlockSize), name, kind)
	dc.cache.MarkDirty(phys)
	if err := t.StageMeta(phys, buf); err != nil {
		return err
	}
	in.Size += uint64(dc.sb.BlockSize)
	return nil
}

// claimHole writes the new entry at the front of a hole, keeping the
// remainder as a smaller hole when it can still hold a header.
func (dc *DirCodec) claimHole(buf []byte, hole dirent, name string, ino uint32, kind Kind) {
	need := direntSize(len(name))
	rest := uint32(hole.recLen) - need
	if rest >= direntSize(0) {
		encodeDirent(buf, hole.off, ino, uint16(need), name, kind)
		encodeDirent(buf, hole.off+need, 0, uint16(rest), "", KindInvalid)
	} else {
		encodeDirent(buf, hole.off, ino, hole.recLen, name, kind)
	}
}

// Remove deletes name from the directory, leaving a hole.
func (dc *DirCodec) Remove(t *Txn, in *Inode, name string) error {
	if !in.Kind.IsDir() {
		return ErrNotDirectory
	}
	if err := checkName(name); err != nil {
		return err
	}
	removed := false
	err := dc.walkBlocks(in, func(_, phys uint32, buf []byte) (bool, error) {
		for off := uint32(0); off+dirEntryHeader <= uint32(len(buf)); {
			de := decodeDirent(buf, off)
			if de.recLen == 0 {
				return false, fmt.Errorf("%w: zero-length directory entry", ErrBadGeometry)
			}
			if de.ino != 0 && int(de.nameLen) == len(name) && dc.direntName(buf, de) == name {
				binary.LittleEndian.PutUint32(buf[off:off+4], 0)
				binary.LittleEndian.PutUint16(buf[off+6:off+8], 0)
				buf[off+8] = byte(KindInvalid)
				dc.cache.MarkDirty(phys)
				if err := t.StageMeta(phys, buf); err != nil {
					return false, err
				}
				removed = true
				return true, nil
			}
			off += uint32(de.recLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotFound
	}
	return nil
}

// SetParent rewrites the inode number of the `..` entry after a
// cross-directory rename.
func (dc *DirCodec) SetParent(t *Txn, in *Inode, parent uint32) error {
	if !in.Kind.IsDir() {
		return ErrNotDirectory
	}
	updated := false
	err := dc.walkBlocks(in, func(_, phys uint32, buf []byte) (bool, error) {
		for off := uint32(0); off+dirEntryHeader <= uint32(len(buf)); {
			de := decodeDirent(buf, off)
			if de.recLen == 0 {
				return false, fmt.Errorf("%w: zero-length directory entry", ErrBadGeometry)
			}
			if de.ino != 0 && de.nameLen == 2 && dc.direntName(buf, de) == ".." {
				binary.LittleEndian.PutUint32(buf[off:off+4], parent)
				dc.cache.MarkDirty(phys)
				if err := t.StageMeta(phys, buf); err != nil {
					return false, err
				}
				updated = true
				return true, nil
			}
			off += uint32(de.recLen)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: directory missing its .. entry", ErrBadGeometry)
	}
	return nil
}

// IsEmpty reports whether the directory holds only `.` and `..`.
func (dc *DirCodec) IsEmpty(in *Inode) (bool, error) {
	entries, err := dc.List(in)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// InitEmpty fills a fresh directory inode with its first block holding `.`
// and `..`.
func (dc *DirCodec) InitEmpty(t *Txn, in *Inode, self, parent uint32) error {
	phys, err := dc.bm.Resolve(t, in, 0, true)
	if err != nil {
		return err
	}
	buf := dc.cache.GetZero(phys)
	dotLen := direntSize(1)
	encodeDirent(buf, 0, self, uint16(dotLen), ".", KindDir)
	encodeDirent(buf, dotLen, parent, uint16(uint32(dc.sb.BlockSize)-dotLen), "..", KindDir)
	dc.cache.MarkDirty(phys)
	if err := t.StageMeta(phys, buf); err != nil {
		return err
	}
	in.Size = uint64(dc.sb.BlockSize)
	return nil
}
