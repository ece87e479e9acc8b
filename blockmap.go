package waynefs

import (
	"encoding/binary"
	"fmt"
)

// BlockMap translates (inode, logical block index) to physical block
// numbers through the 10 direct slots, the single-indirect slot and the
// double-indirect slot, allocating lazily on the write path. A zero
// pointer is a hole: absent blocks read as zeros.
//
// Every allocation, free and pointer write goes through the transaction,
// so after any commit the data bitmap exactly covers the blocks reachable
// from live inodes.
type BlockMap struct {
	sb    *Superblock
	cache *PageCache
	data  *Bitmap
}

func NewBlockMap(sb *Superblock, cache *PageCache, data *Bitmap) *BlockMap {
	return &BlockMap{sb: sb, cache: cache, data: data}
}

// AllocBlock claims a free data block and returns its physical number.
// The superblock free counter moves with it; the caller stages the
// superblock before commit.
func (bm *BlockMap) AllocBlock(t *Txn) (uint32, error) {
	idx, err := bm.data.Allocate(t)
	if err != nil {
		return 0, err
	}
	bm.sb.FreeDataBlocks--
	return bm.sb.DataStart + idx, nil
}

// FreeBlock releases a physical data block.
func (bm *BlockMap) FreeBlock(t *Txn, phys uint32) error {
	if phys < bm.sb.DataStart || uint64(phys) >= bm.sb.TotalBlocks {
		return fmt.Errorf("%w: free of non-data block %d", ErrInvalid, phys)
	}
	if err := bm.data.Free(t, phys-bm.sb.DataStart); err != nil {
		return err
	}
	bm.sb.FreeDataBlocks++
	return nil
}

// allocIndexBlock claims a zero-filled index block and stages it, so
// absent pointers inside it read as holes.
func (bm *BlockMap) allocIndexBlock(t *Txn) (uint32, []byte, error) {
	phys, err := bm.AllocBlock(t)
	if err != nil {
		return 0, nil, err
	}
	buf := bm.cache.GetZero(phys)
	bm.cache.MarkDirty(phys)
	if err := t.StageMeta(phys, buf); err != nil {
		return 0, nil, err
	}
	return phys, buf, nil
}

func ptrAt(buf []byte, i uint32) uint32 {
	return binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
}

func setPtrAt(buf []byte, i, v uint32) {
	binary.LittleEndian.PutUint32(buf[i*4:i*4+4], v)
}

// Resolve maps logical block index l of inode in to a physical block.
// With alloc false a hole resolves to 0. With alloc true, missing index
// blocks and the leaf are allocated; the caller owns writing the inode
// record back if Direct changed.
func (bm *BlockMap) Resolve(t *Txn, in *Inode, l uint32, alloc bool) (uint32, error) {
	p := bm.sb.PointersPerBlock()

	switch {
	case l < maxDirectBlocks:
		phys := in.Direct[l]
		if phys == 0 && alloc {
			var err error
			if phys, err = bm.AllocBlock(t); err != nil {
				return 0, err
			}
			in.Direct[l] = phys
		}
		return phys, nil

	case l < maxDirectBlocks+p:
		idxBno := in.Direct[singleIndirect]
		var idxBuf []byte
		var err error
		if idxBno == 0 {
			if !alloc {
				return 0, nil
			}
			if idxBno, idxBuf, err = bm.allocIndexBlock(t); err != nil {
				return 0, err
			}
			in.Direct[singleIndirect] = idxBno
		} else if idxBuf, err = bm.cache.Get(idxBno); err != nil {
			return 0, err
		}
		return bm.resolveLeaf(t, idxBno, idxBuf, l-maxDirectBlocks, alloc)

	case l < maxDirectBlocks+p+p*p:
		l2Bno := in.Direct[doubleIndirect]
		var l2Buf []byte
		var err error
		if l2Bno == 0 {
			if !alloc {
				return 0, nil
			}
			if l2Bno, l2Buf, err = bm.allocIndexBlock(t); err != nil {
				return 0, err
			}
			in.Direct[doubleIndirect] = l2Bno
		} else if l2Buf, err = bm.cache.Get(l2Bno); err != nil {
			return 0, err
		}

		rel := l - maxDirectBlocks - p
		sub := rel / p
		l1Bno := ptrAt(l2Buf, sub)
		var l1Buf []byte
		if l1Bno == 0 {
			if !alloc {
				return 0, nil
			}
			if l1Bno, l1Buf, err = bm.allocIndexBlock(t); err != nil {
				return 0, err
			}
			setPtrAt(l2Buf, sub, l1Bno)
			bm.cache.MarkDirty(l2Bno)
			if err := t.StageMeta(l2Bno, l2Buf); err != nil {
				return 0, err
			}
		} else if l1Buf, err = bm.cache.Get(l1Bno); err != nil {
			return 0, err
		}
		return bm.resolveLeaf(t, l1Bno, l1Buf, rel%p, alloc)

	default:
		return 0, fmt.Errorf("%w: logical block %d beyond addressing limit", ErrInvalid, l)
	}
}

func (bm *BlockMap) resolveLeaf(t *Txn, idxBno uint32, idxBuf []byte, slot uint32, alloc bool) (uint32, error) {
	phys := ptrAt(idxBuf, slot)
	if phys == 0 && alloc {
		var err error
		if phys, err = bm.AllocBlock(t); err != nil {
			return 0, err
		}
		setPtrAt(idxBuf, slot, phys)
		bm.cache.MarkDirty(idxBno)
		if err := t.StageMeta(idxBno, idxBuf); err != nil {
			return 0, err
		}
	}
	return phys, nil
}

// blocksFor returns how many logical blocks a file of size bytes spans.
func (bm *BlockMap) blocksFor(size uint64) uint32 {
	b := uint64(bm.sb.BlockSize)
	return uint32((size + b - 1) / b)
}

// Truncate implements both directions of truncate_to.
//
// Shrink frees every leaf past the new end, then any index block whose
// subtree became empty, clearing the inode slots when whole subtrees go.
// The kept partial block is not rewritten; reads beyond Size return EOF.
//
// Grow only moves Size, but stale bytes of already-allocated blocks inside
// the grown span must read as zeros afterwards, so they are zeroed in the
// cache and flushed with the transaction's ordered data.
func (bm *BlockMap) Truncate(t *Txn, in *Inode, newSize uint64) error {
	if newSize > bm.sb.MaxFileSize() {
		return fmt.Errorf("%w: size %d beyond addressing limit", ErrInvalid, newSize)
	}

	if newSize >= in.Size {
		if err := bm.zeroRange(t, in, in.Size, newSize); err != nil {
			return err
		}
		in.Size = newSize
		return nil
	}

	p := bm.sb.PointersPerBlock()
	oldBlocks := bm.blocksFor(in.Size)
	newBlocks := bm.blocksFor(newSize)

	// direct leaves
	for l := newBlocks; l < oldBlocks && l < maxDirectBlocks; l++ {
		if in.Direct[l] != 0 {
			if err := bm.FreeBlock(t, in.Direct[l]); err != nil {
				return err
			}
			in.Direct[l] = 0
		}
	}

	// single-indirect subtree: leaves [0, p) relative to logical 10
	if in.Direct[singleIndirect] != 0 && oldBlocks > maxDirectBlocks {
		keep := uint32(0)
		if newBlocks > maxDirectBlocks {
			keep = newBlocks - maxDirectBlocks
		}
		if keep < p {
			if err := bm.pruneIndex(t, in.Direct[singleIndirect], keep); err != nil {
				return err
			}
		}
		if keep == 0 {
			if err := bm.FreeBlock(t, in.Direct[singleIndirect]); err != nil {
				return err
			}
			in.Direct[singleIndirect] = 0
		}
	}

	// double-indirect subtree: leaves [0, p*p) relative to logical 10+p
	if in.Direct[doubleIndirect] != 0 && oldBlocks > maxDirectBlocks+p {
		keep := uint32(0)
		if newBlocks > maxDirectBlocks+p {
			keep = newBlocks - maxDirectBlocks - p
		}
		l2Bno := in.Direct[doubleIndirect]
		l2Buf, err := bm.cache.Get(l2Bno)
		if err != nil {
			return err
		}
		l2Dirty := false
		for sub := uint32(0); sub < p; sub++ {
			l1Bno := ptrAt(l2Buf, sub)
			if l1Bno == 0 {
				continue
			}
			first := sub * p
			if keep >= first+p {
				continue // fully kept
			}
			subKeep := uint32(0)
			if keep > first {
				subKeep = keep - first
			}
			if err := bm.pruneIndex(t, l1Bno, subKeep); err != nil {
				return err
			}
			if subKeep == 0 {
				if err := bm.FreeBlock(t, l1Bno); err != nil {
					return err
				}
				setPtrAt(l2Buf, sub, 0)
				l2Dirty = true
			}
		}
		if keep == 0 {
			if err := bm.FreeBlock(t, l2Bno); err != nil {
				return err
			}
			in.Direct[doubleIndirect] = 0
		} else if l2Dirty {
			bm.cache.MarkDirty(l2Bno)
			if err := t.StageMeta(l2Bno, l2Buf); err != nil {
				return err
			}
		}
	}

	in.Size = newSize
	return nil
}

// pruneIndex frees every allocated leaf pointer at slot >= keep and zeroes
// the slots. With keep == 0 the caller frees the index block itself.
func (bm *BlockMap) pruneIndex(t *Txn, idxBno, keep uint32) error {
	buf, err := bm.cache.Get(idxBno)
	if err != nil {
		return err
	}
	p := bm.sb.PointersPerBlock()
	dirty := false
	for slot := keep; slot < p; slot++ {
		phys := ptrAt(buf, slot)
		if phys == 0 {
			continue
		}
		if err := bm.FreeBlock(t, phys); err != nil {
			return err
		}
		setPtrAt(buf, slot, 0)
		dirty = true
	}
	if dirty && keep > 0 {
		bm.cache.MarkDirty(idxBno)
		return t.StageMeta(idxBno, buf)
	}
	return nil
}

// zeroRange clears bytes [from, to) of every already-allocated block in
// the span and schedules them as ordered data. Holes stay holes. Write
// extension and truncate-grow use this so the gap never exposes stale
// bytes.
func (bm *BlockMap) zeroRange(t *Txn, in *Inode, from, to uint64) error {
	if from >= to {
		return nil
	}
	b := uint64(bm.sb.BlockSize)
	for l := from / b; l*b < to; l++ {
		phys, err := bm.Resolve(t, in, uint32(l), false)
		if err != nil {
			return err
		}
		if phys == 0 {
			continue
		}
		buf, err := bm.cache.Get(phys)
		if err != nil {
			return err
		}
		lo := uint64(0)
		if from > l*b {
			lo = from - l*b
		}
		hi := b
		if to < (l+1)*b {
			hi = to - l*b
		}
		for i := lo; i < hi; i++ {
			buf[i] = 0
		}
		bm.cache.MarkDirty(phys)
		if err := t.AddOrdered(phys); err != nil {
			return err
		}
	}
	return nil
}
