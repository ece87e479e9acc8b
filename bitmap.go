package waynefs

import (
	"fmt"
	"math/bits"
)

// Bitmap manages one allocation bitmap (inode or data block) stored in a
// contiguous run of blocks. The blocks are cached in the page cache like
// any other metadata, so mutations flow through the journal: every
// Allocate/Free stages the touched bitmap block into the transaction.
type Bitmap struct {
	cache     *PageCache
	start     uint32 // first block of the bitmap region
	blocks    uint32
	count     uint32 // number of meaningful bits
	blockSize uint32
	errFull   error // sentinel when no bit is free
}

func NewBitmap(cache *PageCache, start, blocks, count, blockSize uint32, errFull error) *Bitmap {
	return &Bitmap{
		cache:     cache,
		start:     start,
		blocks:    blocks,
		count:     count,
		blockSize: blockSize,
		errFull:   errFull,
	}
}

func (b *Bitmap) locate(idx uint32) (bno uint32, byteOff uint32, mask byte) {
	bitsPerBlock := b.blockSize * 8
	return b.start + idx/bitsPerBlock, (idx % bitsPerBlock) / 8, 1 << (idx % 8)
}

// Test reports whether bit idx is set.
func (b *Bitmap) Test(idx uint32) (bool, error) {
	if idx >= b.count {
		return false, fmt.Errorf("%w: bit %d of %d", ErrInvalid, idx, b.count)
	}
	bno, off, mask := b.locate(idx)
	buf, err := b.cache.Get(bno)
	if err != nil {
		return false, err
	}
	return buf[off]&mask != 0, nil
}

// Allocate sets the lowest clear bit and returns its index. The mutated
// bitmap block is staged into t.
func (b *Bitmap) Allocate(t *Txn) (uint32, error) {
	for blk := uint32(0); blk < b.blocks; blk++ {
		bno := b.start + blk
		buf, err := b.cache.Get(bno)
		if err != nil {
			return 0, err
		}
		base := blk * b.blockSize * 8
		for i, by := range buf {
			if by == 0xFF {
				continue
			}
			bit := uint32(bits.TrailingZeros8(^by))
			idx := base + uint32(i)*8 + bit
			if idx >= b.count {
				return 0, b.errFull
			}
			buf[i] |= 1 << bit
			b.cache.MarkDirty(bno)
			if err := t.StageMeta(bno, buf); err != nil {
				return 0, err
			}
			return idx, nil
		}
	}
	return 0, b.errFull
}

// Free clears bit idx and stages the mutated bitmap block into t.
func (b *Bitmap) Free(t *Txn, idx uint32) error {
	if idx >= b.count {
		return fmt.Errorf("%w: bit %d of %d", ErrInvalid, idx, b.count)
	}
	bno, off, mask := b.locate(idx)
	buf, err := b.cache.Get(bno)
	if err != nil {
		return err
	}
	if buf[off]&mask == 0 {
		return fmt.Errorf("%w: double free of bit %d", ErrInvalid, idx)
	}
	buf[off] &^= mask
	b.cache.MarkDirty(bno)
	return t.StageMeta(bno, buf)
}

// CountFree returns the number of clear bits. The superblock free
// counters must equal this at all times; the invariant tests check it.
func (b *Bitmap) CountFree() (uint32, error) {
	free := uint32(0)
	seen := uint32(0)
	for blk := uint32(0); blk < b.blocks && seen < b.count; blk++ {
		buf, err := b.cache.Get(b.start + blk)
		if err != nil {
			return 0, err
		}
		for _, by := range buf {
			if seen >= b.count {
				break
			}
			n := b.count - seen
			if n >= 8 {
				free += uint32(8 - bits.OnesCount8(by))
				seen += 8
			} else {
				for i := uint32(0); i < n; i++ {
					if by&(1<<i) == 0 {
						free++
					}
				}
				seen += n
			}
		}
	}
	return free, nil
}
