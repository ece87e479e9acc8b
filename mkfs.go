package waynefs

import (
	"os"

	"github.com/pkg/errors"
)

// MkfsOptions selects the geometry of a fresh image.
type MkfsOptions struct {
	SizeMB        int64
	BlockSize     uint32
	InodeCount    uint32
	JournalBlocks uint32
}

// DefaultMkfsOptions is the geometry used when BlockSize, InodeCount or
// JournalBlocks is left zero. SizeMB has no default.
var DefaultMkfsOptions = MkfsOptions{
	BlockSize:     4096,
	InodeCount:    1024,
	JournalBlocks: 128,
}

func (o *MkfsOptions) fillDefaults() {
	if o.BlockSize == 0 {
		o.BlockSize = DefaultMkfsOptions.BlockSize
	}
	if o.InodeCount == 0 {
		o.InodeCount = DefaultMkfsOptions.InodeCount
	}
	if o.JournalBlocks == 0 {
		o.JournalBlocks = DefaultMkfsOptions.JournalBlocks
	}
}

// planGeometry lays the regions out in their fixed order. The data bitmap
// covers only the data region, and its own size shrinks the data region,
// so the two are settled by iterating to a fixed point.
func planGeometry(opts MkfsOptions) (*Superblock, error) {
	b := opts.BlockSize
	if b == 0 || b&(b-1) != 0 || b < 512 {
		return nil, errors.Wrapf(ErrBadGeometry, "block size %d", b)
	}
	total := uint64(opts.SizeMB) * 1024 * 1024 / uint64(b)
	if total == 0 {
		return nil, errors.Wrap(ErrBadGeometry, "image size too small")
	}
	if total > 1<<32 {
		return nil, errors.Wrap(ErrBadGeometry, "image too large for 32-bit block pointers")
	}

	ibmBlocks := blocksForBitmap(opts.InodeCount, b)
	itBlocks := blocksForInodes(opts.InodeCount, b)
	fixed := uint64(1) + uint64(ibmBlocks) + uint64(itBlocks) + uint64(opts.JournalBlocks)

	dbmBlocks := uint32(1)
	for {
		if fixed+uint64(dbmBlocks) >= total {
			return nil, errors.Wrap(ErrBadGeometry, "no room for a data region")
		}
		dataBlocks := uint32(total - fixed - uint64(dbmBlocks))
		want := blocksForBitmap(dataBlocks, b)
		if want == dbmBlocks {
			break
		}
		dbmBlocks = want
	}

	sb := &Superblock{
		Magic:             Magic,
		Version:           Version,
		BlockSize:         b,
		TotalBlocks:       total,
		InodeCount:        opts.InodeCount,
		State:             STATE_CLEAN,
		InodeBitmapStart:  1,
		InodeBitmapBlocks: ibmBlocks,
		DataBitmapStart:   1 + ibmBlocks,
		DataBitmapBlocks:  dbmBlocks,
		InodeTableStart:   1 + ibmBlocks + dbmBlocks,
		InodeTableBlocks:  itBlocks,
		JournalStart:      1 + ibmBlocks + dbmBlocks + itBlocks,
		JournalBlocks:     opts.JournalBlocks,
		DataStart:         1 + ibmBlocks + dbmBlocks + itBlocks + opts.JournalBlocks,
	}
	// ino 0 reserved, ino 1 root; the root directory owns the first data block
	sb.FreeInodes = sb.InodeCount - 2
	sb.FreeDataBlocks = sb.DataBlocks() - 1
	return sb, sb.Validate()
}

// Mkfs formats a fresh image at path: superblock, zeroed bitmaps, inode
// table, an empty journal and the root directory holding `.` and `..`.
func Mkfs(path string, opts MkfsOptions) error {
	opts.fillDefaults()
	sb, err := planGeometry(opts)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "create image")
	}
	defer f.Close()
	if err := f.Truncate(int64(sb.TotalBlocks) * int64(sb.BlockSize)); err != nil {
		return errors.Wrap(err, "size image")
	}

	dev, err := newFileDevice(f, int(sb.BlockSize))
	if err != nil {
		return err
	}

	block := make([]byte, sb.BlockSize)

	// superblock
	if err := sb.encodeInto(block); err != nil {
		return err
	}
	if err := dev.WriteBlock(superblockNo, block); err != nil {
		return errors.Wrap(err, "write superblock")
	}

	// inode bitmap: ino 0 reserved, ino 1 root
	zero(block)
	block[0] = 0b11
	if err := dev.WriteBlock(sb.InodeBitmapStart, block); err != nil {
		return errors.Wrap(err, "write inode bitmap")
	}

	// data bitmap: the root directory block is taken
	zero(block)
	block[0] = 0b1
	if err := dev.WriteBlock(sb.DataBitmapStart, block); err != nil {
		return errors.Wrap(err, "write data bitmap")
	}

	// root inode
	zero(block)
	root := &Inode{
		Kind:  KindDir,
		Mode:  0755,
		Nlink: 2,
		Size:  uint64(sb.BlockSize),
	}
	root.Direct[0] = sb.DataStart
	root.encodeInto(block[RootInode*InodeSize:])
	if err := dev.WriteBlock(sb.InodeTableStart, block); err != nil {
		return errors.Wrap(err, "write inode table")
	}

	// journal
	if err := InitLog(dev, sb.JournalStart); err != nil {
		return errors.Wrap(err, "init journal")
	}

	// root directory data: `.` and `..` both name the root
	zero(block)
	dotLen := direntSize(1)
	encodeDirent(block, 0, RootInode, uint16(dotLen), ".", KindDir)
	encodeDirent(block, dotLen, RootInode, uint16(sb.BlockSize-dotLen), "..", KindDir)
	if err := dev.WriteBlock(sb.DataStart, block); err != nil {
		return errors.Wrap(err, "write root directory")
	}

	if err := dev.Sync(); err != nil {
		return errors.Wrap(err, "sync image")
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
