package waynefs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BlockDevice is the raw positional I/O layer under everything else: fixed
// size blocks addressed by block number, plus a durability barrier. The
// journal relies on Sync() ordering between its commit phases.
type BlockDevice interface {
	// ReadBlock fills buf (exactly one block) from block bno
	ReadBlock(bno uint32, buf []byte) error
	// WriteBlock writes buf (exactly one block) to block bno
	WriteBlock(bno uint32, buf []byte) error
	// Sync blocks until all previous writes are on stable storage
	Sync() error
	// BlockSize returns the block size in bytes
	BlockSize() int
	// Blocks returns the number of addressable blocks
	Blocks() uint32
	Close() error
}

// FileDevice implements BlockDevice over a pre-sized image file. The image
// never grows; out-of-range access is an error, not an extension.
type FileDevice struct {
	f         *os.File
	blockSize int
	blocks    uint32
	locked    bool
}

var _ BlockDevice = (*FileDevice)(nil)

// OpenDevice opens an image file as a block device and takes an exclusive
// advisory lock on it. A single mounted instance owns the image; a second
// opener gets ErrImageLocked.
func OpenDevice(path string, blockSize int) (*FileDevice, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrBadGeometry, blockSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	d, err := newFileDevice(f, blockSize)
	if err != nil {
		f.Close()
		return nil, err
	}

	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrImageLocked
		}
		return nil, err
	}
	d.locked = true

	return d, nil
}

func newFileDevice(f *os.File, blockSize int) (*FileDevice, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size()%int64(blockSize) != 0 {
		return nil, fmt.Errorf("%w: image size %d is not a multiple of block size %d", ErrBadGeometry, st.Size(), blockSize)
	}

	return &FileDevice{
		f:         f,
		blockSize: blockSize,
		blocks:    uint32(st.Size() / int64(blockSize)),
	}, nil
}

func (d *FileDevice) checkRange(bno uint32, buf []byte) error {
	if bno >= d.blocks {
		return fmt.Errorf("%w: block %d of %d", ErrBlockOutOfRange, bno, d.blocks)
	}
	if len(buf) != d.blockSize {
		return fmt.Errorf("%w: buffer is %d bytes, block size is %d", ErrInvalid, len(buf), d.blockSize)
	}
	return nil
}

func (d *FileDevice) ReadBlock(bno uint32, buf []byte) error {
	if err := d.checkRange(bno, buf); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(bno)*int64(d.blockSize))
	return err
}

func (d *FileDevice) WriteBlock(bno uint32, buf []byte) error {
	if err := d.checkRange(bno, buf); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(bno)*int64(d.blockSize))
	return err
}

func (d *FileDevice) Sync() error {
	return d.f.Sync()
}

func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

func (d *FileDevice) Blocks() uint32 {
	return d.blocks
}

func (d *FileDevice) Close() error {
	if d.locked {
		_ = unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
		d.locked = false
	}
	return d.f.Close()
}
