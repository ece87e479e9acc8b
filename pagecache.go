package waynefs

import "fmt"

// page holds one cached block. The buffer is the authoritative copy of the
// block while mounted: reads consult it before the device, so uncommitted
// writes are visible to later reads within the process.
type page struct {
	buf   []byte
	dirty bool
}

// PageCache is a write-back cache of device blocks. Nothing is written to
// the device until Flush (checkpoint or ordered-data flush); nothing is
// evicted while dirty. The working set of this design is bounded by the
// metadata regions plus blocks of files being actively written, so there is
// no eviction policy. Freed blocks keep their entries; a reallocated block
// is reset through GetZero.
type PageCache struct {
	dev   BlockDevice
	pages map[uint32]*page
}

func NewPageCache(dev BlockDevice) *PageCache {
	return &PageCache{
		dev:   dev,
		pages: make(map[uint32]*page),
	}
}

// Get returns the cached buffer for block bno, loading it from the device
// on a miss. The returned slice is the cache's own buffer: callers that
// mutate it must call MarkDirty.
func (pc *PageCache) Get(bno uint32) ([]byte, error) {
	if p, ok := pc.pages[bno]; ok {
		return p.buf, nil
	}

	buf := make([]byte, pc.dev.BlockSize())
	if err := pc.dev.ReadBlock(bno, buf); err != nil {
		return nil, err
	}
	pc.pages[bno] = &page{buf: buf}
	return buf, nil
}

// GetZero returns a cache buffer for a freshly allocated block without
// reading the device, since the previous on-disk contents are garbage.
func (pc *PageCache) GetZero(bno uint32) []byte {
	if p, ok := pc.pages[bno]; ok {
		for i := range p.buf {
			p.buf[i] = 0
		}
		return p.buf
	}
	buf := make([]byte, pc.dev.BlockSize())
	pc.pages[bno] = &page{buf: buf}
	return buf
}

func (pc *PageCache) MarkDirty(bno uint32) {
	if p, ok := pc.pages[bno]; ok {
		p.dirty = true
	}
}

func (pc *PageCache) IsDirty(bno uint32) bool {
	p, ok := pc.pages[bno]
	return ok && p.dirty
}

// Flush writes the buffer back if dirty and clears the dirty flag.
func (pc *PageCache) Flush(bno uint32) error {
	p, ok := pc.pages[bno]
	if !ok || !p.dirty {
		return nil
	}
	if err := pc.dev.WriteBlock(bno, p.buf); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// FlushSet flushes every listed block. The journal uses this for the
// ordered-data phase before a commit becomes durable.
func (pc *PageCache) FlushSet(bnos []uint32) error {
	for _, bno := range bnos {
		if err := pc.Flush(bno); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate drops a clean entry. Dropping a dirty buffer this way would
// lose writes, so it is refused; transaction abort uses Discard instead.
func (pc *PageCache) Invalidate(bno uint32) error {
	p, ok := pc.pages[bno]
	if !ok {
		return nil
	}
	if p.dirty {
		return fmt.Errorf("%w: invalidate of dirty block %d", ErrInvalid, bno)
	}
	delete(pc.pages, bno)
	return nil
}

// Discard drops an entry even if dirty. Only the transaction abort path
// uses this, to throw away staged metadata so clean copies reload from
// disk on the next access.
func (pc *PageCache) Discard(bno uint32) {
	delete(pc.pages, bno)
}

// FlushAll writes back every dirty page. Used by unmount before the final
// state commit and by fsync when no transaction is open.
func (pc *PageCache) FlushAll() error {
	for bno := range pc.pages {
		if err := pc.Flush(bno); err != nil {
			return err
		}
	}
	return nil
}
