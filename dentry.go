package waynefs

import (
	"strings"
	"sync"
)

// dentry is one cached path resolution. A negative entry remembers a
// failed lookup so repeated misses stay cheap.
type dentry struct {
	ino      uint32
	kind     Kind
	negative bool
}

// DentryCache maps normalized absolute paths to inode numbers. It is
// purely advisory: a miss walks the directory codec, and the invalidation
// discipline (drop everything under a mutated directory) keeps stale hits
// impossible.
type DentryCache struct {
	mu      sync.RWMutex
	entries map[string]dentry
}

func NewDentryCache() *DentryCache {
	return &DentryCache{entries: make(map[string]dentry)}
}

// Get returns the cached resolution for path. ok reports a cache hit;
// negative reports a cached miss.
func (dc *DentryCache) Get(path string) (ino uint32, kind Kind, ok, negative bool) {
	dc.mu.RLock()
	d, ok := dc.entries[path]
	dc.mu.RUnlock()
	return d.ino, d.kind, ok, d.negative
}

func (dc *DentryCache) PutPositive(path string, ino uint32, kind Kind) {
	dc.mu.Lock()
	dc.entries[path] = dentry{ino: ino, kind: kind}
	dc.mu.Unlock()
}

func (dc *DentryCache) PutNegative(path string) {
	dc.mu.Lock()
	dc.entries[path] = dentry{negative: true}
	dc.mu.Unlock()
}

// InvalidateTree drops dir itself and every cached path beneath it. Any
// mutation of a directory (create, unlink, mkdir, rmdir, rename, symlink)
// invalidates the whole subtree; simple and safe.
func (dc *DentryCache) InvalidateTree(dir string) {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}
	dc.mu.Lock()
	for p := range dc.entries {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(dc.entries, p)
		}
	}
	dc.mu.Unlock()
}

// Len reports the number of cached entries, negative ones included.
func (dc *DentryCache) Len() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}
