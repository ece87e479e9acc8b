package waynefs

import (
	"testing"
)

// checkInvariants verifies the cross-layer consistency rules after an
// operation: every bitmap bit corresponds to a live object, every block
// reachable from a live inode is marked allocated, and the superblock
// free counters match the bitmaps.
func checkInvariants(t *testing.T, fsys *Filesystem) {
	t.Helper()

	if len(fsys.orphans) > 0 {
		t.Fatalf("checkInvariants called with %d orphans pending", len(fsys.orphans))
	}

	reachable := make(map[uint32]bool)
	addTree := func(in *Inode) {
		for l := 0; l < maxDirectBlocks; l++ {
			if in.Direct[l] != 0 {
				reachable[in.Direct[l]] = true
			}
		}
		p := fsys.sb.PointersPerBlock()
		if idx := in.Direct[singleIndirect]; idx != 0 {
			reachable[idx] = true
			buf, err := fsys.cache.Get(idx)
			if err != nil {
				t.Fatalf("read index block %d: %s", idx, err)
			}
			for i := uint32(0); i < p; i++ {
				if leaf := ptrAt(buf, i); leaf != 0 {
					reachable[leaf] = true
				}
			}
		}
		if l2 := in.Direct[doubleIndirect]; l2 != 0 {
			reachable[l2] = true
			l2Buf, err := fsys.cache.Get(l2)
			if err != nil {
				t.Fatalf("read index block %d: %s", l2, err)
			}
			for i := uint32(0); i < p; i++ {
				l1 := ptrAt(l2Buf, i)
				if l1 == 0 {
					continue
				}
				reachable[l1] = true
				l1Buf, err := fsys.cache.Get(l1)
				if err != nil {
					t.Fatalf("read index block %d: %s", l1, err)
				}
				for k := uint32(0); k < p; k++ {
					if leaf := ptrAt(l1Buf, k); leaf != 0 {
						reachable[leaf] = true
					}
				}
			}
		}
	}

	for ino := uint32(1); ino < fsys.sb.InodeCount; ino++ {
		alloc, err := fsys.ibitmap.Test(ino)
		if err != nil {
			t.Fatalf("inode bitmap test %d: %s", ino, err)
		}
		in, err := fsys.itable.Read(ino)
		if err != nil {
			t.Fatalf("read inode %d: %s", ino, err)
		}
		live := in.Kind != KindInvalid && in.Nlink > 0
		if alloc != live {
			t.Errorf("inode %d: bitmap says alloc=%v but inode is live=%v", ino, alloc, live)
		}
		if live {
			addTree(in)
		}
	}

	for i := uint32(0); i < fsys.sb.DataBlocks(); i++ {
		set, err := fsys.dbitmap.Test(i)
		if err != nil {
			t.Fatalf("data bitmap test %d: %s", i, err)
		}
		phys := fsys.sb.DataStart + i
		if set != reachable[phys] {
			t.Errorf("data block %d: bitmap=%v reachable=%v", phys, set, reachable[phys])
		}
	}

	freeInodes, err := fsys.ibitmap.CountFree()
	if err != nil {
		t.Fatal(err)
	}
	if freeInodes != fsys.sb.FreeInodes {
		t.Errorf("superblock says %d free inodes, bitmap has %d", fsys.sb.FreeInodes, freeInodes)
	}
	freeData, err := fsys.dbitmap.CountFree()
	if err != nil {
		t.Fatal(err)
	}
	if freeData != fsys.sb.FreeDataBlocks {
		t.Errorf("superblock says %d free data blocks, bitmap has %d", fsys.sb.FreeDataBlocks, freeData)
	}
}
