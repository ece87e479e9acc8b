package waynefs

import (
	"errors"
	"fmt"
	"testing"
)

// dirFixture mounts a small image and hands back the root inode plus a
// transaction helper for driving the codec directly.
func dirFixture(t *testing.T) (*Filesystem, *Inode) {
	t.Helper()
	path := mkTestImage(t)
	fsys := openTestFS(t, path)
	t.Cleanup(func() { fsys.Close() })
	root, err := fsys.itable.Read(RootInode)
	if err != nil {
		t.Fatal(err)
	}
	return fsys, root
}

func inTxn(t *testing.T, fsys *Filesystem, fn func(txn *Txn) error) {
	t.Helper()
	txn, err := fsys.journal.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(txn); err != nil {
		txn.Abort()
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestDirFreshHoldsDotAndDotDot(t *testing.T) {
	fsys, root := dirFixture(t)

	entries, err := fsys.dirs.List(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("fresh root has %d entries", len(entries))
	}
	if entries[0].Name != "." || entries[0].Ino != RootInode {
		t.Errorf(". entry wrong: %+v", entries[0])
	}
	if entries[1].Name != ".." || entries[1].Ino != RootInode {
		t.Errorf(".. entry wrong: %+v", entries[1])
	}
}

func TestDirInsertLookupRemove(t *testing.T) {
	fsys, root := dirFixture(t)

	inTxn(t, fsys, func(txn *Txn) error {
		return fsys.dirs.Insert(txn, root, "hello", 5, KindRegular)
	})

	ino, kind, err := fsys.dirs.Lookup(root, "hello")
	if err != nil || ino != 5 || kind != KindRegular {
		t.Fatalf("lookup: %d, %s, %v", ino, kind, err)
	}

	if _, _, err := fsys.dirs.Lookup(root, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup of absent name: %v", err)
	}

	inTxn(t, fsys, func(txn *Txn) error {
		return fsys.dirs.Remove(txn, root, "hello")
	})
	if _, _, err := fsys.dirs.Lookup(root, "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after remove: %v", err)
	}

	txn, _ := fsys.journal.Begin()
	if err := fsys.dirs.Remove(txn, root, "hello"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double remove: %v", err)
	}
	txn.Abort()
}

func TestDirInsertDuplicateFails(t *testing.T) {
	fsys, root := dirFixture(t)

	inTxn(t, fsys, func(txn *Txn) error {
		return fsys.dirs.Insert(txn, root, "dup", 3, KindRegular)
	})

	txn, _ := fsys.journal.Begin()
	err := fsys.dirs.Insert(txn, root, "dup", 4, KindRegular)
	txn.Abort()
	if !errors.Is(err, ErrExists) {
		t.Errorf("duplicate insert: %v", err)
	}
}

func TestDirHoleReuse(t *testing.T) {
	fsys, root := dirFixture(t)

	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("f%03d", i)
		inTxn(t, fsys, func(txn *Txn) error {
			return fsys.dirs.Insert(txn, root, name, uint32(10+i), KindRegular)
		})
	}

	sizeBefore := root.Size
	inTxn(t, fsys, func(txn *Txn) error {
		return fsys.dirs.Remove(txn, root, "f003")
	})
	inTxn(t, fsys, func(txn *Txn) error {
		return fsys.dirs.Insert(txn, root, "g", 99, KindRegular)
	})
	if root.Size != sizeBefore {
		t.Errorf("insertion into a hole grew the directory: %d -> %d", sizeBefore, root.Size)
	}

	// order is storage order: the hole left by f003 now holds g
	entries, err := fsys.dirs.List(root)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	want := []string{".", "..", "f000", "f001", "f002", "g", "f004", "f005", "f006", "f007"}
	if len(names) != len(want) {
		t.Fatalf("entries: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("entry %d is %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDirGrowsAcrossBlocks(t *testing.T) {
	fsys, root := dirFixture(t)

	// enough entries to overflow the first 4 KiB block
	count := 300
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("entry-%04d", i)
		inTxn(t, fsys, func(txn *Txn) error {
			if err := fsys.dirs.Insert(txn, root, name, uint32(10+i), KindRegular); err != nil {
				return err
			}
			if err := fsys.itable.Write(txn, RootInode, root); err != nil {
				return err
			}
			return fsys.stageSuper(txn)
		})
	}
	if root.Size <= uint64(fsys.sb.BlockSize) {
		t.Fatalf("directory did not grow past one block: size=%d", root.Size)
	}

	for i := 0; i < count; i += 37 {
		name := fmt.Sprintf("entry-%04d", i)
		ino, _, err := fsys.dirs.Lookup(root, name)
		if err != nil || ino != uint32(10+i) {
			t.Errorf("lookup %s: %d, %v", name, ino, err)
		}
	}

	entries, err := fsys.dirs.List(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != count+2 {
		t.Errorf("list returned %d entries, want %d", len(entries), count+2)
	}
}

func TestDirNameValidation(t *testing.T) {
	fsys, root := dirFixture(t)

	txn, _ := fsys.journal.Begin()
	defer txn.Abort()

	if err := fsys.dirs.Insert(txn, root, "a/b", 3, KindRegular); !errors.Is(err, ErrInvalid) {
		t.Errorf("name with slash: %v", err)
	}
	if err := fsys.dirs.Insert(txn, root, "a\x00b", 3, KindRegular); !errors.Is(err, ErrInvalid) {
		t.Errorf("name with NUL: %v", err)
	}
	if err := fsys.dirs.Insert(txn, root, "", 3, KindRegular); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty name: %v", err)
	}
	long := make([]byte, MaxNameLen+1)
	for i := range long {
		long[i] = 'x'
	}
	if err := fsys.dirs.Insert(txn, root, string(long), 3, KindRegular); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("overlong name: %v", err)
	}
}
