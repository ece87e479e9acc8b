package waynefs

import (
	"io"
	iofs "io/fs"
	gopath "path"
	"time"
)

// maxSymlinkDepth bounds symlink resolution inside the io/fs facade.
const maxSymlinkDepth = 40

// FS returns a read-only io/fs view of the mounted filesystem, following
// symlinks the way the kernel would. The offline CLI (ls, cat, info) and
// host tooling traverse images through this.
func (fs *Filesystem) FS() iofs.FS {
	return &fsView{fsys: fs}
}

type fsView struct {
	fsys *Filesystem
}

var _ iofs.FS = (*fsView)(nil)

func (v *fsView) Open(name string) (iofs.File, error) {
	if !iofs.ValidPath(name) {
		return nil, &iofs.PathError{Op: "open", Path: name, Err: iofs.ErrInvalid}
	}
	abs := "/" + name
	if name == "." {
		abs = "/"
	}

	v.fsys.mu.Lock()
	ino, in, err := v.fsys.resolveFollow(abs, maxSymlinkDepth)
	v.fsys.mu.Unlock()
	if err != nil {
		return nil, &iofs.PathError{Op: "open", Path: name, Err: err}
	}

	if in.Kind.IsDir() {
		return &FileDir{fsys: v.fsys, name: abs, ino: ino, in: in}, nil
	}
	sec := io.NewSectionReader(&inodeReader{fsys: v.fsys, ino: ino}, 0, int64(in.Size))
	return &File{SectionReader: sec, name: abs, ino: ino, in: in}, nil
}

// inodeReader adapts the operation layer's Read to io.ReaderAt.
type inodeReader struct {
	fsys *Filesystem
	ino  uint32
}

func (r *inodeReader) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.fsys.Read(r.ino, uint64(off), p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// File is a convenience object allowing using a regular file or symlink
// inode as if it was an os.File opened read-only.
type File struct {
	*io.SectionReader
	name string
	ino  uint32
	in   *Inode
}

var _ iofs.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)

func (f *File) Stat() (iofs.FileInfo, error) {
	return &fileinfo{name: gopath.Base(f.name), ino: f.ino, in: f.in}, nil
}

func (f *File) Close() error {
	return nil
}

// Sys returns the underlying *Inode for this file
func (f *File) Sys() any {
	return f.in
}

// FileDir is a convenience object allowing using a dir inode as if it was
// a regular file
type FileDir struct {
	fsys    *Filesystem
	name    string
	ino     uint32
	in      *Inode
	entries []DirEntry
	pos     int
}

var _ iofs.ReadDirFile = (*FileDir)(nil)

func (d *FileDir) Stat() (iofs.FileInfo, error) {
	return &fileinfo{name: gopath.Base(d.name), ino: d.ino, in: d.in}, nil
}

func (d *FileDir) Read([]byte) (int, error) {
	return 0, ErrIsDirectory
}

func (d *FileDir) Close() error {
	return nil
}

func (d *FileDir) ReadDir(n int) ([]iofs.DirEntry, error) {
	if d.entries == nil {
		all, err := d.fsys.ReadDir(d.name)
		if err != nil {
			return nil, err
		}
		d.entries = make([]DirEntry, 0, len(all))
		for _, e := range all {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			d.entries = append(d.entries, e)
		}
	}

	var res []iofs.DirEntry
	for d.pos < len(d.entries) {
		e := d.entries[d.pos]
		d.pos++
		res = append(res, &direntry{fsys: d.fsys, dir: d.name, ent: e})
		if n > 0 && len(res) >= n {
			return res, nil
		}
	}
	if n > 0 && len(res) == 0 {
		return nil, io.EOF
	}
	return res, nil
}

type direntry struct {
	fsys *Filesystem
	dir  string
	ent  DirEntry
}

var _ iofs.DirEntry = (*direntry)(nil)

func (de *direntry) Name() string {
	return de.ent.Name
}

func (de *direntry) IsDir() bool {
	return de.ent.Kind.IsDir()
}

func (de *direntry) Type() iofs.FileMode {
	return de.ent.Kind.Mode()
}

func (de *direntry) Info() (iofs.FileInfo, error) {
	de.fsys.mu.Lock()
	in, err := de.fsys.itable.Read(de.ent.Ino)
	de.fsys.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fileinfo{name: de.ent.Name, ino: de.ent.Ino, in: in}, nil
}

type fileinfo struct {
	name string
	ino  uint32
	in   *Inode
}

var _ iofs.FileInfo = (*fileinfo)(nil)

func (fi *fileinfo) Name() string {
	return fi.name
}

func (fi *fileinfo) Size() int64 {
	return int64(fi.in.Size)
}

func (fi *fileinfo) Mode() iofs.FileMode {
	return fi.in.FileMode()
}

func (fi *fileinfo) ModTime() time.Time {
	return fi.in.ModTime()
}

func (fi *fileinfo) IsDir() bool {
	return fi.in.Kind.IsDir()
}

func (fi *fileinfo) Sys() any {
	return fi.in
}
