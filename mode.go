package waynefs

import (
	"io/fs"
)

// waynefs stores plain unix permission bits in the inode's Mode field and
// the object type separately in Kind, so conversions to and from the
// combined unix st_mode layout live here.
// based on: https://golang.org/src/os/stat_linux.go

const (
	S_IFMT  = 0xf000
	S_IFREG = 0x8000
	S_IFDIR = 0x4000
	S_IFLNK = 0xa000

	S_ISVTX = 0x200
	S_ISGID = 0x400
	S_ISUID = 0x800
)

// UnixToMode converts a unix st_mode value to a fs.FileMode
func UnixToMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	switch {
	case mode&S_IFMT == S_IFDIR:
		res |= fs.ModeDir
	case mode&S_IFMT == S_IFLNK:
		res |= fs.ModeSymlink
	}

	if mode&S_ISGID == S_ISGID {
		res |= fs.ModeSetgid
	}
	if mode&S_ISUID == S_ISUID {
		res |= fs.ModeSetuid
	}
	if mode&S_ISVTX == S_ISVTX {
		res |= fs.ModeSticky
	}

	return res
}

// UnixMode returns the combined unix st_mode for an inode (type bits | permissions)
func UnixMode(kind Kind, perm uint16) uint32 {
	res := uint32(perm) & 07777

	switch kind {
	case KindDir:
		res |= S_IFDIR
	case KindSymlink:
		res |= S_IFLNK
	case KindRegular:
		res |= S_IFREG
	}

	return res
}

// KindFromUnixMode extracts the object kind from a unix st_mode value
func KindFromUnixMode(mode uint32) Kind {
	switch mode & S_IFMT {
	case S_IFDIR:
		return KindDir
	case S_IFLNK:
		return KindSymlink
	case S_IFREG:
		return KindRegular
	default:
		return KindInvalid
	}
}
