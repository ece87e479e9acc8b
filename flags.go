package waynefs

import "strings"

// StateFlags records the filesystem state in the superblock. The mount
// path sets DIRTY before serving requests and a clean unmount clears it;
// recovery runs at every mount regardless, so a DIRTY flag is purely
// informational for tooling like `waynefs info`.
type StateFlags uint32

const (
	STATE_CLEAN StateFlags = 1 << iota
	STATE_DIRTY
	STATE_RECOVERED
)

func (f StateFlags) String() string {
	var opt []string

	if f&STATE_CLEAN != 0 {
		opt = append(opt, "CLEAN")
	}
	if f&STATE_DIRTY != 0 {
		opt = append(opt, "DIRTY")
	}
	if f&STATE_RECOVERED != 0 {
		opt = append(opt, "RECOVERED")
	}

	if len(opt) == 0 {
		return "(none)"
	}

	return strings.Join(opt, "|")
}
