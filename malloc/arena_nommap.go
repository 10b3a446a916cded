//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package malloc

import "errors"

func mmapArena(size int) (arena, error) {
	return arena{}, errors.New("mmap arenas are not supported on this platform")
}
