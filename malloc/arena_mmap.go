//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package malloc

import "golang.org/x/sys/unix"

func mmapArena(size int) (arena, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return arena{}, err
	}
	return arena{buf: buf, release: unix.Munmap}, nil
}
