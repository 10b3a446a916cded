package malloc

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// ArenaKind selects where the arena memory comes from.
type ArenaKind string

const (
	// ArenaHeap backs the arena with a Go heap slice. The memory is not zeroed.
	ArenaHeap ArenaKind = "heap"

	// ArenaMmap backs the arena with an anonymous private mapping outside the Go heap.
	ArenaMmap ArenaKind = "mmap"
)

// arena is the single contiguous region every block lives in.
type arena struct {
	buf     []byte
	release func([]byte) error
}

func newArena(kind ArenaKind, size int) (arena, error) {
	switch kind {
	case "", ArenaHeap:
		return arena{buf: dirtmake.Bytes(size, size)}, nil
	case ArenaMmap:
		a, err := mmapArena(size)
		if err != nil {
			return arena{}, fmt.Errorf("%w: mmap %d bytes: %v", ErrInvalidConfiguration, size, err)
		}
		return a, nil
	}
	return arena{}, fmt.Errorf("%w: unknown arena kind %q", ErrInvalidConfiguration, kind)
}

// free releases the backing memory once. Later calls are no-ops.
func (a *arena) free() error {
	buf := a.buf
	if buf == nil {
		return nil
	}
	a.buf = nil
	if a.release != nil {
		return a.release(buf)
	}
	return nil
}
