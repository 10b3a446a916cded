package malloc

import "errors"

var (
	// ErrInvalidConfiguration is returned by the constructors when the block
	// sizes are unusable or the arena cannot be acquired.
	ErrInvalidConfiguration = errors.New("buddy: invalid configuration")

	// ErrOutOfMemory is returned by Alloc when no free block is large enough,
	// including requests larger than the whole arena.
	ErrOutOfMemory = errors.New("buddy: out of memory")

	// ErrInvalidFree is returned by TryFree for handles that are not live.
	ErrInvalidFree = errors.New("buddy: invalid free")

	// ErrClosed is returned by Alloc after Close.
	ErrClosed = errors.New("buddy: allocator closed")
)
