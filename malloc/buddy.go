package malloc

import (
	"fmt"
	"math/bits"
	"sort"
)

const (
	// DefaultMinBlockSize is the default level-0 block size.
	DefaultMinBlockSize = 128

	// maxListCapacity caps the capacity preallocated for a single free list.
	maxListCapacity = 64
)

// Config describes the arena of a BuddyAllocator.
type Config struct {
	// TotalSize is the arena size in bytes.
	// It must be MinBlockSize multiplied by a power of two.
	TotalSize int `yaml:"total_size"`

	// MinBlockSize is the block size of level 0. Zero means DefaultMinBlockSize.
	MinBlockSize int `yaml:"min_block_size"`

	// Arena selects the backing memory. Empty means ArenaHeap.
	Arena ArenaKind `yaml:"arena"`
}

// Handle refers to a block returned by Alloc.
//
// Handles are plain values and can be copied freely. A handle stops being
// honoured once its block is freed, or the allocator is reset or closed,
// even if the same offset is handed out again later.
// The zero Handle is the nil handle.
type Handle struct {
	off int
	seq uint64
}

// IsNil reports whether h is the zero Handle.
func (h Handle) IsNil() bool { return h.seq == 0 }

// Offset returns the offset of the block from the start of the arena.
func (h Handle) Offset() int { return h.off }

func (h Handle) String() string {
	if h.IsNil() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(off=%d, seq=%d)", h.off, h.seq)
}

// allocation is a ledger entry for a live block.
type allocation struct {
	level int
	size  int // bytes requested by the caller
	seq   uint64
}

// BuddyAllocator carves a fixed arena into power-of-two blocks.
//
// Level L holds blocks of MinBlockSize << L bytes. The whole arena starts as
// one free block at the top level; Alloc splits blocks down to the level it
// needs and Free merges a block with its buddy for as long as the buddy is free.
//
// A BuddyAllocator is not safe for concurrent use.
type BuddyAllocator struct {
	// arena is the memory every block lives in.
	arena arena

	// freeLists[L] holds the offsets of free blocks at level L.
	freeLists []freeList

	// ledger maps the offset of each live block to its level.
	// Free only receives a Handle, so the level has to be kept here.
	ledger map[int]allocation

	// seq is the sequence number of the last allocation.
	seq uint64

	totalSize     int
	minBlockSize  int
	minBlockShift int
	levels        int
}

// NewBuddyAllocator creates a heap-backed allocator of totalSize bytes with
// DefaultMinBlockSize blocks at level 0.
func NewBuddyAllocator(totalSize int) (*BuddyAllocator, error) {
	return NewBuddyAllocatorWithConfig(Config{TotalSize: totalSize})
}

// NewBuddyAllocatorWithBlockSize creates a heap-backed allocator with a custom level-0 block size.
// minBlock must be a power of two and totalSize must be minBlock times a power of two.
func NewBuddyAllocatorWithBlockSize(totalSize, minBlock int) (*BuddyAllocator, error) {
	return NewBuddyAllocatorWithConfig(Config{TotalSize: totalSize, MinBlockSize: minBlock})
}

// NewBuddyAllocatorWithConfig creates an allocator from cfg.
// All failures, including failing to acquire the arena, wrap ErrInvalidConfiguration.
func NewBuddyAllocatorWithConfig(cfg Config) (*BuddyAllocator, error) {
	minBlock := cfg.MinBlockSize
	if minBlock == 0 {
		minBlock = DefaultMinBlockSize
	}
	if minBlock < 0 || (minBlock&(minBlock-1)) != 0 {
		return nil, fmt.Errorf("%w: minBlockSize must be a power of two, got %d",
			ErrInvalidConfiguration, minBlock)
	}
	totalSize := cfg.TotalSize
	if totalSize < minBlock {
		return nil, fmt.Errorf("%w: arena size (%d) must be >= minBlockSize (%d)",
			ErrInvalidConfiguration, totalSize, minBlock)
	}
	if n := totalSize / minBlock; totalSize%minBlock != 0 || (n&(n-1)) != 0 {
		return nil, fmt.Errorf("%w: arena size must be %d times a power of two, got %d",
			ErrInvalidConfiguration, minBlock, totalSize)
	}

	ar, err := newArena(cfg.Arena, totalSize)
	if err != nil {
		return nil, err
	}

	minShift := bits.TrailingZeros(uint(minBlock))
	levels := bits.TrailingZeros(uint(totalSize)) - minShift + 1

	a := &BuddyAllocator{
		arena:         ar,
		freeLists:     make([]freeList, levels),
		ledger:        make(map[int]allocation),
		totalSize:     totalSize,
		minBlockSize:  minBlock,
		minBlockShift: minShift,
		levels:        levels,
	}

	// Level L can hold at most 2^(top-L) blocks.
	top := levels - 1
	for i := range a.freeLists {
		capacity := maxListCapacity
		if top-i < 6 {
			capacity = 1 << (top - i)
		}
		a.freeLists[i] = newFreeList(capacity)
	}
	a.freeLists[top].push(0)
	return a, nil
}

// Alloc returns a block of at least size bytes.
//
// A size of 0 is served like a 1-byte request. The block is aligned to its
// own size relative to the start of the arena and its contents are not
// initialised. Alloc fails with ErrOutOfMemory when no free block is large
// enough, whether the request can never fit or the arena is fragmented.
func (a *BuddyAllocator) Alloc(size int) (Handle, error) {
	if a.arena.buf == nil {
		return Handle{}, ErrClosed
	}
	if size < 0 {
		return Handle{}, fmt.Errorf("%w: negative size %d", ErrOutOfMemory, size)
	}
	if size > a.totalSize {
		return Handle{}, fmt.Errorf("%w: %d bytes exceeds the %d byte arena",
			ErrOutOfMemory, size, a.totalSize)
	}
	level := a.levelForSize(size)

	found := level
	for found < a.levels && a.freeLists[found].len() == 0 {
		found++
	}
	if found == a.levels {
		return Handle{}, fmt.Errorf("%w: no free block of %d bytes",
			ErrOutOfMemory, a.blockSize(level))
	}

	// Split until we reach the required level.
	// The left half keeps the offset, the right half goes to the lower level.
	off := a.freeLists[found].pop()
	for found > level {
		found--
		a.freeLists[found].push(off + a.blockSize(found))
	}

	a.seq++
	a.ledger[off] = allocation{level: level, size: size, seq: a.seq}
	return Handle{off: off, seq: a.seq}, nil
}

// Free returns the block of h to the allocator.
// Nil, stale, foreign and already freed handles are ignored.
func (a *BuddyAllocator) Free(h Handle) {
	a.free(h)
}

// TryFree is like Free but reports ErrInvalidFree if h is not a live handle.
func (a *BuddyAllocator) TryFree(h Handle) error {
	if !a.free(h) {
		return fmt.Errorf("%w: %v is not live", ErrInvalidFree, h)
	}
	return nil
}

func (a *BuddyAllocator) free(h Handle) bool {
	e, ok := a.lookup(h)
	if !ok {
		return false
	}
	delete(a.ledger, h.off)
	a.release(h.off, e.level)
	return true
}

// release puts the block at off back on the free lists, merging it with its
// buddy level by level. Offsets are multiples of the block size, so the buddy
// of a block is its offset with the block size bit flipped.
func (a *BuddyAllocator) release(off, level int) {
	for level+1 < a.levels {
		size := a.blockSize(level)
		if !a.freeLists[level].remove(off ^ size) {
			break
		}
		off &^= size
		level++
	}
	a.freeLists[level].push(off)
}

func (a *BuddyAllocator) lookup(h Handle) (allocation, bool) {
	if h.IsNil() {
		return allocation{}, false
	}
	e, ok := a.ledger[h.off]
	if !ok || e.seq != h.seq {
		return allocation{}, false
	}
	return e, true
}

// Bytes returns the memory of h: len is the size passed to Alloc and cap is
// the block size. It returns nil if h is not live.
func (a *BuddyAllocator) Bytes(h Handle) []byte {
	e, ok := a.lookup(h)
	if !ok {
		return nil
	}
	end := h.off + a.blockSize(e.level)
	if h.off < 0 || end > len(a.arena.buf) {
		return nil
	}
	return a.arena.buf[h.off : h.off+e.size : end]
}

// BlockSize returns the size of the block backing h, or 0 if h is not live.
func (a *BuddyAllocator) BlockSize(h Handle) int {
	e, ok := a.lookup(h)
	if !ok {
		return 0
	}
	return a.blockSize(e.level)
}

// UsedMemory returns the total size of all live blocks.
// It walks every allocation and is meant for diagnostics.
func (a *BuddyAllocator) UsedMemory() int {
	used := 0
	for _, e := range a.ledger {
		used += a.blockSize(e.level)
	}
	return used
}

// Available returns the total size of all free blocks.
func (a *BuddyAllocator) Available() int {
	total := 0
	for level := range a.freeLists {
		total += a.freeLists[level].len() * a.blockSize(level)
	}
	return total
}

// FreeBlocks returns the number of free blocks at level.
func (a *BuddyAllocator) FreeBlocks(level int) int {
	if level < 0 || level >= a.levels {
		return 0
	}
	return a.freeLists[level].len()
}

// LiveAllocations returns the number of blocks handed out and not yet freed.
func (a *BuddyAllocator) LiveAllocations() int { return len(a.ledger) }

// Levels returns the number of size classes.
func (a *BuddyAllocator) Levels() int { return a.levels }

// TotalSize returns the arena size.
func (a *BuddyAllocator) TotalSize() int { return a.totalSize }

// MinBlockSize returns the block size of level 0.
func (a *BuddyAllocator) MinBlockSize() int { return a.minBlockSize }

// Reset drops every allocation and returns the allocator to its initial state.
// Handles issued before Reset are no longer honoured.
func (a *BuddyAllocator) Reset() {
	for i := range a.freeLists {
		a.freeLists[i].reset()
	}
	for off := range a.ledger {
		delete(a.ledger, off)
	}
	if a.arena.buf != nil {
		a.freeLists[a.levels-1].push(0)
	}
}

// Close releases the arena. Any memory obtained through Bytes must not be
// used afterwards. Alloc fails with ErrClosed and Free becomes a no-op.
func (a *BuddyAllocator) Close() error {
	if a.arena.buf == nil {
		return nil
	}
	for i := range a.freeLists {
		a.freeLists[i].reset()
	}
	for off := range a.ledger {
		delete(a.ledger, off)
	}
	return a.arena.free()
}

// Validate checks the block structure: every byte of the arena belongs to
// exactly one free or live block, blocks are aligned to their size, and no
// two free buddies are left unmerged.
func (a *BuddyAllocator) Validate() error {
	if a.arena.buf == nil {
		return nil
	}
	type span struct{ off, size int }
	spans := make([]span, 0, len(a.ledger)+a.levels)

	for level := range a.freeLists {
		l := &a.freeLists[level]
		size := a.blockSize(level)
		if len(l.pos) != len(l.offs) {
			return fmt.Errorf("buddy: level %d index has %d entries for %d blocks", level, len(l.pos), len(l.offs))
		}
		for i, off := range l.offs {
			if l.pos[off] != i {
				return fmt.Errorf("buddy: level %d index is stale for offset %d", level, off)
			}
			if err := a.checkBlock(off, level); err != nil {
				return err
			}
			if level+1 < a.levels && l.contains(off^size) {
				return fmt.Errorf("buddy: free buddies %d and %d at level %d are not merged", off, off^size, level)
			}
			spans = append(spans, span{off: off, size: size})
		}
	}
	for off, e := range a.ledger {
		if e.level < 0 || e.level >= a.levels {
			return fmt.Errorf("buddy: live block at %d has invalid level %d", off, e.level)
		}
		if err := a.checkBlock(off, e.level); err != nil {
			return err
		}
		if e.size > a.blockSize(e.level) {
			return fmt.Errorf("buddy: live block at %d holds %d bytes in a %d byte block", off, e.size, a.blockSize(e.level))
		}
		spans = append(spans, span{off: off, size: a.blockSize(e.level)})
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].off < spans[j].off })
	next := 0
	for _, s := range spans {
		if s.off < next {
			return fmt.Errorf("buddy: block at %d overlaps the previous block ending at %d", s.off, next)
		}
		if s.off > next {
			return fmt.Errorf("buddy: bytes [%d, %d) are not covered by any block", next, s.off)
		}
		next = s.off + s.size
	}
	if next != a.totalSize {
		return fmt.Errorf("buddy: bytes [%d, %d) are not covered by any block", next, a.totalSize)
	}
	return nil
}

func (a *BuddyAllocator) checkBlock(off, level int) error {
	size := a.blockSize(level)
	if off < 0 || off+size > a.totalSize {
		return fmt.Errorf("buddy: block [%d, %d) lies outside the arena", off, off+size)
	}
	if off&(size-1) != 0 {
		return fmt.Errorf("buddy: block at %d is not aligned to %d", off, size)
	}
	return nil
}

// blockSize returns the size of a block at level.
func (a *BuddyAllocator) blockSize(level int) int {
	return a.minBlockSize << level
}

// levelForSize returns the smallest level whose blocks can hold size bytes.
// It returns a.levels, one past the top level, if no level is large enough.
func (a *BuddyAllocator) levelForSize(size int) int {
	p := nextPowerOfTwo(size)
	if p <= a.minBlockSize {
		return 0
	}
	level := bits.TrailingZeros(uint(p)) - a.minBlockShift
	if level > a.levels {
		level = a.levels
	}
	return level
}

// nextPowerOfTwo returns the smallest power of two >= n. n <= 1 yields 1.
func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
