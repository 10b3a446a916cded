package malloc

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuddyAllocator(t *testing.T, totalSize, minBlock int) *BuddyAllocator {
	t.Helper()
	a, err := NewBuddyAllocatorWithBlockSize(totalSize, minBlock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func mustAlloc(t *testing.T, a *BuddyAllocator, size int) Handle {
	t.Helper()
	h, err := a.Alloc(size)
	require.NoError(t, err, "size=%d", size)
	require.False(t, h.IsNil())
	return h
}

func overlap(a *BuddyAllocator, h1, h2 Handle) bool {
	s1, e1 := h1.Offset(), h1.Offset()+a.BlockSize(h1)
	s2, e2 := h2.Offset(), h2.Offset()+a.BlockSize(h2)
	return s1 < e2 && s2 < e1
}

// freeLevels snapshots the number of free blocks per level.
func freeLevels(a *BuddyAllocator) []int {
	n := make([]int, a.Levels())
	for i := range n {
		n[i] = a.FreeBlocks(i)
	}
	return n
}

func TestNewBuddyAllocator(t *testing.T) {
	a, err := NewBuddyAllocator(1 << 20)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, DefaultMinBlockSize, a.MinBlockSize())
	assert.Equal(t, 1<<20, a.TotalSize())
	assert.Equal(t, 14, a.Levels()) // 128 << 13 == 1MB
	assert.Equal(t, 1<<20, a.Available())
	assert.Equal(t, 0, a.UsedMemory())
	assert.NoError(t, a.Validate())
}

func TestNewBuddyAllocatorWithBlockSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		min     int
		levels  int
		wantErr bool
	}{
		{"single_level", 128, 128, 1, false},
		{"four_levels", 1024, 128, 4, false},
		{"custom_min", 64 * 1024, 1024, 7, false},
		{"min_one", 16, 1, 5, false},
		{"min_not_pow2", 1024, 100, 0, true},
		{"min_negative", 1024, -128, 0, true},
		{"arena_too_small", 64, 128, 0, true},
		{"arena_not_multiple", 1000, 128, 0, true},
		{"arena_not_pow2_multiple", 3 * 128, 128, 0, true},
		{"arena_zero", 0, 128, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewBuddyAllocatorWithBlockSize(tt.size, tt.min)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfiguration)
				assert.Nil(t, a)
				return
			}
			require.NoError(t, err)
			defer a.Close()
			assert.Equal(t, tt.levels, a.Levels())
			// the top level block covers exactly the arena
			assert.Equal(t, tt.size, a.blockSize(a.Levels()-1))
			assert.Equal(t, 1, a.FreeBlocks(a.Levels()-1))
		})
	}
}

func TestNewBuddyAllocatorWithConfig(t *testing.T) {
	t.Run("DefaultMinBlock", func(t *testing.T) {
		a, err := NewBuddyAllocatorWithConfig(Config{TotalSize: 4096})
		require.NoError(t, err)
		defer a.Close()
		assert.Equal(t, DefaultMinBlockSize, a.MinBlockSize())
		assert.Equal(t, 6, a.Levels())
	})

	t.Run("UnknownArena", func(t *testing.T) {
		_, err := NewBuddyAllocatorWithConfig(Config{TotalSize: 4096, Arena: "shm"})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("Mmap", func(t *testing.T) {
		switch runtime.GOOS {
		case "linux", "darwin", "freebsd", "netbsd", "openbsd", "dragonfly":
		default:
			t.Skip("mmap arena not supported on " + runtime.GOOS)
		}
		a, err := NewBuddyAllocatorWithConfig(Config{TotalSize: 64 * 1024, MinBlockSize: 4096, Arena: ArenaMmap})
		require.NoError(t, err)
		h := mustAlloc(t, a, 5000)
		b := a.Bytes(h)
		require.Len(t, b, 5000)
		for i := range b {
			b[i] = byte(i)
		}
		assert.Equal(t, byte(4999%256), b[4999])
		a.Free(h)
		assert.NoError(t, a.Validate())
		assert.NoError(t, a.Close())
	})
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct{ n, want int }{
		{-5, 1}, {0, 1}, {1, 1}, {2, 2}, {3, 4}, {128, 128}, {129, 256}, {200, 256}, {1 << 20, 1 << 20}, {1<<20 + 1, 1 << 21},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, nextPowerOfTwo(tt.n), "n=%d", tt.n)
	}
}

func TestLevelForSize(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	tests := []struct{ size, want int }{
		{0, 0}, {1, 0}, {128, 0}, {129, 1}, {200, 1}, {256, 1}, {257, 2}, {512, 2}, {513, 3}, {1024, 3}, {1025, 4}, {4096, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, a.levelForSize(tt.size), "size=%d", tt.size)
	}
}

// 1024 byte arena, 128 byte blocks: levels of 128, 256, 512 and 1024 bytes.
func TestAllocFreeScenario(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	require.Equal(t, 4, a.Levels())

	h := mustAlloc(t, a, 200)
	assert.Equal(t, 256, a.BlockSize(h))
	assert.Equal(t, 256, a.UsedMemory())
	// 1024 -> 512 + 512, 512 -> 256 + 256
	assert.Equal(t, []int{0, 1, 1, 0}, freeLevels(a))
	assert.NoError(t, a.Validate())

	a.Free(h)
	assert.Equal(t, 0, a.UsedMemory())
	assert.Equal(t, []int{0, 0, 0, 1}, freeLevels(a))
	assert.Equal(t, 1024, a.Available())
	assert.NoError(t, a.Validate())
}

func TestAllocZero(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	h := mustAlloc(t, a, 0)
	assert.Equal(t, 128, a.BlockSize(h))
	b := a.Bytes(h)
	assert.Len(t, b, 0)
	assert.Equal(t, 128, cap(b))
}

func TestAllocInvalidSize(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)

	h, err := a.Alloc(-1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.True(t, h.IsNil())

	h, err = a.Alloc(1025)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.True(t, h.IsNil())

	// nothing changed
	assert.Equal(t, 1024, a.Available())
	assert.NoError(t, a.Validate())
}

func TestAllocWholeArena(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	h := mustAlloc(t, a, 1024)
	assert.Equal(t, 0, h.Offset())
	assert.Equal(t, 0, a.Available())

	_, err := a.Alloc(1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	a.Free(h)
	assert.Equal(t, 1024, a.Available())
}

func TestAllocAlignment(t *testing.T) {
	a := newTestBuddyAllocator(t, 64*1024, 128)
	sizes := []int{1, 100, 300, 128, 2000, 700, 5000, 129, 9000}
	var live []Handle
	for _, sz := range sizes {
		h := mustAlloc(t, a, sz)
		bs := a.BlockSize(h)
		assert.GreaterOrEqual(t, bs, sz)
		// never more than one size class larger than necessary
		assert.Less(t, bs, 2*nextPowerOfTwo(sz)+a.MinBlockSize())
		assert.Zero(t, h.Offset()%bs, "size=%d off=%d", sz, h.Offset())
		for _, o := range live {
			assert.False(t, overlap(a, h, o))
		}
		live = append(live, h)
	}
	assert.NoError(t, a.Validate())
}

func TestBytes(t *testing.T) {
	a := newTestBuddyAllocator(t, 4096, 128)
	h := mustAlloc(t, a, 300)
	b := a.Bytes(h)
	assert.Len(t, b, 300)
	assert.Equal(t, 512, cap(b))

	assert.Nil(t, a.Bytes(Handle{}))
	assert.Nil(t, a.Bytes(Handle{off: h.off, seq: h.seq + 1}))

	a.Free(h)
	assert.Nil(t, a.Bytes(h))
	assert.Equal(t, 0, a.BlockSize(h))
}

func TestRoundTrip(t *testing.T) {
	a := newTestBuddyAllocator(t, 4096, 128)
	other := mustAlloc(t, a, 1000)

	h := mustAlloc(t, a, 500)
	b := a.Bytes(h)
	for i := range b {
		b[i] = 0xA5
	}
	a.Free(h)

	h2 := mustAlloc(t, a, 500)
	assert.GreaterOrEqual(t, h2.Offset(), 0)
	assert.LessOrEqual(t, h2.Offset()+a.BlockSize(h2), a.TotalSize())
	assert.False(t, overlap(a, h2, other))
	assert.Len(t, a.Bytes(h2), 500)
}

func TestIdempotentFree(t *testing.T) {
	a := newTestBuddyAllocator(t, 4096, 128)
	h1 := mustAlloc(t, a, 128)
	mustAlloc(t, a, 128)

	a.Free(h1)
	levels, avail := freeLevels(a), a.Available()

	a.Free(h1)
	assert.Equal(t, levels, freeLevels(a))
	assert.Equal(t, avail, a.Available())
	assert.NoError(t, a.Validate())

	a.Free(Handle{})
	assert.Equal(t, avail, a.Available())
}

func TestStaleHandleAfterReuse(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	h1 := mustAlloc(t, a, 128)
	a.Free(h1)

	h2 := mustAlloc(t, a, 128)
	require.Equal(t, h1.Offset(), h2.Offset())
	assert.NotEqual(t, h1, h2)

	// freeing the old handle must not release the new block
	a.Free(h1)
	assert.Equal(t, 128, a.UsedMemory())
	assert.NotNil(t, a.Bytes(h2))
}

func TestTryFree(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	h := mustAlloc(t, a, 10)

	assert.NoError(t, a.TryFree(h))
	assert.ErrorIs(t, a.TryFree(h), ErrInvalidFree)
	assert.ErrorIs(t, a.TryFree(Handle{}), ErrInvalidFree)
	assert.ErrorIs(t, a.TryFree(Handle{off: 512, seq: 99}), ErrInvalidFree)
	assert.NoError(t, a.Validate())
}

func TestFullCoalescing(t *testing.T) {
	const total, min = 1024, 128

	ascending := func(hs []Handle) []Handle { return hs }
	descending := func(hs []Handle) []Handle {
		out := make([]Handle, len(hs))
		for i := range hs {
			out[len(hs)-1-i] = hs[i]
		}
		return out
	}
	tests := []struct {
		name  string
		order func(hs []Handle) []Handle
	}{
		{"Ascending", ascending},
		{"Descending", descending},
		{"ReverseAllocation", descending},
		{"Shuffled", func(hs []Handle) []Handle {
			out := append([]Handle(nil), hs...)
			r := rand.New(rand.NewSource(42))
			r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
			return out
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestBuddyAllocator(t, total, min)
			var hs []Handle
			for i := 0; i < total/min; i++ {
				hs = append(hs, mustAlloc(t, a, min))
			}
			if tt.name != "ReverseAllocation" {
				// put the blocks in address order first
				byAddr := make([]Handle, len(hs))
				for _, h := range hs {
					byAddr[h.Offset()/min] = h
				}
				hs = byAddr
			}
			for _, h := range tt.order(hs) {
				a.Free(h)
				require.NoError(t, a.Validate())
			}
			assert.Equal(t, []int{0, 0, 0, 1}, freeLevels(a))
			assert.Equal(t, total, a.Available())
		})
	}
}

func TestFullCoalescingMixedSizes(t *testing.T) {
	a := newTestBuddyAllocator(t, 4096, 128)
	hs := []Handle{
		mustAlloc(t, a, 2048),
		mustAlloc(t, a, 1024),
		mustAlloc(t, a, 512),
		mustAlloc(t, a, 256),
		mustAlloc(t, a, 128),
		mustAlloc(t, a, 128),
	}
	assert.Equal(t, 0, a.Available())
	for _, i := range []int{4, 0, 2, 5, 1, 3} {
		a.Free(hs[i])
	}
	assert.Equal(t, 1, a.FreeBlocks(a.Levels()-1))
	assert.Equal(t, 4096, a.Available())
}

func TestExhaustion(t *testing.T) {
	tests := []struct{ total, min int }{
		{1024, 128},
		{4096, 128},
		{64 * 1024, 1024},
	}
	for _, tt := range tests {
		a := newTestBuddyAllocator(t, tt.total, tt.min)
		n := 0
		for {
			if _, err := a.Alloc(tt.min); err != nil {
				assert.ErrorIs(t, err, ErrOutOfMemory)
				break
			}
			n++
		}
		assert.Equal(t, tt.total/tt.min, n)
		assert.Equal(t, tt.total, a.UsedMemory())
		assert.NoError(t, a.Validate())
	}
}

func TestFragmentationRefusal(t *testing.T) {
	a := newTestBuddyAllocator(t, 1024, 128)
	var hs []Handle
	for i := 0; i < 8; i++ {
		hs = append(hs, mustAlloc(t, a, 128))
	}
	byAddr := make(map[int]Handle)
	for _, h := range hs {
		byAddr[h.Offset()] = h
	}
	// offsets 0 and 256 are not buddies
	a.Free(byAddr[0])
	a.Free(byAddr[256])
	assert.Equal(t, 256, a.Available())

	_, err := a.Alloc(256)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	// freeing 128 merges it with 0 into a 256 byte block
	a.Free(byAddr[128])
	h := mustAlloc(t, a, 256)
	assert.Equal(t, 0, h.Offset())
}

func TestRandomOperations(t *testing.T) {
	a := newTestBuddyAllocator(t, 64*1024, 128)
	r := rand.New(rand.NewSource(1))
	var live []Handle
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && r.Intn(3) == 0 {
			j := r.Intn(len(live))
			a.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
		} else if h, err := a.Alloc(r.Intn(4096)); err == nil {
			for _, o := range live {
				require.False(t, overlap(a, h, o))
			}
			live = append(live, h)
		} else {
			require.ErrorIs(t, err, ErrOutOfMemory)
		}
		require.NoError(t, a.Validate())
		require.Equal(t, a.TotalSize(), a.Available()+a.UsedMemory())
		require.Equal(t, len(live), a.LiveAllocations())
	}
	for _, h := range live {
		a.Free(h)
	}
	assert.Equal(t, 1, a.FreeBlocks(a.Levels()-1))
}

func TestReset(t *testing.T) {
	a := newTestBuddyAllocator(t, 4096, 128)
	h := mustAlloc(t, a, 100)
	mustAlloc(t, a, 1000)

	a.Reset()
	assert.Equal(t, 0, a.UsedMemory())
	assert.Equal(t, 4096, a.Available())
	assert.Equal(t, 0, a.LiveAllocations())
	assert.NoError(t, a.Validate())

	// old handles are stale
	assert.Nil(t, a.Bytes(h))
	assert.ErrorIs(t, a.TryFree(h), ErrInvalidFree)

	mustAlloc(t, a, 4096)
}

func TestClose(t *testing.T) {
	a, err := NewBuddyAllocatorWithBlockSize(1024, 128)
	require.NoError(t, err)
	h := mustAlloc(t, a, 10)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Alloc(10)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, a.Bytes(h))
	a.Free(h)
	assert.ErrorIs(t, a.TryFree(h), ErrInvalidFree)
	assert.Equal(t, 0, a.UsedMemory())
	assert.NoError(t, a.Validate())
}

func TestValidateDetectsCorruption(t *testing.T) {
	t.Run("UnmergedBuddies", func(t *testing.T) {
		a := newTestBuddyAllocator(t, 1024, 128)
		a.freeLists[3].reset()
		a.freeLists[2].push(0)
		a.freeLists[2].push(512)
		assert.ErrorContains(t, a.Validate(), "not merged")
	})

	t.Run("Overlap", func(t *testing.T) {
		a := newTestBuddyAllocator(t, 1024, 128)
		mustAlloc(t, a, 128)
		// the free block at 128 is also recorded as live
		a.ledger[128] = allocation{level: 0, size: 1, seq: 99}
		assert.ErrorContains(t, a.Validate(), "overlaps")
	})

	t.Run("LostBytes", func(t *testing.T) {
		a := newTestBuddyAllocator(t, 1024, 128)
		mustAlloc(t, a, 128)
		a.freeLists[0].reset()
		assert.ErrorContains(t, a.Validate(), "not covered")
	})

	t.Run("Misaligned", func(t *testing.T) {
		a := newTestBuddyAllocator(t, 1024, 128)
		a.freeLists[3].reset()
		a.freeLists[1].push(128)
		assert.ErrorContains(t, a.Validate(), "not aligned")
	})
}

func BenchmarkAllocFree(b *testing.B) {
	a, err := NewBuddyAllocator(16 << 20)
	require.NoError(b, err)
	defer a.Close()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h, _ := a.Alloc(4096)
		a.Free(h)
	}
}
