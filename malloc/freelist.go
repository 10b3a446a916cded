package malloc

// freeList holds the offsets of the free blocks of one level.
// pos indexes offs by offset so a buddy can be found and unlinked in O(1).
type freeList struct {
	offs []int
	pos  map[int]int
}

func newFreeList(capacity int) freeList {
	return freeList{
		offs: make([]int, 0, capacity),
		pos:  make(map[int]int, capacity),
	}
}

func (l *freeList) len() int { return len(l.offs) }

func (l *freeList) push(off int) {
	l.pos[off] = len(l.offs)
	l.offs = append(l.offs, off)
}

// pop removes the most recently pushed offset. The list must not be empty.
func (l *freeList) pop() int {
	n := len(l.offs) - 1
	off := l.offs[n]
	l.offs = l.offs[:n]
	delete(l.pos, off)
	return off
}

func (l *freeList) contains(off int) bool {
	_, ok := l.pos[off]
	return ok
}

// remove unlinks off and reports whether it was present.
// The last element is moved into the hole, so order is not preserved.
func (l *freeList) remove(off int) bool {
	i, ok := l.pos[off]
	if !ok {
		return false
	}
	n := len(l.offs) - 1
	if i != n {
		last := l.offs[n]
		l.offs[i] = last
		l.pos[last] = i
	}
	l.offs = l.offs[:n]
	delete(l.pos, off)
	return true
}

func (l *freeList) reset() {
	l.offs = l.offs[:0]
	for off := range l.pos {
		delete(l.pos, off)
	}
}
