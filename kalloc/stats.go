package kalloc

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Stats is a point-in-time snapshot of allocator counters.
type Stats struct {
	Frames       int    `json:"frames"`
	Free         int    `json:"free"`
	FreePerCore  []int  `json:"free_per_core"`
	Allocs       uint64 `json:"allocs"`
	Frees        uint64 `json:"frees"`
	Steals       uint64 `json:"steals"`
	StolenFrames uint64 `json:"stolen_frames"`
	Failures     uint64 `json:"failures"`
}

// Stats returns the allocator counters. Per-core counts are read one lock
// at a time and may be mutually inconsistent under concurrent use.
func (a *Allocator) Stats() Stats {
	s := Stats{
		Frames:       a.frames,
		FreePerCore:  make([]int, len(a.lists)),
		Allocs:       a.allocs.Load(),
		Frees:        a.frees.Load(),
		Steals:       a.steals.Load(),
		StolenFrames: a.stolen.Load(),
		Failures:     a.failures.Load(),
	}
	for i := range a.lists {
		s.FreePerCore[i] = a.FreeCount(i)
		s.Free += s.FreePerCore[i]
	}
	return s
}

// FreeCount returns the length of core's free list.
func (a *Allocator) FreeCount(core int) int {
	l := &a.lists[core]
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.n
}

// FreeSet returns the frame indexes on core's free list.
func (a *Allocator) FreeSet(core int) (*roaring.Bitmap, error) {
	l := &a.lists[core]
	l.lock.Lock()
	defer l.lock.Unlock()
	return a.collect(core, l)
}

// FrameIndex returns the index of the frame at pa, as used in FreeSet.
func (a *Allocator) FrameIndex(pa PhysAddr) uint32 {
	return uint32(a.index(pa)) //nolint:gosec // non-negative for valid frames
}

// collect walks a locked list into a bitmap, checking it for cycles,
// out-of-range links and a length mismatch.
func (a *Allocator) collect(core int, l *freeList) (*roaring.Bitmap, error) {
	set := roaring.New()
	steps := 0
	for i := l.head; i != nilFrame; i = a.next[i] {
		if i < 0 || int(i) >= a.frames {
			return nil, fmt.Errorf("%w: cpu %d links to frame %d", ErrCorrupt, core, i)
		}
		if !set.CheckedAdd(uint32(i)) { //nolint:gosec // i >= 0
			return nil, fmt.Errorf("%w: cpu %d lists frame %d twice", ErrCorrupt, core, i)
		}
		steps++
	}
	if steps != l.n {
		return nil, fmt.Errorf("%w: cpu %d holds %d frames, count says %d", ErrCorrupt, core, steps, l.n)
	}
	return set, nil
}

// Audit verifies that every free list is well formed and that no frame is
// on two lists. Lists are locked all at once in core order, so Audit sees
// a consistent cut.
func (a *Allocator) Audit() error {
	for i := range a.lists {
		a.lists[i].lock.Lock()
	}
	defer func() {
		for i := range a.lists {
			a.lists[i].lock.Unlock()
		}
	}()

	var errs []error
	all := roaring.New()
	for i := range a.lists {
		set, err := a.collect(i, &a.lists[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if all.Intersects(set) {
			errs = append(errs, fmt.Errorf("%w: cpu %d shares frames with another core", ErrCorrupt, i))
		}
		all.Or(set)
	}
	return errors.Join(errs...)
}
