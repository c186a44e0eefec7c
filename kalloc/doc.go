// Package kalloc implements the physical page allocator.
//
// Physical memory between the end of the kernel image and PhysTop is
// carved into page frames. Each core owns a free list guarded by its own
// spin lock; Alloc and Free touch only the current core's list. A core
// whose list runs dry steals a batch of frames from the first other core
// that has at least two.
//
// The free lists are index-based: a frame's list link lives in a side
// table, not in the frame's own bytes, so a caller can never observe or
// corrupt a link through a Frame it owns.
//
// Freed frames are filled with 0x01 and allocated frames with 0x05 so that
// use-after-free and use-before-init show up as recognizable junk.
package kalloc
