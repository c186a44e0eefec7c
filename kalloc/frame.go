package kalloc

// Frame is an allocated page frame. The caller owns its bytes until it is
// handed back with Free.
type Frame struct {
	pa   PhysAddr
	data []byte
}

// Addr returns the frame's physical address, or 0 after Free.
func (f *Frame) Addr() PhysAddr { return f.pa }

// Bytes returns the frame's memory, or nil after Free.
func (f *Frame) Bytes() []byte { return f.data }
