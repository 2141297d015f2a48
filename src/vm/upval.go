package vm

import (
	"fmt"
)

// upvalueCell is a closure's view of one captured variable. While its owning
// frame is alive it aliases a live slot in the vm's shared stack (open); once
// that frame returns it snapshots the slot into a private cell it owns from
// then on (closed). The transition is one-way.
type upvalueCell struct {
	vm     *VM
	closed any
	name   string
	index  uint64
	open   bool
}

func (vm *VM) newUpvalueCell(name string, val any, index uint64) *upvalueCell {
	return &upvalueCell{vm: vm, name: name, closed: val, index: index, open: true}
}

func (c *upvalueCell) String() string {
	state := "closed"
	if c.open {
		state = "open"
	}
	return fmt.Sprintf("upvalue(%v)#%v[%v]", c.name, c.index, state)
}

// Get reads the current value: from the shared stack while open, from the
// private cell once closed.
func (c *upvalueCell) Get() any {
	if !c.open {
		return c.closed
	}
	c.vm.stackLock.Lock()
	defer c.vm.stackLock.Unlock()
	return c.vm.Stack[c.index]
}

// Set writes through to the shared stack while open, or to the private cell
// once closed.
func (c *upvalueCell) Set(val any) {
	if !c.open {
		c.closed = val
		return
	}
	c.vm.stackLock.Lock()
	defer c.vm.stackLock.Unlock()
	c.vm.Stack[c.index] = val
}

// Close takes a final snapshot of the aliased stack slot and detaches from
// the shared stack for good.
func (c *upvalueCell) Close() {
	if !c.open {
		return
	}
	c.vm.stackLock.Lock()
	defer c.vm.stackLock.Unlock()
	c.closed = c.vm.Stack[c.index]
	c.open = false
	c.vm = nil
}
