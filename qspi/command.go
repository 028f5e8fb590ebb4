package qspi

import (
	"fmt"
	"time"
)

// Lines is the number of data lines used by one phase of a command.
type Lines uint8

const (
	LinesNone Lines = 0
	Lines1    Lines = 1
	Lines2    Lines = 2
	Lines4    Lines = 4
)

type AddressSize uint8

const (
	Address8  AddressSize = 8
	Address16 AddressSize = 16
	Address24 AddressSize = 24
	Address32 AddressSize = 32
)

// Bytes returns the number of bytes the address occupies on the bus.
func (a AddressSize) Bytes() int {
	return int(a) / 8
}

// Command describes a single bus transaction. The instruction, address and
// data phases each select their own line count; a phase with LinesNone is
// skipped.
type Command struct {
	Instruction      uint8
	InstructionLines Lines

	Address      uint32
	AddressLines Lines
	AddressSize  AddressSize

	DummyCycles uint8

	DataLines Lines
	Length    int
}

func (c *Command) HasAddress() bool {
	return c.AddressLines != LinesNone
}

func (c *Command) HasData() bool {
	return c.DataLines != LinesNone
}

func (c *Command) String() string {
	s := fmt.Sprintf("cmd %02x/%d", c.Instruction, c.InstructionLines)
	if c.HasAddress() {
		s += fmt.Sprintf(" addr %06x/%d", c.Address, c.AddressLines)
	}
	if c.DummyCycles > 0 {
		s += fmt.Sprintf(" dummy %d", c.DummyCycles)
	}
	if c.HasData() {
		s += fmt.Sprintf(" data %d/%d", c.Length, c.DataLines)
	}
	return s
}

// Poll blocks until a status register satisfies Match under Mask.
type Poll struct {
	Match    uint8
	Mask     uint8
	Interval time.Duration
}

func (p Poll) Matches(status uint8) bool {
	return status&p.Mask == p.Match
}

// MemoryMappedConfig configures the controller when it switches to direct
// read mode.
type MemoryMappedConfig struct {
	TimeoutCounter bool
}
