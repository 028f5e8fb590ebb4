// Package flashsim simulates a W25Q series SPI NOR flash behind a serial
// flash controller. It implements qspi.Transport.
package flashsim

import (
	"errors"
	"fmt"

	"github.com/boljen/go-bitmap"

	"github.com/BertoldVdb/qspiloader/qspi"
)

var (
	ErrorMapped        = errors.New("controller is in memory-mapped mode")
	ErrorNotMapped     = errors.New("controller is not in memory-mapped mode")
	ErrorBadCommand    = errors.New("malformed command")
	ErrorUnknownOpcode = errors.New("unknown opcode")
	ErrorPhase         = errors.New("unexpected data phase")
	ErrorInjected      = errors.New("injected fault")
)

const (
	pageSize   = 256
	sectorSize = 4096
	blockSize  = 32 * 1024
)

var sfdpHeader = []byte{'S', 'F', 'D', 'P', 0x06, 0x01, 0x00, 0xff}

type Chip struct {
	ID  [3]byte
	mem []byte

	wel         bool
	busy        int
	resetArmed  bool
	mapped      bool
	mappedRead  qspi.Command
	mappedCfg   qspi.MemoryMappedConfig
	pending     *qspi.Command
	programmed  bitmap.Bitmap
	eraseCounts []int

	// BusyPolls is the number of status reads that report busy after an
	// erase or program instruction.
	BusyPolls int

	// StuckBusy keeps the busy bit set forever.
	StuckBusy bool

	// FailOpcode makes Command fail for the given instruction when set.
	FailOpcode *uint8

	Commands []qspi.Command
	Reinits  int
}

// New returns an erased chip with the W25Q32FV id. size must be a multiple
// of the 32 KiB block size.
func New(size int) *Chip {
	c := &Chip{
		ID:          [3]byte{0xef, 0x40, 0x16},
		mem:         make([]byte, size),
		programmed:  bitmap.New(size / pageSize),
		eraseCounts: make([]int, size/sectorSize),
		BusyPolls:   2,
	}

	for i := range c.mem {
		c.mem[i] = 0xff
	}
	return c
}

func (c *Chip) Size() int {
	return len(c.mem)
}

// Memory returns the backing array. Changes are visible to the chip.
func (c *Chip) Memory() []byte {
	return c.mem
}

func (c *Chip) Mapped() bool {
	return c.mapped
}

// Programmed reports whether a page was programmed since its last erase.
func (c *Chip) Programmed(page int) bool {
	return c.programmed.Get(page)
}

func (c *Chip) ProgrammedPages() int {
	n := 0
	for i := 0; i < c.programmed.Len(); i++ {
		if c.programmed.Get(i) {
			n++
		}
	}
	return n
}

// EraseCount returns how often the 4 KiB sector with the given index was
// erased, by any erase instruction.
func (c *Chip) EraseCount(sector int) int {
	return c.eraseCounts[sector]
}

// Issued returns the commands with the given instruction, in order.
func (c *Chip) Issued(instruction uint8) []qspi.Command {
	var result []qspi.Command
	for _, m := range c.Commands {
		if m.Instruction == instruction {
			result = append(result, m)
		}
	}
	return result
}

func (c *Chip) ClearLog() {
	c.Commands = nil
}

func (c *Chip) status() uint8 {
	var s uint8
	if c.wel {
		s |= qspi.StatusWEL
	}
	if c.StuckBusy || c.busy > 0 {
		s |= qspi.StatusBusy
	}
	return s
}

func (c *Chip) Reinit() error {
	c.Reinits++
	c.mapped = false
	c.pending = nil
	return nil
}

func checkCommand(cmd *qspi.Command) error {
	if cmd.InstructionLines != qspi.Lines1 {
		return fmt.Errorf("%w: instruction on %d lines", ErrorBadCommand, cmd.InstructionLines)
	}
	if cmd.HasAddress() && (cmd.AddressLines != qspi.Lines1 || cmd.AddressSize != qspi.Address24) {
		return fmt.Errorf("%w: address %d bits on %d lines", ErrorBadCommand, cmd.AddressSize, cmd.AddressLines)
	}
	if cmd.HasData() && cmd.Length <= 0 {
		return fmt.Errorf("%w: data phase without length", ErrorBadCommand)
	}
	return nil
}

func expect(cmd *qspi.Command, address bool, data qspi.Lines, dummy uint8) error {
	if cmd.HasAddress() != address || cmd.DataLines != data || cmd.DummyCycles != dummy {
		return fmt.Errorf("%w: %s", ErrorBadCommand, cmd.String())
	}
	return nil
}

func (c *Chip) Command(cmd *qspi.Command) error {
	if c.FailOpcode != nil && *c.FailOpcode == cmd.Instruction {
		return ErrorInjected
	}
	if c.mapped {
		return ErrorMapped
	}
	if c.pending != nil {
		return fmt.Errorf("%w: %02x still waiting for data", ErrorPhase, c.pending.Instruction)
	}
	if err := checkCommand(cmd); err != nil {
		return err
	}

	c.Commands = append(c.Commands, *cmd)

	resetArmed := c.resetArmed
	c.resetArmed = false

	var err error
	switch cmd.Instruction {
	case 0x66:
		err = expect(cmd, false, qspi.LinesNone, 0)
		c.resetArmed = err == nil
	case 0x99:
		if err = expect(cmd, false, qspi.LinesNone, 0); err == nil && resetArmed {
			c.wel = false
			c.busy = 0
		}
	case 0x06:
		if err = expect(cmd, false, qspi.LinesNone, 0); err == nil && c.status()&qspi.StatusBusy == 0 {
			c.wel = true
		}
	case 0x04:
		if err = expect(cmd, false, qspi.LinesNone, 0); err == nil {
			c.wel = false
		}
	case 0x05, 0x9F:
		err = expect(cmd, false, qspi.Lines1, 0)
	case 0x0B, 0x5A:
		err = expect(cmd, true, qspi.Lines1, 8)
	case 0x3B:
		err = expect(cmd, true, qspi.Lines2, 8)
	case 0x02:
		err = expect(cmd, true, qspi.Lines1, 0)
	case 0x20:
		if err = expect(cmd, true, qspi.LinesNone, 0); err == nil {
			c.erase(c.align(cmd.Address, sectorSize), sectorSize)
		}
	case 0x52:
		if err = expect(cmd, true, qspi.LinesNone, 0); err == nil {
			c.erase(c.align(cmd.Address, blockSize), blockSize)
		}
	case 0xC7, 0x60:
		if err = expect(cmd, false, qspi.LinesNone, 0); err == nil {
			c.erase(0, uint32(len(c.mem)))
		}
	default:
		err = fmt.Errorf("%w: %02x", ErrorUnknownOpcode, cmd.Instruction)
	}
	if err != nil {
		return err
	}

	if cmd.HasData() {
		p := *cmd
		c.pending = &p
	}
	return nil
}

/* Erase and program are ignored unless the latch is set, like the real part */
func (c *Chip) erase(start uint32, size uint32) {
	if !c.wel || c.status()&qspi.StatusBusy != 0 {
		return
	}

	for i := start; i < start+size; i++ {
		c.mem[i] = 0xff
	}
	for p := start / pageSize; p < (start+size)/pageSize; p++ {
		c.programmed.Set(int(p), false)
	}
	for s := start / sectorSize; s < (start+size)/sectorSize; s++ {
		c.eraseCounts[s]++
	}

	c.wel = false
	c.busy = c.BusyPolls
}

/* Upper address bits beyond the array size are ignored */
func (c *Chip) align(address uint32, size uint32) uint32 {
	return (address % uint32(len(c.mem))) &^ (size - 1)
}

func (c *Chip) takePending(length int) (*qspi.Command, error) {
	if c.mapped {
		return nil, ErrorMapped
	}
	cmd := c.pending
	if cmd == nil {
		return nil, ErrorPhase
	}
	c.pending = nil

	if length != cmd.Length {
		return nil, fmt.Errorf("%w: %d bytes for a %d byte command", ErrorPhase, length, cmd.Length)
	}
	return cmd, nil
}

func (c *Chip) Transmit(data []byte) error {
	cmd, err := c.takePending(len(data))
	if err != nil {
		return err
	}
	if cmd.Instruction != 0x02 {
		return fmt.Errorf("%w: transmit after %02x", ErrorPhase, cmd.Instruction)
	}

	if !c.wel || c.status()&qspi.StatusBusy != 0 {
		return nil
	}

	/* Bytes past the end of the page wrap to its start */
	addr := cmd.Address % uint32(len(c.mem))
	page := addr &^ (pageSize - 1)
	for i, m := range data {
		a := page + (addr+uint32(i))%pageSize
		c.mem[a] &= m
	}
	c.programmed.Set(int(page/pageSize), true)

	c.wel = false
	c.busy = c.BusyPolls
	return nil
}

func (c *Chip) Receive(data []byte) error {
	cmd, err := c.takePending(len(data))
	if err != nil {
		return err
	}

	switch cmd.Instruction {
	case 0x05:
		data[0] = c.status()
		if c.busy > 0 {
			c.busy--
		}
	case 0x9F:
		copy(data, c.ID[:])
	case 0x5A:
		for i := range data {
			data[i] = 0xff
			if a := int(cmd.Address) + i; a < len(sfdpHeader) {
				data[i] = sfdpHeader[a]
			}
		}
	case 0x0B, 0x3B:
		c.readArray(cmd.Address, data)
	default:
		return fmt.Errorf("%w: receive after %02x", ErrorPhase, cmd.Instruction)
	}
	return nil
}

func (c *Chip) readArray(address uint32, data []byte) {
	for i := range data {
		data[i] = c.mem[(int(address)+i)%len(c.mem)]
	}
}

func (c *Chip) MemoryMapped(cmd *qspi.Command, cfg qspi.MemoryMappedConfig) error {
	if c.mapped {
		return ErrorMapped
	}
	if c.pending != nil {
		return ErrorPhase
	}
	if err := checkCommand(&qspi.Command{
		Instruction:      cmd.Instruction,
		InstructionLines: cmd.InstructionLines,
		AddressLines:     cmd.AddressLines,
		AddressSize:      cmd.AddressSize,
	}); err != nil {
		return err
	}

	switch cmd.Instruction {
	case 0x0B:
		if cmd.DataLines != qspi.Lines1 || cmd.DummyCycles != 8 {
			return ErrorBadCommand
		}
	case 0x3B:
		if cmd.DataLines != qspi.Lines2 || cmd.DummyCycles != 8 {
			return ErrorBadCommand
		}
	default:
		return fmt.Errorf("%w: %02x cannot be memory-mapped", ErrorBadCommand, cmd.Instruction)
	}

	c.mappedRead = *cmd
	c.mappedCfg = cfg
	c.mapped = true
	return nil
}

// MappedCommand returns the read template and configuration of the last
// memory-mapped activation.
func (c *Chip) MappedCommand() (qspi.Command, qspi.MemoryMappedConfig) {
	return c.mappedRead, c.mappedCfg
}

// ReadMapped reads through the memory-mapped window.
func (c *Chip) ReadMapped(offset uint32, data []byte) error {
	if !c.mapped {
		return ErrorNotMapped
	}
	if int(offset)+len(data) > len(c.mem) {
		return fmt.Errorf("read %06x+%d past end of flash", offset, len(data))
	}

	c.readArray(offset, data)
	return nil
}
